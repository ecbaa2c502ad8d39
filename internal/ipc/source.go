package ipc

import (
	"io"
	"sync/atomic"
)

// Source is a single-reader IPC decoder gated by a busy flag: concurrent
// calls to Recv are rejected with ErrOperationInProgress rather than
// racing on the underlying reader (spec.md §4.8).
type Source struct {
	r    io.Reader
	busy atomic.Bool
}

// NewSource wraps r (typically the read end of the agent's IPC pipe) for
// sequential message decoding.
func NewSource(r io.Reader) *Source {
	return &Source{r: r}
}

// Recv decodes and returns the next message. Any error it returns —
// ErrUnknownKey, ErrShortRead, or the underlying io error (including
// io.EOF once the peer closes its end) — is a protocol error fatal to the
// channel; callers must stop calling Recv and trigger shutdown.
func (s *Source) Recv() (Message, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return Message{}, ErrOperationInProgress
	}
	defer s.busy.Store(false)

	return Decode(s.r)
}

// Loop calls Recv repeatedly, invoking handle for each decoded message,
// until Recv returns an error (including io.EOF on peer close). It returns
// that terminal error, mirroring the C4 agent environment's strand
// dispatch loop (spec.md §4.7): every inbound message is handled on the
// calling goroutine, one at a time, with no additional locking needed.
func (s *Source) Loop(handle func(Message) error) error {
	for {
		m, err := s.Recv()
		if err != nil {
			return err
		}
		if err := handle(m); err != nil {
			return err
		}
	}
}

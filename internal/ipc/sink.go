package ipc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// sinkQueueDepth bounds the number of outstanding enqueued messages before
// Send starts blocking the caller.
const sinkQueueDepth = 256

// job is one enqueued outbound message plus its completion handler,
// mirroring the C++ original's queue item (an owned copy of the message and
// a completion handler invoked once the write completes).
type job struct {
	msg  Message
	done func(error)
}

// Sink is a per-channel serialized queue writer (spec.md §4.8): Send
// enqueues a message and returns immediately; a single background
// goroutine drains the queue in FIFO order and performs one scatter-gather
// write of key+header+length+suffix per message, so two messages can never
// interleave their bytes on the wire.
type Sink struct {
	w      io.Writer
	logger *slog.Logger

	jobs chan job

	wg     sync.WaitGroup
	cancel context.CancelFunc

	closeOnce sync.Once
}

// NewSink starts the sink's writer goroutine, draining queued messages to
// w until Close is called.
func NewSink(w io.Writer, logger *slog.Logger) *Sink {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		w:      w,
		logger: logger,
		jobs:   make(chan job, sinkQueueDepth),
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s
}

// Send enqueues m for serialized delivery. done, if non-nil, is invoked
// exactly once with the write's outcome after it is attempted (or with an
// "ipc: sink closed" error if the sink was closed while m was still queued).
func (s *Sink) Send(m Message, done func(error)) {
	s.jobs <- job{msg: m, done: done}
}

// SendSync enqueues m and blocks until it has been written (or the sink is
// closed), returning the write error.
func (s *Sink) SendSync(m Message) error {
	errCh := make(chan error, 1)
	s.Send(m, func(err error) { errCh <- err })
	return <-errCh
}

func (s *Sink) run(ctx context.Context) {
	defer s.wg.Done()
	var buf []byte
	for {
		select {
		case <-ctx.Done():
			s.drainRemaining()
			return
		case j := <-s.jobs:
			var err error
			buf = buf[:0]
			buf, err = Encode(buf, j.msg)
			if err == nil {
				_, err = s.w.Write(buf)
			}
			if err != nil {
				s.logger.Warn("ipc sink write failed",
					slog.String("key", j.msg.Key.String()),
					slog.Any("error", err))
			}
			if j.done != nil {
				j.done(err)
			}
		}
	}
}

// drainRemaining fails any messages still queued when the sink is closed,
// rather than leaving their completion handlers uncalled.
func (s *Sink) drainRemaining() {
	for {
		select {
		case j := <-s.jobs:
			if j.done != nil {
				j.done(fmt.Errorf("ipc: sink closed"))
			}
		default:
			return
		}
	}
}

// Close stops the writer goroutine and waits for it to exit. Safe to call
// more than once.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

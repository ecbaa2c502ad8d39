package shell

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Response type tags for OutboundSink.WriteFrame, satisfying
// ring.Sink: apc-frame-data and recv-bytes traffic fan into the same
// outbound stream under distinct tags so the host can demultiplex.
const (
	ResponseAPCData    byte = 1
	ResponseStreamData byte = 2
)

// OutboundSink is the supervisor-side outbound frame writer: a TCP
// connection to the host, reconnected with exponential backoff on
// failure. Grounded directly on the teacher's GRPCTransport.connectLoop
// reconnection shape (same library, same reset-backoff-on-success
// design), generalized from "redial gRPC" to "redial the capture host
// socket".
type OutboundSink struct {
	mu   sync.Mutex
	conn net.Conn

	dial   func() (net.Conn, error)
	logger *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration

	closed bool
}

// NewOutboundSink constructs an OutboundSink that dials via dial whenever
// the current connection is absent or broken.
func NewOutboundSink(dial func() (net.Conn, error), logger *slog.Logger) *OutboundSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboundSink{
		dial:           dial,
		logger:         logger,
		initialBackoff: time.Second,
		maxBackoff:     2 * time.Minute,
	}
}

// DialTCP returns a dial function connecting to addr over TCP, suitable
// for NewOutboundSink.
func DialTCP(addr string) func() (net.Conn, error) {
	return func() (net.Conn, error) {
		return net.Dial("tcp", addr)
	}
}

// WriteFrame satisfies ring.Sink: it writes a 4-byte little-endian length,
// a one-byte response type, then the payload, reconnecting with backoff
// first if the connection is down.
func (s *OutboundSink) WriteFrame(p []byte, responseType byte) error {
	conn, err := s.ensureConn()
	if err != nil {
		return err
	}

	var header [5]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(len(p)))
	header[4] = responseType

	if _, err := conn.Write(header[:]); err != nil {
		s.invalidate()
		return fmt.Errorf("shell: writing frame header: %w", err)
	}
	if len(p) > 0 {
		if _, err := conn.Write(p); err != nil {
			s.invalidate()
			return fmt.Errorf("shell: writing frame payload: %w", err)
		}
	}
	return nil
}

func (s *OutboundSink) ensureConn() (net.Conn, error) {
	s.mu.Lock()
	if s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("shell: outbound sink closed")
	}
	s.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialBackoff
	b.MaxInterval = s.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		conn, err := s.dial()
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			return conn, nil
		}

		wait := b.NextBackOff()
		s.logger.Warn("shell: outbound dial failed, retrying", slog.Any("error", err), slog.Duration("after", wait))

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, fmt.Errorf("shell: outbound sink closed while reconnecting")
		}
		time.Sleep(wait)
	}
}

func (s *OutboundSink) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Close marks the sink closed and closes any live connection. Safe to
// call once; further WriteFrame calls fail.
func (s *OutboundSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

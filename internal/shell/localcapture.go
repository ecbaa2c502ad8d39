package shell

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LocalCaptureSink satisfies ring.Sink by writing length-prefixed frames
// to a sequence of files under a capture directory — the no-host-attached
// alternative to OutboundSink, for `--output` style local captures.
// Rotate opens the next file in the sequence, the local-capture analogue
// of OutboundSink's reconnect.
type LocalCaptureSink struct {
	mu    sync.Mutex
	dir   string
	seq   int
	index *CaptureIndex
	runID string

	f *os.File
	w *bufio.Writer
}

// NewLocalCaptureSink prepares a sink that writes numbered capture files
// (capture-0000.apc, capture-0001.apc, ...) under dir. The first file is
// opened lazily by the first WriteFrame or an explicit Rotate.
func NewLocalCaptureSink(dir string) *LocalCaptureSink {
	return &LocalCaptureSink{dir: dir, seq: -1}
}

// NewLocalCaptureSinkWithIndex is NewLocalCaptureSink plus a CaptureIndex:
// every Rotate is recorded as a new row, and every WriteFrame bumps that
// row's frame count, so `gatord --output-dir` captures are listable after
// the fact (spec.md §4.9(e)).
func NewLocalCaptureSinkWithIndex(dir string, index *CaptureIndex) *LocalCaptureSink {
	return &LocalCaptureSink{dir: dir, seq: -1, index: index}
}

// Rotate closes the current file (if any) and opens the next one in
// sequence, so a new capture session starts a fresh file without
// restarting the whole sink.
func (s *LocalCaptureSink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *LocalCaptureSink) rotateLocked() error {
	if s.w != nil {
		if err := s.w.Flush(); err != nil {
			return fmt.Errorf("shell: flushing capture file: %w", err)
		}
	}
	if s.f != nil {
		if err := s.f.Close(); err != nil {
			return fmt.Errorf("shell: closing capture file: %w", err)
		}
	}

	s.seq++
	path := filepath.Join(s.dir, fmt.Sprintf("capture-%04d.apc", s.seq))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("shell: creating capture file %s: %w", path, err)
	}
	s.f = f
	s.w = bufio.NewWriter(f)

	if s.index != nil {
		// Best-effort: a failure to index the rotation must not fail the
		// capture itself, which already succeeded in creating the file.
		if runID, err := s.index.RecordRotation(path); err == nil {
			s.runID = runID
		}
	}
	return nil
}

// WriteFrame satisfies ring.Sink: a 4-byte little-endian length followed by
// the payload. Local-capture mode omits the response-type byte that
// OutboundSink prefixes (spec.md §3/§6): the responseType argument exists
// only to satisfy ring.Sink and is ignored here.
func (s *LocalCaptureSink) WriteFrame(p []byte, responseType byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(len(p)))
	if _, err := s.w.Write(header[:]); err != nil {
		return fmt.Errorf("shell: writing capture frame header: %w", err)
	}
	if len(p) > 0 {
		if _, err := s.w.Write(p); err != nil {
			return fmt.Errorf("shell: writing capture frame payload: %w", err)
		}
	}

	if s.index != nil && s.runID != "" {
		_ = s.index.IncrementFrameCount(s.runID)
	}
	return nil
}

// Close flushes and closes the current capture file and the capture index,
// if one is attached.
func (s *LocalCaptureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w != nil {
		if err := s.w.Flush(); err != nil {
			return err
		}
	}
	if s.f != nil {
		if err := s.f.Close(); err != nil {
			return err
		}
	}
	if s.index != nil {
		return s.index.Close()
	}
	return nil
}

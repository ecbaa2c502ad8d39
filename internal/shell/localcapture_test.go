package shell

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func readFrames(t *testing.T, path string) [][]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	var frames [][]byte
	for len(data) > 0 {
		if len(data) < 4 {
			t.Fatalf("truncated frame header in %s", path)
		}
		length := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < length {
			t.Fatalf("truncated frame payload in %s", path)
		}
		frames = append(frames, data[:length])
		data = data[length:]
	}
	return frames
}

func TestLocalCaptureSinkWritesLengthPrefixedFrames(t *testing.T) {
	dir := t.TempDir()
	sink := NewLocalCaptureSink(dir)

	if err := sink.WriteFrame([]byte("alpha"), ResponseAPCData); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := sink.WriteFrame([]byte("beta"), ResponseStreamData); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	frames := readFrames(t, filepath.Join(dir, "capture-0000.apc"))
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if string(frames[0]) != "alpha" || string(frames[1]) != "beta" {
		t.Fatalf("frames = %q", frames)
	}
}

func TestLocalCaptureSinkRotateStartsNewFile(t *testing.T) {
	dir := t.TempDir()
	sink := NewLocalCaptureSink(dir)

	if err := sink.WriteFrame([]byte("one"), ResponseAPCData); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := sink.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := sink.WriteFrame([]byte("two"), ResponseAPCData); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	first := readFrames(t, filepath.Join(dir, "capture-0000.apc"))
	second := readFrames(t, filepath.Join(dir, "capture-0001.apc"))
	if len(first) != 1 || string(first[0]) != "one" {
		t.Fatalf("first file frames = %q, want [one]", first)
	}
	if len(second) != 1 || string(second[0]) != "two" {
		t.Fatalf("second file frames = %q, want [two]", second)
	}
}

func TestLocalCaptureSinkCloseBeforeAnyWriteIsSafe(t *testing.T) {
	sink := NewLocalCaptureSink(t.TempDir())
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

package ipc

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		{Key: KeyReady},
		{Key: KeyShutdown},
		{Key: KeyStart, Monotonic: MonotonicPair{Monotonic: 123456789, MonotonicRaw: -42}},
		{Key: KeyMonitoredPids, Pids: []int32{1, 2, 3, 99999}},
		{Key: KeyMonitoredPids, Pids: nil},
		{Key: KeyAnnotationNewConn, AnnotationUID: 7},
		{Key: KeyAnnotationRecvBytes, AnnotationUID: 3, Blob: []byte("hello world")},
		{Key: KeyAnnotationSendBytes, AnnotationUID: 3, Blob: []byte{}},
		{Key: KeyPerfCaptureConfiguration, Blob: []byte{0x0a, 0x02, 0x08, 0x01}},
		{Key: KeyCaptureReady, Pids: []int32{42}},
		{Key: KeyAPCFrameData, Blob: bytes.Repeat([]byte{0xAB}, 4096)},
		{Key: KeyExecTargetApp},
		{Key: KeyCPUStateChange, CPUState: CPUStateChange{MonotonicDelta: 99, CoreNo: 2, Online: true}},
		{Key: KeyCPUStateChange, CPUState: CPUStateChange{MonotonicDelta: -5, CoreNo: 0, Online: false}},
		{Key: KeyCaptureFailed, CaptureFailed: ReasonWaitForCoresReadyFailed},
		{Key: KeyCaptureStarted},
	}

	for _, m := range cases {
		enc, err := Encode(nil, m)
		if err != nil {
			t.Fatalf("Encode(%v): %v", m.Key, err)
		}

		got, err := Decode(bytes.NewReader(enc))
		if err != nil {
			t.Fatalf("Decode(%v): %v", m.Key, err)
		}

		if got.Key != m.Key {
			t.Errorf("Key = %v, want %v", got.Key, m.Key)
		}
		if got.AnnotationUID != m.AnnotationUID {
			t.Errorf("AnnotationUID = %d, want %d", got.AnnotationUID, m.AnnotationUID)
		}
		if got.Monotonic != m.Monotonic {
			t.Errorf("Monotonic = %+v, want %+v", got.Monotonic, m.Monotonic)
		}
		if got.CPUState != m.CPUState {
			t.Errorf("CPUState = %+v, want %+v", got.CPUState, m.CPUState)
		}
		if got.CaptureFailed != m.CaptureFailed {
			t.Errorf("CaptureFailed = %v, want %v", got.CaptureFailed, m.CaptureFailed)
		}
		if !bytes.Equal(got.Blob, m.Blob) {
			t.Errorf("Blob = % X, want % X", got.Blob, m.Blob)
		}
		if len(got.Pids) != len(m.Pids) {
			t.Errorf("Pids = %v, want %v", got.Pids, m.Pids)
		} else {
			for i := range got.Pids {
				if got.Pids[i] != m.Pids[i] {
					t.Errorf("Pids[%d] = %d, want %d", i, got.Pids[i], m.Pids[i])
				}
			}
		}
	}
}

func TestDecodeUnknownKey(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{0xFE}))
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("err = %v, want ErrUnknownKey", err)
	}
}

func TestEncodeUnknownKey(t *testing.T) {
	_, err := Encode(nil, Message{Key: Key(200)})
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("err = %v, want ErrUnknownKey", err)
	}
}

func TestDecodeShortRead(t *testing.T) {
	// KeyStart has a 16-byte header; truncate it.
	enc, _ := Encode(nil, Message{Key: KeyStart})
	_, err := Decode(bytes.NewReader(enc[:len(enc)-5]))
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("err = %v, want ErrShortRead", err)
	}
}

func TestDecodeMultipleMessagesSequentially(t *testing.T) {
	var buf bytes.Buffer
	msgs := []Message{
		{Key: KeyReady},
		{Key: KeyAnnotationNewConn, AnnotationUID: 1},
		{Key: KeyShutdown},
	}
	for _, m := range msgs {
		enc, err := Encode(nil, m)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		buf.Write(enc)
	}

	for _, want := range msgs {
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Key != want.Key {
			t.Errorf("Key = %v, want %v", got.Key, want.Key)
		}
	}
}

func TestKeyStringKnownAndUnknown(t *testing.T) {
	if got := KeyReady.String(); got != "ready" {
		t.Errorf("KeyReady.String() = %q", got)
	}
	if got := Key(250).String(); got == "" {
		t.Errorf("unknown key String() should not be empty")
	}
}

package shell

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

func TestOutboundSinkWriteFrameWritesLengthPrefixedFrame(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			acceptedCh <- conn
		}
	}()

	sink := NewOutboundSink(DialTCP(ln.Addr().String()), nil)
	defer sink.Close()

	if err := sink.WriteFrame([]byte("hello"), ResponseAPCData); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var conn net.Conn
	select {
	case conn = <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted connection")
	}
	defer conn.Close()

	header := make([]byte, 5)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("reading header: %v", err)
	}
	length := binary.LittleEndian.Uint32(header[:4])
	if length != 5 {
		t.Fatalf("length = %d, want 5", length)
	}
	if header[4] != ResponseAPCData {
		t.Fatalf("response type = %d, want ResponseAPCData", header[4])
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want hello", payload)
	}
}

func TestOutboundSinkWriteFrameAfterCloseFails(t *testing.T) {
	sink := NewOutboundSink(func() (net.Conn, error) {
		t.Fatal("dial should not be called on a closed sink")
		return nil, nil
	}, nil)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := sink.WriteFrame([]byte("x"), ResponseAPCData); err == nil {
		t.Fatal("expected error writing to closed sink")
	}
}

func TestOutboundSinkRedialsAfterInvalidate(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			acceptedCh <- conn
		}
	}()

	sink := NewOutboundSink(DialTCP(ln.Addr().String()), nil)
	sink.initialBackoff = time.Millisecond
	sink.maxBackoff = 10 * time.Millisecond
	defer sink.Close()

	if err := sink.WriteFrame([]byte("first"), ResponseAPCData); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	select {
	case <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted first connection")
	}

	// Simulate a broken connection being noticed, forcing ensureConn to
	// redial on the next WriteFrame.
	sink.invalidate()

	if err := sink.WriteFrame([]byte("second"), ResponseAPCData); err != nil {
		t.Fatalf("WriteFrame after invalidate: %v", err)
	}

	select {
	case <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never redialed after invalidate")
	}
}

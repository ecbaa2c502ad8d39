package ipc

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestSinkWritesToSourceOverPipe(t *testing.T) {
	pr, pw := io.Pipe()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sink := NewSink(pw, logger)
	defer sink.Close()
	source := NewSource(pr)

	want := Message{Key: KeyAnnotationNewConn, AnnotationUID: 5}

	errCh := make(chan error, 1)
	sink.Send(want, func(err error) { errCh <- err })

	got, err := source.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.Key != want.Key || got.AnnotationUID != want.AnnotationUID {
		t.Errorf("got %+v, want %+v", got, want)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("send completion error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for send completion")
	}
}

func TestSourceRejectsConcurrentRecv(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	source := NewSource(pr)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = source.Recv() // blocks until pw writes or closes
	}()
	<-started
	time.Sleep(10 * time.Millisecond) // let the goroutine set busy

	_, err := source.Recv()
	if err != ErrOperationInProgress {
		t.Fatalf("err = %v, want ErrOperationInProgress", err)
	}
}

func TestSinkPreservesFIFOOrder(t *testing.T) {
	pr, pw := io.Pipe()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := NewSink(pw, logger)
	defer sink.Close()
	source := NewSource(pr)

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			sink.Send(Message{Key: KeyAnnotationNewConn, AnnotationUID: int32(i)}, nil)
		}
	}()

	for i := 0; i < n; i++ {
		got, err := source.Recv()
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if got.AnnotationUID != int32(i) {
			t.Errorf("message %d: AnnotationUID = %d, want %d", i, got.AnnotationUID, i)
		}
	}
}

package agentenv

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gatord/gatord-core/internal/ipc"
)

type recordingAgent struct {
	received chan ipc.Message
}

func (a *recordingAgent) HandleMessage(ctx context.Context, m ipc.Message) error {
	a.received <- m
	return nil
}

func TestEnvironmentDispatchesMessagesAndShutsDownOnShutdownKey(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	defer outR.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := ipc.NewSink(outW, logger)
	source := ipc.NewSource(inR)

	agent := &recordingAgent{received: make(chan ipc.Message, 4)}
	env := New(agent, sink, source, logger)

	var shutdownCalled bool
	env.OnShutdown(func() { shutdownCalled = true })

	done := make(chan error, 1)
	go func() { done <- env.Run(context.Background()) }()

	remoteSink := ipc.NewSink(inW, logger)
	defer remoteSink.Close()

	remoteSink.Send(ipc.Message{Key: ipc.KeyReady}, nil)

	select {
	case m := <-agent.received:
		if m.Key != ipc.KeyReady {
			t.Errorf("Key = %v, want ready", m.Key)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched message")
	}

	remoteSink.Send(ipc.Message{Key: ipc.KeyShutdown}, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Run to return after shutdown message")
	}

	if !shutdownCalled {
		t.Error("OnShutdown handler was not invoked")
	}
}

func TestSubmitRunsOnWorkerPool(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	defer inW.Close()
	defer outR.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := ipc.NewSink(outW, logger)
	source := ipc.NewSource(inR)
	agent := &recordingAgent{received: make(chan ipc.Message, 1)}
	env := New(agent, sink, source, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.Run(ctx) }()

	resultCh := make(chan int, 1)
	env.Submit(func() { resultCh <- 42 })

	select {
	case v := <-resultCh:
		if v != 42 {
			t.Errorf("got %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for submitted job")
	}

	cancel()
	<-done
}

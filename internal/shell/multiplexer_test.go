package shell

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gatord/gatord-core/internal/ipc"
)

// fakeRingSink is an in-memory ring.Sink for asserting on frames the
// Multiplexer relays outbound.
type fakeRingSink struct {
	mu     sync.Mutex
	frames [][]byte
	types  []byte
	closed bool
}

func (f *fakeRingSink) WriteFrame(p []byte, responseType byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), p...)
	f.frames = append(f.frames, cp)
	f.types = append(f.types, responseType)
	return nil
}

func (f *fakeRingSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRingSink) snapshot() ([][]byte, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...), append([]byte(nil), f.types...)
}

// newTestAgentHandle wires an AgentHandle's sink/source to an in-process
// pipe, without forking any process, for Multiplexer tests.
func newTestAgentHandle(name string) (*AgentHandle, *ipc.Source, *ipc.Sink) {
	discardLogger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// agentOut: the agent "writes" here, multiplexer reads via handle.source.
	outR, outW := io.Pipe()
	// agentIn: multiplexer writes via handle.sink, the agent "reads" here.
	inR, inW := io.Pipe()

	handle := &AgentHandle{
		Name:   name,
		sink:   ipc.NewSink(inW, discardLogger),
		source: ipc.NewSource(outR),
	}

	agentSideSink := ipc.NewSink(outW, discardLogger)
	agentSideSource := ipc.NewSource(inR)
	return handle, agentSideSource, agentSideSink
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition was never satisfied")
}

func TestMultiplexerRelaysAPCFrameData(t *testing.T) {
	handle, _, agentSink := newTestAgentHandle("perf")
	defer agentSink.Close()

	sink := &fakeRingSink{}
	mx := NewMultiplexer(sink, nil)
	mx.AddAgent(handle)

	agentSink.Send(ipc.Message{Key: ipc.KeyAPCFrameData, Blob: []byte("frame-bytes")}, nil)

	waitFor(t, func() bool {
		frames, _ := sink.snapshot()
		return len(frames) == 1
	})

	frames, types := sink.snapshot()
	if string(frames[0]) != "frame-bytes" {
		t.Fatalf("frame = %q, want frame-bytes", frames[0])
	}
	if types[0] != ResponseAPCData {
		t.Fatalf("type = %d, want ResponseAPCData", types[0])
	}
}

func TestMultiplexerRelaysRecvBytesAsStreamData(t *testing.T) {
	handle, _, agentSink := newTestAgentHandle("ext")
	defer agentSink.Close()

	sink := &fakeRingSink{}
	mx := NewMultiplexer(sink, nil)
	mx.AddAgent(handle)

	agentSink.Send(ipc.Message{Key: ipc.KeyAnnotationRecvBytes, AnnotationUID: 3, Blob: []byte("hi")}, nil)

	waitFor(t, func() bool {
		frames, _ := sink.snapshot()
		return len(frames) == 1
	})

	frames, types := sink.snapshot()
	if string(frames[0]) != "hi" {
		t.Fatalf("frame = %q, want hi", frames[0])
	}
	if types[0] != ResponseStreamData {
		t.Fatalf("type = %d, want ResponseStreamData", types[0])
	}
}

func TestMultiplexerDispatchUnknownAgentErrors(t *testing.T) {
	sink := &fakeRingSink{}
	mx := NewMultiplexer(sink, nil)

	err := mx.Dispatch(HostCommand{Kind: HostCommandStart, AgentName: "missing"})
	if err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestMultiplexerDispatchSendBytesReachesAgent(t *testing.T) {
	handle, agentSource, agentSink := newTestAgentHandle("ext")
	defer agentSink.Close()

	sink := &fakeRingSink{}
	mx := NewMultiplexer(sink, nil)
	mx.AddAgent(handle)

	recv := make(chan ipc.Message, 1)
	go func() {
		m, err := agentSource.Recv()
		if err == nil {
			recv <- m
		}
	}()

	if err := mx.Dispatch(HostCommand{
		Kind:      HostCommandSendBytes,
		AgentName: "ext",
		ConnID:    5,
		Payload:   []byte("payload"),
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case m := <-recv:
		if m.Key != ipc.KeyAnnotationSendBytes {
			t.Fatalf("key = %v, want KeyAnnotationSendBytes", m.Key)
		}
		if m.AnnotationUID != 5 {
			t.Fatalf("uid = %d, want 5", m.AnnotationUID)
		}
		if string(m.Blob) != "payload" {
			t.Fatalf("blob = %q, want payload", m.Blob)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent never received send-bytes message")
	}
}

func TestMultiplexerBroadcastMonitoredPids(t *testing.T) {
	handle, agentSource, agentSink := newTestAgentHandle("perf")
	defer agentSink.Close()

	sink := &fakeRingSink{}
	mx := NewMultiplexer(sink, nil)
	mx.AddAgent(handle)

	recv := make(chan ipc.Message, 1)
	go func() {
		m, err := agentSource.Recv()
		if err == nil {
			recv <- m
		}
	}()

	mx.BroadcastMonitoredPids([]int32{1, 2, 3})

	select {
	case m := <-recv:
		if m.Key != ipc.KeyMonitoredPids {
			t.Fatalf("key = %v, want KeyMonitoredPids", m.Key)
		}
		if len(m.Pids) != 3 || m.Pids[2] != 3 {
			t.Fatalf("pids = %v, want [1 2 3]", m.Pids)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent never received monitored-pids broadcast")
	}
}

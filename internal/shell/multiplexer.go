package shell

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gatord/gatord-core/internal/ipc"
	"github.com/gatord/gatord-core/internal/ring"
)

// HostCommandKind is the closed set of actions the host can ask the
// multiplexer to perform (spec.md §4.9's "host-command → IPC translation").
type HostCommandKind int

const (
	HostCommandStart HostCommandKind = iota
	HostCommandShutdown
	HostCommandSendBytes
	HostCommandCloseConn
)

// HostCommand is one decoded instruction from the host stream.
type HostCommand struct {
	Kind HostCommandKind

	// AgentName selects which forked agent the command targets; empty
	// means "every agent" (used by Shutdown).
	AgentName string

	ConnID    int32
	Payload   []byte
	Monotonic ipc.MonotonicPair
}

// Multiplexer forks one child process per configured agent, fans their IPC
// traffic into a single outbound ring.Sink, and translates host commands
// back into per-agent IPC (spec.md §4.9).
type Multiplexer struct {
	mu     sync.Mutex
	agents map[string]*AgentHandle

	outbound ring.Sink
	logger   *slog.Logger

	trackedPids []int32

	wg sync.WaitGroup
}

// NewMultiplexer constructs a Multiplexer writing fanned-in traffic to
// outbound (an OutboundSink or LocalCaptureSink — both satisfy ring.Sink).
func NewMultiplexer(outbound ring.Sink, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		agents:   make(map[string]*AgentHandle),
		outbound: outbound,
		logger:   logger,
	}
}

// AddAgent registers a spawned agent and starts fanning in its IPC
// traffic. The Multiplexer takes ownership of handle's lifecycle.
func (m *Multiplexer) AddAgent(handle *AgentHandle) {
	m.mu.Lock()
	m.agents[handle.Name] = handle
	m.mu.Unlock()

	m.wg.Add(1)
	go m.fanIn(handle)
}

func (m *Multiplexer) fanIn(handle *AgentHandle) {
	defer m.wg.Done()
	for {
		msg, err := handle.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Warn("shell: agent IPC read failed", slog.String("agent", handle.Name), slog.Any("error", err))
			}
			return
		}
		m.relay(handle.Name, msg)
	}
}

// relay maps one inbound agent message onto the outbound frame stream, or
// onto in-process bookkeeping (spec.md §4.9: "merging apc-frame-data →
// RESPONSE_APC_DATA, recv-bytes → host stream frames").
func (m *Multiplexer) relay(agentName string, msg ipc.Message) {
	switch msg.Key {
	case ipc.KeyAPCFrameData:
		if err := m.outbound.WriteFrame(msg.Blob, ResponseAPCData); err != nil {
			m.logger.Warn("shell: writing apc frame", slog.Any("error", err))
		}
	case ipc.KeyAnnotationRecvBytes, ipc.KeyPerfettoRecvBytes:
		if err := m.outbound.WriteFrame(msg.Blob, ResponseStreamData); err != nil {
			m.logger.Warn("shell: writing stream frame", slog.Any("error", err))
		}
	case ipc.KeyCaptureFailed:
		m.logger.Error("shell: capture failed", slog.String("agent", agentName), slog.Any("reason", msg.CaptureFailed))
	case ipc.KeyCaptureReady, ipc.KeyCaptureStarted, ipc.KeyReady,
		ipc.KeyAnnotationNewConn, ipc.KeyAnnotationCloseConn,
		ipc.KeyPerfettoNewConn, ipc.KeyPerfettoCloseConn:
		m.logger.Debug("shell: agent event", slog.String("agent", agentName), slog.String("key", msg.Key.String()))
	default:
		m.logger.Debug("shell: unhandled agent message", slog.String("agent", agentName), slog.String("key", msg.Key.String()))
	}
}

// BroadcastMonitoredPids pushes the current tracked pid set to every
// registered agent (spec.md §4.9: "monitored-pids broadcast on pid-set
// change").
func (m *Multiplexer) BroadcastMonitoredPids(pids []int32) {
	m.mu.Lock()
	m.trackedPids = pids
	agents := make([]*AgentHandle, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()

	for _, a := range agents {
		a.Send(ipc.Message{Key: ipc.KeyMonitoredPids, Pids: pids}, nil)
	}
}

// Dispatch translates one host command into agent-directed IPC.
func (m *Multiplexer) Dispatch(cmd HostCommand) error {
	switch cmd.Kind {
	case HostCommandShutdown:
		m.shutdownAll()
		return nil
	case HostCommandStart:
		return m.send(cmd.AgentName, ipc.Message{Key: ipc.KeyStart, Monotonic: cmd.Monotonic})
	case HostCommandSendBytes:
		return m.send(cmd.AgentName, ipc.Message{Key: ipc.KeyAnnotationSendBytes, AnnotationUID: cmd.ConnID, Blob: cmd.Payload})
	case HostCommandCloseConn:
		return m.send(cmd.AgentName, ipc.Message{Key: ipc.KeyAnnotationCloseConn, AnnotationUID: cmd.ConnID})
	default:
		return fmt.Errorf("shell: unknown host command kind %d", cmd.Kind)
	}
}

func (m *Multiplexer) send(agentName string, msg ipc.Message) error {
	m.mu.Lock()
	a, ok := m.agents[agentName]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("shell: no such agent %q", agentName)
	}
	a.Send(msg, nil)
	return nil
}

func (m *Multiplexer) shutdownAll() {
	m.mu.Lock()
	agents := make([]*AgentHandle, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()

	for _, a := range agents {
		a.Send(ipc.Message{Key: ipc.KeyShutdown}, nil)
	}
}

// Wait blocks until every agent's fan-in loop has returned (i.e. every
// agent has exited or closed its IPC channel).
func (m *Multiplexer) Wait() {
	m.wg.Wait()
}

// Close shuts down every agent and closes the outbound sink.
func (m *Multiplexer) Close() error {
	m.shutdownAll()

	m.mu.Lock()
	agents := make([]*AgentHandle, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()

	for _, a := range agents {
		a.Close()
	}
	m.Wait()

	if closer, ok := m.outbound.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

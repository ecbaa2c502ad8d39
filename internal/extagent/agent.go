package extagent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gatord/gatord-core/internal/ipc"
)

// ExternalAgent implements agentenv.Agent for one external-source protocol
// variant (annotation or Perfetto/GPU-timeline). It owns the listeners,
// the live worker set, and the queue of accepted-but-unmatched parent
// connections awaiting a data connection to pair with.
type ExternalAgent struct {
	gpuTimeline bool
	sink        *ipc.Sink
	logger      *slog.Logger

	dataListeners   []net.Listener
	parentListeners []net.Listener

	nextID  atomic.Uint32
	mu      sync.Mutex
	workers map[uint32]*Worker

	parentMu sync.Mutex
	pending  []net.Conn

	wg sync.WaitGroup
}

// NewAnnotationAgent builds the legacy Streamline annotation external
// source (spec.md §4.6: UDS abstract names + loopback TCP 8082/8083).
func NewAnnotationAgent(sink *ipc.Sink, logger *slog.Logger) *ExternalAgent {
	return newExternalAgent(false, sink, logger)
}

// NewPerfettoAgent builds the GPU-timeline external source, identical
// except every relayed chunk is ESTATE-framed.
func NewPerfettoAgent(sink *ipc.Sink, logger *slog.Logger) *ExternalAgent {
	return newExternalAgent(true, sink, logger)
}

func newExternalAgent(gpuTimeline bool, sink *ipc.Sink, logger *slog.Logger) *ExternalAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExternalAgent{
		gpuTimeline: gpuTimeline,
		sink:        sink,
		logger:      logger,
		workers:     make(map[uint32]*Worker),
	}
}

// Serve takes ownership of dataListeners and parentListeners and runs
// their accept loops until Shutdown closes the listeners; cancelling ctx
// does not stop them.
// Listeners are closed first on shutdown so no new connection is admitted
// while existing workers drain (spec.md §4.6).
func (a *ExternalAgent) Serve(ctx context.Context, dataListeners, parentListeners []net.Listener) {
	a.dataListeners = dataListeners
	a.parentListeners = parentListeners

	for _, l := range parentListeners {
		a.wg.Add(1)
		go a.acceptParentLoop(ctx, l)
	}
	for _, l := range dataListeners {
		a.wg.Add(1)
		go a.acceptDataLoop(ctx, l)
	}
}

func (a *ExternalAgent) acceptParentLoop(ctx context.Context, l net.Listener) {
	defer a.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			return // listener closed
		}
		a.parentMu.Lock()
		a.pending = append(a.pending, conn)
		a.parentMu.Unlock()
	}
}

func (a *ExternalAgent) acceptDataLoop(ctx context.Context, l net.Listener) {
	defer a.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			return // listener closed
		}
		parent := a.dequeueParent()
		id := a.nextID.Add(1)
		w := newWorker(id, conn, parent, a.gpuTimeline, a.sink)

		a.mu.Lock()
		a.workers[id] = w
		a.mu.Unlock()

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			w.run()
			a.mu.Lock()
			delete(a.workers, id)
			a.mu.Unlock()
		}()
	}
}

func (a *ExternalAgent) dequeueParent() net.Conn {
	a.parentMu.Lock()
	defer a.parentMu.Unlock()
	if len(a.pending) == 0 {
		return nil
	}
	conn := a.pending[0]
	a.pending = a.pending[1:]
	return conn
}

// HandleMessage dispatches host-issued send-bytes/close-conn messages to
// the matching worker. Unknown ids are ignored: the worker may have
// already closed and reported close-conn itself.
func (a *ExternalAgent) HandleMessage(ctx context.Context, m ipc.Message) error {
	id := uint32(m.AnnotationUID)

	a.mu.Lock()
	w, ok := a.workers[id]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	switch m.Key {
	case ipc.KeyAnnotationSendBytes, ipc.KeyPerfettoSendBytes:
		w.SendBytes(m.Blob)
	case ipc.KeyAnnotationCloseConn, ipc.KeyPerfettoCloseConn:
		w.Close()
	default:
		return fmt.Errorf("extagent: unexpected message %s for worker %d", m.Key, id)
	}
	return nil
}

// Shutdown closes every listener and worker connection, then waits for
// all accept/read loops to exit.
func (a *ExternalAgent) Shutdown() {
	CloseAll(a.parentListeners)
	CloseAll(a.dataListeners)

	a.mu.Lock()
	workers := make([]*Worker, 0, len(a.workers))
	for _, w := range a.workers {
		workers = append(workers, w)
	}
	a.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}

	a.wg.Wait()
}

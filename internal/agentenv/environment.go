// Package agentenv is the harness every agent child process runs (spec.md
// §4.7): it installs signal handlers and drives a single-threaded event
// loop (a "strand") that serializes all access to the hosted Agent, backed
// by a small worker pool for blocking off-strand work. The IPC sink and
// source are handed in by the caller (cmd/gatord wraps the process's own
// stdout and stdin); this package does not dup or close any descriptor.
package agentenv

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gatord/gatord-core/internal/ipc"
)

// Agent is the interface a capture/external/etc. agent implementation must
// satisfy to be hosted by an Environment. HandleMessage runs on the strand
// — the single goroutine driving Environment.Run — so implementations need
// no internal locking around their own state.
type Agent interface {
	// HandleMessage processes one inbound IPC message. Returning an error
	// triggers environment shutdown.
	HandleMessage(ctx context.Context, m ipc.Message) error
}

// Environment hosts one Agent: it owns the IPC sink/source pair, the
// signal-driven shutdown path, and a worker pool for blocking work that
// must not run on the strand.
type Environment struct {
	agent  Agent
	sink   *ipc.Sink
	source *ipc.Source
	logger *slog.Logger

	jobs chan func()
	wg   sync.WaitGroup

	shutdownOnce sync.Once
	shutdownFns  []func()
	shutdownMu   sync.Mutex
}

const workerPoolSize = 2

// New constructs an Environment hosting agent, reading IPC from source and
// writing IPC via sink. Neither is started until Run is called.
func New(agent Agent, sink *ipc.Sink, source *ipc.Source, logger *slog.Logger) *Environment {
	if logger == nil {
		logger = slog.Default()
	}
	return &Environment{
		agent:  agent,
		sink:   sink,
		source: source,
		logger: logger,
		jobs:   make(chan func(), 64),
	}
}

// OnShutdown registers fn to run exactly once when the environment shuts
// down, mirroring the teacher's sync.Once-guarded Stop idempotency.
func (e *Environment) OnShutdown(fn func()) {
	e.shutdownMu.Lock()
	defer e.shutdownMu.Unlock()
	e.shutdownFns = append(e.shutdownFns, fn)
}

// Submit enqueues fn to run on the worker pool, off the strand. Used for
// blocking work such as proc-tree walks or mmap setup (spec.md §4.7).
func (e *Environment) Submit(fn func()) {
	e.jobs <- fn
}

// Run drives the event loop: a single select over inbound IPC messages and
// OS signals, until ctx is cancelled, a HandleMessage call errors, or the
// IPC channel closes. It starts the worker pool, dispatches every inbound
// message on the calling goroutine (the strand), and runs Shutdown exactly
// once before returning.
func (e *Environment) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGCHLD)
	defer signal.Stop(sigCh)

	for i := 0; i < workerPoolSize; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	msgCh := make(chan ipc.Message)
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.source.Loop(func(m ipc.Message) error {
			select {
			case msgCh <- m:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case sig := <-sigCh:
			if sig == syscall.SIGCHLD {
				// Nothing else in the process consumes SIGCHLD; the
				// strand treats it as a no-op wakeup.
				continue
			}
			e.logger.Info("agentenv: shutdown signal received", slog.String("signal", sig.String()))
			break loop
		case m := <-msgCh:
			if m.Key == ipc.KeyShutdown {
				e.logger.Info("agentenv: shutdown message received")
				break loop
			}
			if err := e.agent.HandleMessage(ctx, m); err != nil {
				e.logger.Error("agentenv: handler failed", slog.Any("error", err))
				runErr = err
				break loop
			}
		case err := <-errCh:
			runErr = err
			break loop
		}
	}

	e.Shutdown()
	close(e.jobs)
	e.wg.Wait()
	return runErr
}

func (e *Environment) worker() {
	defer e.wg.Done()
	for fn := range e.jobs {
		fn()
	}
}

// Shutdown runs every registered OnShutdown handler exactly once, in
// registration order. Safe to call more than once or concurrently.
func (e *Environment) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.shutdownMu.Lock()
		fns := e.shutdownFns
		e.shutdownMu.Unlock()
		for _, fn := range fns {
			fn()
		}
		if e.sink != nil {
			e.sink.Close()
		}
	})
}

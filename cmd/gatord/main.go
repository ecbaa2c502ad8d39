// Command gatord is the performance-data capture daemon (spec.md's gator
// daemon): a supervisor process that forks a perf capture agent and an
// external-source agent, fans their IPC traffic into a single outbound
// stream, and exposes /healthz and /metrics on a loopback diagnostics
// listener. Following the teacher's cmd/agent + cmd/server split, this one
// binary dispatches on argv[1]: with no arguments it runs the supervisor;
// with "perf-agent" or "external-agent" it runs the corresponding forked
// child instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gatord/gatord-core/internal/agentenv"
	"github.com/gatord/gatord-core/internal/config"
	"github.com/gatord/gatord-core/internal/extagent"
	"github.com/gatord/gatord-core/internal/ipc"
	"github.com/gatord/gatord-core/internal/metrics"
	"github.com/gatord/gatord-core/internal/perf"
	"github.com/gatord/gatord-core/internal/perfagent"
	"github.com/gatord/gatord-core/internal/ring"
	"github.com/gatord/gatord-core/internal/shell"
)

const (
	subcommandPerfAgent     = "perf-agent"
	subcommandExternalAgent = "external-agent"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case subcommandPerfAgent:
			runPerfAgent()
			return
		case subcommandExternalAgent:
			runExternalAgent()
			return
		}
	}
	runSupervisor()
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func runSupervisor() {
	configPath := flag.String("config", "/etc/gatord/config.yaml", "path to the gatord daemon YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadDaemonConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatord: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("diag_addr", cfg.DiagAddr),
		slog.Any("agents", cfg.Agents),
	)

	self, err := os.Executable()
	if err != nil {
		logger.Error("failed to resolve self executable path", slog.Any("error", err))
		os.Exit(1)
	}

	m := metrics.New()

	outbound, err := buildOutboundSink(cfg, logger)
	if err != nil {
		logger.Error("failed to build outbound sink", slog.Any("error", err))
		os.Exit(1)
	}

	mx := shell.NewMultiplexer(outbound, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, name := range cfg.Agents {
		subcommand := subcommandForAgent(name)
		handle, err := shell.SpawnAgent(ctx, name, self, subcommand, agentArgs(name, cfg), logger)
		if err != nil {
			logger.Error("failed to spawn agent", slog.String("agent", name), slog.Any("error", err))
			os.Exit(1)
		}
		m.AgentSpawns.Add(1)
		mx.AddAgent(handle)
		logger.Info("agent spawned", slog.String("agent", name), slog.String("subcommand", subcommand))
	}

	diagServer := newDiagServer(cfg.DiagAddr, m)
	go func() {
		logger.Info("diagnostics server listening", slog.String("addr", cfg.DiagAddr))
		if err := diagServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("diagnostics server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	cancel()
	if err := mx.Close(); err != nil {
		logger.Warn("multiplexer close error", slog.Any("error", err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := diagServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("diagnostics server shutdown error", slog.Any("error", err))
	}

	logger.Info("gatord exited cleanly")
}

func subcommandForAgent(name string) string {
	switch name {
	case "perf":
		return subcommandPerfAgent
	case "external":
		return subcommandExternalAgent
	default:
		return name
	}
}

// agentArgs builds the command-line arguments passed to a forked agent
// subcommand, carrying the relevant slice of the daemon configuration
// across the fork (the child has no access to the supervisor's YAML file).
func agentArgs(name string, cfg *config.DaemonConfig) []string {
	if name != "external" {
		return nil
	}
	return []string{
		"-uds-annotation", cfg.Annotation.UDSAnnotationName,
		"-uds-parent", cfg.Annotation.UDSParentName,
		"-parent-port", fmt.Sprintf("%d", cfg.Annotation.ParentPort),
		"-data-port", fmt.Sprintf("%d", cfg.Annotation.DataPort),
	}
}

func buildOutboundSink(cfg *config.DaemonConfig, logger *slog.Logger) (ring.Sink, error) {
	if cfg.OutputHost != "" {
		return shell.NewOutboundSink(shell.DialTCP(cfg.OutputHost), logger), nil
	}
	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("gatord: creating output_dir %q: %w", cfg.OutputDir, err)
		}
		index, err := shell.OpenCaptureIndex(filepath.Join(cfg.OutputDir, "captures.db"))
		if err != nil {
			logger.Warn("failed to open capture index, continuing without it", slog.Any("error", err))
			return shell.NewLocalCaptureSink(cfg.OutputDir), nil
		}
		return shell.NewLocalCaptureSinkWithIndex(cfg.OutputDir, index), nil
	}
	return nil, fmt.Errorf("gatord: one of output_host or output_dir is required")
}

func newDiagServer(addr string, m *metrics.Metrics) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", m.Handler())

	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// runPerfAgent is the perf-agent subcommand entry point: it hosts a
// perfagent.CaptureAgent on an agentenv.Environment, reading IPC from the
// inherited stdin and writing it to the inherited stdout (spec.md §4.7).
func runPerfAgent() {
	logger := newLogger(os.Getenv("GATORD_LOG_LEVEL"))
	slog.SetDefault(logger)

	sink := ipc.NewSink(os.Stdout, logger)
	defer sink.Close()
	source := ipc.NewSource(os.Stdin)

	agent := perfagent.NewCaptureAgent("/proc", perf.NewActivator, sink, logger)
	env := agentenv.New(agent, sink, source, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalShutdown(cancel, logger)

	if err := env.Run(ctx); err != nil {
		logger.Error("perf agent exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

// externalCombinator hosts both the annotation and Perfetto ExternalAgent
// instances under one agentenv.Environment (one subprocess, one IPC
// channel), dispatching each inbound message to whichever instance owns
// that message family.
type externalCombinator struct {
	annotation *extagent.ExternalAgent
	perfetto   *extagent.ExternalAgent
}

func (c *externalCombinator) HandleMessage(ctx context.Context, m ipc.Message) error {
	switch m.Key {
	case ipc.KeyPerfettoSendBytes, ipc.KeyPerfettoCloseConn:
		return c.perfetto.HandleMessage(ctx, m)
	default:
		return c.annotation.HandleMessage(ctx, m)
	}
}

// runExternalAgent is the external-agent subcommand entry point: it serves
// both the legacy annotation protocol and the GPU-timeline/Perfetto variant
// from a single process, relaying accepted connections to the supervisor
// over the inherited IPC pipe (spec.md §4.6).
func runExternalAgent() {
	fs := flag.NewFlagSet(subcommandExternalAgent, flag.ExitOnError)
	udsAnnotation := fs.String("uds-annotation", "streamline-annotate", "abstract-namespace UDS name for annotation data connections")
	udsParent := fs.String("uds-parent", "streamline-annotate-parent", "abstract-namespace UDS name for the annotation parent close-signal socket")
	parentPort := fs.Int("parent-port", 8082, "loopback TCP port for the annotation parent close-signal socket")
	dataPort := fs.Int("data-port", 8083, "loopback TCP port for annotation data connections")
	fs.Parse(os.Args[2:])

	logger := newLogger(os.Getenv("GATORD_LOG_LEVEL"))
	slog.SetDefault(logger)

	sink := ipc.NewSink(os.Stdout, logger)
	defer sink.Close()
	source := ipc.NewSource(os.Stdin)

	annotation := extagent.NewAnnotationAgent(sink, logger)
	perfetto := extagent.NewPerfettoAgent(sink, logger)

	annotationData, err := extagent.Listen(extagent.AnnotationDataSpecs(*udsAnnotation, *dataPort))
	if err != nil {
		logger.Error("failed to listen on annotation data sockets", slog.Any("error", err))
		os.Exit(1)
	}
	annotationParent, err := extagent.Listen(extagent.AnnotationParentSpecs(*udsParent, *parentPort))
	if err != nil {
		logger.Error("failed to listen on annotation parent sockets", slog.Any("error", err))
		os.Exit(1)
	}
	perfettoData, err := extagent.Listen(extagent.PerfettoDataSpecs())
	if err != nil {
		logger.Error("failed to listen on perfetto data sockets", slog.Any("error", err))
		os.Exit(1)
	}
	perfettoParent, err := extagent.Listen(extagent.PerfettoParentSpecs())
	if err != nil {
		logger.Error("failed to listen on perfetto parent sockets", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalShutdown(cancel, logger)

	annotation.Serve(ctx, annotationData, annotationParent)
	perfetto.Serve(ctx, perfettoData, perfettoParent)

	combinator := &externalCombinator{annotation: annotation, perfetto: perfetto}
	env := agentenv.New(combinator, sink, source, logger)

	err = env.Run(ctx)
	annotation.Shutdown()
	perfetto.Shutdown()
	if err != nil {
		logger.Error("external agent exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

// installSignalShutdown cancels ctx (via cancel) on SIGTERM/SIGINT, for the
// forked agent subcommands, which have no supervisor-driven shutdown path
// of their own beyond the IPC "shutdown" message.
func installSignalShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("agent received signal", slog.String("signal", sig.String()))
		cancel()
	}()
}

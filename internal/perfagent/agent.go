// Package perfagent hosts the perf capture agent state machine (spec.md
// §4.5): waiting-for-config → preparing → running → shutting-down. It owns
// a binding.Manager, a captureevents pid resolver, and (optionally) the
// --app launch target.
package perfagent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/gatord/gatord-core/internal/binding"
	"github.com/gatord/gatord-core/internal/captureevents"
	"github.com/gatord/gatord-core/internal/config"
	"github.com/gatord/gatord-core/internal/ipc"
	"github.com/gatord/gatord-core/internal/protocol"
)

// defaultSysCPURoot is where the hotplug poller looks for each core's
// "online" sysfs attribute. Overridable per-agent for tests.
const defaultSysCPURoot = "/sys/devices/system/cpu"

// State is the capture agent's lifecycle position.
type State int

const (
	StateWaitingForConfig State = iota
	StatePreparing
	StateRunning
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateWaitingForConfig:
		return "waiting-for-config"
	case StatePreparing:
		return "preparing"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// KernelFactory builds the binding.Kernel to activate events with, once the
// capability bit-vector arrives in the capture configuration. Production
// code passes perf.NewActivator; tests pass a fake.
type KernelFactory func(config.Capabilities) binding.Kernel

// errCaptureComplete is returned from HandleMessage to signal agentenv that
// the capture has naturally finished (last tracked pid exited with
// stop-on-exit set) and the environment should shut down.
var errCaptureComplete = fmt.Errorf("perfagent: capture complete")

// CaptureAgent implements agentenv.Agent.
type CaptureAgent struct {
	mu sync.Mutex

	state    State
	procRoot string

	sink          *ipc.Sink
	logger        *slog.Logger
	kernelFactory KernelFactory

	cfg     *config.CaptureConfiguration
	manager *binding.Manager
	mmapper Mmapper

	sysCPURoot string
	startedAt  time.Time
	runners    map[int]*coreRunner
	poller     *hotplugPoller

	launchedCmd *exec.Cmd
	resumer     *captureevents.Resumer
	exitTracker *captureevents.ExitTracker
}

// NewCaptureAgent constructs a CaptureAgent. procRoot is normally "/proc";
// tests pass a fake tree built with t.TempDir().
func NewCaptureAgent(procRoot string, kernelFactory KernelFactory, sink *ipc.Sink, logger *slog.Logger) *CaptureAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureAgent{
		state:         StateWaitingForConfig,
		procRoot:      procRoot,
		sink:          sink,
		logger:        logger,
		kernelFactory: kernelFactory,
		sysCPURoot:    defaultSysCPURoot,
		runners:       make(map[int]*coreRunner),
	}
}

// State reports the agent's current lifecycle state.
func (a *CaptureAgent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// HandleMessage dispatches one inbound IPC message. Runs on the hosting
// Environment's strand — see agentenv.Agent.
func (a *CaptureAgent) HandleMessage(ctx context.Context, m ipc.Message) error {
	switch m.Key {
	case ipc.KeyPerfCaptureConfiguration:
		return a.onConfiguration(ctx, m)
	case ipc.KeyStart:
		return a.onStart(m)
	case ipc.KeyMonitoredPids:
		return a.onMonitoredPids(m)
	case ipc.KeyShutdown:
		a.mu.Lock()
		a.state = StateShuttingDown
		a.mu.Unlock()
		a.teardown()
		return nil
	default:
		return fmt.Errorf("perfagent: unexpected message %s in state %v", m.Key, a.State())
	}
}

func (a *CaptureAgent) onConfiguration(ctx context.Context, m ipc.Message) error {
	a.mu.Lock()
	if a.state != StateWaitingForConfig {
		a.mu.Unlock()
		return fmt.Errorf("perfagent: configuration received in state %v", a.state)
	}
	a.mu.Unlock()

	cfg, err := protocol.UnmarshalCaptureConfiguration(m.Blob)
	if err != nil {
		return fmt.Errorf("perfagent: decoding capture configuration: %w", err)
	}

	kernel := a.kernelFactory(cfg.Capabilities)
	mmapper, _ := kernel.(Mmapper)

	a.mu.Lock()
	a.cfg = cfg
	a.state = StatePreparing
	a.manager = binding.NewManager(kernel, cfg)
	a.mmapper = mmapper
	a.mu.Unlock()

	return a.prepare(ctx)
}

// prepare launches --app if configured, resolves the pid set (freezing it
// first when StopPids is set), and opens every core's binding sets ahead
// of the start signal (spec.md §4.3's prepare-then-start ordering).
func (a *CaptureAgent) prepare(ctx context.Context) error {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	rootPid := 0
	if len(cfg.InitialPids) > 0 {
		rootPid = cfg.InitialPids[0]
	}

	if cfg.Launch != nil {
		pid, err := a.launchApp(ctx, *cfg.Launch)
		if err != nil {
			a.sendCaptureFailed(ipc.ReasonCommandExecFailed)
			return err
		}
		rootPid = pid
		a.sink.Send(ipc.Message{Key: ipc.KeyExecTargetApp}, nil)
	}

	pids, resumer, err := a.resolvePids(rootPid)
	if err != nil {
		return fmt.Errorf("perfagent: resolving pids: %w", err)
	}

	a.mu.Lock()
	a.resumer = resumer
	a.exitTracker = captureevents.NewExitTracker(cfg.StopOnExit, pids)
	a.mu.Unlock()

	a.mu.Lock()
	mmapper := a.mmapper
	a.mu.Unlock()
	needsAux := hasSPE(cfg)

	first := true
	for _, core := range cfg.Cores {
		tids := pids
		if !first {
			tids = nil
		}
		first = false

		additional := tids
		if cfg.Capabilities.IsSystemWide {
			additional = nil
		}
		result, err := a.manager.CoreOnlinePrepare(core.Core, core.ClusterID, additional)
		if err != nil {
			return fmt.Errorf("perfagent: preparing core %d: %w", core.Core, err)
		}

		// mmap the core's rings now, per spec.md §4.3 step 3 ("mmap the data
		// region against the header fd"); actual consumption starts once
		// onStart transitions this agent to Running.
		if cr, ok := newCoreRunner(cfg, core, result, mmapper, needsAux, a.logger); ok {
			a.mu.Lock()
			a.runners[core.Core] = cr
			a.mu.Unlock()
		}
	}

	a.sink.Send(ipc.Message{Key: ipc.KeyCaptureReady, Pids: toInt32s(pids)}, nil)
	return nil
}

func (a *CaptureAgent) resolvePids(rootPid int) ([]int, *captureevents.Resumer, error) {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	if cfg.StopPids {
		excluded := map[int]bool{os.Getpid(): true}
		tids, resumer, err := captureevents.Freeze(a.procRoot, rootPid, excluded)
		if err != nil {
			return nil, nil, err
		}
		resolved, err := captureevents.ResolvePids(tids, false, 0, a.procRoot)
		return resolved, resumer, err
	}

	tids, err := captureevents.ResolveThreads(a.procRoot, rootPid)
	if err != nil {
		return nil, nil, err
	}
	resolved, err := captureevents.ResolvePids(tids, false, 0, a.procRoot)
	return resolved, nil, err
}

// launchApp forks+execs the --app target, dropping privileges and
// changing into the configured working directory before exec — the
// idiomatic Go equivalent of the original daemon's direct
// Setuid/Setgid/Chdir/Exec sequence, expressed through os/exec's
// SysProcAttr.Credential rather than a hand-rolled post-fork syscall
// sequence (unsafe in a garbage-collected, multi-threaded runtime).
func (a *CaptureAgent) launchApp(ctx context.Context, launch config.LaunchCommand) (int, error) {
	if len(launch.Argv) == 0 {
		return 0, fmt.Errorf("perfagent: launch command has empty argv")
	}
	cmd := exec.CommandContext(ctx, launch.Argv[0], launch.Argv[1:]...)
	cmd.Dir = launch.Cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: launch.UID, Gid: launch.GID},
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("perfagent: exec %v: %w", launch.Argv, err)
	}
	a.mu.Lock()
	a.launchedCmd = cmd
	a.mu.Unlock()
	return cmd.Process.Pid, nil
}

// onStart enables every prepared binding once the host has serialized the
// id→key mapping (spec.md §4.3 ordering contract), releases any frozen
// pids, and reports capture_started.
func (a *CaptureAgent) onStart(m ipc.Message) error {
	a.mu.Lock()
	if a.state != StatePreparing {
		a.mu.Unlock()
		return fmt.Errorf("perfagent: start received in state %v", a.state)
	}
	cfg := a.cfg
	resumer := a.resumer
	a.mu.Unlock()

	for _, core := range cfg.Cores {
		if _, _, err := a.manager.CoreOnlineStart(core.Core); err != nil {
			return fmt.Errorf("perfagent: starting core %d: %w", core.Core, err)
		}
	}

	if resumer != nil {
		resumer.Close()
	}

	a.mu.Lock()
	a.state = StateRunning
	a.startedAt = time.Now()
	runners := make([]*coreRunner, 0, len(a.runners))
	for _, cr := range a.runners {
		runners = append(runners, cr)
	}
	a.mu.Unlock()

	for _, cr := range runners {
		cr.start(a.sink, a.logger)
	}

	poller := newHotplugPoller(a, a.sysCPURoot, cfg.Cores)
	a.mu.Lock()
	a.poller = poller
	a.mu.Unlock()
	poller.start()

	a.sink.Send(ipc.Message{Key: ipc.KeyCaptureStarted}, nil)
	return nil
}

// coreCameOnline prepares and starts a hot-plugged core's binding sets and
// begins consuming its rings, then reports the transition (spec.md §4.5
// "for each online event, invoke core_online_prepare then
// core_online_start, emitting the id→key mappings and a
// cpu-state-change{core,online=true}").
func (a *CaptureAgent) coreCameOnline(core int) {
	a.mu.Lock()
	cfg := a.cfg
	mmapper := a.mmapper
	a.mu.Unlock()
	if cfg == nil {
		return
	}

	clusterID := 0
	for _, c := range cfg.Cores {
		if c.Core == core {
			clusterID = c.ClusterID
		}
	}

	result, err := a.manager.CoreOnlinePrepare(core, clusterID, nil)
	if err != nil {
		a.logger.Warn("hotplug: preparing core failed", slog.Int("core", core), slog.Any("error", err))
		return
	}
	if _, _, err := a.manager.CoreOnlineStart(core); err != nil {
		a.logger.Warn("hotplug: starting core failed", slog.Int("core", core), slog.Any("error", err))
		return
	}

	if cr, ok := newCoreRunner(cfg, config.CoreInfo{Core: core, ClusterID: clusterID}, result, mmapper, hasSPE(cfg), a.logger); ok {
		cr.start(a.sink, a.logger)
		a.mu.Lock()
		a.runners[core] = cr
		a.mu.Unlock()
	}

	a.sendCPUStateChange(core, true)
}

// coreWentOffline tears a hot-unplugged core down and reports the
// transition (spec.md §4.5 "for each offline event, invoke core_offline and
// emit cpu-state-change{core,online=false}").
func (a *CaptureAgent) coreWentOffline(core int) {
	if err := a.manager.CoreOffline(core); err != nil {
		a.logger.Warn("hotplug: taking core offline failed", slog.Int("core", core), slog.Any("error", err))
	}

	a.mu.Lock()
	cr := a.runners[core]
	delete(a.runners, core)
	a.mu.Unlock()
	if cr != nil {
		cr.close()
	}

	a.sendCPUStateChange(core, false)
}

func (a *CaptureAgent) sendCPUStateChange(core int, online bool) {
	a.mu.Lock()
	delta := time.Since(a.startedAt).Nanoseconds()
	a.mu.Unlock()
	a.sink.Send(ipc.Message{
		Key: ipc.KeyCPUStateChange,
		CPUState: ipc.CPUStateChange{
			MonotonicDelta: delta,
			CoreNo:         int32(core),
			Online:         online,
		},
	}, nil)
}

// onMonitoredPids reconciles the tracked pid set against a host-pushed
// pid_list and terminates the capture once the last tracked pid has
// exited, if stop-on-exit is set.
func (a *CaptureAgent) onMonitoredPids(m ipc.Message) error {
	a.mu.Lock()
	tracker := a.exitTracker
	a.mu.Unlock()
	if tracker == nil {
		return nil
	}

	live := make([]int, len(m.Pids))
	for i, p := range m.Pids {
		live[i] = int(p)
	}
	if tracker.Reconcile(live) {
		a.teardown()
		return errCaptureComplete
	}
	return nil
}

func (a *CaptureAgent) sendCaptureFailed(reason ipc.CaptureFailedReason) {
	a.sink.Send(ipc.Message{Key: ipc.KeyCaptureFailed, CaptureFailed: reason}, nil)
}

// teardown releases kernel resources and resumes any frozen process tree.
// Safe to call more than once.
func (a *CaptureAgent) teardown() {
	a.mu.Lock()
	resumer := a.resumer
	a.resumer = nil
	poller := a.poller
	a.poller = nil
	runners := a.runners
	a.runners = make(map[int]*coreRunner)
	a.mu.Unlock()

	if resumer != nil {
		resumer.Close()
	}
	if poller != nil {
		poller.close()
	}
	for _, cr := range runners {
		cr.close()
	}
}

func toInt32s(pids []int) []int32 {
	out := make([]int32, len(pids))
	for i, p := range pids {
		out[i] = int32(p)
	}
	return out
}

package perfagent

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/gatord/gatord-core/internal/binding"
	"github.com/gatord/gatord-core/internal/config"
	"github.com/gatord/gatord-core/internal/ipc"
	"github.com/gatord/gatord-core/internal/perf"
	"github.com/gatord/gatord-core/internal/protocol"
)

type fakeKernel struct {
	nextFD int32
}

func (k *fakeKernel) CreateEvent(spec config.EventSpec, state perf.EnableState, core, pid, groupFD int) (perf.Status, perf.Handle, error) {
	fd := int(atomic.AddInt32(&k.nextFD, 1))
	return perf.StatusSuccess, perf.Handle{FD: fd, PerfID: uint64(fd)}, nil
}
func (k *fakeKernel) Enable(fd int) error          { return nil }
func (k *fakeKernel) Disable(fd int) error         { return nil }
func (k *fakeKernel) Close(fd int) error           { return nil }
func (k *fakeKernel) SetOutput(fd, target int) error { return nil }

func fakeFactory(config.Capabilities) binding.Kernel { return &fakeKernel{} }

func writeFakeProcTask(t *testing.T, root string, pid int, tids []int) {
	t.Helper()
	for _, tid := range tids {
		dir := filepath.Join(root, strconv.Itoa(pid), "task", strconv.Itoa(tid))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "children"), nil, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
}

func testConfig(systemWide bool) *config.CaptureConfiguration {
	return &config.CaptureConfiguration{
		Capabilities: config.Capabilities{IsSystemWide: systemWide},
		Cores:        []config.CoreInfo{{Core: 0, ClusterID: 0}},
		Groups: []config.PerfGroup{
			{Selector: config.SelectorGlobal, Events: []config.EventSpec{{Key: 1, IsLeader: true}}},
		},
		InitialPids: []int{42},
	}
}

func newTestAgent(t *testing.T) (*CaptureAgent, string) {
	root := t.TempDir()
	writeFakeProcTask(t, root, 42, []int{42, 43})

	sink := ipc.NewSink(io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { sink.Close() })

	a := NewCaptureAgent(root, fakeFactory, sink, nil)
	t.Cleanup(a.teardown)
	return a, root
}

func TestConfigurationTransitionsToPreparing(t *testing.T) {
	a, _ := newTestAgent(t)
	cfg := testConfig(false)

	ctx := context.Background()
	msg := ipc.Message{Key: ipc.KeyPerfCaptureConfiguration, Blob: marshalForTest(t, cfg)}
	if err := a.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage(configuration): %v", err)
	}
	if a.State() != StatePreparing {
		t.Fatalf("state = %v, want preparing", a.State())
	}
}

func TestStartTransitionsToRunning(t *testing.T) {
	a, _ := newTestAgent(t)
	cfg := testConfig(false)
	ctx := context.Background()

	if err := a.HandleMessage(ctx, ipc.Message{Key: ipc.KeyPerfCaptureConfiguration, Blob: marshalForTest(t, cfg)}); err != nil {
		t.Fatalf("configuration: %v", err)
	}
	if err := a.HandleMessage(ctx, ipc.Message{Key: ipc.KeyStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if a.State() != StateRunning {
		t.Fatalf("state = %v, want running", a.State())
	}
}

func TestStartBeforeConfigurationIsRejected(t *testing.T) {
	a, _ := newTestAgent(t)
	if err := a.HandleMessage(context.Background(), ipc.Message{Key: ipc.KeyStart}); err == nil {
		t.Fatal("expected error starting before configuration")
	}
}

func TestMonitoredPidsTerminatesOnStopOnExit(t *testing.T) {
	a, _ := newTestAgent(t)
	cfg := testConfig(false)
	cfg.StopOnExit = true
	ctx := context.Background()

	if err := a.HandleMessage(ctx, ipc.Message{Key: ipc.KeyPerfCaptureConfiguration, Blob: marshalForTest(t, cfg)}); err != nil {
		t.Fatalf("configuration: %v", err)
	}

	err := a.HandleMessage(ctx, ipc.Message{Key: ipc.KeyMonitoredPids, Pids: nil})
	if err != errCaptureComplete {
		t.Fatalf("err = %v, want errCaptureComplete", err)
	}
}

func marshalForTest(t *testing.T, cfg *config.CaptureConfiguration) []byte {
	t.Helper()
	return protocol.MarshalCaptureConfiguration(cfg)
}

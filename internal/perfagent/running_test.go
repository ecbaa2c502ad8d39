package perfagent

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/gatord/gatord-core/internal/binding"
	"github.com/gatord/gatord-core/internal/config"
	"github.com/gatord/gatord-core/internal/ipc"
)

// fakeMmapper exercises newCoreRunner/coreRunner without a real perf_event
// fd: it hands back plain byte slices and records Unmap calls, addressing
// the review complaint that the mmap path was never unit-tested.
type fakeMmapper struct {
	mu      sync.Mutex
	unmaps  int
	dataLen int
	auxLen  int
}

func (f *fakeMmapper) MmapData(fd, pageSize, dataPages int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dataLen = pageSize * (1 + dataPages)
	return make([]byte, f.dataLen), nil
}

func (f *fakeMmapper) MmapAux(fd int, auxOffset int64, auxPages, pageSize int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auxLen = pageSize * auxPages
	return make([]byte, f.auxLen), nil
}

func (f *fakeMmapper) Unmap(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmaps++
	return nil
}

func testRunnerConfig() *config.CaptureConfiguration {
	return &config.CaptureConfiguration{
		RingPageSize:  4096,
		RingDataPages: 4,
		RingAuxPages:  2,
		BufferSizeKB:  4,
	}
}

func TestNewCoreRunnerRequiresMmapper(t *testing.T) {
	cfg := testRunnerConfig()
	core := config.CoreInfo{Core: 0}
	prep := binding.PrepareResult{HeaderFD: 7}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, ok := newCoreRunner(cfg, core, prep, nil, false, logger); ok {
		t.Fatal("newCoreRunner should decline when mmapper is nil")
	}

	if _, ok := newCoreRunner(cfg, core, binding.PrepareResult{}, &fakeMmapper{}, false, logger); ok {
		t.Fatal("newCoreRunner should decline when HeaderFD is zero")
	}
}

func TestNewCoreRunnerMapsDataAndAux(t *testing.T) {
	cfg := testRunnerConfig()
	core := config.CoreInfo{Core: 2}
	prep := binding.PrepareResult{HeaderFD: 7}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mm := &fakeMmapper{}

	cr, ok := newCoreRunner(cfg, core, prep, mm, true, logger)
	if !ok {
		t.Fatal("newCoreRunner: want ok")
	}
	if cr.core != 2 {
		t.Fatalf("core = %d, want 2", cr.core)
	}
	if !cr.page.HasAux() {
		t.Fatal("expected aux ring to be mapped when needsAux is set")
	}
	if mm.dataLen != 4096*5 {
		t.Fatalf("dataLen = %d, want %d", mm.dataLen, 4096*5)
	}
	if mm.auxLen != 4096*2 {
		t.Fatalf("auxLen = %d, want %d", mm.auxLen, 4096*2)
	}

	cr.close()
	if mm.unmaps != 2 {
		t.Fatalf("unmaps = %d, want 2 (data+aux)", mm.unmaps)
	}
}

func TestCoreRunnerStartAndClose(t *testing.T) {
	cfg := testRunnerConfig()
	core := config.CoreInfo{Core: 0}
	prep := binding.PrepareResult{HeaderFD: 7}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mm := &fakeMmapper{}

	cr, ok := newCoreRunner(cfg, core, prep, mm, false, logger)
	if !ok {
		t.Fatal("newCoreRunner: want ok")
	}

	sink := ipc.NewSink(io.Discard, logger)
	defer sink.Close()

	cr.start(sink, logger)
	cr.close()

	if mm.unmaps != 1 {
		t.Fatalf("unmaps = %d, want 1 (data only, no aux)", mm.unmaps)
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := map[int]int{1: 4096, 4096: 4096, 4097: 8192, 9000: 16384}
	for in, want := range cases {
		if got := nextPowerOfTwo(in); got != want {
			t.Fatalf("nextPowerOfTwo(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestHasSPE(t *testing.T) {
	cfg := &config.CaptureConfiguration{
		Groups: []config.PerfGroup{
			{Selector: config.SelectorGlobal, Events: []config.EventSpec{{Key: 1}}},
		},
	}
	if hasSPE(cfg) {
		t.Fatal("hasSPE: want false")
	}

	cfg.Groups = append(cfg.Groups, config.PerfGroup{Selector: config.SelectorSPE})
	if !hasSPE(cfg) {
		t.Fatal("hasSPE: want true for an SPE-selector group")
	}
}

package perfagent

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gatord/gatord-core/internal/binding"
	"github.com/gatord/gatord-core/internal/config"
	"github.com/gatord/gatord-core/internal/ipc"
	"github.com/gatord/gatord-core/internal/perf"
	"github.com/gatord/gatord-core/internal/ring"
	"golang.org/x/sys/unix"
)

// Mmapper is the subset of internal/perf's ring-mapping syscalls a running
// capture needs, named here rather than imported as *perf.Activator so this
// package can drive the real rings without depending on perf's build-tagged
// internals directly. *perf.Activator satisfies this; binding.Kernel fakes
// used in tests do not, and CaptureAgent degrades to no sample consumption
// in that case rather than failing the capture.
type Mmapper interface {
	MmapData(fd, pageSize, dataPages int) ([]byte, error)
	MmapAux(fd int, auxOffset int64, auxPages, pageSize int) ([]byte, error)
	Unmap(b []byte) error
}

const (
	defaultPageSize  = 4096
	defaultDataPages = 128
	defaultBufferKB  = 256
	pollTimeoutMs    = 200
)

// coreRunner owns one online core's mmap'd perf rings and the ring.Buffer
// that frames their raw bytes into apc_frame_data messages (spec.md §4.5
// step 3). Non-goals excludes decoding the captured stream, so the pump
// goroutine below copies ring bytes opaquely rather than parsing records.
type coreRunner struct {
	core     int
	headerFD int

	mmapper Mmapper
	page    *perf.RingPage
	data    []byte
	aux     []byte

	dataTail uint64
	auxTail  uint64

	rb *ring.Buffer

	stop chan struct{}
	done chan struct{}
}

// newCoreRunner mmaps core's header event and constructs the ring.Buffer
// that will carry its frames, or returns (nil, false) when mmapping isn't
// available (no Mmapper, or the kernel rejected the mapping) — the core
// simply reports nothing rather than failing the whole capture (spec.md
// §4.5's "resource-limit errors ... capture continues degraded").
func newCoreRunner(cfg *config.CaptureConfiguration, core config.CoreInfo, prep binding.PrepareResult, mmapper Mmapper, needsAux bool, logger *slog.Logger) (*coreRunner, bool) {
	if mmapper == nil || prep.HeaderFD == 0 {
		return nil, false
	}

	pageSize := cfg.RingPageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	dataPages := cfg.RingDataPages
	if dataPages <= 0 {
		dataPages = defaultDataPages
	}

	data, err := mmapper.MmapData(prep.HeaderFD, pageSize, dataPages)
	if err != nil {
		logger.Warn("mmap data ring failed, core will not report samples",
			slog.Int("core", core.Core), slog.Any("error", err))
		return nil, false
	}

	var aux []byte
	if needsAux && cfg.RingAuxPages > 0 {
		auxOffset := uint64(pageSize) * uint64(1+dataPages)
		auxSize := uint64(pageSize) * uint64(cfg.RingAuxPages)
		perf.ConfigureAux(data, auxOffset, auxSize)
		aux, err = mmapper.MmapAux(prep.HeaderFD, int64(auxOffset), cfg.RingAuxPages, pageSize)
		if err != nil {
			logger.Warn("mmap aux ring failed, core will report data samples only",
				slog.Int("core", core.Core), slog.Any("error", err))
			aux = nil
		}
	}

	bufBytes := cfg.BufferSizeKB * 1024
	if bufBytes <= 0 {
		bufBytes = defaultBufferKB * 1024
	}
	rb, err := ring.New(nextPowerOfTwo(bufBytes), true, ring.Perf, int32(core.Core), 0, false)
	if err != nil {
		logger.Warn("creating ring buffer failed", slog.Int("core", core.Core), slog.Any("error", err))
		_ = mmapper.Unmap(data)
		return nil, false
	}

	return &coreRunner{
		core:     core.Core,
		headerFD: prep.HeaderFD,
		mmapper:  mmapper,
		page:     perf.NewRingPage(data, aux),
		data:     data,
		aux:      aux,
		rb:       rb,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, true
}

// start launches the pump (producer: polls the header fd, frames new ring
// bytes) and drain (consumer: forwards committed frames over sink)
// goroutines. Only called once the agent has entered Running.
func (cr *coreRunner) start(sink *ipc.Sink, logger *slog.Logger) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		cr.pump(logger)
	}()
	go func() {
		defer wg.Done()
		cr.drain(sink)
	}()
	go func() {
		wg.Wait()
		close(cr.done)
	}()
}

// pump polls the header event's fd for POLLIN (set whenever the kernel
// advances data_head) and copies newly-available ring bytes into the
// buffer between poll wakeups, mirroring the original's per-core consumer
// thread (spec.md §5 "the consumer of each per-core mmap is a single
// thread per core").
func (cr *coreRunner) pump(logger *slog.Logger) {
	fds := []unix.PollFd{{Fd: int32(cr.headerFD), Events: unix.POLLIN}}
	for {
		select {
		case <-cr.stop:
			cr.drainOnce(logger)
			cr.rb.SetDone()
			cr.rb.Commit(true)
			return
		default:
		}

		n, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logger.Warn("poll perf mmap failed", slog.Int("core", cr.core), slog.Any("error", err))
			continue
		}
		if n > 0 {
			cr.drainOnce(logger)
		}
	}
}

// drainOnce copies any new data/aux ring bytes into the ring.Buffer as one
// committed PERF frame. Non-goals excludes decoding, so record boundaries
// within the copied bytes are left to the host.
func (cr *coreRunner) drainOnce(logger *slog.Logger) {
	head := cr.page.DataHead()
	auxHead := uint64(0)
	if cr.page.HasAux() {
		auxHead = cr.page.AuxHead()
	}

	if head == cr.dataTail && auxHead == cr.auxTail {
		return
	}

	tok := cr.rb.ReserveFrame(ring.Perf, int32(cr.core))
	if !tok.OK() {
		return
	}

	if head != cr.dataTail {
		n := int(head - cr.dataTail)
		if cr.rb.CheckSpace(n) {
			buf := make([]byte, n)
			cr.page.ReadData(buf, cr.dataTail, head)
			cr.rb.WriteBytes(buf)
		} else {
			logger.Warn("ring buffer backed up, dropping perf data batch", slog.Int("core", cr.core))
		}
		cr.page.SetDataTail(head)
		cr.dataTail = head
	}

	if cr.page.HasAux() && auxHead != cr.auxTail {
		n := int(auxHead - cr.auxTail)
		if cr.rb.CheckSpace(n) {
			buf := make([]byte, n)
			cr.page.ReadAux(buf, cr.auxTail, auxHead)
			cr.rb.WriteBytes(buf)
		} else {
			logger.Warn("ring buffer backed up, dropping perf aux batch", slog.Int("core", cr.core))
		}
		cr.page.SetAuxTail(auxHead)
		cr.auxTail = auxHead
	}

	cr.rb.EndFrame(tok, false)
}

// drain is the ring's sole consumer: it wakes on every commit and forwards
// the drained bytes as one apc_frame_data message per WriteToSink call.
func (cr *coreRunner) drain(sink *ipc.Sink) {
	apc := apcSink{sink: sink}
	for {
		<-cr.rb.Reader()
		_ = cr.rb.WriteToSink(apc)
		if cr.rb.IsDone() {
			return
		}
	}
}

// close stops the pump/drain goroutines, waits for them to exit, and
// releases the kernel mappings.
func (cr *coreRunner) close() {
	close(cr.stop)
	<-cr.done
	if cr.aux != nil {
		_ = cr.mmapper.Unmap(cr.aux)
	}
	_ = cr.mmapper.Unmap(cr.data)
}

// apcSink adapts ipc.Sink to ring.Sink: every committed frame becomes one
// apc_frame_data message. responseType is ignored — KeyAPCFrameData carries
// no header, only a blob suffix (spec.md §4.5/§4.8).
type apcSink struct {
	sink *ipc.Sink
}

func (a apcSink) WriteFrame(p []byte, _ byte) error {
	a.sink.Send(ipc.Message{Key: ipc.KeyAPCFrameData, Blob: append([]byte(nil), p...)}, nil)
	return nil
}

// nextPowerOfTwo rounds n up to the nearest power of two, at least 4096,
// since ring.New rejects any other capacity.
func nextPowerOfTwo(n int) int {
	p := 4096
	for p < n {
		p <<= 1
	}
	return p
}

// hasSPE reports whether cfg's plan includes any SPE (aux-carrying) event,
// in which case every core's runner also mmaps the aux ring.
func hasSPE(cfg *config.CaptureConfiguration) bool {
	for _, g := range cfg.Groups {
		if g.Selector == config.SelectorSPE {
			return true
		}
		for _, ev := range g.Events {
			if ev.IsSPE {
				return true
			}
		}
	}
	return false
}

// hotplugPoller periodically reads each configured core's sysfs "online"
// attribute and reconciles binding.Manager against transitions, the
// periodic fallback spec.md §4.5 allows in place of a uevent netlink feed.
// Core 0 has no online attribute on most kernels (it cannot be taken
// offline) and is treated as always online.
type hotplugPoller struct {
	agent    *CaptureAgent
	sysRoot  string
	interval time.Duration

	mu     sync.Mutex
	online map[int]bool

	stop chan struct{}
	done chan struct{}
}

func newHotplugPoller(agent *CaptureAgent, sysRoot string, cores []config.CoreInfo) *hotplugPoller {
	online := make(map[int]bool, len(cores))
	for _, c := range cores {
		online[c.Core] = true
	}
	return &hotplugPoller{
		agent:    agent,
		sysRoot:  sysRoot,
		interval: 500 * time.Millisecond,
		online:   online,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (h *hotplugPoller) start() {
	go h.run()
}

func (h *hotplugPoller) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.pollOnce()
		}
	}
}

func (h *hotplugPoller) pollOnce() {
	h.mu.Lock()
	cores := make([]int, 0, len(h.online))
	for c := range h.online {
		cores = append(cores, c)
	}
	h.mu.Unlock()

	for _, core := range cores {
		nowOnline := h.readOnline(core)
		h.mu.Lock()
		wasOnline := h.online[core]
		h.online[core] = nowOnline
		h.mu.Unlock()
		if nowOnline == wasOnline {
			continue
		}
		if nowOnline {
			h.agent.coreCameOnline(core)
		} else {
			h.agent.coreWentOffline(core)
		}
	}
}

func (h *hotplugPoller) readOnline(core int) bool {
	path := filepath.Join(h.sysRoot, "cpu"+strconv.Itoa(core), "online")
	data, err := os.ReadFile(path)
	if err != nil {
		// Missing "online" attribute means the kernel doesn't allow this
		// core offline (commonly core 0): treat as always online.
		return true
	}
	return len(data) > 0 && data[0] == '1'
}

func (h *hotplugPoller) close() {
	close(h.stop)
	<-h.done
}

package binding

import (
	"fmt"
	"sync"

	"github.com/gatord/gatord-core/internal/config"
	"github.com/gatord/gatord-core/internal/perf"
)

// Kernel abstracts the perf-activator operations the manager needs
// (internal/perf, C5), so the binding reconciliation logic here can be
// unit-tested against a fake without real perf_event_open.
type Kernel interface {
	CreateEvent(spec config.EventSpec, state perf.EnableState, core, pid, groupFD int) (perf.Status, perf.Handle, error)
	Enable(fd int) error
	Disable(fd int) error
	Close(fd int) error
	SetOutput(fd, targetFD int) error
}

// Core tracks one online core's header event, per-uncore-PMU ownership,
// and the binding sets opened against tracked pids (spec.md §3 "Core
// properties").
type Core struct {
	Index     int
	ClusterID int

	HeaderFD int
	headerID uint64

	// OwnedUncore is the set of uncore PMU names this core currently owns
	// exclusively (spec.md §5: "Uncore PMUs are exclusive").
	OwnedUncore map[string]bool

	Sets map[int]*Set // pid -> Set
}

// Manager reconciles the declarative capture plan against the dynamic set
// of online cores and tracked pids (spec.md §4.3).
type Manager struct {
	mu sync.Mutex

	kernel Kernel
	plan   *config.CaptureConfiguration

	cores       map[int]*Core
	trackedPids map[int]bool

	// uncoreOwner maps an uncore PMU name to the core index that currently
	// owns it, enforcing exclusivity across the whole manager.
	uncoreOwner map[string]int
}

// NewManager constructs a Manager that will reconcile plan's event groups
// against cores as they come online and pids as they are tracked.
func NewManager(kernel Kernel, plan *config.CaptureConfiguration) *Manager {
	return &Manager{
		kernel:      kernel,
		plan:        plan,
		cores:       make(map[int]*Core),
		trackedPids: make(map[int]bool),
		uncoreOwner: make(map[string]int),
	}
}

// PrepareResult is returned by CoreOnlinePrepare and PidTrackPrepare.
type PrepareResult struct {
	State           SetState
	TerminatedPids  []int
	HeaderFD        int
	HeaderPerfID    uint64
}

// CoreOnlinePrepare brings core online: inserts additionalTids into the
// tracked set, creates the header event, mmaps its data ring (left to the
// caller — Manager only opens the fd here), then opens one binding set per
// tracked pid for every applicable group in the plan. It does not enable
// anything; that is CoreOnlineStart's job, preserving the
// prepare-then-serialize-then-start ordering spec.md §4.3 requires.
func (m *Manager) CoreOnlinePrepare(coreIdx, clusterID int, additionalTids []int) (PrepareResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.plan.Capabilities.IsSystemWide && len(additionalTids) > 0 {
		return PrepareResult{}, fmt.Errorf("binding: additional tids not allowed in system-wide mode")
	}
	for _, tid := range additionalTids {
		m.trackedPids[tid] = true
	}

	core := &Core{
		Index:       coreIdx,
		ClusterID:   clusterID,
		OwnedUncore: make(map[string]bool),
		Sets:        make(map[int]*Set),
	}

	headerSpec := config.EventSpec{Key: 0}
	pid := -1
	if !m.plan.Capabilities.IsSystemWide {
		pid = 0
	}
	status, handle, err := m.kernel.CreateEvent(headerSpec, perf.StateDisabled, coreIdx, pid, -1)
	if err != nil || status != perf.StatusSuccess {
		if status == perf.StatusOffline {
			return PrepareResult{State: SetOffline}, nil
		}
		return PrepareResult{}, fmt.Errorf("binding: header event create failed: status=%v err=%w", status, err)
	}
	core.HeaderFD = handle.FD
	core.headerID = handle.PerfID
	m.cores[coreIdx] = core

	pids := m.pidsForCore()
	terminated := m.openGroupsForPids(core, pids)

	state := SetFailed
	for _, pidN := range pids {
		if set, ok := core.Sets[pidN]; ok {
			if agg := set.Aggregate(); agg == SetUsable {
				state = SetUsable
				break
			}
		}
	}
	if state != SetUsable {
		if len(terminated) == len(pids) && len(pids) > 0 {
			state = SetTerminated
		} else {
			state = SetOffline
		}
	}

	return PrepareResult{
		State:          state,
		TerminatedPids: terminated,
		HeaderFD:       core.HeaderFD,
		HeaderPerfID:   core.headerID,
	}, nil
}

// openGroupsForPids opens one Set of Groups per pid against this core's
// plan-selected groups, applying first-assignment-wins uncore ownership.
// It returns the pids for which every group came back terminated.
func (m *Manager) openGroupsForPids(core *Core, pids []int) []int {
	groupsForCore := m.selectGroupsForCore(core)

	var terminated []int
	for _, pidN := range pids {
		set := &Set{Core: core.Index, Pid: pidN}
		for _, spec := range groupsForCore {
			g := m.openGroup(core, pidN, spec)
			set.Groups = append(set.Groups, g)
		}
		core.Sets[pidN] = set
		if set.Aggregate() == SetTerminated {
			terminated = append(terminated, pidN)
		}
	}
	return terminated
}

// selectGroupsForCore filters the plan's groups to those applicable to
// core: global and SPE groups apply everywhere; cluster groups apply when
// the cluster id matches; specific-cpu groups apply when the cpu matches;
// uncore groups apply only on the one core that wins first-assignment
// ownership of that PMU.
func (m *Manager) selectGroupsForCore(core *Core) []config.PerfGroup {
	var out []config.PerfGroup
	for _, g := range m.plan.Groups {
		switch g.Selector {
		case config.SelectorGlobal, config.SelectorSPE:
			out = append(out, g)
		case config.SelectorCluster:
			if g.ClusterID == core.ClusterID {
				out = append(out, g)
			}
		case config.SelectorSpecificCPU:
			if g.CPU == core.Index {
				out = append(out, g)
			}
		case config.SelectorUncore:
			if m.tryClaimUncore(g.UncoreKey, core.Index) {
				core.OwnedUncore[g.UncoreKey] = true
				out = append(out, g)
			}
		}
	}
	return out
}

// tryClaimUncore implements "first assignment wins" exclusivity: an
// uncore PMU is activated on exactly one online core, and only on a core
// listed in its UncorePMU.EligibleCPU when the plan lists cores for it.
func (m *Manager) tryClaimUncore(key string, core int) bool {
	if _, owned := m.uncoreOwner[key]; owned {
		return false
	}
	for _, u := range m.plan.Uncore {
		if u.Name != key || len(u.EligibleCPU) == 0 {
			continue
		}
		eligible := false
		for _, c := range u.EligibleCPU {
			eligible = eligible || c == core
		}
		if !eligible {
			return false
		}
	}
	m.uncoreOwner[key] = core
	return true
}

func (m *Manager) openGroup(core *Core, pid int, spec config.PerfGroup) *Group {
	g := &Group{}
	groupFD := -1
	for i, ev := range spec.Events {
		b := NewEventBinding(core.Index, pid, i == 0)
		status, handle, err := m.kernel.CreateEvent(ev, perf.StateDisabled, core.Index, pid, groupFD)
		b.applyCreateResult(status, err)
		if status == perf.StatusSuccess {
			b.FD = handle.FD
			b.PerfID = handle.PerfID
			if i == 0 {
				groupFD = handle.FD
			}
			_ = m.kernel.SetOutput(handle.FD, core.HeaderFD)
		}
		g.Events = append(g.Events, b)
	}
	return g
}

// applyCreateResult maps a CreateEvent outcome onto the binding's state
// machine, following spec.md §3's offline-state transition rules.
func (b *EventBinding) applyCreateResult(status perf.Status, err error) {
	switch status {
	case perf.StatusSuccess:
		b.Apply(TriggerCreateSuccess)
	case perf.StatusOffline:
		b.Apply(TriggerCoreOfflineAtCreate)
	case perf.StatusInvalidPid:
		b.Apply(TriggerPidAlreadyExited)
	case perf.StatusInvalidDevice:
		b.Apply(TriggerNotSupportedErrno)
	default:
		b.Apply(TriggerFatalErrno)
	}
}

func (m *Manager) pidsForCore() []int {
	if m.plan.Capabilities.IsSystemWide {
		return []int{-1}
	}
	pids := make([]int, 0, len(m.trackedPids))
	for pid := range m.trackedPids {
		pids = append(pids, pid)
	}
	return pids
}

// CoreOnlineStart enables every ready binding set on core, after the
// id→key mapping has been serialized to the host (spec.md §4.3 ordering
// contract). Sets that come back terminated are removed from the core's
// pid map. An aggregate offline or failed is only reported through the
// returned state: the core's bindings and header fd stay open until
// CoreOffline is called for it.
func (m *Manager) CoreOnlineStart(coreIdx int) (SetState, []int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	core, ok := m.cores[coreIdx]
	if !ok {
		return SetFailed, nil, fmt.Errorf("binding: core %d not prepared", coreIdx)
	}

	if err := m.kernel.Enable(core.HeaderFD); err != nil {
		return SetFailed, nil, fmt.Errorf("binding: enable header event: %w", err)
	}

	var terminated []int
	worstState := SetUsable
	for pid, set := range core.Sets {
		for _, g := range set.Groups {
			for _, b := range g.Active() {
				if b.State() == StateReady {
					if err := m.kernel.Enable(b.FD); err != nil {
						b.Apply(TriggerSyscallError)
					} else {
						b.Apply(TriggerEnableSuccess)
					}
				}
			}
		}
		switch set.Aggregate() {
		case SetTerminated:
			terminated = append(terminated, pid)
			delete(core.Sets, pid)
		case SetOffline:
			if worstState == SetUsable {
				worstState = SetOffline
			}
		case SetFailed:
			worstState = SetFailed
		}
	}

	if len(core.Sets) == 0 && len(terminated) > 0 {
		return SetTerminated, terminated, nil
	}
	return worstState, terminated, nil
}

// CoreOffline disables and closes every binding set on core, releases any
// uncore PMUs it owned, and closes the header fd.
func (m *Manager) CoreOffline(coreIdx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	core, ok := m.cores[coreIdx]
	if !ok {
		return nil
	}

	for _, set := range core.Sets {
		for _, g := range set.Groups {
			for _, b := range g.Active() {
				_ = m.kernel.Disable(b.FD)
				_ = m.kernel.Close(b.FD)
				b.Apply(TriggerFullTeardown)
			}
		}
	}

	for key := range core.OwnedUncore {
		delete(m.uncoreOwner, key)
	}

	if core.HeaderFD != 0 {
		_ = m.kernel.Close(core.HeaderFD)
	}

	delete(m.cores, coreIdx)
	return nil
}

// PidTrackPrepare adds pid to the tracked set and opens a binding set for
// it on every currently-online core, symmetric to CoreOnlinePrepare.
func (m *Manager) PidTrackPrepare(pid int) map[int]SetState {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trackedPids[pid] = true
	result := make(map[int]SetState)
	for idx, core := range m.cores {
		groupsForCore := m.selectGroupsForCore(core)
		set := &Set{Core: idx, Pid: pid}
		for _, spec := range groupsForCore {
			set.Groups = append(set.Groups, m.openGroup(core, pid, spec))
		}
		core.Sets[pid] = set
		result[idx] = set.Aggregate()
	}
	return result
}

// PidTrackStart enables the binding sets PidTrackPrepare opened for pid
// across every online core.
func (m *Manager) PidTrackStart(pid int) map[int]SetState {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[int]SetState)
	for idx, core := range m.cores {
		set, ok := core.Sets[pid]
		if !ok {
			continue
		}
		for _, g := range set.Groups {
			for _, b := range g.Active() {
				if b.State() == StateReady {
					if err := m.kernel.Enable(b.FD); err != nil {
						b.Apply(TriggerSyscallError)
					} else {
						b.Apply(TriggerEnableSuccess)
					}
				}
			}
		}
		result[idx] = set.Aggregate()
	}
	return result
}

// PidUntrack disables and closes every binding set for pid across all
// cores.
func (m *Manager) PidUntrack(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.trackedPids, pid)
	for _, core := range m.cores {
		set, ok := core.Sets[pid]
		if !ok {
			continue
		}
		for _, g := range set.Groups {
			for _, b := range g.Active() {
				_ = m.kernel.Disable(b.FD)
				_ = m.kernel.Close(b.FD)
				b.Apply(TriggerFullTeardown)
			}
		}
		delete(core.Sets, pid)
	}
}

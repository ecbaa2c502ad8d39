package config

// EnableState is the enable_on_exec / enabled / disabled tri-state used when
// creating a perf event (see perf.EnableState, which mirrors this type at
// the syscall boundary).
type EnableState uint8

const (
	EnableDisabled EnableState = iota
	EnableOnExec
	EnableEnabled
)

// Capabilities is the kernel-capability bit-vector from spec.md §4.2. These
// are always supplied as inputs — never probed by this module.
type Capabilities struct {
	HasFDCloexec        bool
	HasAttrClockID       bool
	HasAttrContextSwitch bool
	HasAttrCommExec      bool
	HasAttrMmap2         bool
	HasSampleIdentifier  bool
	HasCountSWDummy      bool
	HasAuxSupport        bool
	HasIoctlReadID       bool
	HasARMv7PMUDriver    bool
	Use64BitRegisterSet  bool
	ExcludeKernel        bool
	IsSystemWide         bool
}

// ClusterInfo describes one CPU cluster (a group of cores sharing a PMU
// model), keyed by ClusterID.
type ClusterInfo struct {
	ClusterID int
	Name      string
	CPUIDs    []uint32
}

// CoreInfo pairs a core index with its owning cluster and raw CPUID/MIDR.
type CoreInfo struct {
	Core      int
	ClusterID int
	CPUID     uint32
}

// UncorePMU describes one uncore PMU type and the cores it may be activated
// on, derived from its cpumask (or core 0 when the mask is empty, per
// spec.md §4.3 step 4).
type UncorePMU struct {
	Name        string
	PMUType     uint32
	EligibleCPU []int
}

// GroupSelector names which plan bucket a PerfGroup belongs to, matching
// spec.md §3's {global, spe, cluster, uncore, specific-cpu} closed set.
type GroupSelector string

const (
	SelectorGlobal     GroupSelector = "global"
	SelectorSPE        GroupSelector = "spe"
	SelectorCluster    GroupSelector = "cluster"
	SelectorUncore     GroupSelector = "uncore"
	SelectorSpecificCPU GroupSelector = "specific-cpu"
)

// EventSpec is one perf_event_attr-equivalent entry within a PerfGroup. The
// attr itself is an opaque byte blob (the serialized unix.PerfEventAttr) so
// that this package does not need to depend on perf-syscall types.
type EventSpec struct {
	Key       uint32 // the stable "key" the host uses to name this event
	Attr      []byte // encoded perf_event_attr
	IsSPE     bool   // delivers AUX records in addition to the data ring
	IsLeader  bool   // solitary PMU event that may report not-supported
	PMUType   uint32
}

// PerfGroup is a pinned/unpinned group of EventSpecs sharing a selector.
// The first element is the group leader when len(Events) > 1 and
// Events[0].IsLeader; a single-element group is a solitary stand-alone
// event.
type PerfGroup struct {
	Selector  GroupSelector
	ClusterID int // meaningful only when Selector == SelectorCluster
	CPU       int // meaningful only when Selector == SelectorSpecificCPU
	UncoreKey string // meaningful only when Selector == SelectorUncore
	Events    []EventSpec
}

// LaunchCommand describes an optional "--app" target process to fork+exec.
type LaunchCommand struct {
	Argv []string
	Cwd  string
	UID  uint32
	GID  uint32
}

// CaptureConfiguration is the immutable, per-session configuration handed to
// the perf capture agent in the perf_capture_configuration IPC message
// suffix (spec.md §3/§4.5). It is constructed by the shell and never mutated
// after being sent.
type CaptureConfiguration struct {
	// Session parameters.
	LiveRateMs    int64
	SampleRateHz  int64
	BufferSizeKB  int
	OneShot       bool
	ExcludeKernel bool
	StopOnExit    bool

	Capabilities Capabilities

	Clusters   []ClusterInfo
	Cores      []CoreInfo
	Uncore     []UncorePMU
	CPUIDNames map[uint32]string

	HeaderSelector GroupSelector
	Groups         []PerfGroup

	RingPageSize  int
	RingDataPages int
	RingAuxPages  int

	Launch            *LaunchCommand
	WaitForProcess    string
	AndroidPackage    string
	InitialPids       []int
	EnableOnExec      bool
	StopPids          bool
}

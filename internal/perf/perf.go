// Package perf is the only part of this module that issues the kernel
// counter syscall (spec.md §4.2): perf_event_open, the enable/disable/id
// ioctls, and the data/aux ring mmaps. Everything above this package deals
// in Status values and opaque handles, never raw errno.
package perf

import "fmt"

// EnableState mirrors config.EnableState at the syscall boundary: whether a
// newly-created event starts disabled, enabled, or enabled-on-next-exec.
type EnableState uint8

const (
	StateDisabled EnableState = iota
	StateEnableOnExec
	StateEnabled
)

// Status is the outcome of a perf syscall, with kernel errno already
// translated per spec.md §4.2's mapping table.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusOffline
	StatusInvalidPid
	StatusInvalidDevice
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusOffline:
		return "offline"
	case StatusInvalidPid:
		return "invalid_pid"
	case StatusInvalidDevice:
		return "invalid_device"
	case StatusFatal:
		return "fatal"
	default:
		return fmt.Sprintf("Status(%d)", s)
	}
}

// Capabilities is the kernel-capability bit-vector from spec.md §4.2,
// supplied by configuration and never probed by this package.
type Capabilities struct {
	HasIoctlReadID       bool
	HasAttrClockID       bool
	HasAttrContextSwitch bool
	HasAttrCommExec      bool
	HasAttrMmap2         bool
	HasSampleIdentifier  bool
	HasCountSWDummy      bool
	HasAuxSupport        bool
	HasFDCloexec         bool
	HasARMv7PMUDriver    bool
	Use64BitRegisterSet  bool
	ExcludeKernel        bool
	IsSystemWide         bool
}

// Handle identifies one opened perf event: its file descriptor and (once
// known) its PERF_EVENT_IOC_ID value.
type Handle struct {
	FD     int
	PerfID uint64
}

// MmapHandle is a mapped ring region: the data page run, and optionally an
// aux ring alongside it for SPE-style events.
type MmapHandle struct {
	Data []byte // mmap'd data region, including the leading perf_event_mmap_page
	Aux  []byte // mmap'd aux region, nil unless requested
}

// RingPage gives a per-core consumer atomic access to the kernel-written
// perf_event_mmap_page control fields embedded at the start of a data mmap
// returned by MmapData, plus the data/aux ring contents that follow it
// (spec.md §4.2/§4.5). The consumer is the only reader of data_head/aux_head;
// the kernel is the only writer, so field access must go through an atomic
// load to observe a consistent value without a lock.
type RingPage struct {
	data []byte
	aux  []byte
}

// NewRingPage wraps an mmap returned by MmapData, and optionally the aux
// mmap returned by MmapAux for an SPE-style event.
func NewRingPage(data, aux []byte) *RingPage {
	return &RingPage{data: data, aux: aux}
}

package perf

import "github.com/gatord/gatord-core/internal/config"

// Activator adapts the package-level perf_event_open wrappers to the
// binding.Kernel interface (C6), so internal/binding's reconciliation logic
// drives real kernel counters through exactly the same seam its tests drive
// a fake through.
type Activator struct {
	caps config.Capabilities
}

// NewActivator constructs an Activator that creates events with the given
// kernel capability bit-vector (spec.md §4.2; supplied by configuration,
// never probed).
func NewActivator(caps config.Capabilities) *Activator {
	return &Activator{caps: caps}
}

func toPerfCapabilities(c config.Capabilities) Capabilities {
	return Capabilities{
		HasIoctlReadID:       c.HasIoctlReadID,
		HasAttrClockID:       c.HasAttrClockID,
		HasAttrContextSwitch: c.HasAttrContextSwitch,
		HasAttrCommExec:      c.HasAttrCommExec,
		HasAttrMmap2:         c.HasAttrMmap2,
		HasSampleIdentifier:  c.HasSampleIdentifier,
		HasCountSWDummy:      c.HasCountSWDummy,
		HasAuxSupport:        c.HasAuxSupport,
		HasFDCloexec:         c.HasFDCloexec,
		HasARMv7PMUDriver:    c.HasARMv7PMUDriver,
	}
}

// CreateEvent satisfies binding.Kernel, translating an EventSpec's opaque
// attr blob into a real perf_event_open(2) call.
func (a *Activator) CreateEvent(spec config.EventSpec, state EnableState, core, pid, groupFD int) (Status, Handle, error) {
	return CreateEvent(spec.Attr, state, core, pid, groupFD, toPerfCapabilities(a.caps))
}

// Enable satisfies binding.Kernel via PERF_EVENT_IOC_ENABLE.
func (a *Activator) Enable(fd int) error { return Start(fd) }

// Disable satisfies binding.Kernel via PERF_EVENT_IOC_DISABLE.
func (a *Activator) Disable(fd int) error { return Stop(fd) }

// Close satisfies binding.Kernel.
func (a *Activator) Close(fd int) error { return Close(fd) }

// SetOutput satisfies binding.Kernel via PERF_EVENT_IOC_SET_OUTPUT.
func (a *Activator) SetOutput(fd, targetFD int) error { return SetOutput(fd, targetFD) }

// MmapData satisfies perfagent.Mmapper, so CaptureAgent's running-state
// consumer drives the real data ring through the same Activator it already
// holds for event activation.
func (a *Activator) MmapData(fd, pageSize, dataPages int) ([]byte, error) {
	return MmapData(fd, pageSize, dataPages)
}

// MmapAux satisfies perfagent.Mmapper.
func (a *Activator) MmapAux(fd int, auxOffset int64, auxPages, pageSize int) ([]byte, error) {
	return MmapAux(fd, auxOffset, auxPages, pageSize)
}

// Unmap satisfies perfagent.Mmapper.
func (a *Activator) Unmap(b []byte) error { return Unmap(b) }

//go:build linux

package perf

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// decodeAttr reinterprets a serialized unix.PerfEventAttr (config.EventSpec.
// Attr) as the real struct. The kernel ABI layout is what unix.PerfEventAttr
// already mirrors, so this is a direct reinterpret rather than a field-by-
// field decode.
func decodeAttr(b []byte) (*unix.PerfEventAttr, error) {
	var attr unix.PerfEventAttr
	if len(b) < int(unsafe.Sizeof(attr)) {
		return nil, fmt.Errorf("perf: attr blob too short: got %d want %d", len(b), unsafe.Sizeof(attr))
	}
	attr = *(*unix.PerfEventAttr)(unsafe.Pointer(&b[0]))
	return &attr, nil
}

// CreateEvent opens one perf_event_attr via perf_event_open(2), grounded on
// the teacher's loader_linux.go perfEventOpen wrapper (spec.md §4.2). On
// success the descriptor is marked close-on-exec and, unless caps indicates
// a legacy kernel lacking PERF_EVENT_IOC_ID, its perf id is read
// immediately; legacy kernels must follow up with ReadLegacyIDs.
func CreateEvent(attrBytes []byte, state EnableState, core, pid, groupFD int, caps Capabilities) (Status, Handle, error) {
	attr, err := decodeAttr(attrBytes)
	if err != nil {
		return StatusFatal, Handle{}, err
	}

	flags := unix.PERF_FLAG_FD_CLOEXEC
	switch state {
	case StateDisabled:
		attr.Bits &^= unix.PerfBitEnableOnExec
		attr.Bits |= unix.PerfBitDisabled
	case StateEnableOnExec:
		attr.Bits |= unix.PerfBitDisabled | unix.PerfBitEnableOnExec
	case StateEnabled:
		attr.Bits &^= unix.PerfBitDisabled
	}

	fd, err := unix.PerfEventOpen(attr, pid, core, groupFD, flags)
	if err != nil {
		return statusFromErrno(err), Handle{}, err
	}

	h := Handle{FD: fd}

	if !caps.HasFDCloexec {
		unix.CloseOnExec(fd)
	}

	if caps.HasIoctlReadID {
		id, idErr := unix.IoctlGetInt(fd, unix.PERF_EVENT_IOC_ID)
		if idErr != nil {
			unix.Close(fd)
			return StatusFatal, Handle{}, fmt.Errorf("perf: PERF_EVENT_IOC_ID: %w", idErr)
		}
		h.PerfID = uint64(id)
	}

	return StatusSuccess, h, nil
}

// statusFromErrno applies spec.md §4.2's errno → Status mapping:
// ENODEV→offline, ESRCH→invalid_pid, ENOENT→invalid_device, else fatal.
func statusFromErrno(err error) Status {
	switch err {
	case unix.ENODEV:
		return StatusOffline
	case unix.ESRCH:
		return StatusInvalidPid
	case unix.ENOENT:
		return StatusInvalidDevice
	default:
		return StatusFatal
	}
}

// ReadLegacyIDs reads the group's event ids via read(2) using the declared
// read_format, for kernels that lack PERF_EVENT_IOC_ID. readFormat mirrors
// PERF_FORMAT_ID | PERF_FORMAT_GROUP: a uint64 count followed by (value,id)
// pairs per member.
func ReadLegacyIDs(leaderFD int, memberCount int) (Status, []uint64, error) {
	// 1 count + 2 uint64s (value,id) per member.
	buf := make([]byte, 8*(1+2*memberCount))
	n, err := unix.Read(leaderFD, buf)
	if err != nil {
		return statusFromErrno(err), nil, err
	}
	if n != len(buf) {
		return StatusFatal, nil, fmt.Errorf("perf: short read of legacy ids: got %d want %d", n, len(buf))
	}

	ids := make([]uint64, memberCount)
	for i := 0; i < memberCount; i++ {
		off := 8 * (1 + 2*i + 1)
		ids[i] = leUint64(buf[off : off+8])
	}
	return StatusSuccess, ids, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// mmapDiagnostic narrates the same kernel-requirement hint the teacher's
// eBPF loader uses for BPF map creation failures, generalized to perf's
// mlock/mmap-pages limits (spec.md §4.2).
func mmapDiagnostic(err error) error {
	switch err {
	case unix.ENOMEM:
		return fmt.Errorf("perf: mmap failed with ENOMEM: raise kernel.perf_event_mlock_kb or reduce --mmap-pages: %w", err)
	case unix.EPERM:
		return fmt.Errorf("perf: mmap failed with EPERM: run as root or raise kernel.perf_event_mlock_kb: %w", err)
	default:
		return fmt.Errorf("perf: mmap failed: %w", err)
	}
}

// MmapData maps the data ring for the event at fd: one control page plus
// dataPages data pages, each of pageSize bytes.
func MmapData(fd int, pageSize, dataPages int) ([]byte, error) {
	length := pageSize * (1 + dataPages)
	data, err := unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, mmapDiagnostic(err)
	}
	return data, nil
}

// MmapAux maps the aux ring for an SPE-style (aux-carrying) event,
// immediately following the data mapping's control-page aux offset/size
// fields (spec.md §4.2).
func MmapAux(fd int, auxOffset int64, auxPages, pageSize int) ([]byte, error) {
	length := pageSize * auxPages
	aux, err := unix.Mmap(fd, auxOffset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, mmapDiagnostic(err)
	}
	return aux, nil
}

// SetOutput redirects fd's mmap ring output to targetFD's mmap, so a single
// consumer ring (the header event's) carries the whole group.
func SetOutput(fd, targetFD int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.PERF_EVENT_IOC_SET_OUTPUT, uintptr(targetFD))
	if errno != 0 {
		return fmt.Errorf("perf: PERF_EVENT_IOC_SET_OUTPUT: %w", errno)
	}
	return nil
}

// Start issues PERF_EVENT_IOC_ENABLE.
func Start(fd int) error {
	return ioctlNoArg(fd, unix.PERF_EVENT_IOC_ENABLE)
}

// Stop issues PERF_EVENT_IOC_DISABLE.
func Stop(fd int) error {
	return ioctlNoArg(fd, unix.PERF_EVENT_IOC_DISABLE)
}

// ReEnable issues PERF_EVENT_IOC_ENABLE again after an explicit stop that
// retained the descriptor (spec.md event-binding "ready" state).
func ReEnable(fd int) error {
	return Start(fd)
}

func ioctlNoArg(fd int, req uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, 0)
	if errno != 0 {
		return fmt.Errorf("perf: ioctl 0x%x: %w", req, errno)
	}
	return nil
}

// Close closes a perf event descriptor.
func Close(fd int) error {
	return unix.Close(fd)
}

// Unmap unmaps a region returned by MmapData/MmapAux.
func Unmap(b []byte) error {
	return unix.Munmap(b)
}

// ConfigureAux writes the aux_offset/aux_size fields of the data mmap's
// control page, which the kernel requires userspace to set before the
// matching MmapAux call: the aux ring's location is a userspace choice,
// not something perf_event_open assigns.
func ConfigureAux(data []byte, auxOffset, auxSize uint64) {
	p := &RingPage{data: data}
	cp := p.controlPage()
	storeUint64(&cp.Aux_offset, auxOffset)
	storeUint64(&cp.Aux_size, auxSize)
}

// controlPage reinterprets the leading bytes of the data mmap as the
// kernel's perf_event_mmap_page, the same direct-reinterpret idiom
// decodeAttr uses for perf_event_attr.
func (p *RingPage) controlPage() *unix.PerfEventMmapPage {
	return (*unix.PerfEventMmapPage)(unsafe.Pointer(&p.data[0]))
}

func loadUint64(addr *uint64) uint64   { return atomic.LoadUint64(addr) }
func storeUint64(addr *uint64, v uint64) { atomic.StoreUint64(addr, v) }

// DataHead returns the kernel's current data_head: the write position the
// consumer must catch up to before advancing data_tail.
func (p *RingPage) DataHead() uint64 {
	return loadUint64(&p.controlPage().Data_head)
}

// SetDataTail publishes the consumer's new read position so the kernel can
// reclaim the space behind it.
func (p *RingPage) SetDataTail(tail uint64) {
	storeUint64(&p.controlPage().Data_tail, tail)
}

// ReadData copies the n = head-tail new bytes in the data ring (which
// begins data_offset bytes into the mmap and wraps at data_size) into dst.
func (p *RingPage) ReadData(dst []byte, tail, head uint64) {
	cp := p.controlPage()
	readRingBytes(dst, p.data[cp.Data_offset:cp.Data_offset+cp.Data_size], tail, head)
}

// HasAux reports whether this RingPage was constructed with an aux mmap
// (an SPE-style event).
func (p *RingPage) HasAux() bool {
	return p.aux != nil
}

// AuxHead returns the kernel's current aux_head.
func (p *RingPage) AuxHead() uint64 {
	return loadUint64(&p.controlPage().Aux_head)
}

// SetAuxTail publishes the consumer's new aux read position.
func (p *RingPage) SetAuxTail(tail uint64) {
	storeUint64(&p.controlPage().Aux_tail, tail)
}

// ReadAux copies the n = head-tail new bytes from the aux ring (a separate
// mmap whose offset/size the control page also advertises, but which this
// package already has a direct handle to via NewRingPage) into dst.
func (p *RingPage) ReadAux(dst []byte, tail, head uint64) {
	readRingBytes(dst, p.aux, tail, head)
}

// readRingBytes copies the n = head-tail bytes of a wrapping byte ring
// (the data or aux region, whose capacity is ring's length) into dst,
// splitting the copy at the wrap point when necessary.
func readRingBytes(dst, ring []byte, tail, head uint64) {
	size := uint64(len(ring))
	n := head - tail
	start := tail % size
	if start+n <= size {
		copy(dst, ring[start:start+n])
		return
	}
	first := size - start
	copy(dst[:first], ring[start:size])
	copy(dst[first:], ring[:n-first])
}

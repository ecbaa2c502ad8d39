//go:build !linux

package perf

import "fmt"

var errUnsupported = fmt.Errorf("perf: not supported on this platform")

// CreateEvent is unsupported outside Linux: perf_event_open is a
// Linux-only syscall.
func CreateEvent(attrBytes []byte, state EnableState, core, pid, groupFD int, caps Capabilities) (Status, Handle, error) {
	return StatusFatal, Handle{}, errUnsupported
}

func ReadLegacyIDs(leaderFD int, memberCount int) (Status, []uint64, error) {
	return StatusFatal, nil, errUnsupported
}

func MmapData(fd int, pageSize, dataPages int) ([]byte, error) {
	return nil, errUnsupported
}

func MmapAux(fd int, auxOffset int64, auxPages, pageSize int) ([]byte, error) {
	return nil, errUnsupported
}

func SetOutput(fd, targetFD int) error { return errUnsupported }
func Start(fd int) error               { return errUnsupported }
func Stop(fd int) error                { return errUnsupported }
func ReEnable(fd int) error            { return errUnsupported }
func Close(fd int) error               { return errUnsupported }
func Unmap(b []byte) error             { return errUnsupported }

func ConfigureAux(data []byte, auxOffset, auxSize uint64) {}

func (p *RingPage) DataHead() uint64                      { return 0 }
func (p *RingPage) SetDataTail(tail uint64)                {}
func (p *RingPage) ReadData(dst []byte, tail, head uint64) {}
func (p *RingPage) HasAux() bool                           { return p.aux != nil }
func (p *RingPage) AuxHead() uint64                        { return 0 }
func (p *RingPage) SetAuxTail(tail uint64)                 {}
func (p *RingPage) ReadAux(dst []byte, tail, head uint64)  {}

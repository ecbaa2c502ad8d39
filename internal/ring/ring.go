// Package ring implements the single-producer/single-consumer frame ring
// buffer described in spec.md §3/§4.1: a bounded byte ring that frames
// variable-length payloads with a 1-byte type, 4-byte length, and an
// optional frame-type-specific header.
//
// Concurrency contract: exactly one producer goroutine calls ReserveFrame,
// PackI32, PackI64, WriteBytes, WriteString, CheckSpace, Commit, EndFrame,
// Check and SetDone. Exactly one consumer goroutine calls WriteToSink. R is
// mutated only by the consumer; W and C are mutated only by the producer.
// No locks are used inside the ring — the reader/writer channels below
// stand in for the counting semaphores of spec.md §4.1/§5.
package ring

import (
	"fmt"

	"github.com/gatord/gatord-core/internal/pack"
)

// FrameType is the closed set of frame kinds from spec.md §3.
type FrameType uint8

const (
	Unknown FrameType = iota
	Summary
	BlockCounter
	PerfAttrs
	Perf
	Name
	SchedTrace
	ActivityTrace
	Counter
)

// FrameTypeSendsCPU reports whether frames of type t carry a per-core header
// (a varint core index) after the frame-type byte and the 4-byte length,
// per spec.md §3.
func FrameTypeSendsCPU(t FrameType) bool {
	switch t {
	case BlockCounter, PerfAttrs, Perf, Name, SchedTrace:
		return true
	default:
		return false
	}
}

// frameHeaderSize is the minimum bytes reserved for every frame: 1 type byte
// + 4 length bytes.
const frameHeaderSize = 1 + 4

// availablePad and overflowPad implement the hysteresis described in
// spec.md §3: once free space drops below availablePad the producer is
// gated ("overflow") until free space recovers to at least overflowPad.
const (
	availablePad = 200
	overflowPad  = 2000
)

// Sink is the consumer-side interface that receives committed frame bytes.
// responseType is the optional leading response-type byte (spec.md §3);
// implementations operating in local-capture mode ignore it.
type Sink interface {
	WriteFrame(p []byte, responseType byte) error
}

// Buffer is a bounded, power-of-two-capacity byte ring that frames
// variable-length payloads.
//
// Indices r, w, c are free-running uint32 counters (never wrapped
// themselves); only indexing into buf masks by (cap-1). This keeps "empty"
// and "full" unambiguous, which a bounded 0..N-1 index representation
// cannot express without a spare bit.
type Buffer struct {
	buf  []byte
	mask uint32 // len(buf) - 1

	r uint32 // read index, mutated by consumer only
	w uint32 // write index, mutated by producer only
	c uint32 // commit index, mutated by producer only

	done bool

	typed        bool
	bufferType   FrameType
	responseType byte
	hasResponse  bool

	curType    FrameType
	curCore    int32
	hasCPU     bool
	frameStart uint32 // w at the time the current frame's header was opened

	available bool // true once CheckSpace has cleared the overflow gate

	// reader is posted once per Commit; the consumer receives from it
	// before calling WriteToSink. Stands in for spec.md's "reader"
	// semaphore.
	reader chan struct{}
	// writer is posted by the consumer after WriteToSink advances R; the
	// producer receives from it when it needs to wait for space.
	writer chan struct{}
}

// New creates a Buffer of the given capacity (must be a power of two).
// When typed is true, every frame committed into this buffer has type
// bufferType and core core — a typed buffer is permanently pinned to one
// core for its whole lifetime, matching the original's per-core Buffer
// instances — and Commit immediately reopens a new frame of the same
// type/core after each commit (until SetDone). core is unused for untyped
// buffers.
func New(capacity int, typed bool, bufferType FrameType, core int32, responseType byte, hasResponse bool) (*Buffer, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring: capacity %d is not a power of two", capacity)
	}
	b := &Buffer{
		buf:          make([]byte, capacity),
		mask:         uint32(capacity - 1),
		typed:        typed,
		bufferType:   bufferType,
		responseType: responseType,
		hasResponse:  hasResponse,
		reader:       make(chan struct{}, 1<<20),
		writer:       make(chan struct{}, 1<<20),
	}
	if typed {
		b.curType = bufferType
		b.curCore = core
		b.hasCPU = FrameTypeSendsCPU(bufferType)
		b.openFrame()
	}
	return b, nil
}

// FrameToken identifies an in-flight frame for EndFrame's abort path.
type FrameToken struct {
	writePosAtReserve uint32
	ok                bool
}

// OK reports whether ReserveFrame actually reserved a frame (false when a
// typed buffer rejected a mismatched frame type).
func (t FrameToken) OK() bool { return t.ok }

func (b *Buffer) cap() uint32 { return b.mask + 1 }

// ReserveFrame reserves the type byte, the 4-byte length placeholder, and
// (if frameType sends a CPU header) a varint core index, at the current
// write position. It returns a token used by EndFrame to abort. It fails
// silently (ok=false, nothing written) when the buffer is typed and
// frameType does not match the buffer's pinned type.
//
// A typed buffer always has a frame open already — written by New, or by
// the previous Commit's auto-reopen — so a matching call here does not open
// a second header (mirroring the original's beginFrameOrMessage with
// force=false: once type/core already match, it just returns the current
// write position). Only an untyped buffer's ReserveFrame actually writes a
// header, since it has no frame open between commits.
func (b *Buffer) ReserveFrame(frameType FrameType, core int32) FrameToken {
	if b.typed {
		if b.bufferType != frameType {
			return FrameToken{ok: false}
		}
		return FrameToken{writePosAtReserve: b.w, ok: true}
	}
	start := b.w
	b.curType = frameType
	b.curCore = core
	b.hasCPU = FrameTypeSendsCPU(frameType)
	b.frameStart = start
	b.openFrame()
	return FrameToken{writePosAtReserve: start, ok: true}
}

// openFrame writes the frame header (type byte, length placeholder, and
// optional CPU header) at the current write position. Used both by
// ReserveFrame and by Commit when reopening a typed buffer's next frame.
func (b *Buffer) openFrame() {
	b.frameStart = b.w
	b.writeByteRaw(byte(b.curType))
	b.writeRaw(make([]byte, 4))
	if b.hasCPU {
		b.writeRaw(pack.I32(b.curCore))
	}
}

// PackI32 appends a signed varint-encoded int32 to the in-flight frame.
func (b *Buffer) PackI32(x int32) {
	b.writeRaw(pack.I32(x))
}

// PackI64 appends a signed varint-encoded int64 to the in-flight frame.
func (b *Buffer) PackI64(x int64) {
	b.writeRaw(pack.I64(x))
}

// WriteBytes appends the raw bytes of p to the in-flight frame.
func (b *Buffer) WriteBytes(p []byte) {
	b.writeRaw(p)
}

// WriteString appends a varint length prefix followed by the raw bytes of s
// (no trailing NUL).
func (b *Buffer) WriteString(s string) {
	b.writeRaw(pack.AppendString(nil, s)[0:]) // length+bytes, no alloc reuse needed here
}

// writeRaw copies p into the ring at the current write position, wrapping
// around the power-of-two capacity, and advances w. The caller is
// responsible for having checked space via CheckSpace.
func (b *Buffer) writeRaw(p []byte) {
	for _, x := range p {
		b.buf[b.w&b.mask] = x
		b.w++
	}
}

func (b *Buffer) writeByteRaw(x byte) {
	b.buf[b.w&b.mask] = x
	b.w++
}

// CheckSpace reports whether there is room for n more bytes plus the
// hysteresis pad, and updates the buffer's "available" flag. Once free
// space falls below availablePad, CheckSpace keeps returning false
// (regardless of n) until free space recovers to at least overflowPad —
// the hysteresis behaviour required by spec.md §3/§8.
func (b *Buffer) CheckSpace(n int) bool {
	free := b.cap() - (b.w - b.r)
	if !b.available {
		if free < overflowPad {
			return false
		}
		b.available = true
	}
	if free < uint32(n)+availablePad {
		b.available = false
		return false
	}
	return true
}

// payloadLen returns the number of message bytes written into the current
// frame since it was (re)opened: W - frameStart, minus the type byte, the 4
// length bytes, and the CPU header (if present).
func (b *Buffer) payloadLen() uint32 {
	hdr := uint32(frameHeaderSize)
	if b.hasCPU {
		hdr += uint32(len(pack.I32(b.curCore)))
	}
	return (b.w - b.frameStart) - hdr
}

// Commit finalizes the in-flight frame: computes its payload length,
// back-fills the 4-byte little-endian length slot, advances C to W, wakes
// the consumer, and — if the buffer is typed and not done — immediately
// opens a replacement frame of the same type/core. If force is false and
// the payload is empty (header-only, no messages), Commit is a no-op
// (spec.md §4.1).
func (b *Buffer) Commit(force bool) {
	plen := b.payloadLen()
	if !force && plen == 0 {
		return
	}

	b.backfillLength(plen)
	b.c = b.w
	b.postReader()

	if b.typed && !b.done {
		b.openFrame()
	}
}

// backfillLength writes the little-endian 4-byte length immediately after
// the type byte of the frame that started at b.frameStart.
func (b *Buffer) backfillLength(plen uint32) {
	lenPos := b.frameStart + 1
	b.buf[(lenPos+0)&b.mask] = byte(plen)
	b.buf[(lenPos+1)&b.mask] = byte(plen >> 8)
	b.buf[(lenPos+2)&b.mask] = byte(plen >> 16)
	b.buf[(lenPos+3)&b.mask] = byte(plen >> 24)
}

// EndFrame ends the frame opened by ReserveFrame. If abort is true, W is
// rewound to the position recorded in tok and nothing is committed.
// Otherwise, typed buffers commit unconditionally (so the pinned-type
// invariant holds); untyped buffers run Check, which commits only once
// enough bytes are pending.
func (b *Buffer) EndFrame(tok FrameToken, abort bool) {
	if !tok.ok {
		return
	}
	if abort {
		b.w = tok.writePosAtReserve
		return
	}
	if b.typed {
		b.Commit(false)
	} else {
		b.Check()
	}
}

// Check commits the in-flight frame once at least 3N/4 bytes are pending.
// Callers that need the live-rate tick deadline from spec.md §3 ("check(time)
// commits if ... (b) the live-rate tick deadline has been reached") should
// call Commit(false) directly once their own timer fires; Check here
// implements only the byte-count half of that disjunction, which is the
// half intrinsic to the ring itself.
func (b *Buffer) Check() {
	pending := b.w - b.c
	if pending >= (3*b.cap())/4 {
		b.Commit(false)
	}
}

// SetDone marks the buffer done so Commit stops reopening frames.
func (b *Buffer) SetDone() {
	b.done = true
}

// IsDone reports whether the buffer is fully drained and will not receive
// any further frames: R==C==W and done is set.
func (b *Buffer) IsDone() bool {
	return b.done && b.r == b.c && b.c == b.w
}

func (b *Buffer) postReader() {
	select {
	case b.reader <- struct{}{}:
	default:
	}
}

// Reader returns the channel the consumer should receive from before
// calling WriteToSink, mirroring spec.md's "reader" semaphore.
func (b *Buffer) Reader() <-chan struct{} {
	return b.reader
}

// WriteToSink is the consumer-side drain: if C != R, it emits [R,C) to sink
// as one or two contiguous byte slices (splitting at the wrap point), then
// advances R to C and posts the writer semaphore.
func (b *Buffer) WriteToSink(sink Sink) error {
	if b.c == b.r {
		return nil
	}

	rOff := b.r & b.mask
	cOff := b.c & b.mask

	var respType byte
	if b.hasResponse {
		respType = b.responseType
	}

	if cOff > rOff {
		if err := sink.WriteFrame(b.buf[rOff:cOff], respType); err != nil {
			return err
		}
	} else {
		// Wraps: emit [rOff:cap) then [0:cOff).
		if err := sink.WriteFrame(b.buf[rOff:], respType); err != nil {
			return err
		}
		if cOff > 0 {
			if err := sink.WriteFrame(b.buf[:cOff], respType); err != nil {
				return err
			}
		}
	}

	b.r = b.c
	b.postWriter()
	return nil
}

func (b *Buffer) postWriter() {
	select {
	case b.writer <- struct{}{}:
	default:
	}
}

// Writer returns the channel the producer may receive from when a
// variable-length marshal cannot fit in the currently free space, per
// spec.md §4.1/§5.
func (b *Buffer) Writer() <-chan struct{} {
	return b.writer
}

// BytesAvailable reports N - filled, net of whichever hysteresis pad
// currently applies (200 bytes when available, 2000 when in overflow), per
// spec.md §3.
func (b *Buffer) BytesAvailable() uint32 {
	free := b.cap() - (b.w - b.r)
	pad := uint32(availablePad)
	if !b.available {
		pad = overflowPad
	}
	if free < pad {
		return 0
	}
	return free - pad
}

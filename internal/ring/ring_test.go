package ring

import "testing"

type collectingSink struct {
	frames [][]byte
}

func (s *collectingSink) WriteFrame(p []byte, responseType byte) error {
	cp := make([]byte, len(p))
	copy(cp, p)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *collectingSink) joined() []byte {
	var out []byte
	for _, f := range s.frames {
		out = append(out, f...)
	}
	return out
}

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := New(100, false, Summary, 0, 0, false); err == nil {
		t.Fatal("expected error for non-power-of-two capacity")
	}
}

func TestReserveWriteCommitDrain(t *testing.T) {
	b, err := New(4096, false, Summary, 0, 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tok := b.ReserveFrame(Counter, 0)
	if !tok.ok {
		t.Fatal("ReserveFrame: want ok on untyped buffer")
	}
	b.PackI32(42)
	b.PackI64(-1)
	b.EndFrame(tok, false)
	b.Commit(true) // force, since untyped Check() needs 3N/4 pending

	sink := &collectingSink{}
	if err := b.WriteToSink(sink); err != nil {
		t.Fatalf("WriteToSink: %v", err)
	}

	out := sink.joined()
	if len(out) == 0 {
		t.Fatal("expected non-empty drained bytes")
	}
	if out[0] != byte(Counter) {
		t.Errorf("frame type byte = %d, want %d", out[0], Counter)
	}
	plen := uint32(out[1]) | uint32(out[2])<<8 | uint32(out[3])<<16 | uint32(out[4])<<24
	// Counter frame has no CPU header; payload is PackI32(42)+PackI64(-1).
	wantPayload := append(append([]byte{}, pack32(42)...), pack64(-1)...)
	if plen != uint32(len(wantPayload)) {
		t.Errorf("backfilled length = %d, want %d", plen, len(wantPayload))
	}
	if !bytesEqual(out[5:5+plen], wantPayload) {
		t.Errorf("payload = % X, want % X", out[5:5+plen], wantPayload)
	}
}

func TestEmptyCommitElided(t *testing.T) {
	b, err := New(4096, false, Summary, 0, 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tok := b.ReserveFrame(Counter, 0)
	// No payload bytes written.
	b.EndFrame(tok, false)
	b.Commit(false)

	if b.c != 0 {
		t.Errorf("commit index advanced on empty frame: c=%d", b.c)
	}
}

func TestAbortRewindsWrite(t *testing.T) {
	b, err := New(4096, false, Summary, 0, 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := b.w
	tok := b.ReserveFrame(Counter, 0)
	b.PackI32(999)
	b.EndFrame(tok, true)

	if b.w != before {
		t.Errorf("abort did not rewind w: got %d, want %d", b.w, before)
	}
}

func TestTypedBufferReopensAfterCommit(t *testing.T) {
	b, err := New(4096, true, PerfAttrs, 3, 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !b.hasCPU {
		t.Fatal("PerfAttrs buffer should carry a CPU header")
	}

	tok := b.ReserveFrame(PerfAttrs, 3)
	if !tok.ok {
		t.Fatal("ReserveFrame on matching typed buffer should succeed")
	}
	b.PackI32(7)
	b.EndFrame(tok, false) // typed: commits unconditionally

	if b.c == 0 {
		t.Error("typed Commit should have advanced c")
	}
	// A replacement frame should already be open (reopened header written).
	if b.w == b.c {
		t.Error("typed buffer should have reopened a new frame header after commit")
	}
}

func TestTypedBufferRejectsWrongType(t *testing.T) {
	b, err := New(4096, true, Summary, 0, 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tok := b.ReserveFrame(Counter, 0)
	if tok.ok {
		t.Fatal("expected ReserveFrame to reject mismatched frame type on typed buffer")
	}
}

func TestCheckSpaceHysteresis(t *testing.T) {
	const capacity = 4096
	b, err := New(capacity, false, Summary, 0, 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !b.CheckSpace(10) {
		t.Fatal("expected space available on fresh buffer")
	}

	// Fill until CheckSpace reports no room (within availablePad of full).
	for b.CheckSpace(100) {
		tok := b.ReserveFrame(Counter, 0)
		b.WriteBytes(make([]byte, 64))
		b.EndFrame(tok, false)
		b.Commit(true)
		if b.w-b.r > capacity {
			t.Fatal("writer overran buffer capacity")
		}
	}

	if b.available {
		t.Error("expected available=false once overflow-gated")
	}

	// Draining only a little should NOT clear the gate (hysteresis):
	// free space must recover to overflowPad, not just availablePad.
	sink := &collectingSink{}
	if err := b.WriteToSink(sink); err != nil {
		t.Fatalf("WriteToSink: %v", err)
	}
	small := b.cap() - (b.w - b.r)
	if small >= overflowPad && b.CheckSpace(10) == false {
		t.Error("CheckSpace should clear once free space reaches overflowPad")
	}
}

func TestWriteToSinkWrapsAroundBuffer(t *testing.T) {
	b, err := New(64, false, Summary, 0, 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink := &collectingSink{}

	// Push several frames through, draining each time, to advance r/w/c well
	// past the first wrap of the small 64-byte ring.
	for i := 0; i < 20; i++ {
		tok := b.ReserveFrame(Counter, 0)
		b.WriteBytes([]byte{byte(i), byte(i + 1), byte(i + 2)})
		b.EndFrame(tok, false)
		b.Commit(true)
		if err := b.WriteToSink(sink); err != nil {
			t.Fatalf("WriteToSink iteration %d: %v", i, err)
		}
	}

	if len(sink.frames) == 0 {
		t.Fatal("expected drained frames across wraparound")
	}
}

func TestIsDone(t *testing.T) {
	b, err := New(4096, true, Summary, 0, 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.IsDone() {
		t.Fatal("fresh buffer should not be done")
	}
	b.SetDone()
	sink := &collectingSink{}
	tok := b.ReserveFrame(Summary, 0)
	b.PackI32(1)
	b.EndFrame(tok, false)
	if err := b.WriteToSink(sink); err != nil {
		t.Fatalf("WriteToSink: %v", err)
	}
	if !b.IsDone() {
		t.Error("buffer should be done once drained and SetDone was called")
	}
}

func pack32(x int32) []byte {
	var out []byte
	v := int64(x)
	for {
		bb := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && bb&0x40 == 0) || (v == -1 && bb&0x40 != 0) {
			out = append(out, bb)
			return out
		}
		out = append(out, bb|0x80)
	}
}

func pack64(x int64) []byte {
	v := x
	var out []byte
	for {
		bb := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && bb&0x40 == 0) || (v == -1 && bb&0x40 != 0) {
			out = append(out, bb)
			return out
		}
		out = append(out, bb|0x80)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

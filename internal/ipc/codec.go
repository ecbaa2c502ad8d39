package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Encode serializes m to its wire form [key][header?][length?][suffix?] and
// appends it to dst, returning the extended slice. The length field —
// frozen as little-endian uint32, see DESIGN.md's Open Question decision —
// is present only when the key's schema carries a suffix.
func Encode(dst []byte, m Message) ([]byte, error) {
	sch, err := lookupSchema(m.Key)
	if err != nil {
		return nil, err
	}

	dst = append(dst, byte(m.Key))
	dst = appendHeader(dst, sch.header, m)

	suffix, err := encodeSuffix(sch.suffix, m)
	if err != nil {
		return nil, err
	}
	if sch.suffix != SuffixNone {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(suffix)))
		dst = append(dst, lenBuf[:]...)
		dst = append(dst, suffix...)
	}

	return dst, nil
}

func appendHeader(dst []byte, hk HeaderKind, m Message) []byte {
	switch hk {
	case HeaderNone:
		return dst
	case HeaderMonotonicPair:
		dst = appendI64(dst, m.Monotonic.Monotonic)
		dst = appendI64(dst, m.Monotonic.MonotonicRaw)
		return dst
	case HeaderAnnotationUID:
		return appendI32(dst, m.AnnotationUID)
	case HeaderCPUStateChange:
		dst = appendI64(dst, m.CPUState.MonotonicDelta)
		dst = appendI32(dst, m.CPUState.CoreNo)
		online := byte(0)
		if m.CPUState.Online {
			online = 1
		}
		return append(dst, online)
	case HeaderCaptureFailedReason:
		return append(dst, byte(m.CaptureFailed))
	default:
		return dst
	}
}

func headerSize(hk HeaderKind) int {
	switch hk {
	case HeaderNone:
		return 0
	case HeaderMonotonicPair:
		return 16
	case HeaderAnnotationUID:
		return 4
	case HeaderCPUStateChange:
		return 13
	case HeaderCaptureFailedReason:
		return 1
	default:
		return 0
	}
}

func encodeSuffix(sk SuffixKind, m Message) ([]byte, error) {
	switch sk {
	case SuffixNone:
		return nil, nil
	case SuffixBlob, SuffixProtobuf:
		return m.Blob, nil
	case SuffixPidList:
		out := make([]byte, 0, len(m.Pids)*4)
		for _, p := range m.Pids {
			out = appendI32(out, p)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("ipc: unhandled suffix kind %d", sk)
	}
}

func appendI32(dst []byte, x int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(x))
	return append(dst, b[:]...)
}

func appendI64(dst []byte, x int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(x))
	return append(dst, b[:]...)
}

// Decode reads one full message from r: the key byte, then whichever
// header/suffix the key's static schema calls for. An unrecognized key
// returns ErrUnknownKey; a short read anywhere returns ErrShortRead
// wrapping the underlying io error. Both are protocol errors — fatal to
// the channel per spec.md §7.
func Decode(r io.Reader) (Message, error) {
	var keyBuf [1]byte
	if _, err := io.ReadFull(r, keyBuf[:]); err != nil {
		return Message{}, fmt.Errorf("%w: reading key: %v", ErrShortRead, err)
	}

	key := Key(keyBuf[0])
	sch, err := lookupSchema(key)
	if err != nil {
		return Message{}, err
	}

	m := Message{Key: key}
	if err := readHeader(r, sch.header, &m); err != nil {
		return Message{}, err
	}

	if sch.suffix != SuffixNone {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Message{}, fmt.Errorf("%w: reading length: %v", ErrShortRead, err)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, payload); err != nil {
				return Message{}, fmt.Errorf("%w: reading suffix: %v", ErrShortRead, err)
			}
		}
		if err := decodeSuffix(sch.suffix, payload, &m); err != nil {
			return Message{}, err
		}
	}

	return m, nil
}

func readHeader(r io.Reader, hk HeaderKind, m *Message) error {
	n := headerSize(hk)
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: reading header: %v", ErrShortRead, err)
	}

	switch hk {
	case HeaderMonotonicPair:
		m.Monotonic.Monotonic = int64(binary.LittleEndian.Uint64(buf[0:8]))
		m.Monotonic.MonotonicRaw = int64(binary.LittleEndian.Uint64(buf[8:16]))
	case HeaderAnnotationUID:
		m.AnnotationUID = int32(binary.LittleEndian.Uint32(buf[0:4]))
	case HeaderCPUStateChange:
		m.CPUState.MonotonicDelta = int64(binary.LittleEndian.Uint64(buf[0:8]))
		m.CPUState.CoreNo = int32(binary.LittleEndian.Uint32(buf[8:12]))
		m.CPUState.Online = buf[12] != 0
	case HeaderCaptureFailedReason:
		m.CaptureFailed = CaptureFailedReason(buf[0])
	}
	return nil
}

func decodeSuffix(sk SuffixKind, payload []byte, m *Message) error {
	switch sk {
	case SuffixBlob, SuffixProtobuf:
		m.Blob = payload
	case SuffixPidList:
		if len(payload)%4 != 0 {
			return fmt.Errorf("%w: pid list length %d not a multiple of 4", ErrShortRead, len(payload))
		}
		m.Pids = make([]int32, len(payload)/4)
		for i := range m.Pids {
			m.Pids[i] = int32(binary.LittleEndian.Uint32(payload[i*4 : i*4+4]))
		}
	}
	return nil
}

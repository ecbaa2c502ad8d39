package extagent

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/gatord/gatord-core/internal/ipc"
)

const readChunkSize = 4096

// estateTag is the fixed handshake prefix the GPU-timeline (Perfetto)
// variant prepends to every relayed chunk, followed by a little-endian
// 32-bit length (spec.md §4.6).
var estateTag = [6]byte{'E', 'S', 'T', 'A', 'T', 'E'}

// Worker relays one accepted connection's byte stream to/from IPC. It is
// created per connection with a monotonically increasing id, matching the
// teacher's per-connection-handler shape generalized from HTTP request
// handling to a raw duplex relay.
type Worker struct {
	id          uint32
	conn        net.Conn
	parent      net.Conn // may be nil if no parent connection was paired
	gpuTimeline bool

	sink *ipc.Sink
	keys keySet

	closeOnce sync.Once
	readBuf   []byte // reused across Read calls to avoid per-chunk allocation
}

type keySet struct {
	newConn   ipc.Key
	recvBytes ipc.Key
	sendBytes ipc.Key
	closeConn ipc.Key
}

var annotationKeys = keySet{
	newConn:   ipc.KeyAnnotationNewConn,
	recvBytes: ipc.KeyAnnotationRecvBytes,
	sendBytes: ipc.KeyAnnotationSendBytes,
	closeConn: ipc.KeyAnnotationCloseConn,
}

var perfettoKeys = keySet{
	newConn:   ipc.KeyPerfettoNewConn,
	recvBytes: ipc.KeyPerfettoRecvBytes,
	sendBytes: ipc.KeyPerfettoSendBytes,
	closeConn: ipc.KeyPerfettoCloseConn,
}

func newWorker(id uint32, conn, parent net.Conn, gpuTimeline bool, sink *ipc.Sink) *Worker {
	keys := annotationKeys
	if gpuTimeline {
		keys = perfettoKeys
	}
	return &Worker{
		id:          id,
		conn:        conn,
		parent:      parent,
		gpuTimeline: gpuTimeline,
		sink:        sink,
		keys:        keys,
		readBuf:     make([]byte, readChunkSize),
	}
}

// run announces the new connection and reads chunks until EOF/error,
// emitting one recv-bytes message per chunk.
func (w *Worker) run() {
	w.sink.Send(ipc.Message{Key: w.keys.newConn, AnnotationUID: int32(w.id)}, nil)

	for {
		n, err := w.conn.Read(w.readBuf)
		if n > 0 {
			payload := w.framePayload(w.readBuf[:n])
			w.sink.Send(ipc.Message{Key: w.keys.recvBytes, AnnotationUID: int32(w.id), Blob: payload}, nil)
		}
		if err != nil {
			w.Close()
			return
		}
	}
}

// framePayload wraps payload with the ESTATE tag and length prefix for the
// GPU-timeline variant, or returns a fresh copy otherwise (the caller's
// read buffer is reused on the next loop iteration, so recv-bytes needs an
// owned slice either way).
func (w *Worker) framePayload(payload []byte) []byte {
	if !w.gpuTimeline {
		return append([]byte(nil), payload...)
	}
	out := make([]byte, 0, len(estateTag)+4+len(payload))
	out = append(out, estateTag[:]...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, payload...)
	return out
}

// SendBytes writes payload to the socket on behalf of a host-issued
// send-bytes message. A short write closes the worker (spec.md §4.6).
func (w *Worker) SendBytes(payload []byte) {
	n, err := w.conn.Write(payload)
	if err != nil || n != len(payload) {
		w.Close()
	}
}

// Close writes the single zero-byte close signal to the parent peer (if
// any), closes both connections, and reports close-conn. Idempotent.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		if w.parent != nil {
			_, _ = w.parent.Write([]byte{0})
			w.parent.Close()
		}
		w.conn.Close()
		w.sink.Send(ipc.Message{Key: w.keys.closeConn, AnnotationUID: int32(w.id)}, nil)
	})
}

// Package ipc implements the typed message channel that the shell and each
// agent child process use to talk over their bidirectional pipe pair
// (spec.md §4.8): a one-byte message key, an optional fixed-size POD
// header, and an optional length-prefixed suffix (opaque bytes or a
// protobuf-encoded blob).
package ipc

import (
	"errors"
	"fmt"
)

// Key is the closed set of IPC message kinds. Values and ordering match
// the wire enum exactly; do not renumber.
type Key uint8

const (
	KeyUnknown Key = iota

	// general
	KeyReady
	KeyShutdown
	KeyStart
	KeyMonitoredPids

	// external annotations
	KeyAnnotationNewConn
	KeyAnnotationRecvBytes
	KeyAnnotationSendBytes
	KeyAnnotationCloseConn

	// Perfetto
	KeyPerfettoNewConn
	KeyPerfettoRecvBytes
	KeyPerfettoSendBytes
	KeyPerfettoCloseConn

	// perf
	KeyPerfCaptureConfiguration
	KeyCaptureReady
	KeyAPCFrameData
	KeyExecTargetApp
	KeyCPUStateChange
	KeyCaptureFailed
	KeyCaptureStarted
)

func (k Key) String() string {
	if s, ok := keyNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Key(%d)", k)
}

var keyNames = map[Key]string{
	KeyUnknown:                  "unknown",
	KeyReady:                    "ready",
	KeyShutdown:                 "shutdown",
	KeyStart:                    "start",
	KeyMonitoredPids:            "monitored_pids",
	KeyAnnotationNewConn:        "annotation_new_conn",
	KeyAnnotationRecvBytes:      "annotation_recv_bytes",
	KeyAnnotationSendBytes:      "annotation_send_bytes",
	KeyAnnotationCloseConn:      "annotation_close_conn",
	KeyPerfettoNewConn:          "perfetto_new_conn",
	KeyPerfettoRecvBytes:        "perfetto_recv_bytes",
	KeyPerfettoSendBytes:        "perfetto_send_bytes",
	KeyPerfettoCloseConn:        "perfetto_close_conn",
	KeyPerfCaptureConfiguration: "perf_capture_configuration",
	KeyCaptureReady:             "capture_ready",
	KeyAPCFrameData:             "apc_frame_data",
	KeyExecTargetApp:            "exec_target_app",
	KeyCPUStateChange:           "cpu_state_change",
	KeyCaptureFailed:            "capture_failed",
	KeyCaptureStarted:           "capture_started",
}

// HeaderKind and SuffixKind describe the static per-key schema (spec.md
// §4.8: "Per-key schema is static").
type HeaderKind uint8

const (
	HeaderNone HeaderKind = iota
	HeaderMonotonicPair
	// HeaderAnnotationUID carries the per-connection id shared by both
	// external-source protocols — the annotation family and its
	// GPU-timeline (Perfetto) counterpart each multiplex many worker
	// connections over one IPC channel, so both need it on every message.
	HeaderAnnotationUID
	HeaderCPUStateChange
	HeaderCaptureFailedReason
)

type SuffixKind uint8

const (
	SuffixNone SuffixKind = iota
	SuffixBlob     // length-prefixed opaque bytes
	SuffixProtobuf // length-prefixed protobuf message
	SuffixPidList  // length-prefixed list of int32 pids
)

// schema is the static wire layout for one Key, mirroring the C++
// original's message_t<Key, HeaderType, SuffixType> template instantiation
// in messages.h.
type schema struct {
	header HeaderKind
	suffix SuffixKind
}

var messageTable = map[Key]schema{
	KeyUnknown:                  {HeaderNone, SuffixNone},
	KeyReady:                    {HeaderNone, SuffixNone},
	KeyShutdown:                 {HeaderNone, SuffixNone},
	KeyStart:                    {HeaderMonotonicPair, SuffixNone},
	KeyMonitoredPids:            {HeaderNone, SuffixPidList},
	KeyAnnotationNewConn:        {HeaderAnnotationUID, SuffixNone},
	KeyAnnotationRecvBytes:      {HeaderAnnotationUID, SuffixBlob},
	KeyAnnotationSendBytes:      {HeaderAnnotationUID, SuffixBlob},
	KeyAnnotationCloseConn:      {HeaderAnnotationUID, SuffixNone},
	KeyPerfettoNewConn:          {HeaderAnnotationUID, SuffixNone},
	KeyPerfettoRecvBytes:        {HeaderAnnotationUID, SuffixBlob},
	KeyPerfettoSendBytes:        {HeaderAnnotationUID, SuffixBlob},
	KeyPerfettoCloseConn:        {HeaderAnnotationUID, SuffixNone},
	KeyPerfCaptureConfiguration: {HeaderNone, SuffixProtobuf},
	KeyCaptureReady:             {HeaderNone, SuffixPidList},
	KeyAPCFrameData:             {HeaderNone, SuffixBlob},
	KeyExecTargetApp:            {HeaderNone, SuffixNone},
	KeyCPUStateChange:           {HeaderCPUStateChange, SuffixNone},
	KeyCaptureFailed:            {HeaderCaptureFailedReason, SuffixNone},
	KeyCaptureStarted:           {HeaderNone, SuffixNone},
}

// Sentinel errors. Protocol errors are fatal to the channel (spec.md §7):
// callers that see one of these from Source.Recv must close the channel
// and trigger agent shutdown.
var (
	ErrUnknownKey          = errors.New("ipc: unknown message key")
	ErrShortRead           = errors.New("ipc: short read")
	ErrOperationInProgress = errors.New("ipc: receive already in progress")
)

// MonotonicPair carries the host's CLOCK_MONOTONIC and CLOCK_MONOTONIC_RAW
// anchor values sent with the start message.
type MonotonicPair struct {
	Monotonic    int64
	MonotonicRaw int64
}

// CPUStateChange is the fixed header of a cpu_state_change message.
type CPUStateChange struct {
	MonotonicDelta int64
	CoreNo         int32
	Online         bool
}

// CaptureFailedReason is the fixed header of a capture_failed message.
type CaptureFailedReason uint8

const (
	ReasonCommandExecFailed CaptureFailedReason = iota
	ReasonWaitForCoresReadyFailed
)

// Message is one decoded IPC message: a key plus whichever header/suffix
// fields the key's schema populates. Only the fields matching the key's
// schema are meaningful; unused fields are zero.
type Message struct {
	Key Key

	AnnotationUID  int32
	Monotonic      MonotonicPair
	CPUState       CPUStateChange
	CaptureFailed  CaptureFailedReason

	Blob []byte
	Pids []int32
}

func lookupSchema(k Key) (schema, error) {
	s, ok := messageTable[k]
	if !ok {
		return schema{}, fmt.Errorf("%w: %d", ErrUnknownKey, k)
	}
	return s, nil
}

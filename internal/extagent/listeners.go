// Package extagent fans external annotation/Perfetto clients into IPC
// (spec.md §4.6, C9): one Worker per accepted connection relays its byte
// stream to the shell as recv-bytes/send-bytes/close-conn messages.
package extagent

import (
	"fmt"
	"net"
)

// ListenSpec names one socket to listen on. Network is "unix", "tcp4", or
// "tcp6". A unix Address beginning with "@" is an abstract-namespace name
// — net.Listen already rewrites the leading "@" to an embedded NUL on
// Linux, so no raw unix.Bind call is needed here (see DESIGN.md).
type ListenSpec struct {
	Network string
	Address string
}

// AnnotationDataSpecs builds the annotation variant's "data" listen specs
// (spec.md §4.6/§9): the configured abstract-namespace UDS name plus
// dual-stack loopback TCP on port.
func AnnotationDataSpecs(udsName string, port int) []ListenSpec {
	return []ListenSpec{
		{"unix", "@" + udsName},
		{"tcp4", fmt.Sprintf("127.0.0.1:%d", port)},
		{"tcp6", fmt.Sprintf("[::1]:%d", port)},
	}
}

// AnnotationParentSpecs builds the annotation variant's "parent" sockets,
// used purely to signal connection close with a single zero byte (spec.md
// §4.6).
func AnnotationParentSpecs(udsName string, port int) []ListenSpec {
	return []ListenSpec{
		{"unix", "@" + udsName},
		{"tcp4", fmt.Sprintf("127.0.0.1:%d", port)},
		{"tcp6", fmt.Sprintf("[::1]:%d", port)},
	}
}

// DefaultDataSpecs are AnnotationDataSpecs with the config package's
// zero-value defaults (see config.applyDefaults).
func DefaultDataSpecs() []ListenSpec {
	return AnnotationDataSpecs("streamline-annotate", 8083)
}

// DefaultParentSpecs are AnnotationParentSpecs with the config package's
// zero-value defaults.
func DefaultParentSpecs() []ListenSpec {
	return AnnotationParentSpecs("streamline-annotate-parent", 8082)
}

// PerfettoDataSpecs are the GPU-timeline variant's "data" sockets: the same
// shape as DefaultDataSpecs but on a distinct port pair so an annotation
// agent and a Perfetto agent can run in the same process simultaneously.
func PerfettoDataSpecs() []ListenSpec {
	return []ListenSpec{
		{"unix", "@gatord_perfetto"},
		{"tcp4", "127.0.0.1:8087"},
		{"tcp6", "[::1]:8087"},
	}
}

// PerfettoParentSpecs are the GPU-timeline variant's "parent" close-signal
// sockets.
func PerfettoParentSpecs() []ListenSpec {
	return []ListenSpec{
		{"unix", "@gatord_perfetto_parent"},
		{"tcp4", "127.0.0.1:8086"},
		{"tcp6", "[::1]:8086"},
	}
}

// Listen opens every spec, closing any already-opened listener if a later
// one fails so a partial bind set is never left behind.
func Listen(specs []ListenSpec) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(specs))
	for _, s := range specs {
		l, err := net.Listen(s.Network, s.Address)
		if err != nil {
			for _, opened := range listeners {
				opened.Close()
			}
			return nil, fmt.Errorf("extagent: listen %s %s: %w", s.Network, s.Address, err)
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}

// CloseAll closes every listener, collecting but not stopping on errors.
func CloseAll(listeners []net.Listener) error {
	var firstErr error
	for _, l := range listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

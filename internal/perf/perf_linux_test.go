//go:build linux

package perf

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestStatusFromErrno(t *testing.T) {
	cases := []struct {
		err  error
		want Status
	}{
		{unix.ENODEV, StatusOffline},
		{unix.ESRCH, StatusInvalidPid},
		{unix.ENOENT, StatusInvalidDevice},
		{unix.EPERM, StatusFatal},
		{unix.EINVAL, StatusFatal},
	}
	for _, c := range cases {
		if got := statusFromErrno(c.err); got != c.want {
			t.Errorf("statusFromErrno(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestLeUint64(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	want := uint64(0x0807060504030201)
	if got := leUint64(b); got != want {
		t.Errorf("leUint64 = %#x, want %#x", got, want)
	}
}

func TestStatusString(t *testing.T) {
	if got := StatusOffline.String(); got != "offline" {
		t.Errorf("String() = %q", got)
	}
	if got := Status(99).String(); got == "" {
		t.Error("unknown Status should not stringify empty")
	}
}

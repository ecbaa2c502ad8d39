package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gatord/gatord-core/internal/config"
)

func writeFakeCPUInfo(t *testing.T, dir string, entries map[int][2]uint64) string {
	t.Helper()
	path := filepath.Join(dir, "cpuinfo")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	for i := 0; i < len(entries); i++ {
		pair, ok := entries[i]
		if !ok {
			continue
		}
		if _, err := f.WriteString("processor\t: " + itoa(i) + "\n"); err != nil {
			t.Fatalf("WriteString: %v", err)
		}
		if _, err := f.WriteString("CPU implementer\t: 0x" + hex(pair[0]) + "\n"); err != nil {
			t.Fatalf("WriteString: %v", err)
		}
		if _, err := f.WriteString("CPU part\t: 0x" + hex(pair[1]) + "\n\n"); err != nil {
			t.Fatalf("WriteString: %v", err)
		}
	}
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func hex(n uint64) string {
	const digits = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%16]
		n /= 16
	}
	return string(buf[i:])
}

func writeFakeSiblingTree(t *testing.T, dir string, groups map[int]string) string {
	t.Helper()
	for core, list := range groups {
		topoDir := filepath.Join(dir, "cpu"+itoa(core), "topology")
		if err := os.MkdirAll(topoDir, 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(filepath.Join(topoDir, "core_siblings_list"), []byte(list+"\n"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	return filepath.Join(dir, "cpu*", "topology", "core_siblings_list")
}

func TestFillCPUIDGapsFillsMissingCPUID(t *testing.T) {
	dir := t.TempDir()
	cpuinfo := writeFakeCPUInfo(t, dir, map[int][2]uint64{
		0: {0x41, 0xd03},
		1: {0x41, 0xd03},
	})
	glob := writeFakeSiblingTree(t, dir, map[int]string{
		0: "0-1",
		1: "0-1",
	})

	cores := []config.CoreInfo{
		{Core: 0, ClusterID: -1, CPUID: 0},
		{Core: 1, ClusterID: -1, CPUID: 0},
	}

	out := fillCPUIDGaps(cores, nil, cpuinfo, glob)
	want := uint32(0x41<<24 | 0xd03)
	for _, c := range out {
		if c.CPUID != want {
			t.Fatalf("core %d CPUID = %#x, want %#x", c.Core, c.CPUID, want)
		}
		if c.ClusterID != 0 {
			t.Fatalf("core %d ClusterID = %d, want 0 (lowest sibling)", c.Core, c.ClusterID)
		}
	}
}

func TestFillCPUIDGapsLeavesKnownClusterAlone(t *testing.T) {
	dir := t.TempDir()
	cpuinfo := writeFakeCPUInfo(t, dir, map[int][2]uint64{0: {0x41, 0xd03}})
	glob := writeFakeSiblingTree(t, dir, map[int]string{0: "0"})

	clusters := []config.ClusterInfo{{ClusterID: 7, Name: "big"}}
	cores := []config.CoreInfo{{Core: 0, ClusterID: 7, CPUID: 0}}

	out := fillCPUIDGaps(cores, clusters, cpuinfo, glob)
	if out[0].ClusterID != 7 {
		t.Fatalf("ClusterID = %d, want unchanged 7", out[0].ClusterID)
	}
	if out[0].CPUID == 0 {
		t.Fatalf("CPUID was not filled in")
	}
}

func TestFillCPUIDGapsMissingFilesLeavesCoresUnchanged(t *testing.T) {
	cores := []config.CoreInfo{{Core: 0, ClusterID: -1, CPUID: 5}}
	out := fillCPUIDGaps(cores, nil, "/nonexistent/cpuinfo", "/nonexistent/cpu*/topology/core_siblings_list")
	if out[0].CPUID != 5 {
		t.Fatalf("CPUID = %d, want unchanged 5", out[0].CPUID)
	}
	if out[0].ClusterID != -1 {
		t.Fatalf("ClusterID = %d, want unchanged -1", out[0].ClusterID)
	}
}

func TestParseCPUList(t *testing.T) {
	tests := []struct {
		in   string
		want []int
	}{
		{"", nil},
		{"0", []int{0}},
		{"0-3", []int{0, 1, 2, 3}},
		{"0,2,4-5", []int{0, 2, 4, 5}},
	}
	for _, tt := range tests {
		got, err := parseCPUList(tt.in)
		if err != nil {
			t.Fatalf("parseCPUList(%q): %v", tt.in, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("parseCPUList(%q) = %v, want %v", tt.in, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("parseCPUList(%q) = %v, want %v", tt.in, got, tt.want)
			}
		}
	}
}

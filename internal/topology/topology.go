// Package topology fills in CPU topology gaps the capture configuration
// didn't carry explicitly (spec.md §4.3's cluster/CPUID resolution),
// reading sysfs and procfs directly rather than depending on libcpuid-style
// tooling (ja7ad-consumption/pkg/system/proc's sysfs/procfs reading
// conventions, generalized from per-process stat reading to per-core
// topology reading).
package topology

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gatord/gatord-core/internal/config"
)

// ErrNoCPUInfo indicates /proc/cpuinfo had no usable "CPU part"/"CPU
// implementer" fields for a given processor index.
var ErrNoCPUInfo = errors.New("topology: no cpuinfo fields for processor")

const (
	sysCPUGlob  = "/sys/devices/system/cpu/cpu*/topology/core_siblings_list"
	procCPUInfo = "/proc/cpuinfo"
)

// FillCPUIDGaps returns a copy of cores with CPUID/ClusterID filled in for
// any entry that's missing one, by reading /proc/cpuinfo (for MIDR-derived
// CPUID) and /sys/devices/system/cpu/cpu*/topology/core_siblings_list (for
// cluster membership). Entries that already carry a non-zero CPUID and a
// valid ClusterID (pointing at clusters) are left untouched.
func FillCPUIDGaps(cores []config.CoreInfo, clusters []config.ClusterInfo) []config.CoreInfo {
	return fillCPUIDGaps(cores, clusters, procCPUInfo, sysCPUGlob)
}

// fillCPUIDGaps is FillCPUIDGaps with the sysfs/procfs paths parameterized,
// so tests can point it at a fake tree instead of the real /proc and /sys.
func fillCPUIDGaps(cores []config.CoreInfo, clusters []config.ClusterInfo, cpuinfoPath, siblingGlob string) []config.CoreInfo {
	out := make([]config.CoreInfo, len(cores))
	copy(out, cores)

	clusterByID := make(map[int]config.ClusterInfo, len(clusters))
	for _, c := range clusters {
		clusterByID[c.ClusterID] = c
	}

	cpuidByCore, _ := readCPUIDs(cpuinfoPath)
	siblingGroups, _ := readSiblingGroups(siblingGlob)

	for i, core := range out {
		if core.CPUID == 0 {
			if id, ok := cpuidByCore[core.Core]; ok {
				out[i].CPUID = id
			}
		}
		if _, known := clusterByID[out[i].ClusterID]; !known {
			if cid, ok := siblingGroupID(siblingGroups, core.Core); ok {
				out[i].ClusterID = cid
			}
		}
	}
	return out
}

// readCPUIDs parses /proc/cpuinfo, building each "processor" index's CPUID
// as (implementer<<24 | part) — the same packing convention perf_event
// attrs use for ARM MIDR-derived identification.
func readCPUIDs(path string) (map[int]uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	result := make(map[int]uint32)
	var processor int
	var haveProcessor bool
	var implementer, part uint64

	flush := func() {
		if haveProcessor && (implementer != 0 || part != 0) {
			result[processor] = uint32(implementer<<24 | (part & 0xfff))
		}
		implementer, part = 0, 0
	}

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			haveProcessor = false
			continue
		}
		key, val, ok := splitCPUInfoLine(line)
		if !ok {
			continue
		}
		switch key {
		case "processor":
			flush()
			n, err := strconv.Atoi(val)
			if err != nil {
				haveProcessor = false
				continue
			}
			processor = n
			haveProcessor = true
		case "CPU implementer":
			implementer, _ = strconv.ParseUint(strings.TrimPrefix(val, "0x"), 16, 32)
		case "CPU part":
			part, _ = strconv.ParseUint(strings.TrimPrefix(val, "0x"), 16, 32)
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCPUInfo, path)
	}
	return result, nil
}

func splitCPUInfoLine(line string) (key, val string, ok bool) {
	i := strings.Index(line, ":")
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
}

// readSiblingGroups maps each core index to the sorted set of core indices
// sharing its core_siblings_list (the cluster proxy for systems that don't
// expose an explicit cluster id).
func readSiblingGroups(glob string) (map[int][]int, error) {
	paths, err := filepath.Glob(glob)
	if err != nil {
		return nil, err
	}
	groups := make(map[int][]int)
	for _, p := range paths {
		core, ok := coreIndexFromSiblingPath(p)
		if !ok {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		siblings, err := parseCPUList(strings.TrimSpace(string(b)))
		if err != nil {
			continue
		}
		groups[core] = siblings
	}
	return groups, nil
}

func coreIndexFromSiblingPath(p string) (int, bool) {
	dir := filepath.Base(filepath.Dir(filepath.Dir(p)))
	if !strings.HasPrefix(dir, "cpu") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(dir, "cpu"))
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseCPUList parses the kernel's "a,b-c,d" cpu-list format used by sysfs
// mask/list files.
func parseCPUList(s string) ([]int, error) {
	var out []int
	if s == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if dash := strings.IndexByte(part, '-'); dash >= 0 {
			lo, err := strconv.Atoi(part[:dash])
			if err != nil {
				return nil, err
			}
			hi, err := strconv.Atoi(part[dash+1:])
			if err != nil {
				return nil, err
			}
			for i := lo; i <= hi; i++ {
				out = append(out, i)
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// siblingGroupID assigns a stable synthetic cluster id to a sibling group:
// the lowest core index in the group, which is consistent across every
// core reporting that same group.
func siblingGroupID(groups map[int][]int, core int) (int, bool) {
	siblings, ok := groups[core]
	if !ok || len(siblings) == 0 {
		return 0, false
	}
	min := siblings[0]
	for _, s := range siblings[1:] {
		if s < min {
			min = s
		}
	}
	return min, true
}

// Package captureevents resolves which threads a capture should attach to
// (spec.md §4.4, C7): walking /proc to enumerate a process tree, freezing
// threads with SIGSTOP when required, and feeding the resulting pid set to
// internal/binding.
package captureevents

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// EnumerateThreads walks /proc/<pid>/task and each task's children files
// recursively, returning the full set of tids reachable from pid. A pid
// whose /proc entry is missing is left out. pid 0 gets no special handling
// here: the overloaded "self-profile" sentinel is stripped from the input
// tids by ResolvePids, so that EnumerateThreads stays a pure tree-walk.
func EnumerateThreads(procRoot string, pid int) ([]int, error) {
	seen := make(map[int]bool)
	if err := walk(procRoot, pid, seen); err != nil {
		return nil, err
	}
	out := make([]int, 0, len(seen))
	for tid := range seen {
		out = append(out, tid)
	}
	return out, nil
}

func walk(procRoot string, pid int, seen map[int]bool) error {
	if seen[pid] {
		return nil
	}
	seen[pid] = true

	taskDir := filepath.Join(procRoot, strconv.Itoa(pid), "task")
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		if os.IsNotExist(err) {
			delete(seen, pid)
			return nil // process exited between discovery and walk
		}
		return fmt.Errorf("captureevents: reading %s: %w", taskDir, err)
	}

	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		seen[tid] = true

		children, err := readChildren(procRoot, pid, tid)
		if err != nil {
			continue
		}
		for _, child := range children {
			if err := walk(procRoot, child, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

func readChildren(procRoot string, pid, tid int) ([]int, error) {
	path := filepath.Join(procRoot, strconv.Itoa(pid), "task", strconv.Itoa(tid), "children")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(data))
	children := make([]int, 0, len(fields))
	for _, f := range fields {
		if n, err := strconv.Atoi(f); err == nil {
			children = append(children, n)
		}
	}
	return children, nil
}

// ResolvePids finalizes the set of tids to track: it strips the
// "self-profile" sentinel pid 0, and — when selfProfile is set — adds the
// agent's own tids (found by walking selfPid) to the result.
func ResolvePids(tids []int, selfProfile bool, selfPid int, procRoot string) ([]int, error) {
	out := make([]int, 0, len(tids))
	for _, t := range tids {
		if t == 0 {
			continue
		}
		out = append(out, t)
	}

	if selfProfile {
		own, err := EnumerateThreads(procRoot, selfPid)
		if err != nil {
			return nil, fmt.Errorf("captureevents: self-profile enumeration: %w", err)
		}
		out = append(out, own...)
	}

	return dedupe(out), nil
}

func dedupe(pids []int) []int {
	seen := make(map[int]bool, len(pids))
	out := make([]int, 0, len(pids))
	for _, p := range pids {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// RemoveExecedPid drops the pid of a just-forked --app target once it has
// been merged into the tracked set via its own tid enumeration (spec.md
// §4.4: "Removes the --app pid after fork-exec").
func RemoveExecedPid(pids []int, execedPid int) []int {
	out := pids[:0:0]
	for _, p := range pids {
		if p != execedPid {
			out = append(out, p)
		}
	}
	return out
}

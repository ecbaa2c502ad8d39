package captureevents

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
)

// writeFakeProcSimple builds a minimal /proc/<pid>/task/<tid>/children tree
// under a temp dir so EnumerateThreads can be exercised without a real
// kernel. tasks maps a process pid to the tids that belong to it; childProcs
// maps a tid to the child process pids it spawned (recorded in that tid's
// children file).
func writeFakeProcSimple(t *testing.T, tasks map[int][]int, childProcs map[int][]int) string {
	t.Helper()
	root := t.TempDir()
	for pid, tids := range tasks {
		for _, tid := range tids {
			dir := filepath.Join(root, strconv.Itoa(pid), "task", strconv.Itoa(tid))
			if err := os.MkdirAll(dir, 0o755); err != nil {
				t.Fatalf("MkdirAll: %v", err)
			}
			children := childProcs[tid]
			fields := make([]string, len(children))
			for i, c := range children {
				fields[i] = strconv.Itoa(c)
			}
			line := ""
			for i, f := range fields {
				if i > 0 {
					line += " "
				}
				line += f
			}
			if err := os.WriteFile(filepath.Join(dir, "children"), []byte(line), 0o644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
		}
	}
	return root
}

func TestEnumerateThreadsSingleTask(t *testing.T) {
	root := writeFakeProcSimple(t, map[int][]int{100: {100}}, nil)
	got, err := EnumerateThreads(root, 100)
	if err != nil {
		t.Fatalf("EnumerateThreads: %v", err)
	}
	assertIntSet(t, got, []int{100})
}

func TestEnumerateThreadsMultipleTasksAndChildProcess(t *testing.T) {
	// pid 100 has tasks 100,101; task 100 spawned child process 200, which
	// itself has tasks 200,201.
	root := writeFakeProcSimple(t,
		map[int][]int{100: {100, 101}, 200: {200, 201}},
		map[int][]int{100: {200}},
	)
	got, err := EnumerateThreads(root, 100)
	if err != nil {
		t.Fatalf("EnumerateThreads: %v", err)
	}
	assertIntSet(t, got, []int{100, 101, 200, 201})
}

func TestEnumerateThreadsMissingProcessIsNotAnError(t *testing.T) {
	root := t.TempDir()
	got, err := EnumerateThreads(root, 9999)
	if err != nil {
		t.Fatalf("EnumerateThreads on missing pid: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

func TestResolvePidsStripsSentinelAndDedupes(t *testing.T) {
	got, err := ResolvePids([]int{0, 5, 5, 7}, false, 0, t.TempDir())
	if err != nil {
		t.Fatalf("ResolvePids: %v", err)
	}
	assertIntSet(t, got, []int{5, 7})
}

func TestResolvePidsAddsSelfProfileTids(t *testing.T) {
	root := writeFakeProcSimple(t, map[int][]int{50: {50, 51}}, nil)
	got, err := ResolvePids([]int{0, 5}, true, 50, root)
	if err != nil {
		t.Fatalf("ResolvePids: %v", err)
	}
	assertIntSet(t, got, []int{5, 50, 51})
}

func TestRemoveExecedPid(t *testing.T) {
	got := RemoveExecedPid([]int{1, 2, 3}, 2)
	assertIntSet(t, got, []int{1, 3})
}

func assertIntSet(t *testing.T, got, want []int) {
	t.Helper()
	gs := append([]int(nil), got...)
	ws := append([]int(nil), want...)
	sort.Ints(gs)
	sort.Ints(ws)
	if len(gs) != len(ws) {
		t.Fatalf("got %v, want %v", gs, ws)
	}
	for i := range gs {
		if gs[i] != ws[i] {
			t.Fatalf("got %v, want %v", gs, ws)
		}
	}
}

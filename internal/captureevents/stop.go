package captureevents

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Resumer is held while a process tree is frozen with SIGSTOP. Closing it
// sends SIGCONT to every stopped pid exactly once. Implements io.Closer.
type Resumer struct {
	pids []int
	once sync.Once
}

// ResolveThreads walks /proc/<pid>/task and children recursively, returning
// every tid reachable from pid. Thin entry point over EnumerateThreads.
func ResolveThreads(procRoot string, pid int) ([]int, error) {
	return EnumerateThreads(procRoot, pid)
}

// Freeze implements the "stop pids" capture mode (spec.md §4.4): it sends
// SIGSTOP to every thread of pid (and its descendants) excluding the
// gatord family itself, re-walks the tree while frozen to merge any
// threads that appeared during the stop window, and returns the full set
// together with a Resumer that the caller must Close once enumeration-
// dependent setup (event binding) has completed.
func Freeze(procRoot string, pid int, excluded map[int]bool) ([]int, *Resumer, error) {
	initial, err := EnumerateThreads(procRoot, pid)
	if err != nil {
		return nil, nil, err
	}

	stopped := make([]int, 0, len(initial))
	for _, tid := range initial {
		if excluded[tid] {
			continue
		}
		if err := unix.Kill(tid, unix.SIGSTOP); err != nil {
			continue // thread may have exited; best-effort
		}
		stopped = append(stopped, tid)
	}
	resumer := &Resumer{pids: stopped}

	// Re-walk while frozen: threads spawned between the initial walk and
	// SIGSTOP delivery need to be discovered and stopped too.
	merged, err := EnumerateThreads(procRoot, pid)
	if err != nil {
		resumer.Close()
		return nil, nil, err
	}
	seen := make(map[int]bool, len(stopped))
	for _, p := range stopped {
		seen[p] = true
	}
	for _, tid := range merged {
		if excluded[tid] || seen[tid] {
			continue
		}
		if err := unix.Kill(tid, unix.SIGSTOP); err != nil {
			continue
		}
		seen[tid] = true
		resumer.pids = append(resumer.pids, tid)
	}

	return merged, resumer, nil
}

// Close sends SIGCONT to every pid stopped by Freeze. Safe to call
// multiple times; only the first call has effect.
func (r *Resumer) Close() error {
	r.once.Do(func() {
		for _, pid := range r.pids {
			_ = unix.Kill(pid, unix.SIGCONT)
		}
	})
	return nil
}

// ExitTracker watches the set of tracked pids across Reconcile calls and
// reports when the last tracked pid has exited, so a capture agent running
// with stop-on-exit semantics knows to terminate (spec.md §4.4: "returns a
// flag telling the capture agent to terminate when the last tracked pid
// exits and stop-on-exit is set").
type ExitTracker struct {
	StopOnExit bool
	tracked    map[int]bool
}

// NewExitTracker seeds the tracker with the initial pid set.
func NewExitTracker(stopOnExit bool, initial []int) *ExitTracker {
	tracked := make(map[int]bool, len(initial))
	for _, p := range initial {
		tracked[p] = true
	}
	return &ExitTracker{StopOnExit: stopOnExit, tracked: tracked}
}

// Reconcile drops any pid from the tracked set that is no longer present
// in live (the current enumeration), and reports whether the tracked set
// has become empty — at which point, if StopOnExit is set, the caller
// should terminate the capture.
func (e *ExitTracker) Reconcile(live []int) (shouldTerminate bool) {
	liveSet := make(map[int]bool, len(live))
	for _, p := range live {
		liveSet[p] = true
	}
	for p := range e.tracked {
		if !liveSet[p] {
			delete(e.tracked, p)
		}
	}
	return len(e.tracked) == 0 && e.StopOnExit
}

// Untrack removes a single pid, e.g. after RemoveExecedPid drops the
// forked --app pid once its exec'd image's own tids are tracked instead.
func (e *ExitTracker) Untrack(pid int) {
	delete(e.tracked, pid)
}

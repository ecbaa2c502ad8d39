package captureevents

import "testing"

func TestExitTrackerTerminatesWhenLastPidExits(t *testing.T) {
	tr := NewExitTracker(true, []int{10, 20})

	if tr.Reconcile([]int{10, 20}) {
		t.Fatal("should not terminate while pids still live")
	}
	if tr.Reconcile([]int{10}) {
		t.Fatal("should not terminate while one pid remains")
	}
	if !tr.Reconcile(nil) {
		t.Fatal("expected termination once all tracked pids have exited")
	}
}

func TestExitTrackerDoesNotTerminateWithoutStopOnExit(t *testing.T) {
	tr := NewExitTracker(false, []int{10})
	if tr.Reconcile(nil) {
		t.Fatal("should never terminate when StopOnExit is false")
	}
}

func TestExitTrackerUntrack(t *testing.T) {
	tr := NewExitTracker(true, []int{10, 20})
	tr.Untrack(20)
	if !tr.Reconcile([]int{20}) {
		t.Fatal("expected termination: only untracked pid remains live")
	}
}

func TestResumerCloseIsIdempotent(t *testing.T) {
	r := &Resumer{pids: []int{}}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

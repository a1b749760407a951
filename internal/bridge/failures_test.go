package bridge

import "testing"

func TestFailureDeduplication(t *testing.T) {
	tracker := NewFailureTracker()

	if !tracker.Record("t1", FailureSync, "timeout") {
		t.Fatal("first failure suppressed")
	}
	if tracker.Record("t1", FailureSync, "timeout") {
		t.Fatal("repeat cause not suppressed")
	}
	if !tracker.Record("t1", FailureSync, "connection refused") {
		t.Fatal("new cause suppressed")
	}
	// Back to the earlier cause: it is no longer the last one, so report.
	if !tracker.Record("t1", FailureSync, "timeout") {
		t.Fatal("cause change back suppressed")
	}
}

func TestFailureKindsIndependent(t *testing.T) {
	tracker := NewFailureTracker()
	tracker.Record("t1", FailureSync, "timeout")
	if !tracker.Record("t1", FailureStatus, "timeout") {
		t.Fatal("kinds should not share records")
	}
	if !tracker.Record("t2", FailureSync, "timeout") {
		t.Fatal("tickets should not share records")
	}
}

func TestClearSuccessResurfacesFailure(t *testing.T) {
	tracker := NewFailureTracker()
	tracker.Record("t1", FailureSync, "timeout")
	tracker.ClearSuccess("t1", FailureSync)
	if !tracker.Record("t1", FailureSync, "timeout") {
		t.Fatal("failure after success suppressed")
	}
}

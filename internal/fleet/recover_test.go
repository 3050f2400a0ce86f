package fleet

import (
	"context"
	"errors"
	"testing"

	"buildfarm/internal/store"
)

func newTestRecoverer(st *fakeStore) *Recoverer {
	return NewRecoverer(st, testLogger(), testMetrics(), Thresholds{JobReset: 5, BuilderFailure: 5})
}

func TestRecoverFailureCountsOncePerJudgement(t *testing.T) {
	st := newFakeStore()
	v := testVitals()
	v.Job = testJob(store.JobStatusRunning, "c")

	r := newTestRecoverer(st)
	if err := r.RecoverFailure(context.Background(), v, errors.New("boom"), true); err != nil {
		t.Fatal(err)
	}

	calls := st.recorded()
	if countCalls(calls, "IncrementBuilderFailure") != 1 {
		t.Errorf("builder counter bumped %d times", countCalls(calls, "IncrementBuilderFailure"))
	}
	if countCalls(calls, "IncrementBuildFailure") != 1 {
		t.Errorf("build counter bumped %d times", countCalls(calls, "IncrementBuildFailure"))
	}
	if !st.tx.committed {
		t.Error("verdict not committed")
	}
}

func TestRecoverFailureBuilderAhead(t *testing.T) {
	st := newFakeStore()
	st.builderFailures = 3 // next increment: 4, job lands at 1
	v := testVitals()
	v.Job = testJob(store.JobStatusRunning, "c")

	r := newTestRecoverer(st)
	if err := r.RecoverFailure(context.Background(), v, errors.New("boom"), true); err != nil {
		t.Fatal(err)
	}

	calls := st.recorded()
	if countCalls(calls, "SetBuilderCleanStatus(7,dirty") != 1 {
		t.Errorf("builder not dirtied when it is the likelier culprit: %v", calls)
	}
	if countCalls(calls, "RequeueJob") != 1 {
		t.Errorf("job not requeued: %v", calls)
	}
}

func TestRecoverFailureDisablesBuilderAtThreshold(t *testing.T) {
	st := newFakeStore()
	st.builderFailures = 4 // next increment crosses the threshold of 5
	v := testVitals()
	v.Job = testJob(store.JobStatusRunning, "c")

	r := newTestRecoverer(st)
	if err := r.RecoverFailure(context.Background(), v, errors.New("boom"), true); err != nil {
		t.Fatal(err)
	}

	calls := st.recorded()
	if countCalls(calls, "DisableBuilder") != 1 {
		t.Errorf("builder not disabled at its failure threshold: %v", calls)
	}
	if countCalls(calls, "RequeueJob") != 1 {
		t.Errorf("innocent job not requeued: %v", calls)
	}
}

func TestRecoverFailureNeverFailsBuiltBuild(t *testing.T) {
	st := newFakeStore()
	v := testVitals()
	v.Job = testJob(store.JobStatusRunning, "c")
	v.Job.Build.Status = store.BuildStatusBuilt

	r := newTestRecoverer(st)
	cause := &IsolationError{Reason: "clean but building"}
	if err := r.RecoverFailure(context.Background(), v, cause, true); err != nil {
		t.Fatal(err)
	}

	calls := st.recorded()
	if countCalls(calls, "FailBuild") != 0 {
		t.Fatalf("a built build was flipped to failed: %v", calls)
	}
	if countCalls(calls, "DetachJob") != 1 {
		t.Errorf("stray job not detached: %v", calls)
	}
	if countCalls(calls, "DisableBuilder") != 1 {
		t.Errorf("isolation violation did not disable the builder: %v", calls)
	}
}

func TestRecoverFailureFinalizesCancellingJobAsCancelled(t *testing.T) {
	st := newFakeStore()
	v := testVitals()
	v.Job = testJob(store.JobStatusCancelling, "c")

	r := newTestRecoverer(st)
	if err := r.RecoverFailure(context.Background(), v, errors.New("cancel timed out"), false); err != nil {
		t.Fatal(err)
	}

	calls := st.recorded()
	if countCalls(calls, "MarkJobCancelled") != 1 {
		t.Errorf("cancelling job not finalized as cancelled: %v", calls)
	}
	if countCalls(calls, "RequeueJob") != 0 {
		t.Errorf("cancelling job requeued instead of cancelled: %v", calls)
	}
}

func TestRecoverFailureRollsBackOnError(t *testing.T) {
	st := newFakeStore()
	st.errs["RequeueJob"] = errors.New("db down")
	v := testVitals()
	v.Job = testJob(store.JobStatusRunning, "c")

	r := newTestRecoverer(st)
	if err := r.RecoverFailure(context.Background(), v, errors.New("boom"), false); err == nil {
		t.Fatal("expected an error when the verdict cannot be applied")
	}
	if st.tx.committed {
		t.Error("partial verdict committed")
	}
	if !st.tx.rolledBack {
		t.Error("transaction not rolled back")
	}
}

func TestNoteSuccessResetsOnlyNonZeroCounters(t *testing.T) {
	st := newFakeStore()
	v := testVitals()

	r := newTestRecoverer(st)
	r.NoteSuccess(context.Background(), v)
	if calls := st.recorded(); len(calls) != 0 {
		t.Errorf("zero counters still reset: %v", calls)
	}

	v.FailureCount = 2
	v.Job = testJob(store.JobStatusRunning, "c")
	v.Job.Build.FailureCount = 1
	r.NoteSuccess(context.Background(), v)

	calls := st.recorded()
	if countCalls(calls, "ResetBuilderFailure") != 1 || countCalls(calls, "ResetBuildFailure") != 1 {
		t.Errorf("counters not reset after success: %v", calls)
	}
}

package fleet

import (
	"errors"
	"fmt"
	"time"

	"buildfarm/internal/workerapi"
)

// IsolationError reports a builder/worker state combination that should
// be structurally impossible. It indicates backend corruption serious
// enough that retrying is unsafe: both builder and job are failed in
// the same cycle.
type IsolationError struct {
	Reason string
}

func (e *IsolationError) Error() string {
	return "isolation violation: " + e.Reason
}

// lostJobError means the worker's state disagrees with the attached
// job: the job was lost (for example after a crash) or belongs to a
// prior attempt. The job is requeued without blaming the builder.
type lostJobError struct {
	reason string
}

func (e *lostJobError) Error() string {
	return "lost job: " + e.reason
}

// cancelTimeoutError means a cancelling build failed to stop within the
// cancellation budget and must be finalized through recovery.
type cancelTimeoutError struct {
	elapsed time.Duration
}

func (e *cancelTimeoutError) Error() string {
	return fmt.Sprintf("build did not stop within %s of abort", e.elapsed)
}

// FailureKind classifies the error that triggered a judgement.
type FailureKind int

const (
	// FailureGeneric covers transient RPC faults, database errors and
	// lost jobs: anything where retrying or requeueing is sane.
	FailureGeneric FailureKind = iota
	// FailureIsolation short-circuits the decision table: builder and
	// job are failed immediately.
	FailureIsolation
)

func classifyFailure(err error) FailureKind {
	var iso *IsolationError
	if errors.As(err, &iso) {
		return FailureIsolation
	}
	return FailureGeneric
}

// isTransient reports whether an error may still resolve on its own and
// is worth silent retries below the scan-retry threshold. Only worker
// RPC faults qualify; inconsistencies are judged immediately.
func isTransient(err error) bool {
	var fault *workerapi.Fault
	return errors.As(err, &fault)
}

// retryable reports whether judgement may keep withholding a verdict.
// Lost jobs and cancellation timeouts already know retrying is
// pointless and force an immediate job reset.
func retryable(err error) bool {
	var lost *lostJobError
	var cancel *cancelTimeoutError
	return !errors.As(err, &lost) && !errors.As(err, &cancel)
}

func isCancelTimeout(err error) bool {
	var cancel *cancelTimeoutError
	return errors.As(err, &cancel)
}

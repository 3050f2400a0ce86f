package fleet

import (
	"context"
	"fmt"
	"log/slog"

	"buildfarm/internal/store"
)

// Recoverer applies a judged failure to the job-queue store: it bumps
// the persisted failure counters exactly once per judged failure,
// applies the verdict's job and builder actions in one transaction, and
// emits the corresponding metrics.
type Recoverer struct {
	store      store.Store
	log        *slog.Logger
	metrics    *Metrics
	thresholds Thresholds
}

// NewRecoverer wires a recoverer.
func NewRecoverer(st store.Store, log *slog.Logger, metrics *Metrics, thresholds Thresholds) *Recoverer {
	return &Recoverer{
		store:      st,
		log:        log,
		metrics:    metrics,
		thresholds: thresholds,
	}
}

// RecoverFailure judges a scan failure and applies the verdict.
func (r *Recoverer) RecoverFailure(ctx context.Context, v *Vitals, cause error, retry bool) error {
	r.metrics.ScanFailed(ctx, v)

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin recovery transaction: %w", err)
	}
	defer tx.Rollback()

	builderCount, err := r.store.IncrementBuilderFailure(ctx, tx, v.ID)
	if err != nil {
		return err
	}
	jobCount := 0
	if v.Job != nil {
		jobCount, err = r.store.IncrementBuildFailure(ctx, tx, v.Job.BuildID)
		if err != nil {
			return err
		}
	}

	kind := classifyFailure(cause)
	verdict := JudgeFailure(builderCount, jobCount, kind, retry, r.thresholds)

	log := r.log.With(
		"builder", v.Name,
		"builder_failures", builderCount,
		"job_failures", jobCount,
		"builder_action", verdict.Builder.String(),
		"job_action", verdict.Job.String(),
	)
	log.Warn("scan failure judged", "error", cause)

	if v.Job != nil {
		if err := r.applyJobAction(ctx, tx, v, verdict.Job); err != nil {
			return err
		}
	}
	if err := r.applyBuilderAction(ctx, tx, v, verdict.Builder, cause); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Recoverer) applyJobAction(ctx context.Context, tx store.Tx, v *Vitals, action Action) error {
	job := v.Job
	switch action {
	case ActionReset:
		if job.Status == store.JobStatusCancelling || job.Status == store.JobStatusCancelled {
			// A job reset mid-cancellation finalizes as CANCELLED, not WAITING.
			if err := r.store.MarkJobCancelled(ctx, tx, job.ID); err != nil {
				return fmt.Errorf("failed to finalize cancelled job %s: %w", job.ID, err)
			}
			r.metrics.JobCancelled(ctx, v)
			return nil
		}
		if err := r.store.RequeueJob(ctx, tx, job.ID); err != nil {
			return fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
		}
		r.metrics.JobReset(ctx, v)
	case ActionFail:
		if job.Build != nil && job.Build.Status == store.BuildStatusBuilt {
			// A build that already reached its success status must
			// never be flipped to failed by a stray scan. Discard the
			// job and leave the build alone.
			r.log.Error("refusing to fail an already built build",
				"builder", v.Name, "job", job.ID, "build", job.BuildID)
			if err := r.store.DetachJob(ctx, tx, job.ID); err != nil {
				return fmt.Errorf("failed to detach job %s: %w", job.ID, err)
			}
		} else {
			if err := r.store.FailBuild(ctx, tx, job.ID, job.BuildID); err != nil {
				return fmt.Errorf("failed to fail build %s: %w", job.BuildID, err)
			}
		}
		r.metrics.JobFailed(ctx, v)
	}
	return nil
}

func (r *Recoverer) applyBuilderAction(ctx context.Context, tx store.Tx, v *Vitals, action Action, cause error) error {
	switch action {
	case ActionReset:
		if err := r.store.SetBuilderCleanStatus(ctx, tx, v.ID, store.CleanStatusDirty); err != nil {
			return fmt.Errorf("failed to dirty builder %s: %w", v.Name, err)
		}
		r.metrics.BuilderReset(ctx, v)
	case ActionFail:
		if err := r.store.DisableBuilder(ctx, tx, v.ID, cause.Error()); err != nil {
			return fmt.Errorf("failed to disable builder %s: %w", v.Name, err)
		}
		r.log.Error("builder disabled", "builder", v.Name, "reason", cause)
		r.metrics.BuilderFailed(ctx, v)
	}
	return nil
}

// NoteSuccess resets the persisted failure counters after a clean
// cycle. Counters only ever reset to zero on an intervening success.
func (r *Recoverer) NoteSuccess(ctx context.Context, v *Vitals) {
	if v.FailureCount > 0 {
		if err := r.store.ResetBuilderFailure(ctx, v.ID); err != nil {
			r.log.Warn("failed to reset builder failure count",
				"builder", v.Name, "error", err)
		}
	}
	if v.Job != nil && v.Job.Build != nil && v.Job.Build.FailureCount > 0 {
		if err := r.store.ResetBuildFailure(ctx, v.Job.BuildID); err != nil {
			r.log.Warn("failed to reset build failure count",
				"build", v.Job.BuildID, "error", err)
		}
	}
}

package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"buildfarm/internal/logger"
	"buildfarm/internal/store"
	"buildfarm/internal/workerapi"
	"buildfarm/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ScanConfig holds the per-scanner policy knobs.
type ScanConfig struct {
	// ScanInterval is the pause between cycles for one builder.
	ScanInterval time.Duration
	// CancelTimeout is the wall-clock budget, measured from the moment
	// abort is first issued, for a cancelling build to stop.
	CancelTimeout time.Duration
	// RetryThreshold is the number of consecutive transient failures
	// tolerated before a failure is judged.
	RetryThreshold int
}

// Scanner drives the scan cycle for one builder: it contacts the
// worker, checks isolation invariants, dispatches or tracks a build,
// and runs the cancellation sub-protocol.
type Scanner struct {
	name      string
	factory   Factory
	store     store.Store
	worker    workerapi.Client
	recoverer *Recoverer
	buffer    *LogBuffer
	log       *slog.Logger
	metrics   *Metrics
	cfg       ScanConfig

	// In-memory cycle state. Everything persisted lives in the store;
	// losing this state on restart only costs one extra abort or a few
	// silent retries.
	consecutiveFailures int
	lastCompleted       time.Time

	// expectedCookie caches the attached job's cookie so it is not
	// re-derived every cycle.
	cookieJob      uuid.UUID
	expectedCookie string

	// abortSentAt is non-zero while an abort for abortCookie is
	// outstanding. Re-observing CANCELLING with an abort already sent
	// is a no-op.
	abortSentAt time.Time
	abortCookie string
}

// NewScanner wires a scanner for one builder.
func NewScanner(name string, factory Factory, st store.Store, worker workerapi.Client,
	recoverer *Recoverer, buffer *LogBuffer, log *slog.Logger, metrics *Metrics, cfg ScanConfig) *Scanner {
	return &Scanner{
		name:      name,
		factory:   factory,
		store:     st,
		worker:    worker,
		recoverer: recoverer,
		buffer:    buffer,
		log:       logger.ForBuilder(log, name),
		metrics:   metrics,
		cfg:       cfg,
	}
}

// Loop runs periodic scans until the context is cancelled. The first
// scan is delayed by a random fraction of the interval so a large fleet
// does not hit the database in lockstep.
func (s *Scanner) Loop(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(s.cfg.ScanInterval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		s.Scan(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Scan runs one cycle and routes any failure through judgement.
func (s *Scanner) Scan(ctx context.Context) {
	tracer := otel.Tracer("builddmgr")
	ctx, span := tracer.Start(ctx, "scan",
		trace.WithAttributes(attribute.String("builder", s.name)))
	defer span.End()

	// Never act on a snapshot older than our own previous cycle: a
	// dispatch may have happened since it was taken.
	if s.factory.LastRefreshed().Before(s.lastCompleted) {
		if err := s.factory.Update(ctx); err != nil {
			s.log.Warn("snapshot refresh failed, skipping cycle", "error", err)
			return
		}
	}

	vitals, err := s.factory.GetVitals(s.name)
	if err != nil {
		s.log.Warn("builder missing from snapshot, skipping cycle", "error", err)
		return
	}

	s.metrics.ScanCycle(ctx, vitals)

	err = s.cycle(ctx, vitals)
	if err == nil {
		s.recoverer.NoteSuccess(ctx, vitals)
		s.consecutiveFailures = 0
		s.lastCompleted = time.Now()
		return
	}

	span.RecordError(err)

	if isTransient(err) {
		s.consecutiveFailures++
		if s.consecutiveFailures < s.cfg.RetryThreshold {
			// Noise until the threshold: no persisted state moves.
			s.metrics.ScanRetried(ctx, vitals)
			s.log.Warn("scan failed, will retry",
				"error", err, "consecutive", s.consecutiveFailures)
			s.lastCompleted = time.Now()
			return
		}
	}
	s.consecutiveFailures = 0

	if rerr := s.recoverer.RecoverFailure(ctx, vitals, err, retryable(err)); rerr != nil {
		s.log.Error("failure recovery failed", "error", rerr, "cause", err)
	}

	// A cancellation timeout additionally forces the worker back to a
	// clean slate. Only virtualized workers can be reset remotely;
	// bare-metal ones stay dirty for the cleanup automation.
	if isCancelTimeout(err) && vitals.Virtualized {
		if rerr := s.worker.Resume(ctx); rerr != nil {
			s.log.Warn("forced reset after cancel timeout failed", "error", rerr)
		}
	}

	s.lastCompleted = time.Now()
}

// cycle observes the worker and advances one step of the state machine.
// It returns nil on the idle-clean, dispatched, building-updated and
// cancelling outcomes; anything else is an error for judgement.
func (s *Scanner) cycle(ctx context.Context, v *Vitals) error {
	status, err := s.worker.Status(ctx)
	if err != nil {
		return err
	}

	if status.Version != "" && status.Version != v.Version {
		// Version drift is informational; never fails the cycle.
		if err := s.store.RecordBuilderVersion(ctx, v.ID, status.Version); err != nil {
			s.log.Warn("failed to record worker version", "error", err)
		}
	}

	busy := status.State == api.WorkerStateBuilding || status.State == api.WorkerStateWaiting

	if v.Clean == store.CleanStatusClean {
		if v.Job != nil {
			return &IsolationError{
				Reason: fmt.Sprintf("builder is clean but job %s is attached", v.Job.ID),
			}
		}
		if busy {
			return &IsolationError{
				Reason: fmt.Sprintf("builder is clean but worker reports %s", status.State),
			}
		}
	}

	if v.Job != nil {
		return s.trackJob(ctx, v, status)
	}
	s.clearAbort()

	if busy {
		// Leftovers from a crash, or a prior attempt the store no
		// longer knows about. Stop it and route through recovery.
		if err := s.worker.Abort(ctx); err != nil {
			s.log.Warn("failed to abort unknown build", "error", err)
		}
		return &lostJobError{
			reason: fmt.Sprintf("worker is %s build %q but no job is attached",
				status.State, status.BuildID),
		}
	}

	if !v.OK {
		// Disabled builders are observed, never driven.
		return nil
	}

	if v.Clean != store.CleanStatusClean {
		return s.resetWorker(ctx, v)
	}

	return s.dispatch(ctx, v)
}

// trackJob handles a builder with an attached job.
func (s *Scanner) trackJob(ctx context.Context, v *Vitals, status *api.WorkerStatus) error {
	job := v.Job

	if status.State == api.WorkerStateIdle {
		if job.Status == store.JobStatusCancelling {
			// The abort landed; finalize the cancellation.
			return s.finalizeCancel(ctx, v, job)
		}
		return &lostJobError{
			reason: fmt.Sprintf("worker is idle but job %s is attached", job.ID),
		}
	}

	expected := s.expectedCookieFor(job)
	if status.BuildID != expected {
		// The worker is building the wrong thing: a prior attempt or a
		// build we have no record of. Stop it; recovery requeues ours.
		if err := s.worker.Abort(ctx); err != nil {
			s.log.Warn("failed to abort mismatched build", "error", err)
		}
		return &lostJobError{
			reason: fmt.Sprintf("worker reports cookie %q, expected %q",
				status.BuildID, expected),
		}
	}

	if status.LogTail != "" {
		s.buffer.Set(job.ID, status.LogTail)
	}

	if job.Status == store.JobStatusCancelling {
		return s.driveCancel(ctx, job)
	}
	return nil
}

// driveCancel issues abort at most once per transition into CANCELLING
// and escalates once the cancellation budget is spent.
func (s *Scanner) driveCancel(ctx context.Context, job *store.Job) error {
	cookie := s.expectedCookieFor(job)

	if s.abortSentAt.IsZero() || s.abortCookie != cookie {
		if err := s.worker.Abort(ctx); err != nil {
			// Abort not recorded as sent; retried next cycle.
			return err
		}
		s.abortSentAt = time.Now()
		s.abortCookie = cookie
		s.log.Info("abort requested", "job", job.ID)
		return nil
	}

	if elapsed := time.Since(s.abortSentAt); elapsed >= s.cfg.CancelTimeout {
		s.clearAbort()
		return &cancelTimeoutError{elapsed: elapsed}
	}
	return nil
}

// finalizeCancel marks the job cancelled and leaves the builder dirty
// for the next cycle's reset.
func (s *Scanner) finalizeCancel(ctx context.Context, v *Vitals, job *store.Job) error {
	if err := s.store.MarkJobCancelled(ctx, nil, job.ID); err != nil {
		return fmt.Errorf("failed to finalize cancelled job %s: %w", job.ID, err)
	}
	if err := s.store.SetBuilderCleanStatus(ctx, nil, v.ID, store.CleanStatusDirty); err != nil {
		return fmt.Errorf("failed to dirty builder after cancel: %w", err)
	}
	s.clearAbort()
	s.metrics.JobCancelled(ctx, v)
	s.log.Info("build cancelled", "job", job.ID)
	return nil
}

// resetWorker returns a dirty builder to a known-clean state. A failed
// reset leaves the builder dirty; it is never silently marked clean.
func (s *Scanner) resetWorker(ctx context.Context, v *Vitals) error {
	if v.Clean == store.CleanStatusDirty {
		if err := s.store.SetBuilderCleanStatus(ctx, nil, v.ID, store.CleanStatusCleaning); err != nil {
			return fmt.Errorf("failed to mark builder cleaning: %w", err)
		}
	}

	if err := s.worker.Resume(ctx); err != nil {
		return err
	}
	if err := s.worker.Echo(ctx, s.name); err != nil {
		return err
	}

	if err := s.store.SetBuilderCleanStatus(ctx, nil, v.ID, store.CleanStatusClean); err != nil {
		return fmt.Errorf("failed to mark builder clean: %w", err)
	}
	s.log.Info("builder reset to clean")
	return nil
}

// dispatch hands the best-fit candidate to an idle, clean builder.
func (s *Scanner) dispatch(ctx context.Context, v *Vitals) error {
	job, err := s.factory.AcquireCandidate(ctx, v)
	if err != nil {
		return err
	}
	if job == nil {
		// Idle-clean: nothing matches this builder right now.
		return nil
	}

	var spec api.BuildSpec
	if len(job.Spec) > 0 {
		if err := json.Unmarshal(job.Spec, &spec); err != nil {
			return fmt.Errorf("job %s has an unreadable build spec: %w", job.ID, err)
		}
	}

	// If a dispatch RPC fails mid-sequence the job stays attached; the
	// next cycle finds a builder that looks like it is building without
	// having succeeded, which routes through invariant checking rather
	// than a special-cased rollback.
	for _, file := range spec.Files {
		if err := s.worker.EnsurePresent(ctx, file); err != nil {
			return err
		}
	}
	if err := s.worker.Build(ctx, api.BuildRequest{
		BuildID: *job.Cookie,
		Kind:    spec.Kind,
		Files:   spec.Files,
		Args:    spec.Args,
	}); err != nil {
		return err
	}

	s.cookieJob = job.ID
	s.expectedCookie = *job.Cookie
	s.log.Info("build dispatched", "job", job.ID, "build", job.BuildID, "score", job.Score)
	return nil
}

func (s *Scanner) expectedCookieFor(job *store.Job) string {
	if job.ID != s.cookieJob {
		s.cookieJob = job.ID
		s.expectedCookie = ""
		if job.Cookie != nil {
			s.expectedCookie = *job.Cookie
		}
	}
	return s.expectedCookie
}

func (s *Scanner) clearAbort() {
	s.abortSentAt = time.Time{}
	s.abortCookie = ""
}

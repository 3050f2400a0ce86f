package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"buildfarm/internal/store"

	"github.com/google/uuid"
)

// ErrBuilderUnknown is returned by GetVitals for a builder the factory
// has never seen.
var ErrBuilderUnknown = errors.New("fleet: unknown builder")

// Factory produces per-cycle builder snapshots and selects candidate
// jobs. A test double can be substituted without touching the scanner.
type Factory interface {
	// Update bulk-refreshes the cached snapshot of all builders and
	// jobs in a bounded number of queries.
	Update(ctx context.Context) error

	// LastRefreshed is the time of the last completed Update. Scanners
	// compare it against their own last completed cycle and skip a
	// cycle rather than act on data known to be obsolete.
	LastRefreshed() time.Time

	// GetVitals returns the snapshot for one builder.
	GetVitals(name string) (*Vitals, error)

	// IterVitals returns snapshots for all known builders.
	IterVitals() []*Vitals

	// FindCandidate returns the highest-score queued job this builder
	// can run, removing it from the in-process pool so two scanners
	// never receive the same candidate within one refresh window.
	FindCandidate(v *Vitals) *store.Job

	// AcquireCandidate finds a candidate and attaches it to the
	// builder, re-checking ownership afterwards in case a concurrent
	// dispatch claimed the job first. Returns nil without error when
	// there is nothing to dispatch.
	AcquireCandidate(ctx context.Context, v *Vitals) (*store.Job, error)
}

// PrefetchedFactory loads all builders, their attached jobs and the
// candidate pool in three queries per refresh. Scanning hundreds of
// builders with one query each is too slow; prefetching amortizes the
// cost across the whole cycle.
type PrefetchedFactory struct {
	store store.Store

	// refreshMu serializes refreshes so concurrent scanners coalesce
	// onto one set of queries.
	refreshMu sync.Mutex

	mu            sync.Mutex
	builders      map[string]*Vitals
	pending       []*store.Job
	lastRefreshed time.Time
}

// NewPrefetchedFactory creates an empty factory; call Update before
// iterating.
func NewPrefetchedFactory(st store.Store) *PrefetchedFactory {
	return &PrefetchedFactory{
		store:    st,
		builders: make(map[string]*Vitals),
	}
}

// Update bulk-refreshes the snapshot.
func (f *PrefetchedFactory) Update(ctx context.Context) error {
	start := time.Now()

	f.refreshMu.Lock()
	defer f.refreshMu.Unlock()

	// Another scanner may have refreshed while we waited on the lock.
	if f.LastRefreshed().After(start) {
		return nil
	}

	builders, err := f.store.ListBuilders(ctx)
	if err != nil {
		return fmt.Errorf("failed to prefetch builders: %w", err)
	}
	attached, err := f.store.ListAttachedJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to prefetch attached jobs: %w", err)
	}
	candidates, err := f.store.ListCandidateJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to prefetch candidate jobs: %w", err)
	}

	jobByBuilder := make(map[int64]*store.Job, len(attached))
	for i := range attached {
		job := &attached[i]
		if job.BuilderID != nil {
			jobByBuilder[*job.BuilderID] = job
		}
	}

	snapshot := make(map[string]*Vitals, len(builders))
	for _, b := range builders {
		snapshot[b.Name] = newVitals(b, jobByBuilder[b.ID])
	}
	pending := make([]*store.Job, len(candidates))
	for i := range candidates {
		pending[i] = &candidates[i]
	}

	f.mu.Lock()
	f.builders = snapshot
	f.pending = pending
	f.lastRefreshed = time.Now()
	f.mu.Unlock()

	return nil
}

// LastRefreshed is the time of the last completed Update.
func (f *PrefetchedFactory) LastRefreshed() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRefreshed
}

// GetVitals returns the snapshot for one builder.
func (f *PrefetchedFactory) GetVitals(name string) (*Vitals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.builders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBuilderUnknown, name)
	}
	return v, nil
}

// IterVitals returns snapshots for all known builders.
func (f *PrefetchedFactory) IterVitals() []*Vitals {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := make([]*Vitals, 0, len(f.builders))
	for _, v := range f.builders {
		all = append(all, v)
	}
	return all
}

// FindCandidate pops the best-fit candidate from the in-process pool.
// The pool is ordered by descending score, so the first match wins.
// This is in-process de-duplication, not a database lock.
func (f *PrefetchedFactory) FindCandidate(v *Vitals) *store.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, job := range f.pending {
		if candidateMatches(v, job) {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return job
		}
	}
	return nil
}

// AcquireCandidate finds a candidate, attaches it, and re-checks
// ownership before trusting the attachment.
func (f *PrefetchedFactory) AcquireCandidate(ctx context.Context, v *Vitals) (*store.Job, error) {
	job := f.FindCandidate(v)
	if job == nil {
		return nil, nil
	}

	cookie := uuid.NewString()
	if err := f.store.AttachJob(ctx, job.ID, v.ID, cookie); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost the race to a concurrent dispatch.
			return nil, nil
		}
		return nil, fmt.Errorf("failed to attach job %s: %w", job.ID, err)
	}

	owner, err := f.store.JobBuilder(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-check job %s attachment: %w", job.ID, err)
	}
	if owner == nil || *owner != v.ID {
		return nil, nil
	}

	builderID := v.ID
	now := time.Now()
	job.Status = store.JobStatusRunning
	job.BuilderID = &builderID
	job.Cookie = &cookie
	job.DateStarted = &now
	return job, nil
}

// candidateMatches checks a job's resource and capability requirements
// against one builder. Restricted resources may only run jobs that
// explicitly require them.
func candidateMatches(v *Vitals, job *store.Job) bool {
	if job.Virtualized != v.Virtualized {
		return false
	}
	if !containsString(v.Processors, job.Processor) {
		return false
	}
	for _, res := range job.Resources {
		if !containsString(v.OpenResources, res) && !containsString(v.RestrictedResources, res) {
			return false
		}
	}
	for _, res := range v.RestrictedResources {
		if !containsString(job.Resources, res) {
			return false
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

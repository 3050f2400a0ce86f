package fleet

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"buildfarm/internal/store"
	"buildfarm/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric/noop"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		panic(err)
	}
	return m
}

type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (t *fakeTx) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, nil
}

func (t *fakeTx) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, nil
}

func (t *fakeTx) QueryRowContext(context.Context, string, ...interface{}) *sql.Row {
	return nil
}

func (t *fakeTx) Commit() error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback() error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

// fakeStore records every mutation as a formatted call string and lets
// tests inject errors per method name.
type fakeStore struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error

	builders   []store.Builder
	attached   []store.Job
	candidates []store.Job

	builderFailures int
	buildFailures   int

	// jobOwner is what JobBuilder reports after an attach.
	jobOwner map[uuid.UUID]int64

	tails map[uuid.UUID]string

	tx *fakeTx
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		errs:     make(map[string]error),
		jobOwner: make(map[uuid.UUID]int64),
		tails:    make(map[uuid.UUID]string),
	}
}

func (s *fakeStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeStore) err(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[method]
}

func (s *fakeStore) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeStore) Begin(ctx context.Context) (store.Tx, error) {
	if err := s.err("Begin"); err != nil {
		return nil, err
	}
	s.tx = &fakeTx{}
	return s.tx, nil
}

func (s *fakeStore) ListBuilders(ctx context.Context) ([]store.Builder, error) {
	return s.builders, s.err("ListBuilders")
}

func (s *fakeStore) GetBuilderByName(ctx context.Context, name string) (*store.Builder, error) {
	for i := range s.builders {
		if s.builders[i].Name == name {
			return &s.builders[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) SetBuilderCleanStatus(ctx context.Context, tx store.DBTransaction, id int64, cs store.CleanStatus) error {
	s.record(fmt.Sprintf("SetBuilderCleanStatus(%d,%s)", id, cs))
	return s.err("SetBuilderCleanStatus")
}

func (s *fakeStore) RecordBuilderVersion(ctx context.Context, id int64, version string) error {
	s.record(fmt.Sprintf("RecordBuilderVersion(%d,%s)", id, version))
	return s.err("RecordBuilderVersion")
}

func (s *fakeStore) IncrementBuilderFailure(ctx context.Context, tx store.DBTransaction, id int64) (int, error) {
	s.record(fmt.Sprintf("IncrementBuilderFailure(%d)", id))
	if err := s.err("IncrementBuilderFailure"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builderFailures++
	return s.builderFailures, nil
}

func (s *fakeStore) ResetBuilderFailure(ctx context.Context, id int64) error {
	s.record(fmt.Sprintf("ResetBuilderFailure(%d)", id))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builderFailures = 0
	return nil
}

func (s *fakeStore) DisableBuilder(ctx context.Context, tx store.DBTransaction, id int64, notes string) error {
	s.record(fmt.Sprintf("DisableBuilder(%d)", id))
	return s.err("DisableBuilder")
}

func (s *fakeStore) EnableBuilder(ctx context.Context, name string) error {
	s.record(fmt.Sprintf("EnableBuilder(%s)", name))
	return s.err("EnableBuilder")
}

func (s *fakeStore) ListAttachedJobs(ctx context.Context) ([]store.Job, error) {
	return s.attached, s.err("ListAttachedJobs")
}

func (s *fakeStore) ListCandidateJobs(ctx context.Context) ([]store.Job, error) {
	return s.candidates, s.err("ListCandidateJobs")
}

func (s *fakeStore) AttachJob(ctx context.Context, jobID uuid.UUID, builderID int64, cookie string) error {
	s.record(fmt.Sprintf("AttachJob(%s,%d)", jobID, builderID))
	if err := s.err("AttachJob"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobOwner[jobID] = builderID
	return nil
}

func (s *fakeStore) JobBuilder(ctx context.Context, jobID uuid.UUID) (*int64, error) {
	if err := s.err("JobBuilder"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.jobOwner[jobID]
	if !ok {
		return nil, nil
	}
	return &owner, nil
}

func (s *fakeStore) RequeueJob(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID) error {
	s.record(fmt.Sprintf("RequeueJob(%s)", jobID))
	return s.err("RequeueJob")
}

func (s *fakeStore) MarkJobCancelled(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID) error {
	s.record(fmt.Sprintf("MarkJobCancelled(%s)", jobID))
	return s.err("MarkJobCancelled")
}

func (s *fakeStore) DetachJob(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID) error {
	s.record(fmt.Sprintf("DetachJob(%s)", jobID))
	return s.err("DetachJob")
}

func (s *fakeStore) FailBuild(ctx context.Context, tx store.DBTransaction, jobID, buildID uuid.UUID) error {
	s.record(fmt.Sprintf("FailBuild(%s)", buildID))
	return s.err("FailBuild")
}

func (s *fakeStore) IncrementBuildFailure(ctx context.Context, tx store.DBTransaction, buildID uuid.UUID) (int, error) {
	s.record(fmt.Sprintf("IncrementBuildFailure(%s)", buildID))
	if err := s.err("IncrementBuildFailure"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildFailures++
	return s.buildFailures, nil
}

func (s *fakeStore) ResetBuildFailure(ctx context.Context, buildID uuid.UUID) error {
	s.record(fmt.Sprintf("ResetBuildFailure(%s)", buildID))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildFailures = 0
	return nil
}

func (s *fakeStore) UpdateLogTails(ctx context.Context, tails map[uuid.UUID]string) error {
	s.record(fmt.Sprintf("UpdateLogTails(%d)", len(tails)))
	if err := s.err("UpdateLogTails"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tail := range tails {
		s.tails[id] = tail
	}
	return nil
}

func (s *fakeStore) CountQueuedJobs(ctx context.Context) (int64, error) {
	return int64(len(s.candidates)), s.err("CountQueuedJobs")
}

// fakeFactory serves a single builder and an optional candidate.
type fakeFactory struct {
	mu        sync.Mutex
	vitals    *Vitals
	candidate *store.Job
	refreshed time.Time
	updates   int
	updateErr error
}

func (f *fakeFactory) Update(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.updateErr != nil {
		return f.updateErr
	}
	f.refreshed = time.Now()
	return nil
}

func (f *fakeFactory) LastRefreshed() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshed
}

func (f *fakeFactory) GetVitals(name string) (*Vitals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vitals == nil || f.vitals.Name != name {
		return nil, ErrBuilderUnknown
	}
	return f.vitals, nil
}

func (f *fakeFactory) IterVitals() []*Vitals {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vitals == nil {
		return nil
	}
	return []*Vitals{f.vitals}
}

func (f *fakeFactory) FindCandidate(v *Vitals) *store.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.candidate
	f.candidate = nil
	return job
}

func (f *fakeFactory) AcquireCandidate(ctx context.Context, v *Vitals) (*store.Job, error) {
	job := f.FindCandidate(v)
	return job, nil
}

// fakeClient scripts worker RPC responses and records the call order.
type fakeClient struct {
	mu  sync.Mutex
	ops []string

	status    *api.WorkerStatus
	statusErr error

	ensureErr error
	buildErr  error
	abortErr  error
	resumeErr error
	echoErr   error

	buildReq *api.BuildRequest
}

func (c *fakeClient) op(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, name)
}

func (c *fakeClient) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *fakeClient) Status(ctx context.Context) (*api.WorkerStatus, error) {
	c.op("status")
	if c.statusErr != nil {
		return nil, c.statusErr
	}
	return c.status, nil
}

func (c *fakeClient) EnsurePresent(ctx context.Context, file api.FileRef) error {
	c.op("ensurepresent")
	return c.ensureErr
}

func (c *fakeClient) Build(ctx context.Context, req api.BuildRequest) error {
	c.op("build")
	if c.buildErr != nil {
		return c.buildErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buildReq = &req
	return nil
}

func (c *fakeClient) Abort(ctx context.Context) error {
	c.op("abort")
	return c.abortErr
}

func (c *fakeClient) Resume(ctx context.Context) error {
	c.op("resume")
	return c.resumeErr
}

func (c *fakeClient) Echo(ctx context.Context, payload string) error {
	c.op("echo")
	return c.echoErr
}

func countCalls(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

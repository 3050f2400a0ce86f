package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"buildfarm/internal/store"
	"buildfarm/internal/workerapi"
)

// ManagerConfig holds the orchestrator-level policy knobs.
type ManagerConfig struct {
	ScanInterval       time.Duration
	DiscoveryInterval  time.Duration
	FlushInterval      time.Duration
	CancelTimeout      time.Duration
	ScanRetryThreshold int
	Thresholds         Thresholds

	// UploadDir is the staging area for completed-build uploads. A
	// directory with a sibling .inprogress marker was interrupted
	// mid-upload and is discarded at startup.
	UploadDir string
}

// ClientFactory builds a worker RPC client for one builder URL.
type ClientFactory func(url string) workerapi.Client

// Manager owns the whole orchestrator runtime: it discovers builders,
// keeps one scanner goroutine per builder, and flushes buffered log
// tails to the database.
type Manager struct {
	cfg       ManagerConfig
	store     store.Store
	factory   Factory
	clients   ClientFactory
	log       *slog.Logger
	metrics   *Metrics
	recoverer *Recoverer
	buffer    *LogBuffer

	mu       sync.Mutex
	scanners map[string]*Scanner
	// seen records every builder name ever discovered. A builder is
	// added exactly once; removal from the database does not stop its
	// scanner until shutdown.
	seen map[string]struct{}

	wg sync.WaitGroup
}

// NewManager wires the orchestrator.
func NewManager(cfg ManagerConfig, st store.Store, factory Factory, clients ClientFactory,
	log *slog.Logger, metrics *Metrics) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     st,
		factory:   factory,
		clients:   clients,
		log:       log,
		metrics:   metrics,
		recoverer: NewRecoverer(st, log, metrics, cfg.Thresholds),
		buffer:    NewLogBuffer(),
		scanners:  make(map[string]*Scanner),
		seen:      make(map[string]struct{}),
	}
}

// Run blocks until the context is cancelled, then waits for every
// scanner to finish its in-flight cycle.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.sweepStaleUploads(); err != nil {
		m.log.Warn("stale upload sweep failed", "error", err)
	}

	// Seed the snapshot and the scanner set before entering steady
	// state so the first scans do not race discovery.
	m.runCycle(ctx, "discovery", m.discoverOnce)

	m.wg.Add(2)
	go m.loop(ctx, m.cfg.DiscoveryInterval, "discovery", m.discoverOnce)
	go m.loop(ctx, m.cfg.FlushInterval, "logtail flush", m.flushOnce)

	<-ctx.Done()
	m.log.Info("shutting down, waiting for scanners")
	m.wg.Wait()
	return ctx.Err()
}

// loop runs one repeating maintenance task. Each task is a single
// long-lived loop rather than a scheduled job, so a slow run delays the
// next one instead of overlapping it.
func (m *Manager) loop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCycle(ctx, name, fn)
		}
	}
}

// runCycle runs one maintenance pass. Cycles never take the manager
// down: errors are logged and panics recovered, and the next tick tries
// again.
func (m *Manager) runCycle(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("cycle panicked", "cycle", name, "panic", r)
		}
	}()
	if err := fn(ctx); err != nil {
		m.log.Error("cycle failed", "cycle", name, "error", err)
	}
}

// discoverOnce refreshes the snapshot and starts a scanner for every
// builder not yet known.
func (m *Manager) discoverOnce(ctx context.Context) error {
	if err := m.factory.Update(ctx); err != nil {
		return fmt.Errorf("failed to refresh builder snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range m.factory.IterVitals() {
		if _, ok := m.seen[v.Name]; ok {
			continue
		}
		m.seen[v.Name] = struct{}{}

		scanner := NewScanner(v.Name, m.factory, m.store, m.clients(v.URL),
			m.recoverer, m.buffer, m.log, m.metrics, ScanConfig{
				ScanInterval:   m.cfg.ScanInterval,
				CancelTimeout:  m.cfg.CancelTimeout,
				RetryThreshold: m.cfg.ScanRetryThreshold,
			})
		m.scanners[v.Name] = scanner

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			scanner.Loop(ctx)
		}()
		m.log.Info("builder discovered", "builder", v.Name, "url", v.URL)
	}
	return nil
}

// flushOnce writes buffered log tails in one batched statement. On
// failure the buffer keeps everything and the next tick retries; on
// success only entries unchanged since the snapshot are dropped, so a
// tail updated mid-flush survives for the next one.
func (m *Manager) flushOnce(ctx context.Context) error {
	tails := m.buffer.Snapshot()
	if tails == nil {
		return nil
	}

	if err := m.store.UpdateLogTails(ctx, tails); err != nil {
		return fmt.Errorf("failed to flush %d log tails: %w", len(tails), err)
	}
	m.buffer.MarkFlushed(tails)
	m.log.Debug("log tails flushed", "count", len(tails))
	return nil
}

// sweepStaleUploads discards upload directories whose .inprogress
// marker survived a crash. The upload was incomplete; the build will be
// retried and re-uploaded from scratch.
func (m *Manager) sweepStaleUploads() error {
	if m.cfg.UploadDir == "" {
		return nil
	}

	markers, err := filepath.Glob(filepath.Join(m.cfg.UploadDir, "*.inprogress"))
	if err != nil {
		return fmt.Errorf("failed to scan upload dir: %w", err)
	}

	for _, marker := range markers {
		dir := strings.TrimSuffix(marker, ".inprogress")
		if err := os.RemoveAll(dir); err != nil {
			m.log.Warn("failed to remove stale upload", "dir", dir, "error", err)
			continue
		}
		if err := os.Remove(marker); err != nil {
			m.log.Warn("failed to remove upload marker", "marker", marker, "error", err)
			continue
		}
		m.log.Info("discarded interrupted upload", "dir", dir)
	}
	return nil
}

package fleet

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the failure counters emitted by scanning and recovery,
// each tagged with builder name, architecture, virtualization flag,
// job type and region.
type Metrics struct {
	scanCycles    metric.Int64Counter
	scanFailed    metric.Int64Counter
	scanRetried   metric.Int64Counter
	jobReset      metric.Int64Counter
	jobCancelled  metric.Int64Counter
	jobFailed     metric.Int64Counter
	builderReset  metric.Int64Counter
	builderFailed metric.Int64Counter
}

// NewMetrics registers the fleet counters on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	for _, c := range []struct {
		counter *metric.Int64Counter
		name    string
		desc    string
	}{
		{&m.scanCycles, "builders.scan.cycles", "Completed scan cycles"},
		{&m.scanFailed, "builders.failure.scan_failed", "Scan failures routed through judgement"},
		{&m.scanRetried, "builders.failure.scan_retried", "Transient scan failures below the retry threshold"},
		{&m.jobReset, "builders.failure.job_reset", "Jobs detached and requeued"},
		{&m.jobCancelled, "builders.failure.job_cancelled", "Jobs finalized as cancelled"},
		{&m.jobFailed, "builders.failure.job_failed", "Jobs failed outright"},
		{&m.builderReset, "builders.failure.builder_reset", "Builders dirtied for a reset"},
		{&m.builderFailed, "builders.failure.builder_failed", "Builders disabled"},
	} {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.counter = counter
	}
	return m, nil
}

func vitalsAttrs(v *Vitals) metric.MeasurementOption {
	arch := ""
	if len(v.Processors) > 0 {
		arch = v.Processors[0]
	}
	jobType := ""
	if v.Job != nil {
		jobType = v.Job.JobType
	}
	return metric.WithAttributes(
		attribute.String("builder", v.Name),
		attribute.String("arch", arch),
		attribute.Bool("virtualized", v.Virtualized),
		attribute.String("job_type", jobType),
		attribute.String("region", v.Region),
	)
}

func (m *Metrics) ScanCycle(ctx context.Context, v *Vitals) {
	m.scanCycles.Add(ctx, 1, vitalsAttrs(v))
}

func (m *Metrics) ScanFailed(ctx context.Context, v *Vitals) {
	m.scanFailed.Add(ctx, 1, vitalsAttrs(v))
}

func (m *Metrics) ScanRetried(ctx context.Context, v *Vitals) {
	m.scanRetried.Add(ctx, 1, vitalsAttrs(v))
}

func (m *Metrics) JobReset(ctx context.Context, v *Vitals) {
	m.jobReset.Add(ctx, 1, vitalsAttrs(v))
}

func (m *Metrics) JobCancelled(ctx context.Context, v *Vitals) {
	m.jobCancelled.Add(ctx, 1, vitalsAttrs(v))
}

func (m *Metrics) JobFailed(ctx context.Context, v *Vitals) {
	m.jobFailed.Add(ctx, 1, vitalsAttrs(v))
}

func (m *Metrics) BuilderReset(ctx context.Context, v *Vitals) {
	m.builderReset.Add(ctx, 1, vitalsAttrs(v))
}

func (m *Metrics) BuilderFailed(ctx context.Context, v *Vitals) {
	m.builderFailed.Add(ctx, 1, vitalsAttrs(v))
}

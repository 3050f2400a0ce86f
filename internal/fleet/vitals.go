// Package fleet implements the build-fleet orchestrator: per-builder
// scan cycles, candidate dispatch, failure judgement and recovery, and
// the top-level manager driving it all.
package fleet

import (
	"buildfarm/internal/store"
)

// Vitals is an immutable snapshot of one builder's persisted attributes
// plus its attached job, produced fresh at the start of a scan cycle
// and discarded at its end.
type Vitals struct {
	ID          int64
	Name        string
	URL         string
	Virtualized bool
	VMHost      string
	Region      string

	Processors          []string
	OpenResources       []string
	RestrictedResources []string

	Clean        store.CleanStatus
	OK           bool
	FailureCount int
	Version      string

	// Job is the attached job with its build joined in, nil when idle.
	Job *store.Job
}

func newVitals(b store.Builder, job *store.Job) *Vitals {
	v := &Vitals{
		ID:                  b.ID,
		Name:                b.Name,
		URL:                 b.URL,
		Virtualized:         b.Virtualized,
		Region:              b.Region,
		Processors:          b.Processors,
		OpenResources:       b.OpenResources,
		RestrictedResources: b.RestrictedResources,
		Clean:               b.CleanStatus,
		OK:                  b.OK,
		FailureCount:        b.FailureCount,
		Job:                 job,
	}
	if b.VMHost != nil {
		v.VMHost = *b.VMHost
	}
	if b.Version != nil {
		v.Version = *b.Version
	}
	return v
}

// Package store contains the database layer for the build farm.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CleanStatus describes whether a builder may hold residue from a
// previous build.
type CleanStatus string

const (
	// CleanStatusDirty means the builder may have residue and must be
	// reset before it can take new work.
	CleanStatusDirty CleanStatus = "dirty"
	// CleanStatusCleaning means a reset is in flight.
	CleanStatusCleaning CleanStatus = "cleaning"
	// CleanStatusClean means the builder is verified idle and reset.
	CleanStatusClean CleanStatus = "clean"
)

// JobStatus is the state of one queued build attempt.
type JobStatus string

const (
	JobStatusWaiting    JobStatus = "waiting"
	JobStatusRunning    JobStatus = "running"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusCancelled  JobStatus = "cancelled"
)

// BuildStatus is the state of the build a job belongs to. A job is one
// attempt; the build is the thing being produced.
type BuildStatus string

const (
	BuildStatusNeedsBuild BuildStatus = "needsbuild"
	BuildStatusBuilding   BuildStatus = "building"
	// BuildStatusBuilt is the success terminal status. A built build is
	// never moved back to failed by the orchestrator.
	BuildStatusBuilt     BuildStatus = "built"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// Builder is the persisted record of one build machine.
type Builder struct {
	ID          int64
	Name        string
	URL         string
	Virtualized bool
	VMHost      *string
	Region      string

	// Processors are the architectures this builder can target.
	Processors []string
	// OpenResources are capability tags any matching job may use.
	OpenResources []string
	// RestrictedResources are tags a job must explicitly require in
	// order to land on this builder.
	RestrictedResources []string

	CleanStatus  CleanStatus
	OK           bool // builderok
	FailureCount int
	FailNotes    *string
	Version      *string
}

// Job is one entry in the build queue.
type Job struct {
	ID      uuid.UUID
	BuildID uuid.UUID
	Status  JobStatus

	// BuilderID is set while a builder owns this job.
	BuilderID *int64

	Processor   string
	Virtualized bool
	Resources   []string
	JobType     string
	Score       int

	// Cookie fingerprints one dispatch of this job. Generated fresh at
	// attach time; a worker reporting a different cookie is running
	// something else.
	Cookie *string

	LogTail     string
	DateStarted *time.Time

	// Spec is the dispatch payload forwarded to the worker
	// (api.BuildSpec).
	Spec json.RawMessage

	// Build is populated on reads that join the owning build.
	Build *Build
}

// Build is the unit of work a job is an attempt at.
type Build struct {
	ID           uuid.UUID
	Title        string
	Status       BuildStatus
	FailureCount int
}

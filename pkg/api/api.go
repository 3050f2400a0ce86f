// Package api contains the JSON request/response structs of the worker
// RPC contract. It is shared between the orchestrator's client and any
// worker-side implementation.
package api

// WorkerState is the state a worker reports for itself.
type WorkerState string

const (
	// WorkerStateIdle means the worker has no build and a clean environment.
	WorkerStateIdle WorkerState = "IDLE"
	// WorkerStateBuilding means a build is currently executing.
	WorkerStateBuilding WorkerState = "BUILDING"
	// WorkerStateWaiting means a build finished and its results are
	// waiting to be collected by the archive pipeline.
	WorkerStateWaiting WorkerState = "WAITING"
)

// WorkerStatus is the response body of the status call.
type WorkerStatus struct {
	State WorkerState `json:"state"`
	// BuildID is the cookie of the build the worker believes it is
	// running. Empty when idle.
	BuildID string `json:"build_id,omitempty"`
	// LogTail is the trailing portion of the in-progress build log.
	LogTail string `json:"logtail,omitempty"`
	// Version is the worker software version.
	Version string `json:"version,omitempty"`
}

// FileRef identifies one input file a build needs on the worker.
type FileRef struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
}

// BuildSpec is the dispatch payload stored on a queued job. The
// orchestrator sends every file through ensurepresent before issuing
// the build call.
type BuildSpec struct {
	Kind  string            `json:"kind"`
	Files []FileRef         `json:"files,omitempty"`
	Args  map[string]string `json:"args,omitempty"`
}

// EnsurePresentRequest asks the worker to fetch one file into its cache.
type EnsurePresentRequest struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
}

// EnsurePresentResponse acknowledges an ensurepresent call.
type EnsurePresentResponse struct {
	Present bool `json:"present"`
}

// BuildRequest starts a build on the worker.
type BuildRequest struct {
	// BuildID is the cookie the worker must echo back from status
	// while this build runs.
	BuildID string            `json:"build_id"`
	Kind    string            `json:"kind"`
	Files   []FileRef         `json:"files,omitempty"`
	Args    map[string]string `json:"args,omitempty"`
}

// ResumeResponse carries the outcome of a resume call. A non-zero exit
// code means the reset script failed and the worker is not clean.
type ResumeResponse struct {
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// EchoRequest is a round-trip liveness probe.
type EchoRequest struct {
	Payload string `json:"payload"`
}

// EchoResponse returns the probe payload unchanged.
type EchoResponse struct {
	Payload string `json:"payload"`
}

// ErrorResponse is the standard error body a worker returns on faults.
type ErrorResponse struct {
	Error string `json:"error"`
}

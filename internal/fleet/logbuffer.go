package fleet

import (
	"sync"

	"github.com/google/uuid"
)

// LogBuffer accumulates per-job log tails between flush cycles so scans
// never write the tail synchronously on every observation.
type LogBuffer struct {
	mu    sync.Mutex
	tails map[uuid.UUID]string
}

// NewLogBuffer creates an empty buffer.
func NewLogBuffer() *LogBuffer {
	return &LogBuffer{tails: make(map[uuid.UUID]string)}
}

// Set records the latest tail for a job, superseding earlier ones.
func (b *LogBuffer) Set(jobID uuid.UUID, tail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tails[jobID] = tail
}

// Snapshot returns a copy of the buffered tails without clearing them.
// The buffer is only pruned once a flush succeeds, so a failed write
// never loses unsent tails.
func (b *LogBuffer) Snapshot() map[uuid.UUID]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tails) == 0 {
		return nil
	}
	copied := make(map[uuid.UUID]string, len(b.tails))
	for id, tail := range b.tails {
		copied[id] = tail
	}
	return copied
}

// MarkFlushed removes entries that were written, keeping any tail that
// a scan replaced while the flush was in flight.
func (b *LogBuffer) MarkFlushed(flushed map[uuid.UUID]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, tail := range flushed {
		if b.tails[id] == tail {
			delete(b.tails, id)
		}
	}
}

// Len reports how many jobs have a buffered tail.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tails)
}

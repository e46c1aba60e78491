// Package progresstest provides a progress reporter for tests that assert on the checkpoints a run reaches.
package progresstest

import (
	"context"
	"sync"
)

// Checkpoint is one report made by a RecordingReporter.
type Checkpoint struct {
	Index   int
	Total   int
	Message string
}

// RecordingReporter keeps every checkpoint reported to it.
type RecordingReporter struct {
	mutex       sync.Mutex
	Checkpoints []Checkpoint
}

func (r *RecordingReporter) Report(_ context.Context, index int, total int, message string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.Checkpoints = append(r.Checkpoints, Checkpoint{Index: index, Total: total, Message: message})
	return nil
}

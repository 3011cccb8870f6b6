// Package progress provides the process-wide progress table for extraction
// jobs. The extraction pipeline is the only writer for a given job ID;
// polling handlers read concurrently. Percentages never go backward except
// that a transition to the error state wins immediately.
package progress

import (
	"errors"
	"sync"
	"time"

	"github.com/unpackd/unpackd/jobs"
)

// ErrNotFound is returned when no progress state exists for a job ID.
var ErrNotFound = errors.New("progress state not found")

// State is a snapshot of one job's progress.
type State struct {
	JobID     string      `json:"job_id"`
	Status    jobs.Status `json:"status"`
	Percent   int         `json:"percent"`
	Message   string      `json:"message"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Tracker maps job IDs to mutable progress state. Safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		states: make(map[string]*State),
	}
}

// Set records a progress update for a job. Percent is clamped to [0, 100]
// and never decreases for a job; stale updates arriving after a terminal
// error are ignored.
func (t *Tracker) Set(jobID string, status jobs.Status, percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[jobID]
	if !ok {
		t.states[jobID] = &State{
			JobID:     jobID,
			Status:    status,
			Percent:   percent,
			Message:   message,
			UpdatedAt: time.Now().UTC(),
		}
		return
	}

	if state.Status == jobs.StatusError {
		return
	}
	if percent < state.Percent {
		percent = state.Percent
	}

	state.Status = status
	state.Percent = percent
	state.Message = message
	state.UpdatedAt = time.Now().UTC()
}

// Fail moves a job to the terminal error state, overriding any in-flight
// update. The last observed percent is preserved.
func (t *Tracker) Fail(jobID, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[jobID]
	if !ok {
		state = &State{JobID: jobID}
		t.states[jobID] = state
	}

	state.Status = jobs.StatusError
	state.Message = message
	state.UpdatedAt = time.Now().UTC()
}

// Get returns a copy of the latest state for a job, or ErrNotFound.
func (t *Tracker) Get(jobID string) (State, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.states[jobID]
	if !ok {
		return State{}, ErrNotFound
	}
	return *state, nil
}

// Remove frees the tracker slot for a purged job.
func (t *Tracker) Remove(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.states, jobID)
}

// Len returns the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.states)
}

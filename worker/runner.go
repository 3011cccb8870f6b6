// Package worker runs the per-job extraction pipeline in the background.
// The upload request hands a job off to the Runner and returns immediately;
// the caller observes the rest of the lifecycle through progress polling.
package worker

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/unpackd/unpackd/common"
)

// Runner launches one goroutine per submitted job and tracks the in-flight
// set. There is exactly one goroutine per job ID by construction, which is
// what makes the progress tracker's single-writer discipline hold.
type Runner struct {
	log *logrus.Logger

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// NewRunner creates an idle runner.
func NewRunner(log *logrus.Logger) *Runner {
	if log == nil {
		log = common.Logger
	}
	return &Runner{
		log:    log,
		active: make(map[string]struct{}),
	}
}

// Submit starts fn for the given job in a new goroutine. A job that is
// already in flight is not started twice.
func (r *Runner) Submit(jobID string, fn func()) bool {
	r.mu.Lock()
	if _, running := r.active[jobID]; running {
		r.mu.Unlock()
		r.log.WithField("job_id", jobID).Warn("Job is already being processed")
		return false
	}
	r.active[jobID] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.active, jobID)
			r.mu.Unlock()
			r.wg.Done()
		}()
		fn()
	}()

	return true
}

// Active returns the number of jobs currently in flight.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Drain waits for all in-flight jobs to finish or the context to expire.
// Extraction is not cancellable mid-flight; Drain only waits.
func (r *Runner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

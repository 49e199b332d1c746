// Package future holds the handle a caller blocks on until a remote job
// finishes.
package future

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/archipelago-go/archipelago/internal/job"
)

var (
	ErrTimeout   = errors.New("timed out waiting for job")
	ErrCancelled = errors.New("job cancelled")
)

// ExecutionError wraps the error a job finished with.
type ExecutionError struct {
	JobID string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.JobID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Canceller decides whether a job may still be cancelled and pulls it
// back if so.
type Canceller interface {
	CancelJob(id string, mayInterruptIfRunning bool) bool
}

// Future is the completion handle of one job. The first of Complete or a
// successful Cancel settles it; everything after that is a no-op.
type Future struct {
	jobID     string
	canceller Canceller

	finished  atomic.Bool
	done      atomic.Bool
	cancelled atomic.Bool
	doneCh    chan struct{}

	// Written once before doneCh is closed.
	result json.RawMessage
	err    error
}

func New(jobID string, canceller Canceller) *Future {
	return &Future{
		jobID:     jobID,
		canceller: canceller,
		doneCh:    make(chan struct{}),
	}
}

func (f *Future) JobID() string {
	return f.jobID
}

// Complete settles the future with the outcome carried by j. Only the
// first call has an effect; it reports whether this call was that one.
func (f *Future) Complete(j *job.Job) bool {
	if !f.finished.CompareAndSwap(false, true) {
		return false
	}
	if j != nil {
		f.result = j.Result()
		if err := j.Err(); err != nil {
			f.err = &ExecutionError{JobID: f.jobID, Err: err}
		}
	} else {
		f.err = &ExecutionError{JobID: f.jobID, Err: errors.New("completed without a job")}
	}
	f.settle()
	return true
}

// OnCompletion lets a Future be handed to a node proxy as the job's
// completion listener.
func (f *Future) OnCompletion(j *job.Job) {
	f.Complete(j)
}

// Cancel asks the canceller to pull the job back. It returns false if the
// future is already done or the canceller refuses.
func (f *Future) Cancel(mayInterruptIfRunning bool) bool {
	if f.done.Load() || f.canceller == nil {
		return false
	}
	if !f.canceller.CancelJob(f.jobID, mayInterruptIfRunning) {
		return false
	}
	if !f.finished.CompareAndSwap(false, true) {
		// Completed while the cancel was in flight.
		return false
	}
	f.cancelled.Store(true)
	f.settle()
	return true
}

func (f *Future) settle() {
	f.done.Store(true)
	close(f.doneCh)
}

func (f *Future) IsDone() bool {
	return f.done.Load()
}

func (f *Future) IsCancelled() bool {
	return f.cancelled.Load()
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.doneCh
}

// Get blocks until the future settles.
func (f *Future) Get() (json.RawMessage, error) {
	<-f.doneCh
	return f.outcome()
}

// GetTimeout is Get bounded by d. On ErrTimeout the future stays pending
// and a later call can still observe the completion.
func (f *Future) GetTimeout(d time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-f.doneCh:
		return f.outcome()
	case <-timer.C:
		// Settled at the same instant; prefer the real outcome.
		select {
		case <-f.doneCh:
			return f.outcome()
		default:
		}
		return nil, fmt.Errorf("%w after %s: job %s", ErrTimeout, d, f.jobID)
	}
}

// Wait is Get bounded by ctx.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.doneCh:
		return f.outcome()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode waits for the result and unmarshals it into out.
func (f *Future) Decode(ctx context.Context, out any) error {
	raw, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	return job.Decode(raw, out)
}

func (f *Future) outcome() (json.RawMessage, error) {
	if f.cancelled.Load() {
		return nil, fmt.Errorf("%w: %s", ErrCancelled, f.jobID)
	}
	return f.result, f.err
}

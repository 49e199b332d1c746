package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

// Unassigned is the node id of a job that is not placed on any node.
const Unassigned int64 = -1

// Env describes the node a job executes on.
type Env struct {
	NodeID   int64  `json:"node_id"`
	User     string `json:"user"`
	ExecRoot string `json:"exec_root"`
	FileRoot string `json:"file_root"`
}

// RemoteError is an error captured while a job executed on a worker. It
// survives the trip back to the root node.
type RemoteError struct {
	Task    string `json:"task"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("task %s: %s", e.Task, e.Message)
}

// Job is a unit of work that can be shipped to a worker, executed there
// exactly once, and shipped back carrying its result or error.
//
// The payload (task arguments) is dropped after execution so the returned
// job does not resend it.
type Job struct {
	id   string
	task string

	mu         sync.RWMutex
	args       json.RawMessage
	result     json.RawMessage
	remoteErr  *RemoteError
	failure    error
	runningOn  int64
	cores      float64
	fractional bool
	// started is set by the first Execute so a concurrent call returns.
	started  bool
	executed bool
}

// Option configures a new Job.
type Option func(*Job)

// WithCores requests an absolute number of cores.
func WithCores(n int) Option {
	return func(j *Job) {
		j.cores = float64(n)
		j.fractional = false
	}
}

// WithCoreFraction requests a fraction of the executing node's cores.
func WithCoreFraction(f float64) Option {
	return func(j *Job) {
		j.cores = f
		j.fractional = true
	}
}

// New creates a job that runs the named task with args encoded as JSON.
// A job requests one core unless told otherwise.
func New(task string, args any, opts ...Option) (*Job, error) {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode args for task %s: %w", task, err)
		}
		raw = b
	}
	j := &Job{
		id:        uuid.NewString(),
		task:      task,
		args:      raw,
		runningOn: Unassigned,
		cores:     1,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

func (j *Job) ID() string {
	return j.id
}

func (j *Job) Task() string {
	return j.task
}

// Args returns the task payload, or nil once the job has executed.
func (j *Job) Args() json.RawMessage {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.args
}

// HasPayload reports whether the job still carries its task arguments.
func (j *Job) HasPayload() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return !j.executed
}

// RequestedCores returns how many cores the job needs on a node with
// totalCores cores. The result is never below one.
func (j *Job) RequestedCores(totalCores int) int {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var n int
	if j.fractional {
		n = int(math.Round(j.cores * float64(totalCores)))
	} else {
		n = int(j.cores)
	}
	return max(n, 1)
}

// Fractional reports whether the core request is a fraction of the node.
func (j *Job) Fractional() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.fractional
}

// Assign records the node running this job. Pass Unassigned when the job
// is pulled back off a node.
func (j *Job) Assign(nodeID int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runningOn = nodeID
}

func (j *Job) AssignedNode() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.runningOn
}

// Execute runs the task. A task error or panic is captured on the job
// rather than returned, so the caller keeps running regardless.
func (j *Job) Execute(ctx context.Context, env Env, registry *Registry) {
	j.mu.Lock()
	if j.started || j.executed {
		j.mu.Unlock()
		return
	}
	j.started = true
	args := j.args
	j.mu.Unlock()

	result, err := j.run(ctx, env, registry, args)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.args = nil
	j.executed = true
	if err != nil {
		var re *RemoteError
		if !errors.As(err, &re) {
			re = &RemoteError{Task: j.task, Message: err.Error()}
		}
		j.remoteErr = re
		return
	}
	j.result = result
}

func (j *Job) run(ctx context.Context, env Env, registry *Registry, args json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RemoteError{
				Task:    j.task,
				Message: fmt.Sprintf("panic: %v", r),
				Stack:   string(debug.Stack()),
			}
		}
	}()

	task, err := registry.Get(j.task)
	if err != nil {
		return nil, err
	}
	out, err := task(ctx, env, args)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return b, nil
}

// Result returns the encoded task output.
func (j *Job) Result() json.RawMessage {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result
}

// Reject marks the job as executed with err as its remote error, for a
// worker that cannot run it. The arguments are dropped.
func (j *Job) Reject(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.args = nil
	j.executed = true
	j.remoteErr = &RemoteError{Task: j.task, Message: err.Error()}
}

// Fail records a local failure, such as the node running the job going away.
func (j *Job) Fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failure = err
}

// Err returns the local failure if one was recorded, otherwise the error
// captured on the worker, otherwise nil.
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.failure != nil {
		return j.failure
	}
	if j.remoteErr != nil {
		return j.remoteErr
	}
	return nil
}

// Decode unmarshals the job result into out.
func (j *Job) Decode(out any) error {
	if err := j.Err(); err != nil {
		return err
	}
	return Decode(j.Result(), out)
}

// Decode unmarshals an encoded task result.
func Decode(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

type wireJob struct {
	ID         string          `json:"id"`
	Task       string          `json:"task"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *RemoteError    `json:"error,omitempty"`
	RunningOn  int64           `json:"running_on"`
	Cores      float64         `json:"cores"`
	Fractional bool            `json:"fractional,omitempty"`
	Executed   bool            `json:"executed,omitempty"`
}

func (j *Job) MarshalJSON() ([]byte, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return json.Marshal(wireJob{
		ID:         j.id,
		Task:       j.task,
		Args:       j.args,
		Result:     j.result,
		Error:      j.remoteErr,
		RunningOn:  j.runningOn,
		Cores:      j.cores,
		Fractional: j.fractional,
		Executed:   j.executed,
	})
}

func (j *Job) UnmarshalJSON(b []byte) error {
	var w wireJob
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.ID == "" {
		return errors.New("job id is missing")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.id = w.ID
	j.task = w.Task
	j.args = w.Args
	j.result = w.Result
	j.remoteErr = w.Error
	j.runningOn = w.RunningOn
	j.cores = w.Cores
	j.fractional = w.Fractional
	j.executed = w.Executed
	return nil
}

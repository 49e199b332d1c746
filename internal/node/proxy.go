// Package node represents remote workers on the root node. A Proxy owns
// the message channel to one worker, tracks the jobs submitted to it and
// reports their completion.
package node

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/archipelago-go/archipelago/internal/job"
	"github.com/archipelago-go/archipelago/internal/protocol"
	"github.com/archipelago-go/archipelago/internal/shared/logging"
	"github.com/archipelago-go/archipelago/internal/transport"
)

// UnknownID is the node id before the handshake assigns one.
const UnknownID int64 = -1

var (
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrNotActive        = errors.New("node not active")
	ErrDuplicateJob     = errors.New("job already registered")

	// ErrStopped is recorded on jobs that were still registered when the
	// proxy stopped.
	ErrStopped = errors.New("node stopped")
)

// Listener is told when a job submitted to a proxy is done. The job it
// receives carries the result or the error.
type Listener interface {
	OnCompletion(j *job.Job)
}

type ListenerFunc func(j *job.Job)

func (f ListenerFunc) OnCompletion(j *job.Job) {
	f(j)
}

type entry struct {
	job      *job.Job
	listener Listener
	cores    int
}

type Proxy struct {
	logger logging.Logger

	// transitionMu serializes state changes with their notifications.
	transitionMu deadlock.Mutex

	mu           deadlock.Mutex
	ch           transport.Channel
	state        State
	id           int64
	params       Params
	jobs         map[string]entry
	runningCores int
	listeners    []StateListener
	lastBeat     time.Time
	memory       Memory

	threadsSet    bool
	handshakeOnce sync.Once
	handshake     chan struct{}
}

// New connects to a worker and performs the handshake: it asks for the
// node id (and the thread count if params has none), then synchronizes
// user, exec root and file root. The proxy is active when New returns.
// On ErrHandshakeTimeout or ErrStopped the proxy has been closed and must
// be discarded.
func New(ctx context.Context, connector transport.Connector, params Params, opts Options, logger logging.Logger) (*Proxy, error) {
	p := &Proxy{
		logger:    logger,
		state:     StateInactive,
		id:        UnknownID,
		params:    params,
		jobs:      make(map[string]entry),
		handshake: make(chan struct{}),
	}

	ch, err := connector.Connect(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to open channel to %s: %w", params.Host, err)
	}
	p.mu.Lock()
	p.ch = ch
	p.mu.Unlock()

	if err := p.send(protocol.GetID{}); err != nil {
		p.abort()
		return nil, fmt.Errorf("failed to request id from %s: %w", params.Host, err)
	}

	if err := p.awaitHandshake(ctx, opts); err != nil {
		p.abort()
		return nil, err
	}

	p.syncEnvironment()
	// The handshake counts as the first sign of life.
	p.mu.Lock()
	p.lastBeat = time.Now()
	p.mu.Unlock()
	if !p.setState(StateActive) {
		// The channel failed while the environment was being synchronized.
		return nil, fmt.Errorf("%w: %s", ErrStopped, params.Host)
	}

	p.logger.Info("Node ready", "node_id", p.ID(), "host", params.Host, "threads", p.ThreadLimit())
	return p, nil
}

func (p *Proxy) awaitHandshake(ctx context.Context, opts Options) error {
	retries := max(opts.HandshakeRetries, 1)
	interval := opts.HandshakeInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 0; ; attempt++ {
		select {
		case <-p.handshake:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if attempt+1 >= retries {
			p.logger.Warn("Waited too long for node id", "host", p.params.Host, "attempts", attempt+1)
			return fmt.Errorf("%w: %s", ErrHandshakeTimeout, p.params.Host)
		}
		p.logger.Debug("Waiting for node id", "host", p.params.Host, "attempt", attempt+1)
	}
}

// syncEnvironment asks the worker for every unset parameter and pushes
// the ones we already know.
func (p *Proxy) syncEnvironment() {
	params := p.Params()

	var msgs []protocol.Message
	if params.User == "" {
		msgs = append(msgs, protocol.GetUser{})
	}
	if params.ExecRoot == "" {
		msgs = append(msgs, protocol.GetExecRoot{})
	} else {
		msgs = append(msgs, protocol.SetExecRoot{Path: params.ExecRoot})
	}
	if params.FileRoot == "" {
		msgs = append(msgs, protocol.GetFileRoot{})
	} else {
		msgs = append(msgs, protocol.SetFileRoot{Path: params.FileRoot})
	}

	for _, m := range msgs {
		if err := p.send(m); err != nil {
			p.logger.Warn("Failed to sync environment", "host", params.Host, "command", m.Command(), "error", err)
		}
	}
}

func (p *Proxy) send(m protocol.Message) error {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return transport.ErrClosed
	}
	return ch.Send(m)
}

func (p *Proxy) ID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Proxy) IsReady() bool {
	return p.State() == StateActive
}

func (p *Proxy) Params() Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params
}

func (p *Proxy) Host() string {
	return p.Params().Host
}

func (p *Proxy) ThreadLimit() int {
	return p.Params().ThreadLimit
}

// NumAvailableThreads is the thread limit minus the number of registered
// jobs, never below zero.
func (p *Proxy) NumAvailableThreads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return max(p.params.ThreadLimit-len(p.jobs), 0)
}

// NumRunningThreads is the sum of the cores requested by registered jobs.
func (p *Proxy) NumRunningThreads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningCores
}

// NumAvailableCores is the thread limit minus the cores requested by
// registered jobs, never below zero. Placement admits on this figure.
func (p *Proxy) NumAvailableCores() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return max(p.params.ThreadLimit-p.runningCores, 0)
}

// RunningJobs returns the jobs currently registered on this proxy.
func (p *Proxy) RunningJobs() []*job.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	jobs := make([]*job.Job, 0, len(p.jobs))
	for _, e := range p.jobs {
		jobs = append(jobs, e.job)
	}
	return jobs
}

// LastBeat is when the worker last sent a heartbeat, or when the handshake
// completed if it has not sent one yet.
func (p *Proxy) LastBeat() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastBeat
}

func (p *Proxy) Memory() Memory {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.memory
}

// Submit registers j and sends it to the worker. It returns false without
// side effects if the proxy is not active or j is already registered, and
// rolls the registration back if the send fails.
func (p *Proxy) Submit(j *job.Job, listener Listener) bool {
	if err := p.Dispatch(j, listener); err != nil {
		p.logger.Debug("Job not submitted", "host", p.Host(), "error", err)
		return false
	}
	return true
}

// Dispatch is Submit with the cause of a failure. ErrStopped means the
// proxy stopped while the job was being sent: the job was never delivered
// and the listener receives it failed with ErrStopped. Any other error
// leaves no registration behind.
func (p *Proxy) Dispatch(j *job.Job, listener Listener) error {
	if j == nil || listener == nil {
		return errors.New("job and listener are required")
	}

	p.mu.Lock()
	if p.state != StateActive {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, state)
	}
	if _, exists := p.jobs[j.ID()]; exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.ID())
	}
	e := entry{job: j, listener: listener, cores: j.RequestedCores(p.params.ThreadLimit)}
	p.jobs[j.ID()] = e
	p.runningCores += e.cores
	j.Assign(p.id)
	ch := p.ch
	p.mu.Unlock()

	if err := ch.Send(protocol.Process{Job: j}); err != nil {
		p.logger.Warn("Failed to send job", "node_id", p.ID(), "job_id", j.ID(), "error", err)
		if _, ok := p.take(j.ID(), j); !ok {
			// The proxy stopped meanwhile and fails the job to its listener.
			return fmt.Errorf("%w: job %s not delivered: %v", ErrStopped, j.ID(), err)
		}
		j.Assign(job.Unassigned)
		return fmt.Errorf("failed to send job %s: %w", j.ID(), err)
	}
	return nil
}

// CancelJob asks the worker to drop the job and forgets it locally. It
// returns false if the job is not registered, the cancel message cannot be
// sent, or the job completed in the meantime.
func (p *Proxy) CancelJob(id string) bool {
	p.mu.Lock()
	e, ok := p.jobs[id]
	ch := p.ch
	p.mu.Unlock()
	if !ok {
		return false
	}

	if err := ch.Send(protocol.Cancel{JobID: id}); err != nil {
		p.logger.Warn("Failed to send cancel", "node_id", p.ID(), "job_id", id, "error", err)
		return false
	}

	if _, ok := p.take(id, e.job); !ok {
		return false
	}
	e.job.Assign(job.Unassigned)
	p.logger.Debug("Job cancelled", "node_id", p.ID(), "job_id", id)
	return true
}

// take removes the registration of id if it still belongs to j (or to any
// job when j is nil).
func (p *Proxy) take(id string, j *job.Job) (entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.jobs[id]
	if !ok || (j != nil && e.job != j) {
		return entry{}, false
	}
	delete(p.jobs, id)
	p.runningCores -= e.cores
	return e, true
}

// HandleMessage dispatches one inbound message. It never panics into the
// channel's receive loop.
func (p *Proxy) HandleMessage(m protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Failed to handle message", "host", p.Host(), "command", m.Command(), "panic", r)
		}
	}()

	switch m := m.(type) {
	case protocol.ID:
		p.handleID(m.NodeID)
	case protocol.NumThreads:
		p.handleNumThreads(m.N)
	case protocol.Process:
		p.handleProcess(m.Job)
	case protocol.Ping:
		p.logger.Info("Received ping", "host", p.Host())
	case protocol.Beat:
		p.mu.Lock()
		p.lastBeat = time.Now()
		p.memory = Memory{AvailableMB: m.RAMAvailableMB, TotalMB: m.RAMTotalMB, MaxMB: m.RAMMaxMB}
		p.mu.Unlock()
	case protocol.User:
		p.mu.Lock()
		p.params.User = m.Name
		p.mu.Unlock()
	case protocol.SetExecRoot:
		p.mu.Lock()
		p.params.ExecRoot = m.Path
		p.mu.Unlock()
	case protocol.SetFileRoot:
		p.mu.Lock()
		p.params.FileRoot = m.Path
		p.mu.Unlock()
	case protocol.Error:
		p.logger.Error("Remote error", "host", p.Host(), "node_id", p.ID(), "error", m.Message)
	case protocol.Unknown:
		p.logger.Warn("Ignoring unknown command; the worker may run a newer version", "host", p.Host(), "command", m.Name)
	default:
		p.logger.Warn("Ignoring unexpected command", "host", p.Host(), "command", m.Command())
	}
}

func (p *Proxy) handleID(id int64) {
	p.mu.Lock()
	if p.id != UnknownID {
		p.mu.Unlock()
		p.logger.Warn("Ignoring repeated id", "node_id", p.ID(), "got", id)
		return
	}
	p.id = id
	needThreads := p.params.ThreadLimit <= 0
	p.threadsSet = !needThreads
	p.mu.Unlock()

	p.logger.Debug("Got node id", "node_id", id, "host", p.Host())

	if needThreads {
		if err := p.send(protocol.GetNumThreads{}); err != nil {
			p.logger.Warn("Failed to request thread count", "node_id", id, "error", err)
		}
		return
	}
	p.finishHandshake()
}

func (p *Proxy) handleNumThreads(n int) {
	if n <= 0 {
		p.logger.Warn("Ignoring non-positive thread count", "host", p.Host(), "threads", n)
		return
	}

	p.mu.Lock()
	p.params.ThreadLimit = n
	p.threadsSet = true
	idSet := p.id != UnknownID
	p.mu.Unlock()

	if idSet {
		p.finishHandshake()
	}
}

func (p *Proxy) finishHandshake() {
	p.handshakeOnce.Do(func() { close(p.handshake) })
}

func (p *Proxy) handleProcess(returned *job.Job) {
	if returned == nil {
		p.logger.Error("Process message without a job", "host", p.Host())
		return
	}

	e, ok := p.take(returned.ID(), nil)
	if !ok {
		// Cancelled, or a duplicate delivery.
		p.logger.Debug("Dropping result for unregistered job", "node_id", p.ID(), "job_id", returned.ID())
		return
	}
	e.listener.OnCompletion(returned)
}

// ChannelClosed stops the proxy when the worker goes away.
func (p *Proxy) ChannelClosed(err error) {
	if err == nil {
		return
	}
	p.logger.Error("Channel to node failed", "host", p.Host(), "node_id", p.ID(), "error", err)
	p.stop(fmt.Errorf("%w: %v", ErrStopped, err), false)
}

// Close halts the worker, stops the proxy and fails any job still
// registered with ErrStopped. Calling it again is a no-op.
func (p *Proxy) Close() {
	p.stop(ErrStopped, true)
}

func (p *Proxy) stop(cause error, halt bool) {
	p.mu.Lock()
	state, ch := p.state, p.ch
	p.mu.Unlock()

	if state == StateStopped {
		p.logger.Debug("Close called on stopped node", "host", p.Host())
		return
	}
	if halt && state == StateActive && ch != nil {
		if err := ch.Send(protocol.Halt{}); err != nil {
			p.logger.Debug("Failed to send halt", "host", p.Host(), "error", err)
		}
	}

	if !p.setState(StateStopped) {
		return
	}
	p.failJobs(cause)

	if ch != nil {
		if err := ch.Close(); err != nil {
			p.logger.Debug("Failed to close channel", "host", p.Host(), "error", err)
		}
	}
}

// abort tears down a proxy whose handshake did not complete.
func (p *Proxy) abort() {
	p.stop(ErrHandshakeTimeout, false)
}

func (p *Proxy) failJobs(cause error) {
	p.mu.Lock()
	entries := make([]entry, 0, len(p.jobs))
	for _, e := range p.jobs {
		entries = append(entries, e)
	}
	p.jobs = make(map[string]entry)
	p.runningCores = 0
	p.mu.Unlock()

	for _, e := range entries {
		p.logger.Warn("Failing job on stopped node", "host", p.Host(), "job_id", e.job.ID())
		e.job.Assign(job.Unassigned)
		e.job.Fail(cause)
		e.listener.OnCompletion(e.job)
	}
}

// setState moves the proxy forward and notifies listeners in the order
// they were added. Backward or repeated transitions are ignored.
func (p *Proxy) setState(next State) bool {
	p.transitionMu.Lock()
	defer p.transitionMu.Unlock()

	p.mu.Lock()
	last := p.state
	if next <= last {
		p.mu.Unlock()
		return false
	}
	p.state = next
	listeners := append([]StateListener(nil), p.listeners...)
	p.mu.Unlock()

	p.logger.Info("Node state changed", "host", p.Host(), "from", last.String(), "to", next.String())
	for _, l := range listeners {
		l.StateChanged(p, next, last)
	}
	return true
}

// AddListener registers l and immediately calls it with the current state
// and StateInactive as the previous one. Listeners run while the proxy
// holds its transition lock and must not change the proxy's state.
func (p *Proxy) AddListener(l StateListener) {
	p.transitionMu.Lock()
	defer p.transitionMu.Unlock()

	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	now := p.state
	p.mu.Unlock()

	l.StateChanged(p, now, StateInactive)
}

// RemoveListener unregisters l. Listeners of an uncomparable type, such as
// StateListenerFunc, cannot be removed.
func (p *Proxy) RemoveListener(l StateListener) {
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return
	}

	p.transitionMu.Lock()
	defer p.transitionMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.listeners {
		if existing == l {
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			return
		}
	}
}

// SetFileRoot changes the file root locally and on the worker.
func (p *Proxy) SetFileRoot(path string) bool {
	p.mu.Lock()
	p.params.FileRoot = path
	p.mu.Unlock()
	return p.send(protocol.SetFileRoot{Path: path}) == nil
}

// SetExecRoot changes the exec root locally and on the worker.
func (p *Proxy) SetExecRoot(path string) bool {
	p.mu.Lock()
	p.params.ExecRoot = path
	p.mu.Unlock()
	return p.send(protocol.SetExecRoot{Path: path}) == nil
}

func (p *Proxy) String() string {
	return p.Host()
}

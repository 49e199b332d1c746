// Package scheduler places queued jobs on node proxies with spare threads
// and decides whether a job may still be cancelled.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/archipelago-go/archipelago/internal/future"
	"github.com/archipelago-go/archipelago/internal/job"
	"github.com/archipelago-go/archipelago/internal/node"
	"github.com/archipelago-go/archipelago/internal/shared/config"
	"github.com/archipelago-go/archipelago/internal/shared/logging"
)

var (
	ErrClosed       = errors.New("scheduler closed")
	ErrDuplicateJob = errors.New("job already scheduled")
)

type Options struct {
	PollInterval time.Duration
	// Reschedule puts the jobs of a stopped node back on the queue ahead
	// of everything else. Otherwise they fail with node.ErrStopped.
	Reschedule bool
	// Registry, if set, rejects jobs naming unregistered tasks at submit time.
	Registry *job.Registry
}

func OptionsFromConfig(cfg config.SchedulerConfig) Options {
	return Options{
		PollInterval: cfg.PollInterval,
		Reschedule:   cfg.Reschedule,
	}
}

type tracked struct {
	job      *job.Job
	future   *future.Future
	priority Priority
	// node is set while the job is on a node, nil while queued.
	node *node.Proxy
}

// Scheduler owns the job queue and the set of nodes jobs are placed on.
//
// Lock order: mu before jobsMu. Completion callbacks from node proxies only
// take jobsMu, so placement may call into a proxy while holding mu.
type Scheduler struct {
	opts    Options
	metrics *Metrics
	logger  logging.Logger

	mu       deadlock.Mutex
	nodes    []*node.Proxy
	rotation []*node.Proxy
	queue    JobQueue

	jobsMu deadlock.Mutex
	jobs   map[string]*tracked

	remainingMu sync.Mutex
	remaining   []*job.Job

	// maxThreads is the largest thread limit among the nodes.
	maxThreads atomic.Int64

	closed  atomic.Bool
	started atomic.Bool
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func New(opts Options, metrics *Metrics, logger logging.Logger) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Scheduler{
		opts:    opts,
		metrics: metrics,
		logger:  logger,
		queue:   NewJobQueue(),
		jobs:    make(map[string]*tracked),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// AddNode makes p available for placement until it stops.
func (s *Scheduler) AddNode(p *node.Proxy) {
	s.mu.Lock()
	for _, existing := range s.nodes {
		if existing == p {
			s.mu.Unlock()
			return
		}
	}
	s.nodes = append(s.nodes, p)
	s.updateNodes()
	s.mu.Unlock()

	// Called back right away; a node that is already stopped is removed.
	p.AddListener(s)
	s.signal()
	s.logger.Info("Node added", "node_id", p.ID(), "host", p.Host(), "threads", p.ThreadLimit())
}

// Nodes returns the nodes currently available for placement.
func (s *Scheduler) Nodes() []*node.Proxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*node.Proxy(nil), s.nodes...)
}

// StateChanged drops stopped nodes. Their jobs come back through the
// completion listener.
func (s *Scheduler) StateChanged(p *node.Proxy, now, last node.State) {
	switch now {
	case node.StateActive:
		s.signal()
	case node.StateStopped:
		s.removeNode(p)
	}
}

func (s *Scheduler) removeNode(p *node.Proxy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.nodes {
		if existing == p {
			s.nodes = append(s.nodes[:i], s.nodes[i+1:]...)
			s.logger.Info("Node removed", "node_id", p.ID(), "host", p.Host())
			break
		}
	}
	for i, existing := range s.rotation {
		if existing == p {
			s.rotation = append(s.rotation[:i], s.rotation[i+1:]...)
			break
		}
	}
	s.updateNodes()
}

// updateNodes refreshes the node gauge and maxThreads. Callers hold mu.
func (s *Scheduler) updateNodes() {
	maxThreads := 0
	for _, n := range s.nodes {
		maxThreads = max(maxThreads, n.ThreadLimit())
	}
	s.maxThreads.Store(int64(maxThreads))
	s.metrics.Nodes.Set(float64(len(s.nodes)))
}

// Submit queues a new job running task with args at normal priority.
func (s *Scheduler) Submit(task string, args any, opts ...job.Option) (*future.Future, error) {
	j, err := job.New(task, args, opts...)
	if err != nil {
		return nil, err
	}
	return s.SubmitJob(j, PriorityNormal)
}

// SubmitJob queues j and returns the future its outcome is delivered to.
func (s *Scheduler) SubmitJob(j *job.Job, priority Priority) (*future.Future, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if s.opts.Registry != nil {
		if _, err := s.opts.Registry.Get(j.Task()); err != nil {
			return nil, err
		}
	}

	f := future.New(j.ID(), s)
	t := &tracked{job: j, future: f, priority: priority}

	s.jobsMu.Lock()
	if _, exists := s.jobs[j.ID()]; exists {
		s.jobsMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, j.ID())
	}
	s.jobs[j.ID()] = t
	s.jobsMu.Unlock()

	j.Assign(job.Unassigned)
	if err := s.queue.Push(j, priority, s.sortCores(j)); err != nil {
		s.forget(j.ID())
		return nil, err
	}

	s.metrics.Submitted.Inc()
	s.updateGauges()
	s.logger.Debug("Job queued", "job_id", j.ID(), "task", j.Task(), "priority", int(priority))
	s.signal()
	return f, nil
}

// CancelJob pulls a job back. Queued jobs are always cancellable; a job
// already on a node only when force is set and the node agrees.
func (s *Scheduler) CancelJob(id string, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queue.Remove(id); ok {
		s.forget(id)
		s.metrics.Cancelled.Inc()
		s.updateGauges()
		s.logger.Debug("Queued job cancelled", "job_id", id)
		return true
	}

	s.jobsMu.Lock()
	t, ok := s.jobs[id]
	var n *node.Proxy
	if ok {
		n = t.node
	}
	s.jobsMu.Unlock()

	if !ok || !force || n == nil {
		return false
	}
	if !n.CancelJob(id) {
		s.logger.Warn("Could not cancel running job", "job_id", id, "host", n.Host())
		return false
	}

	s.forget(id)
	s.metrics.Cancelled.Inc()
	s.updateGauges()
	s.logger.Debug("Running job cancelled", "job_id", id, "node_id", n.ID())
	return true
}

// Run places queued jobs until ctx is done or the scheduler is closed. A
// pass runs every poll interval and whenever a job or node is added.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	defer close(s.done)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.logger.Info("Scheduler started", "poll_interval", s.opts.PollInterval)
	for {
		s.schedule()

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// schedule runs one placement pass. Jobs are dealt across the nodes with
// spare threads, rotating the node list after every job.
func (s *Scheduler) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return
	}
	s.refreshRotation()
	if len(s.rotation) == 0 || s.queue.Len() == 0 {
		return
	}

	for _, j := range s.queue.Ordered() {
		if len(s.rotation) == 0 {
			break
		}
		if s.trySubmit(j) {
			s.logger.Debug("Job scheduled", "job_id", j.ID(), "node_id", j.AssignedNode())
		}
		s.rotate()
	}
	s.updateGauges()
}

// refreshRotation drops nodes that are not ready or full and puts newly
// available ones at the front.
func (s *Scheduler) refreshRotation() {
	kept := s.rotation[:0]
	for _, n := range s.rotation {
		if n.IsReady() && n.NumAvailableCores() > 0 {
			kept = append(kept, n)
		}
	}
	s.rotation = kept

	for _, n := range s.nodes {
		if !n.IsReady() || n.NumAvailableCores() <= 0 || s.inRotation(n) {
			continue
		}
		s.rotation = append([]*node.Proxy{n}, s.rotation...)
	}
}

func (s *Scheduler) inRotation(p *node.Proxy) bool {
	for _, n := range s.rotation {
		if n == p {
			return true
		}
	}
	return false
}

func (s *Scheduler) rotate() {
	if len(s.rotation) > 1 {
		s.rotation = append(s.rotation[1:], s.rotation[0])
	}
}

// trySubmit offers j to each node in the rotation once.
func (s *Scheduler) trySubmit(j *job.Job) bool {
	s.jobsMu.Lock()
	t, ok := s.jobs[j.ID()]
	s.jobsMu.Unlock()
	if !ok {
		s.queue.Remove(j.ID())
		return false
	}

	for range len(s.rotation) {
		n := s.rotation[0]
		if n.NumAvailableCores() < j.RequestedCores(n.ThreadLimit()) {
			s.rotate()
			continue
		}
		if _, ok := s.queue.Remove(j.ID()); !ok {
			return false
		}

		s.jobsMu.Lock()
		t.node = n
		s.jobsMu.Unlock()

		err := n.Dispatch(j, node.ListenerFunc(s.onCompletion))
		if err == nil {
			if n.NumAvailableCores() <= 0 {
				s.rotation = s.rotation[1:]
			}
			return true
		}
		if errors.Is(err, node.ErrStopped) {
			// onCompletion gets the job back from the stopping node.
			s.logger.Warn("Node stopped while placing job", "job_id", j.ID(), "host", n.Host())
			s.rotation = s.rotation[1:]
			return false
		}

		s.logger.Debug("Job not placed", "job_id", j.ID(), "host", n.Host(), "error", err)
		s.jobsMu.Lock()
		t.node = nil
		s.jobsMu.Unlock()
		if err := s.queue.Push(j, t.priority, s.sortCores(j)); err != nil {
			s.logger.Error("Failed to requeue job", "job_id", j.ID(), "error", err)
		}
		s.rotate()
	}
	return false
}

// onCompletion receives every job a node hands back, including the ones
// failed because the node stopped.
func (s *Scheduler) onCompletion(returned *job.Job) {
	id := returned.ID()

	s.jobsMu.Lock()
	t, ok := s.jobs[id]
	if !ok {
		s.jobsMu.Unlock()
		s.logger.Debug("Dropping completion for unknown job", "job_id", id)
		return
	}

	if s.opts.Reschedule && !s.closed.Load() && errors.Is(returned.Err(), node.ErrStopped) {
		t.node = nil
		s.jobsMu.Unlock()

		if s.reschedule(t) {
			return
		}
		s.jobsMu.Lock()
	}

	delete(s.jobs, id)
	s.jobsMu.Unlock()

	outcome := "success"
	if returned.Err() != nil {
		outcome = "error"
	}
	s.metrics.Completed.WithLabelValues(outcome).Inc()
	s.updateGauges()
	t.future.Complete(returned)
}

// reschedule puts a job from a stopped node on the priority queue. On
// failure the job keeps an error for its future.
func (s *Scheduler) reschedule(t *tracked) bool {
	cause := t.job.Err()
	t.job.Fail(nil)
	t.job.Assign(job.Unassigned)
	t.priority = PriorityHigh

	if err := s.queue.Push(t.job, PriorityHigh, s.sortCores(t.job)); err != nil {
		s.logger.Error("Could not reschedule job", "job_id", t.job.ID(), "error", err)
		t.job.Fail(fmt.Errorf("could not reschedule after %v: %w", cause, err))
		return false
	}
	s.metrics.Rescheduled.Inc()
	s.updateGauges()
	s.logger.Info("Rescheduling job from stopped node", "job_id", t.job.ID())
	s.signal()
	return true
}

func (s *Scheduler) forget(id string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	delete(s.jobs, id)
}

// sortCores is the core request used to order the queue, measured against
// the largest node.
func (s *Scheduler) sortCores(j *job.Job) int {
	return j.RequestedCores(int(s.maxThreads.Load()))
}

func (s *Scheduler) updateGauges() {
	s.jobsMu.Lock()
	running := 0
	for _, t := range s.jobs {
		if t.node != nil {
			running++
		}
	}
	s.jobsMu.Unlock()
	s.metrics.Running.Set(float64(running))
	s.metrics.Queued.Set(float64(s.queue.Len()))
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued  int
	Running int
	Nodes   int
}

func (s *Scheduler) Stats() Stats {
	s.jobsMu.Lock()
	running := 0
	for _, t := range s.jobs {
		if t.node != nil {
			running++
		}
	}
	s.jobsMu.Unlock()
	return Stats{Queued: s.queue.Len(), Running: running, Nodes: len(s.Nodes())}
}

// Queued returns the waiting jobs in placement order.
func (s *Scheduler) Queued() []*job.Job {
	return s.queue.Ordered()
}

// Close stops placement and cancels every queued job. Jobs already on a
// node are left alone. It blocks until Run returns.
func (s *Scheduler) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		if s.started.Load() {
			<-s.done
		}

		queued := s.queue.Ordered()
		for _, j := range queued {
			s.jobsMu.Lock()
			t, ok := s.jobs[j.ID()]
			s.jobsMu.Unlock()
			if !ok {
				continue
			}
			t.future.Cancel(false)
		}

		s.remainingMu.Lock()
		s.remaining = queued
		s.remainingMu.Unlock()

		s.logger.Info("Scheduler closed", "remaining_jobs", len(queued))
	})
}

// RemainingJobs returns the jobs that were still queued when Close ran.
func (s *Scheduler) RemainingJobs() []*job.Job {
	s.remainingMu.Lock()
	defer s.remainingMu.Unlock()
	return append([]*job.Job(nil), s.remaining...)
}

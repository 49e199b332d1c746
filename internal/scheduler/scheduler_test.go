package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/archipelago-go/archipelago/internal/future"
	"github.com/archipelago-go/archipelago/internal/job"
	"github.com/archipelago-go/archipelago/internal/node"
	"github.com/archipelago-go/archipelago/internal/protocol"
	"github.com/archipelago-go/archipelago/internal/shared/logging"
	"github.com/archipelago-go/archipelago/internal/transport"
)

// fakeWorker answers the handshake and either runs jobs with registry or,
// when registry is nil, holds them until the test finishes them.
type fakeWorker struct {
	mu        sync.Mutex
	h         transport.Handler
	nodeID    int64
	registry  *job.Registry
	held      []*job.Job
	cancelled []string
}

func (w *fakeWorker) Connect(ctx context.Context, h transport.Handler) (transport.Channel, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.h = h
	return w, nil
}

func (w *fakeWorker) Send(m protocol.Message) error {
	w.mu.Lock()
	h, registry := w.h, w.registry
	switch m := m.(type) {
	case protocol.Process:
		if registry == nil {
			w.held = append(w.held, m.Job)
		}
	case protocol.Cancel:
		w.cancelled = append(w.cancelled, m.JobID)
	}
	w.mu.Unlock()

	switch m := m.(type) {
	case protocol.GetID:
		h.HandleMessage(protocol.ID{NodeID: w.nodeID})
	case protocol.Process:
		if registry != nil {
			go func() {
				m.Job.Execute(context.Background(), job.Env{NodeID: w.nodeID}, registry)
				h.HandleMessage(protocol.Process{Job: m.Job})
			}()
		}
	}
	return nil
}

func (w *fakeWorker) Close() error {
	return nil
}

func (w *fakeWorker) heldJobs() []*job.Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*job.Job(nil), w.held...)
}

func (w *fakeWorker) cancelledIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.cancelled...)
}

// finish executes a held job and hands it back.
func (w *fakeWorker) finish(t *testing.T, j *job.Job, registry *job.Registry) {
	t.Helper()
	j.Execute(context.Background(), job.Env{NodeID: w.nodeID}, registry)
	w.mu.Lock()
	h := w.h
	w.mu.Unlock()
	h.HandleMessage(protocol.Process{Job: j})
}

func testRegistry(t *testing.T) *job.Registry {
	t.Helper()
	r := job.NewRegistry()
	require.NoError(t, r.Register("double", func(_ context.Context, _ job.Env, args json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(args, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	}))
	require.NoError(t, r.Register("fail", func(context.Context, job.Env, json.RawMessage) (any, error) {
		return nil, errors.New("bad input")
	}))
	return r
}

func newNode(t *testing.T, w *fakeWorker, threads int) *node.Proxy {
	t.Helper()
	p, err := node.New(context.Background(), w, node.Params{
		Host:        "node",
		User:        "u",
		ExecRoot:    "/exec",
		FileRoot:    "/files",
		ThreadLimit: threads,
	}, node.Options{HandshakeRetries: 3, HandshakeInterval: 10 * time.Millisecond}, logging.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func newScheduler(t *testing.T, opts Options) (*Scheduler, *Metrics) {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	m := NewMetrics(prometheus.NewRegistry())
	s := New(opts, m, logging.NopLogger{})
	t.Cleanup(s.Close)
	return s, m
}

func run(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestScheduler_RoundTrip(t *testing.T) {
	registry := testRegistry(t)
	s, m := newScheduler(t, Options{Registry: registry})
	s.AddNode(newNode(t, &fakeWorker{nodeID: 1, registry: registry}, 2))
	run(t, s)

	f, err := s.Submit("double", 21)
	require.NoError(t, err)

	var got int
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.Decode(ctx, &got))
	require.Equal(t, 42, got)

	require.Equal(t, float64(1), testutil.ToFloat64(m.Submitted))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Completed.WithLabelValues("success")))
}

func TestScheduler_RemoteErrorReachesCaller(t *testing.T) {
	registry := testRegistry(t)
	s, m := newScheduler(t, Options{})
	s.AddNode(newNode(t, &fakeWorker{nodeID: 1, registry: registry}, 2))
	run(t, s)

	f, err := s.Submit("fail", nil)
	require.NoError(t, err)

	_, err = f.GetTimeout(2 * time.Second)

	var execErr *future.ExecutionError
	require.ErrorAs(t, err, &execErr)
	var remote *job.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "bad input", remote.Message)
	require.Equal(t, float64(1), testutil.ToFloat64(m.Completed.WithLabelValues("error")))
}

func TestScheduler_SubmitUnknownTask(t *testing.T) {
	s, _ := newScheduler(t, Options{Registry: testRegistry(t)})

	_, err := s.Submit("missing", nil)
	require.ErrorIs(t, err, job.ErrUnknownTask)
}

func TestScheduler_SubmitDuplicateJob(t *testing.T) {
	s, _ := newScheduler(t, Options{})
	j, err := job.New("double", 1)
	require.NoError(t, err)

	_, err = s.SubmitJob(j, PriorityNormal)
	require.NoError(t, err)
	_, err = s.SubmitJob(j, PriorityNormal)
	require.ErrorIs(t, err, ErrDuplicateJob)
}

func TestScheduler_RespectsThreadLimit(t *testing.T) {
	w := &fakeWorker{nodeID: 1}
	s, _ := newScheduler(t, Options{})
	s.AddNode(newNode(t, w, 1))

	for range 3 {
		_, err := s.Submit("double", 1)
		require.NoError(t, err)
	}

	s.schedule()

	require.Len(t, w.heldJobs(), 1)
	require.Equal(t, Stats{Queued: 2, Running: 1, Nodes: 1}, s.Stats())
}

func TestScheduler_AdmitsOnRequestedCores(t *testing.T) {
	registry := testRegistry(t)
	w := &fakeWorker{nodeID: 1}
	s, _ := newScheduler(t, Options{})
	n := newNode(t, w, 4)
	s.AddNode(n)

	_, err := s.Submit("double", 1, job.WithCores(4))
	require.NoError(t, err)
	for range 3 {
		_, err := s.Submit("double", 1)
		require.NoError(t, err)
	}

	s.schedule()
	s.schedule()

	require.Len(t, w.heldJobs(), 1)
	require.Equal(t, 4, n.NumRunningThreads())
	require.Zero(t, n.NumAvailableCores())
	require.Equal(t, Stats{Queued: 3, Running: 1, Nodes: 1}, s.Stats())

	w.finish(t, w.heldJobs()[0], registry)
	s.schedule()

	require.Len(t, w.heldJobs(), 4)
	require.Equal(t, 3, n.NumRunningThreads())
	require.LessOrEqual(t, n.NumRunningThreads(), n.ThreadLimit())
}

func TestScheduler_PlacesAgainAfterCompletion(t *testing.T) {
	registry := testRegistry(t)
	w := &fakeWorker{nodeID: 1}
	s, _ := newScheduler(t, Options{})
	s.AddNode(newNode(t, w, 1))

	first, err := s.Submit("double", 1)
	require.NoError(t, err)
	second, err := s.Submit("double", 2)
	require.NoError(t, err)

	s.schedule()
	require.Len(t, w.heldJobs(), 1)

	w.finish(t, w.heldJobs()[0], registry)
	s.schedule()
	require.Len(t, w.heldJobs(), 2)
	w.finish(t, w.heldJobs()[1], registry)

	for _, f := range []*future.Future{first, second} {
		_, err := f.GetTimeout(time.Second)
		require.NoError(t, err)
	}
}

func TestScheduler_SkipsNodeWithoutEnoughThreads(t *testing.T) {
	small := &fakeWorker{nodeID: 1}
	big := &fakeWorker{nodeID: 2}
	s, _ := newScheduler(t, Options{})
	s.AddNode(newNode(t, small, 1))
	s.AddNode(newNode(t, big, 4))

	_, err := s.Submit("double", 1, job.WithCores(3))
	require.NoError(t, err)

	s.schedule()

	require.Empty(t, small.heldJobs())
	require.Len(t, big.heldJobs(), 1)
	require.Equal(t, int64(2), big.heldJobs()[0].AssignedNode())
}

func TestScheduler_DealsAcrossNodes(t *testing.T) {
	a := &fakeWorker{nodeID: 1}
	b := &fakeWorker{nodeID: 2}
	s, _ := newScheduler(t, Options{})
	s.AddNode(newNode(t, a, 2))
	s.AddNode(newNode(t, b, 2))

	for range 4 {
		_, err := s.Submit("double", 1)
		require.NoError(t, err)
	}
	s.schedule()

	require.Len(t, a.heldJobs(), 2)
	require.Len(t, b.heldJobs(), 2)
}

func TestScheduler_CancelQueuedJob(t *testing.T) {
	s, m := newScheduler(t, Options{})

	f, err := s.Submit("double", 1)
	require.NoError(t, err)

	require.True(t, f.Cancel(false))
	require.True(t, f.IsCancelled())
	require.True(t, f.IsDone())
	require.Zero(t, s.Stats().Queued)
	require.Equal(t, float64(1), testutil.ToFloat64(m.Cancelled))

	_, err = f.Get()
	require.ErrorIs(t, err, future.ErrCancelled)
}

func TestScheduler_CancelRunningJob(t *testing.T) {
	w := &fakeWorker{nodeID: 1}
	s, _ := newScheduler(t, Options{})
	p := newNode(t, w, 2)
	s.AddNode(p)

	f, err := s.Submit("double", 1)
	require.NoError(t, err)
	s.schedule()
	require.Len(t, p.RunningJobs(), 1)

	require.False(t, f.Cancel(false), "running jobs need force")
	require.False(t, f.IsDone())

	require.True(t, f.Cancel(true))
	require.True(t, f.IsCancelled())
	require.Empty(t, p.RunningJobs())
	require.Equal(t, []string{f.JobID()}, w.cancelledIDs())
	require.Zero(t, s.Stats().Running)
}

func TestScheduler_CancelCompletedJob(t *testing.T) {
	registry := testRegistry(t)
	w := &fakeWorker{nodeID: 1}
	s, _ := newScheduler(t, Options{})
	s.AddNode(newNode(t, w, 2))

	f, err := s.Submit("double", 5)
	require.NoError(t, err)
	s.schedule()
	w.finish(t, w.heldJobs()[0], registry)

	require.False(t, f.Cancel(true))
	require.False(t, f.IsCancelled())
	raw, err := f.Get()
	require.NoError(t, err)
	require.JSONEq(t, "10", string(raw))
	require.False(t, s.CancelJob(f.JobID(), true))
}

func TestScheduler_ReschedulesJobsFromStoppedNode(t *testing.T) {
	registry := testRegistry(t)
	a := &fakeWorker{nodeID: 1}
	b := &fakeWorker{nodeID: 2}
	s, m := newScheduler(t, Options{Reschedule: true})
	pa := newNode(t, a, 1)
	s.AddNode(pa)

	f, err := s.Submit("double", 4)
	require.NoError(t, err)
	s.schedule()
	require.Len(t, a.heldJobs(), 1)

	pa.Close()
	require.Empty(t, s.Nodes())
	require.Equal(t, 1, s.Stats().Queued)
	require.False(t, f.IsDone())
	require.Equal(t, float64(1), testutil.ToFloat64(m.Rescheduled))

	s.AddNode(newNode(t, b, 1))
	s.schedule()
	require.Len(t, b.heldJobs(), 1)
	b.finish(t, b.heldJobs()[0], registry)

	raw, err := f.GetTimeout(time.Second)
	require.NoError(t, err)
	require.JSONEq(t, "8", string(raw))
}

func TestScheduler_FailsJobsFromStoppedNode(t *testing.T) {
	a := &fakeWorker{nodeID: 1}
	s, _ := newScheduler(t, Options{Reschedule: false})
	pa := newNode(t, a, 1)
	s.AddNode(pa)

	f, err := s.Submit("double", 4)
	require.NoError(t, err)
	s.schedule()

	pa.ChannelClosed(errors.New("connection reset"))

	_, err = f.GetTimeout(time.Second)
	require.ErrorIs(t, err, node.ErrStopped)
	require.Empty(t, s.Nodes())
}

func TestScheduler_CloseCancelsQueuedJobs(t *testing.T) {
	s, _ := newScheduler(t, Options{})
	run(t, s)

	var futures []*future.Future
	for i := range 3 {
		f, err := s.Submit("double", i)
		require.NoError(t, err)
		futures = append(futures, f)
	}

	s.Close()
	s.Close()

	require.Len(t, s.RemainingJobs(), 3)
	for _, f := range futures {
		require.True(t, f.IsCancelled())
	}

	_, err := s.Submit("double", 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestScheduler_PriorityJobsPlacedFirst(t *testing.T) {
	w := &fakeWorker{nodeID: 1}
	s, _ := newScheduler(t, Options{})

	normal, err := job.New("double", 1)
	require.NoError(t, err)
	urgent, err := job.New("double", 2)
	require.NoError(t, err)
	_, err = s.SubmitJob(normal, PriorityNormal)
	require.NoError(t, err)
	_, err = s.SubmitJob(urgent, PriorityHigh)
	require.NoError(t, err)

	s.AddNode(newNode(t, w, 1))
	s.schedule()

	held := w.heldJobs()
	require.Len(t, held, 1)
	require.Equal(t, urgent.ID(), held[0].ID())
	require.Equal(t, []*job.Job{normal}, s.Queued())
}

// Package worker is the remote side of a node session. It answers the
// root node's handshake and runs the jobs it is sent.
package worker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/archipelago-go/archipelago/internal/job"
	"github.com/archipelago-go/archipelago/internal/protocol"
	"github.com/archipelago-go/archipelago/internal/shared/config"
	"github.com/archipelago-go/archipelago/internal/shared/logging"
	"github.com/archipelago-go/archipelago/internal/transport"
)

type Config struct {
	// NodeID is reported to the root node. Zero picks a random id.
	NodeID int64
	// Threads bounds concurrent jobs. Zero uses the host's CPU count.
	Threads           int
	User              string
	ExecRoot          string
	FileRoot          string
	HeartbeatInterval time.Duration
}

func ConfigFromWorkerConfig(cfg *config.WorkerConfig) Config {
	return Config{
		NodeID:            cfg.Node.ID,
		Threads:           cfg.Node.Threads,
		User:              cfg.Node.User,
		ExecRoot:          cfg.Node.ExecRoot,
		FileRoot:          cfg.Node.FileRoot,
		HeartbeatInterval: cfg.Heartbeat.Interval,
	}
}

// Worker serves sessions from root nodes. All sessions share one job pool
// and one environment.
type Worker struct {
	nodeID   int64
	threads  int
	registry *job.Registry
	pool     *Pool
	beat     time.Duration
	memory   func() (protocol.Beat, error)
	logger   logging.Logger

	mu       sync.Mutex
	user     string
	execRoot string
	fileRoot string
	sessions map[*session]struct{}
	closed   bool
}

func New(cfg Config, registry *job.Registry, logger logging.Logger) *Worker {
	if cfg.NodeID == 0 {
		cfg.NodeID = int64(uuid.New().ID())
	}
	if cfg.Threads <= 0 {
		cfg.Threads = DetectThreads()
	}
	if registry == nil {
		registry = job.Default
	}

	w := &Worker{
		nodeID:   cfg.NodeID,
		threads:  cfg.Threads,
		registry: registry,
		// The scheduler keeps at most threads jobs on a node; the queue
		// absorbs results that have not been collected yet.
		pool:     NewPool(cfg.Threads, cfg.Threads*4),
		beat:     cfg.HeartbeatInterval,
		memory:   HostMemory,
		logger:   logger,
		user:     cfg.User,
		execRoot: cfg.ExecRoot,
		fileRoot: cfg.FileRoot,
		sessions: make(map[*session]struct{}),
	}
	w.pool.Start()
	return w
}

func (w *Worker) NodeID() int64 {
	return w.nodeID
}

func (w *Worker) Threads() int {
	return w.threads
}

// Serve starts a session for a root node connected through ch.
func (w *Worker) Serve(ch transport.Channel) transport.Handler {
	s := newSession(w, ch)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn("Rejecting session on closed worker")
		_ = ch.Close()
		return s
	}
	w.sessions[s] = struct{}{}
	w.mu.Unlock()

	s.start()
	w.logger.Info("Session started", "node_id", w.nodeID)
	return s
}

func (w *Worker) removeSession(s *session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.sessions, s)
}

func (w *Worker) env() job.Env {
	w.mu.Lock()
	defer w.mu.Unlock()
	return job.Env{NodeID: w.nodeID, User: w.user, ExecRoot: w.execRoot, FileRoot: w.fileRoot}
}

func (w *Worker) setExecRoot(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.execRoot = path
}

func (w *Worker) setFileRoot(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fileRoot = path
}

// Close ends every session, cancels running jobs and waits for them to
// return.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	sessions := make([]*session, 0, len(w.sessions))
	for s := range w.sessions {
		sessions = append(sessions, s)
	}
	w.mu.Unlock()

	for _, s := range sessions {
		s.halt()
	}
	w.pool.Close()
	w.logger.Info("Worker closed", "node_id", w.nodeID)
}

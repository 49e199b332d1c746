package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/archipelago-go/archipelago/internal/job"
	"github.com/archipelago-go/archipelago/internal/protocol"
	"github.com/archipelago-go/archipelago/internal/shared/logging"
	"github.com/archipelago-go/archipelago/internal/transport"
)

var errBusy = errors.New("worker job queue is full")

// session handles one root node's channel.
type session struct {
	w      *Worker
	ch     transport.Channel
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func newSession(w *Worker, ch transport.Channel) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		w:       w,
		ch:      ch,
		logger:  w.logger,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]context.CancelFunc),
	}
}

func (s *session) start() {
	if s.w.beat > 0 {
		go s.runHeartbeatLoop()
	}
}

func (s *session) runHeartbeatLoop() {
	ticker := time.NewTicker(s.w.beat)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			beat, err := s.w.memory()
			if err != nil {
				s.logger.Error("Failed to read host memory", "error", err)
				continue
			}
			if err := s.ch.Send(beat); err != nil {
				s.logger.Error("Failed to send heartbeat", "error", err)
				continue
			}
			s.logger.Debug("Heartbeat sent successfully")
		}
	}
}

func (s *session) send(m protocol.Message) {
	if err := s.ch.Send(m); err != nil {
		s.logger.Error("Failed to send message", "command", m.Command(), "error", err)
	}
}

func (s *session) HandleMessage(m protocol.Message) {
	switch m := m.(type) {
	case protocol.GetID:
		s.send(protocol.ID{NodeID: s.w.nodeID})
	case protocol.GetNumThreads:
		s.send(protocol.NumThreads{N: s.w.threads})
	case protocol.GetUser:
		s.send(protocol.User{Name: s.w.env().User})
	case protocol.GetExecRoot:
		s.send(protocol.SetExecRoot{Path: s.w.env().ExecRoot})
	case protocol.GetFileRoot:
		s.send(protocol.SetFileRoot{Path: s.w.env().FileRoot})
	case protocol.SetExecRoot:
		s.w.setExecRoot(m.Path)
		s.logger.Info("Exec root set", "path", m.Path)
	case protocol.SetFileRoot:
		s.w.setFileRoot(m.Path)
		s.logger.Info("File root set", "path", m.Path)
	case protocol.Process:
		s.process(m.Job)
	case protocol.Cancel:
		s.cancelJob(m.JobID)
	case protocol.Ping:
		s.logger.Info("Received ping")
		s.send(protocol.Ping{})
	case protocol.Halt:
		s.logger.Info("Received halt")
		s.halt()
	case protocol.Unknown:
		s.logger.Warn("Ignoring unknown command", "command", m.Name)
		s.send(protocol.Error{Message: fmt.Sprintf("unknown command %q", m.Name)})
	default:
		s.logger.Warn("Ignoring unexpected command", "command", m.Command())
	}
}

func (s *session) process(j *job.Job) {
	if j == nil {
		s.send(protocol.Error{Message: "process message without a job"})
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	if _, exists := s.running[j.ID()]; exists {
		s.mu.Unlock()
		cancel()
		s.logger.Warn("Ignoring duplicate job", "job_id", j.ID())
		return
	}
	s.running[j.ID()] = cancel
	s.mu.Unlock()

	s.logger.Info("Received job", "job_id", j.ID(), "task", j.Task())

	accepted := s.w.pool.TrySubmit(func() {
		j.Execute(ctx, s.w.env(), s.w.registry)
		if !s.finish(j.ID()) {
			s.logger.Info("Dropping result of cancelled job", "job_id", j.ID())
			return
		}
		if err := j.Err(); err != nil {
			s.logger.Error("Job execution failed", "job_id", j.ID(), "error", err)
		} else {
			s.logger.Info("Job completed", "job_id", j.ID())
		}
		s.send(protocol.Process{Job: j})
	})
	if !accepted {
		s.finish(j.ID())
		s.logger.Error("Rejecting job", "job_id", j.ID(), "error", errBusy)
		j.Reject(errBusy)
		s.send(protocol.Process{Job: j})
	}
}

// finish forgets a job. It returns false if the job was cancelled.
func (s *session) finish(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.running[id]
	if !ok {
		return false
	}
	delete(s.running, id)
	cancel()
	return true
}

func (s *session) cancelJob(id string) {
	s.mu.Lock()
	cancel, ok := s.running[id]
	delete(s.running, id)
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("Cancel for unknown job", "job_id", id)
		return
	}
	cancel()
	s.logger.Info("Job cancelled", "job_id", id)
}

func (s *session) runningJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// halt cancels every job of the session and closes its channel.
func (s *session) halt() {
	s.stop()
	if err := s.ch.Close(); err != nil {
		s.logger.Debug("Failed to close channel", "error", err)
	}
}

func (s *session) stop() {
	s.cancel()
	s.mu.Lock()
	for id, cancel := range s.running {
		cancel()
		delete(s.running, id)
	}
	s.mu.Unlock()
	s.w.removeSession(s)
}

func (s *session) ChannelClosed(err error) {
	if err != nil {
		s.logger.Warn("Session channel failed", "error", err)
	} else {
		s.logger.Info("Session closed")
	}
	s.stop()
}

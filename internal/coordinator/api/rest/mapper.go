package rest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/archipelago-go/archipelago/internal/coordinator/storage"
	"github.com/archipelago-go/archipelago/internal/future"
	"github.com/archipelago-go/archipelago/internal/job"
	"github.com/archipelago-go/archipelago/internal/node"
	"github.com/archipelago-go/archipelago/internal/scheduler"
)

func (req *SubmitJobRequest) Validate() error {
	if req.Task == "" {
		return errors.New("task is required")
	}
	if req.Cores < 0 {
		return errors.New("cores must not be negative")
	}
	if req.CoreFraction < 0 || req.CoreFraction > 1 {
		return errors.New("core_fraction must be between 0 and 1")
	}
	if req.Cores > 0 && req.CoreFraction > 0 {
		return errors.New("cores and core_fraction are mutually exclusive")
	}
	if _, err := req.priority(); err != nil {
		return err
	}
	return nil
}

func (req *SubmitJobRequest) priority() (scheduler.Priority, error) {
	switch strings.ToLower(req.Priority) {
	case "", "normal":
		return scheduler.PriorityNormal, nil
	case "high":
		return scheduler.PriorityHigh, nil
	}
	return scheduler.PriorityNormal, fmt.Errorf("unknown priority %q", req.Priority)
}

// ToJob builds the job the request describes. Call Validate first.
func (req *SubmitJobRequest) ToJob() (*job.Job, error) {
	var opts []job.Option
	switch {
	case req.Cores > 0:
		opts = append(opts, job.WithCores(req.Cores))
	case req.CoreFraction > 0:
		opts = append(opts, job.WithCoreFraction(req.CoreFraction))
	}

	var args any
	if len(req.Args) > 0 {
		args = req.Args
	}
	return job.New(req.Task, args, opts...)
}

// JobStatus derives a submission's status from its future. Pending jobs
// are QUEUED if the scheduler still holds them, RUNNING otherwise.
func JobStatus(f *future.Future, queued map[string]struct{}) string {
	switch {
	case f.IsCancelled():
		return StatusCancelled
	case f.IsDone():
		if _, err := f.Get(); err != nil {
			return StatusFailed
		}
		return StatusCompleted
	}
	if _, ok := queued[f.JobID()]; ok {
		return StatusQueued
	}
	return StatusRunning
}

func ToGetJobResponse(sub *storage.Submission, queued map[string]struct{}) GetJobResponse {
	resp := GetJobResponse{
		JobID:       sub.JobID,
		Task:        sub.Task,
		Status:      JobStatus(sub.Future, queued),
		Cores:       sub.Cores,
		SubmittedAt: sub.SubmittedAt,
	}
	if sub.Future.IsDone() && !sub.Future.IsCancelled() {
		result, err := sub.Future.Get()
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = result
		}
	}
	return resp
}

func ToJobSummary(sub *storage.Submission, queued map[string]struct{}) JobSummary {
	return JobSummary{
		JobID:       sub.JobID,
		Task:        sub.Task,
		Status:      JobStatus(sub.Future, queued),
		SubmittedAt: sub.SubmittedAt,
	}
}

func ToNodeInfo(p *node.Proxy) NodeInfo {
	running := p.RunningJobs()
	ids := make([]string, 0, len(running))
	for _, j := range running {
		ids = append(ids, j.ID())
	}

	info := NodeInfo{
		ID:               p.ID(),
		Host:             p.Host(),
		State:            p.State().String(),
		Threads:          p.ThreadLimit(),
		AvailableThreads: p.NumAvailableThreads(),
		RunningCores:     p.NumRunningThreads(),
		RunningJobs:      ids,
	}
	if beat := p.LastBeat(); !beat.IsZero() {
		info.LastBeat = &beat
	}
	mem := p.Memory()
	info.Memory = MemoryInfo{AvailableMB: mem.AvailableMB, TotalMB: mem.TotalMB, MaxMB: mem.MaxMB}
	return info
}

func queuedSet(jobs []*job.Job) map[string]struct{} {
	set := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		set[j.ID()] = struct{}{}
	}
	return set
}

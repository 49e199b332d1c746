package rest

import (
	"encoding/json"
	"time"
)

const (
	StatusQueued    = "QUEUED"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

type SubmitJobRequest struct {
	Task string          `json:"task"`
	Args json.RawMessage `json:"args,omitempty"`
	// Cores and CoreFraction are mutually exclusive. Neither means one core.
	Cores        int     `json:"cores,omitempty"`
	CoreFraction float64 `json:"core_fraction,omitempty"`
	Priority     string  `json:"priority,omitempty"` // "normal" or "high"
}

type SubmitJobResponse struct {
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	Links       Links     `json:"links"`
}

type Links struct {
	Self string `json:"self"`
}

type GetJobResponse struct {
	JobID       string          `json:"job_id"`
	Task        string          `json:"task"`
	Status      string          `json:"status"`
	Cores       int             `json:"cores,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type ListJobsResponse struct {
	Jobs       []JobSummary   `json:"jobs"`
	Total      int            `json:"total"`
	Limit      int            `json:"limit"`
	Offset     int            `json:"offset"`
	NextOffset *int           `json:"next_offset,omitempty"`
	Scheduler  SchedulerStats `json:"scheduler"`
}

type JobSummary struct {
	JobID       string    `json:"job_id"`
	Task        string    `json:"task"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type SchedulerStats struct {
	Queued  int      `json:"queued"`
	Running int      `json:"running"`
	Nodes   int      `json:"nodes"`
	Waiting []string `json:"waiting"`
}

type CancelJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type ListNodesResponse struct {
	Nodes []NodeInfo `json:"nodes"`
}

type NodeInfo struct {
	ID               int64      `json:"id"`
	Host             string     `json:"host"`
	State            string     `json:"state"`
	Threads          int        `json:"threads"`
	AvailableThreads int        `json:"available_threads"`
	RunningCores     int        `json:"running_cores"`
	RunningJobs      []string   `json:"running_jobs"`
	LastBeat         *time.Time `json:"last_beat,omitempty"`
	Memory           MemoryInfo `json:"memory"`
}

type MemoryInfo struct {
	AvailableMB int `json:"available_mb"`
	TotalMB     int `json:"total_mb"`
	MaxMB       int `json:"max_mb"`
}

type ListTasksResponse struct {
	Tasks []string `json:"tasks"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

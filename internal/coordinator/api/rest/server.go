// Package rest serves the coordinator's HTTP API: node and job status,
// job submission and cancellation, and Prometheus metrics.
package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/archipelago-go/archipelago/internal/coordinator/storage"
	"github.com/archipelago-go/archipelago/internal/future"
	"github.com/archipelago-go/archipelago/internal/job"
	"github.com/archipelago-go/archipelago/internal/node"
	"github.com/archipelago-go/archipelago/internal/scheduler"
	"github.com/archipelago-go/archipelago/internal/shared/config"
	"github.com/archipelago-go/archipelago/internal/shared/logging"
)

const (
	defaultLimit = 10
	maxLimit     = 100
)

// Scheduler is the part of the scheduler the API needs.
type Scheduler interface {
	Nodes() []*node.Proxy
	Stats() scheduler.Stats
	Queued() []*job.Job
	SubmitJob(j *job.Job, priority scheduler.Priority) (*future.Future, error)
}

type API struct {
	scheduler Scheduler
	store     storage.SubmissionStore
	registry  *job.Registry
	logger    logging.Logger
	now       func() time.Time
}

func NewAPI(s Scheduler, store storage.SubmissionStore, registry *job.Registry, logger logging.Logger) *API {
	if registry == nil {
		registry = job.Default
	}
	return &API{
		scheduler: s,
		store:     store,
		registry:  registry,
		logger:    logger,
		now:       time.Now,
	}
}

func (a *API) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/nodes", a.listNodes).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks", a.listTasks).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs", a.submitJob).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs", a.listJobs).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}", a.getJob).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}", a.cancelJob).Methods(http.MethodDelete)
}

// listNodes handles GET /api/nodes
func (a *API) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := a.scheduler.Nodes()
	resp := ListNodesResponse{Nodes: make([]NodeInfo, 0, len(nodes))}
	for _, p := range nodes {
		resp.Nodes = append(resp.Nodes, ToNodeInfo(p))
	}
	a.respondJSON(w, http.StatusOK, resp)
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, ListTasksResponse{Tasks: a.registry.List()})
}

// submitJob handles POST /api/jobs
func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		a.respondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	if _, err := a.registry.Get(req.Task); err != nil {
		a.respondError(w, http.StatusBadRequest, "unknown task", req.Task)
		return
	}

	j, err := req.ToJob()
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid job", err.Error())
		return
	}
	priority, _ := req.priority()

	f, err := a.scheduler.SubmitJob(j, priority)
	switch {
	case errors.Is(err, job.ErrUnknownTask):
		a.respondError(w, http.StatusBadRequest, "unknown task", req.Task)
		return
	case errors.Is(err, scheduler.ErrClosed):
		a.respondError(w, http.StatusServiceUnavailable, "scheduler closed", "")
		return
	case err != nil:
		a.logger.Error("Failed to submit job", "task", req.Task, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to submit job", err.Error())
		return
	}

	sub := &storage.Submission{
		JobID:       j.ID(),
		Task:        j.Task(),
		Cores:       req.Cores,
		SubmittedAt: a.now().UTC(),
		Future:      f,
	}
	if err := a.store.Save(sub); err != nil {
		a.logger.Error("Failed to save submission", "job_id", j.ID(), "error", err)
	}
	a.logger.Info("Job submitted", "job_id", j.ID(), "task", j.Task())

	a.respondJSON(w, http.StatusCreated, SubmitJobResponse{
		JobID:       sub.JobID,
		Status:      JobStatus(f, queuedSet(a.scheduler.Queued())),
		SubmittedAt: sub.SubmittedAt,
		Links:       Links{Self: fmt.Sprintf("/api/jobs/%s", sub.JobID)},
	})
}

// listJobs handles GET /api/jobs with an optional done filter and pagination
func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := storage.Filter{Limit: defaultLimit}
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			filter.Limit = min(l, maxLimit)
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			filter.Offset = o
		}
	}
	if doneStr := query.Get("done"); doneStr != "" {
		done, err := strconv.ParseBool(doneStr)
		if err != nil {
			a.respondError(w, http.StatusBadRequest, "invalid done filter", err.Error())
			return
		}
		filter.Done = &done
	}

	subs, total, err := a.store.List(filter)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, "failed to list jobs", err.Error())
		return
	}

	queued := a.scheduler.Queued()
	set := queuedSet(queued)
	jobs := make([]JobSummary, 0, len(subs))
	for _, sub := range subs {
		jobs = append(jobs, ToJobSummary(sub, set))
	}

	var nextOffset *int
	if end := filter.Offset + len(subs); end < total {
		nextOffset = &end
	}

	waiting := make([]string, 0, len(queued))
	for _, j := range queued {
		waiting = append(waiting, j.ID())
	}
	stats := a.scheduler.Stats()

	a.respondJSON(w, http.StatusOK, ListJobsResponse{
		Jobs:       jobs,
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
		NextOffset: nextOffset,
		Scheduler: SchedulerStats{
			Queued:  stats.Queued,
			Running: stats.Running,
			Nodes:   stats.Nodes,
			Waiting: waiting,
		},
	})
}

// getJob handles GET /api/jobs/{id}
func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.lookup(w, r)
	if !ok {
		return
	}
	a.respondJSON(w, http.StatusOK, ToGetJobResponse(sub, queuedSet(a.scheduler.Queued())))
}

// cancelJob handles DELETE /api/jobs/{id}. A running job is only
// interrupted with ?force=true.
func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.lookup(w, r)
	if !ok {
		return
	}

	force := false
	if forceStr := r.URL.Query().Get("force"); forceStr != "" {
		var err error
		if force, err = strconv.ParseBool(forceStr); err != nil {
			a.respondError(w, http.StatusBadRequest, "invalid force flag", err.Error())
			return
		}
	}

	if !sub.Future.Cancel(force) {
		status := JobStatus(sub.Future, queuedSet(a.scheduler.Queued()))
		msg := "job already finished"
		if status == StatusRunning && !force {
			msg = "job is running, retry with force=true"
		} else if status == StatusRunning {
			msg = "node did not accept the cancel"
		}
		a.respondError(w, http.StatusConflict, msg, status)
		return
	}

	a.logger.Info("Job cancelled", "job_id", sub.JobID, "force", force)
	a.respondJSON(w, http.StatusOK, CancelJobResponse{JobID: sub.JobID, Status: StatusCancelled})
}

func (a *API) lookup(w http.ResponseWriter, r *http.Request) (*storage.Submission, bool) {
	jobID := mux.Vars(r)["id"]
	sub, err := a.store.Get(jobID)
	if errors.Is(err, storage.ErrNotFound) {
		a.respondError(w, http.StatusNotFound, "job not found", jobID)
		return nil, false
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, "failed to load job", err.Error())
		return nil, false
	}
	return sub, true
}

func (a *API) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("Failed to write response", "error", err)
	}
}

func (a *API) respondError(w http.ResponseWriter, statusCode int, error string, message string) {
	resp := ErrorResponse{
		Error:   error,
		Message: message,
		Code:    statusCode,
	}
	a.respondJSON(w, statusCode, resp)
}

// NewHandler routes the API and, if gatherer is set, /metrics.
func NewHandler(api *API, gatherer prometheus.Gatherer, logger logging.Logger) http.Handler {
	router := mux.NewRouter()
	api.RegisterRoutes(router)
	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	router.Use(RecoveryMiddleware(logger), LoggingMiddleware(logger))
	return router
}

func NewServer(cfg config.RESTConfig, api *API, gatherer prometheus.Gatherer, logger logging.Logger) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewHandler(api, gatherer, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/archipelago-go/archipelago/internal/coordinator/api/rest"
	"github.com/archipelago-go/archipelago/internal/coordinator/storage"
	"github.com/archipelago-go/archipelago/internal/job"
	"github.com/archipelago-go/archipelago/internal/node"
	"github.com/archipelago-go/archipelago/internal/scheduler"
	"github.com/archipelago-go/archipelago/internal/shared/config"
	"github.com/archipelago-go/archipelago/internal/shared/logging"
	_ "github.com/archipelago-go/archipelago/internal/tasks"
	"github.com/archipelago-go/archipelago/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	runTask := flag.String("run", "", "submit this task once the nodes are up and log its result")
	runArgs := flag.String("args", "", "JSON arguments for -run")
	flag.Parse()

	cfg, err := config.LoadCoordinator(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	schedOpts := scheduler.OptionsFromConfig(cfg.Scheduler)
	schedOpts.Registry = job.Default
	sched := scheduler.New(schedOpts, scheduler.NewMetrics(registry), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proxies := connectNodes(ctx, cfg, logger)
	for _, p := range proxies {
		sched.AddNode(p)
	}
	logger.Info("Nodes connected", "connected", len(proxies), "configured", len(cfg.Nodes))

	go sched.Run(ctx)

	health := scheduler.NewNodeHealthChecker(cfg.Scheduler.HealthCheckInterval, cfg.Scheduler.StaleTimeout, sched, logger)
	go health.Start(ctx)

	api := rest.NewAPI(sched, storage.NewInMemorySubmissionStore(cfg.REST.History), job.Default, logger)
	server := rest.NewServer(cfg.REST, api, registry, logger)

	go func() {
		logger.Info("Starting status API server", "addr", cfg.REST.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Status API server error", "error", err)
		}
	}()

	if *runTask != "" {
		go runOnce(ctx, sched, *runTask, *runArgs, logger)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down coordinator")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Status API server forced to shutdown", "error", err)
	}

	cancel()
	sched.Close()
	if remaining := sched.RemainingJobs(); len(remaining) > 0 {
		logger.Warn("Jobs left unscheduled", "count", len(remaining))
	}
	for _, p := range sched.Nodes() {
		p.Close()
	}

	logger.Info("Coordinator stopped")
}

// connectNodes performs the handshake with every configured worker in
// parallel. Workers that do not answer are logged and left out.
func connectNodes(ctx context.Context, cfg *config.CoordinatorConfig, logger logging.Logger) []*node.Proxy {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		proxies []*node.Proxy
	)
	opts := node.OptionsFromConfig(cfg.Handshake)

	for _, n := range cfg.Nodes {
		wg.Go(func() {
			connector := transport.NewGRPCConnector(n.Addr, cfg.GRPC, logger)
			p, err := node.New(ctx, connector, node.ParamsFromConfig(n), opts, logger)
			if err != nil {
				logger.Error("Failed to connect node", "host", n.Host, "addr", n.Addr, "error", err)
				return
			}
			mu.Lock()
			proxies = append(proxies, p)
			mu.Unlock()
		})
	}
	wg.Wait()
	return proxies
}

func runOnce(ctx context.Context, sched *scheduler.Scheduler, task, rawArgs string, logger logging.Logger) {
	var args any
	if rawArgs != "" {
		if !json.Valid([]byte(rawArgs)) {
			logger.Error("Arguments are not valid JSON", "task", task)
			return
		}
		args = json.RawMessage(rawArgs)
	}

	f, err := sched.Submit(task, args)
	if err != nil {
		logger.Error("Failed to submit job", "task", task, "error", err)
		return
	}
	logger.Info("Job submitted", "task", task, "job_id", f.JobID())

	result, err := f.Wait(ctx)
	if err != nil {
		logger.Error("Job failed", "task", task, "job_id", f.JobID(), "error", err)
		return
	}
	logger.Info("Job finished", "task", task, "job_id", f.JobID(), "result", string(result))
}

package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/archipelago-go/archipelago/internal/job"
	"github.com/archipelago-go/archipelago/internal/shared/config"
	"github.com/archipelago-go/archipelago/internal/shared/logging"
	_ "github.com/archipelago-go/archipelago/internal/tasks"
	"github.com/archipelago-go/archipelago/internal/transport"
	"github.com/archipelago-go/archipelago/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadWorker(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}

	w := worker.New(worker.ConfigFromWorkerConfig(cfg), job.Default, logger)
	server := transport.NewServer(cfg.Server, w, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("Failed to serve", "addr", cfg.Server.Addr, "error", err)
		}
	}()

	logger.Info("Worker started",
		"node_id", w.NodeID(),
		"threads", w.Threads(),
		"addr", cfg.Server.Addr,
		"tasks", job.Default.List(),
		"heartbeat", cfg.Heartbeat.Interval.String(),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker", "node_id", w.NodeID())
	w.Close()
	server.Stop()
}

// Package local runs a whole cluster inside one process: in-process
// workers connected to node proxies through pipes, and a scheduler that
// places jobs on them. It is used by cmd/local and in tests.
package local

import (
	"context"
	"fmt"
	"time"

	"github.com/archipelago-go/archipelago/internal/job"
	"github.com/archipelago-go/archipelago/internal/node"
	"github.com/archipelago-go/archipelago/internal/scheduler"
	"github.com/archipelago-go/archipelago/internal/shared/logging"
	"github.com/archipelago-go/archipelago/internal/transport"
	"github.com/archipelago-go/archipelago/internal/worker"
)

type Config struct {
	Nodes          int
	ThreadsPerNode int
	FileRoot       string
	// HeartbeatInterval of zero turns worker heartbeats off.
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
}

type Cluster struct {
	workers []*worker.Worker
	proxies []*node.Proxy
	sched   *scheduler.Scheduler
	cancel  context.CancelFunc
}

// Start boots cfg.Nodes workers and connects them to a running scheduler.
// Jobs naming tasks missing from registry are refused at submit time.
func Start(ctx context.Context, cfg Config, registry *job.Registry, logger logging.Logger) (*Cluster, error) {
	if cfg.Nodes <= 0 {
		return nil, fmt.Errorf("at least one node is required, got %d", cfg.Nodes)
	}
	if registry == nil {
		registry = job.Default
	}

	c := &Cluster{
		sched: scheduler.New(scheduler.Options{
			PollInterval: cfg.PollInterval,
			Reschedule:   true,
			Registry:     registry,
		}, nil, logger),
	}

	for i := range cfg.Nodes {
		w := worker.New(worker.Config{
			NodeID:            int64(i + 1),
			Threads:           cfg.ThreadsPerNode,
			FileRoot:          cfg.FileRoot,
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, registry, logger)
		c.workers = append(c.workers, w)

		p, err := node.New(ctx, &transport.PipeConnector{Server: w, Logger: logger}, node.Params{
			Host:     fmt.Sprintf("local-%d", i+1),
			User:     "local",
			ExecRoot: cfg.FileRoot,
			FileRoot: cfg.FileRoot,
		}, node.Options{HandshakeRetries: 10, HandshakeInterval: 50 * time.Millisecond}, logger)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to start node %d: %w", i+1, err)
		}
		c.proxies = append(c.proxies, p)
		c.sched.AddNode(p)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.sched.Run(runCtx)

	logger.Info("Local cluster started", "nodes", cfg.Nodes, "threads_per_node", c.proxies[0].ThreadLimit())
	return c, nil
}

func (c *Cluster) Scheduler() *scheduler.Scheduler {
	return c.sched
}

// Close stops the scheduler, then the proxies, then the workers.
func (c *Cluster) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.sched.Close()
	for _, p := range c.proxies {
		p.Close()
	}
	for _, w := range c.workers {
		w.Close()
	}
}

package scheduler

import (
	"context"
	"time"

	"github.com/archipelago-go/archipelago/internal/node"
	"github.com/archipelago-go/archipelago/internal/shared/logging"
)

// NodeLister lists the nodes a health checker watches.
type NodeLister interface {
	Nodes() []*node.Proxy
}

// NodeHealthChecker closes nodes whose worker stopped sending heartbeats.
// Closing a node hands its jobs back to the scheduler.
type NodeHealthChecker struct {
	checkInterval time.Duration
	staleTimeout  time.Duration
	nodes         NodeLister
	logger        logging.Logger
	now           func() time.Time
}

func NewNodeHealthChecker(
	checkInterval time.Duration,
	staleTimeout time.Duration,
	nodes NodeLister,
	logger logging.Logger,
) *NodeHealthChecker {
	return &NodeHealthChecker{
		checkInterval: checkInterval,
		staleTimeout:  staleTimeout,
		nodes:         nodes,
		logger:        logger,
		now:           time.Now,
	}
}

func (h *NodeHealthChecker) Start(ctx context.Context) {
	if h.staleTimeout <= 0 || h.checkInterval <= 0 {
		return
	}

	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.closeStaleNodes()
		}
	}
}

func (h *NodeHealthChecker) closeStaleNodes() {
	cutoff := h.now().Add(-h.staleTimeout)
	for _, n := range h.nodes.Nodes() {
		lastBeat := n.LastBeat()
		if !lastBeat.Before(cutoff) {
			continue
		}
		h.logger.Warn("Closing stale node", "node_id", n.ID(), "host", n.Host(), "last_beat", lastBeat)
		n.Close()
	}
}

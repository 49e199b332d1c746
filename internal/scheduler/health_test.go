package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/archipelago-go/archipelago/internal/node"
	"github.com/archipelago-go/archipelago/internal/protocol"
	"github.com/archipelago-go/archipelago/internal/shared/logging"
)

type staticNodes []*node.Proxy

func (s staticNodes) Nodes() []*node.Proxy {
	return s
}

func TestNodeHealthChecker_ClosesStaleNodes(t *testing.T) {
	stale := newNode(t, &fakeWorker{nodeID: 1}, 1)
	fresh := newNode(t, &fakeWorker{nodeID: 2}, 1)
	h := NewNodeHealthChecker(time.Second, 50*time.Millisecond, staticNodes{stale, fresh}, logging.NopLogger{})

	// The handshake counts as a beat.
	h.closeStaleNodes()
	require.Equal(t, node.StateActive, stale.State())

	time.Sleep(80 * time.Millisecond)
	fresh.HandleMessage(protocol.Beat{RAMAvailableMB: 1})
	h.closeStaleNodes()

	require.Equal(t, node.StateStopped, stale.State())
	require.Equal(t, node.StateActive, fresh.State())
}

func TestNodeHealthChecker_RemovesStaleNodeFromScheduler(t *testing.T) {
	s, _ := newScheduler(t, Options{})
	p := newNode(t, &fakeWorker{nodeID: 1}, 1)
	s.AddNode(p)

	h := NewNodeHealthChecker(time.Second, time.Minute, s, logging.NopLogger{})
	h.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	h.closeStaleNodes()

	require.Equal(t, node.StateStopped, p.State())
	require.Empty(t, s.Nodes())
}

func TestNodeHealthChecker_DisabledWithoutTimeout(t *testing.T) {
	h := NewNodeHealthChecker(time.Millisecond, 0, staticNodes{}, logging.NopLogger{})

	done := make(chan struct{})
	go func() {
		h.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return immediately when disabled")
	}
}

func TestNodeHealthChecker_StopsOnContextCancel(t *testing.T) {
	h := NewNodeHealthChecker(5*time.Millisecond, time.Minute, staticNodes{}, logging.NopLogger{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Start(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

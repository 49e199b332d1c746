package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/archipelago-go/archipelago/internal/protocol"
	"github.com/archipelago-go/archipelago/internal/shared/config"
	"github.com/archipelago-go/archipelago/internal/shared/logging"
)

type recordingHandler struct {
	messages chan protocol.Message
	closed   chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		messages: make(chan protocol.Message, 16),
		closed:   make(chan error, 1),
	}
}

func (h *recordingHandler) HandleMessage(m protocol.Message) {
	h.messages <- m
}

func (h *recordingHandler) ChannelClosed(err error) {
	h.closed <- err
}

func (h *recordingHandler) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-h.messages:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func (h *recordingHandler) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.closed:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
		return nil
	}
}

// echoServer answers ping with ping and getid with a fixed id.
type echoServer struct {
	mu       sync.Mutex
	sessions int
}

type echoSession struct {
	ch Channel
}

func (s *echoServer) Serve(ch Channel) Handler {
	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()
	return &echoSession{ch: ch}
}

func (e *echoSession) HandleMessage(m protocol.Message) {
	switch m.(type) {
	case protocol.GetID:
		e.ch.Send(protocol.ID{NodeID: 9})
	case protocol.Ping:
		e.ch.Send(protocol.Ping{})
	case protocol.Halt:
		e.ch.Close()
	}
}

func (e *echoSession) ChannelClosed(error) {}

func TestPipe_DeliversInOrder(t *testing.T) {
	a, b := Pipe(logging.NopLogger{})
	ha, hb := newRecordingHandler(), newRecordingHandler()
	a.Start(ha)
	b.Start(hb)

	require.NoError(t, a.Send(protocol.User{Name: "one"}))
	require.NoError(t, a.Send(protocol.User{Name: "two"}))

	require.Equal(t, protocol.User{Name: "one"}, hb.next(t))
	require.Equal(t, protocol.User{Name: "two"}, hb.next(t))
}

func TestPipe_CloseNotifiesBothEnds(t *testing.T) {
	a, b := Pipe(logging.NopLogger{})
	ha, hb := newRecordingHandler(), newRecordingHandler()
	a.Start(ha)
	b.Start(hb)

	require.NoError(t, a.Close())

	require.NoError(t, ha.waitClosed(t))
	require.ErrorIs(t, hb.waitClosed(t), ErrClosed)
	require.ErrorIs(t, a.Send(protocol.Ping{}), ErrClosed)
	require.ErrorIs(t, b.Send(protocol.Ping{}), ErrClosed)
	require.NoError(t, a.Close())
}

func TestPipe_DropsUndecodableFrames(t *testing.T) {
	a, b := Pipe(logging.NopLogger{})
	hb := newRecordingHandler()
	b.Start(hb)

	b.inject([]byte(`{"command":"id","payload":{"node_id":"x"}}`))
	require.NoError(t, a.Send(protocol.Ping{}))

	require.Equal(t, protocol.Ping{}, hb.next(t))
}

func TestPipeConnector_StartsRemoteSession(t *testing.T) {
	server := &echoServer{}
	connector := &PipeConnector{Server: server, Logger: logging.NopLogger{}}
	h := newRecordingHandler()

	ch, err := connector.Connect(context.Background(), h)
	require.NoError(t, err)

	require.NoError(t, ch.Send(protocol.GetID{}))
	require.Equal(t, protocol.ID{NodeID: 9}, h.next(t))
}

func TestPipeConnector_CancelledContext(t *testing.T) {
	connector := &PipeConnector{Server: &echoServer{}, Logger: logging.NopLogger{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := connector.Connect(ctx, newRecordingHandler())
	require.Error(t, err)
}

func startGRPCServer(t *testing.T, sessions SessionServer) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(config.ServerConfig{KeepaliveMinTime: time.Second}, sessions, logging.NopLogger{})
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	return lis.Addr().String()
}

func grpcClientConfig() config.GRPCClientConfig {
	return config.GRPCClientConfig{KeepaliveTime: 10 * time.Second, KeepaliveTimeout: time.Second}
}

func TestGRPC_RoundTrip(t *testing.T) {
	addr := startGRPCServer(t, &echoServer{})
	connector := NewGRPCConnector(addr, grpcClientConfig(), logging.NopLogger{})
	h := newRecordingHandler()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := connector.Connect(ctx, h)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(protocol.GetID{}))
	require.Equal(t, protocol.ID{NodeID: 9}, h.next(t))

	require.NoError(t, ch.Send(protocol.Ping{}))
	require.Equal(t, protocol.Ping{}, h.next(t))
}

func TestGRPC_RemoteCloseIsReported(t *testing.T) {
	addr := startGRPCServer(t, &echoServer{})
	connector := NewGRPCConnector(addr, grpcClientConfig(), logging.NopLogger{})
	h := newRecordingHandler()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := connector.Connect(ctx, h)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(protocol.Halt{}))
	require.Error(t, h.waitClosed(t))
}

func TestGRPC_LocalCloseIsClean(t *testing.T) {
	addr := startGRPCServer(t, &echoServer{})
	connector := NewGRPCConnector(addr, grpcClientConfig(), logging.NopLogger{})
	h := newRecordingHandler()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := connector.Connect(ctx, h)
	require.NoError(t, err)

	require.NoError(t, ch.Send(protocol.Ping{}))
	h.next(t)

	ch.Close()
	require.NoError(t, h.waitClosed(t))
	require.ErrorIs(t, ch.Send(protocol.Ping{}), ErrClosed)
}

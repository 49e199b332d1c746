package transport

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/archipelago-go/archipelago/internal/shared/config"
	"github.com/archipelago-go/archipelago/internal/shared/logging"
)

const connectMethod = "/archipelago.Session/Connect"

// SessionServer accepts sessions opened by node proxies.
type SessionServer interface {
	// Serve starts a session on ch and returns the handler for its
	// inbound messages.
	Serve(ch Channel) Handler
}

type sessionService interface {
	Connect(stream grpc.ServerStream) error
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: "archipelago.Session",
	HandlerType: (*sessionService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Connect",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(sessionService).Connect(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "archipelago/session",
}

type GRPCConnector struct {
	addr   string
	cfg    config.GRPCClientConfig
	logger logging.Logger
}

func NewGRPCConnector(addr string, cfg config.GRPCClientConfig, logger logging.Logger) *GRPCConnector {
	return &GRPCConnector{addr: addr, cfg: cfg, logger: logger}
}

func (c *GRPCConnector) Connect(ctx context.Context, h Handler) (Channel, error) {
	conn, err := grpc.NewClient(
		c.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Time:                c.cfg.KeepaliveTime,
				Timeout:             c.cfg.KeepaliveTimeout,
				PermitWithoutStream: true,
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to worker %s: %w", c.addr, err)
	}

	// The stream outlives ctx, which only bounds the dial.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	stream, err := conn.NewStream(streamCtx, &sessionServiceDesc.Streams[0], connectMethod, grpc.WaitForReady(true))
	stop()
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("failed to open session with worker %s: %w", c.addr, err)
	}

	ch := newStreamChannel(stream, func() error {
		sendErr := stream.CloseSend()
		cancel()
		if err := conn.Close(); err != nil {
			return err
		}
		return sendErr
	}, c.logger)
	go ch.receive(h)

	return ch, nil
}

// Server hosts the session endpoint on a worker.
type Server struct {
	addr       string
	grpcServer *grpc.Server
	sessions   SessionServer
	logger     logging.Logger
}

func NewServer(cfg config.ServerConfig, sessions SessionServer, logger logging.Logger) *Server {
	grpcServer := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             cfg.KeepaliveMinTime,
			PermitWithoutStream: true,
		}),
	)

	s := &Server{
		addr:       cfg.Addr,
		grpcServer: grpcServer,
		sessions:   sessions,
		logger:     logger,
	}
	grpcServer.RegisterService(&sessionServiceDesc, s)
	return s
}

func (s *Server) Connect(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	ch := newStreamChannel(stream, func() error {
		cancel()
		return nil
	}, s.logger)
	h := s.sessions.Serve(ch)

	go ch.receive(h)

	select {
	case <-ctx.Done():
	case <-ch.Done():
	}
	ch.Close()
	return nil
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

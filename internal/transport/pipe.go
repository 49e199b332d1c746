package transport

import (
	"context"
	"sync"

	"github.com/archipelago-go/archipelago/internal/protocol"
	"github.com/archipelago-go/archipelago/internal/shared/logging"
)

const pipeBuffer = 256

type pipeState struct {
	once     sync.Once
	shutdown chan struct{}
	closer   *PipeChannel
}

// PipeChannel is one end of an in-process channel pair. Messages are
// encoded and decoded exactly as on the network.
type PipeChannel struct {
	in     chan []byte
	peer   *PipeChannel
	state  *pipeState
	logger logging.Logger
}

// Pipe returns two connected channel ends. Call Start on each end to
// begin delivering inbound messages.
func Pipe(logger logging.Logger) (*PipeChannel, *PipeChannel) {
	state := &pipeState{shutdown: make(chan struct{})}
	a := &PipeChannel{in: make(chan []byte, pipeBuffer), state: state, logger: logger}
	b := &PipeChannel{in: make(chan []byte, pipeBuffer), state: state, logger: logger}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeChannel) Start(h Handler) {
	go p.receive(h)
}

func (p *PipeChannel) Send(m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	select {
	case <-p.state.shutdown:
		return ErrClosed
	default:
	}

	select {
	case p.peer.in <- b:
		return nil
	case <-p.state.shutdown:
		return ErrClosed
	}
}

// Close shuts down both ends. The peer sees ErrClosed.
func (p *PipeChannel) Close() error {
	p.state.once.Do(func() {
		p.state.closer = p
		close(p.state.shutdown)
	})
	return nil
}

func (p *PipeChannel) receive(h Handler) {
	for {
		select {
		case b := <-p.in:
			p.dispatch(h, b)
		case <-p.state.shutdown:
			// Deliver what the peer sent before the pipe closed.
			for {
				select {
				case b := <-p.in:
					p.dispatch(h, b)
				default:
					h.ChannelClosed(p.closeReason())
					return
				}
			}
		}
	}
}

func (p *PipeChannel) dispatch(h Handler, b []byte) {
	m, err := protocol.Decode(b)
	if err != nil {
		p.logger.Error("Dropping undecodable message", "error", err)
		return
	}
	h.HandleMessage(m)
}

func (p *PipeChannel) closeReason() error {
	if p.state.closer == p {
		return nil
	}
	return ErrClosed
}

// inject delivers raw bytes to this end as if the peer had sent them.
func (p *PipeChannel) inject(b []byte) {
	p.in <- b
}

// PipeConnector connects node proxies to in-process workers.
type PipeConnector struct {
	Server SessionServer
	Logger logging.Logger
}

func (c *PipeConnector) Connect(ctx context.Context, h Handler) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local, remote := Pipe(c.Logger)
	remote.Start(c.Server.Serve(remote))
	local.Start(h)
	return local, nil
}

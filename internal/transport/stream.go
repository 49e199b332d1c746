package transport

import (
	"errors"
	"io"
	"sync"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/archipelago-go/archipelago/internal/protocol"
	"github.com/archipelago-go/archipelago/internal/shared/logging"
)

// frameStream is the part of grpc.ClientStream and grpc.ServerStream we use.
type frameStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// streamChannel carries one encoded envelope per gRPC frame.
type streamChannel struct {
	stream  frameStream
	onClose func() error
	logger  logging.Logger

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func newStreamChannel(stream frameStream, onClose func() error, logger logging.Logger) *streamChannel {
	return &streamChannel{
		stream:  stream,
		onClose: onClose,
		logger:  logger,
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *streamChannel) Send(m protocol.Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(wrapperspb.Bytes(b))
}

func (c *streamChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			c.sendMu.Lock()
			err = c.onClose()
			c.sendMu.Unlock()
		}
	})
	return err
}

// Done is closed when the receive loop has exited.
func (c *streamChannel) Done() <-chan struct{} {
	return c.done
}

func (c *streamChannel) receive(h Handler) {
	defer close(c.done)

	for {
		frame := new(wrapperspb.BytesValue)
		if err := c.stream.RecvMsg(frame); err != nil {
			h.ChannelClosed(c.closeReason(err))
			return
		}

		m, err := protocol.Decode(frame.GetValue())
		if err != nil {
			c.logger.Error("Dropping undecodable message", "error", err)
			continue
		}
		h.HandleMessage(m)
	}
}

func (c *streamChannel) closeReason(err error) error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	if errors.Is(err, io.EOF) {
		return ErrClosed
	}
	return err
}

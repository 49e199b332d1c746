// Package transport moves protocol messages between the root node and a
// worker. A Channel sends; inbound messages are delivered to a Handler
// from a single receive goroutine per channel.
package transport

import (
	"context"
	"errors"

	"github.com/archipelago-go/archipelago/internal/protocol"
)

// ErrClosed is returned by Send after the channel is closed, and passed to
// ChannelClosed when the peer goes away.
var ErrClosed = errors.New("channel closed")

type Channel interface {
	Send(m protocol.Message) error
	Close() error
}

type Handler interface {
	HandleMessage(m protocol.Message)
	// ChannelClosed is called once when the receive loop stops. err is nil
	// when the channel was closed locally through Close.
	ChannelClosed(err error)
}

// Connector opens a channel to one worker.
type Connector interface {
	Connect(ctx context.Context, h Handler) (Channel, error)
}

package transport

import (
	"context"
	"errors"
)

var (
	ErrStreamClosed    = errors.New("stream closed")
	ErrTransportClosed = errors.New("transport closed")
)

// Stream is one bidirectional, ordered, message-framed channel. Each Send
// delivers exactly one frame to the peer's Recv.
type Stream interface {
	Send(frame []byte) error
	// Recv blocks for the next inbound frame. It returns an error once the
	// stream is closed locally, aborted by the peer, or the connection fails.
	Recv() ([]byte, error)
	// Close releases the stream without flushing pending frames.
	Close() error
}

// Transport opens independent streams multiplexed over one shared connection.
type Transport interface {
	OpenStream(ctx context.Context) (Stream, error)
	Close() error
}

// Handler serves one inbound stream until the exchange ends.
type Handler func(ctx context.Context, stream Stream) error

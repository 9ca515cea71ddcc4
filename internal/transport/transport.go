// Package transport provides bidirectional message channels between peers.
// A substrate hands out an endpoint for a claimed address; the endpoint
// accepts inbound channels and opens outbound ones. Channel lifecycle changes
// and payloads are delivered as events to a sink, one channel at a time and in
// order.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrAddressTaken indicates that another peer already holds the address.
	ErrAddressTaken = errors.New("transport: address is taken")
	// ErrUnknownAddress indicates that no peer holds the requested address.
	ErrUnknownAddress = errors.New("transport: unknown address")
	// ErrChannelClosed indicates a send on a channel that is not open.
	ErrChannelClosed = errors.New("transport: channel is not open")
	// ErrSendBufferFull indicates that a payload was dropped because the peer is not draining.
	ErrSendBufferFull = errors.New("transport: send buffer full")
	// ErrHandshakeFailed indicates that the hello exchange did not complete.
	ErrHandshakeFailed = errors.New("transport: handshake failed")
)

// EventKind enumerates channel notifications.
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventData
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventData:
		return "data"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Direction tells which side initiated a channel.
type Direction int

const (
	Outbound Direction = iota + 1
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Event is a single notification about a channel.
type Event struct {
	Kind    EventKind
	Channel Channel
	Data    []byte
	Err     error
}

// Sink receives channel events. It may be called from transport goroutines.
type Sink func(Event)

// Channel is one bidirectional message channel to a remote peer.
type Channel interface {
	Peer() string
	Direction() Direction
	Open() bool
	// Send queues payload without blocking. Delivery is best effort.
	Send(payload []byte) error
	// Close tears the channel down. The close event is delivered to the sink
	// asynchronously.
	Close() error
}

// Endpoint is a claimed address on a substrate.
type Endpoint interface {
	Address() string
	// Listen registers the sink that receives inbound channels and their events.
	Listen(sink Sink)
	// Connect starts a handshake with address and returns at once. Completion
	// is reported to sink as EventOpen or EventError.
	Connect(address string, sink Sink) Channel
	Close() error
}

// Substrate hands out endpoints for addresses.
type Substrate interface {
	Claim(ctx context.Context, address string) (Endpoint, error)
}

// Package connections keeps the open channels of a peer keyed by remote address.
package connections

import (
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/protocol"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/transport"
	"go.uber.org/zap"
)

// ErrNotConnected indicates that no open channel exists for the peer.
var ErrNotConnected = errors.New("connections: peer not connected")

// SendObserver is notified of every message handed to a channel.
type SendObserver interface {
	MessageSent(messageType protocol.Type)
}

// Registry holds at most one channel per remote address. It is not safe for
// concurrent use; the owning session serializes access.
type Registry struct {
	channels map[string]transport.Channel
	observer SendObserver
	logger   *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger, observer SendObserver) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		channels: make(map[string]transport.Channel),
		observer: observer,
		logger:   logger,
	}
}

// Add records channel as the channel for its peer and returns the channel it
// replaced, if any. Closing the replaced channel is up to the caller.
func (r *Registry) Add(channel transport.Channel) transport.Channel {
	previous := r.channels[channel.Peer()]
	r.channels[channel.Peer()] = channel
	return previous
}

// Get returns the channel registered for peer.
func (r *Registry) Get(peer string) (transport.Channel, bool) {
	channel, ok := r.channels[peer]
	return channel, ok
}

// Has reports whether an open channel is registered for peer.
func (r *Registry) Has(peer string) bool {
	channel, ok := r.channels[peer]
	return ok && channel.Open()
}

// Remove forgets peer only when channel is the registered one, so a late close
// of a replaced channel does not evict its successor.
func (r *Registry) Remove(peer string, channel transport.Channel) bool {
	current, ok := r.channels[peer]
	if !ok || current != channel {
		return false
	}
	delete(r.channels, peer)
	return true
}

// Close closes and forgets the channel for peer.
func (r *Registry) Close(peer string) bool {
	channel, ok := r.channels[peer]
	if !ok {
		return false
	}
	delete(r.channels, peer)
	if err := channel.Close(); err != nil {
		r.logger.Debug("closing channel", zap.String("peer", peer), zap.Error(err))
	}
	return true
}

// Broadcast sends message to every open channel and returns how many accepted it.
func (r *Registry) Broadcast(message protocol.Message) int {
	payload, err := protocol.Encode(message)
	if err != nil {
		r.logger.Error("encoding broadcast", zap.String("type", string(message.Type())), zap.Error(err))
		return 0
	}
	delivered := 0
	for _, peer := range r.Peers() {
		if r.send(peer, r.channels[peer], message.Type(), payload) == nil {
			delivered++
		}
	}
	return delivered
}

// SendTo sends message to peer only.
func (r *Registry) SendTo(peer string, message protocol.Message) error {
	channel, ok := r.channels[peer]
	if !ok || !channel.Open() {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer)
	}
	payload, err := protocol.Encode(message)
	if err != nil {
		return err
	}
	return r.send(peer, channel, message.Type(), payload)
}

func (r *Registry) send(peer string, channel transport.Channel, messageType protocol.Type, payload []byte) error {
	if !channel.Open() {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer)
	}
	if err := channel.Send(payload); err != nil {
		r.logger.Warn("dropping message",
			zap.String("peer", peer),
			zap.String("type", string(messageType)),
			zap.Error(err))
		return err
	}
	if r.observer != nil {
		r.observer.MessageSent(messageType)
	}
	return nil
}

// Peers returns the registered addresses in sorted order.
func (r *Registry) Peers() []string {
	peers := make([]string, 0, len(r.channels))
	for peer := range r.channels {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	return len(r.channels)
}

// CloseAll closes every channel and empties the registry.
func (r *Registry) CloseAll() {
	for _, peer := range r.Peers() {
		r.Close(peer)
	}
}

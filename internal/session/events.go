package session

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/protocol"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/transport"
	"go.uber.org/zap"
)

func (s *Session) handleEvent(event transport.Event) {
	switch event.Kind {
	case transport.EventOpen:
		if event.Channel.Direction() == transport.Inbound {
			s.handleInboundOpen(event.Channel)
		} else {
			s.handleOutboundOpen(event.Channel)
		}
	case transport.EventData:
		s.handleData(event.Channel, event.Data)
	case transport.EventError:
		s.handleError(event.Channel, event.Err)
	case transport.EventClose:
		s.handleClose(event.Channel)
	}
}

// register stores channel as the connection to its peer. When both peers dial
// each other at once, each side keeps the channel dialed by the smaller
// address and closes the other, so both ends settle on the same connection.
func (s *Session) register(channel transport.Channel) bool {
	peer := channel.Peer()
	if existing, ok := s.conns.Get(peer); ok && existing != channel && existing.Open() {
		if s.dialer(existing) < s.dialer(channel) {
			s.logger.Debug("dropping duplicate channel", zap.String("peer", peer), zap.Stringer("direction", channel.Direction()))
			_ = channel.Close()
			return false
		}
		s.logger.Debug("replacing duplicate channel", zap.String("peer", peer), zap.Stringer("direction", existing.Direction()))
		s.conns.Add(channel)
		_ = existing.Close()
	} else {
		s.conns.Add(channel)
	}
	s.clearError()
	s.cfg.Metrics.SetConnections(s.conns.Len())
	s.notify(ChangeConnections)
	return true
}

// dialer returns the address that initiated channel.
func (s *Session) dialer(channel transport.Channel) string {
	if channel.Direction() == transport.Outbound {
		return s.local.ID.String()
	}
	return channel.Peer()
}

func (s *Session) handleInboundOpen(channel transport.Channel) {
	peer := channel.Peer()
	if !s.register(channel) {
		return
	}
	if err := s.conns.SendTo(peer, protocol.InitialSync{Notes: s.store.SharedWith(notes.UserID(peer))}); err != nil {
		s.logger.Warn("sending initial sync", zap.String("peer", peer), zap.Error(err))
	}
	s.logger.Info("peer connected", zap.String("peer", peer), zap.String("direction", "inbound"))
}

func (s *Session) handleOutboundOpen(channel transport.Channel) {
	peer := channel.Peer()
	dial, ok := s.pending[peer]
	if !ok || dial.channel != channel {
		_ = channel.Close()
		return
	}
	delete(s.pending, peer)
	s.register(channel)

	if shared := s.store.SharedWith(notes.UserID(peer)); len(shared) > 0 {
		_ = s.conns.SendTo(peer, protocol.InitialSync{Notes: shared})
	}
	if dial.noteID != "" {
		_ = s.conns.SendTo(peer, protocol.Presence{Action: protocol.PresenceJoin, NoteID: dial.noteID, User: s.local})
		if _, known := s.store.Get(dial.noteID); !known {
			_ = s.conns.SendTo(peer, protocol.RequestSync{UserID: s.local.ID, NoteID: dial.noteID})
		}
	}
	s.logger.Info("peer connected", zap.String("peer", peer), zap.String("direction", "outbound"))
}

func (s *Session) handleData(channel transport.Channel, payload []byte) {
	messageType, err := s.router.Deliver(channel.Peer(), payload)
	if err != nil || messageType == "" {
		return
	}
	if messageType == protocol.TypePresence {
		s.notify(ChangePresence)
		return
	}
	s.notify(ChangeNotes)
}

func (s *Session) handleError(channel transport.Channel, err error) {
	peer := channel.Peer()
	dial, dialing := s.pending[peer]
	dialing = dialing && dial.channel == channel
	if !s.purge(channel) && !dialing {
		s.logger.Debug("ignoring error on stale channel", zap.String("peer", peer), zap.Error(err))
		return
	}
	s.logger.Warn("connection error", zap.String("peer", peer), zap.Error(err))
	s.setError("connection", fmt.Sprintf("Connection error: %v", err))
}

func (s *Session) handleClose(channel transport.Channel) {
	peer := channel.Peer()
	if !s.purge(channel) {
		return
	}
	if s.tracker.Remove(notes.UserID(peer)) {
		s.notify(ChangePresence)
	}
	s.logger.Info("peer disconnected", zap.String("peer", peer))
}

// purge forgets channel and reports whether it was the registered one.
func (s *Session) purge(channel transport.Channel) bool {
	peer := channel.Peer()
	if dial, ok := s.pending[peer]; ok && dial.channel == channel {
		delete(s.pending, peer)
	}
	if !s.conns.Remove(peer, channel) {
		return false
	}
	s.cfg.Metrics.SetConnections(s.conns.Len())
	s.notify(ChangeConnections)
	return true
}

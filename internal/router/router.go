// Package router applies inbound protocol messages to the local replica.
package router

import (
	"errors"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/connections"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/presence"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/protocol"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/replica"
	"go.uber.org/zap"
)

// Config describes the components a Router mutates.
type Config struct {
	Store       *replica.Store
	Presence    *presence.Tracker
	Connections *connections.Registry
	Metrics     *metrics.Recorder
	Logger      *zap.Logger
}

// Router dispatches decoded messages. Like the components it drives, it must
// only be used from the session's control goroutine.
type Router struct {
	store    *replica.Store
	presence *presence.Tracker
	conns    *connections.Registry
	metrics  *metrics.Recorder
	logger   *zap.Logger
}

// New returns a router over the given components.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		store:    cfg.Store,
		presence: cfg.Presence,
		conns:    cfg.Connections,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

// Deliver decodes payload received from peer, routes it and returns its type.
// Unknown message types are dropped and yield an empty type.
func (r *Router) Deliver(from string, payload []byte) (protocol.Type, error) {
	message, err := protocol.Decode(payload)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownMessageType) {
			r.logger.Debug("dropping message of unknown type", zap.String("peer", from))
			r.metrics.Error("unknown_type")
			return "", nil
		}
		r.logger.Warn("dropping malformed message", zap.String("peer", from), zap.Error(err))
		r.metrics.Error("decode")
		return "", err
	}
	r.Route(from, message)
	return message.Type(), nil
}

// Route applies message received from peer.
func (r *Router) Route(from string, message protocol.Message) {
	r.metrics.MessageReceived(message.Type())
	message.Accept(&inbound{router: r, from: notes.UserID(from)})
}

type inbound struct {
	router *Router
	from   notes.UserID
}

func (h *inbound) HandleNoteUpdate(message protocol.NoteUpdate) {
	update := message.Update()
	if update.UserID == "" {
		update.UserID = h.from
	}
	outcome := h.router.store.ApplyRemoteUpdate(update)
	h.router.metrics.RemoteChange(string(outcome))
	h.router.logger.Debug("note update applied",
		zap.String("peer", h.from.String()),
		zap.String("note_id", message.NoteID.String()),
		zap.Int64("version", message.Version),
		zap.String("outcome", string(outcome)))
}

func (h *inbound) HandlePresence(message protocol.Presence) {
	user := message.User
	if h.from != "" && user.ID != h.from {
		user.ID = h.from
	}
	switch message.Action {
	case protocol.PresenceJoin:
		h.router.presence.Add(user, message.NoteID)
		if h.router.store.AddCollaborator(message.NoteID, user.ID) {
			h.router.logger.Info("collaborator joined owned note",
				zap.String("peer", user.ID.String()),
				zap.String("note_id", message.NoteID.String()))
		}
	case protocol.PresenceLeave:
		h.router.presence.Remove(user.ID)
	}
}

func (h *inbound) HandleRequestSync(message protocol.RequestSync) {
	requester := message.UserID
	if requester == "" {
		requester = h.from
	}
	note, ok := h.router.store.Get(message.NoteID)
	if !ok || note.IsLocalSample {
		return
	}
	local := h.router.store.Local().ID
	if !note.IsParticipant(local) {
		return
	}
	if !h.router.conns.Has(requester.String()) {
		h.router.logger.Debug("sync requester not connected", zap.String("peer", requester.String()))
		return
	}
	if err := h.router.conns.SendTo(requester.String(), protocol.InitialSync{Notes: []notes.Note{note}}); err != nil {
		h.router.logger.Warn("answering sync request", zap.String("peer", requester.String()), zap.Error(err))
	}
}

func (h *inbound) HandleNoteDelete(message protocol.NoteDelete) {
	if h.router.store.RemoveRemote(message.NoteID) {
		h.router.logger.Info("viewed note deleted by owner", zap.String("note_id", message.NoteID.String()))
	}
}

func (h *inbound) HandleInitialSync(message protocol.InitialSync) {
	for _, note := range message.Notes {
		outcome := h.router.store.ApplySyncedNote(note)
		h.router.metrics.RemoteChange(string(outcome))
	}
	h.router.logger.Debug("initial sync applied",
		zap.String("peer", h.from.String()),
		zap.Int("notes", len(message.Notes)))
}

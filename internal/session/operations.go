package session

import (
	"context"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/protocol"
)

// Create adds a note owned by the local peer.
func (s *Session) Create(ctx context.Context, title, content string) (notes.NoteID, error) {
	var (
		noteID notes.NoteID
		opErr  error
	)
	if err := s.do(ctx, func() {
		noteID, opErr = s.store.Create(title, content)
		if opErr == nil {
			s.notify(ChangeNotes)
		}
	}); err != nil {
		return "", err
	}
	return noteID, s.recordOperationError("create", opErr)
}

// CreateUntitled adds an empty note with the default title.
func (s *Session) CreateUntitled(ctx context.Context) (notes.NoteID, error) {
	var (
		noteID notes.NoteID
		opErr  error
	)
	if err := s.do(ctx, func() {
		noteID, opErr = s.store.CreateUntitled()
		if opErr == nil {
			s.notify(ChangeNotes)
		}
	}); err != nil {
		return "", err
	}
	return noteID, s.recordOperationError("create", opErr)
}

// Update applies a local edit.
func (s *Session) Update(ctx context.Context, noteID notes.NoteID, patch notes.Patch) error {
	var opErr error
	if err := s.do(ctx, func() {
		opErr = s.store.Update(ctx, noteID, patch)
		s.notify(ChangeNotes)
	}); err != nil {
		return err
	}
	return s.recordOperationError("update", opErr)
}

// Delete removes a note owned by the local peer.
func (s *Session) Delete(ctx context.Context, noteID notes.NoteID) error {
	var opErr error
	if err := s.do(ctx, func() {
		opErr = s.store.Delete(ctx, noteID)
		if opErr == nil {
			s.notify(ChangeNotes)
		}
	}); err != nil {
		return err
	}
	return s.recordOperationError("delete", opErr)
}

// Share grants userID access to a note owned by the local peer.
func (s *Session) Share(ctx context.Context, noteID notes.NoteID, userID notes.UserID) error {
	var opErr error
	if err := s.do(ctx, func() {
		opErr = s.store.Share(noteID, userID)
		if opErr == nil {
			s.notify(ChangeNotes)
		}
	}); err != nil {
		return err
	}
	return s.recordOperationError("share", opErr)
}

// Unshare revokes userID's access to a note owned by the local peer.
func (s *Session) Unshare(ctx context.Context, noteID notes.NoteID, userID notes.UserID) error {
	var opErr error
	if err := s.do(ctx, func() {
		opErr = s.store.Unshare(noteID, userID)
		if opErr == nil {
			s.notify(ChangeNotes)
		}
	}); err != nil {
		return err
	}
	return s.recordOperationError("unshare", opErr)
}

// SetActive switches the viewed note. An empty id clears the selection.
func (s *Session) SetActive(ctx context.Context, noteID notes.NoteID) error {
	return s.do(ctx, func() {
		s.store.SetActive(noteID)
	})
}

// JoinNote connects to owner and asks for noteID, for notes shared by id.
func (s *Session) JoinNote(ctx context.Context, owner notes.UserID, noteID notes.NoteID) error {
	return s.do(ctx, func() {
		if owner == s.local.ID {
			return
		}
		if s.conns.Has(owner.String()) {
			_ = s.conns.SendTo(owner.String(), protocol.Presence{Action: protocol.PresenceJoin, NoteID: noteID, User: s.local})
			_ = s.conns.SendTo(owner.String(), protocol.RequestSync{UserID: s.local.ID, NoteID: noteID})
			return
		}
		s.connect(owner, noteID)
	})
}

// Reconnect requests connections to every participant of the viewed note.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.do(ctx, func() {
		active := s.store.Active()
		for _, participant := range s.store.Participants(active) {
			s.connect(participant, active)
		}
	})
}

// Notes returns every note, most recently updated first.
func (s *Session) Notes(ctx context.Context) ([]notes.Note, error) {
	var list []notes.Note
	err := s.do(ctx, func() {
		list = s.store.List()
	})
	return list, err
}

// Note returns one note.
func (s *Session) Note(ctx context.Context, noteID notes.NoteID) (notes.Note, bool, error) {
	var (
		note  notes.Note
		found bool
	)
	err := s.do(ctx, func() {
		note, found = s.store.Get(noteID)
	})
	return note, found, err
}

// ActiveUsers returns the other users viewing the active note.
func (s *Session) ActiveUsers(ctx context.Context) ([]notes.ActiveUser, error) {
	var users []notes.ActiveUser
	err := s.do(ctx, func() {
		users = s.tracker.List()
	})
	return users, err
}

// Status summarizes identity, connections and the last error.
func (s *Session) Status(ctx context.Context) (Status, error) {
	var status Status
	err := s.do(ctx, func() {
		pending := make([]string, 0, len(s.pending))
		for peer := range s.pending {
			pending = append(pending, peer)
		}
		status = Status{
			Local:      s.local,
			Address:    s.endpoint.Address(),
			ActiveNote: s.store.Active(),
			Peers:      s.conns.Peers(),
			Pending:    pending,
			LastError:  s.LastError(),
		}
	})
	return status, err
}

// Local returns the identity of this peer. It is only meaningful after Start.
func (s *Session) Local() notes.ActiveUser {
	return s.local
}

// Package protocol defines the messages peers exchange over a channel.
package protocol

import (
	"time"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/notes"
)

// Type is the wire discriminator carried in every message envelope.
type Type string

const (
	TypeNoteUpdate  Type = "note-update"
	TypePresence    Type = "presence"
	TypeRequestSync Type = "request-sync"
	TypeNoteDelete  Type = "note-delete"
	TypeInitialSync Type = "initial-sync"
)

// Message is the closed set of protocol messages. Only this package can add
// implementations.
type Message interface {
	Type() Type
	Accept(handler Handler)
	sealed()
}

// Handler receives one callback per message kind. Implementations must cover
// every kind, so adding a message type breaks every handler at compile time.
type Handler interface {
	HandleNoteUpdate(message NoteUpdate)
	HandlePresence(message Presence)
	HandleRequestSync(message RequestSync)
	HandleNoteDelete(message NoteDelete)
	HandleInitialSync(message InitialSync)
}

// NoteUpdate announces an accepted local edit.
type NoteUpdate struct {
	NoteID    notes.NoteID `json:"noteId"`
	Title     *string      `json:"title,omitempty"`
	Content   *string      `json:"content,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Version   int64        `json:"version"`
	UserID    notes.UserID `json:"userId"`
}

// NewNoteUpdate builds the wire form of a resolver update.
func NewNoteUpdate(update notes.Update) NoteUpdate {
	return NoteUpdate{
		NoteID:    update.NoteID,
		Title:     update.Title,
		Content:   update.Content,
		UpdatedAt: update.UpdatedAt,
		Version:   update.Version,
		UserID:    update.UserID,
	}
}

// Update maps the message onto the resolver's update shape.
func (m NoteUpdate) Update() notes.Update {
	return notes.Update{
		NoteID:    m.NoteID,
		Title:     m.Title,
		Content:   m.Content,
		UpdatedAt: m.UpdatedAt,
		Version:   m.Version,
		UserID:    m.UserID,
	}
}

func (NoteUpdate) Type() Type               { return TypeNoteUpdate }
func (m NoteUpdate) Accept(handler Handler) { handler.HandleNoteUpdate(m) }
func (NoteUpdate) sealed()                  {}

// PresenceAction tells whether a user started or stopped viewing a note.
type PresenceAction string

const (
	PresenceJoin  PresenceAction = "join"
	PresenceLeave PresenceAction = "leave"
)

// Presence signals that a user joined or left a note.
type Presence struct {
	Action PresenceAction   `json:"action"`
	NoteID notes.NoteID     `json:"noteId"`
	User   notes.ActiveUser `json:"user"`
}

func (Presence) Type() Type               { return TypePresence }
func (m Presence) Accept(handler Handler) { handler.HandlePresence(m) }
func (Presence) sealed()                  {}

// RequestSync asks a peer to send its copy of a note.
type RequestSync struct {
	UserID notes.UserID `json:"userId"`
	NoteID notes.NoteID `json:"noteId"`
}

func (RequestSync) Type() Type               { return TypeRequestSync }
func (m RequestSync) Accept(handler Handler) { handler.HandleRequestSync(m) }
func (RequestSync) sealed()                  {}

// NoteDelete announces that the owner deleted a note.
type NoteDelete struct {
	NoteID notes.NoteID `json:"noteId"`
	UserID notes.UserID `json:"userId"`
}

func (NoteDelete) Type() Type               { return TypeNoteDelete }
func (m NoteDelete) Accept(handler Handler) { handler.HandleNoteDelete(m) }
func (NoteDelete) sealed()                  {}

// InitialSync carries full notes, sent when a channel opens or on request.
type InitialSync struct {
	Notes []notes.Note `json:"notes"`
}

func (InitialSync) Type() Type               { return TypeInitialSync }
func (m InitialSync) Accept(handler Handler) { handler.HandleInitialSync(m) }
func (InitialSync) sealed()                  {}

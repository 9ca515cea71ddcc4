package notes

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
)

// NoteID identifies a replicated note.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID identifies a peer. It doubles as the peer's transport address.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ActiveUser describes the person behind a peer for presence display.
type ActiveUser struct {
	ID    UserID `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Note is the replicated entity. Content is opaque markup.
type Note struct {
	ID            NoteID    `json:"id"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	OwnerID       UserID    `json:"ownerId"`
	Collaborators []UserID  `json:"collaborators"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	LastEditBy    UserID    `json:"lastEditBy"`
	IsLocalSample bool      `json:"isLocalSample"`
}

// Clone returns a deep copy so callers never share the collaborator slice.
func (n Note) Clone() Note {
	clone := n
	clone.Collaborators = slices.Clone(n.Collaborators)
	if clone.Collaborators == nil {
		clone.Collaborators = []UserID{}
	}
	return clone
}

// HasCollaborator reports whether userID was granted access by the owner.
func (n Note) HasCollaborator(userID UserID) bool {
	return slices.Contains(n.Collaborators, userID)
}

// IsParticipant reports whether userID owns or collaborates on the note.
func (n Note) IsParticipant(userID UserID) bool {
	return n.OwnerID == userID || n.HasCollaborator(userID)
}

// Patch carries the optional fields of a local edit.
type Patch struct {
	Title   *string
	Content *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Content == nil
}

// Update is an incoming edit as seen by the conflict resolver.
type Update struct {
	NoteID    NoteID
	Title     *string
	Content   *string
	UpdatedAt time.Time
	Version   int64
	UserID    UserID
}

// UpdateFromNote maps a full note onto the update shape used during initial sync.
func UpdateFromNote(note Note) Update {
	title := note.Title
	content := note.Content
	return Update{
		NoteID:    note.ID,
		Title:     &title,
		Content:   &content,
		UpdatedAt: note.UpdatedAt,
		Version:   note.Version,
		UserID:    note.LastEditBy,
	}
}

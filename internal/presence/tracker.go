// Package presence tracks who else is viewing the locally active note.
package presence

import (
	"sort"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/notes"
)

// Tracker maps user ids to presence metadata for the active note.
// It is not safe for concurrent use; the owning session serializes access.
type Tracker struct {
	activeNote func() notes.NoteID
	users      map[notes.UserID]notes.ActiveUser
}

// NewTracker returns a tracker that consults activeNote on every Add.
func NewTracker(activeNote func() notes.NoteID) *Tracker {
	if activeNote == nil {
		activeNote = func() notes.NoteID { return "" }
	}
	return &Tracker{
		activeNote: activeNote,
		users:      make(map[notes.UserID]notes.ActiveUser),
	}
}

// Add records user as viewing noteID. Presence for any note other than the
// active one is dropped.
func (t *Tracker) Add(user notes.ActiveUser, noteID notes.NoteID) bool {
	active := t.activeNote()
	if active == "" || active != noteID || user.ID == "" {
		return false
	}
	t.users[user.ID] = user
	return true
}

// Remove forgets userID. Absent users are ignored.
func (t *Tracker) Remove(userID notes.UserID) bool {
	if _, ok := t.users[userID]; !ok {
		return false
	}
	delete(t.users, userID)
	return true
}

// Reset drops every entry, used when the viewed note changes.
func (t *Tracker) Reset() {
	clear(t.users)
}

// List returns the present users ordered by name, then id.
func (t *Tracker) List() []notes.ActiveUser {
	users := make([]notes.ActiveUser, 0, len(t.users))
	for _, user := range t.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name == users[j].Name {
			return users[i].ID < users[j].ID
		}
		return users[i].Name < users[j].Name
	})
	return users
}

// Len returns the number of present users.
func (t *Tracker) Len() int {
	return len(t.users)
}

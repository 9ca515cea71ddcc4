// Package replica holds the local copy of the note collection and applies
// local and remote mutations to it.
package replica

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/protocol"
	"go.uber.org/zap"
)

const (
	// UntitledTitle names notes created without a title.
	UntitledTitle = "Untitled Note"
	// SharedNoteTitle names notes materialized from an update without a title.
	SharedNoteTitle = "Shared Note"
)

var errMissingPublisher = errors.New("replica: publisher is required")

// Publisher carries store side effects to other peers.
type Publisher interface {
	// Broadcast sends message to every open connection.
	Broadcast(message protocol.Message)
	// SendTo sends message to peer and reports whether an open connection took it.
	SendTo(peer notes.UserID, message protocol.Message) bool
	// Connect requests a connection to peer for noteID.
	Connect(peer notes.UserID, noteID notes.NoteID)
	// Disconnect closes the connection to peer.
	Disconnect(peer notes.UserID)
}

// SampleRepository persists the local-only sample notes.
type SampleRepository interface {
	Load(ctx context.Context) ([]notes.Note, error)
	Save(ctx context.Context, samples []notes.Note) error
}

// Outcome describes what happened to a remote note or update.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeCreated  Outcome = "created"
	OutcomeIgnored  Outcome = "ignored"
)

// Config describes the dependencies of a Store.
type Config struct {
	Local          notes.ActiveUser
	Publisher      Publisher
	Samples        SampleRepository
	IDProvider     notes.IDProvider
	Clock          func() time.Time
	Logger         *zap.Logger
	OnActiveChange func(active notes.NoteID)
}

// Store is the replica of the note collection. It is not safe for concurrent
// use; the owning session serializes access.
type Store struct {
	local          notes.ActiveUser
	publisher      Publisher
	samples        SampleRepository
	ids            notes.IDProvider
	clock          func() time.Time
	logger         *zap.Logger
	onActiveChange func(notes.NoteID)

	notes  map[notes.NoteID]notes.Note
	active notes.NoteID
}

// New validates cfg and returns an empty store.
func New(cfg Config) (*Store, error) {
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	if _, err := notes.NewUserID(cfg.Local.ID.String()); err != nil {
		return nil, fmt.Errorf("replica: local identity: %w", err)
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = notes.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	onActiveChange := cfg.OnActiveChange
	if onActiveChange == nil {
		onActiveChange = func(notes.NoteID) {}
	}
	return &Store{
		local:          cfg.Local,
		publisher:      cfg.Publisher,
		samples:        cfg.Samples,
		ids:            ids,
		clock:          clock,
		logger:         logger,
		onActiveChange: onActiveChange,
		notes:          make(map[notes.NoteID]notes.Note),
	}, nil
}

// LoadSamples inserts the persisted sample notes, owned by the local peer.
func (s *Store) LoadSamples(ctx context.Context) error {
	if s.samples == nil {
		return nil
	}
	samples, err := s.samples.Load(ctx)
	if err != nil {
		return err
	}
	for _, sample := range samples {
		note := sample.Clone()
		note.IsLocalSample = true
		note.OwnerID = s.local.ID
		note.Collaborators = []notes.UserID{}
		if note.LastEditBy == "" {
			note.LastEditBy = s.local.ID
		}
		s.notes[note.ID] = note
	}
	return nil
}

// Local returns the identity mutations are attributed to.
func (s *Store) Local() notes.ActiveUser {
	return s.local
}

// Create adds a note owned by the local peer. Nothing is broadcast.
func (s *Store) Create(title, content string) (notes.NoteID, error) {
	rawID, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("replica: generating note id: %w", err)
	}
	noteID, err := notes.NewNoteID(rawID)
	if err != nil {
		return "", err
	}
	now := s.clock()
	s.notes[noteID] = notes.Note{
		ID:            noteID,
		Title:         title,
		Content:       content,
		OwnerID:       s.local.ID,
		Collaborators: []notes.UserID{},
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastEditBy:    s.local.ID,
	}
	return noteID, nil
}

// CreateUntitled adds an empty note with the default title.
func (s *Store) CreateUntitled() (notes.NoteID, error) {
	return s.Create(UntitledTitle, "")
}

// Update applies a local edit. Unknown notes are ignored. Sample notes are
// persisted instead of broadcast and keep their version.
func (s *Store) Update(ctx context.Context, noteID notes.NoteID, patch notes.Patch) error {
	note, ok := s.notes[noteID]
	if !ok || patch.Empty() {
		return nil
	}
	if patch.Title != nil {
		note.Title = *patch.Title
	}
	if patch.Content != nil {
		note.Content = *patch.Content
	}
	note.UpdatedAt = s.clock()

	if note.IsLocalSample {
		s.notes[noteID] = note
		return s.saveSamples(ctx)
	}

	note.Version++
	note.LastEditBy = s.local.ID
	s.notes[noteID] = note

	s.publisher.Broadcast(protocol.NewNoteUpdate(notes.UpdateFromNote(note)))
	return nil
}

// Delete removes a note owned by the local peer and tells every connected
// peer. Connections to collaborators that share nothing else are closed.
func (s *Store) Delete(ctx context.Context, noteID notes.NoteID) error {
	note, ok := s.notes[noteID]
	if !ok {
		return nil
	}
	if note.OwnerID != s.local.ID {
		return &notes.PermissionError{Operation: "delete", NoteID: noteID, UserID: s.local.ID}
	}

	if note.IsLocalSample {
		s.clearActive(noteID, true)
		delete(s.notes, noteID)
		return s.saveSamples(ctx)
	}

	s.publisher.Broadcast(protocol.NoteDelete{NoteID: noteID, UserID: s.local.ID})
	s.clearActive(noteID, true)
	delete(s.notes, noteID)

	for _, collaborator := range note.Collaborators {
		if s.SharesAnyWith(collaborator, noteID) {
			continue
		}
		s.publisher.Disconnect(collaborator)
	}
	return nil
}

// Share grants userID access to a note owned by the local peer.
func (s *Store) Share(noteID notes.NoteID, userID notes.UserID) error {
	note, ok := s.notes[noteID]
	if !ok || note.IsLocalSample {
		return nil
	}
	if note.OwnerID != s.local.ID {
		return &notes.PermissionError{Operation: "share", NoteID: noteID, UserID: s.local.ID}
	}
	if userID == "" || userID == s.local.ID || userID == note.OwnerID {
		return nil
	}
	if !note.HasCollaborator(userID) {
		note = note.Clone()
		note.Collaborators = append(note.Collaborators, userID)
		s.notes[noteID] = note
	}

	if s.publisher.SendTo(userID, protocol.InitialSync{Notes: []notes.Note{note.Clone()}}) {
		return nil
	}
	s.publisher.Connect(userID, noteID)
	return nil
}

// Unshare revokes userID's access. Connections are left open.
func (s *Store) Unshare(noteID notes.NoteID, userID notes.UserID) error {
	note, ok := s.notes[noteID]
	if !ok || note.IsLocalSample {
		return nil
	}
	if note.OwnerID != s.local.ID {
		return &notes.PermissionError{Operation: "unshare", NoteID: noteID, UserID: s.local.ID}
	}
	index := slices.Index(note.Collaborators, userID)
	if index < 0 {
		return nil
	}
	note = note.Clone()
	note.Collaborators = slices.Delete(note.Collaborators, index, index+1)
	s.notes[noteID] = note
	return nil
}

// SetActive switches the viewed note, announcing leave and join presence and
// connecting to the new note's participants. An empty id clears the selection.
func (s *Store) SetActive(noteID notes.NoteID) {
	if noteID != "" {
		if _, ok := s.notes[noteID]; !ok {
			return
		}
	}
	previous := s.active
	if previous == noteID {
		return
	}
	if previous != "" {
		s.announce(protocol.PresenceLeave, previous)
	}
	s.active = noteID
	s.onActiveChange(noteID)
	if noteID == "" {
		return
	}

	note := s.notes[noteID]
	if note.IsLocalSample {
		return
	}
	s.announce(protocol.PresenceJoin, noteID)
	for _, participant := range participants(note) {
		if participant == s.local.ID {
			continue
		}
		s.publisher.Connect(participant, noteID)
	}
}

// Active returns the viewed note id, or empty.
func (s *Store) Active() notes.NoteID {
	return s.active
}

// Participants returns the owner and collaborators of a note.
func (s *Store) Participants(noteID notes.NoteID) []notes.UserID {
	note, ok := s.notes[noteID]
	if !ok || note.IsLocalSample {
		return nil
	}
	return participants(note)
}

// Get returns a copy of a note.
func (s *Store) Get(noteID notes.NoteID) (notes.Note, bool) {
	note, ok := s.notes[noteID]
	if !ok {
		return notes.Note{}, false
	}
	return note.Clone(), true
}

// List returns copies of every note, most recently updated first.
func (s *Store) List() []notes.Note {
	list := make([]notes.Note, 0, len(s.notes))
	for _, note := range s.notes {
		list = append(list, note.Clone())
	}
	sortNotes(list)
	return list
}

// SharedWith returns the replicated notes peer owns or collaborates on.
func (s *Store) SharedWith(peer notes.UserID) []notes.Note {
	shared := make([]notes.Note, 0)
	for _, note := range s.notes {
		if note.IsLocalSample || !note.IsParticipant(peer) {
			continue
		}
		shared = append(shared, note.Clone())
	}
	sortNotes(shared)
	return shared
}

// SharesAnyWith reports whether peer participates in any note other than except.
func (s *Store) SharesAnyWith(peer notes.UserID, except notes.NoteID) bool {
	for id, note := range s.notes {
		if id == except || note.IsLocalSample {
			continue
		}
		if note.IsParticipant(peer) {
			return true
		}
	}
	return false
}

// ApplyRemoteUpdate resolves an incoming edit against the local copy. An
// unknown note is materialized as owned by the sender and shared with us.
func (s *Store) ApplyRemoteUpdate(update notes.Update) Outcome {
	local, ok := s.notes[update.NoteID]
	if ok {
		if local.IsLocalSample {
			return OutcomeIgnored
		}
		resolved, accepted := notes.Resolve(local, update)
		if !accepted {
			return OutcomeRejected
		}
		s.notes[update.NoteID] = resolved
		return OutcomeAccepted
	}
	if update.UserID == "" {
		return OutcomeIgnored
	}

	title := SharedNoteTitle
	if update.Title != nil {
		title = *update.Title
	}
	var content string
	if update.Content != nil {
		content = *update.Content
	}
	s.notes[update.NoteID] = notes.Note{
		ID:            update.NoteID,
		Title:         title,
		Content:       content,
		OwnerID:       update.UserID,
		Collaborators: []notes.UserID{s.local.ID},
		Version:       update.Version,
		CreatedAt:     update.UpdatedAt,
		UpdatedAt:     update.UpdatedAt,
		LastEditBy:    update.UserID,
	}
	return OutcomeCreated
}

// ApplySyncedNote merges a full note received through initial sync.
func (s *Store) ApplySyncedNote(remote notes.Note) Outcome {
	if remote.ID == "" || remote.IsLocalSample {
		return OutcomeIgnored
	}
	if _, ok := s.notes[remote.ID]; ok {
		return s.ApplyRemoteUpdate(notes.UpdateFromNote(remote))
	}
	note := remote.Clone()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = note.UpdatedAt
	}
	s.notes[note.ID] = note
	return OutcomeCreated
}

// RemoveRemote drops a note deleted by its owner and reports whether it was
// the viewed note.
func (s *Store) RemoveRemote(noteID notes.NoteID) bool {
	note, ok := s.notes[noteID]
	if !ok || note.IsLocalSample {
		return false
	}
	delete(s.notes, noteID)
	return s.clearActive(noteID, false)
}

// AddCollaborator records userID on a locally owned note when absent.
func (s *Store) AddCollaborator(noteID notes.NoteID, userID notes.UserID) bool {
	note, ok := s.notes[noteID]
	if !ok || note.IsLocalSample || note.OwnerID != s.local.ID {
		return false
	}
	if userID == "" || userID == s.local.ID || note.HasCollaborator(userID) {
		return false
	}
	note = note.Clone()
	note.Collaborators = append(note.Collaborators, userID)
	s.notes[noteID] = note
	return true
}

func (s *Store) clearActive(noteID notes.NoteID, announce bool) bool {
	if s.active != noteID {
		return false
	}
	if announce {
		s.announce(protocol.PresenceLeave, noteID)
	}
	s.active = ""
	s.onActiveChange("")
	return true
}

func (s *Store) announce(action protocol.PresenceAction, noteID notes.NoteID) {
	if note, ok := s.notes[noteID]; ok && note.IsLocalSample {
		return
	}
	s.publisher.Broadcast(protocol.Presence{Action: action, NoteID: noteID, User: s.local})
}

func (s *Store) saveSamples(ctx context.Context) error {
	if s.samples == nil {
		return nil
	}
	samples := make([]notes.Note, 0)
	for _, note := range s.notes {
		if note.IsLocalSample {
			samples = append(samples, note.Clone())
		}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].ID < samples[j].ID })
	if err := s.samples.Save(ctx, samples); err != nil {
		s.logger.Error("persisting sample notes", zap.Error(err))
		return err
	}
	return nil
}

func participants(note notes.Note) []notes.UserID {
	members := make([]notes.UserID, 0, len(note.Collaborators)+1)
	members = append(members, note.OwnerID)
	members = append(members, note.Collaborators...)
	return members
}

func sortNotes(list []notes.Note) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}

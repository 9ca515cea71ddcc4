package router

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/connections"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/presence"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/protocol"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/replica"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/transport"
)

type silentPublisher struct{}

func (silentPublisher) Broadcast(protocol.Message)                 {}
func (silentPublisher) SendTo(notes.UserID, protocol.Message) bool { return false }
func (silentPublisher) Connect(notes.UserID, notes.NoteID)         {}
func (silentPublisher) Disconnect(notes.UserID)                    {}

type capturingChannel struct {
	peer string
	sent [][]byte
}

func (c *capturingChannel) Peer() string                   { return c.peer }
func (c *capturingChannel) Direction() transport.Direction { return transport.Inbound }
func (c *capturingChannel) Open() bool                     { return true }
func (c *capturingChannel) Close() error                   { return nil }
func (c *capturingChannel) Send(payload []byte) error {
	c.sent = append(c.sent, payload)
	return nil
}

type fixture struct {
	router   *Router
	store    *replica.Store
	tracker  *presence.Tracker
	registry *connections.Registry
}

func newFixture(t *testing.T, local notes.UserID) fixture {
	t.Helper()
	var tracker *presence.Tracker
	store, err := replica.New(replica.Config{
		Local:     notes.ActiveUser{ID: local, Name: "Local"},
		Publisher: silentPublisher{},
		OnActiveChange: func(notes.NoteID) {
			tracker.Reset()
		},
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	tracker = presence.NewTracker(store.Active)
	registry := connections.NewRegistry(nil, nil)
	return fixture{
		router:   New(Config{Store: store, Presence: tracker, Connections: registry}),
		store:    store,
		tracker:  tracker,
		registry: registry,
	}
}

func encoded(t *testing.T, message protocol.Message) []byte {
	t.Helper()
	payload, err := protocol.Encode(message)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return payload
}

func TestShareSyncAndUpdateScenario(t *testing.T) {
	bob := newFixture(t, "bob")
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	note := notes.Note{
		ID:            "note-n",
		Title:         "Plan",
		Content:       "v1",
		OwnerID:       "alice",
		Collaborators: []notes.UserID{"bob"},
		Version:       1,
		CreatedAt:     created,
		UpdatedAt:     created,
		LastEditBy:    "alice",
	}
	if _, err := bob.router.Deliver("alice", encoded(t, protocol.InitialSync{Notes: []notes.Note{note}})); err != nil {
		t.Fatalf("deliver sync: %v", err)
	}
	if _, ok := bob.store.Get("note-n"); !ok {
		t.Fatalf("expected synced note at bob")
	}

	title := "Plan v2"
	update := protocol.NoteUpdate{NoteID: "note-n", Title: &title, UpdatedAt: created.Add(time.Minute), Version: 2, UserID: "alice"}
	if _, err := bob.router.Deliver("alice", encoded(t, update)); err != nil {
		t.Fatalf("deliver update: %v", err)
	}
	replicated, _ := bob.store.Get("note-n")
	if replicated.Version != 2 || replicated.Title != "Plan v2" || replicated.LastEditBy != "alice" {
		t.Fatalf("unexpected replica %+v", replicated)
	}
	if replicated.Content != "v1" {
		t.Fatalf("content must survive a title-only update, got %q", replicated.Content)
	}
}

func TestConcurrentEqualVersionKeepsLaterEdit(t *testing.T) {
	bob := newFixture(t, "bob")
	base := time.Unix(0, 0).UTC()
	bob.router.Route("alice", protocol.InitialSync{Notes: []notes.Note{{
		ID: "note-n", Title: "Title", Content: "Body", OwnerID: "alice",
		Collaborators: []notes.UserID{"bob"}, Version: 3,
		UpdatedAt: base.Add(105 * time.Millisecond), LastEditBy: "bob",
	}}})

	content := "alice content"
	bob.router.Route("alice", protocol.NoteUpdate{
		NoteID: "note-n", Content: &content, UpdatedAt: base.Add(100 * time.Millisecond), Version: 3, UserID: "alice",
	})
	kept, _ := bob.store.Get("note-n")
	if kept.Content != "Body" || kept.LastEditBy != "bob" {
		t.Fatalf("expected the later local edit to win, got %+v", kept)
	}
}

func TestPresenceJoinScopedAndAddsCollaborator(t *testing.T) {
	alice := newFixture(t, "alice")
	owned, _ := alice.store.Create("Mine", "")
	other, _ := alice.store.Create("Other", "")
	alice.store.SetActive(owned)

	alice.router.Route("bob", protocol.Presence{Action: protocol.PresenceJoin, NoteID: owned, User: notes.ActiveUser{ID: "bob", Name: "Bob"}})
	alice.router.Route("carol", protocol.Presence{Action: protocol.PresenceJoin, NoteID: other, User: notes.ActiveUser{ID: "carol", Name: "Carol"}})

	users := alice.tracker.List()
	if len(users) != 1 || users[0].ID != "bob" {
		t.Fatalf("expected only bob present, got %v", users)
	}
	ownedNote, _ := alice.store.Get(owned)
	if !ownedNote.HasCollaborator("bob") {
		t.Fatalf("join on an owned note must add the collaborator")
	}
	otherNote, _ := alice.store.Get(other)
	if !otherNote.HasCollaborator("carol") {
		t.Fatalf("join on an inactive owned note still records the collaborator")
	}

	alice.router.Route("bob", protocol.Presence{Action: protocol.PresenceLeave, NoteID: "anything", User: notes.ActiveUser{ID: "bob"}})
	if alice.tracker.Len() != 0 {
		t.Fatalf("leave must remove unconditionally")
	}
}

func TestRequestSyncAnswersOnlyConnectedRequester(t *testing.T) {
	alice := newFixture(t, "alice")
	noteID, _ := alice.store.Create("Plan", "body")

	alice.router.Route("bob", protocol.RequestSync{UserID: "bob", NoteID: noteID})

	channel := &capturingChannel{peer: "bob"}
	alice.registry.Add(channel)
	alice.router.Route("bob", protocol.RequestSync{UserID: "bob", NoteID: noteID})
	alice.router.Route("bob", protocol.RequestSync{UserID: "bob", NoteID: "unknown"})

	if len(channel.sent) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(channel.sent))
	}
	reply, err := protocol.Decode(channel.sent[0])
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	sync, ok := reply.(protocol.InitialSync)
	if !ok || len(sync.Notes) != 1 || sync.Notes[0].ID != noteID {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestNoteDeleteClearsActive(t *testing.T) {
	bob := newFixture(t, "bob")
	bob.router.Route("alice", protocol.InitialSync{Notes: []notes.Note{{ID: "n1", OwnerID: "alice", Collaborators: []notes.UserID{"bob"}, Version: 1}}})
	bob.store.SetActive("n1")
	bob.router.Route("alice", protocol.Presence{Action: protocol.PresenceJoin, NoteID: "n1", User: notes.ActiveUser{ID: "alice"}})

	bob.router.Route("alice", protocol.NoteDelete{NoteID: "n1", UserID: "alice"})
	if _, ok := bob.store.Get("n1"); ok {
		t.Fatalf("expected note removed")
	}
	if bob.store.Active() != "" || bob.tracker.Len() != 0 {
		t.Fatalf("expected active note and presence cleared")
	}
}

func TestDeliverDropsUnknownType(t *testing.T) {
	bob := newFixture(t, "bob")
	messageType, err := bob.router.Deliver("alice", []byte(`{"type":"cursor","x":1}`))
	if err != nil || messageType != "" {
		t.Fatalf("unknown types must be dropped silently, got %q %v", messageType, err)
	}
	if _, err := bob.router.Deliver("alice", []byte(`not json`)); err == nil {
		t.Fatalf("expected malformed payload error")
	}
}

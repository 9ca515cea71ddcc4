package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/notes"
)

type recordingHandler struct {
	seen []Type
}

func (h *recordingHandler) HandleNoteUpdate(NoteUpdate)   { h.seen = append(h.seen, TypeNoteUpdate) }
func (h *recordingHandler) HandlePresence(Presence)       { h.seen = append(h.seen, TypePresence) }
func (h *recordingHandler) HandleRequestSync(RequestSync) { h.seen = append(h.seen, TypeRequestSync) }
func (h *recordingHandler) HandleNoteDelete(NoteDelete)   { h.seen = append(h.seen, TypeNoteDelete) }
func (h *recordingHandler) HandleInitialSync(InitialSync) { h.seen = append(h.seen, TypeInitialSync) }

func TestEncodeAddsTypeDiscriminator(t *testing.T) {
	title := "hello"
	payload, err := Encode(NoteUpdate{
		NoteID:    "note-1",
		Title:     &title,
		UpdatedAt: time.Unix(1700000000, 0).UTC(),
		Version:   2,
		UserID:    "peer-a",
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if fields["type"] != "note-update" {
		t.Fatalf("expected note-update type, got %v", fields["type"])
	}
	if fields["noteId"] != "note-1" || fields["userId"] != "peer-a" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if _, ok := fields["content"]; ok {
		t.Fatalf("omitted content must not be serialized")
	}
}

func TestDecodeDispatchesEveryKind(t *testing.T) {
	user := notes.ActiveUser{ID: "peer-a", Name: "User-1", Color: "#aabbcc"}
	messages := []Message{
		NoteUpdate{NoteID: "note-1", Version: 1, UserID: "peer-a"},
		Presence{Action: PresenceJoin, NoteID: "note-1", User: user},
		RequestSync{UserID: "peer-a", NoteID: "note-1"},
		NoteDelete{NoteID: "note-1", UserID: "peer-a"},
		InitialSync{Notes: []notes.Note{{ID: "note-1", Version: 1}}},
	}

	handler := &recordingHandler{}
	for _, message := range messages {
		payload, err := Encode(message)
		if err != nil {
			t.Fatalf("encode %s failed: %v", message.Type(), err)
		}
		decoded, err := Decode(payload)
		if err != nil {
			t.Fatalf("decode %s failed: %v", message.Type(), err)
		}
		decoded.Accept(handler)
	}

	expected := []Type{TypeNoteUpdate, TypePresence, TypeRequestSync, TypeNoteDelete, TypeInitialSync}
	if len(handler.seen) != len(expected) {
		t.Fatalf("expected %d dispatches, got %d", len(expected), len(handler.seen))
	}
	for index, kind := range expected {
		if handler.seen[index] != kind {
			t.Fatalf("dispatch %d: want %s got %s", index, kind, handler.seen[index])
		}
	}
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{name: "unknown-type", payload: `{"type":"cursor-move"}`, want: ErrUnknownMessageType},
		{name: "missing-type", payload: `{"noteId":"n"}`, want: ErrUnknownMessageType},
		{name: "not-json", payload: `garbage`, want: ErrInvalidMessage},
		{name: "update-without-note", payload: `{"type":"note-update","version":2}`, want: ErrInvalidMessage},
		{name: "bad-presence-action", payload: `{"type":"presence","action":"wave","noteId":"n"}`, want: ErrInvalidMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			if !errors.Is(err, tt.want) {
				t.Fatalf("want %v, got %v", tt.want, err)
			}
		})
	}
}

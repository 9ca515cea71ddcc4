package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownMessageType marks a payload whose type is missing or unsupported.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	// ErrInvalidMessage marks a payload that is not a well-formed message.
	ErrInvalidMessage = errors.New("protocol: invalid message")
)

const typeField = "type"

type envelope struct {
	Type Type `json:"type"`
}

// Encode serializes a message with its type discriminator.
func Encode(message Message) ([]byte, error) {
	if message == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	discriminator, err := json.Marshal(message.Type())
	if err != nil {
		return nil, err
	}
	fields[typeField] = discriminator
	return json.Marshal(fields)
}

// Decode parses a payload into its concrete message. Unsupported types yield
// ErrUnknownMessageType so callers can drop them without treating them as faults.
func Decode(payload []byte) (Message, error) {
	var head envelope
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch head.Type {
	case TypeNoteUpdate:
		var message NoteUpdate
		if err := decodeBody(payload, &message); err != nil {
			return nil, err
		}
		if message.NoteID == "" {
			return nil, fmt.Errorf("%w: note-update without noteId", ErrInvalidMessage)
		}
		return message, nil
	case TypePresence:
		var message Presence
		if err := decodeBody(payload, &message); err != nil {
			return nil, err
		}
		if message.Action != PresenceJoin && message.Action != PresenceLeave {
			return nil, fmt.Errorf("%w: presence action %q", ErrInvalidMessage, message.Action)
		}
		return message, nil
	case TypeRequestSync:
		var message RequestSync
		if err := decodeBody(payload, &message); err != nil {
			return nil, err
		}
		return message, nil
	case TypeNoteDelete:
		var message NoteDelete
		if err := decodeBody(payload, &message); err != nil {
			return nil, err
		}
		return message, nil
	case TypeInitialSync:
		var message InitialSync
		if err := decodeBody(payload, &message); err != nil {
			return nil, err
		}
		return message, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, head.Type)
	}
}

func decodeBody(payload []byte, target any) error {
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

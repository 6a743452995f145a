package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nugget/parley/internal/chat"
)

// EventType discriminates [Event].
type EventType string

// Stream event types.
const (
	EventSystemArticle EventType = "system-article"
	EventCorrection    EventType = "correction"
	EventChunk         EventType = "chunk"
	EventEnd           EventType = "end"

	// EventError terminates a stream that failed after output began.
	EventError EventType = "error"
)

// Error kinds carried by [EventError].
const (
	ErrorKindGeneration = "generation_failed"
	ErrorKindInternal   = "internal"

	// Used by transports that cannot answer with a status code, such as
	// the WebSocket chat endpoint.
	ErrorKindInvalidRequest = "invalid_request"
	ErrorKindProfile        = "profile_unavailable"
)

// ErrorPayload describes a terminal stream failure.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Event is one element of a turn's output stream. Exactly one payload
// field is set, selected by Type; [EventEnd] has none. On the wire an
// event is {"type": ..., "payload": ...}.
type Event struct {
	Type          EventType
	SystemArticle *chat.Message
	Correction    *chat.Correction
	Chunk         string
	Error         *ErrorPayload
}

// SystemArticleEvent announces the topic message created for a new
// thread.
func SystemArticleEvent(m chat.Message) Event {
	return Event{Type: EventSystemArticle, SystemArticle: &m}
}

// CorrectionEvent carries a suggested correction.
func CorrectionEvent(c chat.Correction) Event {
	return Event{Type: EventCorrection, Correction: &c}
}

// ChunkEvent carries one fragment of the reply.
func ChunkEvent(text string) Event {
	return Event{Type: EventChunk, Chunk: text}
}

// EndEvent marks a completed turn.
func EndEvent() Event {
	return Event{Type: EventEnd}
}

// ErrorEvent marks a turn that failed mid-stream.
func ErrorEvent(kind, message string) Event {
	return Event{Type: EventError, Error: &ErrorPayload{Kind: kind, Message: message}}
}

type wireEvent struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON implements [json.Marshaler].
func (e Event) MarshalJSON() ([]byte, error) {
	var payload any
	switch e.Type {
	case EventSystemArticle:
		if e.SystemArticle == nil {
			return nil, errors.New("system-article event without message")
		}
		payload = e.SystemArticle
	case EventCorrection:
		if e.Correction == nil {
			return nil, errors.New("correction event without correction")
		}
		payload = e.Correction
	case EventChunk:
		payload = e.Chunk
	case EventError:
		if e.Error == nil {
			return nil, errors.New("error event without payload")
		}
		payload = e.Error
	case EventEnd:
		return json.Marshal(wireEvent{Type: EventEnd})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Type: e.Type, Payload: raw})
}

// UnmarshalJSON implements [json.Unmarshaler].
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*e = Event{Type: w.Type}
	switch w.Type {
	case EventSystemArticle:
		var m chat.Message
		if err := json.Unmarshal(w.Payload, &m); err != nil {
			return fmt.Errorf("system-article payload: %w", err)
		}
		e.SystemArticle = &m
	case EventCorrection:
		var c chat.Correction
		if err := json.Unmarshal(w.Payload, &c); err != nil {
			return fmt.Errorf("correction payload: %w", err)
		}
		e.Correction = &c
	case EventChunk:
		if err := json.Unmarshal(w.Payload, &e.Chunk); err != nil {
			return fmt.Errorf("chunk payload: %w", err)
		}
	case EventError:
		var p ErrorPayload
		if len(w.Payload) > 0 {
			if err := json.Unmarshal(w.Payload, &p); err != nil {
				return fmt.Errorf("error payload: %w", err)
			}
		}
		e.Error = &p
	case EventEnd:
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	return nil
}

package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/erauner12/paperdesk/internal/api"
)

// EventType discriminates stream frames.
type EventType string

const (
	EventStatus           EventType = "status"
	EventInterestAnalysis EventType = "interest_analysis"
	EventTopic            EventType = "topic"
	EventComplete         EventType = "complete"
	EventError            EventType = "error"
)

// Terminal reports whether the event ends the session.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event is one decoded frame: {"type": ..., "data": ..., "message": ...}.
type Event struct {
	Type    EventType       `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// text is the human-readable part of a status, completion or error frame.
// The server puts it in "message", occasionally in a string "data".
func (e Event) text() string {
	if e.Message != "" {
		return e.Message
	}
	var s string
	if len(e.Data) > 0 && json.Unmarshal(e.Data, &s) == nil {
		return s
	}
	return ""
}

// ConnectedMessage is delivered to OnStatus when the channel opens.
const ConnectedMessage = "connected"

// Handlers receive a session's events, in arrival order, on the session's
// goroutine. Any of them may be nil.
type Handlers struct {
	OnStatus           func(message string)
	OnInterestAnalysis func(analysis api.InterestAnalysis)
	OnTopic            func(topic api.Topic)
	OnComplete         func(message string)
	// OnError receives the terminal failure (*ErrServer, *ErrTransport or
	// ErrStreamAuth). It also receives *ErrDecode when OnDecodeError is nil.
	OnError func(err error)
	// OnDecodeError receives frames that could not be decoded. The session
	// carries on after it.
	OnDecodeError func(err error)
}

// ErrStreamAuth is reported when a session is opened without a credential.
var ErrStreamAuth = errors.New("not authenticated: log in to start generation")

// ErrDecode is a frame that could not be decoded. Non-fatal.
type ErrDecode struct {
	Frame string
	Err   error
}

func (e *ErrDecode) Error() string {
	return fmt.Sprintf("failed to decode stream frame: %v", e.Err)
}

func (e *ErrDecode) Unwrap() error { return e.Err }

// ErrServer is an error event emitted by the server. Terminal.
type ErrServer struct {
	Message string
}

func (e *ErrServer) Error() string {
	if e.Message == "" {
		return "generation failed"
	}
	return e.Message
}

// ErrTransport is a channel failure that did not come from a decoded frame. Terminal.
type ErrTransport struct {
	Err error
}

func (e *ErrTransport) Error() string {
	return fmt.Sprintf("connection to the generation service lost: %v", e.Err)
}

func (e *ErrTransport) Unwrap() error { return e.Err }

// dispatchers is the dispatch table keyed by variant. A variant missing here
// is unrecognized; a nil handler for a known variant is ignored.
var dispatchers = map[EventType]func(h *Handlers, ev Event) error{
	EventStatus: func(h *Handlers, ev Event) error {
		if h.OnStatus != nil {
			h.OnStatus(ev.text())
		}
		return nil
	},
	EventInterestAnalysis: func(h *Handlers, ev Event) error {
		if h.OnInterestAnalysis == nil {
			return nil
		}
		var analysis api.InterestAnalysis
		if err := json.Unmarshal(ev.Data, &analysis); err != nil {
			return fmt.Errorf("interest_analysis payload: %w", err)
		}
		h.OnInterestAnalysis(analysis)
		return nil
	},
	EventTopic: func(h *Handlers, ev Event) error {
		if h.OnTopic == nil {
			return nil
		}
		var topic api.Topic
		if err := json.Unmarshal(ev.Data, &topic); err != nil {
			return fmt.Errorf("topic payload: %w", err)
		}
		h.OnTopic(topic)
		return nil
	},
	EventComplete: func(h *Handlers, ev Event) error {
		if h.OnComplete != nil {
			h.OnComplete(ev.text())
		}
		return nil
	},
	EventError: func(h *Handlers, ev Event) error {
		if h.OnError != nil {
			h.OnError(&ErrServer{Message: ev.text()})
		}
		return nil
	},
}

// decodeFrame parses one raw frame into an Event.
func decodeFrame(frame []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return Event{}, err
	}
	if ev.Type == "" {
		return Event{}, errors.New(`missing "type"`)
	}
	return ev, nil
}

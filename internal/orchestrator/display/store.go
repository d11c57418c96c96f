// Package display holds the presentation state pushed to clients: recording
// flag, elapsed time, the latest verdict and a status line.
package display

import (
	"errors"
	"fmt"

	"github.com/GriffinCanCode/vorify-live/internal/classifier"
	apperrors "github.com/GriffinCanCode/vorify-live/internal/errors"
	"github.com/GriffinCanCode/vorify-live/internal/syncx"
)

// Status lines.
const (
	StatusReady      = "Ready to record"
	StatusRecording  = "● Recording..."
	StatusSendFailed = "Failed to send data."
)

// Color is the styling hint attached to a label.
type Color string

const (
	Green Color = "green"
	Red   Color = "red"
	Gray  Color = "gray"
)

// ColorFor maps a label to its display color.
func ColorFor(l classifier.Label) Color {
	switch l {
	case classifier.Human:
		return Green
	case classifier.AI:
		return Red
	default:
		return Gray
	}
}

// FormatElapsed renders seconds as MM:SS.
func FormatElapsed(sec int) string {
	if sec < 0 {
		sec = 0
	}
	return fmt.Sprintf("%02d:%02d", sec/60, sec%60)
}

// State is a snapshot of what the presentation layer shows.
type State struct {
	Recording      bool             `json:"recording"`
	ElapsedSeconds int              `json:"elapsed_seconds"`
	Elapsed        string           `json:"elapsed"`
	Label          classifier.Label `json:"label"`
	Color          Color            `json:"color"`
	Status         string           `json:"status"`
	Error          string           `json:"error,omitempty"`
	SessionID      string           `json:"session_id,omitempty"`
	// Fault is a capture problem that persists until recording stops.
	Fault string `json:"fault,omitempty"`
	// LastSeq is the sequence of the applied label, -1 before any result.
	LastSeq int64 `json:"last_seq"`
}

// baseStatus is the status line when no transient notice is shown.
func (st *State) baseStatus() string {
	switch {
	case st.Fault != "":
		return "Error: " + st.Fault
	case st.Recording:
		return StatusRecording
	default:
		return StatusReady
	}
}

func initialState() State {
	return State{
		Elapsed: FormatElapsed(0),
		Label:   classifier.Unknown,
		Color:   Gray,
		Status:  StatusReady,
		LastSeq: -1,
	}
}

// EventType distinguishes pushed events.
type EventType string

const (
	EventState   EventType = "state"
	EventResult  EventType = "result"
	EventFailure EventType = "failure"
)

// Event is one state change pushed to subscribers.
type Event struct {
	Type   EventType          `json:"type"`
	State  State              `json:"state"`
	Result *classifier.Result `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// Store keeps the display state and fans changes out on an events channel.
type Store struct {
	state  *syncx.Guard[State]
	events chan Event
}

// NewStore creates a store in the ready state.
func NewStore(eventBuffer int) *Store {
	return &Store{
		state:  syncx.NewGuard(initialState()),
		events: make(chan Event, eventBuffer),
	}
}

// State returns the current snapshot.
func (s *Store) State() State { return s.state.Get() }

// Events returns the channel of display events.
func (s *Store) Events() <-chan Event { return s.events }

// Emit sends an event (non-blocking). Events are dropped when nobody drains
// the channel; State always reflects the latest value.
func (s *Store) Emit(e Event) {
	select {
	case s.events <- e:
	default:
	}
}

// RecordingStarted switches to a new session. The previous label is cleared
// since it belonged to another recording.
func (s *Store) RecordingStarted(sessionID string) {
	st, _ := s.state.Mutate(func(st *State) bool {
		*st = initialState()
		st.Recording = true
		st.Status = StatusRecording
		st.SessionID = sessionID
		return true
	})
	s.Emit(Event{Type: EventState, State: st})
}

// RecordingStopped returns to the ready state and resets the elapsed counter.
// The session and its label remain so late results can still land.
func (s *Store) RecordingStopped() {
	st, _ := s.state.Mutate(func(st *State) bool {
		st.Recording = false
		st.ElapsedSeconds = 0
		st.Elapsed = FormatElapsed(0)
		st.Status = StatusReady
		st.Error = ""
		st.Fault = ""
		return true
	})
	s.Emit(Event{Type: EventState, State: st})
}

// SetElapsed updates the elapsed counter while recording.
func (s *Store) SetElapsed(sec int) {
	st, changed := s.state.Mutate(func(st *State) bool {
		if !st.Recording || st.ElapsedSeconds == sec {
			return false
		}
		st.ElapsedSeconds = sec
		st.Elapsed = FormatElapsed(sec)
		return true
	})
	if changed {
		s.Emit(Event{Type: EventState, State: st})
	}
}

// ApplyResult shows a verdict. Results from another session, or older than the
// label already shown, are ignored. It reports whether the label changed.
func (s *Store) ApplyResult(r classifier.Result) bool {
	st, applied := s.state.Mutate(func(st *State) bool {
		if r.SessionID != st.SessionID || int64(r.Seq) <= st.LastSeq {
			return false
		}
		st.Label = r.Label
		st.Color = ColorFor(r.Label)
		st.LastSeq = int64(r.Seq)
		st.Error = st.Fault
		st.Status = st.baseStatus()
		return true
	})
	if applied {
		s.Emit(Event{Type: EventResult, State: st, Result: &r})
	}
	return applied
}

// Failure shows the transient send-failed notice. The label is left as is.
func (s *Store) Failure(sessionID string, err error) {
	st, applied := s.state.Mutate(func(st *State) bool {
		if sessionID != st.SessionID {
			return false
		}
		st.Status = StatusSendFailed
		return true
	})
	if applied {
		s.Emit(Event{Type: EventFailure, State: st, Error: err.Error()})
	}
}

// Fault shows a capture problem of the live session without ending it. It
// stays on the status line until recording stops.
func (s *Store) Fault(sessionID string, err error) {
	msg := userMessage(err)
	st, applied := s.state.Mutate(func(st *State) bool {
		if sessionID != st.SessionID || !st.Recording {
			return false
		}
		st.Fault = msg
		st.Error = msg
		st.Status = st.baseStatus()
		return true
	})
	if applied {
		s.Emit(Event{Type: EventFailure, State: st, Error: msg})
	}
}

// Error surfaces a failure to start recording.
func (s *Store) Error(err error) {
	msg := userMessage(err)
	st, _ := s.state.Mutate(func(st *State) bool {
		st.Recording = false
		st.Status = "Error: " + msg
		st.Error = msg
		return true
	})
	s.Emit(Event{Type: EventState, State: st})
}

// userMessage drops codes and causes from application errors.
func userMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

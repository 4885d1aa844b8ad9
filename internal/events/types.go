// Package events provides the in-process pub/sub bus between the session
// driver and its display collaborators.
package events

import "time"

// EventType identifies the category of event.
type EventType string

const (
	// Driver state machine
	EventSessionState EventType = "session.state"

	// Message channel
	EventProgress EventType = "progress.update"
	EventInfo     EventType = "progress.info"
	EventResult   EventType = "message.result"

	// Unit output and termination
	EventFinished EventType = "unit.finished"
)

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "driver", "messaging", "monitor"
	Data      any       `json:"data"`
}

// StateData is the payload for EventSessionState.
type StateData struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to"`
	Error string `json:"error,omitempty"`
}

// ProgressData is the payload for EventProgress and EventInfo.
type ProgressData struct {
	Fraction float64 `json:"fraction"`
	Text     string  `json:"text,omitempty"`
}

// ResultData is the payload for EventResult.
type ResultData struct {
	Message string `json:"message"`
}

// FinishedData is the payload for EventFinished.
type FinishedData struct {
	ReturnCode int    `json:"return_code"`
	Message    string `json:"message,omitempty"`
}

package tailer

import "fmt"

// EventType identifies a tailer callback slot
type EventType string

const (
	// EventLine fires once per complete line, terminator stripped
	EventLine EventType = "line"
	// EventData fires once per cycle with the decoded bytes consumed by that cycle
	EventData EventType = "data"
	// EventEOF fires for every empty cycle after the first successful read
	EventEOF EventType = "eof"
	// EventError fires on I/O problems that did not stop monitoring
	EventError EventType = "error"
)

var eventTypes = []EventType{EventLine, EventData, EventEOF, EventError}

// ParseEventType converts a string into a known EventType
func ParseEventType(s string) (EventType, error) {
	et := EventType(s)
	if !et.Valid() {
		return "", fmt.Errorf("%w: unknown event type %q", ErrInvalidArgument, s)
	}
	return et, nil
}

// Valid reports whether the event type is one of the known tailer events
func (e EventType) Valid() bool {
	for _, known := range eventTypes {
		if e == known {
			return true
		}
	}
	return false
}

// Event is delivered to handlers.
// Payload is empty for EventEOF.
// Offset is the byte offset just past the delivered content; for eof and
// error events it is the current read position.
type Event struct {
	Type    EventType
	Path    string
	Payload string
	Offset  int64
}

// Handler receives tailer events on the monitor goroutine.
// Handlers must not block: the next read cycle waits for them.
type Handler interface {
	Handle(ev Event) error
}

// HandlerFunc is an adapter to allow ordinary functions to be used as Handlers
type HandlerFunc func(ev Event) error

// Handle implements the Handler interface
func (f HandlerFunc) Handle(ev Event) error {
	return f(ev)
}

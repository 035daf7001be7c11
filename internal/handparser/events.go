package handparser

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is returned when registering an unknown event type
var ErrInvalidArgument = errors.New("invalid argument")

// EventType identifies a parser callback slot
type EventType string

const (
	// EventHandComplete carries the finished hand in Event.Lines
	EventHandComplete EventType = "hand_complete"
	// EventHandStart carries the header line in Event.Line
	EventHandStart EventType = "hand_start"
	// EventParsingError carries a description in Event.Message
	EventParsingError EventType = "parsing_error"
)

var eventTypes = []EventType{EventHandComplete, EventHandStart, EventParsingError}

// Valid reports whether the event type is known
func (e EventType) Valid() bool {
	for _, known := range eventTypes {
		if e == known {
			return true
		}
	}
	return false
}

// ParseEventType converts a string into a known EventType
func ParseEventType(s string) (EventType, error) {
	et := EventType(s)
	if !et.Valid() {
		return "", fmt.Errorf("%w: unknown event type %q", ErrInvalidArgument, s)
	}
	return et, nil
}

// Event is delivered to parser handlers
type Event struct {
	Type    EventType
	Site    string
	Lines   []string // hand_complete
	Line    string   // hand_start
	Message string   // parsing_error
}

// Handler receives parser events synchronously from ProcessLine
type Handler interface {
	Handle(ev Event) error
}

// HandlerFunc is an adapter to allow ordinary functions to be used as Handlers
type HandlerFunc func(ev Event) error

// Handle implements the Handler interface
func (f HandlerFunc) Handle(ev Event) error {
	return f(ev)
}

// Package handparser splits a stream of hand-history lines into complete hands.
//
// The parser is a small state machine (idle, hand start, in hand, error) that
// only looks at the current line and its buffer, so it can be fed line by line
// straight from a tailer. A hand ends at its "*** SUMMARY ***" line or when the
// next hand header arrives. The parser is not safe for concurrent use.
package handparser

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
)

// DefaultMaxHandLines caps the buffer of a single hand
const DefaultMaxHandLines = 5000

// State of the parser
type State int

const (
	StateIdle State = iota
	StateHandStart
	StateInHand
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateHandStart:
		return "HAND_START"
	case StateInHand:
		return "IN_HAND"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Statistics are the parser counters
type Statistics struct {
	LineCount  int `json:"line_count"`
	HandCount  int `json:"hand_count"`
	ErrorCount int `json:"error_count"`
}

// Option configures a Parser
type Option func(*Parser)

// WithLogger injects the logger used by the parser
func WithLogger(log zerolog.Logger) Option {
	return func(p *Parser) {
		p.log = log
	}
}

// WithMaxHandLines sets the buffer cap; a longer hand is a parsing error
func WithMaxHandLines(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxHandLines = n
		}
	}
}

// Parser recognizes hand boundaries for one site
type Parser struct {
	site         string
	handStart    *regexp.Regexp
	maxHandLines int
	log          zerolog.Logger

	state    State
	current  []string
	stats    Statistics
	handlers map[EventType][]Handler
}

// New creates a parser for the named site. Unknown sites use DefaultSite.
func New(site string, opts ...Option) *Parser {
	p := &Parser{
		maxHandLines: DefaultMaxHandLines,
		log:          zerolog.Nop(),
		handlers:     make(map[EventType][]Handler, len(eventTypes)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	canonical, re, known := resolveSite(site)
	p.site = canonical
	p.handStart = re
	p.log = p.log.With().Str("component", "handparser").Str("site", canonical).Logger()

	if !known {
		p.log.Debug().Str("requested_site", site).Msg("Unknown site, using default hand-start pattern")
	}
	p.log.Debug().Msg("Hand parser initialized")

	return p
}

// Site returns the site whose pattern is in use
func (p *Parser) Site() string {
	return p.site
}

// State returns the current state
func (p *Parser) State() State {
	return p.state
}

// Buffered returns how many lines of the current hand are held
func (p *Parser) Buffered() int {
	return len(p.current)
}

// Register appends a handler for the event type
func (p *Parser) Register(eventType EventType, h Handler) error {
	if !eventType.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidArgument, eventType)
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidArgument)
	}
	p.handlers[eventType] = append(p.handlers[eventType], h)
	return nil
}

// ProcessLine feeds one line. Trailing whitespace and a leading byte-order
// mark are removed before matching.
func (p *Parser) ProcessLine(line string) {
	p.stats.LineCount++
	line = strings.TrimRightFunc(strings.TrimPrefix(line, "\ufeff"), unicode.IsSpace)

	if err := p.step(line); err != nil {
		p.fail(err)
	}
}

// ProcessChunk splits chunk on '\n' and feeds each piece in order.
// A trailing terminator does not produce an extra empty line.
func (p *Parser) ProcessChunk(chunk string) {
	if chunk == "" {
		return
	}
	lines := strings.Split(chunk, "\n")
	if strings.HasSuffix(chunk, "\n") {
		lines = lines[:len(lines)-1]
	}
	for _, line := range lines {
		p.ProcessLine(line)
	}
}

// Flush returns the buffered partial hand, if any, and resets to idle.
// No hand_complete fires for it; callers must treat the result as partial.
func (p *Parser) Flush() []string {
	if p.state == StateIdle {
		return nil
	}

	hand := p.current
	p.current = nil
	p.state = StateIdle

	if len(hand) == 0 {
		return nil
	}
	p.log.Debug().Int("lines", len(hand)).Msg("Flushed partial hand")
	return hand
}

// Statistics returns a copy of the counters
func (p *Parser) Statistics() Statistics {
	return p.stats
}

// ResetStatistics zeroes the counters
func (p *Parser) ResetStatistics() {
	p.stats = Statistics{}
}

// step applies one transition. A panic inside a transition is reported as an
// error so the stream can continue.
func (p *Parser) step(line string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if line == "" {
		if p.state == StateInHand {
			return p.append(line)
		}
		return nil
	}

	switch p.state {
	case StateIdle:
		p.handleIdle(line)
	case StateHandStart:
		// Every supported format has at least one body line, so no lookahead
		if err := p.append(line); err != nil {
			return err
		}
		p.state = StateInHand
	case StateInHand:
		return p.handleInHand(line)
	case StateError:
		// ignored until Flush
	}
	return nil
}

func (p *Parser) handleIdle(line string) {
	if !p.handStart.MatchString(line) {
		return
	}

	p.state = StateHandStart
	p.current = []string{line}
	p.log.Debug().Str("header", truncate(line, 50)).Msg("Hand start detected")
	p.fire(Event{Type: EventHandStart, Site: p.site, Line: line})
}

func (p *Parser) handleInHand(line string) error {
	if p.handStart.MatchString(line) {
		// The header closes the current hand and opens the next one
		p.complete()
		p.handleIdle(line)
		return nil
	}

	if err := p.append(line); err != nil {
		return err
	}

	if strings.HasPrefix(strings.TrimSpace(line), summaryMarker) {
		p.complete()
		return nil
	}

	if isEndMarker(line) {
		p.log.Trace().Str("line", truncate(line, 50)).Msg("End-of-hand marker seen")
	}
	return nil
}

func (p *Parser) append(line string) error {
	if len(p.current) >= p.maxHandLines {
		return fmt.Errorf("hand exceeds %d lines", p.maxHandLines)
	}
	p.current = append(p.current, line)
	return nil
}

func (p *Parser) complete() {
	hand := p.current
	p.current = nil
	p.state = StateIdle
	if len(hand) == 0 {
		return
	}

	p.stats.HandCount++
	p.log.Debug().
		Int("hand_count", p.stats.HandCount).
		Int("lines", len(hand)).
		Msg("Hand complete")

	p.fire(Event{Type: EventHandComplete, Site: p.site, Lines: hand})
}

func (p *Parser) fail(err error) {
	dropped := len(p.current)
	p.current = nil
	p.state = StateError
	p.stats.ErrorCount++

	msg := fmt.Sprintf("line %d: %v", p.stats.LineCount, err)
	if dropped > 0 {
		msg = fmt.Sprintf("%s (%d buffered lines dropped)", msg, dropped)
	}

	p.log.Error().
		Err(err).
		Int("line_count", p.stats.LineCount).
		Int("dropped_lines", dropped).
		Msg("Error processing line")

	p.fire(Event{Type: EventParsingError, Site: p.site, Message: msg})
}

// fire runs the handlers for ev.Type; handler failures never reach the state machine
func (p *Parser) fire(ev Event) {
	for _, h := range p.handlers[ev.Type] {
		p.dispatch(h, ev)
	}
}

func (p *Parser) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Str("event", string(ev.Type)).
				Interface("panic", r).
				Msg("Parser callback panicked")
		}
	}()

	if err := h.Handle(ev); err != nil {
		p.log.Error().Err(err).Str("event", string(ev.Type)).Msg("Parser callback failed")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

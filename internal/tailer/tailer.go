// Package tailer follows a single append-only text file and surfaces newly
// written bytes as line events.
//
// A Tailer keeps a byte offset into the file. Each read cycle consumes bytes
// only up to the last line terminator, so a partially written line is re-read
// together with whatever is appended next and every complete line is emitted
// exactly once. Cycles are driven by fsnotify when the platform supports it and
// by a polling loop otherwise; both produce the same callbacks.
package tailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// ReadChunkSize is the maximum number of bytes consumed by one read cycle
const ReadChunkSize = 10000

const (
	// DefaultEncoding matches what most poker clients write on Windows
	DefaultEncoding = "cp1252"
	// DefaultPollInterval is used by the polling fallback
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultStopTimeout bounds how long Stop waits for the monitor goroutine
	DefaultStopTimeout = 5 * time.Second
	// DefaultMaxLineBytes caps how much of an unterminated line is held back
	DefaultMaxLineBytes = 100 * ReadChunkSize
)

// Option configures a Tailer
type Option func(*Tailer)

// WithEncoding sets the text encoding (WHATWG label, e.g. "cp1252", "utf-8")
func WithEncoding(label string) Option {
	return func(t *Tailer) {
		t.encoding = label
	}
}

// WithPollInterval sets the polling interval. Must be positive.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tailer) {
		t.pollInterval = d
	}
}

// WithLogger injects the logger used by the tailer
func WithLogger(log zerolog.Logger) Option {
	return func(t *Tailer) {
		t.log = log
	}
}

// WithForcePolling skips fsnotify and always uses the polling loop
func WithForcePolling(force bool) Option {
	return func(t *Tailer) {
		t.forcePolling = force
	}
}

// WithMaxLineBytes caps the bytes of one unterminated line kept in memory.
// A longer line is delivered in pieces of this size.
func WithMaxLineBytes(n int) Option {
	return func(t *Tailer) {
		if n >= ReadChunkSize {
			t.maxLineBytes = n
		}
	}
}

// WithStopTimeout bounds how long Stop blocks
func WithStopTimeout(d time.Duration) Option {
	return func(t *Tailer) {
		if d > 0 {
			t.stopTimeout = d
		}
	}
}

// Tailer tails one file. It is safe for concurrent use; callbacks run on the
// monitor goroutine.
type Tailer struct {
	path         string
	encoding     string
	pollInterval time.Duration
	stopTimeout  time.Duration
	forcePolling bool
	maxLineBytes int
	decode       decodeFunc
	runeAware    bool
	log          zerolog.Logger

	// mu serializes read cycles and every access to offset
	mu      sync.Mutex
	offset  int64
	hasRead bool
	// pending holds the head of a line longer than one chunk; offset is past it
	pending []byte

	handlersMu sync.RWMutex
	handlers   map[EventType][]Handler

	lifeMu   sync.Mutex
	running  bool
	strategy string
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a tailer for path. The file does not have to exist yet;
// Start checks for it.
func New(path string, opts ...Option) (*Tailer, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: bad path %q: %v", ErrInvalidArgument, path, err)
	}

	t := &Tailer{
		path:         filepath.Clean(abs),
		encoding:     DefaultEncoding,
		pollInterval: DefaultPollInterval,
		stopTimeout:  DefaultStopTimeout,
		maxLineBytes: DefaultMaxLineBytes,
		log:          zerolog.Nop(),
		handlers:     make(map[EventType][]Handler, len(eventTypes)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	if t.pollInterval <= 0 {
		return nil, fmt.Errorf("%w: poll interval must be positive, got %v", ErrInvalidArgument, t.pollInterval)
	}

	decode, name, err := lookupDecoder(t.encoding)
	if err != nil {
		return nil, err
	}
	t.decode = decode
	t.encoding = name
	t.runeAware = name == "utf-8"
	t.log = t.log.With().Str("component", "tailer").Str("file", t.path).Logger()

	t.log.Debug().
		Str("encoding", t.encoding).
		Dur("poll_interval", t.pollInterval).
		Msg("Tailer initialized")

	return t, nil
}

// Path returns the absolute path of the watched file
func (t *Tailer) Path() string {
	return t.path
}

// Register appends a handler for the given event type.
// Handlers of one type run in registration order.
func (t *Tailer) Register(eventType EventType, h Handler) error {
	if !eventType.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidArgument, eventType)
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidArgument)
	}

	t.handlersMu.Lock()
	t.handlers[eventType] = append(t.handlers[eventType], h)
	t.handlersMu.Unlock()

	t.log.Debug().Str("event", string(eventType)).Msg("Registered tailer callback")
	return nil
}

// Start begins monitoring. The read position is kept as is, so SetPosition or
// SeekToEnd may be called before Start to resume or skip history.
// Calling Start on a running tailer does nothing.
func (t *Tailer) Start() error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	if t.running {
		t.log.Info().Msg("Tailer is already running")
		return nil
	}

	if t.done != nil {
		select {
		case <-t.done:
		default:
			return fmt.Errorf("%w: previous monitor has not exited", ErrStopTimeout)
		}
	}

	if _, err := os.Stat(t.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, t.path)
		}
		return fmt.Errorf("failed to stat %s: %w", t.path, err)
	}

	mon := t.pickMonitor()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.cancel = cancel
	t.done = done
	t.running = true
	t.strategy = mon.name()

	go func() {
		defer close(done)
		mon.run(ctx, t.readCycle)
	}()

	t.log.Info().
		Str("strategy", t.strategy).
		Int64("offset", t.Position()).
		Msg("Tailer started")

	return nil
}

// pickMonitor prefers fsnotify and downgrades to polling when it is unavailable
func (t *Tailer) pickMonitor() monitor {
	if t.forcePolling {
		return &pollMonitor{interval: t.pollInterval}
	}

	fm, err := newFsnotifyMonitor(t.path, t.pollInterval, t.log)
	if err != nil {
		t.log.Warn().
			Err(err).
			Dur("poll_interval", t.pollInterval).
			Msg("File notifications unavailable, falling back to polling")
		return &pollMonitor{interval: t.pollInterval}
	}

	fm.onError = func(err error) {
		t.fire(Event{Type: EventError, Path: t.path, Payload: err.Error(), Offset: t.Position()})
	}
	fm.onDowngrade = func(strategy string) {
		t.lifeMu.Lock()
		t.strategy = strategy
		t.lifeMu.Unlock()
	}
	return fm
}

// Stop signals the monitor and waits for it to exit. After a nil return no
// callback will fire. Safe to call repeatedly; must not be called from a handler.
func (t *Tailer) Stop() error {
	t.lifeMu.Lock()
	if !t.running {
		t.lifeMu.Unlock()
		return nil
	}
	t.running = false
	cancel, done := t.cancel, t.done
	t.lifeMu.Unlock()

	cancel()

	timer := time.NewTimer(t.stopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		t.log.Info().Int64("offset", t.Position()).Msg("Tailer stopped")
		return nil
	case <-timer.C:
		t.log.Error().Dur("timeout", t.stopTimeout).Msg("Tailer monitor did not exit in time")
		return fmt.Errorf("%w after %s", ErrStopTimeout, t.stopTimeout)
	}
}

// Running reports whether a monitor is active
func (t *Tailer) Running() bool {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	return t.running
}

// Strategy returns "fsnotify" or "polling" for a running tailer, or "" before Start
func (t *Tailer) Strategy() string {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	return t.strategy
}

// Position returns the offset just past the last delivered byte. Bytes of a
// held-back long line are not counted.
func (t *Tailer) Position() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed()
}

func (t *Tailer) committed() int64 {
	return t.offset - int64(len(t.pending))
}

// SetPosition moves the read offset, clamped to [0, file size]
func (t *Tailer) SetPosition(n int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	size, err := t.fileSize()
	if err != nil {
		return err
	}

	t.offset = clamp(n, 0, size)
	t.pending = nil
	t.log.Debug().Int64("offset", t.offset).Msg("Position set")
	return nil
}

// SeekToEnd skips everything currently in the file
func (t *Tailer) SeekToEnd() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	size, err := t.fileSize()
	if err != nil {
		return err
	}

	t.offset = size
	t.pending = nil
	t.log.Debug().Int64("offset", t.offset).Msg("Seeked to end of file")
	return nil
}

func (t *Tailer) fileSize() (int64, error) {
	info, err := os.Stat(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrFileNotFound, t.path)
		}
		return 0, fmt.Errorf("failed to stat %s: %w", t.path, err)
	}
	return info.Size(), nil
}

// readCycle reads under the lock and fires the resulting events after
// releasing it, so handlers may call Position. It keeps reading while chunks
// come back full, so a backlog is drained without waiting for another event.
func (t *Tailer) readCycle(ctx context.Context) {
	for {
		events, more := t.collect()
		for _, ev := range events {
			t.fire(ev)
		}
		if !more || ctx.Err() != nil {
			return
		}
	}
}

// collect performs one read and returns the events it produced. more reports
// that the read made progress and the file may hold further unread bytes.
func (t *Tailer) collect() (events []Event, more bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, err := os.Stat(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			t.log.Warn().Msg("Watched file disappeared, skipping cycle")
			return nil, false
		}
		t.log.Warn().Err(err).Msg("Failed to stat watched file")
		return append(events, t.errorEvent(err)), false
	}

	if info.Size() < t.offset {
		msg := fmt.Sprintf("file truncated from offset %d to size %d, rewinding", t.committed(), info.Size())
		t.log.Warn().
			Int64("offset", t.committed()).
			Int64("size", info.Size()).
			Msg("File truncated, rewinding to start")
		t.offset = 0
		t.pending = nil
		events = append(events, Event{Type: EventError, Path: t.path, Payload: msg, Offset: 0})
	}

	raw, err := t.readChunk()
	if err != nil {
		t.log.Warn().Err(err).Int64("offset", t.offset).Msg("IO error reading file")
		return append(events, t.errorEvent(err)), false
	}
	full := len(raw) == ReadChunkSize

	consumed := bytes.LastIndexByte(raw, '\n') + 1
	if consumed == 0 {
		if full {
			// No terminator in a whole chunk; hold it until the line ends
			return append(events, t.holdBack(raw)...), true
		}
		if t.hasRead {
			events = append(events, Event{Type: EventEOF, Path: t.path, Offset: t.committed()})
		}
		return events, false
	}

	start := t.committed()
	region := raw[:consumed]
	if len(t.pending) > 0 {
		region = append(t.pending, region...)
	}

	text, err := t.decode(region)
	if err != nil {
		t.log.Warn().
			Err(err).
			Int64("offset", start).
			Msg("Decode error, skipping one byte")
		t.offset = start + 1
		t.pending = nil
		return events, true
	}

	t.offset += int64(consumed)
	t.pending = nil
	t.hasRead = true

	events = append(events, Event{Type: EventData, Path: t.path, Payload: text, Offset: t.offset})
	return append(events, t.lineEvents(region, text, start)...), full
}

// holdBack keeps an unterminated full chunk in pending. Once pending reaches
// maxLineBytes its head is delivered as a line piece, cut on a rune boundary
// for UTF-8.
func (t *Tailer) holdBack(raw []byte) []Event {
	t.pending = append(t.pending, raw...)
	t.offset += int64(len(raw))
	if len(t.pending) < t.maxLineBytes {
		return nil
	}

	cut := len(t.pending)
	if t.runeAware {
		cut = runeBoundary(t.pending)
	}
	piece := t.pending[:cut]
	t.pending = append([]byte(nil), t.pending[cut:]...)

	text, err := t.decode(piece)
	if err != nil {
		t.log.Warn().Err(err).Int64("offset", t.committed()).Msg("Decode error in long line, dropping piece")
		return nil
	}
	t.hasRead = true

	t.log.Warn().
		Int("bytes", len(piece)).
		Int64("offset", t.committed()).
		Msg("Line exceeds maximum length, delivering it in pieces")

	return []Event{
		{Type: EventData, Path: t.path, Payload: text, Offset: t.committed()},
		{Type: EventLine, Path: t.path, Payload: text, Offset: t.committed()},
	}
}

// runeBoundary returns the length of b without a trailing incomplete UTF-8 sequence
func runeBoundary(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// readChunk reads up to ReadChunkSize bytes at the current offset
func (t *Tailer) readChunk() ([]byte, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to %d: %w", t.offset, err)
	}

	buf := make([]byte, ReadChunkSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return buf[:n], nil
}

// lineEvents splits the consumed region into line events. Raw and decoded
// pieces line up one to one because only ASCII-compatible encodings are allowed.
func (t *Tailer) lineEvents(region []byte, text string, start int64) []Event {
	rawLines := bytes.Split(region, []byte{'\n'})
	lines := strings.Split(text, "\n")
	if bytes.HasSuffix(region, []byte{'\n'}) {
		rawLines = rawLines[:len(rawLines)-1]
		lines = lines[:len(lines)-1]
	}

	aligned := len(rawLines) == len(lines)
	end := start + int64(len(region))

	events := make([]Event, 0, len(lines))
	pos := start
	for i, line := range lines {
		offset := end
		if aligned {
			pos += int64(len(rawLines[i]))
			if pos < end {
				pos++ // terminator
			}
			offset = pos
		}
		events = append(events, Event{
			Type:    EventLine,
			Path:    t.path,
			Payload: strings.TrimSuffix(line, "\r"),
			Offset:  offset,
		})
	}
	return events
}

func (t *Tailer) errorEvent(err error) Event {
	return Event{Type: EventError, Path: t.path, Payload: err.Error(), Offset: t.committed()}
}

// fire runs every handler registered for ev.Type. A failing or panicking
// handler is logged and the rest still run.
func (t *Tailer) fire(ev Event) {
	t.handlersMu.RLock()
	handlers := append([]Handler(nil), t.handlers[ev.Type]...)
	t.handlersMu.RUnlock()

	for _, h := range handlers {
		t.dispatch(h, ev)
	}
}

func (t *Tailer) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().
				Str("event", string(ev.Type)).
				Interface("panic", r).
				Msg("Tailer callback panicked")
		}
	}()

	if err := h.Handle(ev); err != nil {
		t.log.Error().
			Err(err).
			Str("event", string(ev.Type)).
			Msg("Tailer callback failed")
	}
}

func clamp(n, lo, hi int64) int64 {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SteelMorgan/hhstream/internal/domain"
	"github.com/SteelMorgan/hhstream/internal/retry"
)

func testHand(site string, partial bool, lines ...string) *domain.Hand {
	if len(lines) == 0 {
		lines = []string{site + " Hand #1: x", "Seat 1: alice", "*** SUMMARY ***"}
	}
	return domain.NewHand(site, "/hh/"+site+".txt", lines, partial, 64, 128)
}

// memorySink records hands and can be told to fail
type memorySink struct {
	mu      sync.Mutex
	hands   []*domain.Hand
	flushes int
	closed  bool
	err     error
}

func (m *memorySink) Write(ctx context.Context, hand *domain.Hand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.hands = append(m.hands, hand)
	return nil
}

func (m *memorySink) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return m.err
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.err
}

func TestJSONLinesSink_WritesOneObjectPerHand(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONLinesSink(&buf)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, testHand("PokerStars", false)))
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"), "a hand is visible as soon as Write returns")

	partial := testHand("Winamax", true)
	require.NoError(t, s.Write(ctx, partial))
	require.NoError(t, s.Flush(ctx))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var got record
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &got))
	assert.Equal(t, "Winamax", got.Site)
	assert.True(t, got.Partial)
	assert.Equal(t, 3, got.LineCount)
	assert.EqualValues(t, 64, got.StartOffset)
	assert.EqualValues(t, 128, got.ResumeOffset)
	assert.Equal(t, partial.Key.String(), got.HandKey)
	assert.Equal(t, domain.HashLines(got.Lines), got.Hash)
}

func TestOpenJSONLinesSink_AppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "hands.jsonl")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		s, err := OpenJSONLinesSink(path)
		require.NoError(t, err)
		require.NoError(t, s.Write(ctx, testHand("PokerStars", false)))
		require.NoError(t, s.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	ctx := context.Background()
	good := &memorySink{}
	bad := &memorySink{err: errors.New("disk full")}
	m := NewMultiSink(bad, good)

	err := m.Write(ctx, testHand("PokerStars", false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, good.hands, 1, "a failing sink must not starve the others")

	assert.Error(t, m.Flush(ctx))
	assert.Equal(t, 1, good.flushes)

	assert.Error(t, m.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)

	assert.NoError(t, NewMultiSink(good).Write(ctx, testHand("Bovada", false)))
}

func TestFilterSink(t *testing.T) {
	ctx := context.Background()
	next := &memorySink{}

	s, err := NewFilterSink(next, `site == "PokerStars" && !partial && body.contains("SUMMARY")`)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, testHand("PokerStars", false)))
	require.NoError(t, s.Write(ctx, testHand("PokerStars", true)))
	require.NoError(t, s.Write(ctx, testHand("Winamax", false)))

	require.Len(t, next.hands, 1)
	assert.Equal(t, "PokerStars", next.hands[0].Site)
	assert.False(t, next.hands[0].Partial)

	require.NoError(t, s.Close())
	assert.True(t, next.closed)
}

func TestFilterSink_EmptyExpressionPassesThrough(t *testing.T) {
	next := &memorySink{}
	s, err := NewFilterSink(next, "  ")
	require.NoError(t, err)
	assert.Same(t, next, s)
}

func TestFilterSink_InvalidExpression(t *testing.T) {
	_, err := NewFilterSink(&memorySink{}, `site ==`)
	assert.Error(t, err)

	_, err = NewFilterSink(&memorySink{}, `line_count + 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must evaluate to bool")

	_, err = NewFilterSink(&memorySink{}, `table == "x"`)
	assert.Error(t, err, "undeclared variables are rejected")
}

// fakeKafkaWriter captures published messages
type fakeKafkaWriter struct {
	msgs   []kafka.Message
	fails  int
	closed bool
}

func (w *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.fails > 0 {
		w.fails--
		return kafka.LeaderNotAvailable
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink_PublishesKeyedByHandKey(t *testing.T) {
	w := &fakeKafkaWriter{fails: 1}
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	s := newKafkaSink(w, "hands", cfg)

	hand := testHand("GGPoker", false)
	require.NoError(t, s.Write(context.Background(), hand))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, hand.Key.String(), string(w.msgs[0].Key))
	assert.Contains(t, w.msgs[0].Headers, kafka.Header{Key: "hash", Value: []byte(hand.Hash)})

	var got record
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, hand.ID.String(), got.ID)
	assert.Equal(t, hand.Lines, got.Lines)

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_PermanentError(t *testing.T) {
	w := &fakeKafkaWriter{}
	s := newKafkaSink(&permanentFailWriter{w}, "hands", retry.DefaultConfig())

	err := s.Write(context.Background(), testHand("GGPoker", false))
	assert.ErrorIs(t, err, kafka.MessageSizeTooLarge)
}

type permanentFailWriter struct{ *fakeKafkaWriter }

func (w *permanentFailWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	return kafka.MessageSizeTooLarge
}

func TestRawHandRow(t *testing.T) {
	hand := testHand("PokerStars", true)
	row := rawHandRow(hand)

	require.Len(t, row, 11)
	assert.Equal(t, hand.ID, row[0])
	assert.Equal(t, hand.Key, row[1])
	assert.Equal(t, true, row[5])
	assert.Equal(t, uint32(3), row[6])
	assert.Equal(t, hand.Body(), row[7])
	assert.Equal(t, int64(64), row[8])
	assert.Equal(t, int64(128), row[9])

	hand.CompletedAt = time.Time{}
	assert.Equal(t, minClickHouseDateTime, rawHandRow(hand)[10])
}

func TestCreateRawHandsTable(t *testing.T) {
	ddl := CreateRawHandsTable("hands")
	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS hands.raw_hands")
	for _, col := range []string{"id", "hand_key", "site", "source_path", "hash", "partial", "line_count", "body", "start_offset", "resume_offset", "completed_at"} {
		assert.Contains(t, ddl, "\n    "+col+" ")
	}
}

// flakyInsert stands in for the ClickHouse insert
type flakyInsert struct {
	mu       sync.Mutex
	err      error
	inserted []*domain.Hand
	calls    int
}

func (f *flakyInsert) insert(ctx context.Context, hands []*domain.Hand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, hands...)
	return nil
}

func newTestClickHouseSink(t *testing.T, maxSize int, ins *flakyInsert) *ClickHouseSink {
	t.Helper()
	s := NewClickHouseSink(nil, "hands", BatchConfig{MaxSize: maxSize, FlushTimeout: time.Hour}, retry.DefaultConfig())
	s.insert = ins.insert
	t.Cleanup(func() {
		ins.mu.Lock()
		ins.err = nil
		ins.mu.Unlock()
		_ = s.Close()
	})
	return s
}

func TestClickHouseSink_FailedFlushKeepsHands(t *testing.T) {
	ctx := context.Background()
	ins := &flakyInsert{err: errors.New("connection reset")}
	s := newTestClickHouseSink(t, 2, ins)

	first := testHand("PokerStars", false)
	require.NoError(t, s.Write(ctx, first))
	require.NoError(t, s.Write(ctx, testHand("Winamax", false)), "a full batch that fails to send is kept, not charged to this hand")
	assert.Equal(t, 1, ins.calls)
	assert.Equal(t, 2, s.Pending())

	require.Error(t, s.Flush(ctx))
	assert.Equal(t, 2, s.Pending())

	ins.mu.Lock()
	ins.err = nil
	ins.mu.Unlock()

	require.NoError(t, s.Write(ctx, testHand("Bovada", false)))
	require.NoError(t, s.Flush(ctx))
	assert.Zero(t, s.Pending())

	require.Len(t, ins.inserted, 3)
	assert.Equal(t, first.ID, ins.inserted[0].ID, "requeued hands keep their order")
	assert.Equal(t, "Bovada", ins.inserted[2].Site)
}

func TestClickHouseSink_BackpressureWhenBacklogFull(t *testing.T) {
	ctx := context.Background()
	ins := &flakyInsert{err: errors.New("connection refused")}
	s := newTestClickHouseSink(t, 1, ins)

	for i := 0; i < pendingBatches; i++ {
		require.NoError(t, s.Write(ctx, testHand("PokerStars", false)))
	}
	err := s.Write(ctx, testHand("PokerStars", false))
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.Equal(t, pendingBatches, s.Pending())
}

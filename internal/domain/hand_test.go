package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashLines(t *testing.T) {
	lines := []string{"PokerStars Hand #1: x", "Seat 1: alice", "*** SUMMARY ***"}
	sum := sha256.Sum256([]byte("PokerStars Hand #1: x\nSeat 1: alice\n*** SUMMARY ***"))

	assert.Equal(t, hex.EncodeToString(sum[:]), HashLines(lines))
	assert.Equal(t, HashLines(lines), HashLines(append([]string(nil), lines...)))
	assert.NotEqual(t, HashLines(lines), HashLines(lines[:2]))
}

func TestNewHand(t *testing.T) {
	lines := []string{"PokerStars Hand #1: x", "*** SUMMARY ***"}

	a := NewHand("PokerStars", "/hh/a.txt", lines, false, 10, 42)
	b := NewHand("PokerStars", "/hh/a.txt", lines, true, 10, 42)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, "PokerStars Hand #1: x\n*** SUMMARY ***", a.Body())
	assert.EqualValues(t, 10, a.StartOffset)
	assert.EqualValues(t, 42, a.ResumeOffset)
	assert.Equal(t, a.Key, b.Key, "same header position, same key")
	assert.True(t, b.Partial)
	assert.False(t, a.CompletedAt.IsZero())
}

func TestHandKey(t *testing.T) {
	base := HandKey("/hh/a.txt", 100)

	assert.Equal(t, base, HandKey("/hh/a.txt", 100))
	assert.NotEqual(t, base, HandKey("/hh/a.txt", 101))
	assert.NotEqual(t, base, HandKey("/hh/b.txt", 100))
	assert.EqualValues(t, 5, base.Version())
}

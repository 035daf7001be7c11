package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// handKeySpace is the namespace of the name-based hand keys
var handKeySpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("hhstream:hand"))

// Hand is one hand history as cut from a source file by the parser
type Hand struct {
	ID           uuid.UUID `json:"id"`
	// Key names the hand's position in its file. A partial hand and the
	// complete hand read later from the same header share it.
	Key          uuid.UUID `json:"hand_key"`
	Site         string    `json:"site"`
	SourcePath   string    `json:"source_path"` // Full path to the hand-history file
	Lines        []string  `json:"lines"`
	Hash         string    `json:"hash"`          // sha256 of the joined lines
	Partial      bool      `json:"partial"`       // true if flushed before its end marker
	StartOffset  int64     `json:"start_offset"`  // byte offset of the hand's header
	ResumeOffset int64     `json:"resume_offset"` // byte offset safe to resume from after this hand
	CompletedAt  time.Time `json:"completed_at"`
}

// NewHand builds a Hand with a fresh ID, its position key and computed hash
func NewHand(site, sourcePath string, lines []string, partial bool, startOffset, resumeOffset int64) *Hand {
	return &Hand{
		ID:           uuid.New(),
		Key:          HandKey(sourcePath, startOffset),
		Site:         site,
		SourcePath:   sourcePath,
		Lines:        lines,
		Hash:         HashLines(lines),
		Partial:      partial,
		StartOffset:  startOffset,
		ResumeOffset: resumeOffset,
		CompletedAt:  time.Now().UTC(),
	}
}

// HandKey returns the stable key for the hand whose header starts at
// startOffset in sourcePath
func HandKey(sourcePath string, startOffset int64) uuid.UUID {
	return uuid.NewSHA1(handKeySpace, []byte(sourcePath+":"+strconv.FormatInt(startOffset, 10)))
}

// Body returns the hand text with '\n' separators
func (h *Hand) Body() string {
	return strings.Join(h.Lines, "\n")
}

// HashLines calculates the SHA256 of the lines joined by '\n'.
// Identical hands re-read after a restart produce the same hash.
func HashLines(lines []string) string {
	h := sha256.New()
	for i, line := range lines {
		if i > 0 {
			h.Write([]byte{'\n'})
		}
		h.Write([]byte(line))
	}
	return hex.EncodeToString(h.Sum(nil))
}

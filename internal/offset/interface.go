package offset

import (
	"context"
	"fmt"
)

// SourceHandHistory is the source type used for hand-history files
const SourceHandHistory = "hand_history"

// Store persists resume offsets for tailed files
// Implementations: BoltDB (default), in-memory (OFFSET_DB empty, tests)
type Store interface {
	// Get retrieves the offset for a given file.
	// The bool is false if nothing was ever stored for it.
	Get(ctx context.Context, sourceType, filePath string) (uint64, bool, error)

	// Set stores the offset for a given file
	Set(ctx context.Context, sourceType, filePath string, offset uint64) error

	// Delete removes the offset for a given file
	Delete(ctx context.Context, sourceType, filePath string) error

	// List returns all stored offsets keyed by "sourceType:path"
	List(ctx context.Context) (map[string]uint64, error)

	// Close closes the store
	Close() error
}

// makeKey creates a composite key from source type and file path
func makeKey(sourceType, filePath string) string {
	return fmt.Sprintf("%s:%s", sourceType, filePath)
}

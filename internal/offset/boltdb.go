package offset

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

const (
	bucketName = "offsets"
)

var errBucketNotFound = errors.New("bucket not found")

// BoltDBStore implements Store using BoltDB
type BoltDBStore struct {
	db *bbolt.DB
}

// NewBoltDBStore opens (or creates) the database at dbPath
func NewBoltDBStore(dbPath string) (*BoltDBStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create offset db directory: %w", err)
		}
	}

	// A second process holding the file makes Open block; fail fast instead
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	log.Info().
		Str("db_path", dbPath).
		Msg("BoltDB offset store initialized")

	return &BoltDBStore{db: db}, nil
}

// Get retrieves the offset for a given file
func (s *BoltDBStore) Get(ctx context.Context, sourceType, filePath string) (uint64, bool, error) {
	var (
		offset uint64
		found  bool
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errBucketNotFound
		}

		val := b.Get([]byte(makeKey(sourceType, filePath)))
		if val == nil {
			return nil
		}
		if len(val) < 8 {
			return fmt.Errorf("invalid offset value of %d bytes", len(val))
		}

		offset = binary.BigEndian.Uint64(val)
		found = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to get offset: %w", err)
	}

	return offset, found, nil
}

// Set stores the offset for a given file
func (s *BoltDBStore) Set(ctx context.Context, sourceType, filePath string, offset uint64) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errBucketNotFound
		}

		val := make([]byte, 8)
		binary.BigEndian.PutUint64(val, offset)

		return b.Put([]byte(makeKey(sourceType, filePath)), val)
	})
	if err != nil {
		return fmt.Errorf("failed to set offset: %w", err)
	}

	log.Debug().
		Str("source_type", sourceType).
		Str("file", filePath).
		Uint64("offset", offset).
		Msg("Offset updated")

	return nil
}

// Delete removes the offset for a given file
func (s *BoltDBStore) Delete(ctx context.Context, sourceType, filePath string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errBucketNotFound
		}
		return b.Delete([]byte(makeKey(sourceType, filePath)))
	})
	if err != nil {
		return fmt.Errorf("failed to delete offset: %w", err)
	}

	return nil
}

// List returns all stored offsets
func (s *BoltDBStore) List(ctx context.Context) (map[string]uint64, error) {
	result := make(map[string]uint64)

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errBucketNotFound
		}

		return b.ForEach(func(k, v []byte) error {
			if len(v) >= 8 {
				result[string(k)] = binary.BigEndian.Uint64(v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list offsets: %w", err)
	}

	return result, nil
}

// Close closes the BoltDB database
func (s *BoltDBStore) Close() error {
	log.Info().Msg("Closing BoltDB offset store")
	return s.db.Close()
}

package service

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/SteelMorgan/hhstream/internal/config"
)

// candidate is a hand-history file found for a target
type candidate struct {
	path    string
	modTime time.Time
	target  config.Target
}

// discover expands the targets into files, oldest first.
// Missing single-file targets are skipped; they are picked up once created.
func discover(targets []config.Target) ([]candidate, error) {
	seen := make(map[string]bool)
	var found []candidate
	var errs []error

	for _, t := range targets {
		var (
			batch []candidate
			err   error
		)
		if t.IsDir() {
			batch, err = scanDir(t)
		} else {
			batch, err = statFile(t)
		}
		if err != nil {
			errs = append(errs, err)
		}
		for _, c := range batch {
			if seen[c.path] {
				continue
			}
			seen[c.path] = true
			found = append(found, c)
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].modTime.Equal(found[j].modTime) {
			return found[i].path < found[j].path
		}
		return found[i].modTime.Before(found[j].modTime)
	})

	return found, errors.Join(errs...)
}

func statFile(t config.Target) ([]candidate, error) {
	path, err := filepath.Abs(t.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", t.Path, err)
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("target path %s is a directory, use dir", path)
	}
	return []candidate{{path: path, modTime: info.ModTime(), target: t}}, nil
}

func scanDir(t config.Target) ([]candidate, error) {
	root, err := filepath.Abs(t.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", t.Dir, err)
	}
	pattern := t.Pattern
	if pattern == "" {
		pattern = config.DefaultPattern
	}

	var found []candidate
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			// Unreadable entries are retried on the next scan
			return nil
		}
		if d.IsDir() {
			if path != root && !t.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		found = append(found, candidate{path: path, modTime: info.ModTime(), target: t})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return found, nil
}

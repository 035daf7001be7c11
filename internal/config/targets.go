package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPattern matches directory entries when a target sets none
const DefaultPattern = "*.txt"

// Target is one file or directory to tail
type Target struct {
	Path           string `yaml:"path"`
	Dir            string `yaml:"dir"`
	Pattern        string `yaml:"pattern"`
	Recursive      bool   `yaml:"recursive"`
	Site           string `yaml:"site"`
	Encoding       string `yaml:"encoding"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
	StartAtEnd     *bool  `yaml:"start_at_end"`
}

// targetsFile is the layout of targets.yaml
type targetsFile struct {
	Targets []Target `yaml:"targets"`
}

// LoadTargets loads targets.yaml
func LoadTargets(path string) ([]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets file: %w", err)
	}

	var tf targetsFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse targets file: %w", err)
	}

	return tf.Targets, nil
}

// IsDir reports whether the target is a directory to scan
func (t Target) IsDir() bool {
	return t.Dir != ""
}

// PollInterval returns the polling period of the target
func (t Target) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMs) * time.Millisecond
}

// SkipHistory reports whether files without a checkpoint start at their end
func (t Target) SkipHistory() bool {
	return t.StartAtEnd != nil && *t.StartAtEnd
}

// Validate checks a single target
func (t Target) Validate() error {
	switch {
	case t.Path == "" && t.Dir == "":
		return fmt.Errorf("either path or dir is required")
	case t.Path != "" && t.Dir != "":
		return fmt.Errorf("path and dir are mutually exclusive")
	}
	if t.Pattern != "" {
		if _, err := filepath.Match(t.Pattern, ""); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", t.Pattern, err)
		}
	}
	if t.PollIntervalMs < 0 {
		return fmt.Errorf("poll_interval_ms must not be negative")
	}
	return nil
}

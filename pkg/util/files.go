package util

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

func RemoveFile(files ...string) {
	for _, file := range files {
		log.Debug().Str("file", file).Msg("Removing temporary")
		if err := os.RemoveAll(file); err != nil {
			log.Error().Err(err).Str("file", file).Msg("Failed to remove")
		}
	}
}

// WithTempDir creates a temporary directory under parent, passes it to fn and
// removes it afterwards, whatever fn returns or if it panics.
func WithTempDir(parent, pattern string, fn func(dir string) error) error {
	if parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("failed to create temporary root %s: %w", parent, err)
		}
	}
	dir, err := os.MkdirTemp(parent, pattern)
	if err != nil {
		return fmt.Errorf("failed to create temporary directory: %w", err)
	}
	defer RemoveFile(dir)

	return fn(dir)
}

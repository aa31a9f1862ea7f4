package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openidsync/openidsync/pkg/engine"
)

// LoadDirectory loads every .star script in dir and registers each as a
// correlation rule under its basename. A script that does not parse fails
// the whole load so a typo cannot silently disable correlation.
func LoadDirectory(dir string, registry *engine.Registry, logger zerolog.Logger, opts ...Option) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read rules directory %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".star") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		rule, err := LoadFile(path, logger, opts...)
		if err != nil {
			return loaded, err
		}
		if err := registry.RegisterRule(rule.Name(), rule); err != nil {
			return loaded, err
		}

		logger.Info().
			Str("rule", rule.Name()).
			Str("path", path).
			Msg("Correlation rule registered")
		loaded++
	}
	return loaded, nil
}

// LoadFile loads one .star script as a correlation rule named after the
// file's basename.
func LoadFile(path string, logger zerolog.Logger, opts ...Option) (*StarlarkRule, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule script %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), ".star")
	return NewStarlarkRule(name, string(script), logger, opts...)
}

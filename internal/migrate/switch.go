package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Switch is the kill switch consulted before every run.
type Switch interface {
	MigrationsEnabled(ctx context.Context) (bool, error)
}

// StaticSwitch is a fixed local setting.
type StaticSwitch bool

// MigrationsEnabled implements Switch.
func (s StaticSwitch) MigrationsEnabled(context.Context) (bool, error) {
	return bool(s), nil
}

// SwitchFunc adapts a function to Switch.
type SwitchFunc func(ctx context.Context) (bool, error)

// MigrationsEnabled implements Switch.
func (f SwitchFunc) MigrationsEnabled(ctx context.Context) (bool, error) {
	return f(ctx)
}

// FallbackSwitch asks Remote and falls back to Default when Remote cannot
// answer.
type FallbackSwitch struct {
	Remote  Switch
	Default bool
	Logger  *slog.Logger
}

// MigrationsEnabled implements Switch. It never returns an error.
func (s FallbackSwitch) MigrationsEnabled(ctx context.Context) (bool, error) {
	if s.Remote == nil {
		return s.Default, nil
	}
	enabled, err := s.Remote.MigrationsEnabled(ctx)
	if err != nil {
		logger := s.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Debug("migration switch unreachable, using local default", "default", s.Default, "error", err)
		return s.Default, nil
	}
	return enabled, nil
}

// FileSwitch reads the flag from a YAML document such as
//
//	migrations_enabled: false
//
// A missing file or a document without the key is reported as an error so a
// FallbackSwitch can apply its default.
type FileSwitch string

type switchDoc struct {
	MigrationsEnabled *bool `yaml:"migrations_enabled"`
}

// MigrationsEnabled implements Switch.
func (p FileSwitch) MigrationsEnabled(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, err := os.ReadFile(string(p))
	if err != nil {
		return false, fmt.Errorf("read switch file %s: %w", p, err)
	}
	var doc switchDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("parse switch file %s: %w", p, err)
	}
	if doc.MigrationsEnabled == nil {
		return false, fmt.Errorf("switch file %s: migrations_enabled not set", p)
	}
	return *doc.MigrationsEnabled, nil
}

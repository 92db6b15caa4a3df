// Package config loads habitcore's runtime configuration.
//
// Sources, lowest precedence first:
//
//  1. built-in defaults
//  2. a YAML file
//  3. a .env file (variables not already in the environment)
//  4. HABITCORE_* environment variables
//
// The resolved configuration is checked against an embedded CUE schema
// before use.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/roach88/habitcore/internal/model"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HABITCORE_"

// Config is the resolved configuration.
type Config struct {
	DataDir             string        `json:"data_dir"`
	BackupDepth         int           `json:"backup_depth"`
	LockTimeout         time.Duration `json:"lock_timeout"`
	DefaultTimeZone     string        `json:"default_time_zone"`
	XPPerAward          int           `json:"xp_per_award"`
	XPPerLevel          int           `json:"xp_per_level"`
	MigrationsEnabled   bool          `json:"migrations_enabled"`
	SwitchFile          string        `json:"switch_file"`
	TombstoneTTL        time.Duration `json:"tombstone_ttl"`
	Retention           time.Duration `json:"retention"`
	JournalPath         string        `json:"journal_path"`
	MaintenanceSchedule string        `json:"maintenance_schedule"`
}

// fileConfig mirrors Config with optional fields so an explicitly empty
// value in YAML or the environment can be told apart from an absent one.
type fileConfig struct {
	DataDir             *string        `yaml:"data_dir"`
	BackupDepth         *int           `yaml:"backup_depth"`
	LockTimeout         *time.Duration `yaml:"lock_timeout"`
	DefaultTimeZone     *string        `yaml:"default_time_zone"`
	XPPerAward          *int           `yaml:"xp_per_award"`
	XPPerLevel          *int           `yaml:"xp_per_level"`
	MigrationsEnabled   *bool          `yaml:"migrations_enabled"`
	SwitchFile          *string        `yaml:"switch_file"`
	TombstoneTTL        *time.Duration `yaml:"tombstone_ttl"`
	Retention           *time.Duration `yaml:"retention"`
	JournalPath         *string        `yaml:"journal_path"`
	MaintenanceSchedule *string        `yaml:"maintenance_schedule"`
}

// Defaults returns the built-in configuration rooted at dataDir. Paths
// derived from the data directory are left empty and filled by Load.
func Defaults(dataDir string) Config {
	return Config{
		DataDir:             dataDir,
		BackupDepth:         2,
		LockTimeout:         5 * time.Second,
		DefaultTimeZone:     "UTC",
		XPPerAward:          100,
		XPPerLevel:          500,
		MigrationsEnabled:   true,
		TombstoneTTL:        30 * 24 * time.Hour,
		Retention:           90 * 24 * time.Hour,
		MaintenanceSchedule: "@daily",
	}
}

// DefaultDataDir is ~/.habitcore, or ./.habitcore when no home is known.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".habitcore"
	}
	return filepath.Join(home, ".habitcore")
}

// Options controls Load.
type Options struct {
	// Path is the YAML file. Empty means none; a named file must exist.
	Path string

	// EnvFile is a dotenv file. A missing file is ignored.
	EnvFile string

	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)

	// DataDir, when set, overrides every other source.
	DataDir string
}

// Load resolves the configuration from opts.
func Load(opts Options) (*Config, error) {
	var fc fileConfig
	if opts.Path != "" {
		if err := readYAML(opts.Path, &fc); err != nil {
			return nil, err
		}
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if opts.EnvFile != "" {
		dotenv, err := godotenv.Read(opts.EnvFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read env file %s: %w", opts.EnvFile, err)
		default:
			base := lookup
			lookup = func(key string) (string, bool) {
				if v, ok := base(key); ok {
					return v, true
				}
				v, ok := dotenv[key]
				return v, ok
			}
		}
	}
	if err := applyEnv(&fc, lookup); err != nil {
		return nil, err
	}
	if opts.DataDir != "" {
		fc.DataDir = &opts.DataDir
	}

	cfg := Defaults(DefaultDataDir())
	fc.mergeInto(&cfg)
	if cfg.SwitchFile == "" && fc.SwitchFile == nil {
		cfg.SwitchFile = filepath.Join(cfg.DataDir, "switch.yaml")
	}
	if fc.JournalPath == nil {
		cfg.JournalPath = filepath.Join(cfg.DataDir, "journal.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readYAML(path string, fc *fileConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (fc *fileConfig) mergeInto(c *Config) {
	setIf(&c.DataDir, fc.DataDir)
	setIf(&c.BackupDepth, fc.BackupDepth)
	setIf(&c.LockTimeout, fc.LockTimeout)
	setIf(&c.DefaultTimeZone, fc.DefaultTimeZone)
	setIf(&c.XPPerAward, fc.XPPerAward)
	setIf(&c.XPPerLevel, fc.XPPerLevel)
	setIf(&c.MigrationsEnabled, fc.MigrationsEnabled)
	setIf(&c.SwitchFile, fc.SwitchFile)
	setIf(&c.TombstoneTTL, fc.TombstoneTTL)
	setIf(&c.Retention, fc.Retention)
	setIf(&c.JournalPath, fc.JournalPath)
	setIf(&c.MaintenanceSchedule, fc.MaintenanceSchedule)
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// applyEnv overlays HABITCORE_* variables onto fc.
func applyEnv(fc *fileConfig, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst **string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = &v
		}
	}
	num := func(name string, dst **int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = &n
		}
	}
	dur := func(name string, dst **time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = &d
		}
	}

	str("DATA_DIR", &fc.DataDir)
	num("BACKUP_DEPTH", &fc.BackupDepth)
	dur("LOCK_TIMEOUT", &fc.LockTimeout)
	str("DEFAULT_TIME_ZONE", &fc.DefaultTimeZone)
	num("XP_PER_AWARD", &fc.XPPerAward)
	num("XP_PER_LEVEL", &fc.XPPerLevel)
	if v, ok := lookup(EnvPrefix + "MIGRATIONS_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMIGRATIONS_ENABLED: %w", EnvPrefix, err))
		} else {
			fc.MigrationsEnabled = &b
		}
	}
	str("SWITCH_FILE", &fc.SwitchFile)
	dur("TOMBSTONE_TTL", &fc.TombstoneTTL)
	dur("RETENTION", &fc.Retention)
	str("JOURNAL_PATH", &fc.JournalPath)
	str("MAINTENANCE_SCHEDULE", &fc.MaintenanceSchedule)
	return errors.Join(errs...)
}

// Validate checks c against the embedded schema, then checks what the
// schema cannot express: the time zone and the cron schedule.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	path := cue.ParsePath("config")
	v := schema.FillPath(path, ctx.Encode(c)).LookupPath(path)
	var details []string
	if err := v.Validate(cue.Concrete(true)); err != nil {
		for _, e := range cueerrors.Errors(err) {
			details = append(details, e.Error())
		}
	}
	if _, err := time.LoadLocation(c.DefaultTimeZone); err != nil {
		details = append(details, fmt.Sprintf("default_time_zone: %v", err))
	}
	if _, err := cron.ParseStandard(c.MaintenanceSchedule); err != nil {
		details = append(details, fmt.Sprintf("maintenance_schedule: %v", err))
	}
	if len(details) > 0 {
		return model.NewValidationError("config", "", details)
	}
	return nil
}

// Package config loads and validates dicomirror run configuration. Formats
// are pluggable through a small parser registry; YAML and HCL ship built in.
package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/dicomirror/dicomirror/pkg/store"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// 🔌 Parser is the interface for config parsers
type Parser interface {
	// 📝 Parse parses the config from bytes
	Parse(ctx context.Context, data []byte) (*Config, error)

	// 🔍 CanParse checks if this parser can handle the given file
	CanParse(filename string) bool
}

var (
	// 🗺️ parsers is a list of available parsers
	parsers []Parser
)

// 📝 Register registers a parser
func Register(p Parser) {
	parsers = append(parsers, p)
}

// 🎯 GetParser returns a parser that can handle the given file
func GetParser(filename string) Parser {
	for _, p := range parsers {
		if p.CanParse(filename) {
			return p
		}
	}
	return nil
}

// 🧾 RecipeConfig selects which transformation recipes compose the run.
// Later entries override earlier ones rule by rule.
type RecipeConfig struct {
	Base  bool     `json:"base" yaml:"base" hcl:"base,optional"`
	MR    bool     `json:"mr" yaml:"mr" hcl:"mr,optional"`
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty" hcl:"paths,optional"`
}

// 🔍 QueryConfig narrows a run to a subset of the source store.
type QueryConfig struct {
	Equals map[string]string `json:"equals,omitempty" yaml:"equals,omitempty" hcl:"equals,optional"`
	Exists []string          `json:"exists,omitempty" yaml:"exists,omitempty" hcl:"exists,optional"`
}

// 📚 Config represents the complete run configuration
type Config struct {
	ProjectName string           `json:"project_name" yaml:"project_name" hcl:"project_name,optional"`
	Source      store.ConnConfig `json:"source" yaml:"source" hcl:"source,block"`
	Destination store.ConnConfig `json:"destination" yaml:"destination" hcl:"destination,block"`

	// SecretEnv names the environment variable holding the hashing secret.
	// The secret itself never appears in a config file.
	SecretEnv string `json:"secret_env" yaml:"secret_env" hcl:"secret_env,optional"`

	MountPaths        map[string]string `json:"mount_paths" yaml:"mount_paths" hcl:"mount_paths,optional"`
	DestinationDrive  string            `json:"destination_drive" yaml:"destination_drive" hcl:"destination_drive,optional"`
	DestinationRelDir string            `json:"destination_rel_dir,omitempty" yaml:"destination_rel_dir,omitempty" hcl:"destination_rel_dir,optional"`

	BatchSize int `json:"batch_size,omitempty" yaml:"batch_size,omitempty" hcl:"batch_size,optional"`
	Workers   int `json:"workers,omitempty" yaml:"workers,omitempty" hcl:"workers,optional"`

	Recipe RecipeConfig `json:"recipe" yaml:"recipe" hcl:"recipe,block"`
	Query  *QueryConfig `json:"query,omitempty" yaml:"query,omitempty" hcl:"query,block"`
}

// 🎯 Load loads the configuration from a file. A .env file next to the
// config, if present, is loaded first so password_env and secret_env
// variables resolve without shell exports.
func Load(ctx context.Context, path string) (*Config, error) {
	logger := zerolog.Ctx(ctx)
	logger.Debug().Str("path", path).Msg("loading configuration")

	if envPath := filepath.Join(filepath.Dir(path), ".env"); fileExists(envPath) {
		if err := godotenv.Load(envPath); err != nil {
			return nil, errors.Errorf("loading %s: %w", envPath, err)
		}
		logger.Debug().Str("path", envPath).Msg("loaded environment file")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("reading config file: %w", err)
	}

	p := GetParser(path)
	if p == nil {
		return nil, errors.Errorf("no parser found for file: %s", path)
	}

	cfg, err := p.Parse(ctx, data)
	if err != nil {
		return nil, errors.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// 🔍 Validate checks the configuration and fills defaults. Every miss here
// is fatal before any record is touched.
func (cfg *Config) Validate() error {
	if err := cfg.Source.Validate(); err != nil {
		return errors.Errorf("source: %w", err)
	}
	if err := cfg.Destination.Validate(); err != nil {
		return errors.Errorf("destination: %w", err)
	}
	if cfg.SecretEnv == "" {
		return errors.New("secret_env is required")
	}
	if os.Getenv(cfg.SecretEnv) == "" {
		return errors.Errorf("environment variable %s (secret_env) is empty", cfg.SecretEnv)
	}
	if len(cfg.MountPaths) == 0 {
		return errors.New("mount_paths is required")
	}
	if cfg.DestinationDrive == "" {
		return errors.New("destination_drive is required")
	}
	if _, ok := cfg.MountPaths[cfg.DestinationDrive]; !ok {
		return errors.Errorf("destination_drive %q has no entry in mount_paths", cfg.DestinationDrive)
	}

	// Defaults
	if cfg.ProjectName == "" {
		cfg.ProjectName = "dicomirror"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 0 {
		return errors.Errorf("batch_size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Workers < 0 {
		return errors.Errorf("workers must be positive, got %d", cfg.Workers)
	}

	if !cfg.Recipe.Base && !cfg.Recipe.MR && len(cfg.Recipe.Paths) == 0 {
		return errors.New("recipe selects nothing: enable base, mr, or list paths")
	}
	for i, p := range cfg.Recipe.Paths {
		cfg.Recipe.Paths[i] = filepath.Clean(p)
	}

	return nil
}

// 🗃️ StoreQuery converts the optional query section to a store query.
func (cfg *Config) StoreQuery() store.Query {
	if cfg.Query == nil {
		return store.Query{}
	}
	return store.Query{
		Equals: cfg.Query.Equals,
		Exists: cfg.Query.Exists,
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func hasExt(filename string, exts ...string) bool {
	for _, ext := range exts {
		if strings.HasSuffix(filename, ext) {
			return true
		}
	}
	return false
}

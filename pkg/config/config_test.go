package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dicomirror/dicomirror/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConn(database string) store.ConnConfig {
	return store.ConnConfig{Host: "localhost", Database: database}
}

const validYAML = `
project_name: trial-42
source:
  host: localhost
  port: 5432
  database: images
  username: reader
  password_env: SOURCE_DB_PASSWORD
destination:
  host: localhost
  port: 5433
  database: images_mirror
  username: writer
  password_env: DEST_DB_PASSWORD
secret_env: HASH_SECRET
mount_paths:
  drive-01: /mnt/disk1
  drive-mirror: /mnt/mirror
destination_drive: drive-mirror
destination_rel_dir: mirror
batch_size: 50
workers: 8
recipe:
  base: true
  mr: true
query:
  equals:
    dicom_tags.Modality.Value.0: MR
`

const validHCL = `
project_name = "trial-42"
secret_env   = "HASH_SECRET"

source {
  host     = "localhost"
  database = "images"
}

destination {
  host     = "localhost"
  database = "images_mirror"
}

mount_paths = {
  "drive-01"     = "/mnt/disk1"
  "drive-mirror" = "/mnt/mirror"
}
destination_drive = "drive-mirror"

recipe {
  base = true
}
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("HASH_SECRET", "test-secret")
	path := writeConfig(t, "dicomirror.yaml", validYAML)

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "trial-42", cfg.ProjectName)
	assert.Equal(t, "images", cfg.Source.Database)
	assert.Equal(t, "images_mirror", cfg.Destination.Database)
	assert.Equal(t, "HASH_SECRET", cfg.SecretEnv)
	assert.Equal(t, "/mnt/disk1", cfg.MountPaths["drive-01"])
	assert.Equal(t, "drive-mirror", cfg.DestinationDrive)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 8, cfg.Workers)
	assert.True(t, cfg.Recipe.Base)
	assert.True(t, cfg.Recipe.MR)

	q := cfg.StoreQuery()
	assert.Equal(t, "MR", q.Equals["dicom_tags.Modality.Value.0"])
}

func TestLoad_HCL(t *testing.T) {
	t.Setenv("HASH_SECRET", "test-secret")
	path := writeConfig(t, "dicomirror.hcl", validHCL)

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "trial-42", cfg.ProjectName)
	assert.Equal(t, "images_mirror", cfg.Destination.Database)
	assert.Equal(t, "/mnt/mirror", cfg.MountPaths["drive-mirror"])
	assert.True(t, cfg.Recipe.Base)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HASH_SECRET", "test-secret")
	path := writeConfig(t, "dicomirror.hcl", validHCL)

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 1, cfg.Workers)
	assert.Empty(t, cfg.StoreQuery().Equals)
}

func TestLoad_UnknownYAMLFieldRejected(t *testing.T) {
	t.Setenv("HASH_SECRET", "test-secret")
	path := writeConfig(t, "dicomirror.yaml", validYAML+"\nnot_a_field: true\n")

	_, err := Load(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_a_field")
}

func TestLoad_NoParserForExtension(t *testing.T) {
	path := writeConfig(t, "dicomirror.toml", "whatever")

	_, err := Load(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no parser found")
}

func TestLoad_DotEnvNextToConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HASH_SECRET=from-dotenv\n"), 0o644))
	path := filepath.Join(dir, "dicomirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o644))
	os.Unsetenv("HASH_SECRET")
	t.Cleanup(func() { os.Unsetenv("HASH_SECRET") })

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", os.Getenv(cfg.SecretEnv))
}

func TestConfig_Validate(t *testing.T) {
	t.Setenv("HASH_SECRET", "test-secret")

	valid := func() *Config {
		return &Config{
			Source:           testConn("images"),
			Destination:      testConn("images_mirror"),
			SecretEnv:        "HASH_SECRET",
			MountPaths:       map[string]string{"drive-01": "/mnt/disk1", "drive-mirror": "/mnt/mirror"},
			DestinationDrive: "drive-mirror",
			Recipe:           RecipeConfig{Base: true},
		}
	}

	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantError string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:      "missing_secret_env",
			mutate:    func(c *Config) { c.SecretEnv = "" },
			wantError: "secret_env is required",
		},
		{
			name:      "empty_secret_variable",
			mutate:    func(c *Config) { c.SecretEnv = "NO_SUCH_VARIABLE_SET" },
			wantError: "is empty",
		},
		{
			name:      "missing_mount_paths",
			mutate:    func(c *Config) { c.MountPaths = nil },
			wantError: "mount_paths is required",
		},
		{
			name:      "missing_destination_drive",
			mutate:    func(c *Config) { c.DestinationDrive = "" },
			wantError: "destination_drive is required",
		},
		{
			name:      "destination_drive_not_mounted",
			mutate:    func(c *Config) { c.DestinationDrive = "drive-99" },
			wantError: "no entry in mount_paths",
		},
		{
			name:      "bad_source_store",
			mutate:    func(c *Config) { c.Source.Host = "" },
			wantError: "source: store host is required",
		},
		{
			name:      "no_recipe_selected",
			mutate:    func(c *Config) { c.Recipe = RecipeConfig{} },
			wantError: "recipe selects nothing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "dicomirror", cfg.ProjectName, "default project name")
		})
	}
}

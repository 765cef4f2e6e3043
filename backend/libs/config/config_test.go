package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nestedConfig struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
}

type sampleConfig struct {
	Name    string       `yaml:"name" env:"SAMPLE_NAME"`
	Ratio   float64      `yaml:"ratio" env:"SAMPLE_RATIO"`
	Workers uint         `yaml:"workers" env:"SAMPLE_WORKERS"`
	Enabled bool         `yaml:"enabled" env:"SAMPLE_ENABLED"`
	Ignored string       `yaml:"ignored" env:"-"`
	Store   nestedConfig `yaml:"store" env:"SAMPLE_STORE"`
}

func TestLoadConfigRejectsNonPointer(t *testing.T) {
	assert.Error(t, LoadConfig(nil))
	assert.Error(t, LoadConfig(sampleConfig{}))
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: from-file
ratio: 0.5
ignored: kept
store:
  addr: file:6379
  timeout: 1s
`), 0o600))

	t.Setenv(defaultConfigPathEnv, path)
	t.Setenv("SAMPLE_NAME", "from-env")
	t.Setenv("SAMPLE_WORKERS", "4")
	t.Setenv("SAMPLE_ENABLED", "true")
	t.Setenv("SAMPLE_STORE_TIMEOUT", "250ms")
	t.Setenv("IGNORED", "never")

	var cfg sampleConfig
	require.NoError(t, LoadConfig(&cfg))

	assert.Equal(t, "from-env", cfg.Name)
	assert.Equal(t, 0.5, cfg.Ratio)
	assert.Equal(t, uint(4), cfg.Workers)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "kept", cfg.Ignored)
	assert.Equal(t, "file:6379", cfg.Store.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Store.Timeout)
}

func TestLoadConfigReportsBadValues(t *testing.T) {
	t.Setenv(defaultConfigPathEnv, "")
	t.Setenv("SAMPLE_RATIO", "half")

	var cfg sampleConfig
	err := LoadConfig(&cfg)
	assert.ErrorContains(t, err, "SAMPLE_RATIO")
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv(defaultConfigPathEnv, filepath.Join(t.TempDir(), "missing.yaml"))

	var cfg sampleConfig
	assert.ErrorContains(t, LoadConfig(&cfg), "read file")
}

func TestLoadDotEnvKeepsProcessEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DOTENV_SAMPLE_A=from-file\nDOTENV_SAMPLE_B=from-file\n"), 0o600))

	t.Setenv("DOTENV_SAMPLE_A", "from-process")
	t.Cleanup(func() { _ = os.Unsetenv("DOTENV_SAMPLE_B") })

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "from-process", os.Getenv("DOTENV_SAMPLE_A"))
	assert.Equal(t, "from-file", os.Getenv("DOTENV_SAMPLE_B"))

	assert.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}

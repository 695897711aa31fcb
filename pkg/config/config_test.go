package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	dir := t.TempDir()

	opts, err := NewConfig([]string{"--data-dir", dir})
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", opts.ServerURL)
	assert.Equal(t, time.Minute, opts.SyncInterval)
	assert.Equal(t, 5, opts.MaxAttempts)
	assert.False(t, opts.Incremental)
	assert.Equal(t, 24*time.Hour, opts.PullLookback)
	assert.Equal(t, filepath.Join(dir, "orgkeeper.db"), opts.DBPath)
	assert.Equal(t, filepath.Join(dir, "session.json"), opts.SessionPath)
	assert.Equal(t, filepath.Join(dir, "syncinfo.json"), opts.SyncInfoPath)
}

func TestPrecedenceFileFlagsEnv(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "orgkeeper.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
server_url: http://file.example
sync_interval: 30s
push_workers: 2
pull_workers: 3
max_attempts: 7
incremental: true
`), 0o644))

	t.Setenv("ORGKEEPER_MAX_ATTEMPTS", "9")

	opts, err := NewConfig([]string{
		"--config", cfgPath,
		"--data-dir", dir,
		"--push-workers", "6",
	})
	require.NoError(t, err)

	assert.Equal(t, "http://file.example", opts.ServerURL) // file over default
	assert.Equal(t, 30*time.Second, opts.SyncInterval)
	assert.Equal(t, 6, opts.PushWorkers) // flag over file
	assert.Equal(t, 3, opts.PullWorkers)
	assert.Equal(t, 9, opts.MaxAttempts) // env over everything
	assert.True(t, opts.Incremental)
	assert.Equal(t, cfgPath, opts.ConfigPath)
}

func TestSecretsFromEnvOnly(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ORGKEEPER_PASSPHRASE", "s3cret")
	t.Setenv("ORGKEEPER_OWNER_ID", "u1")
	t.Setenv("ORGKEEPER_TOKEN", "tok")

	opts, err := NewConfig([]string{"--data-dir", dir})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", opts.Passphrase)
	assert.Equal(t, "u1", opts.OwnerID)
	assert.Equal(t, "tok", opts.Token)
}

func TestInvalidValues(t *testing.T) {
	dir := t.TempDir()

	_, err := NewConfig([]string{"--data-dir", dir, "--max-attempts", "0"})
	assert.Error(t, err)

	_, err = NewConfig([]string{"--data-dir", dir, "--backoff-base", "1m", "--backoff-max", "1s"})
	assert.Error(t, err)

	t.Setenv("SYNC_INTERVAL", "soon")
	_, err = NewConfig([]string{"--data-dir", dir})
	assert.Error(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := NewConfig([]string{"--data-dir", t.TempDir(), "--config", "/nonexistent/orgkeeper.yaml"})
	assert.Error(t, err)
}

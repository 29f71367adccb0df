package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvLoaderReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("PG_DSN=postgres://localhost/app\nPGSESSION_ISOLATION=serializable\n"), 0o600))

	t.Setenv("PG_DSN", "")
	os.Unsetenv("PG_DSN")
	os.Unsetenv("PGSESSION_ISOLATION")

	cfg := New(dir)

	assert.Equal(t, "postgres://localhost/app", cfg.Get("PG_DSN"))
	assert.Equal(t, "serializable", cfg.Get("PGSESSION_ISOLATION"))
	assert.Equal(t, "fallback", cfg.GetOrDefault("MISSING_KEY", "fallback"))
}

func TestEnvLoaderEnvironmentWins(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("PGSESSION_COPY_BUFFER=1024\n"), 0o600))

	t.Setenv("PGSESSION_COPY_BUFFER", "8192")

	cfg := New(dir)

	assert.Equal(t, "8192", cfg.Get("PGSESSION_COPY_BUFFER"))
}

func TestEnvLoaderMissingFolder(t *testing.T) {
	cfg := New(filepath.Join(t.TempDir(), "nope"))

	assert.Equal(t, "", cfg.Get("SOME_UNSET_KEY"))
}

func TestMockConfig(t *testing.T) {
	cfg := NewMockConfig(map[string]string{"KEY": "value"})

	assert.Equal(t, "value", cfg.Get("KEY"))
	assert.Equal(t, "value", cfg.GetOrDefault("KEY", "other"))
	assert.Equal(t, "other", cfg.GetOrDefault("MISSING", "other"))
}

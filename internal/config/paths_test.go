package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigPath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"single segment", "approval", []string{"approval"}, false},
		{"two segments", "approval.enabled", []string{"approval", "enabled"}, false},
		{"three segments", "gateway.auth.mode", []string{"gateway", "auth", "mode"}, false},
		{"empty", "", nil, true},
		{"empty segment", "gateway..port", nil, true},
		{"leading dot", ".gateway", nil, true},
		{"trailing dot", "gateway.", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConfigPath(tt.input)
			if tt.wantErr {
				var ce *ConfigError
				assert.ErrorAs(t, err, &ce)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetSetUnsetValueAtPath(t *testing.T) {
	root := map[string]any{
		"gateway": map[string]any{"port": 18790},
		"simple":  "value",
	}

	v, ok := GetValueAtPath(root, []string{"gateway", "port"})
	require.True(t, ok)
	assert.Equal(t, 18790, v)

	_, ok = GetValueAtPath(root, []string{"simple", "deeper"})
	assert.False(t, ok)

	SetValueAtPath(root, []string{"approval", "defaultTimeoutMinutes"}, 2)
	v, ok = GetValueAtPath(root, []string{"approval", "defaultTimeoutMinutes"})
	require.True(t, ok)
	assert.Equal(t, 2, v)

	assert.True(t, UnsetValueAtPath(root, []string{"gateway", "port"}))
	assert.False(t, UnsetValueAtPath(root, []string{"gateway", "port"}))
	assert.False(t, UnsetValueAtPath(root, []string{"missing", "key"}))
}

func TestResolvePaths_Default(t *testing.T) {
	t.Setenv("TURNSTILE_HOME", "")

	paths, err := ResolvePaths()
	require.NoError(t, err)

	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".turnstile")
	assert.Equal(t, base, paths.Base)
	assert.Equal(t, filepath.Join(base, "config.yaml"), paths.Config)
	assert.Equal(t, filepath.Join(base, "data"), paths.Data)
	assert.Equal(t, filepath.Join(base, "logs"), paths.Logs)
	assert.Equal(t, filepath.Join(base, "data", "turnstile.db"), paths.Database)
}

func TestResolvePaths_CustomHome(t *testing.T) {
	t.Setenv("TURNSTILE_HOME", "/tmp/turnstile-test")

	paths, err := ResolvePaths()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/turnstile-test", paths.Base)
	assert.Equal(t, "/tmp/turnstile-test/data/turnstile.db", paths.Database)
}

func TestEnsureDirs(t *testing.T) {
	tmp := t.TempDir()
	paths := Paths{
		Base: tmp,
		Data: filepath.Join(tmp, "data"),
		Logs: filepath.Join(tmp, "logs"),
	}

	require.NoError(t, paths.EnsureDirs())
	require.NoError(t, paths.EnsureDirs())

	for _, dir := range []string{paths.Base, paths.Data, paths.Logs} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestDatabasePath(t *testing.T) {
	paths := Paths{Database: "/base/data/turnstile.db"}
	assert.Equal(t, "/base/data/turnstile.db", paths.DatabasePath(StoreConfig{}))
	assert.Equal(t, "/elsewhere.db", paths.DatabasePath(StoreConfig{Path: "/elsewhere.db"}))
}

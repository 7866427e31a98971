package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setTaskEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TASK_ID", "4242")
	t.Setenv("modal.state.slyProjectId", "777")
	t.Setenv("SERVER_ADDRESS", "https://app.example.com")
	t.Setenv("API_TOKEN", "secret")
	t.Setenv("modal.state.downloadMode", "")
	t.Setenv("SLY_APP_DATA", "")
	t.Setenv("SLY_PROJECT_ID", "")
}

func TestFromEnv(t *testing.T) {
	setTaskEnv(t)

	env, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 4242, env.TaskID)
	assert.Equal(t, 777, env.ProjectID)
	assert.Equal(t, "https://app.example.com", env.ServerAddr)
	assert.Equal(t, "secret", env.APIToken)
	assert.False(t, env.DownloadMode)
	assert.Equal(t, ".", env.DataDir)
}

func TestFromEnv_DownloadMode(t *testing.T) {
	setTaskEnv(t)
	t.Setenv("modal.state.downloadMode", "true")

	env, err := FromEnv()
	require.NoError(t, err)
	assert.True(t, env.DownloadMode)
}

func TestFromEnv_ProjectIDFallback(t *testing.T) {
	setTaskEnv(t)
	t.Setenv("modal.state.slyProjectId", "")
	t.Setenv("SLY_PROJECT_ID", "555")

	env, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 555, env.ProjectID)
}

func TestFromEnv_Missing(t *testing.T) {
	tests := []struct {
		name    string
		unset   string
		wantErr error
	}{
		{"task id", "TASK_ID", ErrMissingTaskID},
		{"project id", "modal.state.slyProjectId", ErrMissingProjectID},
		{"server", "SERVER_ADDRESS", ErrMissingServer},
		{"token", "API_TOKEN", ErrMissingToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setTaskEnv(t)
			t.Setenv(tt.unset, "")

			_, err := FromEnv()
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFromEnv_InvalidTaskID(t *testing.T) {
	setTaskEnv(t)
	t.Setenv("TASK_ID", "not-a-number")

	_, err := FromEnv()
	assert.Error(t, err)
}

func TestGetTunables_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()

	tun, err := GetTunables()
	require.NoError(t, err)

	defaults := DefaultTunables()
	assert.Equal(t, defaults, tun)
	assert.Equal(t, 8, tun.MaxRetries)
	assert.Equal(t, 10*time.Second, tun.InitialTimeout)
	assert.Equal(t, 90*time.Second, tun.MaxTimeout)
}

func TestGetTunables_FileOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	xdg.Reload()

	content := "maxRetries: 3\ninitialTimeout: 1s\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(content), 0o644))

	tun, err := GetTunables()
	require.NoError(t, err)

	assert.Equal(t, 3, tun.MaxRetries)
	assert.Equal(t, time.Second, tun.InitialTimeout)
	// Unset values fall back to defaults.
	assert.Equal(t, DefaultTunables().MaxTimeout, tun.MaxTimeout)
	assert.Equal(t, DefaultTunables().GenericRetries, tun.GenericRetries)
}

func TestZeroOr(t *testing.T) {
	assert.Equal(t, 5, zeroOr(0, 5))
	assert.Equal(t, 3, zeroOr(3, 5))
	assert.Equal(t, time.Second, zeroOr(0, time.Second))
	assert.Equal(t, "a", zeroOr("", "a"))
}

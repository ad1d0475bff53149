package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body map[string]interface{}) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.json")
	data, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, map[string]interface{}{
		"mcpServers": map[string]interface{}{
			"a": map[string]interface{}{"command": "echo-a"},
		},
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	backend := cfg.MCPServers["a"]
	assert.Equal(t, "a", backend.Name)
	assert.Equal(t, defaultBackendTimeout, backend.Timeout)
	assert.Equal(t, ProbeListTools, backend.HealthCheck.Probe)
	assert.Equal(t, ConflictNamespace, cfg.Bridge.ConflictResolution)
	assert.True(t, cfg.Bridge.DefaultNamespace)
}

func TestLoadConvertsTimeoutSecondsAndHealthCheckMillis(t *testing.T) {
	path := writeConfig(t, map[string]interface{}{
		"mcpServers": map[string]interface{}{
			"a": map[string]interface{}{
				"command":     "echo-a",
				"timeout":     30,
				"retry_delay": 2,
				"health_check": map[string]interface{}{
					"interval":      500,
					"timeout":       200,
					"restart_delay": 1500,
				},
			},
		},
		"bridge": map[string]interface{}{
			"failover": map[string]interface{}{"recovery_interval": 45},
		},
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	backend := cfg.MCPServers["a"]
	assert.Equal(t, 30*time.Second, backend.Timeout)
	assert.Equal(t, 2*time.Second, backend.RetryDelay)
	assert.Equal(t, 500*time.Millisecond, backend.HealthCheck.Interval)
	assert.Equal(t, 200*time.Millisecond, backend.HealthCheck.Timeout)
	assert.Equal(t, 1500*time.Millisecond, backend.HealthCheck.RestartDelay)
	assert.Equal(t, 45*time.Second, cfg.Bridge.Failover.RecoveryInterval)
}

func TestLoadRejectsInvalidBackendName(t *testing.T) {
	path := writeConfig(t, map[string]interface{}{
		"mcpServers": map[string]interface{}{
			"bad.name": map[string]interface{}{"command": "x"},
		},
	})

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
}

func TestLoadRejectsMissingCommand(t *testing.T) {
	path := writeConfig(t, map[string]interface{}{
		"mcpServers": map[string]interface{}{
			"a": map[string]interface{}{},
		},
	})

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownConflictResolution(t *testing.T) {
	path := writeConfig(t, map[string]interface{}{
		"mcpServers": map[string]interface{}{
			"a": map[string]interface{}{"command": "x"},
		},
		"bridge": map[string]interface{}{"conflict_resolution": "bogus"},
	})

	_, err := Load(path)
	require.Error(t, err)
}

func TestExitCodeUnreadableFileIsConfigError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
}

func TestExpandEnvWithDefault(t *testing.T) {
	t.Setenv("FOXXY_TEST_TOKEN", "xyz")

	assert.Equal(t, "xyz", ExpandEnv("${FOXXY_TEST_TOKEN}", nil))
	assert.Equal(t, "false", ExpandEnv("${FOXXY_TEST_DBG:false}", nil))
}

func TestExpandEnvMissingWithoutDefaultWarns(t *testing.T) {
	var warned string

	result := ExpandEnv("${FOXXY_TEST_DOES_NOT_EXIST}", func(v string) { warned = v })

	assert.Empty(t, result)
	assert.Equal(t, "FOXXY_TEST_DOES_NOT_EXIST", warned)
}

func TestExpandBackendEnv(t *testing.T) {
	t.Setenv("FOXXY_GH_TOKEN", "abc123")

	backend := &BackendConfig{
		Env:  map[string]string{"TOKEN": "${FOXXY_GH_TOKEN}", "DBG": "${FOXXY_UNSET:false}"},
		Args: []string{"--url=${FOXXY_GH_TOKEN}"},
	}

	env, args := ExpandBackendEnv(backend, nil)

	assert.Contains(t, env, "TOKEN=abc123")
	assert.Contains(t, env, "DBG=false")
	assert.Equal(t, []string{"--url=abc123"}, args)
}

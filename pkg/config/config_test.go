package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileOverridesEnvironment(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("LOCK_SWEEP_INTERVAL_SECONDS", "5")
	path := filepath.Join(t.TempDir(), "helios.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_addr: \":4100\"\nnotify_allowlist:\n  - alice\n  - bob\nredis_db: 3\n"), 0o600))

	require.NoError(t, LoadFile(path))
	t.Cleanup(ResetFile)

	cfg := LoadAPIConfig()
	assert.Equal(t, ":4100", cfg.Addr)
	assert.Equal(t, []string{"alice", "bob"}, cfg.NotifyAllowlist)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 5*time.Second, cfg.LockSweepInterval)
}

func TestLoadFileRejectsNestedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("github:\n  app_id: 1\n"), 0o600))
	assert.Error(t, LoadFile(path))
	assert.Error(t, LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestGettersFallBack(t *testing.T) {
	t.Setenv("HELIOS_TEST_INT", "nope")
	t.Setenv("HELIOS_TEST_LIST", " a, ,b ")
	assert.Equal(t, 7, GetInt("HELIOS_TEST_INT", 7))
	assert.True(t, GetBool("HELIOS_TEST_UNSET", true))
	assert.Equal(t, []string{"a", "b"}, GetList("HELIOS_TEST_LIST", nil))
	assert.Equal(t, 2*time.Minute, GetDuration("HELIOS_TEST_UNSET", 2, time.Minute))
}

func TestRestrictedStage(t *testing.T) {
	assert.False(t, APIConfig{DeploymentStage: StageProduction}.RestrictedStage())
	assert.True(t, APIConfig{DeploymentStage: "staging"}.RestrictedStage())
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReturnsErrNotFoundWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yml")

	_, err := Load(path)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoadParsesValidConfigOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.yml")
	content := []byte("command_queue_capacity: 2048\nbind_addr: \"0.0.0.0:7946\"\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.CommandQueueCapacity)
	assert.Equal(t, "0.0.0.0:7946", cfg.BindAddr)
	assert.Equal(t, 5.0, cfg.RefuseOfferSeconds, "unset fields should keep their Default() value")
}

func TestLoadRejectsNonPositiveQueueCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.yml")
	require.NoError(t, os.WriteFile(path, []byte("command_queue_capacity: 0\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "command_queue_capacity")
}

func TestLoadRejectsNonPositiveAgentCPUs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.yml")
	require.NoError(t, os.WriteFile(path, []byte("agent_cpus: 0\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "agent_cpus")
}

func TestLoadRequiresKnownLeaderElectionBackendWhenHighlyAvailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.yml")
	require.NoError(t, os.WriteFile(path, []byte("highly_available: true\nleader_election_backend: \"raft-lite\"\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "leader_election_backend")
}

func TestLoadAcceptsCoordinatorBackendWhenHighlyAvailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.yml")
	content := []byte("highly_available: true\nleader_election_backend: \"coordinator\"\nzk_timeout_ms: 3000\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.HighlyAvailable)
	assert.Equal(t, 3000, cfg.ZKTimeoutMS)
}

func TestDefaultIsInternallyValid(t *testing.T) {
	assert.NoError(t, validate(Default()))
}

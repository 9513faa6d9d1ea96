package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentops/controlplane/pkg/config"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("AUTH_SESSION_SECRET", "session-secret")
}

func TestLoad_DefaultsWhenOptionalVarsUnset(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, float64(5), cfg.RateLimitScopeMessages)
	assert.Empty(t, cfg.SecretsMasterKey)
	assert.False(t, cfg.AuthBootstrapAllowLoopback)
}

func TestLoad_ReadsCoreRelevantVars(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ARTIFACT_STORAGE_HEAD_URL", "https://artifacts.example/{object_key}")
	t.Setenv("AUTH_BOOTSTRAP_TOKEN", "bootstrap-tok")
	t.Setenv("AUTH_BOOTSTRAP_ALLOW_LOOPBACK", "true")
	t.Setenv("RATE_LIMIT_SCOPE_MESSAGES", "12.5")
	t.Setenv("SECRETS_MASTER_KEY", "master-key")

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "https://artifacts.example/{object_key}", cfg.ArtifactStorageHeadURL)
	assert.Equal(t, "bootstrap-tok", cfg.AuthBootstrapToken)
	assert.True(t, cfg.AuthBootstrapAllowLoopback)
	assert.Equal(t, 12.5, cfg.RateLimitScopeMessages)
	assert.Equal(t, "master-key", cfg.SecretsMasterKey)
}

func TestValidate_RequiresSessionSecret(t *testing.T) {
	cfg := config.Config{RateLimitScopeMessages: 5}
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidate_RejectsNonPositiveRateLimit(t *testing.T) {
	cfg := config.Config{AuthSessionSecret: "x", RateLimitScopeMessages: 0}
	err := cfg.Validate()
	assert.Error(t, err)
}

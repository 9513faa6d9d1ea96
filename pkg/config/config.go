// Package config loads the control plane's environment-driven settings.
// It follows the teacher's cmd/tarsy/main.go pattern directly (godotenv
// plus a getEnvOrDefault helper) rather than the teacher's pkg/config
// package, which defines LLM agent-chain configuration unrelated to this
// service's needs.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/agentops/controlplane/pkg/storepg"
)

// Config holds the core-relevant environment settings (spec.md §6) plus
// the database connection config.
type Config struct {
	DB storepg.Config

	HTTPPort string
	GinMode  string

	ArtifactStorageHeadURL string
	ArtifactUploadBaseURL  string

	AuthSessionSecret         string
	AuthBootstrapToken        string
	AuthBootstrapAllowLoopback bool

	RateLimitScopeMessages float64

	SecretsMasterKey string
}

// Load reads .env from configDir (if present) and then loads Config from
// the environment, mirroring the teacher's "best effort .env, then real
// env vars win" behavior.
func Load(configDir string) (Config, error) {
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("config: could not load %s: %v (continuing with existing environment)", envPath, err)
	} else {
		log.Printf("config: loaded environment from %s", envPath)
	}

	dbCfg, err := storepg.LoadConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	rateLimit, err := parseFloatOrDefault("RATE_LIMIT_SCOPE_MESSAGES", "5")
	if err != nil {
		return Config{}, fmt.Errorf("config: invalid RATE_LIMIT_SCOPE_MESSAGES: %w", err)
	}

	cfg := Config{
		DB: dbCfg,

		HTTPPort: getEnvOrDefault("HTTP_PORT", "8080"),
		GinMode:  getEnvOrDefault("GIN_MODE", "release"),

		ArtifactStorageHeadURL: os.Getenv("ARTIFACT_STORAGE_HEAD_URL"),
		ArtifactUploadBaseURL:  os.Getenv("ARTIFACT_UPLOAD_BASE_URL"),

		AuthSessionSecret:          os.Getenv("AUTH_SESSION_SECRET"),
		AuthBootstrapToken:         os.Getenv("AUTH_BOOTSTRAP_TOKEN"),
		AuthBootstrapAllowLoopback: os.Getenv("AUTH_BOOTSTRAP_ALLOW_LOOPBACK") == "true",

		RateLimitScopeMessages: rateLimit,

		SecretsMasterKey: os.Getenv("SECRETS_MASTER_KEY"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings the core cannot run without. Artifact and
// secrets settings are intentionally left unchecked here: their absence is
// a valid runtime state (spec.md §4.8, §6) handled by the owning
// component (503 storage_unavailable, 501
// secrets_vault_not_configured), not a startup failure.
func (c Config) Validate() error {
	if c.AuthSessionSecret == "" {
		return fmt.Errorf("AUTH_SESSION_SECRET is required")
	}
	if c.RateLimitScopeMessages <= 0 {
		return fmt.Errorf("RATE_LIMIT_SCOPE_MESSAGES must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseFloatOrDefault(key, defaultVal string) (float64, error) {
	val := getEnvOrDefault(key, defaultVal)
	var f float64
	if _, err := fmt.Sscanf(val, "%g", &f); err != nil {
		return 0, err
	}
	return f, nil
}

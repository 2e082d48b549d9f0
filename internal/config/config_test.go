package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "-galaxy", cfg.LogicalSuffix)
	assert.Equal(t, 12*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 8*time.Hour, cfg.AdminSessionTTL)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 30*time.Second, cfg.DeployLocateTimeout)
	assert.Equal(t, 3*time.Minute, cfg.DeployPollTimeout)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Error(t, cfg.ValidateServe())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	file := filepath.Join(dir, "kicklock.yaml")
	require.NoError(t, os.WriteFile(file, []byte("listen_addr: \":9000\"\nlogical_suffix: \"-lab\"\nrate_limit: 5\n"), 0o600))

	t.Setenv("LOGICAL_SUFFIX", "-env")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("DEPLOY_POLL_INTERVAL", "250ms")

	l := NewLoader()
	l.SetConfigFile(file)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "-env", cfg.LogicalSuffix)
	assert.Equal(t, 5, cfg.RateLimit)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 250*time.Millisecond, cfg.DeployPollInterval)
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SESSION_SECRET=from-file\nINTERNAL_API_KEY=file-key\nDATABASE_URL=sqlite:file:x\n"), 0o600))
	t.Setenv("INTERNAL_API_KEY", "env-key")
	t.Setenv("SESSION_SECRET", "")
	require.NoError(t, os.Unsetenv("SESSION_SECRET"))
	t.Setenv("DATABASE_URL", "")
	require.NoError(t, os.Unsetenv("DATABASE_URL"))

	l := NewLoader()
	require.NoError(t, l.LoadDotEnv())
	require.NoError(t, l.LoadDotEnv("missing.env"))
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.SessionSecret)
	assert.Equal(t, "env-key", cfg.InternalAPIKey)
	assert.NoError(t, cfg.ValidateServe())
}

func TestValidateServe_ListsAllMissing(t *testing.T) {
	err := Config{SessionSecret: "s"}.ValidateServe()
	require.Error(t, err)
	assert.Equal(t, "missing required env DATABASE_URL, INTERNAL_API_KEY", err.Error())
}

func TestYAML_RedactsSecrets(t *testing.T) {
	cfg := Config{
		ListenAddr:     ":8080",
		DatabaseURL:    "postgres://u:p@db/kicklock",
		SessionSecret:  "s3cret",
		GitHubToken:    "ghp_x",
		SessionTTL:     time.Hour,
		AllowedOrigins: []string{"https://a.example"},
	}
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "s3cret")
	assert.NotContains(t, string(out), "ghp_x")
	assert.NotContains(t, string(out), "u:p@db")

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, redacted, back["session_secret"])
	assert.Equal(t, "", back["payload_key"])
	assert.Equal(t, ":8080", back["listen_addr"])
	assert.Equal(t, "postgres://u:p@db/kicklock", cfg.DatabaseURL, "original is untouched")
}

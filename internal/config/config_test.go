package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad tests the Load function with various scenarios
func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		setupEnv    func(t *testing.T)
		wantErr     bool
		validateCfg func(*testing.T, *Config)
	}{
		{
			name:     "defaults with no env vars",
			setupEnv: func(t *testing.T) {},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, []string{"https://scriptgate.dev"}, cfg.Security.AllowedOrigins)
				assert.Equal(t, 60, cfg.Abuse.GeneralLimit)
				assert.Equal(t, 5, cfg.Abuse.PaymentLimit)
				assert.Equal(t, 60*time.Second, cfg.Abuse.Window)
				assert.Equal(t, 10, cfg.Abuse.SuspicionThreshold)
				assert.Equal(t, 60*time.Second, cfg.Tokens.TTL)
				assert.Equal(t, 30*time.Second, cfg.Tokens.ChallengeTTL)
				assert.Equal(t, 100000, cfg.Delivery.PBKDF2Iterations)
				assert.Equal(t, "memory", cfg.Store.Driver)
				assert.Len(t, cfg.Nodes.Nodes, 3)
				assert.Equal(t, "json", cfg.Logging.Format)
			},
		},
		{
			name: "environment overrides",
			setupEnv: func(t *testing.T) {
				t.Setenv("SCRIPTGATE_SERVER_PORT", "9090")
				t.Setenv("SCRIPTGATE_SECURITY_ALLOWED_ORIGINS", "https://a.example,https://b.example")
				t.Setenv("SCRIPTGATE_ABUSE_GENERAL_LIMIT", "30")
				t.Setenv("SCRIPTGATE_DELIVERY_DEFAULT_MODE", "aes-gcm")
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Security.AllowedOrigins)
				assert.Equal(t, 30, cfg.Abuse.GeneralLimit)
				assert.Equal(t, "aes-gcm", cfg.Delivery.DefaultMode)
			},
		},
		{
			name: "token ttl above protocol ceiling",
			setupEnv: func(t *testing.T) {
				t.Setenv("SCRIPTGATE_TOKENS_TTL", "2m")
			},
			wantErr: true,
		},
		{
			name: "challenge ttl above protocol ceiling",
			setupEnv: func(t *testing.T) {
				t.Setenv("SCRIPTGATE_TOKENS_CHALLENGE_TTL", "45s")
			},
			wantErr: true,
		},
		{
			name: "postgres without dsn",
			setupEnv: func(t *testing.T) {
				t.Setenv("SCRIPTGATE_STORE_DRIVER", "postgres")
			},
			wantErr: true,
		},
		{
			name: "unknown abuse backend",
			setupEnv: func(t *testing.T) {
				t.Setenv("SCRIPTGATE_ABUSE_BACKEND", "memcached")
			},
			wantErr: true,
		},
		{
			name: "unknown delivery mode",
			setupEnv: func(t *testing.T) {
				t.Setenv("SCRIPTGATE_DELIVERY_DEFAULT_MODE", "rot13")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SCRIPTGATE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
			tt.setupEnv(t)

			cfg, err := Load()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.validateCfg != nil {
				tt.validateCfg(t, cfg)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "scriptgate.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
server:
  port: 7070
  region: eu-west
security:
  allowed_origins: ["https://panel.example"]
  internal_api_key: file-key
store:
  driver: postgres
  dsn: postgres://localhost/scriptgate
nodes:
  nodes:
    - id: eu-west
      region: eu-west
      url: https://eu.example
      health_score: 80
`), 0o600))
	t.Setenv("SCRIPTGATE_CONFIG", cfgPath)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "eu-west", cfg.Server.Region)
	assert.Equal(t, []string{"https://panel.example"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, "file-key", cfg.Security.InternalAPIKey)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	require.Len(t, cfg.Nodes.Nodes, 1)
	assert.Equal(t, 80, cfg.Nodes.Nodes[0].HealthScore)
}

func TestEnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "scriptgate.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server:\n  port: 7070\n"), 0o600))
	t.Setenv("SCRIPTGATE_CONFIG", cfgPath)
	t.Setenv("SCRIPTGATE_SERVER_PORT", "6060")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
}

func TestLoadNodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodes:
  - id: us-east
    region: us-east
    url: https://us.example
    health_score: 95
  - id: ap-southeast
    region: ap-southeast
    url: https://ap.example
    health_score: 40
`), 0o600))

	nodes, err := LoadNodes(path)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "ap-southeast", nodes[1].ID)
	assert.Equal(t, 40, nodes[1].HealthScore)

	_, err = LoadNodes(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.validate())
	assert.Equal(t, MaxTokenTTL, cfg.Tokens.TTL)
	assert.Equal(t, MaxChallengeTTL, cfg.Tokens.ChallengeTTL)
}

package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDevelopmentDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("PORT", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ANON_KEY", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("S3_BUCKET_NAME", "")
	t.Setenv("GOOGLE_CLIENT_ID", "")
	t.Setenv("PUBLIC_URL", "")
	t.Setenv("ALLOWED_ORIGINS", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "http://localhost:8080", cfg.PublicURL)
	assert.Equal(t, "dev-anon-key", cfg.AnonKey)
	assert.NotEmpty(t, cfg.JWTSecret)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.False(t, cfg.StorageEnabled())
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestLoadConfigProductionRequiresSecrets(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ANON_KEY", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")

	t.Setenv("JWT_SECRET", "secret")
	_, err = LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANON_KEY")
}

func TestLoadConfigRejectsPartialS3(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("S3_BUCKET_NAME", "avatars")
	t.Setenv("S3_ENDPOINT", "")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigParsesOrigins(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("S3_BUCKET_NAME", "")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestClientConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		url  string
		key  string
		ok   bool
	}{
		{"valid", "https://chat.example", "anon", true},
		{"empty url", "", "anon", false},
		{"empty key", "https://chat.example", "", false},
		{"placeholder url", "your_supabase_project_url_here", "anon", false},
		{"placeholder key", "https://chat.example", "your_supabase_anon_key_here", false},
		{"not http", "ftp://chat.example", "anon", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &ClientConfig{URL: tc.url, AnonKey: tc.key}
			assert.Equal(t, tc.ok, cfg.Configured())
			if !tc.ok {
				assert.ErrorIs(t, cfg.Validate(), ErrConfigurationMissing)
			}
		})
	}
}

func TestLoadClientConfigDefaults(t *testing.T) {
	t.Setenv("FOLIOCHAT_URL", "")
	t.Setenv("FOLIOCHAT_ANON_KEY", "")
	t.Setenv("FOLIOCHAT_ROOM", "")
	t.Setenv("FOLIOCHAT_TIMEOUT", "")
	t.Setenv("FOLIOCHAT_HISTORY_LIMIT", "")
	t.Setenv("FOLIOCHAT_READ_SIGNED_OUT", "")

	cfg, err := LoadClientConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultRoom, cfg.Room)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 100, cfg.HistoryLimit)
	assert.False(t, cfg.ReadWhileSignedOut)
	assert.False(t, cfg.Configured())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.env")
	require.NoError(t, os.WriteFile(path, []byte("FOLIOCHAT_TEST_DOTENV=from-file\n"), 0o600))

	t.Setenv("FOLIOCHAT_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("FOLIOCHAT_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("FOLIOCHAT_TEST_DOTENV"))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "telegram:\n  token: abc\n"))
	require.NoError(t, err)

	assert.Equal(t, "abc", cfg.Telegram.Token)
	assert.Equal(t, 5*time.Minute, cfg.Push.Interval)
	assert.Equal(t, 3, cfg.Push.Workers)
	assert.Equal(t, 12*time.Hour, cfg.Crawler.Interval)
	assert.Equal(t, 5, cfg.Crawler.MaxAttempts)
	assert.Equal(t, "0.0.0.0:8080", cfg.ServerAddress())
	assert.NoError(t, cfg.ValidateBot())
}

func TestLoad_SourcesFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database:
  dsn: /tmp/w.db
sources:
  wallhaven:
    api_key: key1
    min_interval: 2s
    max_pages: 10
    query:
      q: nature
  github:
    owner: someone
    repo: walls
    ref: main
`))
	require.NoError(t, err)

	wh := cfg.Source("wallhaven")
	assert.Equal(t, "key1", wh.APIKey)
	assert.Equal(t, 2*time.Second, wh.MinInterval)
	assert.Equal(t, 10, wh.MaxPages)
	assert.Equal(t, "nature", wh.Query["q"])
	assert.Equal(t, "walls", cfg.Source("github").Repo)
	assert.Empty(t, cfg.Source("unsplash").APIKey)
}

func TestLoad_LegacyEnvNames(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "from-env")
	t.Setenv("WALLHAVEN_API_KEY", "wh-env")
	t.Setenv("PROXY", "http://127.0.0.1:7890")

	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, "wh-env", cfg.Source("wallhaven").APIKey)
	assert.Equal(t, "http://127.0.0.1:7890", cfg.Proxy)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_PrefixedEnvWinsOverFile(t *testing.T) {
	t.Setenv("WALLBOT_TELEGRAM_TOKEN", "prefixed")

	cfg, err := Load(writeConfig(t, "telegram:\n  token: file\n"))
	require.NoError(t, err)
	assert.Equal(t, "prefixed", cfg.Telegram.Token)
}

func TestValidate(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{DSN: "x.db"}, Push: PushConfig{Interval: time.Minute}}
	assert.Error(t, cfg.ValidateBot())

	cfg.Telegram.Token = "t"
	assert.NoError(t, cfg.ValidateBot())

	cfg.Crawler.Interval = time.Hour
	known := []string{"wallhaven", "unsplash"}
	assert.NoError(t, cfg.ValidateCrawler("wallhaven", known))
	assert.Error(t, cfg.ValidateCrawler("flickr", known))
	assert.Error(t, cfg.ValidateCrawler("", known))
}

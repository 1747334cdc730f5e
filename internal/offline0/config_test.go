package offline0

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig([]byte("server:\n  origin: http://app.internal:3000/\n"), ".")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://app.internal:3000", cfg.Server.Origin)
	assert.Equal(t, "app.internal:3000", cfg.origin.Host)
	assert.Regexp(t, `^gen-[0-9a-f-]{36}$`, cfg.Generation)
	assert.Equal(t, NetworkFirst, cfg.strategy)
	assert.Equal(t, BestEffort, cfg.policy)
	assert.Equal(t, 4, cfg.Precache.Concurrency)
	assert.Equal(t, "/", cfg.Fallback.Document)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Empty(t, cfg.Storage.Path)
	assert.Equal(t, 5*time.Minute, cfg.clientIdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.timeout)
	assert.Equal(t, 32, cfg.Network.MaxBackground)
	assert.Zero(t, cfg.logStatsEveryDur)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "precache.json"), []byte(`["/app.js", "/app.css",]`), 0o644))
	path := filepath.Join(dir, "offline0.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  origin: https://shop.example
generation: "2024-05-01"
strategy: swr
precache:
  urls: ["/"]
  manifestFile: precache.json
  sitemaps: ["/sitemap.xml"]
  policy: all-or-nothing
  concurrency: 8
lifecycle:
  skipWaiting: true
  clientsClaim: true
  clientIdleTimeout: 90s
fallback:
  document: /offline.html
storage:
  driver: sqlite
  max: 256mb
network:
  timeout: 5s
  refreshTimeout: 10s
  maxBackground: 4
logging:
  level: DEBUG
  logStatsEvery: 1m
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "2024-05-01", cfg.Generation)
	assert.Equal(t, StaleWhileRevalidate, cfg.strategy)
	assert.Equal(t, AllOrNothing, cfg.policy)
	assert.Equal(t, []string{"/", "/app.js", "/app.css"}, cfg.manifest)
	assert.Equal(t, []string{"/sitemap.xml"}, cfg.Precache.Sitemaps)
	assert.True(t, cfg.Lifecycle.SkipWaiting)
	assert.True(t, cfg.Lifecycle.ClientsClaim)
	assert.Equal(t, 90*time.Second, cfg.clientIdleTimeout)
	assert.Equal(t, "/offline.html", cfg.Fallback.Document)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "./data", cfg.Storage.Path)
	assert.Equal(t, ByteSize(256<<20), cfg.Storage.Max)
	assert.Equal(t, 5*time.Second, cfg.timeout)
	assert.Equal(t, 10*time.Second, cfg.refreshTimeout)
	assert.Equal(t, 4, cfg.Network.MaxBackground)
	assert.Equal(t, time.Minute, cfg.logStatsEveryDur)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel())
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"missing origin":   "server:\n  port: 1\n",
		"relative origin":  "server:\n  origin: /app\n",
		"non-http origin":  "server:\n  origin: ftp://files.example\n",
		"strategy":         "server:\n  origin: http://a\nstrategy: cache-only\n",
		"policy":           "server:\n  origin: http://a\nprecache:\n  policy: some\n",
		"driver":           "server:\n  origin: http://a\nstorage:\n  driver: redis\n",
		"duration":         "server:\n  origin: http://a\nnetwork:\n  timeout: soon\n",
		"level":            "server:\n  origin: http://a\nlogging:\n  level: loud\n",
		"missing manifest": "server:\n  origin: http://a\nprecache:\n  manifestFile: nope.json\n",
		"yaml":             "server: [\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseConfig([]byte(doc), t.TempDir())
			require.Error(t, err)
			assert.Equal(t, perrors.CodeInvalidConfig, perrors.GetCode(err))
		})
	}
}

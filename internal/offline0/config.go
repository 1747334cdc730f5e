package offline0

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	// Generation names the cache generation this deployment installs.
	// Empty mints a fresh one per process.
	Generation string `yaml:"generation"`
	Strategy   string `yaml:"strategy"`

	Precache struct {
		URLs         []string `yaml:"urls"`
		ManifestFile string   `yaml:"manifestFile"`
		Sitemaps     []string `yaml:"sitemaps"`
		Policy       string   `yaml:"policy"`
		Concurrency  int      `yaml:"concurrency"`
	} `yaml:"precache"`

	Lifecycle struct {
		SkipWaiting       bool   `yaml:"skipWaiting"`
		ClientsClaim      bool   `yaml:"clientsClaim"`
		ClientIdleTimeout string `yaml:"clientIdleTimeout"`
	} `yaml:"lifecycle"`

	Fallback struct {
		Document string `yaml:"document"`
	} `yaml:"fallback"`

	Storage struct {
		Driver string   `yaml:"driver"`
		Path   string   `yaml:"path"`
		Max    ByteSize `yaml:"max"`
	} `yaml:"storage"`

	Network struct {
		Timeout        string `yaml:"timeout"`
		RefreshTimeout string `yaml:"refreshTimeout"`
		MaxBackground  int    `yaml:"maxBackground"`
	} `yaml:"network"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	origin            *url.URL
	strategy          Strategy
	policy            PrecachePolicy
	manifest          []string
	clientIdleTimeout time.Duration
	timeout           time.Duration
	refreshTimeout    time.Duration
	logStatsEveryDur  time.Duration
	logLevel          zerolog.Level
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return parseConfig(b, filepath.Dir(path))
}

// parseConfig resolves relative file references against dir.
func parseConfig(b []byte, dir string) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, configError("parse config: %v", err)
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, configError("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil || !cacheableScheme(origin) || origin.Host == "" {
		return Config{}, configError("server.origin must be an absolute http(s) URL, got %q", cfg.Server.Origin)
	}
	cfg.origin = origin

	if cfg.Generation == "" {
		cfg.Generation = "gen-" + uuid.NewString()
	}

	if cfg.strategy, err = ParseStrategy(cfg.Strategy); err != nil {
		return Config{}, configError("strategy: %v", err)
	}

	switch PrecachePolicy(cfg.Precache.Policy) {
	case "", BestEffort:
		cfg.policy = BestEffort
	case AllOrNothing:
		cfg.policy = AllOrNothing
	default:
		return Config{}, configError("precache.policy: unknown policy %q", cfg.Precache.Policy)
	}
	if cfg.Precache.Concurrency <= 0 {
		cfg.Precache.Concurrency = 4
	}
	cfg.manifest = append(cfg.manifest, cfg.Precache.URLs...)
	if mf := cfg.Precache.ManifestFile; mf != "" {
		if !filepath.IsAbs(mf) {
			mf = filepath.Join(dir, mf)
		}
		urls, err := LoadManifestFile(mf)
		if err != nil {
			return Config{}, configError("precache.manifestFile: %v", err)
		}
		cfg.manifest = append(cfg.manifest, urls...)
	}

	if cfg.Fallback.Document == "" {
		cfg.Fallback.Document = "/"
	}

	switch cfg.Storage.Driver {
	case "":
		cfg.Storage.Driver = "memory"
	case "memory", "leveldb", "sqlite":
	default:
		return Config{}, configError("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Path == "" && cfg.Storage.Driver != "memory" {
		cfg.Storage.Path = "./data"
	}

	durations := []struct {
		name string
		val  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"lifecycle.clientIdleTimeout", cfg.Lifecycle.ClientIdleTimeout, 5 * time.Minute, &cfg.clientIdleTimeout},
		{"network.timeout", cfg.Network.Timeout, 30 * time.Second, &cfg.timeout},
		{"network.refreshTimeout", cfg.Network.RefreshTimeout, 30 * time.Second, &cfg.refreshTimeout},
		{"logging.logStatsEvery", cfg.Logging.LogStatsEvery, 0, &cfg.logStatsEveryDur},
	}
	for _, d := range durations {
		if d.val == "" {
			*d.dst = d.def
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return Config{}, configError("%s: %v", d.name, err)
		}
		*d.dst = v
	}
	if cfg.Network.MaxBackground <= 0 {
		cfg.Network.MaxBackground = 32
	}

	cfg.logLevel = zerolog.InfoLevel
	if cfg.Logging.Level != "" {
		lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
		if err != nil {
			return Config{}, configError("logging.level: %v", err)
		}
		cfg.logLevel = lvl
	}

	return cfg, nil
}

// LogLevel is the parsed logging.level, info by default.
func (c Config) LogLevel() zerolog.Level { return c.logLevel }

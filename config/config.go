// Package config loads the server configuration from YAML, .env files and
// environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/cluster"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Markers    MarkersConfig    `yaml:"markers"`
	Cluster    cluster.Options  `yaml:"cluster"`
	Map        MapConfig        `yaml:"map"`
	Redis      RedisConfig      `yaml:"redis"`
	Boundaries BoundariesConfig `yaml:"boundaries"`
	Indexes    IndexesConfig    `yaml:"indexes"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigin   string        `yaml:"allowed_origin"`
}

// UpstreamConfig points at the company registry REST API.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type MarkersConfig struct {
	MinZoom      int           `yaml:"min_zoom"`
	FreshFor     time.Duration `yaml:"fresh_for"`
	Retries      int           `yaml:"retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	CacheSize    int           `yaml:"cache_size"`
}

type MapConfig struct {
	// MaxExpansionZoom caps how far a cluster click zooms in.
	MaxExpansionZoom int `yaml:"max_expansion_zoom"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BoundariesConfig struct {
	County       string `yaml:"county"`
	Municipality string `yaml:"municipality"`
}

type IndexesConfig struct {
	Max     int           `yaml:"max"`
	IdleTTL time.Duration `yaml:"idle_ttl"`
	Dir     string        `yaml:"dir"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigin:   "*",
		},
		Upstream: UpstreamConfig{
			BaseURL: "https://api.bedriftsgrafen.no",
			Timeout: 15 * time.Second,
		},
		Markers: MarkersConfig{
			MinZoom:      6,
			FreshFor:     60 * time.Second,
			Retries:      2,
			RetryBackoff: time.Second,
			CacheSize:    256,
		},
		Cluster: cluster.DefaultOptions(),
		Map: MapConfig{
			MaxExpansionZoom: 18,
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Boundaries: BoundariesConfig{
			County:       filepath.Join("data", "geo", "fylker.geojson"),
			Municipality: filepath.Join("data", "geo", "kommuner.geojson"),
		},
		Indexes: IndexesConfig{
			Max:     32,
			IdleTTL: 30 * time.Minute,
			Dir:     filepath.Join("data", "indexes"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadDotEnv loads the given .env files; missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, b, 0o644)
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("BEDRIFTSGRAFEN_API_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid REDIS_DB %q", v)
		}
		c.Redis.DB = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.JSON = v == "json"
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url is required")
	}
	if c.Markers.MinZoom < 0 {
		return fmt.Errorf("markers.min_zoom must be >= 0, got %d", c.Markers.MinZoom)
	}
	if c.Markers.Retries < 0 {
		return fmt.Errorf("markers.retries must be >= 0, got %d", c.Markers.Retries)
	}
	if c.Map.MaxExpansionZoom <= 0 {
		return fmt.Errorf("map.max_expansion_zoom must be > 0, got %d", c.Map.MaxExpansionZoom)
	}
	return nil
}

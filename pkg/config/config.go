// Package config loads the daemon configuration from a YAML file with
// environment overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/golexhq/prediction-engine/pkg/calibration"
	"github.com/golexhq/prediction-engine/pkg/split"
)

// Duration wraps time.Duration so YAML files can say "60s" or "5m".
// yaml.v3 would otherwise only accept raw nanosecond integers.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts either a duration string or a nanosecond integer.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("duration must be a string like \"60s\" or an integer nanosecond count")
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML emits the string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Canary    split.Config    `yaml:"canary"`
	Gates     GatesConfig     `yaml:"gates"`
	Arbitrage ArbitrageConfig `yaml:"arbitrage"`
	Cache     CacheConfig     `yaml:"cache"`
	Storage   StorageConfig   `yaml:"storage"`
	Streaming StreamingConfig `yaml:"streaming"`
}

// ServerConfig is the HTTP listener setup.
type ServerConfig struct {
	Addr        string `yaml:"addr"`         // API and websocket listener
	MetricsAddr string `yaml:"metrics_addr"` // Prometheus listener
}

// ModelConfig holds the scoreline model parameters.
type ModelConfig struct {
	Name     string   `yaml:"name"`
	Rho      float64  `yaml:"rho"`
	EloScale float64  `yaml:"elo_scale"`
	TTL      Duration `yaml:"ttl"`
}

// GatesConfig mirrors calibration.GateConfig with a YAML-friendly window.
type GatesConfig struct {
	AccuracyFloor float64  `yaml:"accuracy_floor"`
	ECECeil       float64  `yaml:"ece_ceil"`
	MinSample     int      `yaml:"min_sample"`
	Window        Duration `yaml:"window"`
}

// GateConfig converts to the tracker's config type.
func (g GatesConfig) GateConfig() calibration.GateConfig {
	return calibration.GateConfig{
		AccuracyFloor: g.AccuracyFloor,
		ECECeil:       g.ECECeil,
		MinSample:     g.MinSample,
		Window:        g.Window.Std(),
	}
}

// ArbitrageConfig tunes the odds scanner.
type ArbitrageConfig struct {
	Freshness    Duration `yaml:"freshness"`
	MinProfitPct float64  `yaml:"min_profit_pct"`
	TotalStake   float64  `yaml:"total_stake"`
	ScanInterval Duration `yaml:"scan_interval"`
}

// CacheConfig selects and tunes the prediction cache.
type CacheConfig struct {
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
	// RedisAddr switches the cache to redis when set; empty keeps the
	// in-process cache.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// StorageConfig selects persistence. An empty DSN runs everything in memory,
// which is the single-replica development mode.
type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// StreamingConfig tunes the websocket hub.
type StreamingConfig struct {
	AlertsPerMinute int `yaml:"alerts_per_minute"`
}

// Default returns the development configuration.
func Default() Config {
	gates := calibration.DefaultGateConfig()
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			MetricsAddr: ":9090",
		},
		Model: ModelConfig{
			Name:     "poisson_dc",
			Rho:      -0.10,
			EloScale: 800,
			TTL:      Duration(60 * time.Second),
		},
		Gates: GatesConfig{
			AccuracyFloor: gates.AccuracyFloor,
			ECECeil:       gates.ECECeil,
			MinSample:     gates.MinSample,
			Window:        Duration(gates.Window),
		},
		Arbitrage: ArbitrageConfig{
			Freshness:    Duration(5 * time.Minute),
			MinProfitPct: 0.5,
			TotalStake:   100,
			ScanInterval: Duration(30 * time.Second),
		},
		Cache: CacheConfig{
			TTL:           Duration(60 * time.Second),
			SweepInterval: Duration(5 * time.Minute),
		},
		Streaming: StreamingConfig{
			AlertsPerMinute: 12,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults with environment overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	// Secrets come from the environment, never the file.
	if dsn := os.Getenv("PREDICTD_POSTGRES_DSN"); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
	}
	if addr := os.Getenv("PREDICTD_REDIS_ADDR"); addr != "" {
		cfg.Cache.RedisAddr = addr
	}
	if pw := os.Getenv("PREDICTD_REDIS_PASSWORD"); pw != "" {
		cfg.Cache.RedisPassword = pw
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr required")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name required")
	}
	if c.Canary.CanaryPercentage < 0 || c.Canary.CanaryPercentage > 100 {
		return fmt.Errorf("canary.canary_percentage %d out of range [0, 100]",
			c.Canary.CanaryPercentage)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Arbitrage.TotalStake < 0 {
		return fmt.Errorf("arbitrage.total_stake must not be negative")
	}
	return nil
}

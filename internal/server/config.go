package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	RateLimitRPS      float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst    int           `mapstructure:"rate_limit_burst"`

	// Sample uploads, fleet analyses and monitor starts draw from this bucket.
	IngestRateLimitRPS   float64 `mapstructure:"ingest_rate_limit_rps"`
	IngestRateLimitBurst int     `mapstructure:"ingest_rate_limit_burst"`
	TrustForwarded       bool    `mapstructure:"trust_forwarded"` // Key clients by X-Forwarded-For
}

// DefaultConfig returns the server defaults used when no config file is present.
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              8080,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		RateLimitRPS:      100,
		RateLimitBurst:    200,

		IngestRateLimitRPS:   10,
		IngestRateLimitBurst: 20,
	}
}

// RateLimits returns the per-client buckets, exempting the given paths.
func (c *Config) RateLimits(exempt []string) RateLimits {
	return RateLimits{
		Read:   Limit{RPS: c.RateLimitRPS, Burst: c.RateLimitBurst},
		Ingest: Limit{RPS: c.IngestRateLimitRPS, Burst: c.IngestRateLimitBurst},
		Exempt: exempt,
	}
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ConfigFrom reads the server section from v.
func ConfigFrom(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	if err := v.UnmarshalKey("server", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal server config: %w", err)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("server.port %d out of range", cfg.Port)
	}
	if cfg.RateLimitRPS <= 0 || cfg.RateLimitBurst <= 0 {
		return Config{}, errors.New("server.rate_limit_rps and server.rate_limit_burst must be positive")
	}
	if cfg.IngestRateLimitRPS <= 0 || cfg.IngestRateLimitBurst <= 0 {
		return Config{}, errors.New("server.ingest_rate_limit_rps and server.ingest_rate_limit_burst must be positive")
	}
	return cfg, nil
}

// LoadConfig reads configuration from file and environment variables.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	def := DefaultConfig()
	v.SetDefault("server.host", def.Host)
	v.SetDefault("server.port", def.Port)
	v.SetDefault("server.read_header_timeout", def.ReadHeaderTimeout.String())
	// Websocket tick streams outlive any fixed write deadline.
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", def.IdleTimeout.String())
	v.SetDefault("server.rate_limit_rps", def.RateLimitRPS)
	v.SetDefault("server.rate_limit_burst", def.RateLimitBurst)
	v.SetDefault("server.ingest_rate_limit_rps", def.IngestRateLimitRPS)
	v.SetDefault("server.ingest_rate_limit_burst", def.IngestRateLimitBurst)
	v.SetDefault("server.trust_forwarded", def.TrustForwarded)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.path", "./floodwatch.db")

	// Detector
	v.SetDefault("plugins.flood.detector.sampling_rate", 60.0)
	v.SetDefault("plugins.flood.detector.warmup", "5s")
	v.SetDefault("plugins.flood.detector.window", "5s")
	v.SetDefault("plugins.flood.detector.fixed_threshold", 2000.0)
	v.SetDefault("plugins.flood.detector.multiplier", 2.5)
	v.SetDefault("plugins.flood.detector.window_policy", "shrinking")
	v.SetDefault("plugins.flood.detector.run_length", "60s")
	v.SetDefault("plugins.flood.detector.resync_every", 0)

	// Simulated traffic
	v.SetDefault("plugins.flood.simulation.mean", 100.0)
	v.SetDefault("plugins.flood.simulation.stddev", 15.0)
	v.SetDefault("plugins.flood.simulation.surge_factor", 3.0)
	v.SetDefault("plugins.flood.simulation.surge_duration", "500ms")
	v.SetDefault("plugins.flood.simulation.surge_earliest", "10s")
	v.SetDefault("plugins.flood.simulation.surge_latest", "50s")
	v.SetDefault("plugins.flood.simulation.seed", 0)

	v.SetDefault("plugins.flood.report_retention", "720h")
	v.SetDefault("plugins.flood.maintenance_interval", "1h")
	v.SetDefault("plugins.flood.max_monitors", 16)
	v.SetDefault("plugins.flood.tick_events", true)
	v.SetDefault("plugins.flood.analysis_workers", 4)

	v.SetDefault("plugins.webhook.enabled", true)
	v.SetDefault("plugins.webhook.url", "")
	v.SetDefault("plugins.webhook.timeout", "10s")

	v.SetDefault("plugins.mqtt.enabled", true)
	v.SetDefault("plugins.mqtt.broker_url", "")
	v.SetDefault("plugins.mqtt.client_id", "floodwatch")
	v.SetDefault("plugins.mqtt.username", "")
	v.SetDefault("plugins.mqtt.password", "")
	v.SetDefault("plugins.mqtt.topic_prefix", "floodwatch")
	v.SetDefault("plugins.mqtt.qos", 1)
	v.SetDefault("plugins.mqtt.retain", false)
	v.SetDefault("plugins.mqtt.timeout", "10s")
	v.SetDefault("plugins.mqtt.ha_discovery", false)
	v.SetDefault("plugins.mqtt.ha_discovery_prefix", "homeassistant")

	v.SetDefault("plugins.ws.max_clients", 64)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("floodwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/floodwatch")
	}

	// Environment variable support: FW_SERVER_PORT=9090
	v.SetEnvPrefix("FW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}

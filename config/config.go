package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Depthflow  DepthflowConfig  `yaml:"depthflow"`
	Source     SourceConfig     `yaml:"source"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Storage    StorageConfig    `yaml:"storage"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	API        APIConfig        `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type DepthflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

// BinanceSourceConfig selects how the depth feed is reached. Connection is
// either "ws" (raw combined stream) or "sdk" (go-binance client).
type BinanceSourceConfig struct {
	Connection       string        `yaml:"connection"`
	URL              string        `yaml:"url"`
	Symbols          []string      `yaml:"symbols"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	BufferSize       int           `yaml:"buffer_size"`
}

type PipelineConfig struct {
	// MaxInflightWrites caps concurrent writes per side of one message; 0 means
	// one writer per entry.
	MaxInflightWrites int `yaml:"max_inflight_writes"`
}

type StorageConfig struct {
	Influx  InfluxConfig  `yaml:"influx"`
	Archive ArchiveConfig `yaml:"archive"`
}

type InfluxConfig struct {
	URL          string        `yaml:"url"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	Token        string        `yaml:"token"`
	Org          string        `yaml:"org"`
	Bucket       string        `yaml:"bucket"`
	Measurement  string        `yaml:"measurement"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AuthToken returns the token used by the client. InfluxDB 1.8+ accepts
// "username:password" in place of a v2 token.
func (c InfluxConfig) AuthToken() string {
	if c.Token != "" {
		return c.Token
	}
	if c.Username == "" && c.Password == "" {
		return ""
	}
	return c.Username + ":" + c.Password
}

type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	FlushRecords    int    `yaml:"flush_records"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type SupervisorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	RestartEvery time.Duration `yaml:"restart_every"`
	RestartBurst int           `yaml:"restart_burst"`
	MaxRestarts  int           `yaml:"max_restarts"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	Prometheus bool   `yaml:"prometheus"`
	Address    string `yaml:"address"`
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
	Region     string `yaml:"region"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

const (
	ConnectionWebsocket = "ws"
	ConnectionSDK       = "sdk"

	DefaultBinanceURL  = "wss://stream.binance.com:9443/stream"
	DefaultMeasurement = "binance_depth"
)

// DefaultSymbols is the subscription used when the config names none.
var DefaultSymbols = []string{"BTCUSDT", "ETHUSDT", "BNBUSDT"}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Source: SourceConfig{
			Binance: BinanceSourceConfig{
				Connection:       ConnectionWebsocket,
				URL:              DefaultBinanceURL,
				HandshakeTimeout: 10 * time.Second,
				BufferSize:       64,
			},
		},
		Storage: StorageConfig{
			Influx: InfluxConfig{
				Measurement:  DefaultMeasurement,
				WriteTimeout: 10 * time.Second,
			},
			Archive: ArchiveConfig{FlushRecords: 10000},
		},
		Supervisor: SupervisorConfig{
			RestartEvery: 5 * time.Second,
			RestartBurst: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if len(config.Source.Binance.Symbols) == 0 {
		config.Source.Binance.Symbols = append([]string(nil), DefaultSymbols...)
	}
	config.Storage.Archive.Bucket = strings.TrimSpace(config.Storage.Archive.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	influx := &config.Storage.Influx
	overrides := map[string]*string{
		"INFLUX_URL":      &influx.URL,
		"INFLUX_USERNAME": &influx.Username,
		"INFLUX_PASSWORD": &influx.Password,
		"INFLUX_TOKEN":    &influx.Token,
		"INFLUX_ORG":      &influx.Org,
		"INFLUX_BUCKET":   &influx.Bucket,
	}
	if config.Storage.Archive.Enabled {
		archive := &config.Storage.Archive
		overrides["AWS_ACCESS_KEY_ID"] = &archive.AccessKeyID
		overrides["AWS_SECRET_ACCESS_KEY"] = &archive.SecretAccessKey
		overrides["AWS_REGION"] = &archive.Region
		overrides["S3_BUCKET"] = &archive.Bucket
	}
	for env, field := range overrides {
		if v := os.Getenv(env); v != "" {
			*field = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Depthflow.Name == "" {
		return fmt.Errorf("depthflow.name is required")
	}

	if cfg.Depthflow.Version == "" {
		return fmt.Errorf("depthflow.version is required")
	}

	switch cfg.Source.Binance.Connection {
	case ConnectionWebsocket, ConnectionSDK:
	default:
		return fmt.Errorf("source.binance.connection must be %q or %q", ConnectionWebsocket, ConnectionSDK)
	}

	if cfg.Source.Binance.Connection == ConnectionWebsocket && cfg.Source.Binance.URL == "" {
		return fmt.Errorf("source.binance.url is required for websocket connections")
	}

	if cfg.Pipeline.MaxInflightWrites < 0 {
		return fmt.Errorf("pipeline.max_inflight_writes must not be negative")
	}

	influx := cfg.Storage.Influx
	if influx.URL == "" {
		return fmt.Errorf("storage.influx.url is required")
	}
	if influx.Org == "" {
		return fmt.Errorf("storage.influx.org is required")
	}
	if influx.Bucket == "" {
		return fmt.Errorf("storage.influx.bucket is required")
	}
	if influx.Measurement == "" {
		return fmt.Errorf("storage.influx.measurement is required")
	}

	if cfg.Storage.Archive.Enabled {
		if cfg.Storage.Archive.Bucket == "" {
			return fmt.Errorf("storage.archive.bucket is required when the archive is enabled")
		}
		if cfg.Storage.Archive.Region == "" {
			return fmt.Errorf("storage.archive.region is required when the archive is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.Archive.Bucket) {
			return fmt.Errorf("storage.archive.bucket '%s' is invalid", cfg.Storage.Archive.Bucket)
		}
		if cfg.Storage.Archive.FlushRecords <= 0 {
			return fmt.Errorf("storage.archive.flush_records must be greater than 0")
		}
	}

	if cfg.Supervisor.Enabled {
		if cfg.Supervisor.RestartEvery <= 0 {
			return fmt.Errorf("supervisor.restart_every must be greater than 0")
		}
		if cfg.Supervisor.RestartBurst <= 0 {
			return fmt.Errorf("supervisor.restart_burst must be greater than 0")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/mdfeed/internal/errs"
	"github.com/coachpo/mdfeed/internal/schema"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Universe source kinds.
const (
	SourceCSV      = "csv"
	SourcePostgres = "postgres"
)

// Discovery sink kinds.
const (
	SinkCSV      = "csv"
	SinkPostgres = "postgres"
)

// SubscriptionConfig shapes outbound market data requests.
type SubscriptionConfig struct {
	BatchSize         int     `yaml:"batchSize"`
	UpdateStyle       string  `yaml:"updateStyle"`
	Depth             int     `yaml:"depth"`
	RequestRate       float64 `yaml:"requestRate"`
	CancelWithSymbols bool    `yaml:"cancelWithSymbols"`
}

// UniverseConfig locates the instrument universe.
type UniverseConfig struct {
	Source              string        `yaml:"source"`
	Path                string        `yaml:"path"`
	ReloadInterval      time.Duration `yaml:"reloadInterval"`
	InitialLoadAttempts int           `yaml:"initialLoadAttempts"`
	InitialLoadBackoff  time.Duration `yaml:"initialLoadBackoff"`
}

// DiscoveryConfig selects where unknown symbols are recorded.
type DiscoveryConfig struct {
	Sink string `yaml:"sink"`
	Path string `yaml:"path"`
	// AppendTimeout bounds a single sink write on the market data path.
	AppendTimeout time.Duration `yaml:"appendTimeout"`
}

// DatabaseConfig configures the Postgres pool shared by the universe source and discovery store.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn"`
	MaxConns       int32  `yaml:"maxConns"`
	MigrateOnStart bool   `yaml:"migrateOnStart"`
}

// FIXConfig configures the quickfix initiator.
type FIXConfig struct {
	Enabled      bool   `yaml:"enabled"`
	SettingsPath string `yaml:"settingsPath"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
}

// APIServerConfig configures the HTTP query surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the mdfeed configuration tree sourced from YAML.
type Config struct {
	Environment  Environment        `yaml:"environment"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Universe     UniverseConfig     `yaml:"universe"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Database     DatabaseConfig     `yaml:"database"`
	FIX          FIXConfig          `yaml:"fix"`
	Logging      LoggingConfig      `yaml:"logging"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	APIServer    APIServerConfig    `yaml:"apiServer"`
}

// Default returns the configuration used when a field is not set.
func Default() Config {
	return Config{
		Environment: EnvDev,
		Subscription: SubscriptionConfig{
			BatchSize:   50,
			UpdateStyle: string(schema.UpdateIncremental),
			Depth:       1,
		},
		Universe: UniverseConfig{
			Source:              SourceCSV,
			Path:                "data/universe.csv",
			ReloadInterval:      30 * time.Second,
			InitialLoadAttempts: 5,
			InitialLoadBackoff:  500 * time.Millisecond,
		},
		Discovery: DiscoveryConfig{
			Sink:          SinkCSV,
			Path:          "data/discovered.csv",
			AppendTimeout: 2 * time.Second,
		},
		Database: DatabaseConfig{MaxConns: 4},
		FIX:      FIXConfig{SettingsPath: "config/fix.cfg"},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4318",
			ServiceName:  "mdfeed",
		},
		APIServer: APIServerConfig{Addr: ":8880"},
	}
}

// Load reads the YAML file at configPath (or the first fallback location that
// exists) over Default, applies environment overrides, and validates the result.
func Load(ctx context.Context, configPath string) (Config, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return Config{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes YAML over Default, applies environment overrides, and validates.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Subscription.UpdateStyle = strings.ToLower(strings.TrimSpace(c.Subscription.UpdateStyle))
	c.Universe.Source = strings.ToLower(strings.TrimSpace(c.Universe.Source))
	c.Universe.Path = strings.TrimSpace(c.Universe.Path)
	c.Discovery.Sink = strings.ToLower(strings.TrimSpace(c.Discovery.Sink))
	c.Discovery.Path = strings.TrimSpace(c.Discovery.Path)
	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	c.FIX.SettingsPath = strings.TrimSpace(c.FIX.SettingsPath)
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))

	if c.Subscription.Depth <= 0 {
		c.Subscription.Depth = 1
	}
	if c.Universe.ReloadInterval <= 0 {
		c.Universe.ReloadInterval = 30 * time.Second
	}
	if c.Universe.InitialLoadAttempts <= 0 {
		c.Universe.InitialLoadAttempts = 1
	}
	if c.Discovery.AppendTimeout <= 0 {
		c.Discovery.AppendTimeout = 2 * time.Second
	}
}

// Validate performs semantic validation on the configuration.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return invalid("environment must be one of dev, staging, prod")
	}
	if c.Subscription.BatchSize < 1 {
		return invalid("subscription batchSize must be >= 1")
	}
	if _, err := schema.ParseUpdateStyle(c.Subscription.UpdateStyle); err != nil {
		return invalid("subscription updateStyle must be incremental or snapshot")
	}
	if c.Subscription.RequestRate < 0 {
		return invalid("subscription requestRate must be >= 0")
	}

	switch c.Universe.Source {
	case SourceCSV:
		if c.Universe.Path == "" {
			return invalid("universe path required for csv source")
		}
	case SourcePostgres:
		if c.Database.DSN == "" {
			return invalid("database dsn required for postgres universe source")
		}
	default:
		return invalid("universe source must be csv or postgres")
	}

	switch c.Discovery.Sink {
	case SinkCSV:
		if c.Discovery.Path == "" {
			return invalid("discovery path required for csv sink")
		}
	case SinkPostgres:
		if c.Database.DSN == "" {
			return invalid("database dsn required for postgres discovery sink")
		}
	default:
		return invalid("discovery sink must be csv or postgres")
	}

	if c.FIX.Enabled && c.FIX.SettingsPath == "" {
		return invalid("fix settingsPath required when fix is enabled")
	}
	if c.APIServer.Addr == "" {
		return invalid("apiServer addr required")
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return invalid("telemetry serviceName required")
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return invalid("logging format must be json or console")
	}
	return nil
}

// UpdateStyle returns the parsed subscription update style.
func (c Config) UpdateStyle() schema.UpdateStyle {
	style, err := schema.ParseUpdateStyle(c.Subscription.UpdateStyle)
	if err != nil {
		return schema.UpdateIncremental
	}
	return style
}

// UsesPostgres reports whether any component needs the database pool.
func (c Config) UsesPostgres() bool {
	return c.Universe.Source == SourcePostgres || c.Discovery.Sink == SinkPostgres
}

func invalid(msg string) error {
	return errs.New("config/validate", errs.CodeInvalid, errs.WithMessage(msg))
}

func openConfigFile(path string) (io.Reader, func(), error) {
	var (
		candidates []string
		seen       = make(map[string]struct{})
	)
	addCandidate := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			return
		}
		candidate = filepath.Clean(candidate)
		if _, ok := seen[candidate]; ok {
			return
		}
		seen[candidate] = struct{}{}
		candidates = append(candidates, candidate)
	}
	addCandidate(path)
	if strings.TrimSpace(path) == "" {
		addCandidate(os.Getenv("MDFEED_CONFIG"))
		for _, fallback := range []string{
			"config/mdfeed.yaml",
			"config/mdfeed.example.yaml",
		} {
			addCandidate(fallback)
		}
	}

	var lastErr error
	for _, candidate := range candidates {
		file, err := os.Open(candidate) // #nosec G304 -- configuration paths are controlled by operators.
		if err == nil {
			return file, func() { _ = file.Close() }, nil
		}
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("open config: %w", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = os.ErrNotExist
	}
	return nil, nil, fmt.Errorf("open config: %w", lastErr)
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Validation  ValidationConfig `mapstructure:"validation"`
	Selection   SelectionConfig  `mapstructure:"selection"`
	Cache       CacheConfig      `mapstructure:"cache"`
	Telemetry   TelemetryConfig  `mapstructure:"telemetry"`
	Security    SecurityConfig   `mapstructure:"security"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	DatabaseURL     string `mapstructure:"database_url"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime string `mapstructure:"conn_max_idle_time"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ValidationConfig controls temporal fold assignment and the ensemble exclusion policy.
type ValidationConfig struct {
	FoldCount       int      `mapstructure:"fold_count"`
	ExcludedFolds   []string `mapstructure:"excluded_folds"`
	MinMembers      int      `mapstructure:"min_members"`
	PurgePeriods    int      `mapstructure:"purge_periods"`
	RefreshInterval string   `mapstructure:"refresh_interval"`
	RefreshOnStart  bool     `mapstructure:"refresh_on_start"`
}

// SelectionConfig controls the dual-model recommendation screen.
type SelectionConfig struct {
	TopN                      int     `mapstructure:"top_n"`
	MaxUnderperformPercentile float64 `mapstructure:"max_underperform_percentile"`
	MinMarketCap              string  `mapstructure:"min_market_cap"`
}

type CacheConfig struct {
	FoldAssignmentTTL string `mapstructure:"fold_assignment_ttl"`
}

type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Exporter       string  `mapstructure:"exporter"`
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRate     float64 `mapstructure:"sample_rate"`
	OTLPLogs       bool    `mapstructure:"otlp_logs"`
}

type SecurityConfig struct {
	AdminAPIKey string `mapstructure:"admin_api_key" json:"-" yaml:"-"`
}

// ExclusionFolds parses the configured excluded fold labels.
func (v ValidationConfig) ExclusionFolds() ([]models.Fold, error) {
	folds := make([]models.Fold, 0, len(v.ExcludedFolds))
	for _, label := range v.ExcludedFolds {
		f, err := models.ParseFold(label)
		if err != nil {
			return nil, err
		}
		folds = append(folds, f)
	}
	return folds, nil
}

// Interval returns the parsed refresh interval.
func (v ValidationConfig) Interval() time.Duration {
	d, _ := time.ParseDuration(v.RefreshInterval)
	return d
}

// MinMarketCapDecimal returns the parsed micro-cap cut-off.
func (s SelectionConfig) MinMarketCapDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(s.MinMarketCap)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// TTL returns the parsed fold assignment cache TTL.
func (c CacheConfig) TTL() time.Duration {
	d, _ := time.ParseDuration(c.FoldAssignmentTTL)
	return d
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	// Set default values
	setDefaults()

	// Enable environment variable support
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv("security.admin_api_key", "ADMIN_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind ADMIN_API_KEY environment variable: %w", err)
	}
	if err := viper.BindEnv("database.database_url", "DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind DATABASE_URL environment variable: %w", err)
	}

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks cross-field constraints that defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.Environment != "development" && c.Environment != "test" && c.Security.AdminAPIKey == "" {
		return errors.New("ADMIN_API_KEY environment variable is required in non-development environments")
	}

	v := c.Validation
	if v.FoldCount < 2 {
		return fmt.Errorf("validation.fold_count must be at least 2, got %d", v.FoldCount)
	}
	if v.MinMembers < 2 {
		return fmt.Errorf("validation.min_members must be at least 2, got %d", v.MinMembers)
	}
	if v.PurgePeriods < 0 {
		return fmt.Errorf("validation.purge_periods must not be negative, got %d", v.PurgePeriods)
	}
	folds, err := v.ExclusionFolds()
	if err != nil {
		return fmt.Errorf("invalid validation.excluded_folds: %w", err)
	}
	for _, f := range folds {
		if !f.Valid(v.FoldCount) {
			return fmt.Errorf("excluded fold %s is outside the %d-fold scheme", f, v.FoldCount)
		}
	}
	if v.FoldCount-len(folds) < v.MinMembers {
		return fmt.Errorf("excluding %d of %d folds leaves fewer than %d ensemble members",
			len(folds), v.FoldCount, v.MinMembers)
	}
	if v.RefreshInterval != "" {
		if _, err := time.ParseDuration(v.RefreshInterval); err != nil {
			return fmt.Errorf("invalid validation.refresh_interval: %w", err)
		}
	}

	s := c.Selection
	if s.TopN <= 0 {
		return fmt.Errorf("selection.top_n must be positive, got %d", s.TopN)
	}
	if s.MaxUnderperformPercentile <= 0 || s.MaxUnderperformPercentile > 1 {
		return fmt.Errorf("selection.max_underperform_percentile must be in (0, 1], got %v", s.MaxUnderperformPercentile)
	}
	if s.MinMarketCap != "" {
		if _, err := decimal.NewFromString(s.MinMarketCap); err != nil {
			return fmt.Errorf("invalid selection.min_market_cap: %w", err)
		}
	}

	if c.Cache.FoldAssignmentTTL != "" {
		if _, err := time.ParseDuration(c.Cache.FoldAssignmentTTL); err != nil {
			return fmt.Errorf("invalid cache.fold_assignment_ttl: %w", err)
		}
	}

	switch c.Telemetry.Exporter {
	case "", "otlp", "stdout", "none":
	default:
		return fmt.Errorf("unknown telemetry.exporter %q", c.Telemetry.Exporter)
	}

	return nil
}

func setDefaults() {
	// Environment
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	// Server
	viper.SetDefault("server.port", 8080)

	// Set database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "kfold_ensemble")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.database_url", "")
	viper.SetDefault("database.max_open_conns", 10)
	viper.SetDefault("database.max_idle_conns", 2)
	viper.SetDefault("database.conn_max_lifetime", "300s")
	viper.SetDefault("database.conn_max_idle_time", "60s")

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Validation
	viper.SetDefault("validation.fold_count", models.DefaultFoldCount)
	viper.SetDefault("validation.excluded_folds", []string{"K1"})
	viper.SetDefault("validation.min_members", 2)
	viper.SetDefault("validation.purge_periods", 0)
	viper.SetDefault("validation.refresh_interval", "2160h")
	viper.SetDefault("validation.refresh_on_start", false)

	// Selection
	viper.SetDefault("selection.top_n", 30)
	viper.SetDefault("selection.max_underperform_percentile", 0.5)
	viper.SetDefault("selection.min_market_cap", "300000000")

	// Cache
	viper.SetDefault("cache.fold_assignment_ttl", "24h")

	// Telemetry
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.exporter", "otlp")
	viper.SetDefault("telemetry.endpoint", "localhost:4318")
	viper.SetDefault("telemetry.service_name", "kfold-ensemble")
	viper.SetDefault("telemetry.service_version", "1.0.0")
	viper.SetDefault("telemetry.sample_rate", 1.0)
	viper.SetDefault("telemetry.otlp_logs", false)

	// Security
	viper.SetDefault("security.admin_api_key", "")
}

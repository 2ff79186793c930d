package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable pointing at an optional YAML file.
const FileEnv = "BUNCHING_CONFIG"

type Config struct {
	MBTA        MBTAConfig        `yaml:"mbta"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Headway     HeadwayConfig     `yaml:"headway"`
	Database    DatabaseConfig    `yaml:"database"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	API         APIConfig         `yaml:"api"`
	NATS        NATSConfig        `yaml:"nats"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// MBTAConfig describes the vehicle feed.
type MBTAConfig struct {
	BaseURL string   `yaml:"base_url" validate:"required,url"`
	APIKey  string   `yaml:"api_key"`
	Routes  []string `yaml:"routes"`
	// RouteType filters by GTFS route_type. Nil sends no filter.
	RouteType  *int          `yaml:"route_type" validate:"omitempty,gte=0"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
	FeedFormat string        `yaml:"feed_format" validate:"oneof=jsonapi gtfsrt"`
	GTFSRTURL  string        `yaml:"gtfsrt_url" validate:"required_if=FeedFormat gtfsrt"`
}

type PipelineConfig struct {
	DataDir     string        `yaml:"data_dir" validate:"required"`
	Interval    time.Duration `yaml:"interval" validate:"gt=0"`
	Retries     int           `yaml:"retries" validate:"gte=0"`
	RetryDelay  time.Duration `yaml:"retry_delay" validate:"gte=0"`
	RunOnStart  bool          `yaml:"run_on_start"`
	SyncSite    bool          `yaml:"sync_site"`
	SiteDataDir string        `yaml:"site_data_dir"`
	// ArchiveBronze keeps earlier raw snapshots instead of clearing the
	// bronze tier before each write; maintenance prunes them to BronzeKeep.
	ArchiveBronze bool `yaml:"archive_bronze"`
}

type HeadwayConfig struct {
	ExpectedSource     string  `yaml:"expected_source" validate:"oneof=constant reference"`
	DefaultExpectedMin float64 `yaml:"default_expected_min" validate:"gt=0"`
	ReferencePath      string  `yaml:"reference_path"`
	Period             string  `yaml:"period"`
	WatchReference     bool    `yaml:"watch_reference"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode" validate:"omitempty,oneof=disable require verify-ca verify-full"`
}

type MaintenanceConfig struct {
	ScoreRetentionDays int           `yaml:"score_retention_days" validate:"gte=0"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
	// BronzeKeep is how many raw snapshots survive pruning. 0 disables pruning.
	BronzeKeep int `yaml:"bronze_keep" validate:"gte=0"`
}

type APIConfig struct {
	Addr    string `yaml:"addr"`
	SiteDir string `yaml:"site_dir"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" validate:"required_with=URL"`
}

type LoggingConfig struct {
	Level          string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error fatal"`
	FilePath       string `yaml:"file_path"`
	DiscordWebhook string `yaml:"discord_webhook" validate:"omitempty,url"`
}

// Load builds the configuration from defaults, the optional YAML file named
// by BUNCHING_CONFIG and environment variables, in increasing precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	routeType := 3
	return &Config{
		MBTA: MBTAConfig{
			BaseURL:    "https://api-v3.mbta.com",
			RouteType:  &routeType,
			Timeout:    10 * time.Second,
			FeedFormat: "jsonapi",
		},
		Pipeline: PipelineConfig{
			DataDir:     "data",
			Interval:    15 * time.Minute,
			Retries:     1,
			RetryDelay:  5 * time.Minute,
			RunOnStart:  true,
			SiteDataDir: filepath.Join("site", "data"),
		},
		Headway: HeadwayConfig{
			ExpectedSource:     "constant",
			DefaultExpectedMin: 10.0,
		},
		Database: DatabaseConfig{
			Port:    "5432",
			User:    "postgres",
			DBName:  "bunching",
			SSLMode: "disable",
		},
		Maintenance: MaintenanceConfig{
			ScoreRetentionDays: 30,
			CleanupInterval:    24 * time.Hour,
			BronzeKeep:         96,
		},
		API: APIConfig{
			Addr: ":8080",
		},
		NATS: NATSConfig{
			SubjectPrefix: "bunching.scores",
		},
		Logging: LoggingConfig{
			Level:    "info",
			FilePath: "bunching.log",
		},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.MBTA.BaseURL = getEnv("MBTA_API_BASE_URL", c.MBTA.BaseURL)
	c.MBTA.APIKey = getEnv("MBTA_API_KEY", c.MBTA.APIKey)
	c.MBTA.Routes = getListEnv("MBTA_ROUTES", c.MBTA.Routes)
	c.MBTA.RouteType = getOptionalIntEnv("MBTA_ROUTE_TYPE", c.MBTA.RouteType)
	c.MBTA.Timeout = getDurationEnv("MBTA_TIMEOUT", c.MBTA.Timeout)
	c.MBTA.FeedFormat = getEnv("MBTA_FEED_FORMAT", c.MBTA.FeedFormat)
	c.MBTA.GTFSRTURL = getEnv("MBTA_GTFSRT_URL", c.MBTA.GTFSRTURL)

	c.Pipeline.DataDir = getEnv("DATA_DIR", c.Pipeline.DataDir)
	c.Pipeline.Interval = getDurationEnv("PIPELINE_INTERVAL", c.Pipeline.Interval)
	c.Pipeline.Retries = getIntEnv("PIPELINE_RETRIES", c.Pipeline.Retries)
	c.Pipeline.RetryDelay = getDurationEnv("PIPELINE_RETRY_DELAY", c.Pipeline.RetryDelay)
	c.Pipeline.RunOnStart = getBoolEnv("PIPELINE_RUN_ON_START", c.Pipeline.RunOnStart)
	c.Pipeline.SyncSite = getBoolEnv("PIPELINE_SYNC_SITE", c.Pipeline.SyncSite)
	c.Pipeline.SiteDataDir = getEnv("SITE_DATA_DIR", c.Pipeline.SiteDataDir)
	c.Pipeline.ArchiveBronze = getBoolEnv("PIPELINE_ARCHIVE_BRONZE", c.Pipeline.ArchiveBronze)

	c.Headway.ExpectedSource = getEnv("HEADWAY_EXPECTED_SOURCE", c.Headway.ExpectedSource)
	c.Headway.DefaultExpectedMin = getFloatEnv("HEADWAY_DEFAULT_EXPECTED_MIN", c.Headway.DefaultExpectedMin)
	c.Headway.ReferencePath = getEnv("HEADWAY_REFERENCE_PATH", c.Headway.ReferencePath)
	c.Headway.Period = getEnv("HEADWAY_PERIOD", c.Headway.Period)
	c.Headway.WatchReference = getBoolEnv("HEADWAY_WATCH_REFERENCE", c.Headway.WatchReference)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.Maintenance.ScoreRetentionDays = getIntEnv("SCORE_RETENTION_DAYS", c.Maintenance.ScoreRetentionDays)
	c.Maintenance.CleanupInterval = getDurationEnv("CLEANUP_INTERVAL", c.Maintenance.CleanupInterval)
	c.Maintenance.BronzeKeep = getIntEnv("BRONZE_KEEP", c.Maintenance.BronzeKeep)

	c.API.Addr = getEnv("API_ADDR", c.API.Addr)
	c.API.SiteDir = getEnv("SITE_DIR", c.API.SiteDir)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.FilePath = getEnv("LOG_FILE", c.Logging.FilePath)
	c.Logging.DiscordWebhook = getEnv("DISCORD_WEBHOOK_URL", c.Logging.DiscordWebhook)
}

// Validate checks struct constraints and returns a readable error listing
// every failing field.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Enabled reports whether score history should be written to Postgres.
func (c *DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// Enabled reports whether scores should be published to NATS.
func (c *NATSConfig) Enabled() bool {
	return c.URL != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getOptionalIntEnv treats "none" as an explicit nil.
func getOptionalIntEnv(key string, defaultValue *int) *int {
	value := strings.TrimSpace(os.Getenv(key))
	switch {
	case value == "":
		return defaultValue
	case strings.EqualFold(value, "none"):
		return nil
	}
	if n, err := strconv.Atoi(value); err == nil {
		return &n
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration.
type Config struct {
	HTTPAddr            string        `yaml:"http_addr"`
	DatabaseURL         string        `yaml:"database_url"`
	SQLitePath          string        `yaml:"sqlite_path"`
	SQLitePoolSize      int           `yaml:"sqlite_pool_size"`
	TelemetryTable      string        `yaml:"telemetry_table"`
	RetentionMaxAge     time.Duration `yaml:"retention_max_age"`
	RetentionInterval   time.Duration `yaml:"retention_interval"`
	StatisticsInterval  time.Duration `yaml:"statistics_interval"`
	HistoryDefaultHours float64       `yaml:"history_default_hours"`
	StorePauseBackoff   time.Duration `yaml:"store_pause_backoff"`
	SessionBuffer       int           `yaml:"session_buffer"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	ReadLimitBytes      int64         `yaml:"read_limit_bytes"`
	FleetGroup          string        `yaml:"fleet_group"`
	AllowedOrigins      []string      `yaml:"allowed_origins"`

	AlertWebhookURL    string        `yaml:"alert_webhook_url"`
	AlertWebhookToken  string        `yaml:"alert_webhook_token"`
	AlertTemplate      string        `yaml:"alert_template"`
	AlertEscalation    time.Duration `yaml:"alert_escalation"`
	AlertCooldown      time.Duration `yaml:"alert_cooldown"`
	AlertDedupeWindow  time.Duration `yaml:"alert_dedupe_window"`
	AlertTimeout       time.Duration `yaml:"alert_timeout"`
	AlertReportBaseURL string        `yaml:"alert_report_base_url"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		HTTPAddr:            ":8080",
		TelemetryTable:      "robot_telemetry",
		SQLitePoolSize:      4,
		RetentionMaxAge:     30 * 24 * time.Hour,
		RetentionInterval:   time.Hour,
		StatisticsInterval:  30 * time.Second,
		HistoryDefaultHours: 6,
		StorePauseBackoff:   5 * time.Second,
		SessionBuffer:       64,
		WriteTimeout:        10 * time.Second,
		ReadLimitBytes:      64 << 10,
		FleetGroup:          "dashboard-updates",
		AlertTimeout:        5 * time.Second,
	}
}

// Load reads defaults, then the YAML file named by FLEET_CONFIG, then
// environment overrides.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("FLEET_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.DatabaseURL))
	cfg.SQLitePath = getenvDefault("SQLITE_PATH", cfg.SQLitePath)
	cfg.SQLitePoolSize = getenvIntDefault("SQLITE_POOL_SIZE", cfg.SQLitePoolSize)
	cfg.TelemetryTable = getenvDefault("TELEMETRY_TABLE", cfg.TelemetryTable)
	cfg.RetentionMaxAge = getenvDuration("RETENTION_MAX_AGE", cfg.RetentionMaxAge)
	cfg.RetentionInterval = getenvDuration("RETENTION_INTERVAL", cfg.RetentionInterval)
	cfg.StatisticsInterval = getenvDuration("STATISTICS_INTERVAL", cfg.StatisticsInterval)
	cfg.HistoryDefaultHours = getenvFloatDefault("HISTORY_DEFAULT_HOURS", cfg.HistoryDefaultHours)
	cfg.StorePauseBackoff = getenvDuration("STORE_PAUSE_BACKOFF", cfg.StorePauseBackoff)
	cfg.SessionBuffer = getenvIntDefault("SESSION_BUFFER", cfg.SessionBuffer)
	cfg.WriteTimeout = getenvDuration("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.ReadLimitBytes = int64(getenvIntDefault("READ_LIMIT_BYTES", int(cfg.ReadLimitBytes)))
	cfg.FleetGroup = getenvDefault("FLEET_GROUP", cfg.FleetGroup)
	if origins := splitCSV(os.Getenv("ALLOWED_ORIGINS")); len(origins) > 0 {
		cfg.AllowedOrigins = origins
	}
	cfg.AlertWebhookURL = getenvDefault("ALERT_WEBHOOK_URL", cfg.AlertWebhookURL)
	cfg.AlertWebhookToken = getenvDefault("ALERT_WEBHOOK_TOKEN", cfg.AlertWebhookToken)
	cfg.AlertTemplate = getenvDefault("ALERT_TEMPLATE", cfg.AlertTemplate)
	cfg.AlertEscalation = getenvDuration("ALERT_ESCALATION_AFTER", cfg.AlertEscalation)
	cfg.AlertCooldown = getenvDuration("ALERT_NOTIFY_COOLDOWN", cfg.AlertCooldown)
	cfg.AlertDedupeWindow = getenvDuration("ALERT_NOTIFY_DEDUP_WINDOW", cfg.AlertDedupeWindow)
	cfg.AlertTimeout = getenvDuration("ALERT_NOTIFY_TIMEOUT", cfg.AlertTimeout)
	cfg.AlertReportBaseURL = getenvDefault("ALERT_REPORT_BASE_URL", cfg.AlertReportBaseURL)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports the first invalid key.
func (c Config) Validate() error {
	switch {
	case c.HTTPAddr == "":
		return fmt.Errorf("config: HTTP_ADDR required")
	case c.TelemetryTable == "":
		return fmt.Errorf("config: TELEMETRY_TABLE required")
	case c.SQLitePoolSize <= 0:
		return fmt.Errorf("config: SQLITE_POOL_SIZE must be positive")
	case c.RetentionMaxAge < 0:
		return fmt.Errorf("config: RETENTION_MAX_AGE must not be negative")
	case c.RetentionInterval <= 0:
		return fmt.Errorf("config: RETENTION_INTERVAL must be positive")
	case c.StatisticsInterval <= 0:
		return fmt.Errorf("config: STATISTICS_INTERVAL must be positive")
	case c.HistoryDefaultHours <= 0 || math.IsNaN(c.HistoryDefaultHours) || math.IsInf(c.HistoryDefaultHours, 0):
		return fmt.Errorf("config: HISTORY_DEFAULT_HOURS must be a positive number")
	case c.StorePauseBackoff < 0:
		return fmt.Errorf("config: STORE_PAUSE_BACKOFF must not be negative")
	case c.SessionBuffer <= 0:
		return fmt.Errorf("config: SESSION_BUFFER must be positive")
	case c.WriteTimeout <= 0:
		return fmt.Errorf("config: WRITE_TIMEOUT must be positive")
	case c.ReadLimitBytes <= 0:
		return fmt.Errorf("config: READ_LIMIT_BYTES must be positive")
	case c.FleetGroup == "" || strings.HasPrefix(c.FleetGroup, "robot:"):
		return fmt.Errorf("config: FLEET_GROUP must be set and must not use the robot: prefix")
	case c.AlertEscalation < 0 || c.AlertCooldown < 0 || c.AlertDedupeWindow < 0:
		return fmt.Errorf("config: ALERT_* durations must not be negative")
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

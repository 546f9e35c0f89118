package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for our application
type Config struct {
	Port                      string `mapstructure:"PORT"`
	Origin                    string `mapstructure:"ORIGIN"`
	Environment               string `mapstructure:"ENV"`
	JWTSecret                 string `mapstructure:"JWT_SECRET"`
	JWTRefreshSecret          string `mapstructure:"JWT_REFRESH_SECRET"`
	JWTExpirationMinutes      int    `mapstructure:"JWT_EXPIRATION_MINUTES"`
	JWTRefreshExpirationHours int    `mapstructure:"JWT_REFRESH_EXPIRATION_HOURS"`
	Timezone                  string `mapstructure:"TIMEZONE"`
	PhoneRegion               string `mapstructure:"PHONE_DEFAULT_REGION"`

	Database  DatabaseConfig  `mapstructure:",squash"`
	Cache     CacheConfig     `mapstructure:",squash"`
	Log       LogConfig       `mapstructure:",squash"`
	Adherence AdherenceConfig `mapstructure:",squash"`
	Reminder  ReminderConfig  `mapstructure:",squash"`
	Seed      SeedConfig      `mapstructure:",squash"`
}

// DatabaseConfig holds database connection details. URL, when set, is used
// verbatim instead of the individual parts.
type DatabaseConfig struct {
	Driver   string `mapstructure:"DB_DRIVER"`
	Host     string `mapstructure:"DB_HOST"`
	Port     string `mapstructure:"DB_PORT"`
	Username string `mapstructure:"DB_USERNAME"`
	Password string `mapstructure:"DB_PASSWORD"`
	Name     string `mapstructure:"DB_NAME"`
	URL      string `mapstructure:"DATABASE_URL"`
}

// DSN builds the driver specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	if d.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
			d.Host, d.Port, d.Username, d.Password, d.Name)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.Username, d.Password, d.Host, d.Port, d.Name)
}

// CacheConfig selects the analytics cache. An empty RedisURL keeps it in memory.
type CacheConfig struct {
	RedisURL string        `mapstructure:"REDIS_URL"`
	TTL      time.Duration `mapstructure:"CACHE_TTL"`
}

type LogConfig struct {
	Level      string `mapstructure:"LOG_LEVEL"`
	Format     string `mapstructure:"LOG_FORMAT"`
	File       string `mapstructure:"LOG_FILE"`
	MaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	MaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	MaxAgeDays int    `mapstructure:"LOG_MAX_AGE_DAYS"`
}

type AdherenceConfig struct {
	OnTimeToleranceMinutes int `mapstructure:"ADHERENCE_ON_TIME_TOLERANCE_MINUTES"`
}

func (a AdherenceConfig) Tolerance() time.Duration {
	return time.Duration(a.OnTimeToleranceMinutes) * time.Minute
}

type ReminderConfig struct {
	DefaultDaysAhead  int           `mapstructure:"REMINDER_DEFAULT_DAYS_AHEAD"`
	MaxDaysAhead      int           `mapstructure:"REMINDER_MAX_DAYS_AHEAD"`
	DispatchInterval  time.Duration `mapstructure:"REMINDER_DISPATCH_INTERVAL"`
	DeliveryTimeout   time.Duration `mapstructure:"REMINDER_DELIVERY_TIMEOUT"`
	DispatchBatchSize int           `mapstructure:"REMINDER_DISPATCH_BATCH_SIZE"`
}

// SeedConfig names the admin account created by the seed command.
type SeedConfig struct {
	AdminEmail    string `mapstructure:"SEED_ADMIN_EMAIL"`
	AdminPassword string `mapstructure:"SEED_ADMIN_PASSWORD"`
}

var defaults = map[string]any{
	"PORT":                                "3001",
	"ORIGIN":                              "http://localhost:4200",
	"ENV":                                 "development",
	"JWT_SECRET":                          "default_jwt_secret",
	"JWT_REFRESH_SECRET":                  "default_refresh_secret",
	"JWT_EXPIRATION_MINUTES":              15,
	"JWT_REFRESH_EXPIRATION_HOURS":        168,
	"TIMEZONE":                            "UTC",
	"PHONE_DEFAULT_REGION":                "US",
	"DB_DRIVER":                           "mysql",
	"DB_HOST":                             "localhost",
	"DB_PORT":                             "3306",
	"DB_USERNAME":                         "root",
	"DB_PASSWORD":                         "",
	"DB_NAME":                             "meditrack",
	"DATABASE_URL":                        "",
	"REDIS_URL":                           "",
	"CACHE_TTL":                           "5m",
	"LOG_LEVEL":                           "info",
	"LOG_FORMAT":                          "json",
	"LOG_FILE":                            "",
	"LOG_MAX_SIZE_MB":                     100,
	"LOG_MAX_BACKUPS":                     5,
	"LOG_MAX_AGE_DAYS":                    30,
	"ADHERENCE_ON_TIME_TOLERANCE_MINUTES": 30,
	"REMINDER_DEFAULT_DAYS_AHEAD":         2,
	"REMINDER_MAX_DAYS_AHEAD":             30,
	"REMINDER_DISPATCH_INTERVAL":          "1m",
	"REMINDER_DELIVERY_TIMEOUT":           "30m",
	"REMINDER_DISPATCH_BATCH_SIZE":        200,
	"SEED_ADMIN_EMAIL":                    "",
	"SEED_ADMIN_PASSWORD":                 "",
}

// LoadConfig reads configuration from the environment, falling back to the
// defaults above.
func LoadConfig() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Location resolves Timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if !slices.Contains([]string{"mysql", "postgres"}, c.Database.Driver) {
		return fmt.Errorf("DB_DRIVER must be \"mysql\" or \"postgres\", got %q", c.Database.Driver)
	}
	if c.IsProduction() && (c.JWTSecret == defaults["JWT_SECRET"] || c.JWTRefreshSecret == defaults["JWT_REFRESH_SECRET"]) {
		return fmt.Errorf("JWT_SECRET and JWT_REFRESH_SECRET must be set in production")
	}
	if c.JWTExpirationMinutes <= 0 || c.JWTRefreshExpirationHours <= 0 {
		return fmt.Errorf("JWT expirations must be positive")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	if !slices.Contains([]string{"json", "console"}, c.Log.Format) {
		return fmt.Errorf("LOG_FORMAT must be \"json\" or \"console\", got %q", c.Log.Format)
	}
	if c.Adherence.OnTimeToleranceMinutes < 0 {
		return fmt.Errorf("ADHERENCE_ON_TIME_TOLERANCE_MINUTES must not be negative")
	}
	r := c.Reminder
	if r.MaxDaysAhead < 1 {
		return fmt.Errorf("REMINDER_MAX_DAYS_AHEAD must be at least 1")
	}
	if r.DefaultDaysAhead < 1 || r.DefaultDaysAhead > r.MaxDaysAhead {
		return fmt.Errorf("REMINDER_DEFAULT_DAYS_AHEAD must be between 1 and %d", r.MaxDaysAhead)
	}
	if r.DispatchInterval <= 0 || r.DeliveryTimeout <= 0 {
		return fmt.Errorf("REMINDER_DISPATCH_INTERVAL and REMINDER_DELIVERY_TIMEOUT must be positive")
	}
	if (c.Seed.AdminEmail == "") != (c.Seed.AdminPassword == "") {
		return fmt.Errorf("SEED_ADMIN_EMAIL and SEED_ADMIN_PASSWORD must be set together")
	}
	return nil
}

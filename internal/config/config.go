package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant  string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	// Refresh orchestration
	BatchSize       int           `mapstructure:"BATCH_SIZE"`
	PatientTimeout  time.Duration `mapstructure:"PATIENT_TIMEOUT"`
	BatchBudget     time.Duration `mapstructure:"BATCH_BUDGET"`
	RefreshWorkers  int           `mapstructure:"REFRESH_WORKERS"`
	RefreshInterval time.Duration `mapstructure:"REFRESH_INTERVAL"`

	// Default screening settings, used until settings are saved.
	DueSoonDays          int  `mapstructure:"DUE_SOON_DAYS"`
	UseLastAppointment   bool `mapstructure:"USE_LAST_APPOINTMENT"`
	CutoffGeneralMonths  int  `mapstructure:"CUTOFF_GENERAL_MONTHS"`
	CutoffLabsMonths     int  `mapstructure:"CUTOFF_LABS_MONTHS"`
	CutoffImagingMonths  int  `mapstructure:"CUTOFF_IMAGING_MONTHS"`
	CutoffConsultsMonths int  `mapstructure:"CUTOFF_CONSULTS_MONTHS"`
	CutoffHospitalMonths int  `mapstructure:"CUTOFF_HOSPITAL_MONTHS"`

	CacheListTTL   time.Duration `mapstructure:"CACHE_LIST_TTL"`
	CacheDetailTTL time.Duration `mapstructure:"CACHE_DETAIL_TTL"`
	LockTTL        time.Duration `mapstructure:"LOCK_TTL"`

	OTelEnabled      bool    `mapstructure:"OTEL_ENABLED"`
	OTelEndpoint     string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelSamplerRatio float64 `mapstructure:"OTEL_SAMPLER_RATIO"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"DEFAULT_TENANT", "CORS_ORIGINS",
	"BATCH_SIZE", "PATIENT_TIMEOUT", "BATCH_BUDGET", "REFRESH_WORKERS", "REFRESH_INTERVAL",
	"DUE_SOON_DAYS", "USE_LAST_APPOINTMENT",
	"CUTOFF_GENERAL_MONTHS", "CUTOFF_LABS_MONTHS", "CUTOFF_IMAGING_MONTHS",
	"CUTOFF_CONSULTS_MONTHS", "CUTOFF_HOSPITAL_MONTHS",
	"CACHE_LIST_TTL", "CACHE_DETAIL_TTL", "LOCK_TTL",
	"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SAMPLER_RATIO",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BATCH_SIZE", 25)
	v.SetDefault("PATIENT_TIMEOUT", "10s")
	v.SetDefault("BATCH_BUDGET", "300s")
	v.SetDefault("REFRESH_WORKERS", 1)
	v.SetDefault("REFRESH_INTERVAL", "0s") // 0 disables the periodic refresh
	v.SetDefault("DUE_SOON_DAYS", 30)
	v.SetDefault("USE_LAST_APPOINTMENT", false)
	v.SetDefault("CACHE_LIST_TTL", "5m")
	v.SetDefault("CACHE_DETAIL_TTL", "10m")
	v.SetDefault("LOCK_TTL", "30s")
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SAMPLER_RATIO", 0.1)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// CutoffMonths returns the configured per-category cutoffs keyed by the
// category names the screening engine uses. Zero values are omitted.
func (c *Config) CutoffMonths() map[string]int {
	out := make(map[string]int)
	for cat, m := range map[string]int{
		"general":  c.CutoffGeneralMonths,
		"labs":     c.CutoffLabsMonths,
		"imaging":  c.CutoffImagingMonths,
		"consults": c.CutoffConsultsMonths,
		"hospital": c.CutoffHospitalMonths,
	} {
		if m > 0 {
			out[cat] = m
		}
	}
	return out
}

// Validate checks that the configuration is safe to run. Outside
// development a token source (issuer or signing key) must be configured so
// that real JWT authentication is enforced.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q. "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1, got %d", c.BatchSize)
	}
	if c.RefreshWorkers < 1 {
		return fmt.Errorf("REFRESH_WORKERS must be at least 1, got %d", c.RefreshWorkers)
	}
	if c.PatientTimeout <= 0 {
		return fmt.Errorf("PATIENT_TIMEOUT must be positive, got %s", c.PatientTimeout)
	}
	if c.BatchBudget <= 0 {
		return fmt.Errorf("BATCH_BUDGET must be positive, got %s", c.BatchBudget)
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("REFRESH_INTERVAL must not be negative, got %s", c.RefreshInterval)
	}
	if c.DueSoonDays < 0 {
		return fmt.Errorf("DUE_SOON_DAYS must not be negative, got %d", c.DueSoonDays)
	}
	for cat, m := range map[string]int{
		"CUTOFF_GENERAL_MONTHS":  c.CutoffGeneralMonths,
		"CUTOFF_LABS_MONTHS":     c.CutoffLabsMonths,
		"CUTOFF_IMAGING_MONTHS":  c.CutoffImagingMonths,
		"CUTOFF_CONSULTS_MONTHS": c.CutoffConsultsMonths,
		"CUTOFF_HOSPITAL_MONTHS": c.CutoffHospitalMonths,
	} {
		if m < 0 {
			return fmt.Errorf("%s must not be negative, got %d", cat, m)
		}
	}
	if c.OTelSamplerRatio < 0 || c.OTelSamplerRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLER_RATIO must be within [0, 1], got %v", c.OTelSamplerRatio)
	}
	return nil
}

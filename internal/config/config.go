package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	AccessionPrefix  string        `mapstructure:"ACCESSION_PREFIX"`
	AccessionTimeout time.Duration `mapstructure:"ACCESSION_TIMEOUT"`
	FinalizeTimeout  time.Duration `mapstructure:"FINALIZE_TIMEOUT"`
	HospitalTimezone string        `mapstructure:"HOSPITAL_TIMEZONE"`

	ConfirmSecret string        `mapstructure:"CONFIRM_SECRET"`
	ConfirmTTL    time.Duration `mapstructure:"CONFIRM_TTL"`

	S3Bucket          string `mapstructure:"S3_BUCKET"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`

	DistributionWebhookURLs   []string `mapstructure:"DISTRIBUTION_WEBHOOK_URLS"`
	DistributionWebhookSecret string   `mapstructure:"DISTRIBUTION_WEBHOOK_SECRET"`

	EventWorkers     int `mapstructure:"EVENT_WORKERS"`
	EventBuffer      int `mapstructure:"EVENT_BUFFER"`
	AuditRetryQueue  int `mapstructure:"AUDIT_RETRY_QUEUE"`
	AuditMaxAttempts int `mapstructure:"AUDIT_MAX_ATTEMPTS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"DEFAULT_TENANT", "CORS_ORIGINS", "REQUEST_TIMEOUT",
	"ACCESSION_PREFIX", "ACCESSION_TIMEOUT", "FINALIZE_TIMEOUT", "HOSPITAL_TIMEZONE",
	"CONFIRM_SECRET", "CONFIRM_TTL",
	"S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY",
	"DISTRIBUTION_WEBHOOK_URLS", "DISTRIBUTION_WEBHOOK_SECRET",
	"EVENT_WORKERS", "EVENT_BUFFER", "AUDIT_RETRY_QUEUE", "AUDIT_MAX_ATTEMPTS",
}

// loadEnvFiles loads .env, then .env.<ENV>, then .env.local. Missing files
// are skipped; later files override earlier ones but never real environment
// variables set before the process started.
func loadEnvFiles() error {
	preset := make(map[string]bool)
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		preset[k] = true
	}

	files := []string{".env"}
	if env := os.Getenv("ENV"); env != "" {
		files = append(files, ".env."+env)
	}
	files = append(files, ".env.local")

	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		vals, err := godotenv.Read(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}
		for k, v := range vals {
			if preset[k] {
				continue
			}
			os.Setenv(k, v)
		}
	}
	return nil
}

func Load() (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("ACCESSION_PREFIX", "ACC")
	v.SetDefault("ACCESSION_TIMEOUT", "3s")
	v.SetDefault("FINALIZE_TIMEOUT", "5s")
	v.SetDefault("HOSPITAL_TIMEZONE", "UTC")
	v.SetDefault("CONFIRM_TTL", "2m")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("EVENT_WORKERS", 4)
	v.SetDefault("EVENT_BUFFER", 256)
	v.SetDefault("AUDIT_RETRY_QUEUE", 1024)
	v.SetDefault("AUDIT_MAX_ATTEMPTS", 8)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.DistributionWebhookURLs = splitList(cfg.DistributionWebhookURLs, v.GetString("DISTRIBUTION_WEBHOOK_URLS"))
	cfg.AccessionPrefix = strings.ToUpper(strings.TrimSpace(cfg.AccessionPrefix))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); every request is treated as an admin.")
	}

	return cfg, nil
}

func splitList(parsed []string, raw string) []string {
	if len(parsed) == 1 && strings.Contains(parsed[0], ",") {
		raw = parsed[0]
		parsed = nil
	}
	if len(parsed) > 0 {
		return parsed
	}
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location returns the hospital time zone used for accession date buckets.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.HospitalTimezone)
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.IsProduction() && len(c.ConfirmSecret) < 32 {
		return fmt.Errorf("CONFIRM_SECRET must be at least 32 characters in production")
	}
	if c.AccessionTimeout <= 0 {
		return fmt.Errorf("ACCESSION_TIMEOUT must be positive")
	}
	if c.FinalizeTimeout <= 0 {
		return fmt.Errorf("FINALIZE_TIMEOUT must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("HOSPITAL_TIMEZONE %q: %w", c.HospitalTimezone, err)
	}
	if len(c.DistributionWebhookURLs) > 0 && c.DistributionWebhookSecret == "" {
		return fmt.Errorf("DISTRIBUTION_WEBHOOK_SECRET is required when DISTRIBUTION_WEBHOOK_URLS is set")
	}
	return nil
}

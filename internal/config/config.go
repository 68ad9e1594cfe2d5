// Package config loads service configuration from defaults, an optional YAML
// file and YAUD_* environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yaud.dev/internal/auth"
)

// Config is read-only after Load returns.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Mail     MailConfig     `yaml:"mail"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	RateLimitRPS    int           `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

type AuthConfig struct {
	SessionTTL   time.Duration  `yaml:"session_ttl"`
	RefreshTTL   time.Duration  `yaml:"refresh_ttl"`
	CookieDomain string         `yaml:"cookie_domain"`
	TOTPIssuer   string         `yaml:"totp_issuer"`
	AdminMail    string         `yaml:"admin_mail"`
	KDF          auth.KDFParams `yaml:"kdf"`
}

type MailConfig struct {
	PostmarkToken    string        `yaml:"postmark_token"`
	PostmarkEndpoint string        `yaml:"postmark_endpoint"`
	From             string        `yaml:"from"`
	WebhookURL       string        `yaml:"webhook_url"`
	WebhookSecret    string        `yaml:"webhook_secret"`
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	BatchSize        int           `yaml:"batch_size"`
	// MaxAttempts bounds deliveries per mail before it is marked failed.
	MaxAttempts int `yaml:"max_attempts"`
	// ClaimLease is how long a claimed mail may sit in processing before
	// the next dispatch run takes it back.
	ClaimLease time.Duration `yaml:"claim_lease"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
			RateLimitRPS:    10,
			RateLimitBurst:  20,
		},
		GRPC: GRPCConfig{Addr: ":9090"},
		Auth: AuthConfig{
			SessionTTL: auth.DefaultSessionTTL,
			RefreshTTL: auth.DefaultRefreshTTL,
			TOTPIssuer: "yaud",
			KDF:        auth.DefaultKDFParams,
		},
		Mail: MailConfig{
			From:             "noreply@yaud.dev",
			DispatchInterval: 5 * time.Second,
			BatchSize:        10,
			MaxAttempts:      5,
			ClaimLease:       2 * time.Minute,
		},
	}
}

// Load applies the YAML file at path (skipped when empty) and environment
// overrides on top of the defaults, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("YAUD_HTTP_ADDR", &cfg.HTTP.Addr)
	str("YAUD_GRPC_ADDR", &cfg.GRPC.Addr)
	num("YAUD_RATE_LIMIT_RPS", &cfg.HTTP.RateLimitRPS)
	num("YAUD_RATE_LIMIT_BURST", &cfg.HTTP.RateLimitBurst)
	if v := strings.TrimSpace(os.Getenv("YAUD_ALLOWED_ORIGINS")); v != "" {
		cfg.HTTP.AllowedOrigins = strings.Split(v, ",")
	}

	str("YAUD_PG_DSN", &cfg.Database.DSN)
	if v := strings.TrimSpace(os.Getenv("YAUD_AUTO_MIGRATE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("YAUD_AUTO_MIGRATE: %w", err))
		} else {
			cfg.Database.AutoMigrate = b
		}
	}

	dur("YAUD_SESSION_TTL", &cfg.Auth.SessionTTL)
	dur("YAUD_REFRESH_TTL", &cfg.Auth.RefreshTTL)
	str("YAUD_COOKIE_DOMAIN", &cfg.Auth.CookieDomain)
	str("YAUD_TOTP_ISSUER", &cfg.Auth.TOTPIssuer)
	str("YAUD_ADMIN_MAIL", &cfg.Auth.AdminMail)

	str("YAUD_POSTMARK_TOKEN", &cfg.Mail.PostmarkToken)
	str("YAUD_MAIL_FROM", &cfg.Mail.From)
	str("YAUD_WEBHOOK_URL", &cfg.Mail.WebhookURL)
	str("YAUD_WEBHOOK_SECRET", &cfg.Mail.WebhookSecret)
	dur("YAUD_DISPATCH_INTERVAL", &cfg.Mail.DispatchInterval)
	num("YAUD_MAIL_MAX_ATTEMPTS", &cfg.Mail.MaxAttempts)
	dur("YAUD_MAIL_CLAIM_LEASE", &cfg.Mail.ClaimLease)

	return errors.Join(errs...)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.Auth.SessionTTL <= 0 || c.Auth.RefreshTTL < c.Auth.SessionTTL {
		return fmt.Errorf("auth: refresh_ttl (%s) must be >= session_ttl (%s) > 0", c.Auth.RefreshTTL, c.Auth.SessionTTL)
	}
	if c.Auth.KDF.Time == 0 || c.Auth.KDF.Threads == 0 || c.Auth.KDF.Memory == 0 {
		return errors.New("auth.kdf: memory, time and threads must be positive")
	}
	if c.HTTP.RateLimitRPS < 0 || c.HTTP.RateLimitBurst < 0 {
		return errors.New("http: rate limit values must not be negative")
	}
	if (c.Mail.WebhookURL == "") != (c.Mail.WebhookSecret == "") {
		return errors.New("mail: webhook_url and webhook_secret must be set together")
	}
	if c.Mail.MaxAttempts < 1 {
		return errors.New("mail.max_attempts must be at least 1")
	}
	if c.Mail.ClaimLease < 0 {
		return errors.New("mail.claim_lease must not be negative")
	}
	return nil
}

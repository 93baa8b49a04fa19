// Package config loads the process configuration from the environment.
// cmd/server calls godotenv first so a local .env file behaves like a
// deployed environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full server configuration. SECRET_KEY has no default:
// boot fails without it so presigned URLs and JWTs are never signed
// with an empty key.
type Config struct {
	Port        string
	SecretKey   string
	DatabaseURL string
	StorageDir  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PresignDefaultTTL time.Duration
	PresignClockSkew  time.Duration

	CostPerJob int64

	JobWorkers int

	MaxUploadBytes     int64
	AllowedUploadTypes []string

	AccessTokenTTL time.Duration

	SMTP SMTPConfig
}

// SMTPConfig carries mail relay settings. Empty Host selects the log
// mailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Load reads configuration from the environment and applies defaults.
func Load() (*Config, error) {
	secret := os.Getenv("SECRET_KEY")
	if secret == "" {
		return nil, fmt.Errorf("SECRET_KEY must be set")
	}

	cfg := &Config{
		Port:        envOr("PORT", "8080"),
		SecretKey:   secret,
		DatabaseURL: os.Getenv("DB_URL"),
		StorageDir:  envOr("STORAGE_DIR", "storage"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		PresignDefaultTTL: time.Duration(envInt("PRESIGN_DEFAULT_TTL_SECONDS", 900)) * time.Second,
		PresignClockSkew:  time.Duration(envInt("PRESIGN_CLOCK_SKEW_SECONDS", 30)) * time.Second,

		CostPerJob: int64(envInt("COST_PER_JOB", 400)),
		JobWorkers: envInt("JOB_WORKERS", 4),

		MaxUploadBytes:     int64(envInt("MAX_UPLOAD_MB", 100)) * 1024 * 1024,
		AllowedUploadTypes: splitList(envOr("ALLOWED_UPLOAD_TYPES", "IFC,DWG,DXF,PDF")),

		AccessTokenTTL: time.Duration(envInt("ACCESS_TOKEN_TTL_MINUTES", 60*24)) * time.Minute,

		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     envInt("SMTP_PORT", 587),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     envOr("SMTP_FROM", "noreply@skybuild.local"),
		},
	}

	if cfg.CostPerJob < 0 {
		return nil, fmt.Errorf("COST_PER_JOB must be non-negative")
	}
	if cfg.JobWorkers < 1 {
		cfg.JobWorkers = 1
	}
	return cfg, nil
}

// TypeAllowed reports whether ftype is an accepted upload type.
func (c *Config) TypeAllowed(ftype string) bool {
	for _, t := range c.AllowedUploadTypes {
		if strings.EqualFold(t, ftype) {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}

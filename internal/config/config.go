// Package config loads server configuration from, in increasing precedence:
// built-in defaults, an optional aegis.yaml in the data directory, a .env
// file, and AEGIS_* environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	defaultDataDir = "/var/lib/aegis"
	jwtSecretFile  = "jwt.secret"
)

// RuleSetting overrides one correlation rule. Zero values keep the rule's
// built-in defaults.
type RuleSetting struct {
	Enabled   *bool  `yaml:"enabled"`
	Threshold int    `yaml:"threshold"`
	Severity  string `yaml:"severity"`
}

// Config holds all server settings.
type Config struct {
	// Server
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	DataDir     string `yaml:"data_dir"`

	// Database
	DatabaseURL string `yaml:"database_url"`

	// Auth
	JWTSecret                string `yaml:"jwt_secret"`
	JWTAlgorithm             string `yaml:"jwt_algorithm"`
	AccessTokenExpireMinutes int    `yaml:"access_token_expire_minutes"`
	InvitationTTLHours       int    `yaml:"invitation_ttl_hours"`

	// HTTPS/TLS
	HTTPSEnabled   bool   `yaml:"https_enabled"`
	TLSCertFile    string `yaml:"tls_cert_file"`
	TLSKeyFile     string `yaml:"tls_key_file"`
	AllowedOrigins string `yaml:"allowed_origins"`

	// Background loops
	AnalysisIntervalSeconds    int    `yaml:"analysis_interval_seconds"`
	LookbackMinutes            int    `yaml:"lookback_minutes"`
	AggregationIntervalSeconds int    `yaml:"aggregation_interval_seconds"`
	AggregationLookbackMinutes int    `yaml:"aggregation_lookback_minutes"`
	MLIntervalMinutes          int    `yaml:"ml_interval_minutes"`
	MLArtifactPath             string `yaml:"ml_artifact_path"`
	StatusRefreshSeconds       int    `yaml:"status_refresh_seconds"`
	OfflineAfterSeconds        int    `yaml:"offline_after_seconds"`
	RetentionDays              int    `yaml:"retention_days"`
	RetentionHour              int    `yaml:"retention_hour"`

	// Correlation rule overrides keyed by rule name.
	Rules map[string]RuleSetting `yaml:"rules"`

	// Logging
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogFile     string `yaml:"log_file"`
	LogMaxSize  int    `yaml:"log_max_size"`
	LogMaxAge   int    `yaml:"log_max_age"`
	LogCompress bool   `yaml:"log_compress"`
}

// Defaults returns the built-in configuration rooted at dataDir.
func Defaults(dataDir string) *Config {
	return &Config{
		Host:        "0.0.0.0",
		Port:        8443,
		MetricsPort: 9091,
		DataDir:     dataDir,

		JWTAlgorithm:             "HS256",
		AccessTokenExpireMinutes: 30,
		InvitationTTLHours:       24,

		AnalysisIntervalSeconds:    60,
		LookbackMinutes:            5,
		AggregationIntervalSeconds: 120,
		AggregationLookbackMinutes: 60,
		MLIntervalMinutes:          10,
		MLArtifactPath:             filepath.Join(dataDir, "model.json"),
		StatusRefreshSeconds:       30,
		OfflineAfterSeconds:        90,
		RetentionDays:              180,
		RetentionHour:              3,

		LogLevel:    "info",
		LogFormat:   "auto",
		LogMaxSize:  100,
		LogMaxAge:   30,
		LogCompress: true,
	}
}

// Load builds the effective configuration.
func Load() (*Config, error) {
	dataDir := os.Getenv("AEGIS_DATA_DIR")
	if dataDir == "" {
		dataDir = defaultDataDir
	}

	// .env next to the data, then the working directory for development.
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded .env from working directory")
	}

	// The .env may redirect the data dir; resolve before defaults.
	if dir := os.Getenv("AEGIS_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	cfg := Defaults(dataDir)

	yamlPath := os.Getenv("AEGIS_CONFIG")
	if yamlPath == "" {
		yamlPath = filepath.Join(dataDir, "aegis.yaml")
	}
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", yamlPath, err)
		}
		log.Info().Str("file", yamlPath).Msg("Loaded configuration file")
	}

	cfg.applyEnv()

	if err := cfg.ensureJWTSecret(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets AEGIS_* variables override everything else.
func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				log.Warn().Str("var", key).Str("value", v).Msg("Ignoring non-integer environment override")
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	setString("AEGIS_HOST", &c.Host)
	setInt("AEGIS_PORT", &c.Port)
	setInt("AEGIS_METRICS_PORT", &c.MetricsPort)

	setString("AEGIS_DATABASE_URL", &c.DatabaseURL)
	if c.DatabaseURL == "" {
		setString("DATABASE_URL", &c.DatabaseURL)
	}

	setString("AEGIS_JWT_SECRET", &c.JWTSecret)
	setString("AEGIS_JWT_ALGORITHM", &c.JWTAlgorithm)
	setInt("AEGIS_ACCESS_TOKEN_EXPIRE_MINUTES", &c.AccessTokenExpireMinutes)
	setInt("AEGIS_INVITATION_TTL_HOURS", &c.InvitationTTLHours)

	setBool("AEGIS_HTTPS_ENABLED", &c.HTTPSEnabled)
	setString("AEGIS_TLS_CERT_FILE", &c.TLSCertFile)
	setString("AEGIS_TLS_KEY_FILE", &c.TLSKeyFile)
	setString("AEGIS_ALLOWED_ORIGINS", &c.AllowedOrigins)

	setInt("AEGIS_ANALYSIS_INTERVAL_SECONDS", &c.AnalysisIntervalSeconds)
	setInt("AEGIS_LOOKBACK_MINUTES", &c.LookbackMinutes)
	setInt("AEGIS_AGGREGATION_INTERVAL_SECONDS", &c.AggregationIntervalSeconds)
	setInt("AEGIS_AGGREGATION_LOOKBACK_MINUTES", &c.AggregationLookbackMinutes)
	setInt("AEGIS_ML_INTERVAL_MINUTES", &c.MLIntervalMinutes)
	setString("AEGIS_ML_ARTIFACT_PATH", &c.MLArtifactPath)
	setInt("AEGIS_STATUS_REFRESH_SECONDS", &c.StatusRefreshSeconds)
	setInt("AEGIS_OFFLINE_AFTER_SECONDS", &c.OfflineAfterSeconds)
	setInt("AEGIS_RETENTION_DAYS", &c.RetentionDays)
	setInt("AEGIS_RETENTION_HOUR", &c.RetentionHour)

	setString("AEGIS_LOG_LEVEL", &c.LogLevel)
	setString("AEGIS_LOG_FORMAT", &c.LogFormat)
	setString("AEGIS_LOG_FILE", &c.LogFile)
	setInt("AEGIS_LOG_MAX_SIZE", &c.LogMaxSize)
	setInt("AEGIS_LOG_MAX_AGE", &c.LogMaxAge)
	setBool("AEGIS_LOG_COMPRESS", &c.LogCompress)
}

// ensureJWTSecret generates and persists a secret on first boot so restarts
// do not invalidate issued tokens.
func (c *Config) ensureJWTSecret() error {
	if c.JWTSecret != "" {
		return nil
	}

	path := filepath.Join(c.DataDir, jwtSecretFile)
	if data, err := os.ReadFile(path); err == nil {
		c.JWTSecret = strings.TrimSpace(string(data))
		if c.JWTSecret != "" {
			return nil
		}
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return fmt.Errorf("generate jwt secret: %w", err)
	}
	secret := hex.EncodeToString(raw)

	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return fmt.Errorf("persist jwt secret: %w", err)
	}

	log.Info().Str("file", path).Msg("Generated new JWT signing secret")
	c.JWTSecret = secret
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (set AEGIS_DATABASE_URL)")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.JWTAlgorithm != "HS256" {
		return fmt.Errorf("unsupported jwt_algorithm %q (only HS256)", c.JWTAlgorithm)
	}
	if c.AccessTokenExpireMinutes <= 0 {
		return fmt.Errorf("access_token_expire_minutes must be positive")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive")
	}
	if c.RetentionHour < 0 || c.RetentionHour > 23 {
		return fmt.Errorf("retention_hour %d out of range", c.RetentionHour)
	}
	if c.HTTPSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("https_enabled requires tls_cert_file and tls_key_file")
	}
	return nil
}

// Duration accessors for the integer-with-unit settings.

func (c *Config) AccessTokenExpiry() time.Duration {
	return time.Duration(c.AccessTokenExpireMinutes) * time.Minute
}

func (c *Config) InvitationTTL() time.Duration {
	return time.Duration(c.InvitationTTLHours) * time.Hour
}

func (c *Config) AnalysisInterval() time.Duration {
	return time.Duration(c.AnalysisIntervalSeconds) * time.Second
}

func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackMinutes) * time.Minute
}

func (c *Config) AggregationInterval() time.Duration {
	return time.Duration(c.AggregationIntervalSeconds) * time.Second
}

func (c *Config) AggregationLookback() time.Duration {
	return time.Duration(c.AggregationLookbackMinutes) * time.Minute
}

func (c *Config) MLInterval() time.Duration {
	return time.Duration(c.MLIntervalMinutes) * time.Minute
}

func (c *Config) StatusRefreshInterval() time.Duration {
	return time.Duration(c.StatusRefreshSeconds) * time.Second
}

func (c *Config) OfflineAfter() time.Duration {
	return time.Duration(c.OfflineAfterSeconds) * time.Second
}

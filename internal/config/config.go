// Package config loads the orchestrator's YAML configuration file,
// applying environment variable overrides and validating required fields
// before the process goes any further.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default file Load reads when no path is given.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML, with every field
// overridable by an environment variable.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	DBMaxOpenConns int `yaml:"dbMaxOpenConns"`
	DBMaxIdleConns int `yaml:"dbMaxIdleConns"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	AMQPURL string `yaml:"amqpURL"`

	CredentialMasterKey string `yaml:"credentialMasterKey"`

	ServiceTokenPrivateKeyPath string `yaml:"serviceTokenPrivateKeyPath"`
	ServiceTokenIssuer         string `yaml:"serviceTokenIssuer"`

	CaptchaBaseURL string `yaml:"captchaBaseURL"`
	CaptchaAPIKey  string `yaml:"captchaApiKey"`

	MailIMAPAddr     string `yaml:"mailImapAddr"`
	MailIMAPUsername string `yaml:"mailImapUsername"`
	MailIMAPPassword string `yaml:"mailImapPassword"`
	MailIMAPMailbox  string `yaml:"mailImapMailbox"`

	SMSAccessKeyID     string `yaml:"smsAccessKeyId"`
	SMSAccessKeySecret string `yaml:"smsAccessKeySecret"`
	SMSEndpoint        string `yaml:"smsEndpoint"`

	SchedulerRateLimitPerMinute    int `yaml:"schedulerRateLimitPerMinute"`
	EventResolveRateLimitPerMinute int `yaml:"eventResolveRateLimitPerMinute"`
}

// Load reads config from path (defaults to ConfigPath), applies
// environment overrides, and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	applyStringOverride(&cfg.Port, "SOVI_PORT")
	applyStringOverride(&cfg.LogLevel, "SOVI_LOG_LEVEL")
	applyStringOverride(&cfg.DatabaseURL, "DATABASE_URL")
	applyStringOverride(&cfg.RedisAddr, "REDIS_ADDR")
	applyStringOverride(&cfg.RedisPassword, "REDIS_PASSWORD")
	applyStringOverride(&cfg.AMQPURL, "AMQP_URL")
	applyStringOverride(&cfg.CredentialMasterKey, "SOVI_CREDENTIAL_MASTER_KEY")
	applyStringOverride(&cfg.ServiceTokenPrivateKeyPath, "SOVI_SERVICE_TOKEN_PRIVATE_KEY_PATH")
	applyStringOverride(&cfg.ServiceTokenIssuer, "SOVI_SERVICE_TOKEN_ISSUER")
	applyStringOverride(&cfg.CaptchaBaseURL, "SOVI_CAPTCHA_BASE_URL")
	applyStringOverride(&cfg.CaptchaAPIKey, "SOVI_CAPTCHA_API_KEY")
	applyStringOverride(&cfg.MailIMAPAddr, "SOVI_MAIL_IMAP_ADDR")
	applyStringOverride(&cfg.MailIMAPUsername, "SOVI_MAIL_IMAP_USERNAME")
	applyStringOverride(&cfg.MailIMAPPassword, "SOVI_MAIL_IMAP_PASSWORD")
	applyStringOverride(&cfg.MailIMAPMailbox, "SOVI_MAIL_IMAP_MAILBOX")
	applyStringOverride(&cfg.SMSAccessKeyID, "SOVI_SMS_ACCESS_KEY_ID")
	applyStringOverride(&cfg.SMSAccessKeySecret, "SOVI_SMS_ACCESS_KEY_SECRET")
	applyStringOverride(&cfg.SMSEndpoint, "SOVI_SMS_ENDPOINT")
	if v := os.Getenv("SOVI_SCHEDULER_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SchedulerRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SOVI_EVENT_RESOLVE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventResolveRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SOVI_DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DBMaxOpenConns = n
		}
	}
	if v := os.Getenv("SOVI_DB_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DBMaxIdleConns = n
		}
	}
	if cfg.DBMaxOpenConns == 0 {
		cfg.DBMaxOpenConns = 10
	}
	if cfg.DBMaxIdleConns == 0 {
		cfg.DBMaxIdleConns = 2
	}

	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyStringOverride(field *string, envVar string) {
	if v := os.Getenv(envVar); v != "" {
		*field = v
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or SOVI_PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required (rate limiting, health alerting, and heartbeats all depend on it)")
	}
	if cfg.CredentialMasterKey == "" {
		return errors.New("config: credentialMasterKey is required (set SOVI_CREDENTIAL_MASTER_KEY); absence is fatal at startup")
	}
	if cfg.ServiceTokenPrivateKeyPath == "" {
		return errors.New("config: serviceTokenPrivateKeyPath is required (set SOVI_SERVICE_TOKEN_PRIVATE_KEY_PATH)")
	}
	if cfg.ServiceTokenIssuer == "" {
		return errors.New("config: serviceTokenIssuer is required (set SOVI_SERVICE_TOKEN_ISSUER)")
	}
	if cfg.SchedulerRateLimitPerMinute < 0 {
		return errors.New("config: schedulerRateLimitPerMinute must be >= 0")
	}
	if cfg.EventResolveRateLimitPerMinute < 0 {
		return errors.New("config: eventResolveRateLimitPerMinute must be >= 0")
	}
	if cfg.DBMaxOpenConns < cfg.DBMaxIdleConns {
		return errors.New("config: dbMaxOpenConns must be >= dbMaxIdleConns")
	}
	// CAPTCHA/mail/SMS credentials are intentionally not validated here:
	// their absence makes account creation skip, never fails startup.
	return nil
}

// CreationCollaboratorsConfigured reports whether every external service
// the creation runner needs is present. Incomplete configuration is not an
// error; it just means account creation will always be skipped.
func (c FileConfig) CreationCollaboratorsConfigured() bool {
	return c.CaptchaBaseURL != "" && c.CaptchaAPIKey != "" &&
		c.MailIMAPAddr != "" && c.MailIMAPUsername != "" && c.MailIMAPPassword != "" &&
		c.SMSAccessKeyID != "" && c.SMSAccessKeySecret != ""
}

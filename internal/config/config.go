package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	SES      SESConfig      `yaml:"ses"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Queue    QueueConfig    `yaml:"queue"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// Transport used by the single-send endpoints: "ses" (API) or "smtp".
	Transport string `yaml:"transport"`
}

// Addr returns host:port for net/http.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// SESConfig holds the SES API credentials and sender identity.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	FromAddress      string `yaml:"from_address"`
	FromName         string `yaml:"from_name"`
	ConfigurationSet string `yaml:"configuration_set"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// HasStaticCredentials reports whether access keys were configured. Without
// them the SDK default credential chain is used.
func (c SESConfig) HasStaticCredentials() bool {
	return c.AccessKey != "" && c.SecretKey != ""
}

// SMTPConfig holds the SES SMTP gateway credentials.
type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c SMTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Enabled reports whether an SMTP host was configured.
func (c SMTPConfig) Enabled() bool { return c.Host != "" }

// DispatchConfig holds the bulk dispatch defaults.
type DispatchConfig struct {
	MaxBatchSize      int    `yaml:"max_batch_size"`
	MaxConcurrency    int    `yaml:"max_concurrency"`
	InterBatchDelayMS int    `yaml:"inter_batch_delay_ms"`
	DefaultTemplate   string `yaml:"default_template"`
}

// InterBatchDelay converts the millisecond setting.
func (c DispatchConfig) InterBatchDelay() time.Duration {
	return time.Duration(c.InterBatchDelayMS) * time.Millisecond
}

// QueueConfig holds the database-driven sender settings.
type QueueConfig struct {
	DatabaseURL         string `yaml:"database_url"`
	ClaimSize           int    `yaml:"claim_size"`
	MaxRetries          int    `yaml:"max_retries"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	TemplateName        string `yaml:"template_name"`
}

func (c QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// RedisConfig holds the Redis connection used for quota limiting and locks.
type RedisConfig struct {
	URL              string `yaml:"url"`
	MaxSendRate      int    `yaml:"max_send_rate"`  // messages per second
	Max24HourSend    int    `yaml:"max_24h_send"`   // messages per rolling day
	RateLimitEnabled bool   `yaml:"rate_limit_enabled"`
}

// StorageConfig selects where dispatch reports are archived.
type StorageConfig struct {
	Type          string `yaml:"type"` // "local" or "aws"
	LocalPath     string `yaml:"local_path"`
	S3Bucket      string `yaml:"s3_bucket"`
	DynamoDBTable string `yaml:"dynamodb_table"`
	AWSRegion     string `yaml:"aws_region"`
	AWSProfile    string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
}

func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return "" // Use default credential chain (IAM role)
		}
		return envProfile
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "" // Running on ECS or Lambda, use IAM role
	}
	return c.AWSProfile
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// ShouldRedact defaults to true when unset.
func (c LoggingConfig) ShouldRedact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads a YAML file and applies defaults. A missing file is not an error:
// every setting has a default or an environment override.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = "ses"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.SMTP.TimeoutSeconds == 0 {
		cfg.SMTP.TimeoutSeconds = 10
	}
	if cfg.Dispatch.MaxBatchSize == 0 {
		cfg.Dispatch.MaxBatchSize = 50
	}
	if cfg.Dispatch.MaxConcurrency == 0 {
		cfg.Dispatch.MaxConcurrency = 1
	}
	if cfg.Queue.ClaimSize == 0 {
		cfg.Queue.ClaimSize = 500
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.PollIntervalSeconds == 0 {
		cfg.Queue.PollIntervalSeconds = 30
	}
	if cfg.Redis.MaxSendRate == 0 {
		cfg.Redis.MaxSendRate = 14
	}
	if cfg.Redis.Max24HourSend == 0 {
		cfg.Redis.Max24HourSend = 50000
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "local"
	}
	if cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./data/reports"
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = cfg.SES.Region
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads .env (if present), the YAML file, then environment
// overrides.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if port := envInt("PORT"); port > 0 {
		cfg.Server.Port = port
	}
	if v := os.Getenv("EMAIL_TRANSPORT"); v != "" {
		cfg.Server.Transport = v
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("EMAIL_FROM"); v != "" {
		cfg.SES.FromAddress = v
	}
	if v := os.Getenv("EMAIL_FROM_NAME"); v != "" {
		cfg.SES.FromName = v
	}
	if v := os.Getenv("SES_CONFIGURATION_SET"); v != "" {
		cfg.SES.ConfigurationSet = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if port := envInt("SMTP_PORT"); port > 0 {
		cfg.SMTP.Port = port
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if n := envInt("DISPATCH_MAX_BATCH_SIZE"); n > 0 {
		cfg.Dispatch.MaxBatchSize = n
	}
	if n := envInt("DISPATCH_MAX_CONCURRENCY"); n > 0 {
		cfg.Dispatch.MaxConcurrency = n
	}
	if n := envInt("DISPATCH_INTER_BATCH_DELAY_MS"); n >= 0 {
		cfg.Dispatch.InterBatchDelayMS = n
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Queue.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("REPORT_S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}

// Validate returns the settings that are missing for a real send. The server
// only warns about them, like the original start-up check.
func (c *Config) Validate() []string {
	var missing []string
	if c.SES.FromAddress == "" {
		missing = append(missing, "EMAIL_FROM")
	}
	if c.SES.Region == "" {
		missing = append(missing, "AWS_REGION")
	}
	if c.Server.Transport == "smtp" && !c.SMTP.Enabled() {
		missing = append(missing, "SMTP_HOST")
	}
	if c.Storage.Type == "aws" && c.Storage.S3Bucket == "" {
		missing = append(missing, "REPORT_S3_BUCKET")
	}
	return missing
}

func envInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

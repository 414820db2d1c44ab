package cfg

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"hastypaste/pkg/domain"
	"hastypaste/pkg/secrets"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}
func (s *Secret) UnmarshalText(b []byte) error {
	s.value = append([]byte(nil), b...)
	return nil
}

const (
	BackendDisk   = "disk"
	BackendS3     = "s3"
	BackendSQLite = "sqlite"
)

type Cfg struct {
	Port        string `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Log         LogCfg `envPrefix:"LOG_"`

	StorageBackend string    `env:"STORAGE_BACKEND" envDefault:"disk"`
	PasteRoot      string    `env:"PASTE_ROOT" envDefault:"data"`
	SQLite         SQLiteCfg `envPrefix:"SQLITE_"`
	S3             S3Cfg     `envPrefix:"S3_"`

	CacheEnable          bool          `env:"CACHE_ENABLE" envDefault:"true"`
	CacheMaxEntries      int           `env:"CACHE_MAX_ENTRIES" envDefault:"500"`
	RedisURL             string        `env:"REDIS_URL"`
	RedisPassword        Secret        `env:"REDIS_PASSWORD"`
	RedisCACert          string        `env:"REDIS_TLS_CA_CERT"`
	RedisTimeout         time.Duration `env:"REDIS_TIMEOUT" envDefault:"2s"`
	RedisCacheTTL        time.Duration `env:"REDIS_CACHE_TTL" envDefault:"0s"`
	RedisConnectAttempts uint          `env:"REDIS_CONNECT_ATTEMPTS" envDefault:"6"`

	MaxBodySize       int64         `env:"MAX_BODY_SIZE" envDefault:"2097152"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	BackgroundWorkers int           `env:"BACKGROUND_WORKERS" envDefault:"4"`
	BackgroundQueue   int           `env:"BACKGROUND_QUEUE" envDefault:"1024"`
	RenderWorkers     int           `env:"RENDER_WORKERS" envDefault:"0"`
	RenderTimeout     time.Duration `env:"RENDER_TIMEOUT" envDefault:"30s"`
	RenderStyle       string        `env:"RENDER_STYLE" envDefault:"github"`

	DefaultUseLongID bool          `env:"DEFAULT_USE_LONG_ID" envDefault:"false"`
	DefaultExpire    time.Duration `env:"DEFAULT_EXPIRE" envDefault:"0s"`
	EnablePublicList bool          `env:"ENABLE_PUBLIC_LIST" envDefault:"false"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`

	RateLimit      RateLimitCfg `envPrefix:"RATE_LIMIT_"`
	TrustedProxies []string     `env:"TRUSTED_PROXIES" envSeparator:","`
	MetricsUser    string       `env:"METRICS_USER"`
	MetricsPass    Secret       `env:"METRICS_PASS"`

	SecretsProvider string `env:"SECRETS_PROVIDER"`
	VaultAddr       string `env:"VAULT_ADDR"`
	VaultToken      Secret `env:"VAULT_TOKEN"`
	VaultSecretPath string `env:"VAULT_SECRET_PATH"`
	AWSRegion       string `env:"AWS_REGION"`
}

type LogCfg struct {
	File       string `env:"FILE"`
	MaxSizeMB  int    `env:"MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"MAX_BACKUPS" envDefault:"3"`
	MaxAgeDays int    `env:"MAX_AGE_DAYS" envDefault:"28"`
}

type SQLiteCfg struct {
	Path         string        `env:"PATH" envDefault:"data/pastes.db"`
	MaxOpenConns int           `env:"MAX_OPEN_CONNS" envDefault:"10"`
	QueryTimeout time.Duration `env:"QUERY_TIMEOUT" envDefault:"5s"`
	WALInterval  time.Duration `env:"WAL_INTERVAL" envDefault:"1h"`
}

type S3Cfg struct {
	Bucket          string `env:"BUCKET"`
	Region          string `env:"REGION"`
	Endpoint        string `env:"ENDPOINT"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey Secret `env:"SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `env:"USE_PATH_STYLE" envDefault:"false"`
}

type RateLimitCfg struct {
	RPM   int `env:"RPM" envDefault:"60"`
	Burst int `env:"BURST" envDefault:"10"`
}

// Load reads .env when present, then the process environment.
func Load() (*Cfg, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, configErr("load .env", err)
	}
	c := &Cfg{}
	if err := env.Parse(c); err != nil {
		return nil, configErr("parse env", err)
	}
	if c.RenderWorkers == 0 {
		c.RenderWorkers = runtime.NumCPU()
	}
	return c, nil
}

func (c *Cfg) IsDev() bool {
	return c.Environment == "development"
}

// ResolveSecrets swaps secret://name references for their stored values.
func (c *Cfg) ResolveSecrets(ctx context.Context, p secrets.Provider) error {
	for name, s := range map[string]*Secret{
		"S3_SECRET_ACCESS_KEY": &c.S3.SecretAccessKey,
		"REDIS_PASSWORD":       &c.RedisPassword,
		"METRICS_PASS":         &c.MetricsPass,
	} {
		v, err := secrets.Resolve(ctx, p, s.Value())
		if err != nil {
			return configErr(name, err)
		}
		*s = NewSecret(v)
	}
	return nil
}

func configErr(op string, err error) error {
	return domain.NewOpError(op, domain.ErrConfig, err)
}
func invalid(msg string) error {
	return configErr("validate config", errors.New(msg))
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return invalid("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return invalid("PORT must be a number")
	}
	switch c.StorageBackend {
	case BackendDisk:
		if c.PasteRoot == "" {
			return invalid("PASTE_ROOT is required for the disk backend")
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return invalid("SQLITE_PATH is required for the sqlite backend")
		}
		if c.SQLite.MaxOpenConns <= 0 {
			return invalid("SQLITE_MAX_OPEN_CONNS must be positive")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return invalid("S3_BUCKET is required for the s3 backend")
		}
		if c.S3.Region == "" {
			return invalid("S3_REGION is required for the s3 backend")
		}
		if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey.Value() == "") {
			return invalid("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
		}
	default:
		return invalid(fmt.Sprintf("STORAGE_BACKEND must be one of disk, s3, sqlite (got %q)", c.StorageBackend))
	}
	if c.CacheEnable && c.CacheMaxEntries <= 0 {
		return invalid("CACHE_MAX_ENTRIES must be positive")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return invalid("REDIS_URL must start with redis:// or rediss://")
		}
		if c.RedisConnectAttempts < 1 {
			return invalid("REDIS_CONNECT_ATTEMPTS must be at least 1")
		}
	}
	if c.RedisCacheTTL < 0 {
		return invalid("REDIS_CACHE_TTL cannot be negative")
	}
	if c.MaxBodySize <= 0 {
		return invalid("MAX_BODY_SIZE must be positive")
	}
	if c.WriteTimeout <= 0 {
		return invalid("WRITE_TIMEOUT must be positive")
	}
	if c.BackgroundWorkers <= 0 || c.BackgroundQueue <= 0 {
		return invalid("BACKGROUND_WORKERS and BACKGROUND_QUEUE must be positive")
	}
	if c.RenderWorkers <= 0 {
		return invalid("RENDER_WORKERS must be positive")
	}
	if c.DefaultExpire < 0 {
		return invalid("DEFAULT_EXPIRE cannot be negative")
	}
	if c.RateLimit.RPM <= 0 {
		return invalid("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return invalid("RATE_LIMIT_BURST must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return invalid(fmt.Sprintf("invalid CIDR in TRUSTED_PROXIES: %s", proxy))
			}
		} else if net.ParseIP(proxy) == nil {
			return invalid(fmt.Sprintf("invalid IP in TRUSTED_PROXIES: %s", proxy))
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return invalid("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}
func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.S3.SecretAccessKey.Wipe()
	c.VaultToken.Wipe()
}

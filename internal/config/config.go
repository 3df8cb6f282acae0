package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "SIGNFAST"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "signfast.db"
	defaultLogLevel      = "info"
	defaultTokenTTL      = time.Hour
	defaultTokenIssuer   = "signfast-auth"
	defaultTokenAudience = "signfast-api"
	defaultBucket        = "signfast-documents"
	defaultRegion        = "us-east-1"
	defaultRedisAddress  = "127.0.0.1:6379"
	defaultSMTPPort      = 587
	defaultMaxUploadMB   = 25
	defaultPresignTTL    = 15 * time.Minute
)

// AppConfig captures runtime configuration for the API server and worker.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	AuthSigningSecret string
	AuthIssuer        string
	AuthAudience      string
	AuthTokenTTL      time.Duration

	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageRegion    string
	StorageUseSSL    bool

	RedisAddress string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	MaxUploadMB int64
	PresignTTL  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("storage.bucket", defaultBucket)
	configViper.SetDefault("storage.region", defaultRegion)
	configViper.SetDefault("storage.use_ssl", true)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("smtp.port", defaultSMTPPort)
	configViper.SetDefault("upload.max_mb", defaultMaxUploadMB)
	configViper.SetDefault("storage.presign_ttl", defaultPresignTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthAudience:      configViper.GetString("auth.audience"),
		AuthTokenTTL:      configViper.GetDuration("auth.token_ttl"),
		StorageEndpoint:   configViper.GetString("storage.endpoint"),
		StorageAccessKey:  configViper.GetString("storage.access_key"),
		StorageSecretKey:  configViper.GetString("storage.secret_key"),
		StorageBucket:     configViper.GetString("storage.bucket"),
		StorageRegion:     configViper.GetString("storage.region"),
		StorageUseSSL:     configViper.GetBool("storage.use_ssl"),
		RedisAddress:      configViper.GetString("redis.address"),
		SMTPHost:          configViper.GetString("smtp.host"),
		SMTPPort:          configViper.GetInt("smtp.port"),
		SMTPUsername:      configViper.GetString("smtp.username"),
		SMTPPassword:      configViper.GetString("smtp.password"),
		SMTPFrom:          configViper.GetString("smtp.from"),
		MaxUploadMB:       configViper.GetInt64("upload.max_mb"),
		PresignTTL:        configViper.GetDuration("storage.presign_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// MaxUploadBytes converts the configured upload cap to bytes.
func (c AppConfig) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("upload.max_mb must be positive")
	}
	return nil
}

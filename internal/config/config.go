// Package config loads the relay server and sync client settings from
// defaults, an optional config file named by CHATSYNC_CONFIG and the
// environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigEnv names the optional config file (any format viper reads).
const ConfigEnv = "CHATSYNC_CONFIG"

type Config struct {
	AppName  string `mapstructure:"APP_NAME"`
	Env      string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	Host     string `mapstructure:"HTTP_HOST"`
	Port     int    `mapstructure:"HTTP_PORT"`

	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	PostgresHost     string `mapstructure:"POSTGRES_HOST"`
	PostgresPort     string `mapstructure:"POSTGRES_PORT"`
	PostgresUser     string `mapstructure:"POSTGRES_USER"`
	PostgresPassword string `mapstructure:"POSTGRES_PASSWORD"`
	PostgresDB       string `mapstructure:"POSTGRES_DB"`

	// RedisURL enables cross-instance fan-out of change events when set.
	RedisURL string `mapstructure:"REDIS_URL"`

	JWTSecret          string `mapstructure:"JWT_SECRET"`
	AccessTokenMinutes int    `mapstructure:"ACCESS_TOKEN_EXPIRE_MINUTES"`

	UploadDir   string   `mapstructure:"UPLOAD_DIR"`
	PublicURL   string   `mapstructure:"PUBLIC_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	S3Config `mapstructure:",squash"`
}

// S3Config selects an S3-compatible bucket for media instead of local files.
type S3Config struct {
	Bucket    string `mapstructure:"S3_BUCKET"`
	Region    string `mapstructure:"S3_REGION"`
	Endpoint  string `mapstructure:"S3_ENDPOINT"`
	AccessKey string `mapstructure:"S3_ACCESS_KEY_ID"`
	SecretKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`
	PublicURL string `mapstructure:"S3_PUBLIC_URL"`
}

func (s S3Config) Enabled() bool {
	return s.Bucket != ""
}

type ClientConfig struct {
	Env      string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	APIURL      string `mapstructure:"API_URL"`
	WSURL       string `mapstructure:"WS_URL"`
	AccessToken string `mapstructure:"ACCESS_TOKEN"`
	// RedisURL makes the client read change events straight from Redis
	// instead of the server's websocket.
	RedisURL string `mapstructure:"REDIS_URL"`

	CacheDSN    string        `mapstructure:"CACHE_DSN"`
	CacheMaxAge time.Duration `mapstructure:"CACHE_MAX_AGE"`

	PageSize     int           `mapstructure:"PAGE_SIZE"`
	SendTimeout  time.Duration `mapstructure:"SEND_TIMEOUT"`
	RetryInitial time.Duration `mapstructure:"RETRY_INITIAL"`
	RetryMax     time.Duration `mapstructure:"RETRY_MAX"`

	S3Config `mapstructure:",squash"`
}

func newViper(defaults map[string]any) (*viper.Viper, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path := os.Getenv(ConfigEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return v, nil
}

var s3Defaults = map[string]any{
	"S3_BUCKET":            "",
	"S3_REGION":            "",
	"S3_ENDPOINT":          "",
	"S3_ACCESS_KEY_ID":     "",
	"S3_SECRET_ACCESS_KEY": "",
	"S3_PUBLIC_URL":        "",
}

func withS3(m map[string]any) map[string]any {
	for k, v := range s3Defaults {
		m[k] = v
	}
	return m
}

// LoadServer loads the relay server configuration. JWT_SECRET is required.
func LoadServer() (*Config, error) {
	v, err := newViper(withS3(map[string]any{
		"APP_NAME":                    "chatsync relay",
		"APP_ENV":                     "development",
		"LOG_LEVEL":                   "info",
		"HTTP_HOST":                   "0.0.0.0",
		"HTTP_PORT":                   8000,
		"DATABASE_URL":                "",
		"POSTGRES_HOST":               "localhost",
		"POSTGRES_PORT":               "5432",
		"POSTGRES_USER":               "postgres",
		"POSTGRES_PASSWORD":           "postgres",
		"POSTGRES_DB":                 "chatsync",
		"REDIS_URL":                   "",
		"JWT_SECRET":                  "",
		"ACCESS_TOKEN_EXPIRE_MINUTES": 60 * 24,
		"UPLOAD_DIR":                  "uploads",
		"PUBLIC_URL":                  "",
		"CORS_ORIGINS":                []string{"http://localhost:3000", "http://localhost:5173"},
	}))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword),
			Host:     fmt.Sprintf("%s:%s", cfg.PostgresHost, cfg.PostgresPort),
			Path:     cfg.PostgresDB,
			RawQuery: "sslmode=disable",
		}
		cfg.DatabaseURL = u.String()
	}
	cfg.CORSOrigins = trimAll(cfg.CORSOrigins)
	if cfg.PublicURL == "" {
		cfg.PublicURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("HTTP_PORT %d is invalid", cfg.Port)
	}
	return cfg, nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UploadsURL is the base URL local uploads are served from.
func (c *Config) UploadsURL() string {
	return c.PublicURL + "/api/uploads"
}

// LoadClient loads the sync client configuration. API_URL and ACCESS_TOKEN are required.
func LoadClient() (*ClientConfig, error) {
	v, err := newViper(withS3(map[string]any{
		"APP_ENV":       "development",
		"LOG_LEVEL":     "info",
		"API_URL":       "",
		"WS_URL":        "",
		"ACCESS_TOKEN":  "",
		"REDIS_URL":     "",
		"CACHE_DSN":     "chatsync-cache.db",
		"CACHE_MAX_AGE": 24 * time.Hour,
		"PAGE_SIZE":     50,
		"SEND_TIMEOUT":  30 * time.Second,
		"RETRY_INITIAL": 250 * time.Millisecond,
		"RETRY_MAX":     5 * time.Second,
	}))
	if err != nil {
		return nil, err
	}

	cfg := &ClientConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	if cfg.APIURL == "" {
		return nil, errors.New("API_URL is required")
	}
	if cfg.AccessToken == "" {
		return nil, errors.New("ACCESS_TOKEN is required")
	}
	if cfg.WSURL == "" {
		ws, err := websocketURL(cfg.APIURL)
		if err != nil {
			return nil, err
		}
		cfg.WSURL = ws
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("PAGE_SIZE %d is invalid", cfg.PageSize)
	}
	return cfg, nil
}

// websocketURL derives the /ws endpoint from the API base URL.
func websocketURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("API_URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("API_URL scheme %q is not http(s)", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func trimAll(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

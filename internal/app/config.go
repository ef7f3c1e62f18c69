package app

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

const envPrefix = "EVENTCHAT"

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr     string `default:":4000"`
	WSPath   string `split_words:"true" default:"/"`
	StoreDSN string `split_words:"true"`

	RedisURL     string `split_words:"true"`
	RedisChannel string `split_words:"true" default:"eventchat:broadcast"`
	JWTSecret    string `split_words:"true"`
	// AllowForeignUserID accepts chat frames whose userId is not the token
	// subject, for identity services that put an email in sub.
	AllowForeignUserID bool `split_words:"true"`

	SendBuffer       int           `split_words:"true" default:"256"`
	MaxMessageSize   int64         `split_words:"true" default:"8192"`
	RateLimitBurst   int           `split_words:"true" default:"20"`
	RateLimitWindow  time.Duration `split_words:"true" default:"3s"`
	UpgradeRateLimit int           `split_words:"true" default:"60"`
	JoinTimeout      time.Duration `split_words:"true" default:"2m"`

	LogLevel  string `split_words:"true" default:"info"`
	LogFormat string `split_words:"true" default:"console"`
}

// ClientConfig defines the parameters the terminal client needs.
// Field names map to EVENTCHAT_* variables only; explicit envconfig tags would
// also read the unprefixed name.
type ClientConfig struct {
	ServerURL       string `split_words:"true" default:"ws://localhost:4000/"`
	User            string
	UserID          string `split_words:"true"`
	Room            string
	Token           string
	ProfileImageURL string `split_words:"true"`
}

// loadDotEnv reads .env from the working directory when one exists.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	return errors.Wrap(godotenv.Load(), "load .env")
}

// LoadServerConfig reads EVENTCHAT_* variables (after .env) into a ServerConfig.
func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, errors.Wrap(err, "server config")
	}
	if cfg.StoreDSN == "" {
		cfg.StoreDSN = DefaultDBPath()
	}
	cfg.WSPath = NormalizeWSPath(cfg.WSPath)
	return cfg, nil
}

// LoadClientConfig reads EVENTCHAT_* variables (after .env) into a ClientConfig.
func LoadClientConfig() (ClientConfig, error) {
	var cfg ClientConfig
	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, errors.Wrap(err, "client config")
	}
	return cfg, nil
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("EVENTCHAT_DATA_DIR"); env != "" {
		return filepath.Join(env, "eventchat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "eventchat", "eventchat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "EventChat", "eventchat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "EventChat", "eventchat.db")
		}
		return filepath.Join(home, ".local", "share", "eventchat", "eventchat.db")
	}
	return filepath.Join(".", ".eventchat", "eventchat.db")
}

// NormalizeWSPath guarantees the websocket path starts with '/' and falls back
// to the root when empty.
func NormalizeWSPath(path string) string {
	if path == "" {
		return "/"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}

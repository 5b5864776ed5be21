package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config lists the tunable parameters for the bridge.
type Config struct {
	HTTPPort      int
	MetricsPort   int
	BrokerURL     string
	TopicPrefix   string
	CookieName    string
	SessionTTL    time.Duration
	SessionSecret string
	Username      string
	PasswordHash  string
	DatabasePath  string
	LogLevel      string
	EnableMDNS    bool
}

const (
	defaultHTTPPort     = 8080
	defaultMetricsPort  = 9090
	defaultBrokerURL    = "tcp://localhost:1883"
	defaultTopicPrefix  = "embarcatech"
	defaultCookieName   = "bridge_session"
	defaultSessionTTL   = 12 * time.Hour
	defaultUsername     = "operator"
	defaultDatabasePath = "data/bridge.db"
	defaultLogLevel     = "info"
)

// Load derives configuration values from environment variables, falling
// back to defaults. The session secret and operator password hash have no
// defaults; the bridge refuses to start without them.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:     defaultHTTPPort,
		MetricsPort:  defaultMetricsPort,
		BrokerURL:    defaultBrokerURL,
		TopicPrefix:  defaultTopicPrefix,
		CookieName:   defaultCookieName,
		SessionTTL:   defaultSessionTTL,
		Username:     defaultUsername,
		DatabasePath: defaultDatabasePath,
		LogLevel:     defaultLogLevel,
		EnableMDNS:   true,
	}

	if v := os.Getenv("BRIDGE_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BRIDGE_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("BRIDGE_METRICS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BRIDGE_METRICS_PORT: %w", err)
		}
		cfg.MetricsPort = port
	}

	if v := os.Getenv("BRIDGE_MQTT_BROKER"); v != "" {
		cfg.BrokerURL = v
	}

	if v := os.Getenv("BRIDGE_TOPIC_PREFIX"); v != "" {
		cfg.TopicPrefix = v
	}

	if v := os.Getenv("BRIDGE_COOKIE_NAME"); v != "" {
		cfg.CookieName = v
	}

	if v := os.Getenv("BRIDGE_SESSION_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BRIDGE_SESSION_TTL: %w", err)
		}
		if ttl <= 0 {
			return Config{}, fmt.Errorf("BRIDGE_SESSION_TTL must be positive")
		}
		cfg.SessionTTL = ttl
	}

	cfg.SessionSecret = os.Getenv("BRIDGE_SESSION_SECRET")
	if cfg.SessionSecret == "" {
		return Config{}, fmt.Errorf("BRIDGE_SESSION_SECRET is required")
	}

	if v := os.Getenv("BRIDGE_USERNAME"); v != "" {
		cfg.Username = v
	}

	cfg.PasswordHash = os.Getenv("BRIDGE_PASSWORD_HASH")
	if cfg.PasswordHash == "" {
		return Config{}, fmt.Errorf("BRIDGE_PASSWORD_HASH is required (bcrypt hash of the operator password)")
	}

	if v := os.Getenv("BRIDGE_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("BRIDGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("BRIDGE_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BRIDGE_MDNS: %w", err)
		}
		cfg.EnableMDNS = enabled
	}

	return cfg, nil
}

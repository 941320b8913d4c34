package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultAPIURL         = "http://localhost:8080"
	DefaultPushPath       = "/ws/websocket"
	DefaultProfile        = "default"
	DefaultLogFile        = "debug.log"
	DefaultRequestTimeout = 15 * time.Second
)

// Config holds client configuration. Credentials are not part of it; they live in the session file.
type Config struct {
	APIURL         string
	PushPath       string
	Profile        string
	Debug          bool
	LogFile        string
	LogLevel       string
	RequestTimeout time.Duration
	MetricsAddr    string
}

// Load reads configuration from the environment, falling back to defaults.
func Load() *Config {
	return &Config{
		APIURL:         getString("QPMSG_API_URL", DefaultAPIURL),
		PushPath:       getString("QPMSG_PUSH_PATH", DefaultPushPath),
		Profile:        getString("QPMSG_PROFILE", DefaultProfile),
		Debug:          getBool("QPMSG_DEBUG", false),
		LogFile:        getString("QPMSG_LOG_FILE", DefaultLogFile),
		LogLevel:       getString("QPMSG_LOG_LEVEL", "debug"),
		RequestTimeout: getDuration("QPMSG_REQUEST_TIMEOUT", DefaultRequestTimeout),
		MetricsAddr:    getString("QPMSG_METRICS_ADDR", ""),
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return fmt.Errorf("invalid api url %q: %w", c.APIURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid api url %q: scheme must be http or https", c.APIURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid api url %q: missing host", c.APIURL)
	}
	if !strings.HasPrefix(c.PushPath, "/") {
		return fmt.Errorf("push path %q must start with /", c.PushPath)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.Profile == "" {
		return fmt.Errorf("profile must not be empty")
	}
	return nil
}

// PushURL derives the WebSocket endpoint from the API origin.
func (c *Config) PushURL() (string, error) {
	return PushURL(c.APIURL, c.PushPath)
}

// PushURL maps http(s)://host to ws(s)://host and appends path.
func PushURL(apiURL, path string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid api url %q: %w", apiURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = ""
	return u.String(), nil
}

func getString(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

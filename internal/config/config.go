// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - API_KEY_HASH: bcrypt (or legacy SHA-256 hex) hash of a static bearer
//     token accepted alongside database API keys.
//   - STREAM_POLL_INTERVAL: polling interval for the SSE settings stream
//     (default "1s", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - EVENT_BATCH_SIZE: max number of events returned per stream poll query
//     (default "1000", must be 1..1000 if set).
//   - CACHE_RESYNC_INTERVAL: safety-net cache refresh interval
//     (default "1m", must be > 0 if set).
//   - HA_BASE_URL, HA_TOKEN: Home Assistant REST entity source. The token is
//     required when the URL is set.
//   - ENTITY_REFRESH_INTERVAL: REST snapshot poll interval (default "30s").
//   - ENTITY_INCLUDE, ENTITY_EXCLUDE: comma separated entity id regexps.
//   - MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME, MQTT_PASSWORD,
//     MQTT_STATESTREAM_PREFIX: mqtt_statestream entity source.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                    = ":8080"
	defaultStreamPollInterval          = time.Second
	defaultAuthRateLimit               = 10
	defaultMaxJSONBodySize       int64 = 1 << 20 // 1MB
	defaultEventBatchSize              = 1000
	maxEventBatchSize                  = 1000
	defaultCacheResyncInterval         = time.Minute
	defaultEntityRefreshInterval       = 30 * time.Second
	defaultMQTTClientID                = "cardz"
	defaultStatestreamPrefix           = "homeassistant"
)

// Config holds the runtime configuration for the cardz server.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	LogLevel            string
	LogFormat           string
	APIKeyHash          string
	AuthRateLimit       int
	StreamPollInterval  time.Duration
	MaxJSONBodySize     int64
	EventBatchSize      int
	CacheResyncInterval time.Duration

	HomeAssistant HomeAssistantConfig
	MQTT          MQTTConfig
}

// HomeAssistantConfig configures the REST entity source.
type HomeAssistantConfig struct {
	BaseURL         string
	Token           string
	RefreshInterval time.Duration
	Include         []*regexp.Regexp
	Exclude         []*regexp.Regexp
}

// Enabled reports whether the REST source should run.
func (c HomeAssistantConfig) Enabled() bool {
	return c.BaseURL != ""
}

// MQTTConfig configures the mqtt_statestream entity source.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
}

// Enabled reports whether the statestream source should run.
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	streamPollInterval, err := positiveDuration("STREAM_POLL_INTERVAL", defaultStreamPollInterval)
	if err != nil {
		return Config{}, err
	}

	authRateLimit := defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	eventBatchSize := defaultEventBatchSize
	if v := strings.TrimSpace(os.Getenv("EVENT_BATCH_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxEventBatchSize {
			return Config{}, fmt.Errorf("EVENT_BATCH_SIZE must be an integer between 1 and %d", maxEventBatchSize)
		}
		eventBatchSize = n
	}

	cacheResyncInterval, err := positiveDuration("CACHE_RESYNC_INTERVAL", defaultCacheResyncInterval)
	if err != nil {
		return Config{}, err
	}

	homeAssistant, err := loadHomeAssistant()
	if err != nil {
		return Config{}, err
	}

	logFormat := strings.ToLower(envOrDefault("LOG_FORMAT", "json"))
	if logFormat != "json" && logFormat != "text" {
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or text, got %q", logFormat)
	}

	return Config{
		DatabaseURL:         databaseURL,
		HTTPAddr:            envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           logFormat,
		APIKeyHash:          strings.TrimSpace(os.Getenv("API_KEY_HASH")),
		AuthRateLimit:       authRateLimit,
		StreamPollInterval:  streamPollInterval,
		MaxJSONBodySize:     maxJSONBodySize,
		EventBatchSize:      eventBatchSize,
		CacheResyncInterval: cacheResyncInterval,
		HomeAssistant:       homeAssistant,
		MQTT: MQTTConfig{
			Broker:   strings.TrimSpace(os.Getenv("MQTT_BROKER")),
			ClientID: envOrDefault("MQTT_CLIENT_ID", defaultMQTTClientID),
			Username: strings.TrimSpace(os.Getenv("MQTT_USERNAME")),
			Password: os.Getenv("MQTT_PASSWORD"),
			Prefix:   strings.Trim(envOrDefault("MQTT_STATESTREAM_PREFIX", defaultStatestreamPrefix), "/"),
		},
	}, nil
}

func loadHomeAssistant() (HomeAssistantConfig, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("HA_BASE_URL")), "/")
	token := strings.TrimSpace(os.Getenv("HA_TOKEN"))
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return HomeAssistantConfig{}, fmt.Errorf("HA_BASE_URL must be an absolute URL, got %q", baseURL)
		}
		if token == "" {
			return HomeAssistantConfig{}, errors.New("HA_TOKEN is required when HA_BASE_URL is set")
		}
	}

	refresh, err := positiveDuration("ENTITY_REFRESH_INTERVAL", defaultEntityRefreshInterval)
	if err != nil {
		return HomeAssistantConfig{}, err
	}

	include, err := parsePatterns("ENTITY_INCLUDE")
	if err != nil {
		return HomeAssistantConfig{}, err
	}
	exclude, err := parsePatterns("ENTITY_EXCLUDE")
	if err != nil {
		return HomeAssistantConfig{}, err
	}

	return HomeAssistantConfig{
		BaseURL:         baseURL,
		Token:           token,
		RefreshInterval: refresh,
		Include:         include,
		Exclude:         exclude,
	}, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func parsePatterns(key string) ([]*regexp.Regexp, error) {
	var patterns []*regexp.Regexp
	for _, raw := range strings.Split(os.Getenv(key), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		pattern, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s pattern %q: %w", key, raw, err)
		}
		patterns = append(patterns, pattern)
	}
	return patterns, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

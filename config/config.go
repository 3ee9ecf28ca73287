package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment variable names.
const (
	KeyPusherAppKey        = "PUSHER_APP_KEY"
	KeyPusherCluster       = "PUSHER_CLUSTER"
	KeyPusherChannelKey    = "PUSHER_CHANNEL_KEY"
	KeyPusherEventName     = "PUSHER_EVENT_NAME"
	KeyWebhookTargetURL    = "WEBHOOK_TARGET_URL"
	KeyLogLevel            = "LOG_LEVEL"
	KeyWebhookTimeout      = "WEBHOOK_TIMEOUT"
	KeyPort                = "PORT"
	KeyWebhookStrictStatus = "WEBHOOK_STRICT_STATUS"
	KeyHeartbeatInterval   = "HEARTBEAT_INTERVAL"
	KeyPusherHost          = "PUSHER_HOST"
	KeyPusherInsecure      = "PUSHER_INSECURE"
	KeyKafkaBrokers        = "KAFKA_BROKERS"
	KeyKafkaTopic          = "KAFKA_TOPIC"
)

// DefaultEnvFile is read from the working directory when present.
const DefaultEnvFile = ".env"

var requiredKeys = []string{
	KeyPusherAppKey,
	KeyPusherCluster,
	KeyPusherChannelKey,
	KeyPusherEventName,
	KeyWebhookTargetURL,
}

var allKeys = append(append([]string(nil), requiredKeys...),
	KeyLogLevel,
	KeyWebhookTimeout,
	KeyPort,
	KeyWebhookStrictStatus,
	KeyHeartbeatInterval,
	KeyPusherHost,
	KeyPusherInsecure,
	KeyKafkaBrokers,
	KeyKafkaTopic,
)

var logLevels = map[string]bool{"error": true, "warn": true, "info": true, "debug": true}

// Config is the validated process configuration.
type Config struct {
	PusherAppKey     string
	PusherCluster    string
	PusherChannelKey string
	PusherEventName  string
	WebhookTargetURL string

	LogLevel            string
	WebhookTimeout      time.Duration
	Port                int
	WebhookStrictStatus bool
	HeartbeatInterval   time.Duration

	PusherHost     string
	PusherInsecure bool

	KafkaBrokers string
	KafkaTopic   string

	// Warnings are non-fatal problems found while loading, to be logged once a logger exists.
	Warnings []string
}

// StatusAddr returns the listen address of the status server, or "" when it is disabled.
func (c *Config) StatusAddr() string {
	if c.Port == 0 {
		return ""
	}
	return fmt.Sprintf(":%d", c.Port)
}

// ValidationError lists every problem found in the configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Load reads the configuration from the environment, falling back to envFile
// for variables the environment does not set. A missing envFile is not an error.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	for _, key := range allKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyWebhookTimeout, "10000")
	v.SetDefault(KeyPort, "3000")
	v.SetDefault(KeyWebhookStrictStatus, "false")
	v.SetDefault(KeyHeartbeatInterval, "60s")
	v.SetDefault(KeyPusherInsecure, "false")
	v.SetDefault(KeyKafkaTopic, "donation-events")

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
			}
		}
	}

	return parse(v)
}

func parse(v *viper.Viper) (*Config, error) {
	var problems []string
	get := func(key string) string {
		return strings.TrimSpace(v.GetString(key))
	}

	cfg := &Config{
		PusherAppKey:     get(KeyPusherAppKey),
		PusherCluster:    get(KeyPusherCluster),
		PusherChannelKey: get(KeyPusherChannelKey),
		PusherEventName:  get(KeyPusherEventName),
		WebhookTargetURL: get(KeyWebhookTargetURL),
		PusherHost:       get(KeyPusherHost),
		KafkaBrokers:     get(KeyKafkaBrokers),
		KafkaTopic:       get(KeyKafkaTopic),
	}

	var missing []string
	for _, key := range requiredKeys {
		if get(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		problems = append(problems, "missing required variables: "+strings.Join(missing, ", "))
	}

	if cfg.WebhookTargetURL != "" {
		if err := validateTargetURL(cfg.WebhookTargetURL); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", KeyWebhookTargetURL, err))
		}
	}

	cfg.LogLevel = strings.ToLower(get(KeyLogLevel))
	if !logLevels[cfg.LogLevel] {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("unknown %s %q, using info", KeyLogLevel, cfg.LogLevel))
		cfg.LogLevel = "info"
	}

	if ms, err := strconv.Atoi(get(KeyWebhookTimeout)); err != nil || ms <= 0 {
		problems = append(problems, fmt.Sprintf("%s must be a positive number of milliseconds, got %q", KeyWebhookTimeout, get(KeyWebhookTimeout)))
	} else {
		cfg.WebhookTimeout = time.Duration(ms) * time.Millisecond
	}

	if port, err := strconv.Atoi(get(KeyPort)); err != nil || port < 0 || port > 65535 {
		problems = append(problems, fmt.Sprintf("%s must be a port number between 0 and 65535, got %q", KeyPort, get(KeyPort)))
	} else {
		cfg.Port = port
	}

	if interval, err := time.ParseDuration(get(KeyHeartbeatInterval)); err != nil || interval < 0 {
		problems = append(problems, fmt.Sprintf("%s must be a non-negative duration, got %q", KeyHeartbeatInterval, get(KeyHeartbeatInterval)))
	} else {
		cfg.HeartbeatInterval = interval
	}

	var err error
	if cfg.WebhookStrictStatus, err = strconv.ParseBool(get(KeyWebhookStrictStatus)); err != nil {
		problems = append(problems, fmt.Sprintf("%s must be a boolean, got %q", KeyWebhookStrictStatus, get(KeyWebhookStrictStatus)))
	}
	if cfg.PusherInsecure, err = strconv.ParseBool(get(KeyPusherInsecure)); err != nil {
		problems = append(problems, fmt.Sprintf("%s must be a boolean, got %q", KeyPusherInsecure, get(KeyPusherInsecure)))
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return cfg, nil
}

func validateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid URL %q: scheme and host are required", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL %q: scheme must be http or https", raw)
	}
	return nil
}

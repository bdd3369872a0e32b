// internal/config/config.go
// Loads hub and client settings from a YAML file, a .env file and the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/erilali/wshub/internal/client"
	"github.com/erilali/wshub/internal/hub"
	"github.com/erilali/wshub/internal/logger"
	"github.com/erilali/wshub/internal/message"
)

const (
	DefaultPath    = "hub.yaml"
	DefaultEnvPath = ".env"
)

type NATSConfig struct {
	// URL is empty when the event mirror is disabled.
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Config is the complete runtime configuration. Durations are in milliseconds
// to match the environment variables.
type Config struct {
	ListenAddr string     `yaml:"listen_addr"`
	NATS       NATSConfig `yaml:"nats"`

	MaxTotalConnections          int `yaml:"max_total_connections"`
	MaxConnectionsPerIP          int `yaml:"max_connections_per_ip"`
	ConnectionRateLimitPerMinute int `yaml:"connection_rate_limit_per_minute"`
	HeartbeatIntervalMs          int `yaml:"heartbeat_interval_ms"`
	JoinGraceMs                  int `yaml:"join_grace_ms"`
	IdleTimeoutMs                int `yaml:"idle_timeout_ms"`
	ShutdownGraceMs              int `yaml:"shutdown_grace_ms"`

	ReconnectBaseDelayMs int `yaml:"reconnect_base_delay_ms"`
	ReconnectMaxDelayMs  int `yaml:"reconnect_max_delay_ms"`
	DialTimeoutMs        int `yaml:"dial_timeout_ms"`
	MaxQueueSize         int `yaml:"max_queue_size"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	Log logger.LogConfig `yaml:"log"`
}

func Default() Config {
	return Config{
		ListenAddr:                   ":8080",
		NATS:                         NATSConfig{SubjectPrefix: hub.DefaultEventPrefix},
		MaxTotalConnections:          100,
		MaxConnectionsPerIP:          10,
		ConnectionRateLimitPerMinute: 10,
		HeartbeatIntervalMs:          4000,
		JoinGraceMs:                  30000,
		IdleTimeoutMs:                60000,
		ShutdownGraceMs:              10000,
		ReconnectBaseDelayMs:         1000,
		ReconnectMaxDelayMs:          30000,
		DialTimeoutMs:                5000,
		MaxQueueSize:                 1000,
		Log:                          logger.DefaultLogConfig(),
	}
}

// Load reads path (a missing file means defaults), then envPath, then lets
// environment variables override. Variables already set in the environment
// win over the .env file.
func Load(path, envPath string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse %s", path)
		}
	case !os.IsNotExist(err):
		return cfg, errors.Wrapf(err, "read %s", path)
	}

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return cfg, errors.Wrapf(err, "load %s", envPath)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LISTEN_ADDR":         &c.ListenAddr,
		"NATS_URL":            &c.NATS.URL,
		"NATS_SUBJECT_PREFIX": &c.NATS.SubjectPrefix,
		"LOG_LEVEL":           &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"MAX_TOTAL_CONNECTIONS":            &c.MaxTotalConnections,
		"MAX_CONNECTIONS_PER_IP":           &c.MaxConnectionsPerIP,
		"CONNECTION_RATE_LIMIT_PER_MINUTE": &c.ConnectionRateLimitPerMinute,
		"HEARTBEAT_INTERVAL_MS":            &c.HeartbeatIntervalMs,
		"JOIN_GRACE_MS":                    &c.JoinGraceMs,
		"IDLE_TIMEOUT_MS":                  &c.IdleTimeoutMs,
		"SHUTDOWN_GRACE_MS":                &c.ShutdownGraceMs,
		"RECONNECT_BASE_DELAY_MS":          &c.ReconnectBaseDelayMs,
		"RECONNECT_MAX_DELAY_MS":           &c.ReconnectMaxDelayMs,
		"DIAL_TIMEOUT_MS":                  &c.DialTimeoutMs,
		"MAX_QUEUE_SIZE":                   &c.MaxQueueSize,
		"MAX_RECONNECT_ATTEMPTS":           &c.MaxReconnectAttempts,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "parse %s", key)
		}
		*dst = n
	}

	if v, ok := lookup("LOG_TO_JSON"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "parse LOG_TO_JSON")
		}
		c.Log.LogToJSON = b
	}
	if v, ok := lookup("LOG_FILE"); ok && v != "" {
		c.Log.FilePath = v
		c.Log.LogToFile = true
	}
	return nil
}

// Validate checks that limits and intervals are usable.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.ListenAddr, validation.Required),
		validation.Field(&c.MaxTotalConnections, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxConnectionsPerIP, validation.Required, validation.Min(1)),
		validation.Field(&c.ConnectionRateLimitPerMinute, validation.Required, validation.Min(1)),
		validation.Field(&c.HeartbeatIntervalMs, validation.Required, validation.Min(1)),
		validation.Field(&c.JoinGraceMs, validation.Min(0)),
		validation.Field(&c.IdleTimeoutMs, validation.Min(0)),
		validation.Field(&c.ShutdownGraceMs, validation.Min(0)),
		validation.Field(&c.ReconnectBaseDelayMs, validation.Required, validation.Min(1)),
		validation.Field(&c.ReconnectMaxDelayMs, validation.Required, validation.Min(c.ReconnectBaseDelayMs)),
		validation.Field(&c.DialTimeoutMs, validation.Min(0)),
		validation.Field(&c.MaxQueueSize, validation.Min(0)),
		validation.Field(&c.MaxReconnectAttempts, validation.Min(0)),
	)
	if err != nil {
		return err
	}
	return validation.Validate(strings.ToLower(c.Log.Level),
		validation.In("debug", "info", "warn", "error", "fatal").Error("log level must be one of debug, info, warn, error, fatal"))
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// HubConfig converts the settings into hub.Config.
func (c Config) HubConfig() hub.Config {
	cfg := hub.DefaultConfig()
	cfg.MaxTotalConnections = c.MaxTotalConnections
	cfg.MaxConnectionsPerIP = c.MaxConnectionsPerIP
	cfg.ConnectionRateLimitPerMinute = c.ConnectionRateLimitPerMinute
	cfg.HeartbeatInterval = ms(c.HeartbeatIntervalMs)
	cfg.JoinGrace = ms(c.JoinGraceMs)
	cfg.IdleTimeout = ms(c.IdleTimeoutMs)
	cfg.ShutdownGrace = ms(c.ShutdownGraceMs)
	return cfg
}

// ClientConfig converts the settings into client.Config for the given
// endpoints and identity.
func (c Config) ClientConfig(urls []string, identity message.Identity) client.Config {
	cfg := client.DefaultConfig()
	cfg.URLs = urls
	cfg.Identity = identity
	cfg.BaseDelay = ms(c.ReconnectBaseDelayMs)
	cfg.MaxDelay = ms(c.ReconnectMaxDelayMs)
	cfg.HeartbeatInterval = ms(c.HeartbeatIntervalMs)
	cfg.DialTimeout = ms(c.DialTimeoutMs)
	cfg.MaxQueueSize = c.MaxQueueSize
	cfg.MaxAttempts = c.MaxReconnectAttempts
	return cfg
}

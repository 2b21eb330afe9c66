package eventbridge

import (
	"os"
	"strconv"
	"time"
)

// Environment keys. An unset TILO_AMQP_URL disables the broker entirely;
// the application then runs in local-bus-only mode.
const (
	EnvBrokerURL      = "TILO_AMQP_URL"
	EnvEventsExchange = "TILO_EVENTS_EXCHANGE"
	EnvQueuePrefix    = "TILO_QUEUE_PREFIX"
	EnvRetryAttempts  = "TILO_AMQP_RETRY_ATTEMPTS"
	EnvRetryDelayMS   = "TILO_AMQP_RETRY_DELAY_MS"
	EnvServiceName    = "TILO_SERVICE_NAME"
)

// Config holds the event bridge settings.
type Config struct {
	BrokerURL      string
	EventsExchange string
	QueuePrefix    string
	RetryAttempts  int
	RetryDelay     time.Duration
	ServiceName    string
}

// DefaultConfig returns the defaults with no broker configured.
func DefaultConfig() Config {
	return Config{
		EventsExchange: "events",
		QueuePrefix:    "tilo",
		RetryAttempts:  3,
		RetryDelay:     5 * time.Second,
		ServiceName:    "backend",
	}
}

// ConfigFromEnv reads the configuration from environment variables,
// falling back to defaults for anything unset or unparseable.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.BrokerURL = os.Getenv(EnvBrokerURL)
	if v := os.Getenv(EnvEventsExchange); v != "" {
		cfg.EventsExchange = v
	}
	if v := os.Getenv(EnvQueuePrefix); v != "" {
		cfg.QueuePrefix = v
	}
	if v := os.Getenv(EnvRetryAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetryAttempts = n
		}
	}
	if v := os.Getenv(EnvRetryDelayMS); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.RetryDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv(EnvServiceName); v != "" {
		cfg.ServiceName = v
	}
	return cfg
}

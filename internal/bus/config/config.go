// Package config groups the broker and reliability settings shared by the bus
// components. Zero values fall back to defaults applied by the component that
// reads them.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config carries broker connectivity and tuning for producers and consumers.
type Config struct {
	// PubSubSystem selects the backing transport. Supported values: "kafka"
	// and "channel" (in-process, for tests). Empty defaults to "kafka".
	PubSubSystem string

	// Broker connectivity.
	Brokers  []string
	ClientID string

	// SASL credentials, optional. Secret storage is the caller's problem;
	// these are only forwarded to the broker client.
	SASLUsername string
	SASLPassword string

	// Consumer group settings.
	ConsumerGroup string
	Topics        []string
	// OffsetReset selects where a new group starts: "earliest" or "latest".
	OffsetReset       string
	MaxPollRecords    int
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	// PollTimeout bounds one poll cycle; exceeding it is a delivery failure,
	// never a hang.
	PollTimeout time.Duration

	// Producer batching.
	BatchSize   int
	LingerTime  time.Duration
	Compression string

	// Transport-level publish retries, applied inside the broker client
	// before an error surfaces to the Producer.
	TransportRetries int
	RetryBackoff     time.Duration
	PublishTimeout   time.Duration

	// Dedup cache bounds. Oldest entries are evicted once exceeded.
	ProducerDedupSize int
	ConsumerDedupSize int

	// Environment tags every produced event (for example "paper", "live").
	Environment string

	MetricsEnabled bool
}

const (
	DefaultOffsetReset       = "earliest"
	DefaultMaxPollRecords    = 256
	DefaultSessionTimeout    = 30 * time.Second
	DefaultHeartbeatInterval = 3 * time.Second
	DefaultPollTimeout       = 5 * time.Second
	DefaultPublishTimeout    = 10 * time.Second
	DefaultTransportRetries  = 3
	DefaultRetryBackoff      = 250 * time.Millisecond
	DefaultDedupSize         = 4096
)

// WithDefaults returns a copy with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.PubSubSystem == "" {
		c.PubSubSystem = "kafka"
	}
	if c.OffsetReset == "" {
		c.OffsetReset = DefaultOffsetReset
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = DefaultMaxPollRecords
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.TransportRetries <= 0 {
		c.TransportRetries = DefaultTransportRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.ProducerDedupSize <= 0 {
		c.ProducerDedupSize = DefaultDedupSize
	}
	if c.ConsumerDedupSize <= 0 {
		c.ConsumerDedupSize = DefaultDedupSize
	}
	return c
}

func (c Config) String() string {
	copy := c
	if copy.SASLPassword != "" {
		copy.SASLPassword = "***REDACTED***"
	}
	if copy.SASLUsername != "" {
		copy.SASLUsername = "***REDACTED***"
	}
	// Use a type alias to avoid infinite recursion when printing
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(copy))
}

// Validate checks that the configuration has all required fields for the
// selected transport plus sane tuning values.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateTransport()...)
	errs = append(errs, c.validateTuning()...)

	return errors.Join(errs...)
}

func (c *Config) validateTransport() []error {
	switch c.PubSubSystem {
	case "", "kafka":
		if len(c.Brokers) == 0 {
			return []error{errors.New("kafka: brokers are required")}
		}
	case "channel":
		// in-process transport has no required config
	default:
		return []error{fmt.Errorf("unknown pubsub system %q", c.PubSubSystem)}
	}
	return nil
}

func (c *Config) validateTuning() []error {
	var errs []error
	if c.OffsetReset != "" && c.OffsetReset != "earliest" && c.OffsetReset != "latest" {
		errs = append(errs, fmt.Errorf("offset reset must be earliest or latest, got %q", c.OffsetReset))
	}
	if c.MaxPollRecords < 0 {
		errs = append(errs, errors.New("max poll records cannot be negative"))
	}
	if c.TransportRetries < 0 {
		errs = append(errs, errors.New("transport retries cannot be negative"))
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, errors.New("retry backoff cannot be negative"))
	}
	if c.ProducerDedupSize < 0 || c.ConsumerDedupSize < 0 {
		errs = append(errs, errors.New("dedup cache sizes cannot be negative"))
	}
	switch c.Compression {
	case "", "none", "gzip", "snappy", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("unknown compression codec %q", c.Compression))
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}

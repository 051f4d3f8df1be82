package apnet

import (
	"fmt"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultMaxPayloadSize is the payload bound the gateway documents for
	// the binary protocol. WithMaxPayloadSize is the escape hatch for peers
	// known to accept more; the wire format caps it at MaxWirePayloadSize.
	DefaultMaxPayloadSize = 256

	// DefaultQueueCapacity bounds the dispatch queue.
	DefaultQueueCapacity = 10000

	// DefaultIdleTimeout is how long the worker keeps a push session open
	// with no new frames before proactively closing it.
	DefaultIdleTimeout = 10 * time.Minute

	// DefaultConnectTimeout bounds the TCP connect plus TLS handshake.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultWriteTimeout bounds a single frame write so a wedged peer
	// cannot stall the worker indefinitely.
	DefaultWriteTimeout = 30 * time.Second

	// DefaultRedialFloor and DefaultRedialCeiling pace reconnect attempts
	// after connect failures. The delay doubles from floor to ceiling and
	// resets on the next successful connect.
	DefaultRedialFloor   = 100 * time.Millisecond
	DefaultRedialCeiling = 10 * time.Second
)

// Option defines a functional option for New.
type Option func(*Config)

// Config holds runtime settings for a Service. It is built from defaults
// plus options and is immutable once the Service is constructed; the only
// mutable configuration is what Configure replaces (identity and endpoints).
type Config struct {
	endpoints Endpoints
	dialer    Dialer
	logger    zerolog.Logger
	metrics   Metrics

	identifiers      func() uint32
	responseObserver func(Response)

	maxPayloadSize int
	queueCapacity  int
	idleTimeout    time.Duration
	connectTimeout time.Duration
	writeTimeout   time.Duration
	redialFloor    time.Duration
	redialCeiling  time.Duration
	insecure       bool
}

// Validate checks if the configuration is sane and valid.
func (c *Config) Validate() error {
	if c.maxPayloadSize <= 0 || c.maxPayloadSize > MaxWirePayloadSize {
		return fmt.Errorf("%w: max payload size %d", ErrInvalidConfig, c.maxPayloadSize)
	}
	if c.queueCapacity <= 0 {
		return fmt.Errorf("%w: queue capacity %d", ErrInvalidConfig, c.queueCapacity)
	}
	if c.idleTimeout <= 0 {
		return fmt.Errorf("%w: idle timeout %s", ErrInvalidConfig, c.idleTimeout)
	}
	return c.endpoints.Validate()
}

// defaultConfig returns config with library defaults.
func defaultConfig() *Config {
	return &Config{
		endpoints:      Production,
		dialer:         tlsDialer{},
		logger:         zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel),
		metrics:        NewDefaultMetrics(),
		identifiers:    RandomIdentifiers(),
		maxPayloadSize: DefaultMaxPayloadSize,
		queueCapacity:  DefaultQueueCapacity,
		idleTimeout:    DefaultIdleTimeout,
		connectTimeout: DefaultConnectTimeout,
		writeTimeout:   DefaultWriteTimeout,
		redialFloor:    DefaultRedialFloor,
		redialCeiling:  DefaultRedialCeiling,
	}
}

// applyConfig builds a runtime config by applying the given options on top of defaults.
func applyConfig(opts []Option) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// RandomIdentifiers is the default identifier supplier: uniform random
// 32-bit values. Random identifiers can collide; callers that correlate
// responses across large volumes may prefer SequentialIdentifiers.
func RandomIdentifiers() func() uint32 {
	return rand.Uint32
}

// SequentialIdentifiers returns a supplier producing a monotonically
// increasing sequence, collision-free until 32-bit wraparound.
func SequentialIdentifiers() func() uint32 {
	var n atomic.Uint32
	return func() uint32 { return n.Add(1) }
}

// WithEndpoints sets the initial gateway endpoints. Defaults to Production.
func WithEndpoints(e Endpoints) Option {
	return func(c *Config) {
		c.endpoints = e
	}
}

// WithMaxPayloadSize raises (or lowers) the payload bound enforced at
// enqueue time. Values above MaxWirePayloadSize are rejected by Validate.
func WithMaxPayloadSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.maxPayloadSize = n
		}
	}
}

// WithQueueCapacity bounds the dispatch queue.
func WithQueueCapacity(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.queueCapacity = n
		}
	}
}

// WithIdleTimeout sets how long the worker keeps an idle push session open.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithConnectTimeout bounds each TCP connect plus TLS handshake.
// Zero or negative disables the timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.connectTimeout = d
	}
}

// WithWriteTimeout bounds each frame write. Zero or negative disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.writeTimeout = d
	}
}

// WithRedialPacing sets the back-off bounds between failed connect attempts.
func WithRedialPacing(floor, ceiling time.Duration) Option {
	return func(c *Config) {
		if floor > 0 {
			c.redialFloor = floor
		}
		if ceiling > 0 {
			c.redialCeiling = ceiling
		}
	}
}

// WithIdentifierSupplier sets the strategy for generating the 32-bit
// notification identifiers handed back by Enqueue.
func WithIdentifierSupplier(fn func() uint32) Option {
	return func(c *Config) {
		if fn != nil {
			c.identifiers = fn
		}
	}
}

// WithResponseObserver installs the initial response observer, invoked on
// every decoded error response. Equivalent to SetResponseObserver.
func WithResponseObserver(fn func(Response)) Option {
	return func(c *Config) {
		c.responseObserver = fn
	}
}

// WithDialer substitutes the transport dialer. Intended for tests and for
// callers that need to route through a proxy.
func WithDialer(d Dialer) Option {
	return func(c *Config) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithLogger sets the logger. The default logs to stderr at warn level.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Config) {
		c.logger = log
	}
}

// WithMetrics sets a custom metrics implementation for tracking service
// statistics. If not provided, a default implementation with atomic
// counters will be used.
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithInsecureSkipVerify disables peer certificate verification. Only
// sensible against the Local endpoints in development setups.
func WithInsecureSkipVerify() Option {
	return func(c *Config) {
		c.insecure = true
	}
}

package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cpgflow/engine/emit"
)

// Option is a functional option for configuring an Orchestrator, following
// the teacher's functional-options convention: chainable, self-documenting,
// and composable with a base Config struct.
type Option func(*Config) error

// Config collects the tunables an Orchestrator is constructed with.
type Config struct {
	MaxConcurrentInstances int
	QueueDepth             int
	DefaultActionTimeout   time.Duration
	BackpressureDeadline   time.Duration
	Governance             GovernanceChecks
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	RetryFactor            float64
	Emitter                emit.Emitter
	MetricsRegistry        prometheus.Registerer
}

// DefaultConfig returns the baseline configuration applied before Options
// are layered on top.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentInstances: 64,
		QueueDepth:             1024,
		DefaultActionTimeout:   30 * time.Second,
		BackpressureDeadline:   5 * time.Second,
		Governance:             DefaultGovernanceChecks(),
		RetryBaseDelay:         time.Second,
		RetryMaxDelay:          60 * time.Second,
		RetryFactor:            2.0,
		Emitter:                emit.NewNullEmitter(),
		MetricsRegistry:        prometheus.NewRegistry(),
	}
}

// WithMaxConcurrentInstances sets Config.MaxConcurrentInstances. The
// Orchestrator runs no worker pool and does not read this value, so it
// does not limit how many instances execute a step concurrently.
func WithMaxConcurrentInstances(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return newErr(KindInvalidState, "", "", "MaxConcurrentInstances must be positive, got %d", n)
		}
		c.MaxConcurrentInstances = n
		return nil
	}
}

// WithQueueDepth bounds the work queue's buffered capacity.
func WithQueueDepth(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return newErr(KindInvalidState, "", "", "QueueDepth must be positive, got %d", n)
		}
		c.QueueDepth = n
		return nil
	}
}

// WithDefaultActionTimeout sets the timeout applied to an action when its
// own config does not specify one.
func WithDefaultActionTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.DefaultActionTimeout = d
		return nil
	}
}

// WithBackpressureDeadline bounds how long Start/Resume block when the work
// queue is full before returning a backpressure error.
func WithBackpressureDeadline(d time.Duration) Option {
	return func(c *Config) error {
		c.BackpressureDeadline = d
		return nil
	}
}

// WithGovernanceChecks overrides which governance checks run.
func WithGovernanceChecks(checks GovernanceChecks) Option {
	return func(c *Config) error {
		c.Governance = checks
		return nil
	}
}

// WithRetryBackoff overrides the exponential-backoff parameters used by the
// compensation handler.
func WithRetryBackoff(base, max time.Duration, factor float64) Option {
	return func(c *Config) error {
		c.RetryBaseDelay = base
		c.RetryMaxDelay = max
		c.RetryFactor = factor
		return nil
	}
}

// WithEmitter wires an observability backend for the orchestrator's
// lifecycle events. Unset, events are discarded by emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(c *Config) error {
		if e == nil {
			return newErr(KindInvalidState, "", "", "emitter must not be nil")
		}
		c.Emitter = e
		return nil
	}
}

// WithMetricsRegistry registers the orchestrator's metrics against reg
// instead of the private registry DefaultConfig constructs, so multiple
// Orchestrators (or other instrumented components) can be scraped from one
// /metrics endpoint.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(c *Config) error {
		if reg == nil {
			return newErr(KindInvalidState, "", "", "metrics registry must not be nil")
		}
		c.MetricsRegistry = reg
		return nil
	}
}

func applyOptions(opts ...Option) (Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

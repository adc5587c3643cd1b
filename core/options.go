package core

import (
	"fmt"
	"log"
	"time"

	"github.com/flowgraph/flowcore/core/event"
)

// Defaults for the service configuration.
const (
	// DefaultMaxDepth caps parent/child execution chains. A flow whose node
	// spawns a copy of itself would otherwise recurse forever.
	DefaultMaxDepth = 100

	// DefaultQueueCapacity is the event queue buffer for root executions.
	DefaultQueueCapacity = 200

	// DefaultChildQueueCapacity is the smaller buffer used for child
	// executions, which are short-lived and numerous.
	DefaultChildQueueCapacity = 100

	// DefaultMaxConcurrency bounds how many nodes one engine runs in
	// parallel when the caller does not say otherwise.
	DefaultMaxConcurrency = 4
)

// ExecutionOptions are the per-execution knobs a caller supplies at create
// time. Children inherit their parent's options.
type ExecutionOptions struct {
	// MaxConcurrency bounds parallel node execution within one engine.
	// Zero means DefaultMaxConcurrency.
	MaxConcurrency int

	// NodeTimeout bounds a single node's execution. Zero disables it.
	NodeTimeout time.Duration

	// FlowTimeout bounds the whole flow run. Zero disables it. Expiry
	// surfaces as a flow failure, not a cancellation.
	FlowTimeout time.Duration

	// Debug enables the engine's debugger (pause, step, breakpoints).
	Debug bool

	// Breakpoints are node IDs to break on before the first node fires.
	// Ignored unless Debug is set.
	Breakpoints []string
}

func (o ExecutionOptions) withDefaults() ExecutionOptions {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	return o
}

// config collects service-wide options before they are applied.
type config struct {
	maxDepth           int
	queueCapacity      int
	childQueueCapacity int
	metrics            *Metrics
	observers          []event.Observer
	logf               func(format string, args ...any)
	now                func() time.Time
}

func defaultConfig() config {
	return config{
		maxDepth:           DefaultMaxDepth,
		queueCapacity:      DefaultQueueCapacity,
		childQueueCapacity: DefaultChildQueueCapacity,
		logf:               log.Printf,
		now:                time.Now,
	}
}

// Option is a functional option for configuring a Service.
type Option func(*config) error

// WithMaxDepth overrides the parent/child depth ceiling.
func WithMaxDepth(n int) Option {
	return func(cfg *config) error {
		if n <= 0 {
			return fmt.Errorf("max depth must be positive, got %d", n)
		}
		cfg.maxDepth = n
		return nil
	}
}

// WithQueueCapacity overrides the event queue buffer for root executions.
func WithQueueCapacity(n int) Option {
	return func(cfg *config) error {
		if n <= 0 {
			return fmt.Errorf("queue capacity must be positive, got %d", n)
		}
		cfg.queueCapacity = n
		return nil
	}
}

// WithChildQueueCapacity overrides the event queue buffer for child
// executions.
func WithChildQueueCapacity(n int) Option {
	return func(cfg *config) error {
		if n <= 0 {
			return fmt.Errorf("child queue capacity must be positive, got %d", n)
		}
		cfg.childQueueCapacity = n
		return nil
	}
}

// WithMetrics attaches a Prometheus metrics collector to the service.
func WithMetrics(m *Metrics) Option {
	return func(cfg *config) error {
		cfg.metrics = m
		return nil
	}
}

// WithObservers attaches event observers (logging, tracing). Every event the
// service dispatches is handed to each observer after it is published.
func WithObservers(observers ...event.Observer) Option {
	return func(cfg *config) error {
		cfg.observers = append(cfg.observers, observers...)
		return nil
	}
}

// WithLogf overrides the service's internal warning logger. Defaults to
// log.Printf.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(cfg *config) error {
		if logf == nil {
			return fmt.Errorf("logf must not be nil")
		}
		cfg.logf = logf
		return nil
	}
}

// WithNow overrides the timestamp source (tests).
func WithNow(now func() time.Time) Option {
	return func(cfg *config) error {
		if now == nil {
			return fmt.Errorf("now must not be nil")
		}
		cfg.now = now
		return nil
	}
}

package engine

import (
	"log/slog"
	"time"

	"github.com/dukex/taskflow/pkg/dedup"
	"github.com/dukex/taskflow/pkg/outbound"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the engine. Zero values fall back to DefaultConfig.
type Config struct {
	// CallbackBaseURL prefixes callback URLs handed to external systems.
	CallbackBaseURL string
	// HTTPTimeout bounds each outbound call without its own timeoutMs.
	HTTPTimeout time.Duration
	// MaxParallel bounds concurrent step executions of a single fan-out.
	MaxParallel        int
	DedupResetInterval time.Duration
	JoinSweepInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		CallbackBaseURL:    "http://localhost:9091",
		HTTPTimeout:        30 * time.Second,
		MaxParallel:        16,
		DedupResetInterval: 5 * time.Minute,
		JoinSweepInterval:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()

	if c.CallbackBaseURL == "" {
		c.CallbackBaseURL = defaults.CallbackBaseURL
	}

	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaults.HTTPTimeout
	}

	if c.MaxParallel <= 0 {
		c.MaxParallel = defaults.MaxParallel
	}

	if c.DedupResetInterval <= 0 {
		c.DedupResetInterval = defaults.DedupResetInterval
	}

	if c.JoinSweepInterval <= 0 {
		c.JoinSweepInterval = defaults.JoinSweepInterval
	}

	return c
}

type Option func(*Engine)

func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config.withDefaults()
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.With("module", "engine")
	}
}

// WithDeduplicator replaces the in-memory advancement dedup set.
func WithDeduplicator(d dedup.Deduplicator) Option {
	return func(e *Engine) {
		e.dedup = d
	}
}

func WithCaller(caller *outbound.Caller) Option {
	return func(e *Engine) {
		e.caller = caller
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

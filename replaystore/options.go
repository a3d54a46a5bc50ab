package replaystore

import (
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/INLOpen/replaystore/hooks"
)

type options struct {
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	hookManager    hooks.HookManager
	metrics        *StoreMetrics
	cacheCapacity  int
	retention      time.Duration
	now            func() time.Time
}

func defaultOptions() options {
	return options{
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracerProvider: noop.NewTracerProvider(),
		now:            time.Now,
	}
}

// Option configures a Store.
type Option func(*options)

// WithLogger sets the logger. Nil keeps the discarding default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracerProvider sets the provider used for the Store spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithHookManager makes the Store trigger its events on hm.
func WithHookManager(hm hooks.HookManager) Option {
	return func(o *options) { o.hookManager = hm }
}

// WithMetrics sets the expvar metrics. By default each Store gets unpublished ones.
func WithMetrics(m *StoreMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithCacheCapacity caches up to n aggregates. Zero disables the cache.
func WithCacheCapacity(n int) Option {
	return func(o *options) { o.cacheCapacity = n }
}

// WithRetention hides rows older than d from reads. Zero keeps everything.
func WithRetention(d time.Duration) Option {
	return func(o *options) { o.retention = d }
}

// WithClock replaces time.Now for retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

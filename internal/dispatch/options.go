package dispatch

import (
	"log/slog"

	"github.com/ChuLiYu/beaver-relay/internal/metrics"
)

// Option configures a Dispatcher or a Listener.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metrics.Collector
}

// WithLogger replaces slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records dispatches on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *options) { o.metrics = collector }
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

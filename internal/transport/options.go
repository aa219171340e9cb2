package transport

import "log/slog"

// Option configures a server or dialer.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	advertise bool
}

func newOptions(opts []Option) *options {
	o := &options{logger: slog.Default(), advertise: true}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithoutAdvertise skips announcing the local namespace to new peers.
// Clients that only borrow a server's namespace use it.
func WithoutAdvertise() Option {
	return func(o *options) {
		o.advertise = false
	}
}

package dispatch

import "time"

// Defaults applied when an option is omitted.
const (
	DefaultMaxBatchSize   = 50
	DefaultMaxConcurrency = 1
)

// Options configures a dispatch run.
type Options struct {
	MaxBatchSize    int
	MaxConcurrency  int
	InterBatchDelay time.Duration
}

// DefaultOptions returns 50 recipients per batch, sequential, no pacing.
func DefaultOptions() Options {
	return Options{
		MaxBatchSize:   DefaultMaxBatchSize,
		MaxConcurrency: DefaultMaxConcurrency,
	}
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	if o.MaxBatchSize <= 0 {
		return &ConfigError{Option: "maxBatchSize", Value: o.MaxBatchSize, Reason: "must be > 0"}
	}
	if o.MaxConcurrency < 1 {
		return &ConfigError{Option: "maxConcurrency", Value: o.MaxConcurrency, Reason: "must be >= 1"}
	}
	if o.InterBatchDelay < 0 {
		return &ConfigError{Option: "interBatchDelay", Value: o.InterBatchDelay, Reason: "must be >= 0"}
	}
	return nil
}

// Option mutates Options.
type Option func(*Options)

// WithMaxBatchSize caps the number of recipients per batch.
func WithMaxBatchSize(n int) Option { return func(o *Options) { o.MaxBatchSize = n } }

// WithMaxConcurrency caps the number of batches in flight.
func WithMaxConcurrency(n int) Option { return func(o *Options) { o.MaxConcurrency = n } }

// WithInterBatchDelay pauses between batches in sequential mode.
func WithInterBatchDelay(d time.Duration) Option {
	return func(o *Options) { o.InterBatchDelay = d }
}

// WithOptions replaces all options at once. Zero fields fall back to defaults,
// which suits values coming from config files or request bodies where
// omission is valid.
func WithOptions(in Options) Option {
	return func(o *Options) {
		if in.MaxBatchSize != 0 {
			o.MaxBatchSize = in.MaxBatchSize
		}
		if in.MaxConcurrency != 0 {
			o.MaxConcurrency = in.MaxConcurrency
		}
		o.InterBatchDelay = in.InterBatchDelay
	}
}

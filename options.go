package seek_buffer_go

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultPollInterval bounds how long a blocked Next may miss a Close.
const DefaultPollInterval = 100 * time.Millisecond

type Option func(*options)

type options struct {
	name         string
	logger       *slog.Logger
	pollInterval time.Duration
}

// WithName labels the buffer in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPollInterval sets how often a blocked Next re-checks the closed flag.
func WithPollInterval(interval time.Duration) Option {
	return func(o *options) {
		o.pollInterval = interval
	}
}

func newOptions(defaultName string, opts []Option) options {
	o := options{
		name:         defaultName,
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
	}

	for _, opt := range opts {
		opt(&o)
	}

	if o.pollInterval <= 0 {
		o.pollInterval = DefaultPollInterval
	}

	o.logger = o.logger.With("buffer", o.name)

	return o
}

// waker is a broadcast signal. It is guarded by the owning buffer's lock.
type waker struct {
	ch chan struct{}
}

func newWaker() waker {
	return waker{ch: make(chan struct{})}
}

func (w *waker) broadcast() {
	close(w.ch)
	w.ch = make(chan struct{})
}

func (w *waker) channel() <-chan struct{} {
	return w.ch
}

// waitForSignal parks until wake fires, the poll interval elapses or ctx ends.
func waitForSignal(ctx context.Context, wake <-chan struct{}, poll time.Duration) error {
	timer := time.NewTimer(poll)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	case <-wake:
	case <-timer.C:
	}

	return nil
}

package filecache

import (
	"context"

	"github.com/italolelis/filecache/internal/telemetry"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// FinishHook is called once per finished transfer with the scheduler's context.
// It runs on the transfer's goroutine after the listener that started the
// transfer and before listeners that attached to it later.
type FinishHook func(ctx context.Context, f Finished)

// WithMaxConcurrency raises the initial concurrency bound. Values below the
// default are ignored.
func WithMaxConcurrency(n int) Option {
	return func(s *Scheduler) {
		s.maxConcurrency = max(s.maxConcurrency, n)
	}
}

// WithTelemetry records scheduler metrics on tel.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Scheduler) {
		s.telemetry = tel
	}
}

// WithFinishHook registers a hook run for every finished transfer.
func WithFinishHook(h FinishHook) Option {
	return func(s *Scheduler) {
		s.hooks = append(s.hooks, h)
	}
}

// Package retry centralizes the transient-error backoff policy consulted
// by the worker pool, built on top of gooey's generic retry package so
// every retryable step shares one backoff curve and one cancellation path.
package retry

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/gooey/retry"
)

// Policy is the single retry configuration used for transient pipeline
// failures (§7, §9).
type Policy struct {
	retrier *retry.Retrier
	cfg     Config
}

// Config configures a Policy.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
}

// DefaultConfig mirrors the worker's default retry budget.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     time.Minute,
		Jitter:         0.2,
	}
}

// New builds a Policy from cfg.
func New(cfg Config) *Policy {
	retrier := retry.NewRetrier(
		retry.WithMaxAttempts(cfg.MaxAttempts),
		retry.WithBackoff(cfg.InitialBackoff, cfg.MaxBackoff),
		retry.WithJitter(cfg.Jitter),
		retry.WithFullJitter(),
	)
	return &Policy{retrier: retrier, cfg: cfg}
}

// MaxAttempts reports the configured attempt budget.
func (p *Policy) MaxAttempts() int { return p.cfg.MaxAttempts }

// NextDelay returns the backoff delay before the given 1-indexed retry
// attempt, for callers that want to schedule the retry themselves (e.g.
// persisting NextEligibleAt in the queue) rather than blocking in-process.
func (p *Policy) NextDelay(attempt int) time.Duration {
	return retry.FullJitterBackoff(attempt, &retry.Config{
		InitialBackoff:    p.cfg.InitialBackoff,
		MaxBackoff:        p.cfg.MaxBackoff,
		BackoffMultiplier: 2.0,
	})
}

// Do runs fn under the policy, blocking between attempts. Used by callers
// that want in-process retry rather than queue-rescheduled retry.
func (p *Policy) Do(ctx context.Context, fn func() error) error {
	return p.retrier.Do(ctx, fn)
}

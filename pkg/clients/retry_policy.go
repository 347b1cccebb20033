package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ajitpratap0/nebula-bc/pkg/config"
	"github.com/ajitpratap0/nebula-bc/pkg/errors"
)

// RetryPolicy bounds how often a failed call is repeated and how long to wait
// between attempts. Delays grow exponentially with jitter.
type RetryPolicy struct {
	// MaxAttempts counts the first call, so 1 disables retries
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// DefaultRetryPolicy returns the policy used when nothing is configured
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     5,
		InitialDelay:    time.Second,
		MaxDelay:        60 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// RetryPolicyFromConfig builds a policy from the reliability settings
func RetryPolicyFromConfig(cfg config.ReliabilityConfig) *RetryPolicy {
	rp := DefaultRetryPolicy()
	if cfg.RetryAttempts > 0 {
		rp.MaxAttempts = cfg.RetryAttempts
	}
	if cfg.RetryDelay > 0 {
		rp.InitialDelay = cfg.RetryDelay
	}
	if cfg.MaxRetryDelay > 0 {
		rp.MaxDelay = cfg.MaxRetryDelay
	}
	if cfg.RetryMultiplier >= 1 {
		rp.Multiplier = cfg.RetryMultiplier
	}
	rp.RandomizeFactor = cfg.RetryJitter
	return rp
}

// Execute retries fn while it returns a retryable error
func (rp *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	return rp.ExecuteWithCondition(ctx, fn, errors.IsRetryable)
}

// ExecuteWithCondition retries fn while shouldRetry accepts its error.
// A non-retryable error is returned unchanged. When the budget runs out the
// last error is wrapped as ErrorTypeTransient, which is no longer retryable.
func (rp *RetryPolicy) ExecuteWithCondition(ctx context.Context, fn func() error, shouldRetry func(error) bool) error {
	b := rp.newBackOff()
	var lastErr error

	for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		if !shouldRetry(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == rp.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return errors.Wrap(lastErr, errors.ErrorTypeTransient,
		fmt.Sprintf("all %d attempts failed", rp.MaxAttempts))
}

func (rp *RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rp.InitialDelay
	b.MaxInterval = rp.MaxDelay
	b.Multiplier = rp.Multiplier
	b.RandomizationFactor = rp.RandomizeFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/rs/zerolog"
)

// RetryConfig bounds a single logical generation call.
type RetryConfig struct {
	// CallTimeout applies to each attempt.
	CallTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Backoff is the first retry delay; it doubles per retry.
	Backoff time.Duration
	// MaxBackoff caps the delay.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the stock retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		CallTimeout: 2 * time.Minute,
		MaxRetries:  3,
		Backoff:     time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// Retrying wraps a Generator with per-call timeouts and bounded retries on
// transient failures.
type Retrying struct {
	inner  Generator
	cfg    RetryConfig
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

var _ Generator = (*Retrying)(nil)

// NewRetrying wraps inner.
func NewRetrying(inner Generator, cfg RetryConfig, logger zerolog.Logger) *Retrying {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Retrying{inner: inner, cfg: cfg, logger: logger, sleep: sleepCtx}
}

// Generate runs the call, retrying transient errors with exponential backoff.
func (r *Retrying) Generate(ctx context.Context, prompt string, p Params) (Response, error) {
	delay := r.cfg.Backoff
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			r.logger.Debug().Err(lastErr).Int("attempt", attempt).Dur("delay", delay).Str("model", p.Model).Msg("retrying generation")
			if err := r.sleep(ctx, delay); err != nil {
				return Response{}, err
			}
			delay *= 2
			if delay > r.cfg.MaxBackoff {
				delay = r.cfg.MaxBackoff
			}
		}

		resp, err := r.attempt(ctx, prompt, p)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsTransient(err) {
			return Response{}, err
		}
	}
	return Response{}, fmt.Errorf("generation failed after %d attempts: %w", r.cfg.MaxRetries+1, lastErr)
}

func (r *Retrying) attempt(ctx context.Context, prompt string, p Params) (Response, error) {
	if r.cfg.CallTimeout <= 0 {
		return r.inner.Generate(ctx, prompt, p)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.inner.Generate(callCtx, prompt, p)
}

// IsTransient reports whether err is worth retrying: rate limits, server
// errors, overload, per-call deadlines and network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var transient *TransientError
	return errors.As(err, &transient)
}

// TransientError marks an error from a custom backend as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

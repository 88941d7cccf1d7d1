// Package retry implements exponential backoff with jitter and
// retryability classification for engine and tool-server calls.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Config defines backoff behavior.
type Config struct {
	MaxRetries       int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	JitterFactor     float64 // 0.0-1.0; spreads delays to avoid synchronized retries
	MaxSameErrorType int     // consecutive same-type failures before escalating to permanent
}

// DefaultConfig suits engine round trips and tool-server transports.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:       3,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		Multiplier:       2.0,
		JitterFactor:     0.1,
		MaxSameErrorType: 5,
	}
}

// RetryableError lets errors declare their own retryability. Engine
// errors implement this; it takes precedence over pattern matching.
type RetryableError interface {
	error
	IsRetryable() bool
}

// backoff tracks the growing delay between attempts.
type backoff struct {
	cfg  *Config
	next time.Duration
}

func newBackoff(cfg *Config) *backoff {
	return &backoff{cfg: cfg, next: cfg.InitialDelay}
}

// wait sleeps the current delay with jitter applied, then grows it.
// Returns the context error if the caller gives up first.
func (b *backoff) wait(ctx context.Context) error {
	select {
	case <-time.After(applyJitter(b.next, b.cfg.JitterFactor)):
		b.next = time.Duration(float64(b.next) * b.cfg.Multiplier)
		if b.next > b.cfg.MaxDelay {
			b.next = b.cfg.MaxDelay
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func applyJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return delay
	}
	spread := float64(delay) * factor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + spread)
}

// Do runs fn until it succeeds or MaxRetries is exhausted. Every failure
// is retried; use DoIfRetryable when permanent errors should stop early.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that produce a value, such as client
// construction. The last result is returned alongside the last error.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	b := newBackoff(cfg)
	var result T
	var lastErr error

	for attempt := 0; ; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}
		if attempt >= cfg.MaxRetries {
			return result, lastErr
		}
		if err := b.wait(ctx); err != nil {
			return result, err
		}
	}
}

// DoIfRetryable retries only transient failures. Permanent errors return
// immediately, and a run of MaxSameErrorType consecutive same-type
// failures escalates to a permanent error even if retries remain.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	b := newBackoff(cfg)
	var lastErr error
	streak := 0
	streakType := ""

	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}

		kind := classifyErrorType(lastErr)
		if kind == streakType {
			streak++
		} else {
			streakType, streak = kind, 1
		}
		if cfg.MaxSameErrorType > 0 && streak >= cfg.MaxSameErrorType {
			return fmt.Errorf("repeated error (%d times, type=%s): %w", streak, kind, lastErr)
		}

		if attempt >= cfg.MaxRetries {
			return lastErr
		}
		if err := b.wait(ctx); err != nil {
			return err
		}
	}
}

// retryablePatterns are message fragments of failures known to be
// transient: connection trouble, timeouts, and upstream pushback.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"connection timed out",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"timeout",
	"timed out",
	"i/o timeout",
	"temporary failure",
	"429",
	"500",
	"502",
	"503",
	"504",
	"rate limit",
	"too many requests",
	"service busy",
	"service unavailable",
	"overloaded",
}

// IsRetryable reports whether an error is worth retrying. An error that
// implements RetryableError decides for itself; everything else falls
// back to pattern matching on the message.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if r, ok := err.(interface{ IsRetryable() bool }); ok {
		return r.IsRetryable()
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// classifyErrorType buckets an error so repeated failures of the same
// kind can be detected across attempts.
func classifyErrorType(err error) string {
	if err == nil {
		return "nil"
	}

	msg := strings.ToLower(err.Error())

	for _, code := range []string{"503", "502", "504", "500", "429", "404", "403", "401", "400"} {
		if strings.Contains(msg, code) {
			return code
		}
	}

	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return "connection"
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return "timeout"
	case strings.Contains(msg, "broken pipe"):
		return "broken_pipe"
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return "rate_limit"
	default:
		return "unknown"
	}
}

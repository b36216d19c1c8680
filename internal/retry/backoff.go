// Package retry repeats provider calls (LLM completions, channel sends) with
// exponential backoff inside a single queue attempt. Failures that outlast it
// are returned to the job queue, which has its own, slower retry policy.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig configures retry behavior with exponential backoff
type RetryConfig struct {
	MaxRetries int           `json:"max_retries"` // Repeats after the first attempt
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Multiplier float64       `json:"multiplier"`
	Jitter     bool          `json:"jitter"` // +/-10% of the computed delay
	LogRetries bool          `json:"log_retries"`

	// RetryIf decides whether a failed attempt is worth repeating. Nil
	// retries every error.
	RetryIf func(error) bool `json:"-"`
}

// RetryResult reports how a call went.
type RetryResult struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
	Success       bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
	}
}

// LLMRetryConfig is tuned for completion calls, which are slow and rate limited.
// Only transient failures are repeated; anything else is left to the job queue.
func LLMRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  2 * time.Second,
		MaxDelay:   20 * time.Second,
		Multiplier: 2.5,
		Jitter:     true,
		LogRetries: true,
		RetryIf:    IsRetryableError,
	}
}

// DeliveryRetryConfig is tuned for outbound channel sends. It stays short so a
// job never spends its whole timeout on one provider call.
func DeliveryRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
		RetryIf:    IsRetryableError,
	}
}

// RetryWithBackoff runs operation until it succeeds, the config gives up, or
// ctx ends. A cancelled ctx is reported as LastError.
func RetryWithBackoff(ctx context.Context, config RetryConfig, operation func() error, logger zerolog.Logger) RetryResult {
	start := time.Now()
	var res RetryResult
	done := func(err error) RetryResult {
		res.LastError = err
		res.Success = err == nil
		res.TotalDuration = time.Since(start)
		return res
	}

	for {
		res.Attempts++
		err := operation()
		if err == nil {
			if config.LogRetries && res.Attempts > 1 {
				logger.Info().Int("attempts", res.Attempts).Dur("total_duration", time.Since(start)).
					Msg("Operation succeeded after retries")
			}
			return done(nil)
		}

		giveUp := res.Attempts > config.MaxRetries || (config.RetryIf != nil && !config.RetryIf(err))
		if giveUp {
			if config.LogRetries {
				logger.Warn().Err(err).Int("attempts", res.Attempts).Msg("Operation failed")
			}
			return done(err)
		}

		delay := backoffDelay(config, res.Attempts-1)
		if config.LogRetries {
			logger.Debug().Err(err).Int("attempt", res.Attempts).Dur("delay", delay).
				Msg("Operation failed, backing off")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return done(ctx.Err())
		case <-timer.C:
		}
	}
}

// backoffDelay returns BaseDelay * Multiplier^n capped at MaxDelay.
func backoffDelay(config RetryConfig, n int) time.Duration {
	d := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(n))
	if config.MaxDelay > 0 {
		d = math.Min(d, float64(config.MaxDelay))
	}
	if config.Jitter {
		d += d * 0.1 * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

// Retryable is implemented by errors that know whether a repeat can succeed.
type Retryable interface {
	Retryable() bool
}

// transientMarkers match provider SDK errors that only expose a message.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"temporarily unavailable",
	"service unavailable",
	"overloaded",
	"too many requests",
	"rate limit",
	"429",
	"500",
	"502",
	"503",
	"504",
	"eof",
}

// IsRetryableError reports whether err looks transient: a typed Retryable
// answer wins, then network timeouts, then well-known message fragments.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

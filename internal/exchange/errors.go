package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind classifies an exchange error by its handling policy
type Kind int

const (
	// KindTransient covers timeouts, 5xx and dropped connections. Retried
	// with bounded backoff inside the gateway.
	KindTransient Kind = iota
	// KindCapacity covers rate-limit and quota responses. The limiter pauses
	// and respects retry-after.
	KindCapacity
	// KindValidation covers malformed requests (bad precision, unknown
	// symbol). Never retried.
	KindValidation
	// KindAuth covers authentication and permission failures. Fatal: the
	// engine halts trading.
	KindAuth
	// KindIntegrity is the fail-safe default for anything unclassified.
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCapacity:
		return "capacity"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	default:
		return "integrity"
	}
}

// ErrTradingHalted is returned once an auth failure has shut the gateway down
var ErrTradingHalted = errors.New("trading halted: exchange authentication failed")

// Classify maps an error to its handling kind. Matching is on message text
// because SDK errors do not share a type hierarchy.
func Classify(err error) Kind {
	if err == nil {
		return KindIntegrity
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "auth"),
		strings.Contains(errStr, "401"),
		strings.Contains(errStr, "403"),
		strings.Contains(errStr, "-2014"), // bad API key format
		strings.Contains(errStr, "-2015"), // invalid key, IP, or permissions
		strings.Contains(errStr, "signature"):
		return KindAuth
	case strings.Contains(errStr, "429"),
		strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "-1003"): // way too many requests
		return KindCapacity
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline"),
		strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "connection reset"),
		strings.Contains(errStr, "500"),
		strings.Contains(errStr, "502"),
		strings.Contains(errStr, "503"),
		strings.Contains(errStr, "-1001"), // internal error
		strings.Contains(errStr, "-1021"): // timestamp outside recvWindow
		return KindTransient
	case strings.Contains(errStr, "invalid"),
		strings.Contains(errStr, "precision"),
		strings.Contains(errStr, "-1111"), // precision over maximum
		strings.Contains(errStr, "-1121"), // invalid symbol
		strings.Contains(errStr, "-2010"), // new order rejected
		strings.Contains(errStr, "-4164"): // notional below minimum
		return KindValidation
	default:
		return KindIntegrity
	}
}

// IsRetryable reports whether an operation may be retried for this error
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	k := Classify(err)
	return k == KindTransient || k == KindCapacity
}

// RetryConfig configures retry behavior for gateway operations
type RetryConfig struct {
	MaxRetries     int           // retries beyond the first attempt
	InitialBackoff time.Duration // first backoff duration
	MaxBackoff     time.Duration // backoff cap
	BackoffFactor  float64       // exponential multiplier
	JitterFraction float64       // fraction of backoff randomized, [0,1]
}

// DefaultRetryConfig returns the gateway default: three total attempts with
// jittered exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.2,
	}
}

// RetryableOperation represents an operation that can be retried
type RetryableOperation func() error

// WithRetry executes an operation with jittered exponential backoff. Errors
// that classify as validation, auth or integrity abort immediately.
func WithRetry(ctx context.Context, config RetryConfig, operation RetryableOperation) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				log.Info().
					Int("attempt", attempt+1).
					Msg("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			log.Debug().
				Err(err).
				Str("kind", Classify(err).String()).
				Msg("Error is not retryable, aborting")
			return err
		}

		if attempt == config.MaxRetries {
			break
		}

		sleep := backoff
		if config.JitterFraction > 0 {
			jitter := time.Duration(rand.Float64() * config.JitterFraction * float64(backoff))
			sleep = backoff + jitter
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", config.MaxRetries+1).
			Dur("backoff", sleep).
			Msg("Operation failed, retrying with backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffFactor)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}

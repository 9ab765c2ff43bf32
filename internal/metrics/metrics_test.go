package metrics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSkipReason(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"previous cycle still running", SkipReasonOverlap},
		{"overlap", SkipReasonOverlap},
		{"prompt_too_large", SkipReasonPromptTooLarge},
		{"token budget exceeded", SkipReasonPromptTooLarge},
		{"indicators warming up", SkipReasonWarmingUp},
		{"data gap on BTCUSDT", SkipReasonDataGap},
		{"feed stale", SkipReasonDataGap},
		{"trading halted by breaker", SkipReasonHalted},
		{"mystery", SkipReasonOther},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSkipReason(tt.reason))
		})
	}
}

func TestNormalizeExchangeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"timeout", errors.New("request timeout exceeded"), ExchangeErrorTimeout},
		{"deadline", errors.New("context deadline exceeded"), ExchangeErrorTimeout},
		{"rate limit", errors.New("HTTP 429 too many requests"), ExchangeErrorRateLimit},
		{"auth", errors.New("authentication failed: bad signature"), ExchangeErrorAuth},
		{"forbidden", errors.New("status 403"), ExchangeErrorAuth},
		{"network", errors.New("connection refused"), ExchangeErrorNetwork},
		{"invalid", errors.New("invalid quantity precision"), ExchangeErrorInvalidReq},
		{"server", errors.New("HTTP 503 service unavailable"), ExchangeErrorServerError},
		{"other", errors.New("weird"), ExchangeErrorOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeExchangeError(tt.err))
		})
	}
}

func TestNormalizeAdvisorError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"timeout", errors.New("request timeout"), AdvisorErrorTimeout},
		{"parse", errors.New("no parseable json in response"), AdvisorErrorParse},
		{"validation", errors.New("schema validation failed: confidence out of range"), AdvisorErrorValidation},
		{"circuit", errors.New("model circuit is open"), AdvisorErrorCircuitOpen},
		{"budget", errors.New("daily cost budget exhausted"), AdvisorErrorBudget},
		{"other", errors.New("weird"), AdvisorErrorOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeAdvisorError(tt.err))
		})
	}
}

// Package retry applies the configured retry policy to calls that may fail
// because the store or the model is temporarily unavailable.
package retry

import (
	"context"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/hyperjump/kbase/internal/apperr"
	"github.com/hyperjump/kbase/internal/config"
)

// Options converts cfg into retry-go options. Only apperr.Retryable errors are retried.
func Options(ctx context.Context, cfg config.RetryConfig, logger *zap.Logger) []retry.Option {
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = 1
	}
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(cfg.Delay),
		retry.MaxDelay(cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(apperr.Retryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("retrying after transient failure", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	}
}

// Do runs fn under the retry policy and returns its result.
func Do[T any](ctx context.Context, cfg config.RetryConfig, logger *zap.Logger, fn func() (T, error)) (T, error) {
	return retry.DoWithData(fn, Options(ctx, cfg, logger)...)
}

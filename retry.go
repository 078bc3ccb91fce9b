package disburse

import (
	"context"
	"time"

	"github.com/blnkfinance/disburse/config"
	"github.com/blnkfinance/disburse/gateway"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides how gateway submissions are retried. The zero value never retries.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Retryable holds the gateway error signatures worth another attempt.
	Retryable map[string]bool
}

// RetryPolicyFromConfig builds the policy described by the retry config section.
func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	p := RetryPolicy{
		BaseDelay:  time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		Multiplier: cfg.BackoffMultiplier,
		Retryable:  make(map[string]bool, len(cfg.RetryableErrors)),
	}
	if cfg.MaxRetries != nil {
		p.MaxRetries = *cfg.MaxRetries
	}
	for _, sig := range cfg.RetryableErrors {
		p.Retryable[sig] = true
	}
	return p
}

// NoDelayRetryPolicy retries transient failures immediately.
func NoDelayRetryPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		Retryable: map[string]bool{
			gateway.SignatureTimeout:         true,
			gateway.SignatureConnectionReset: true,
			gateway.SignatureRateLimit:       true,
			gateway.SignatureServerError:     true,
		},
	}
}

// IsRetryable reports whether err is classified as transient by this policy.
func (p RetryPolicy) IsRetryable(err error) bool {
	return err != nil && p.Retryable[gateway.Signature(err)]
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.BaseDelay > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.BaseDelay
		eb.MaxInterval = p.MaxDelay
		if eb.MaxInterval < p.BaseDelay {
			eb.MaxInterval = p.BaseDelay
		}
		eb.Multiplier = p.Multiplier
		if eb.Multiplier < 1 {
			eb.Multiplier = 1
		}
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	}
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
}

// Do runs op until it succeeds, fails with a non-retryable error or the retries run
// out. onRetry is called before each new attempt with the error that caused it.
// It returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, op func(attempt int) error, onRetry func(attempt int, err error, wait time.Duration)) (int, error) {
	attempts := 0
	operation := func() error {
		attempts++
		err := op(attempts)
		if err != nil && !p.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(attempts, err, wait)
		}
	}
	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	return attempts, err
}

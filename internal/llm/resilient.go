package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/bulkhead"
	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/felixgeelhaar/fortify/retry"
)

// ResilientProvider wraps a Provider with a per-attempt timeout, retry
// with exponential backoff, a circuit breaker, a concurrency bulkhead and
// an optional rate limit.
type ResilientProvider struct {
	provider       Provider
	timeout        time.Duration
	circuitBreaker circuitbreaker.CircuitBreaker[*Response]
	retrier        retry.Retry[*Response]
	bulkhead       bulkhead.Bulkhead[*Response]
	rateLimit      ratelimit.RateLimiter
}

// NewResilientProvider wraps provider using the resilience fields of cfg.
func NewResilientProvider(provider Provider, cfg Config) *ResilientProvider {
	rp := &ResilientProvider{
		provider: provider,
		timeout:  cfg.Timeout,
	}

	rp.circuitBreaker = circuitbreaker.New[*Response](circuitbreaker.Config{
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(from, to circuitbreaker.State) {
			slog.Warn("LLM circuit breaker state change",
				"model", provider.ModelID(),
				"from", from.String(),
				"to", to.String())
		},
	})

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	rp.retrier = retry.New[*Response](retry.Config{
		MaxAttempts:   attempts,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Multiplier:    2.0,
		BackoffPolicy: retry.BackoffExponential,
		Jitter:        true,
		IsRetryable:   IsRetryable,
	})

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	rp.bulkhead = bulkhead.New[*Response](bulkhead.Config{
		MaxConcurrent: maxConcurrent,
		MaxQueue:      maxConcurrent * 4,
		QueueTimeout:  30 * time.Second,
	})

	if cfg.RatePerSecond > 0 {
		rp.rateLimit = ratelimit.New(&ratelimit.Config{
			Rate:     cfg.RatePerSecond,
			Burst:    cfg.RatePerSecond * 3,
			Interval: time.Second,
		})
	}
	return rp
}

func (p *ResilientProvider) ModelID() string { return p.provider.ModelID() }

func (p *ResilientProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	if p.rateLimit != nil && !p.rateLimit.Allow(ctx, p.provider.ModelID()) {
		return nil, &ErrRateLimit{Err: fmt.Errorf("local rate limit exceeded for %s", p.provider.ModelID())}
	}

	attempt := func(ctx context.Context) (*Response, error) {
		return p.bulkhead.Execute(ctx, func(ctx context.Context) (*Response, error) {
			return p.generateWithTimeout(ctx, req)
		})
	}
	return p.circuitBreaker.Execute(ctx, func(ctx context.Context) (*Response, error) {
		return p.retrier.Do(ctx, attempt)
	})
}

func (p *ResilientProvider) generateWithTimeout(ctx context.Context, req Request) (*Response, error) {
	if p.timeout <= 0 {
		return p.provider.Generate(ctx, req)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.provider.Generate(attemptCtx, req)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &ErrTimeout{After: p.timeout, Err: err}
	}
	return resp, err
}

// Close releases resources held by the resilient provider.
func (p *ResilientProvider) Close() error {
	if p.rateLimit != nil {
		return p.rateLimit.Close()
	}
	return nil
}

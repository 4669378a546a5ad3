package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/yield402/treasury/internal/logger"
	"github.com/yield402/treasury/internal/metrics"
)

var retryLogger = logger.GetForComponent("retry")

var ErrRetriesExhausted = errors.New("rate limit retries exhausted")

// Policy retries rate-limited calls with capped exponential backoff and jitter.
// Any other error is returned to the caller immediately.
type Policy struct {
	MaxRetries int           // Retries after the first attempt
	BaseDelay  time.Duration // Delay before the first retry, doubled each time
	MaxDelay   time.Duration // Cap on any single delay, jitter included
	MaxJitter  time.Duration // Uniform random extra delay in [0, MaxJitter)

	// Jitter returns a value in [0, max). Defaults to a uniform random source.
	Jitter func(max time.Duration) time.Duration
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy mirrors common RPC provider guidance: 1s, 2s, 4s... plus up to 1s jitter, capped at 32s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   32 * time.Second,
		MaxJitter:  time.Second,
	}
}

// Decision is what to do after a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide is the pure part of the policy. attempt counts retries already made, starting at 0.
func (p Policy) Decide(attempt int, err error) Decision {
	if err == nil || !IsRateLimited(err) || attempt >= p.MaxRetries {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.delay(attempt)}
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
		d *= 2
	}
	if p.MaxJitter > 0 {
		d += p.jitter(p.MaxJitter)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) jitter(max time.Duration) time.Duration {
	if p.Jitter != nil {
		return p.Jitter(max)
	}
	return rand.N(max)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
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

// Do runs fn until it succeeds, fails with a non rate-limit error, or retries run out.
func Do[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !IsRateLimited(err) {
			return zero, err
		}
		decision := p.Decide(attempt, err)
		if !decision.Retry {
			return zero, fmt.Errorf("%s: %w after %d retries: %w", op, ErrRetriesExhausted, attempt, err)
		}

		retryLogger.Warn().
			Str("op", op).
			Int("attempt", attempt+1).
			Int("maxRetries", p.MaxRetries).
			Dur("delay", decision.Delay).
			Msg("Rate limited, backing off")
		metrics.RateLimitRetries.WithLabelValues(op).Inc()

		if err := p.sleep(ctx, decision.Delay); err != nil {
			return zero, fmt.Errorf("%s: %w", op, err)
		}
	}
}

// IsRateLimited recognises HTTP 429 responses however the transport surfaces them.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == 429 {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "Too Many Requests")
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRateLimited = errors.New("rpc call getAccountInfo() on https://api.devnet.solana.com: HTTP 429 Too Many Requests")

func noJitterPolicy() Policy {
	p := DefaultPolicy()
	p.Jitter = func(time.Duration) time.Duration { return 0 }
	return p
}

func TestDecideDelaysAreNonDecreasingAndCapped(t *testing.T) {
	p := noJitterPolicy()
	p.MaxRetries = 10

	var prev time.Duration
	for attempt := 0; attempt < p.MaxRetries; attempt++ {
		d := p.Decide(attempt, errRateLimited)
		require.True(t, d.Retry, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d.Delay, prev)
		assert.LessOrEqual(t, d.Delay, p.MaxDelay)
		prev = d.Delay
	}
	assert.Equal(t, p.MaxDelay, prev)
}

func TestDecideSchedule(t *testing.T) {
	p := noJitterPolicy()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for attempt, w := range want {
		assert.Equal(t, w, p.Decide(attempt, errRateLimited).Delay)
	}
	assert.False(t, p.Decide(5, errRateLimited).Retry)
}

func TestDecideJitterIsCapped(t *testing.T) {
	p := DefaultPolicy()
	p.Jitter = func(max time.Duration) time.Duration { return max - time.Millisecond }
	d := p.Decide(5-1, errRateLimited)
	assert.Equal(t, 16*time.Second+999*time.Millisecond, d.Delay)

	p.MaxRetries = 7
	assert.Equal(t, 32*time.Second, p.Decide(6, errRateLimited).Delay)
}

func TestDecideIgnoresOtherErrors(t *testing.T) {
	p := DefaultPolicy()
	assert.False(t, p.Decide(0, errors.New("account not found")).Retry)
	assert.False(t, p.Decide(0, nil).Retry)
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(errRateLimited))
	assert.True(t, IsRateLimited(errors.New("Too Many Requests")))
	assert.True(t, IsRateLimited(&jsonrpc.RPCError{Code: 429, Message: "slow down"}))
	assert.False(t, IsRateLimited(&jsonrpc.RPCError{Code: -32602, Message: "invalid params"}))
	assert.False(t, IsRateLimited(nil))
}

func TestDoTerminatesAfterMaxRetries(t *testing.T) {
	p := noJitterPolicy()
	var slept []time.Duration
	p.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	_, err := Do(context.Background(), p, "load reserve", func(context.Context) (int, error) {
		calls++
		return 0, errRateLimited
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Contains(t, err.Error(), "after 5 retries")
	assert.Equal(t, p.MaxRetries+1, calls)
	assert.Len(t, slept, p.MaxRetries)
}

func TestDoRecoversAfterRateLimit(t *testing.T) {
	p := noJitterPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	got, err := Do(context.Background(), p, "load reserve", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errRateLimited
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDoPropagatesOtherErrorsImmediately(t *testing.T) {
	p := noJitterPolicy()
	p.Sleep = func(context.Context, time.Duration) error {
		t.Fatal("must not sleep")
		return nil
	}
	boom := errors.New("invalid account data")

	calls := 0
	_, err := Do(context.Background(), p, "load reserve", func(context.Context) (int, error) {
		calls++
		return 0, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	p := noJitterPolicy()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, p, "load reserve", func(context.Context) (int, error) {
		return 0, errRateLimited
	})
	assert.ErrorIs(t, err, context.Canceled)
}

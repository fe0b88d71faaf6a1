package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/insights-cli/internal/cost"
	"github.com/sells-group/insights-cli/internal/metrics"
	"github.com/sells-group/insights-cli/internal/prompt"
	"github.com/sells-group/insights-cli/internal/resilience"
)

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

// scripted returns a Completer that answers per endpoint from a queue of
// results; the last result of each queue repeats.
type scripted struct {
	mu    sync.Mutex
	plans map[string][]error
	calls map[string]int
}

func newScripted(plans map[string][]error) *scripted {
	return &scripted{plans: plans, calls: make(map[string]int)}
}

func (s *scripted) Complete(_ context.Context, model string, _ CompletionRequest) (CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.calls[model]
	s.calls[model]++
	plan := s.plans[model]
	if len(plan) == 0 {
		return CompletionResponse{Text: "ok from " + model, Usage: cost.Usage{Input: 100, Output: 10}}, nil
	}
	err := plan[min(n, len(plan)-1)]
	if err != nil {
		return CompletionResponse{}, err
	}
	return CompletionResponse{Text: "ok from " + model, Usage: cost.Usage{Input: 100, Output: 10}}, nil
}

func (s *scripted) count(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[model]
}

func rateLimited() error {
	return resilience.NewTransientError(errors.New("REQUEST_LIMIT_EXCEEDED"), 429)
}

func newTestInvoker(t *testing.T, c Completer, cfg Config, opts ...Option) *Invoker {
	t.Helper()
	inv, err := NewInvoker(c, resilience.NewGate(4, 0), cfg, opts...)
	require.NoError(t, err)
	return inv
}

var req = prompt.Request{Kind: prompt.KindCategory, Category: "Usage Pattern", System: "s", User: "u", MaxTokens: 1000, Temperature: 0.1}

func TestInvoke_FirstEndpointSucceeds(t *testing.T) {
	c := newScripted(nil)
	inv := newTestInvoker(t, c, Config{Endpoints: []string{"endpoint1", "endpoint2"}, Retry: fastRetry(3)})

	resp, err := inv.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "endpoint1", resp.ModelUsed)
	assert.Equal(t, "ok from endpoint1", resp.Text)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, 0, c.count("endpoint2"))
}

func TestInvoke_FailsOverAfterRateLimits(t *testing.T) {
	c := newScripted(map[string][]error{
		"endpoint1": {rateLimited(), rateLimited()},
	})
	inv := newTestInvoker(t, c, Config{Endpoints: []string{"endpoint1", "endpoint2"}, Retry: fastRetry(2)})

	resp, err := inv.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "endpoint2", resp.ModelUsed)
	assert.Equal(t, 2, c.count("endpoint1"))
	assert.Equal(t, 1, c.count("endpoint2"))
	assert.Equal(t, 3, resp.Attempts)
}

func TestInvoke_RetriesTransientOnSameEndpoint(t *testing.T) {
	c := newScripted(map[string][]error{
		"endpoint1": {resilience.NewTransientError(errors.New("bad gateway"), 502), nil},
	})
	inv := newTestInvoker(t, c, Config{Endpoints: []string{"endpoint1", "endpoint2"}, Retry: fastRetry(3)})

	resp, err := inv.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "endpoint1", resp.ModelUsed)
	assert.Equal(t, 2, resp.Attempts)
}

func TestInvoke_PermanentErrorStopsImmediately(t *testing.T) {
	c := newScripted(map[string][]error{
		"endpoint1": {resilience.NewPermanentError(errors.New("invalid api key"), 401)},
	})
	inv := newTestInvoker(t, c, Config{Endpoints: []string{"endpoint1", "endpoint2"}, Retry: fastRetry(3)})

	_, err := inv.Invoke(context.Background(), req)
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.False(t, errors.Is(err, ErrModelUnavailable))
	assert.Equal(t, 1, c.count("endpoint1"))
	assert.Equal(t, 0, c.count("endpoint2"))
}

func TestInvoke_AllEndpointsExhausted(t *testing.T) {
	c := newScripted(map[string][]error{
		"endpoint1": {rateLimited()},
		"endpoint2": {resilience.NewTransientError(errors.New("unavailable"), 503)},
	})
	m := metrics.New()
	inv := newTestInvoker(t, c, Config{Endpoints: []string{"endpoint1", "endpoint2"}, Retry: fastRetry(3)}, WithMetrics(m))

	_, err := inv.Invoke(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelUnavailable))
	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, []string{"endpoint1", "endpoint2"}, ue.Endpoints)
	assert.Contains(t, err.Error(), "unavailable")
	assert.Equal(t, 3, c.count("endpoint1"))
	assert.Equal(t, 3, c.count("endpoint2"))
}

func TestInvoke_UnclassifiedErrorFailsOverWithoutRetry(t *testing.T) {
	c := newScripted(map[string][]error{
		"endpoint1": {errEmptyCompletion},
	})
	inv := newTestInvoker(t, c, Config{Endpoints: []string{"endpoint1", "endpoint2"}, Retry: fastRetry(3)})

	resp, err := inv.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "endpoint2", resp.ModelUsed)
	assert.Equal(t, 1, c.count("endpoint1"))
}

func TestInvoke_PerCallTimeoutIsTransient(t *testing.T) {
	var slowCalls atomic.Int32
	c := CompleterFunc(func(ctx context.Context, model string, _ CompletionRequest) (CompletionResponse, error) {
		if model == "slow" {
			slowCalls.Add(1)
			<-ctx.Done()
			return CompletionResponse{}, ctx.Err()
		}
		return CompletionResponse{Text: "fast"}, nil
	})
	inv := newTestInvoker(t, c, Config{
		Endpoints:   []string{"slow", "fast"},
		Retry:       fastRetry(2),
		CallTimeout: 20 * time.Millisecond,
	})

	resp, err := inv.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "fast", resp.ModelUsed)
	assert.Equal(t, int32(2), slowCalls.Load(), "timeouts are retried")
}

func TestInvoke_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := CompleterFunc(func(ctx context.Context, _ string, _ CompletionRequest) (CompletionResponse, error) {
		cancel()
		<-ctx.Done()
		return CompletionResponse{}, ctx.Err()
	})
	inv := newTestInvoker(t, c, Config{Endpoints: []string{"endpoint1", "endpoint2"}, Retry: fastRetry(3)})

	_, err := inv.Invoke(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrModelUnavailable))
}

func TestInvoke_BreakerSkipsOpenEndpoint(t *testing.T) {
	c := newScripted(map[string][]error{
		"endpoint1": {rateLimited()},
	})
	inv := newTestInvoker(t, c, Config{
		Endpoints: []string{"endpoint1", "endpoint2"},
		Retry:     fastRetry(1),
		Breaker:   BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Minute},
	})

	resp, err := inv.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "endpoint2", resp.ModelUsed)
	assert.Equal(t, 1, c.count("endpoint1"))

	resp, err = inv.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "endpoint2", resp.ModelUsed)
	assert.Equal(t, 1, c.count("endpoint1"), "open breaker must not call the endpoint")
}

func TestInvoke_PermanentErrorsDoNotTripBreaker(t *testing.T) {
	c := newScripted(map[string][]error{
		"endpoint1": {resilience.NewPermanentError(errors.New("bad request"), 400), nil},
	})
	inv := newTestInvoker(t, c, Config{
		Endpoints: []string{"endpoint1"},
		Retry:     fastRetry(1),
		Breaker:   BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Minute},
	})

	_, err := inv.Invoke(context.Background(), req)
	require.Error(t, err)

	resp, err := inv.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "endpoint1", resp.ModelUsed)
}

func TestInvoke_SharedGateBoundsInFlight(t *testing.T) {
	var inFlight, peak atomic.Int32
	c := CompleterFunc(func(_ context.Context, _ string, _ CompletionRequest) (CompletionResponse, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return CompletionResponse{Text: "ok"}, nil
	})
	inv, err := NewInvoker(c, resilience.NewGate(3, 0), Config{Endpoints: []string{"e"}, Retry: fastRetry(1)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := inv.Invoke(context.Background(), req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestInvoke_CostEstimate(t *testing.T) {
	c := newScripted(nil)
	calc := cost.NewCalculator(cost.Rates{Models: map[string]cost.ModelRate{
		"endpoint1": {Input: 1.0, Output: 10.0},
	}})
	inv := newTestInvoker(t, c, Config{Endpoints: []string{"endpoint1"}, Retry: fastRetry(1)}, WithPricing(calc))

	resp, err := inv.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.InDelta(t, 100.0/1e6*1.0+10.0/1e6*10.0, resp.CostUSD, 1e-12)
	assert.Equal(t, int64(100), resp.Usage.Input)
}

func TestNewInvoker_Validation(t *testing.T) {
	gate := resilience.NewGate(1, 0)
	_, err := NewInvoker(nil, gate, Config{Endpoints: []string{"e"}})
	assert.Error(t, err)
	_, err = NewInvoker(newScripted(nil), nil, Config{Endpoints: []string{"e"}})
	assert.Error(t, err)
	_, err = NewInvoker(newScripted(nil), gate, Config{Endpoints: []string{" ", ""}})
	assert.Error(t, err)

	inv, err := NewInvoker(newScripted(nil), gate, Config{Endpoints: []string{" a ", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, inv.Endpoints())
	assert.Equal(t, "a,b", inv.ModelID())
}

func TestInvoke_GenerationOverrides(t *testing.T) {
	var got CompletionRequest
	c := CompleterFunc(func(_ context.Context, _ string, r CompletionRequest) (CompletionResponse, error) {
		got = r
		return CompletionResponse{Text: "{}"}, nil
	})

	inv := newTestInvoker(t, c, Config{Endpoints: []string{"e"}, Retry: fastRetry(1)})
	_, err := inv.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.MaxTokens)
	assert.InDelta(t, 0.1, got.Temperature, 1e-9)

	temp := 0.0
	inv = newTestInvoker(t, c, Config{Endpoints: []string{"e"}, Retry: fastRetry(1), MaxTokens: 400, Temperature: &temp})
	_, err = inv.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(400), got.MaxTokens)
	assert.Zero(t, got.Temperature)
}

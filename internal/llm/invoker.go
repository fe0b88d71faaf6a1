// Package llm dispatches rendered prompts to foundation model endpoints with
// retry, failover, circuit breaking and a shared concurrency bound.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/sells-group/insights-cli/internal/cost"
	"github.com/sells-group/insights-cli/internal/metrics"
	"github.com/sells-group/insights-cli/internal/prompt"
	"github.com/sells-group/insights-cli/internal/resilience"
)

// ErrModelUnavailable is returned when every endpoint has been exhausted.
var ErrModelUnavailable = errors.New("llm: model unavailable")

// UnavailableError reports endpoint exhaustion together with the last
// underlying failure. It matches ErrModelUnavailable with errors.Is.
type UnavailableError struct {
	Endpoints []string
	Err       error
}

func (e *UnavailableError) Error() string {
	msg := "llm: model unavailable after trying " + strings.Join(e.Endpoints, ", ")
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the last endpoint error.
func (e *UnavailableError) Unwrap() []error {
	return []error{ErrModelUnavailable, e.Err}
}

// BreakerConfig controls the per-endpoint circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed endpoint
	// attempts (after retries) that opens the breaker. 0 disables it.
	FailureThreshold uint32
	// OpenTimeout is how long an open breaker rejects calls before
	// letting a probe through.
	OpenTimeout time.Duration
}

// errCallerDone marks failures caused by the caller giving up rather than by
// the endpoint.
var errCallerDone = errors.New("llm: caller context done")

// Config configures an Invoker.
type Config struct {
	// Endpoints are tried in order; the first is preferred.
	Endpoints []string
	// Retry is the per-endpoint retry policy.
	Retry resilience.RetryConfig
	// CallTimeout bounds each individual attempt. 0 means no timeout.
	CallTimeout time.Duration
	Breaker     BreakerConfig
	// MaxTokens caps the completion length of every request. 0 keeps each
	// request's own limit.
	MaxTokens int64
	// Temperature replaces the request temperature when set.
	Temperature *float64
}

// Response is a successful completion.
type Response struct {
	Text      string
	ModelUsed string
	// Attempts counts every call made across all endpoints, including
	// failed ones.
	Attempts int
	Usage    cost.Usage
	CostUSD  float64
}

// Invoker sends prompts to the first endpoint that answers. All callers share
// one Invoker so its Gate bounds the total number of in-flight calls.
type Invoker struct {
	completer Completer
	cfg       Config
	gate      *resilience.Gate
	metrics   *metrics.Metrics
	pricing   *cost.Calculator

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[CompletionResponse]
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithMetrics records call outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Invoker) { i.metrics = m }
}

// WithPricing attaches a cost calculator for per-call cost estimates.
func WithPricing(c *cost.Calculator) Option {
	return func(i *Invoker) { i.pricing = c }
}

// NewInvoker builds an Invoker. gate must be shared by every component that
// issues model calls.
func NewInvoker(completer Completer, gate *resilience.Gate, cfg Config, opts ...Option) (*Invoker, error) {
	if completer == nil {
		return nil, eris.New("llm: completer is required")
	}
	if gate == nil {
		return nil, eris.New("llm: gate is required")
	}
	eps := make([]string, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		if ep = strings.TrimSpace(ep); ep != "" {
			eps = append(eps, ep)
		}
	}
	if len(eps) == 0 {
		return nil, eris.New("llm: at least one endpoint is required")
	}
	cfg.Endpoints = eps

	inv := &Invoker{
		completer: completer,
		cfg:       cfg,
		gate:      gate,
		breakers:  make(map[string]*gobreaker.CircuitBreaker[CompletionResponse]),
	}
	for _, o := range opts {
		o(inv)
	}
	if inv.pricing != nil {
		for _, ep := range eps {
			if !inv.pricing.Known(ep) {
				zap.L().Warn("llm: no pricing for endpoint, cost reported as 0", zap.String("endpoint", ep))
			}
		}
	}
	return inv, nil
}

// Endpoints returns the configured priority list.
func (inv *Invoker) Endpoints() []string {
	return append([]string(nil), inv.cfg.Endpoints...)
}

// ModelID identifies the endpoint list for cache keys. Two invokers with
// different endpoint lists never share cache entries.
func (inv *Invoker) ModelID() string {
	return strings.Join(inv.cfg.Endpoints, ",")
}

// Invoke sends req to each endpoint in priority order. Transient failures are
// retried per the retry policy and then fail over; permanent failures return
// immediately; exhaustion returns an *UnavailableError.
func (inv *Invoker) Invoke(ctx context.Context, req prompt.Request) (*Response, error) {
	creq := CompletionRequest{
		System:      req.System,
		User:        req.User,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if limit := inv.cfg.MaxTokens; limit > 0 && (creq.MaxTokens == 0 || creq.MaxTokens > limit) {
		creq.MaxTokens = limit
	}
	if inv.cfg.Temperature != nil {
		creq.Temperature = *inv.cfg.Temperature
	}

	var attempts int
	var lastErr error
	for i, ep := range inv.cfg.Endpoints {
		resp, err := inv.tryEndpoint(ctx, ep, creq, &attempts)
		if err == nil {
			out := &Response{
				Text:      resp.Text,
				ModelUsed: ep,
				Attempts:  attempts,
				Usage:     resp.Usage,
				CostUSD:   inv.pricing.Model(ep, resp.Usage),
			}
			inv.metrics.AddTokens(ep, resp.Usage.Input, resp.Usage.Output)
			zap.L().Debug("llm: completion",
				zap.String("endpoint", ep),
				zap.String("kind", string(req.Kind)),
				zap.String("category", req.Category),
				zap.Int("attempts", attempts),
				zap.Int64("input_tokens", resp.Usage.Input),
				zap.Int64("output_tokens", resp.Usage.Output),
				zap.Int64("cache_write_tokens", resp.Usage.CacheWrite),
				zap.Int64("cache_read_tokens", resp.Usage.CacheRead),
				zap.Float64("cost_usd", out.CostUSD),
			)
			return out, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, eris.Wrap(ctxErr, "llm: invoke canceled")
		}
		if resilience.IsPermanent(err) {
			return nil, eris.Wrapf(err, "llm: permanent failure from %s", ep)
		}

		lastErr = err
		if i < len(inv.cfg.Endpoints)-1 {
			inv.metrics.Failover()
			zap.L().Warn("llm: endpoint exhausted, failing over",
				zap.String("endpoint", ep),
				zap.String("next", inv.cfg.Endpoints[i+1]),
				zap.String("category", req.Category),
				zap.Error(err),
			)
		}
	}

	inv.metrics.Unavailable()
	return nil, &UnavailableError{Endpoints: inv.Endpoints(), Err: lastErr}
}

// tryEndpoint runs the retry loop for one endpoint behind its breaker.
func (inv *Invoker) tryEndpoint(ctx context.Context, ep string, req CompletionRequest, attempts *int) (CompletionResponse, error) {
	retry := inv.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("llm", ep)
	}
	run := func() (CompletionResponse, error) {
		resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (CompletionResponse, error) {
			return inv.attempt(ctx, ep, req, attempts)
		})
		if err != nil && ctx.Err() != nil {
			return resp, fmt.Errorf("%w: %w", errCallerDone, err)
		}
		return resp, err
	}

	cb := inv.breaker(ep)
	if cb == nil {
		return run()
	}
	resp, err := cb.Execute(run)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		inv.metrics.ObserveModelCall(ep, metrics.OutcomeBreakerOpen, 0)
		return CompletionResponse{}, eris.Wrapf(err, "llm: breaker open for %s", ep)
	}
	return resp, err
}

// attempt makes exactly one call while holding a gate slot. The slot is not
// held during backoff sleeps.
func (inv *Invoker) attempt(ctx context.Context, ep string, req CompletionRequest, attempts *int) (CompletionResponse, error) {
	release, err := inv.gate.Acquire(ctx)
	if err != nil {
		return CompletionResponse{}, err
	}
	defer release()
	inv.metrics.CallStarted()
	defer inv.metrics.CallFinished()

	*attempts++

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if inv.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, inv.cfg.CallTimeout)
	}
	defer cancel()

	start := time.Now()
	resp, err := inv.completer.Complete(callCtx, ep, req)
	elapsed := time.Since(start)

	if err == nil {
		inv.gate.Limiter().OnSuccess()
		inv.metrics.ObserveModelCall(ep, metrics.OutcomeSuccess, elapsed)
		return resp, nil
	}

	// A per-attempt timeout (parent still alive) is transient.
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !resilience.IsTransient(err) {
		err = resilience.NewTransientError(eris.Wrapf(err, "llm: %s timed out after %s", ep, inv.cfg.CallTimeout), 0)
	}

	switch {
	case ctx.Err() != nil:
		inv.metrics.ObserveModelCall(ep, metrics.OutcomeCanceled, elapsed)
	case resilience.IsPermanent(err):
		inv.metrics.ObserveModelCall(ep, metrics.OutcomePermanent, elapsed)
	default:
		inv.metrics.ObserveModelCall(ep, metrics.OutcomeTransient, elapsed)
	}
	if resilience.IsRateLimited(err) {
		inv.gate.Limiter().OnRateLimit()
	}
	return CompletionResponse{}, err
}

func (inv *Invoker) breaker(ep string) *gobreaker.CircuitBreaker[CompletionResponse] {
	if inv.cfg.Breaker.FailureThreshold == 0 {
		return nil
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if cb, ok := inv.breakers[ep]; ok {
		return cb
	}

	threshold := inv.cfg.Breaker.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[CompletionResponse](gobreaker.Settings{
		Name:        ep,
		MaxRequests: 1,
		Timeout:     inv.cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Permanent errors and cancellations say nothing about endpoint health.
		IsSuccessful: func(err error) bool {
			return err == nil || resilience.IsPermanent(err) || errors.Is(err, errCallerDone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			inv.metrics.SetBreakerState(name, int(to))
			zap.L().Warn("llm: circuit breaker state change",
				zap.String("endpoint", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	inv.breakers[ep] = cb
	return cb
}

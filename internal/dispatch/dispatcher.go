// Package dispatch routes completion requests across an ordered candidate
// list. Each candidate is gated by its circuit breaker and the rate limiter,
// called under a bounded timeout, and retried on transient failures with
// exponential backoff. Transient exhaustion moves to the next candidate;
// permanent errors escalate immediately.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/emberworks/cascade/internal/breaker"
	"github.com/emberworks/cascade/internal/clock"
	"github.com/emberworks/cascade/internal/logging"
	"github.com/emberworks/cascade/internal/provider"
	"github.com/emberworks/cascade/internal/ratelimit"
	"github.com/emberworks/cascade/internal/telemetry"
)

// ErrNoCandidates indicates a dispatch with an empty candidate list.
var ErrNoCandidates = errors.New("dispatch: no candidate models")

// ExhaustedError reports that every candidate failed, carrying the last
// error seen per candidate.
type ExhaustedError struct {
	Candidates []string
	Errors     map[string]error
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	models := make([]string, 0, len(e.Errors))
	for m := range e.Errors {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		parts = append(parts, fmt.Sprintf("%s: %v", m, e.Errors[m]))
	}
	return "all candidate models exhausted: " + strings.Join(parts, "; ")
}

// Config holds dispatcher settings.
type Config struct {
	// CallTimeout bounds a single provider call.
	CallTimeout time.Duration `koanf:"call_timeout"`

	Retry RetryPolicy `koanf:"retry"`
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.CallTimeout == 0 {
		c.CallTimeout = 120 * time.Second
	}
	c.Retry.ApplyDefaults()
}

// Validate checks config for errors.
func (c Config) Validate() error {
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be > 0, got %v", c.CallTimeout)
	}
	return c.Retry.Validate()
}

// Dispatcher owns the failover loop.
type Dispatcher struct {
	cfg      Config
	provider provider.Provider
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	clk      clock.Clock
	logger   *logging.Logger
	metrics  *telemetry.Metrics
	random   func() float64
}

// New creates a Dispatcher.
func New(cfg Config, p provider.Provider, limiter *ratelimit.Limiter, breakers *breaker.Registry, clk clock.Clock, logger *logging.Logger, metrics *telemetry.Metrics) (*Dispatcher, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch config: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if breakers == nil {
		return nil, fmt.Errorf("breaker registry is required")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		cfg:      cfg,
		provider: p,
		limiter:  limiter,
		breakers: breakers,
		clk:      clk,
		logger:   logger,
		metrics:  metrics,
		random:   randomFraction,
	}, nil
}

// Dispatch tries each candidate in order and returns the first completion.
// A permanent provider error aborts immediately with that error; transient
// exhaustion on every candidate yields an *ExhaustedError.
func (d *Dispatcher) Dispatch(ctx context.Context, candidates []string, req provider.Request) (provider.Response, error) {
	if len(candidates) == 0 {
		return provider.Response{}, ErrNoCandidates
	}

	lastErrs := make(map[string]error, len(candidates))
	for i, model := range candidates {
		if err := ctx.Err(); err != nil {
			return provider.Response{}, err
		}

		resp, err := d.tryCandidate(ctx, model, req)
		if err == nil {
			if i > 0 {
				d.metrics.RecordFailover(ctx, candidates[0], model)
				d.logger.InfoContext(ctx, "dispatch answered by backup",
					zap.String("primary", candidates[0]),
					zap.String("winner", model),
				)
			}
			return resp, nil
		}
		lastErrs[model] = err

		var pe *provider.Error
		if errors.As(err, &pe) && !pe.Kind.Transient() {
			// Permanent errors would fail identically everywhere the request
			// is malformed or unauthorized; escalate without failover.
			return provider.Response{}, err
		}
		// Only the caller's context ending aborts the loop. A raw deadline
		// error with the parent still live came from the per-call timeout and
		// is just that candidate failing; the next one may answer.
		if ctx.Err() != nil {
			return provider.Response{}, err
		}

		d.logger.WarnContext(ctx, "candidate exhausted, failing over",
			zap.String("model", model),
			zap.Error(err),
			zap.Int("remaining", len(candidates)-i-1),
		)
	}

	return provider.Response{}, &ExhaustedError{Candidates: candidates, Errors: lastErrs}
}

// tryCandidate runs the admission/call/report cycle for one model with the
// transient-retry loop. The breaker is consulted before every attempt, so a
// circuit that opens mid-retry stops the loop without another network call.
func (d *Dispatcher) tryCandidate(ctx context.Context, model string, req provider.Request) (provider.Response, error) {
	req.Model = model
	ctx = logging.WithModel(ctx, model)
	br := d.breakers.Get(model)
	state := newRetryState(d.cfg.Retry)

	var lastErr error
	for {
		if err := br.Allow(); err != nil {
			d.metrics.RecordBreakerRejection(ctx, model)
			if lastErr != nil {
				return provider.Response{}, lastErr
			}
			return provider.Response{}, err
		}

		resp, err := d.callOnce(ctx, model, br, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !provider.IsTransient(err) {
			return provider.Response{}, err
		}

		delay, ok := state.next(d.random())
		if !ok {
			return provider.Response{}, lastErr
		}
		d.logger.DebugContext(ctx, "transient failure, backing off",
			zap.Error(err),
			zap.Duration("backoff", delay),
			zap.Int("retry", state.retries()),
		)
		if err := d.clk.Sleep(ctx, delay); err != nil {
			return provider.Response{}, err
		}
	}
}

// callOnce performs a single admitted provider call and reports the outcome
// to the breaker.
func (d *Dispatcher) callOnce(ctx context.Context, model string, br *breaker.Breaker, req provider.Request) (provider.Response, error) {
	if err := d.limiter.Acquire(ctx, model); err != nil {
		// Admission aborted before any network call; not a provider outcome.
		br.CancelProbe()
		return provider.Response{}, err
	}
	if err := d.limiter.AcquireSlot(ctx); err != nil {
		br.CancelProbe()
		return provider.Response{}, err
	}
	defer d.limiter.ReleaseSlot()

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	start := d.clk.Now()
	resp, err := d.provider.Send(callCtx, req)
	elapsed := d.clk.Since(start)

	if err != nil {
		br.RecordFailure()
		outcome := "permanent"
		if provider.IsTransient(err) {
			outcome = "transient"
		}
		d.metrics.RecordDispatch(ctx, model, outcome, elapsed)
		return provider.Response{}, err
	}

	br.RecordSuccess()
	d.metrics.RecordDispatch(ctx, model, "ok", elapsed)
	return resp, nil
}

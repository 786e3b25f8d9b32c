// Package ratelimit provides per-model token-bucket admission control plus a
// global in-flight cap for completion calls.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/emberworks/cascade/internal/clock"
	"github.com/emberworks/cascade/internal/logging"
)

// Config holds admission-control settings.
type Config struct {
	// RequestsPerMinute refills each model's bucket at RequestsPerMinute/60
	// tokens per second.
	RequestsPerMinute int `koanf:"requests_per_minute"`

	// BucketCapacity is the burst ceiling per model.
	BucketCapacity int `koanf:"bucket_capacity"`

	// MaxParallelRequests caps concurrently in-flight calls across all models.
	MaxParallelRequests int64 `koanf:"max_parallel_requests"`

	// JitterFraction scales the random extension added to each wait, in
	// [0, JitterFraction) of the base wait.
	JitterFraction float64 `koanf:"jitter_fraction"`
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = 20
	}
	if c.BucketCapacity == 0 {
		c.BucketCapacity = 20
	}
	if c.MaxParallelRequests == 0 {
		c.MaxParallelRequests = 3
	}
	if c.JitterFraction == 0 {
		c.JitterFraction = 0.2
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests_per_minute must be > 0, got %d", c.RequestsPerMinute)
	}
	if c.BucketCapacity <= 0 {
		return fmt.Errorf("bucket_capacity must be > 0, got %d", c.BucketCapacity)
	}
	if c.MaxParallelRequests <= 0 {
		return fmt.Errorf("max_parallel_requests must be > 0, got %d", c.MaxParallelRequests)
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		return fmt.Errorf("jitter_fraction must be in [0, 1), got %v", c.JitterFraction)
	}
	return nil
}

// Limiter owns one token bucket per model id and a weighted semaphore for the
// global in-flight cap. All waiting goes through the injected clock.
type Limiter struct {
	cfg    Config
	clk    clock.Clock
	slots  *semaphore.Weighted
	logger *logging.Logger

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a Limiter. The config must already be validated.
func New(cfg Config, clk clock.Clock, logger *logging.Logger) (*Limiter, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ratelimit config: %w", err)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Limiter{
		cfg:     cfg,
		clk:     clk,
		slots:   semaphore.NewWeighted(cfg.MaxParallelRequests),
		logger:  logger,
		buckets: make(map[string]*rate.Limiter),
	}, nil
}

func (l *Limiter) bucket(model string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[model]
	if !ok {
		refill := rate.Limit(float64(l.cfg.RequestsPerMinute) / 60.0)
		b = rate.NewLimiter(refill, l.cfg.BucketCapacity)
		l.buckets[model] = b
	}
	return b
}

// Acquire blocks until a token is available for model. When the bucket is
// empty it computes the refill wait, extends it by a random jitter fraction,
// sleeps on the injected clock and retries admission. Returns early if ctx is
// canceled during the wait.
func (l *Limiter) Acquire(ctx context.Context, model string) error {
	b := l.bucket(model)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := l.clk.Now()
		res := b.ReserveN(now, 1)
		if !res.OK() {
			return fmt.Errorf("ratelimit: bucket for %q cannot admit a request", model)
		}
		delay := res.DelayFrom(now)
		if delay <= 0 {
			return nil
		}
		// Hand the token back before sleeping; holding a reservation while
		// asleep would stack every waiter behind a possibly-canceled caller.
		res.CancelAt(now)

		wait := delay
		if l.cfg.JitterFraction > 0 {
			wait += time.Duration(float64(delay) * l.cfg.JitterFraction * rand.Float64())
		}
		l.logger.DebugContext(ctx, "rate limit wait",
			zap.String("model", model),
			zap.Duration("wait", wait),
		)
		if err := l.clk.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// TokensAt reports the bucket level for model at time t. Levels stay within
// [0, capacity] for all refill schedules.
func (l *Limiter) TokensAt(model string, t time.Time) float64 {
	return l.bucket(model).TokensAt(t)
}

// AcquireSlot claims a unit of the global in-flight cap, blocking until one
// is free or ctx is done.
func (l *Limiter) AcquireSlot(ctx context.Context) error {
	return l.slots.Acquire(ctx, 1)
}

// ReleaseSlot returns a previously acquired unit of the global cap.
func (l *Limiter) ReleaseSlot() {
	l.slots.Release(1)
}

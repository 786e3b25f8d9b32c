// Package breaker implements a per-model circuit breaker. When a model fails
// repeatedly, its circuit opens and calls are rejected locally with no
// network traffic until a cooldown elapses, after which a single probe call
// decides whether the circuit closes again.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emberworks/cascade/internal/clock"
	"github.com/emberworks/cascade/internal/logging"
)

// State is the circuit state.
type State int

const (
	// Closed is the normal operating state, calls flow through.
	Closed State = iota
	// Open means the circuit tripped, calls are rejected immediately.
	Open
	// HalfOpen admits exactly one probe call to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures breaker behavior.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int `koanf:"failure_threshold"`

	// Cooldown is the initial rejection window after the circuit opens.
	Cooldown time.Duration `koanf:"cooldown"`

	// MaxCooldown caps cooldown growth when ExponentialCooldown is set.
	MaxCooldown time.Duration `koanf:"max_cooldown"`

	// ExponentialCooldown doubles the cooldown each time a probe fails.
	ExponentialCooldown bool `koanf:"exponential_cooldown"`

	// OnStateChange is called outside the breaker lock when state changes.
	OnStateChange func(model string, from, to State) `koanf:"-"`
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxCooldown == 0 {
		c.MaxCooldown = 5 * time.Minute
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be > 0, got %d", c.FailureThreshold)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be > 0, got %v", c.Cooldown)
	}
	if c.MaxCooldown < c.Cooldown {
		return fmt.Errorf("max_cooldown %v must be >= cooldown %v", c.MaxCooldown, c.Cooldown)
	}
	return nil
}

// OpenError reports a locally rejected call. No token was consumed and no
// network request was made.
type OpenError struct {
	Model string
	Until time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for model %q until %s", e.Model, e.Until.Format(time.RFC3339))
}

// Breaker is the circuit breaker for a single model id.
type Breaker struct {
	model  string
	cfg    Config
	clk    clock.Clock
	logger *logging.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	cooldown    time.Duration
	probing     bool
}

// New creates a breaker for a model id. The config must already be validated.
func New(model string, cfg Config, clk clock.Clock, logger *logging.Logger) *Breaker {
	cfg.ApplyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Breaker{
		model:    model,
		cfg:      cfg,
		clk:      clk,
		logger:   logger,
		state:    Closed,
		cooldown: cfg.Cooldown,
	}
}

// Allow reports whether a call to the model may proceed. While open and the
// cooldown unexpired it returns an *OpenError. When the cooldown has elapsed
// exactly one caller is admitted as the half-open probe; concurrent callers
// keep being rejected until that probe reports its outcome.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil

	case Open:
		until := b.openedAt.Add(b.cooldown)
		if b.clk.Now().Before(until) {
			return &OpenError{Model: b.model, Until: until}
		}
		b.transitionTo(HalfOpen)
		b.probing = true
		return nil

	case HalfOpen:
		if b.probing {
			return &OpenError{Model: b.model, Until: b.openedAt.Add(b.cooldown)}
		}
		b.probing = true
		return nil

	default:
		return &OpenError{Model: b.model}
	}
}

// RecordSuccess reports a successful call. A successful half-open probe
// closes the circuit and resets the failure count and cooldown.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state == HalfOpen {
		b.cooldown = b.cfg.Cooldown
		b.transitionTo(Closed)
	}
}

// CancelProbe releases an admitted call slot without recording an outcome.
// Used when admission is aborted (context canceled) before any network call
// happens, so a half-open circuit can admit the next probe.
func (b *Breaker) CancelProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// RecordFailure reports a failed call. Reaching the consecutive-failure
// threshold opens the circuit; a failed half-open probe reopens it with a
// grown cooldown when exponential cooldown is enabled.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false
	b.lastFailure = b.clk.Now()

	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case HalfOpen:
		if b.cfg.ExponentialCooldown {
			b.cooldown = min(b.cooldown*2, b.cfg.MaxCooldown)
		}
		b.open()
	}
}

// open must be called with the lock held.
func (b *Breaker) open() {
	b.openedAt = b.clk.Now()
	b.transitionTo(Open)
}

// transitionTo must be called with the lock held.
func (b *Breaker) transitionTo(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.logger.Info("circuit state change",
		zap.String("model", b.model),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.Duration("cooldown", b.cooldown),
	)
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.model, prev, next)
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Model       string    `json:"model"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	Cooldown    string    `json:"cooldown"`
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Model:       b.model,
		State:       b.state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		Cooldown:    b.cooldown.String(),
	}
}

// Registry manages breakers for multiple model ids.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	clk      clock.Clock
	logger   *logging.Logger
}

// NewRegistry creates a registry that lazily builds breakers with cfg.
func NewRegistry(cfg Config, clk clock.Clock, logger *logging.Logger) *Registry {
	cfg.ApplyDefaults()
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		clk:      clk,
		logger:   logger,
	}
}

// Get returns the breaker for a model id, creating one if needed.
func (r *Registry) Get(model string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[model]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[model]; ok {
		return b
	}
	b = New(model, r.cfg, r.clk, r.logger)
	r.breakers[model] = b
	return b
}

// AllStats returns snapshots for every breaker in the registry.
func (r *Registry) AllStats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}

// Package resiliency provides the circuit breaker guarding every external
// dependency on the decision path: decision-cache reads and writes, audit
// persistence, and the rule evaluator each get their own breaker instance.
package resiliency

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State of a circuit breaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned when a call is refused because the breaker is open.
// Callers interpret it distinctly from downstream failures: an open breaker
// means fall back, not retry.
var ErrOpen = errors.New("resiliency: circuit breaker open")

// Config tunes a breaker. Zero fields take the defaults below.
type Config struct {
	// FailureThreshold opens the breaker after this many consecutive
	// failures inside the monitor window.
	FailureThreshold int
	// SuccessThreshold closes a half-open breaker after this many
	// consecutive successes.
	SuccessThreshold int
	// ResetTimeout is how long an open breaker waits before probing.
	ResetTimeout time.Duration
	// MonitorWindow bounds how long a failure streak stays relevant.
	MonitorWindow time.Duration
}

// DefaultConfig returns the deployment defaults: open after 5 consecutive
// failures within 60s, probe after 30s, close after 3 successes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		ResetTimeout:     30 * time.Second,
		MonitorWindow:    60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.MonitorWindow <= 0 {
		c.MonitorWindow = d.MonitorWindow
	}
	return c
}

// Breaker is a circuit breaker with CLOSED -> OPEN -> HALF_OPEN transitions.
// Every state change is logged.
type Breaker struct {
	mu   sync.Mutex
	name string
	cfg  Config
	log  *slog.Logger
	now  func() time.Time

	state        State
	failures     int
	successes    int
	firstFailure time.Time
	openedAt     time.Time
}

// New creates a breaker. A nil logger falls back to slog.Default().
func New(name string, cfg Config, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		log:   log,
		now:   time.Now,
		state: StateClosed,
	}
}

// WithClock overrides the clock for deterministic tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// State returns the current state, accounting for reset-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow reports whether a call may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state != StateOpen
}

// Do runs fn under the breaker. A refused call returns ErrOpen without
// invoking fn; fn's own error is passed through after being recorded.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure notes a failed call, opening the breaker when the
// consecutive-failure threshold is reached within the monitor window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateHalfOpen:
		// A probe failure re-opens immediately.
		b.transition(StateOpen)
		b.openedAt = now
	case StateClosed:
		if b.failures == 0 || now.Sub(b.firstFailure) > b.cfg.MonitorWindow {
			b.failures = 0
			b.firstFailure = now
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
			b.openedAt = now
		}
	}
}

// maybeHalfOpen moves OPEN -> HALF_OPEN once the reset timeout has elapsed.
// Caller holds b.mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.transition(StateHalfOpen)
	}
}

// transition changes state and logs it. Caller holds b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	b.log.Info("circuit breaker state change",
		"breaker", b.name,
		"from", string(from),
		"to", string(to),
	)
}

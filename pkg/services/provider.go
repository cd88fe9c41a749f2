package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrCircuitOpen rejects calls while a provider's breaker is open.
var ErrCircuitOpen = errors.New("services: circuit breaker open")

// Provider contract bounds. External market-data providers allow between 60
// and 120 requests per minute; configs outside that band are clamped.
const (
	minRequestsPerMinute = 60
	maxRequestsPerMinute = 120

	defaultFailureThreshold   = 3
	defaultOpenDuration       = 60 * time.Second
	defaultDeadLetterCapacity = 128
)

// ProviderConfig configures one external provider handle.
type ProviderConfig struct {
	Name               string
	RequestsPerMinute  int
	FailureThreshold   int
	OpenDuration       time.Duration
	DeadLetterCapacity int
}

func (c ProviderConfig) withDefaults() ProviderConfig {
	if c.RequestsPerMinute < minRequestsPerMinute {
		c.RequestsPerMinute = minRequestsPerMinute
	}
	if c.RequestsPerMinute > maxRequestsPerMinute {
		c.RequestsPerMinute = maxRequestsPerMinute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = defaultOpenDuration
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = defaultDeadLetterCapacity
	}
	return c
}

// RetryableError marks a provider failure the host may replay from the dead
// letter queue (rate-limit responses, transient network errors).
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// MarkRetryable wraps err so the handle dead-letters it.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err carries the retryable marker.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// DeadLetter is one failed, replayable provider call.
type DeadLetter struct {
	Provider  string    `json:"provider"`
	Operation string    `json:"operation"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// ProviderHandle enforces the provider contract around caller-supplied call
// functions: a token bucket, a consecutive-failure circuit breaker, and a
// bounded dead-letter queue for retryable failures.
type ProviderHandle struct {
	name    string
	limiter *rate.Limiter
	breaker *circuitBreaker
	logger  *slog.Logger

	mu      sync.Mutex
	letters []DeadLetter
	dropped int
	cap     int
	now     func() time.Time
}

func NewProviderHandle(cfg ProviderConfig, logger *slog.Logger) *ProviderHandle {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	// Burst equals the per-minute quota: providers meter by minute, so a
	// full-quota burst refilled continuously is the same contract.
	perSecond := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	return &ProviderHandle{
		name:    cfg.Name,
		limiter: rate.NewLimiter(perSecond, cfg.RequestsPerMinute),
		breaker: newCircuitBreaker(cfg.FailureThreshold, cfg.OpenDuration),
		logger:  logger.With("component", "provider", "provider", cfg.Name),
		cap:     cfg.DeadLetterCapacity,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Tests only.
func (p *ProviderHandle) WithClock(now func() time.Time) *ProviderHandle {
	p.now = now
	p.breaker.now = now
	return p
}

func (p *ProviderHandle) Name() string { return p.name }

// Call runs op under the rate limit and breaker. A breaker rejection does not
// consume a token. Retryable failures are dead-lettered before returning.
func (p *ProviderHandle) Call(ctx context.Context, operation string, op func(context.Context) error) error {
	if !p.breaker.Allow() {
		return fmt.Errorf("provider %s: %w", p.name, ErrCircuitOpen)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("provider %s: rate limit wait: %w", p.name, err)
	}

	err := op(ctx)
	if err == nil {
		p.breaker.Success()
		return nil
	}

	p.breaker.Failure()
	if IsRetryable(err) {
		p.deadLetter(operation, err)
	}
	return fmt.Errorf("provider %s: %s: %w", p.name, operation, err)
}

func (p *ProviderHandle) deadLetter(operation string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.letters) >= p.cap {
		// Keep the most recent failures; the oldest are least replayable.
		p.letters = p.letters[1:]
		p.dropped++
	}
	p.letters = append(p.letters, DeadLetter{
		Provider:  p.name,
		Operation: operation,
		Reason:    err.Error(),
		At:        p.now().UTC(),
	})
}

// Drain returns and clears the dead-letter queue.
func (p *ProviderHandle) Drain() []DeadLetter {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.letters
	p.letters = nil
	if p.dropped > 0 {
		p.logger.Warn("dead letter queue overflowed", "dropped", p.dropped)
		p.dropped = 0
	}
	return out
}

// State exposes the breaker state for health reporting.
func (p *ProviderHandle) State() string {
	return p.breaker.State()
}

// Breaker states.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// circuitBreaker opens after N consecutive failures and admits a single probe
// once the open window elapses.
type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string
	probing      bool
	now          func() time.Time
}

func newCircuitBreaker(threshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold:    threshold,
		resetTimeout: timeout,
		state:        StateClosed,
		now:          time.Now,
	}
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		// One probe at a time while half-open.
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.probing = false
}

func (cb *circuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	cb.probing = false
	if cb.state == StateHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = StateOpen
	}
}

func (cb *circuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

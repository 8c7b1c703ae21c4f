package types

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CircuitBreaker trips after consecutive request failures and holds requests
// off a degraded provider for a cooldown window. While open, clients return
// CircuitBreakerOpenError without issuing the request.
type CircuitBreaker struct {
	mu           sync.Mutex
	logger       zerolog.Logger
	provider     string
	threshold    int
	cooldown     time.Duration
	failures     int
	openUntil    time.Time
	lastTripTime time.Time
}

// CircuitBreakerConfig configures trip threshold and cooldown.
type CircuitBreakerConfig struct {
	Provider  string
	Threshold int
	Cooldown  time.Duration
	Logger    zerolog.Logger
}

// DefaultCircuitBreakerConfig returns sensible defaults for debrid APIs.
func DefaultCircuitBreakerConfig(provider string, logger zerolog.Logger) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Provider:  provider,
		Threshold: 5,
		Cooldown:  30 * time.Second,
		Logger:    logger,
	}
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		logger:    cfg.Logger.With().Str("component", "circuit-breaker").Str("provider", cfg.Provider).Logger(),
		provider:  cfg.Provider,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
	}
}

// Allow reports whether a request may proceed. When the breaker is open it
// returns the error callers should surface.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openUntil.IsZero() {
		return nil
	}
	if time.Now().After(b.openUntil) {
		// Half-open: let one request probe the provider.
		b.openUntil = time.Time{}
		b.failures = b.threshold - 1
		b.logger.Debug().Msg("circuit breaker half-open, probing")
		return nil
	}
	return &CircuitBreakerOpenError{Provider: b.provider, RetryAfter: b.openUntil}
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures > 0 || !b.openUntil.IsZero() {
		b.logger.Debug().Int("failures", b.failures).Msg("circuit breaker reset")
	}
	b.failures = 0
	b.openUntil = time.Time{}
}

// RecordFailure counts a failed request and trips the breaker once the
// threshold is reached.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures < b.threshold {
		return
	}

	b.openUntil = time.Now().Add(b.cooldown)
	b.lastTripTime = time.Now()
	b.failures = 0

	b.logger.Warn().
		Int("threshold", b.threshold).
		Dur("cooldown", b.cooldown).
		Time("retryAfter", b.openUntil).
		Msg("circuit breaker tripped")
}

// IsOpen reports whether the breaker is currently rejecting requests.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openUntil.IsZero() && time.Now().Before(b.openUntil)
}

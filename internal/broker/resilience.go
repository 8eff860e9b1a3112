package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// breakerState is a single per-endpoint circuit breaker: it opens after a
// run of consecutive failures and half-opens after recoveryTime, mirroring
// the teacher's CircuitBreakerState trip/recover shape but keyed per
// endpoint rather than per market-condition signal.
type breakerState struct {
	mu            sync.RWMutex
	consecutive   int
	tripThreshold int
	open          bool
	lastTripped   time.Time
	recoveryTime  time.Duration
}

func newBreakerState(tripThreshold int, recoveryTime time.Duration) *breakerState {
	return &breakerState{tripThreshold: tripThreshold, recoveryTime: recoveryTime}
}

func (b *breakerState) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.open = false
}

func (b *breakerState) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.consecutive >= b.tripThreshold {
		b.open = true
		b.lastTripped = time.Now()
	}
}

func (b *breakerState) isOpen() bool {
	b.mu.RLock()
	open := b.open
	tripped := b.lastTripped
	recovery := b.recoveryTime
	b.mu.RUnlock()
	if !open {
		return false
	}
	if time.Since(tripped) > recovery {
		b.mu.Lock()
		b.open = false
		b.consecutive = 0
		b.mu.Unlock()
		return false
	}
	return true
}

// ResilienceConfig tunes the backoff and circuit-breaker behavior shared by
// every wrapped broker endpoint.
type ResilienceConfig struct {
	MaxRetries      int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	TripThreshold   int
	RecoveryTime    time.Duration
	RateLimitPerSec float64
	RateLimitBurst  int
}

// DefaultResilienceConfig mirrors the teacher's circuit-breaker defaults:
// a handful of consecutive failures trips the breaker, with a short cool
// down before it half-opens again.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxRetries:      3,
		BaseBackoff:     200 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		TripThreshold:   5,
		RecoveryTime:    30 * time.Second,
		RateLimitPerSec: 8,
		RateLimitBurst:  16,
	}
}

// Resilience wraps a family of broker calls with a shared rate limiter,
// bounded exponential backoff on transient ErrKinds, and a per-endpoint
// circuit breaker. It does not implement BrokerEquity/BrokerCrypto itself;
// concrete wrappers in internal/brokers/{equity,crypto} call Do for each
// method and delegate the call body.
type Resilience struct {
	cfg      ResilienceConfig
	limiter  *rate.Limiter
	mu       sync.Mutex
	breakers map[string]*breakerState
}

func NewResilience(cfg ResilienceConfig) *Resilience {
	return &Resilience{
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
		breakers: make(map[string]*breakerState),
	}
}

func (r *Resilience) breakerFor(endpoint string) *breakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[endpoint]
	if !ok {
		b = newBreakerState(r.cfg.TripThreshold, r.cfg.RecoveryTime)
		r.breakers[endpoint] = b
	}
	return b
}

// IsOpen reports whether the named endpoint's circuit breaker is currently
// tripped, without making a call.
func (r *Resilience) IsOpen(endpoint string) bool {
	return r.breakerFor(endpoint).isOpen()
}

// Do runs fn under the shared rate limiter and the endpoint's circuit
// breaker, retrying transient failures with bounded exponential backoff.
func (r *Resilience) Do(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	b := r.breakerFor(endpoint)
	if b.isOpen() {
		return New(KindUnknown, "circuit breaker open for "+endpoint)
	}

	backoff := r.cfg.BaseBackoff
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return Wrap(KindNetwork, err)
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			b.recordSuccess()
			return nil
		}
		kind := Classify(lastErr)
		if !kind.IsTransient() || attempt == r.cfg.MaxRetries {
			break
		}
		log.Debug().Str("endpoint", endpoint).Int("attempt", attempt+1).Err(lastErr).
			Dur("backoff", backoff).Msg("broker call retrying after transient error")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
	b.recordFailure()
	return lastErr
}

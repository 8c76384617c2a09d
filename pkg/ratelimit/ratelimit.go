package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/agentcom/agentcom/pkg/config"
)

// ErrRateLimited is returned when an identity exceeds its tier's rate.
var ErrRateLimited = errors.New("rate limited")

// ErrCoolingDown is returned while an identity's escalating cooldown is
// active.
var ErrCoolingDown = errors.New("cooling down")

// escalation is the cooldown ladder applied on repeated violations.
var escalation = []time.Duration{30 * time.Second, time.Minute, 5 * time.Minute}

// Limiter admits requests per identity using token buckets with
// configurable tiers, counts violations, and gates repeat offenders with
// escalating cooldowns.
type Limiter struct {
	mu         sync.Mutex
	tiers      map[string]config.RateTier
	buckets    map[string]*rate.Limiter // identity+"/"+tier
	violations map[string]int

	// cooldowns maps identity → cooldown expiry; go-cache evicts
	// expired entries so the map never grows unbounded.
	cooldowns *gocache.Cache
}

// New creates a limiter with the configured tiers. A "default" tier must
// exist; unknown tier names fall back to it.
func New(tiers map[string]config.RateTier) *Limiter {
	if tiers == nil {
		tiers = map[string]config.RateTier{
			"default": {Rate: 10, Burst: 20},
		}
	}
	return &Limiter{
		tiers:      tiers,
		buckets:    make(map[string]*rate.Limiter),
		violations: make(map[string]int),
		cooldowns:  gocache.New(gocache.NoExpiration, time.Minute),
	}
}

// Allow admits or rejects one request from identity under the named
// tier. A denial counts as a violation and escalates the identity's
// cooldown.
func (l *Limiter) Allow(identity, tier string) error {
	if wait, cooling := l.Cooldown(identity); cooling {
		return fmt.Errorf("%w: retry after %s", ErrCoolingDown, wait.Round(time.Second))
	}

	l.mu.Lock()
	bucket := l.bucket(identity, tier)
	l.mu.Unlock()

	if bucket.Allow() {
		return nil
	}

	retryAfter := l.violation(identity)
	return fmt.Errorf("%w: retry after %s", ErrRateLimited, retryAfter.Round(time.Second))
}

// Cooldown reports whether the identity is gated and for how much longer.
func (l *Limiter) Cooldown(identity string) (time.Duration, bool) {
	v, expiry, found := l.cooldowns.GetWithExpiration(identity)
	if !found || v == nil {
		return 0, false
	}
	remaining := time.Until(expiry)
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// Violations returns the violation count for an identity.
func (l *Limiter) Violations(identity string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.violations[identity]
}

// Reset clears an identity's violation history and cooldown. Called when
// a credential is revoked or an operator intervenes.
func (l *Limiter) Reset(identity string) {
	l.mu.Lock()
	delete(l.violations, identity)
	l.mu.Unlock()
	l.cooldowns.Delete(identity)
}

// violation bumps the counter and applies the escalating cooldown.
// Returns the cooldown applied.
func (l *Limiter) violation(identity string) time.Duration {
	l.mu.Lock()
	l.violations[identity]++
	step := l.violations[identity] - 1
	l.mu.Unlock()

	if step >= len(escalation) {
		step = len(escalation) - 1
	}
	d := escalation[step]
	l.cooldowns.Set(identity, struct{}{}, d)
	return d
}

func (l *Limiter) bucket(identity, tier string) *rate.Limiter {
	key := identity + "/" + tier
	if b, ok := l.buckets[key]; ok {
		return b
	}
	cfg, ok := l.tiers[tier]
	if !ok {
		cfg = l.tiers["default"]
	}
	b := rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	l.buckets[key] = b
	return b
}

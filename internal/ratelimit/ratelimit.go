// Package ratelimit implements a (endpoint-class, identity-scope, window,
// limit) policy table enforced with lazy-refill token buckets.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Class identifies an endpoint-class in the policy table.
type Class string

const (
	ClassAuth    Class = "auth"
	ClassChat    Class = "chat"
	ClassFile    Class = "file"
	ClassGeneral Class = "general"
)

// Scope says which axis a class's identity key is drawn from.
type Scope string

const (
	ScopeUser       Scope = "user"
	ScopeRemoteAddr Scope = "remote-addr"
)

// Policy is one row of the rate limiter's policy table.
type Policy struct {
	Class  Class
	Scope  Scope
	Window time.Duration
	Limit  int64
}

// DefaultPolicies mirrors the spec's recommended default table. Operators
// may override via config.
func DefaultPolicies() []Policy {
	return []Policy{
		{Class: ClassAuth, Scope: ScopeRemoteAddr, Window: time.Minute, Limit: 5},
		{Class: ClassChat, Scope: ScopeUser, Window: time.Minute, Limit: 20},
		{Class: ClassFile, Scope: ScopeUser, Window: time.Minute, Limit: 10},
		{Class: ClassGeneral, Scope: ScopeUser, Window: time.Minute, Limit: 60},
	}
}

// Identity carries both axes a policy might scope on; callers supply
// whichever the resolved policy needs.
type Identity struct {
	UserID     string
	RemoteAddr string
}

func (id Identity) key(scope Scope) string {
	switch scope {
	case ScopeUser:
		return "user:" + id.UserID
	default:
		return "addr:" + id.RemoteAddr
	}
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// ClassQuota reports used/limit/reset for one class without consuming.
type ClassQuota struct {
	Class      Class
	Used       int64
	Limit      int64
	ResetAfter time.Duration
}

// bucket is a token bucket with lazy refill (no background goroutine). A
// continuously-refilling bucket has zero windowing error, which trivially
// satisfies a sliding-window contract with an error tolerance.
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(limit int64, window time.Duration) *bucket {
	return &bucket{
		tokens:   float64(limit),
		max:      float64(limit),
		rate:     float64(limit) / window.Seconds(),
		lastFill: time.Now(),
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

func (b *bucket) tryConsume(n float64, now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return int64(b.tokens), true
	}
	return int64(b.tokens), false
}

func (b *bucket) retryAfter(n float64) float64 {
	if b.tokens >= n {
		return 0
	}
	deficit := n - b.tokens
	return deficit / b.rate
}

// limiter guards a single (class, scope-key) bucket.
type limiter struct {
	mu       sync.Mutex
	b        *bucket
	policy   Policy
	lastUsed time.Time
}

func newLimiter(p Policy) *limiter {
	return &limiter{b: newBucket(p.Limit, p.Window), policy: p, lastUsed: time.Now()}
}

func (l *limiter) admit() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	remaining, ok := l.b.tryConsume(1, now)
	if ok {
		return Result{Allowed: true, Limit: l.policy.Limit, Remaining: remaining}
	}
	return Result{
		Allowed:           false,
		Limit:             l.policy.Limit,
		Remaining:         0,
		RetryAfterSeconds: min(l.b.retryAfter(1), l.policy.Window.Seconds()),
	}
}

func (l *limiter) quota() ClassQuota {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.b.refill(time.Now())
	used := l.policy.Limit - int64(l.b.tokens)
	if used < 0 {
		used = 0
	}
	return ClassQuota{Class: l.policy.Class, Used: used, Limit: l.policy.Limit, ResetAfter: l.policy.Window}
}

// Registry holds the policy table and every live (class, scope-key) bucket.
type Registry struct {
	policies map[Class]Policy

	mu       sync.RWMutex
	limiters map[Class]map[string]*limiter
}

// NewRegistry builds a Registry from a policy table. Later entries for the
// same class override earlier ones.
func NewRegistry(policies []Policy) *Registry {
	r := &Registry{
		policies: make(map[Class]Policy, len(policies)),
		limiters: make(map[Class]map[string]*limiter),
	}
	for _, p := range policies {
		r.policies[p.Class] = p
	}
	return r
}

// Admit atomically increment-and-checks identity against class's policy.
// Never fails for counter-update reasons in this in-memory implementation;
// the error return exists so a future shared-store backend can fail open
// explicitly instead of changing the signature.
func (r *Registry) Admit(identity Identity, class Class) (Result, error) {
	policy, ok := r.policies[class]
	if !ok {
		return Result{}, fmt.Errorf("ratelimit: no policy for class %q", class)
	}
	l := r.limiterFor(policy, identity.key(policy.Scope))
	return l.admit(), nil
}

// Quota reports used/limit/reset for every class in the policy table (Used is
// 0 for a class the identity has not touched), without consuming any tokens.
func (r *Registry) Quota(identity Identity) []ClassQuota {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ClassQuota, 0, len(r.policies))
	for class, policy := range r.policies {
		key := identity.key(policy.Scope)
		if byKey, ok := r.limiters[class]; ok {
			if l, ok := byKey[key]; ok {
				out = append(out, l.quota())
				continue
			}
		}
		out = append(out, ClassQuota{Class: class, Used: 0, Limit: policy.Limit, ResetAfter: policy.Window})
	}
	return out
}

func (r *Registry) limiterFor(policy Policy, key string) *limiter {
	r.mu.RLock()
	if byKey, ok := r.limiters[policy.Class]; ok {
		if l, ok := byKey[key]; ok {
			r.mu.RUnlock()
			return l
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	byKey, ok := r.limiters[policy.Class]
	if !ok {
		byKey = make(map[string]*limiter)
		r.limiters[policy.Class] = byKey
	}
	if l, ok := byKey[key]; ok {
		return l
	}
	l := newLimiter(policy)
	byKey[key] = l
	return l
}

// EvictStale removes limiters not used since cutoff, across all classes.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, byKey := range r.limiters {
		for k, l := range byKey {
			l.mu.Lock()
			stale := l.lastUsed.Before(cutoff)
			l.mu.Unlock()
			if stale {
				delete(byKey, k)
				evicted++
			}
		}
	}
	return evicted
}

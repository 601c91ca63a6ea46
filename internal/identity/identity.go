// Package identity implements the Identity & Rate Pool (C2): a shared,
// per-host token bucket plus a rotating set of fetch identities
// (user-agent, optional proxy, cooldown state), fair FIFO across
// waiters. Cooldowns back off exponentially per identity, with
// context-aware waits.
package identity

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/operator/marketsync/internal/errs"
)

// Outcome classifies how a fetch using a leased Identity went, driving
// the cooldown policy in Release.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeBlocked
	OutcomeCaptcha
	OutcomeTooManyRequests
	OutcomeServerError
)

// Identity is one fetch persona: a user-agent string, an optional
// upstream proxy, and its own cooldown clock independent of other
// identities in the pool.
type Identity struct {
	Name        string
	UserAgent   string
	ProxyURL    string
	cooldownMu  sync.Mutex
	cooldownEnd time.Time
	failures    int
}

func (id *Identity) available(now time.Time) bool {
	id.cooldownMu.Lock()
	defer id.cooldownMu.Unlock()
	return now.After(id.cooldownEnd)
}

// cooldown applies exponential backoff bounded by maxCooldown, jittered
// ±25% to match the task retry policy's jitter.
func (id *Identity) cooldown(base, max time.Duration) {
	id.cooldownMu.Lock()
	defer id.cooldownMu.Unlock()
	id.failures++
	delay := base * time.Duration(1<<uint(minInt(id.failures, 20)))
	if delay > max || delay <= 0 {
		delay = max
	}
	jitter := time.Duration(float64(delay) * (rand.Float64()*0.5 - 0.25))
	id.cooldownEnd = time.Now().Add(delay + jitter)
}

func (id *Identity) resetFailures() {
	id.cooldownMu.Lock()
	defer id.cooldownMu.Unlock()
	id.failures = 0
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// bucket is a per-host token bucket: qps tokens/sec, up to burst.
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	qps      float64
	burst    float64
	lastFill time.Time
}

func newBucket(qps, burst float64) *bucket {
	return &bucket{tokens: burst, qps: qps, burst: burst, lastFill: time.Now()}
}

func (b *bucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.lastFill).Seconds()
	b.lastFill = now
	b.tokens = minFloat(b.burst, b.tokens+elapsed*b.qps)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// HostLimits configures the token bucket and cooldown parameters for
// one host pattern; Pool falls back to the defaults given to NewPool
// when a host has no explicit entry.
type HostLimits struct {
	QPS           float64
	Burst         float64
	BaseCooldown  time.Duration
	MaxCooldown   time.Duration
	MaxWait       time.Duration
	MinDelay      time.Duration // floor delay between requests, before jitter
}

// Pool is the Identity & Rate Pool (C2): a set of Identity personas
// shared across the process, rate-limited per host, FIFO-fair across
// waiters via a per-host semaphore channel.
type Pool struct {
	mu        sync.Mutex
	identities []*Identity
	buckets   map[string]*bucket
	waiters   map[string]chan struct{}
	limits    map[string]HostLimits
	defaults  HostLimits
}

// NewPool constructs a Pool with the given identities and default
// per-host limits; per-host overrides can be added with SetHostLimits.
func NewPool(identities []*Identity, defaults HostLimits) *Pool {
	return &Pool{
		identities: identities,
		buckets:    make(map[string]*bucket),
		waiters:    make(map[string]chan struct{}),
		limits:     make(map[string]HostLimits),
		defaults:   defaults,
	}
}

// SetHostLimits overrides QPS/burst/cooldown for a specific host.
func (p *Pool) SetHostLimits(host string, l HostLimits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limits[host] = l
}

func (p *Pool) limitsFor(host string) HostLimits {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limits[host]; ok {
		return l
	}
	return p.defaults
}

func (p *Pool) bucketFor(host string) *bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[host]
	if !ok {
		l := p.limits[host]
		if l.QPS == 0 {
			l = p.defaults
		}
		b = newBucket(l.QPS, l.Burst)
		p.buckets[host] = b
	}
	return b
}

// fifoGate returns the host's waiter channel, creating a 1-buffered
// semaphore on first use so at most one goroutine contends for the
// bucket at a time, in arrival order.
func (p *Pool) fifoGate(host string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.waiters[host]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		p.waiters[host] = ch
	}
	return ch
}

// Lease is the handle returned by Acquire; callers must call Release
// exactly once with the outcome of the fetch they made.
type Lease struct {
	Identity *Identity
	Host     string
	pool     *Pool
	limits   HostLimits
}

// Acquire blocks, fair FIFO per host, until an identity is available
// and the host's token bucket yields a slot, or ctx is done, or the
// host's MaxWait elapses, whichever comes first. Returns
// errs.ErrNoIdentityAvailable on timeout.
func (p *Pool) Acquire(ctx context.Context, host string) (*Lease, error) {
	limits := p.limitsFor(host)
	gate := p.fifoGate(host)
	maxWait := limits.MaxWait
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}

	deadline := time.Now().Add(maxWait)
	select {
	case <-gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Until(deadline)):
		return nil, errs.ErrNoIdentityAvailable
	}

	b := p.bucketFor(host)
	for {
		if time.Now().After(deadline) {
			gate <- struct{}{}
			return nil, errs.ErrNoIdentityAvailable
		}
		id := p.pickIdentity()
		if id != nil && b.take() {
			return &Lease{Identity: id, Host: host, pool: p, limits: limits}, nil
		}
		select {
		case <-ctx.Done():
			gate <- struct{}{}
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (p *Pool) pickIdentity() *Identity {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.identities {
		if id.available(now) {
			return id
		}
	}
	return nil
}

// Delay returns MinDelay jittered ±20%, the small randomized spacing
// the Fetcher applies on top of the host's minimum delay.
func (l *Lease) Delay() time.Duration {
	if l.limits.MinDelay <= 0 {
		return 0
	}
	jitter := 1.0 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(l.limits.MinDelay) * jitter)
}

// Release returns the Identity to the pool, releasing the host's FIFO
// gate, applying a cooldown when outcome indicates the identity was
// penalized.
func (l *Lease) Release(outcome Outcome) {
	switch outcome {
	case OutcomeBlocked, OutcomeCaptcha, OutcomeTooManyRequests, OutcomeServerError:
		l.Identity.cooldown(l.limits.BaseCooldown, l.limits.MaxCooldown)
	case OutcomeOK:
		l.Identity.resetFailures()
	}
	gate := l.pool.fifoGate(l.Host)
	gate <- struct{}{}
}

// String implements fmt.Stringer for debug logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeCaptcha:
		return "captcha"
	case OutcomeTooManyRequests:
		return "too_many_requests"
	case OutcomeServerError:
		return "server_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

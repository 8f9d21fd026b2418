// Package keypool implements the upstream key pool's state machine and
// acquisition queue: each key is Active, Leased, or Cooling; acquisition is
// round-robin among Active keys with a failure-count tie-break, and failed
// dispatches drive a key into exponential-backoff cooldown.
//
// The pool holds a mutex-guarded slice of keys, a plain round-robin
// selection (pickCandidateLocked) rather than a scored best-key search, and
// a ticker-driven sweep for leases stuck past their timeout.
package keypool

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"llmgate/internal/apierr"
	"llmgate/internal/monitoring"
	"llmgate/internal/store/sqlite"
)

// State is the in-memory mirror of sqlite.KeyState.
type State string

const (
	StateActive  State = "active"
	StateLeased  State = "leased"
	StateCooling State = "cooling"
)

// Key is the pool's in-memory view of one upstream credential.
type Key struct {
	ID                 string
	Secret             string
	Label              string
	State              State
	FailureCount       int
	CooldownEntryCount int
	CooldownUntil      time.Time
	LeasedAt           time.Time
	LeasedBy           string
	LastUsedAt         time.Time
}

func (k *Key) clone() *Key {
	c := *k
	return &c
}

// Options configures the pool's timing constants.
type Options struct {
	BaseCooldown         time.Duration
	MaxCooldown          time.Duration
	FailureThreshold     int
	RateLimitDefaultWait time.Duration
	StuckTimeout         time.Duration
	SweepInterval        time.Duration
	AcquireTimeout       time.Duration
}

// Pool holds the live set of upstream keys and arbitrates access to them.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	keys    map[string]*Key
	order   []string // stable round-robin order
	rrIndex int
	store   *sqlite.Store
	opts    Options

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New constructs a pool and hydrates it from the store.
func New(ctx context.Context, store *sqlite.Store, opts Options) (*Pool, error) {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.BaseCooldown <= 0 {
		opts.BaseCooldown = 10 * time.Second
	}
	if opts.MaxCooldown <= 0 {
		opts.MaxCooldown = 10 * time.Minute
	}
	if opts.RateLimitDefaultWait <= 0 {
		opts.RateLimitDefaultWait = 30 * time.Second
	}
	if opts.StuckTimeout <= 0 {
		opts.StuckTimeout = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 30 * time.Second
	}

	p := &Pool{
		keys:      make(map[string]*Key),
		store:     store,
		opts:      opts,
		stopSweep: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	rows, err := store.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("hydrate key pool: %w", err)
	}
	for _, r := range rows {
		k := &Key{
			ID:                 r.ID,
			Secret:             r.Secret,
			Label:              r.Label,
			State:              State(r.State),
			FailureCount:       r.FailureCount,
			CooldownEntryCount: r.CooldownEntryCount,
		}
		if r.CooldownUntil.Valid {
			k.CooldownUntil = r.CooldownUntil.Time
		}
		if r.LeasedAt.Valid {
			k.LeasedAt = r.LeasedAt.Time
		}
		if r.LeasedBy.Valid {
			k.LeasedBy = r.LeasedBy.String
		}
		if r.LastUsedAt.Valid {
			k.LastUsedAt = r.LastUsedAt.Time
		}
		// A process restart drops any in-flight lease; a previously leased key
		// is not actually held by anything anymore, so it rejoins as active.
		if k.State == StateLeased {
			k.State = StateActive
			k.LeasedAt = time.Time{}
			k.LeasedBy = ""
		}
		p.keys[k.ID] = k
		p.order = append(p.order, k.ID)
	}

	p.refreshStateGaugeLocked()
	log.WithField("count", len(p.keys)).Info("keypool: hydrated from store")
	return p, nil
}

// refreshStateGaugeLocked recomputes the per-state key gauges. Must be
// called with p.mu held.
func (p *Pool) refreshStateGaugeLocked() {
	counts := map[State]int{StateActive: 0, StateLeased: 0, StateCooling: 0}
	for _, k := range p.keys {
		counts[k.State]++
	}
	monitoring.KeysByState.WithLabelValues("active").Set(float64(counts[StateActive]))
	monitoring.KeysByState.WithLabelValues("leased").Set(float64(counts[StateLeased]))
	monitoring.KeysByState.WithLabelValues("cooling").Set(float64(counts[StateCooling]))
}

// Add registers a new key, persists it, and makes it available for leasing.
func (p *Pool) Add(ctx context.Context, id, secret, label string) error {
	if err := p.store.InsertKey(ctx, id, secret, label); err != nil {
		return err
	}
	p.mu.Lock()
	p.keys[id] = &Key{ID: id, Secret: secret, Label: label, State: StateActive}
	p.order = append(p.order, id)
	p.refreshStateGaugeLocked()
	p.mu.Unlock()
	p.cond.Broadcast()
	return nil
}

// Remove deletes a key from the pool and the store.
func (p *Pool) Remove(ctx context.Context, id string) error {
	if err := p.store.DeleteKey(ctx, id); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.keys, id)
	for i, kid := range p.order {
		if kid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.refreshStateGaugeLocked()
	p.mu.Unlock()
	return nil
}

// Snapshot returns a point-in-time copy of every key, for the administrative
// status endpoint.
func (p *Pool) Snapshot() []*Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Key, 0, len(p.keys))
	for _, id := range p.order {
		out = append(out, p.keys[id].clone())
	}
	return out
}

// Len reports how many keys are registered, regardless of state.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Lease is a held key plus the metadata needed to return it correctly.
type Lease struct {
	Key       *Key
	heldSince time.Time
}

// Acquire blocks until an Active key is available, the context is
// cancelled, or opts.AcquireTimeout elapses — whichever comes first. On
// success the returned key transitions to Leased and is held exclusively by
// the caller until Return is called.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	return p.acquire(ctx, "")
}

// AcquireExcluding behaves like Acquire but never selects excludeID. A
// retry after a retryable failure must land on a different credential than
// the one that just failed.
func (p *Pool) AcquireExcluding(ctx context.Context, excludeID string) (*Lease, error) {
	return p.acquire(ctx, excludeID)
}

func (p *Pool) acquire(ctx context.Context, excludeID string) (*Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.cond.Broadcast() // wake the waiter below so it can observe ctx.Err()
		case <-done:
		}
	}()
	defer close(done)

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		p.expireCooldownsLocked()
		if k := p.pickCandidateLocked(excludeID); k != nil {
			k.State = StateLeased
			k.LeasedAt = time.Now()
			now := k.LeasedAt
			p.refreshStateGaugeLocked()
			p.persistState(k.ID, sqlite.KeyStateLeased, k.FailureCount, k.CooldownEntryCount, nil, &now, strPtr(k.ID))
			return &Lease{Key: k.clone(), heldSince: now}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, apierr.New(apierr.KindNoKeyAvailable, "no upstream key became available before the acquire timeout")
		}
		p.cond.Wait()
	}
}

// pickCandidateLocked implements round-robin over Active keys with a
// failure-count tie-break, starting from the position after the last pick.
// excludeID, if non-empty, is skipped even if Active. Must be called with
// p.mu held.
func (p *Pool) pickCandidateLocked(excludeID string) *Key {
	n := len(p.order)
	if n == 0 {
		return nil
	}
	var best *Key
	bestPos := -1
	for i := 0; i < n; i++ {
		pos := (p.rrIndex + i) % n
		k := p.keys[p.order[pos]]
		if k == nil || k.State != StateActive || k.ID == excludeID {
			continue
		}
		if best == nil || k.FailureCount < best.FailureCount {
			best = k
			bestPos = pos
		}
	}
	if best != nil {
		p.rrIndex = (bestPos + 1) % n
	}
	return best
}

func strPtr(s string) *string { return &s }

// Return releases a lease, classifying the outcome per apierr.KeyClassification.
func (p *Pool) Return(ctx context.Context, lease *Lease, class apierr.KeyClassification) {
	if lease == nil || lease.Key == nil {
		return
	}
	p.mu.Lock()
	k := p.keys[lease.Key.ID]
	if k == nil {
		p.mu.Unlock()
		return
	}
	switch class {
	case apierr.ClassSuccess:
		k.State = StateActive
		k.FailureCount = 0
		k.CooldownEntryCount = 0
		k.LeasedAt = time.Time{}
		k.LeasedBy = ""
		k.LastUsedAt = time.Now()
	case apierr.ClassRateLimited, apierr.ClassUpstream5xx:
		k.FailureCount++
		k.LeasedAt = time.Time{}
		k.LeasedBy = ""
		if k.FailureCount >= p.opts.FailureThreshold {
			base := p.opts.BaseCooldown
			if class == apierr.ClassRateLimited {
				base = p.opts.RateLimitDefaultWait
			}
			k.CooldownEntryCount++
			k.State = StateCooling
			k.CooldownUntil = time.Now().Add(p.cooldownFor(k.CooldownEntryCount, base))
		} else {
			k.State = StateActive
		}
	case apierr.ClassAuthRejected:
		// Retrying with the same credential cannot succeed, so auth
		// rejection forces cooldown unconditionally, regardless of
		// FAILURE_THRESHOLD.
		k.FailureCount++
		k.CooldownEntryCount++
		k.State = StateCooling
		k.CooldownUntil = time.Now().Add(p.cooldownFor(k.CooldownEntryCount, p.opts.BaseCooldown))
		k.LeasedAt = time.Time{}
		k.LeasedBy = ""
	case apierr.ClassTransient:
		// Network blips or client disconnects are not charged against the key.
		k.State = StateActive
		k.LeasedAt = time.Time{}
		k.LeasedBy = ""
	default:
		k.State = StateActive
		k.LeasedAt = time.Time{}
		k.LeasedBy = ""
	}
	p.refreshStateGaugeLocked()
	snapshot := k.clone()
	p.mu.Unlock()
	p.cond.Broadcast()

	var cooldown *time.Time
	if !snapshot.CooldownUntil.IsZero() {
		cooldown = &snapshot.CooldownUntil
	}
	p.persistState(snapshot.ID, sqlite.KeyState(snapshot.State), snapshot.FailureCount, snapshot.CooldownEntryCount, cooldown, nil, nil)
}

// cooldownFor computes BASE_COOLDOWN × 2^(entryCount-1), capped at
// MAX_COOLDOWN. entryCount is the key's cooldown_entry_count, the number of
// times it has entered cooldown — not its failure_count, which keeps
// accruing underneath FAILURE_THRESHOLD before the first cooldown entry.
func (p *Pool) cooldownFor(entryCount int, base time.Duration) time.Duration {
	if entryCount < 1 {
		entryCount = 1
	}
	d := base
	for i := 1; i < entryCount && d < p.opts.MaxCooldown; i++ {
		d *= 2
	}
	if d > p.opts.MaxCooldown {
		d = p.opts.MaxCooldown
	}
	return d
}

// CooldownDuration exposes the exponential-backoff formula (BASE_COOLDOWN ×
// 2^(entryCount-1), capped at MAX_COOLDOWN) for the administrative status
// endpoint, which reports current_cooldown_seconds alongside each key.
func (p *Pool) CooldownDuration(entryCount int) time.Duration {
	return p.cooldownFor(entryCount, p.opts.BaseCooldown)
}

// expireCooldownsLocked promotes any Cooling key whose cooldown has elapsed
// back to Active. cooldown_entry_count is left untouched — it only resets
// on a success return or an administrative reset — so a key that re-fails
// immediately after its cooldown lapses continues the backoff sequence
// instead of restarting it.
func (p *Pool) expireCooldownsLocked() {
	now := time.Now()
	changed := false
	for _, k := range p.keys {
		if k.State == StateCooling && !k.CooldownUntil.IsZero() && now.After(k.CooldownUntil) {
			k.State = StateActive
			k.CooldownUntil = time.Time{}
			changed = true
			p.persistState(k.ID, sqlite.KeyStateActive, k.FailureCount, k.CooldownEntryCount, nil, nil, nil)
		}
	}
	if changed {
		p.refreshStateGaugeLocked()
	}
}

func (p *Pool) persistState(id string, state sqlite.KeyState, failureCount, cooldownEntryCount int, cooldownUntil, leasedAt *time.Time, leasedBy *string) {
	if err := p.store.UpdateKeyState(context.Background(), id, state, failureCount, cooldownEntryCount, cooldownUntil, leasedAt, leasedBy); err != nil {
		log.WithError(err).WithField("key_id", id).Warn("keypool: persist state failed")
	}
}

// StartSweep launches the background ticker that reclaims leases held past
// StuckTimeout.
func (p *Pool) StartSweep(ctx context.Context) {
	ticker := time.NewTicker(p.opts.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sweepStuckLeases()
			case <-p.stopSweep:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopSweep stops the background sweep ticker. Safe to call once.
func (p *Pool) StopSweep() {
	p.sweepOnce.Do(func() { close(p.stopSweep) })
}

func (p *Pool) sweepStuckLeases() {
	now := time.Now()
	type reclaim struct {
		id                 string
		failureCount       int
		cooldownEntryCount int
	}
	var reclaimed []reclaim
	p.mu.Lock()
	for _, k := range p.keys {
		if k.State == StateLeased && !k.LeasedAt.IsZero() && now.Sub(k.LeasedAt) > p.opts.StuckTimeout {
			k.State = StateActive
			k.LeasedAt = time.Time{}
			k.LeasedBy = ""
			reclaimed = append(reclaimed, reclaim{id: k.ID, failureCount: k.FailureCount, cooldownEntryCount: k.CooldownEntryCount})
		}
	}
	if len(reclaimed) > 0 {
		p.refreshStateGaugeLocked()
	}
	p.mu.Unlock()
	if len(reclaimed) > 0 {
		p.cond.Broadcast()
		ids := make([]string, len(reclaimed))
		for i, r := range reclaimed {
			ids[i] = r.id
		}
		log.WithField("keys", ids).Warn("keypool: reclaimed stuck leases past stuck_timeout")
		for _, r := range reclaimed {
			p.persistState(r.id, sqlite.KeyStateActive, r.failureCount, r.cooldownEntryCount, nil, nil, nil)
		}
	}
}

// ResetOne clears failure/cooldown-entry/cooldown state on a single key.
func (p *Pool) ResetOne(ctx context.Context, id string) error {
	if err := p.store.ResetKey(ctx, id); err != nil {
		return err
	}
	p.mu.Lock()
	if k, ok := p.keys[id]; ok {
		k.State = StateActive
		k.FailureCount = 0
		k.CooldownEntryCount = 0
		k.CooldownUntil = time.Time{}
		k.LeasedAt = time.Time{}
		k.LeasedBy = ""
	}
	p.refreshStateGaugeLocked()
	p.mu.Unlock()
	p.cond.Broadcast()
	return nil
}

// ResetAll clears failure/cooldown-entry/cooldown state on every key.
func (p *Pool) ResetAll(ctx context.Context) (int64, error) {
	n, err := p.store.ResetAllKeys(ctx)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	for _, k := range p.keys {
		k.State = StateActive
		k.FailureCount = 0
		k.CooldownEntryCount = 0
		k.CooldownUntil = time.Time{}
		k.LeasedAt = time.Time{}
		k.LeasedBy = ""
	}
	p.refreshStateGaugeLocked()
	p.mu.Unlock()
	p.cond.Broadcast()
	return n, nil
}

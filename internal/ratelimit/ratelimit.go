// Package ratelimit implements the per-peer token-bucket budgets of
// spec §5: fetch attempts per (peer, urn), ls-refs probes per peer, and
// a storage-error budget per peer whose exhaustion rejects further
// replications from that peer. Each budget is an independent
// golang.org/x/time/rate.Limiter, lazily created per key and guarded by
// a mutex, in the same "resolve, don't expose the map" shape
// internal/tracking already uses for its per-peer state.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/radicle-link/replica/internal/peer"
	"github.com/radicle-link/replica/internal/urn"
)

const (
	fetchRate  = rate.Limit(1.0 / 60.0) // 1/min
	fetchBurst = 5

	lsRefsRate  = rate.Limit(30.0 / 60.0) // 30/min
	lsRefsBurst = 30

	storageErrorRate  = rate.Limit(10.0 / 60.0) // 10/min
	storageErrorBurst = 10
)

// Budgets tracks the three independent per-peer rate limits spec §5
// names. A peer exceeding its storage-error budget is rejected outright
// by StorageErrorAllowed until the budget recovers; the other two
// budgets gate individual operations (a single fetch attempt, a single
// ls-refs probe) without affecting the peer's standing otherwise.
type Budgets struct {
	mu sync.Mutex

	fetch       map[fetchKey]*rate.Limiter
	lsRefs      map[string]*rate.Limiter
	storageErrs map[string]*rate.Limiter
}

type fetchKey struct {
	peer string
	proj urn.ObjectId
}

// New constructs an empty Budgets tracker. Limiters are created lazily
// on first use so that peers which never make a request never allocate
// one.
func New() *Budgets {
	return &Budgets{
		fetch:       make(map[fetchKey]*rate.Limiter),
		lsRefs:      make(map[string]*rate.Limiter),
		storageErrs: make(map[string]*rate.Limiter),
	}
}

// AllowFetch reports whether p may begin a fetch attempt against proj
// right now, consuming a token if so.
func (b *Budgets) AllowFetch(p peer.PeerId, proj urn.ObjectId) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := fetchKey{peer: p.String(), proj: proj}
	l, ok := b.fetch[key]
	if !ok {
		l = rate.NewLimiter(fetchRate, fetchBurst)
		b.fetch[key] = l
	}
	return l.Allow()
}

// AllowLsRefs reports whether p may issue an ls-refs probe right now,
// consuming a token if so.
func (b *Budgets) AllowLsRefs(p peer.PeerId) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := p.String()
	l, ok := b.lsRefs[key]
	if !ok {
		l = rate.NewLimiter(lsRefsRate, lsRefsBurst)
		b.lsRefs[key] = l
	}
	return l.Allow()
}

// RecordStorageError debits p's storage-error budget by one. Call this
// once per storage failure attributable to p's data (a corrupt pack, a
// bad object); it does not itself reject anything, since a budget is
// spent by recording failures, not by querying them — pair it with
// StorageErrorAllowed to decide whether p may start a new replication.
func (b *Budgets) RecordStorageError(p peer.PeerId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := p.String()
	l, ok := b.storageErrs[key]
	if !ok {
		l = rate.NewLimiter(storageErrorRate, storageErrorBurst)
		b.storageErrs[key] = l
	}
	l.Allow()
}

// StorageErrorAllowed reports whether p's storage-error budget still
// has headroom: when it does not, new replications from p must be
// rejected (spec §5, "exceeded ⇒ reject new replications from that
// peer"). This peeks the bucket rather than consuming from it — the
// budget is spent exclusively via RecordStorageError.
func (b *Budgets) StorageErrorAllowed(p peer.PeerId) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := p.String()
	l, ok := b.storageErrs[key]
	if !ok {
		return true
	}
	return l.Tokens() >= 1
}

// Package tracker holds the process-local view of every open position, keyed
// by (user, venue, symbol). It is the single source of truth the dispatcher
// and reconciliation loop consult before talking to a venue adapter.
package tracker

import (
	"sync"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/venue"
)

type key struct {
	userID string
	venue  domain.Venue
	symbol string
}

// Tracker is a sharded-lock in-memory map. Sharding is by key hash so that
// operations on unrelated (user, venue, symbol) triples never contend on the
// same mutex, matching the per-key locking discipline the rest of the
// codebase uses for concurrent per-entity state.
type Tracker struct {
	shards []*shard
}

const shardCount = 32

type shard struct {
	mu        sync.RWMutex
	positions map[key]*domain.Position
}

func New() *Tracker {
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{positions: make(map[key]*domain.Position)}
	}
	return &Tracker{shards: shards}
}

func (t *Tracker) shardFor(k key) *shard {
	h := fnv32(k.userID + "|" + string(k.venue) + "|" + k.symbol)
	return t.shards[h%uint32(shardCount)]
}

func fnv32(s string) uint32 {
	const prime32 = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// Has reports whether an open position exists for the triple.
func (t *Tracker) Has(userID string, v domain.Venue, symbol string) bool {
	k := key{userID, v, symbol}
	s := t.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.positions[k]
	return ok
}

// Get returns a copy of the tracked position, or nil if none is open.
func (t *Tracker) Get(userID string, v domain.Venue, symbol string) *domain.Position {
	k := key{userID, v, symbol}
	s := t.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[k]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Open inserts a new position. Callers must have already verified Has()
// returned false; Open overwrites unconditionally, matching the "caller
// checks has() first" contract.
func (t *Tracker) Open(p domain.Position) {
	k := key{p.UserID, p.Venue, p.Symbol}
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := p
	s.positions[k] = &stored
}

// Update applies mutate to the tracked position in place, typically to
// refresh mark price and unrealized P&L. No-op if the position is not
// tracked.
func (t *Tracker) Update(userID string, v domain.Venue, symbol string, mutate func(*domain.Position)) {
	k := key{userID, v, symbol}
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[k]
	if !ok {
		return
	}
	mutate(p)
}

// Close removes and returns the tracked position, or nil if none was open.
func (t *Tracker) Close(userID string, v domain.Venue, symbol string) *domain.Position {
	k := key{userID, v, symbol}
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[k]
	if !ok {
		return nil
	}
	delete(s.positions, k)
	return p
}

// All returns a snapshot of every tracked position across all shards.
func (t *Tracker) All() []domain.Position {
	out := make([]domain.Position, 0)
	for _, s := range t.shards {
		s.mu.RLock()
		for _, p := range s.positions {
			out = append(out, *p)
		}
		s.mu.RUnlock()
	}
	return out
}

// ForUserVenue returns a snapshot of every tracked position for (user, venue).
func (t *Tracker) ForUserVenue(userID string, v domain.Venue) []domain.Position {
	out := make([]domain.Position, 0)
	for _, p := range t.All() {
		if p.UserID == userID && p.Venue == v {
			out = append(out, p)
		}
	}
	return out
}

// SyncFromVenue reconciles the tracked subset for (userID, v) against the
// adapter's reported positions: venue-side zero-quantity positions are
// removed, venue-side positions untracked locally are adopted with
// Synced=true and empty order ids, and the rest have their mark price and
// unrealized P&L refreshed. venuePositions carry venue-native symbols while
// tracked positions are keyed by canonical wire symbol, so normalize (the
// adapter's NormalizeSymbol) translates the tracked side before either is
// compared against the other, the same translation GetPosition applies
// internally.
func (t *Tracker) SyncFromVenue(userID string, v domain.Venue, venuePositions []venue.OpenPositionRecord, normalize func(string) string) (adopted, closed []domain.Position) {
	tracked := t.ForUserVenue(userID, v)
	byNative := make(map[string]domain.Position, len(tracked))
	for _, p := range tracked {
		byNative[normalize(p.Symbol)] = p
	}

	seenNative := make(map[string]bool, len(venuePositions))

	for _, vp := range venuePositions {
		seenNative[vp.Symbol] = true

		if vp.Quantity == 0 {
			continue
		}

		side := domain.PositionLong
		qty := vp.Quantity
		if vp.Quantity < 0 {
			side = domain.PositionShort
			qty = -vp.Quantity
		}

		existing, ok := byNative[vp.Symbol]
		if !ok {
			p := domain.Position{
				UserID:     userID,
				Venue:      v,
				Symbol:     vp.Symbol,
				Side:       side,
				Quantity:   qty,
				EntryPrice: vp.EntryPrice,
				MarkPrice:  vp.MarkPrice,
				Synced:     true,
			}
			t.Open(p)
			adopted = append(adopted, p)
			continue
		}

		t.Update(userID, v, existing.Symbol, func(p *domain.Position) {
			p.MarkPrice = vp.MarkPrice
			p.UnrealizedPnLUSD = vp.UnrealizedPnL
		})
	}

	for _, p := range tracked {
		if !seenNative[normalize(p.Symbol)] {
			if removed := t.Close(userID, v, p.Symbol); removed != nil {
				closed = append(closed, *removed)
			}
		}
	}

	return adopted, closed
}

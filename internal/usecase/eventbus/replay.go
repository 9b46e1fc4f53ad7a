package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mirador/internal/domain"
)

// ReplayBuffer keeps a short per-client ring of recently published events so a
// client that reconnects within the TTL window can be backfilled without gaps.
// Entries are sharded by client identity; appending to one client never blocks
// reads of another.
type ReplayBuffer struct {
	mu       sync.RWMutex
	entries  map[string]*replayEntry
	capacity int
	ttl      time.Duration
	sweep    time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

type replayEntry struct {
	mu        sync.Mutex
	ring      []domain.Event
	start     int // index of oldest element
	count     int
	expiresAt time.Time
}

// NewReplayBuffer creates a replay buffer. Run must be started for TTL
// eviction to take effect.
func NewReplayBuffer(capacity int, ttl, sweep time.Duration, logger *slog.Logger) *ReplayBuffer {
	return &ReplayBuffer{
		entries:  make(map[string]*replayEntry),
		capacity: capacity,
		ttl:      ttl,
		sweep:    sweep,
		logger:   logger,
		now:      time.Now,
	}
}

// Register creates the entry for clientID if none exists, and refreshes its
// TTL either way. Called on every connect. An entry whose TTL has lapsed but
// that the sweeper has not reaped yet is reset, not resurrected: its buffered
// events are already expired.
func (r *ReplayBuffer) Register(clientID string) {
	now := r.now()
	r.mu.Lock()
	e, ok := r.entries[clientID]
	if !ok {
		e = &replayEntry{ring: make([]domain.Event, r.capacity)}
		r.entries[clientID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	if ok && now.After(e.expiresAt) {
		e.start, e.count = 0, 0
	}
	e.expiresAt = now.Add(r.ttl)
	e.mu.Unlock()
}

// Append records the event into every live entry, overwriting the oldest
// element once the ring is full, and refreshes each entry's TTL. Events
// pushed out of the window are legitimately lost; the resulting sequence
// gap is the client's signal.
func (r *ReplayBuffer) Append(event domain.Event) {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		e.mu.Lock()
		if now.After(e.expiresAt) {
			// Expired but not yet swept; do not resurrect.
			e.mu.Unlock()
			continue
		}
		idx := (e.start + e.count) % r.capacity
		e.ring[idx] = event
		if e.count < r.capacity {
			e.count++
		} else {
			e.start = (e.start + 1) % r.capacity
		}
		e.expiresAt = now.Add(r.ttl)
		e.mu.Unlock()
	}
}

// EventsAfter returns the buffered events for clientID with a sequence number
// strictly greater than afterSeq, in order. truncated reports that the ring no
// longer reaches back to afterSeq+1, meaning events were lost beyond the
// window. ok is false when no live entry exists (first connection or TTL
// expired) and delivery should start from "now" with no backfill.
func (r *ReplayBuffer) EventsAfter(clientID string, afterSeq int64) (events []domain.Event, truncated bool, ok bool) {
	now := r.now()

	r.mu.RLock()
	e, found := r.entries[clientID]
	r.mu.RUnlock()
	if !found {
		return nil, false, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if now.After(e.expiresAt) {
		return nil, false, false
	}

	for i := 0; i < e.count; i++ {
		ev := e.ring[(e.start+i)%r.capacity]
		if ev.Sequence > afterSeq {
			events = append(events, ev)
		}
	}
	if len(events) > 0 && events[0].Sequence > afterSeq+1 {
		truncated = true
	}
	return events, truncated, true
}

// Len returns the number of buffered events for clientID. Intended for tests
// and the status endpoint.
func (r *ReplayBuffer) Len(clientID string) int {
	r.mu.RLock()
	e, found := r.entries[clientID]
	r.mu.RUnlock()
	if !found {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// Run sweeps expired entries until ctx is cancelled.
func (r *ReplayBuffer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepExpired()
		}
	}
}

func (r *ReplayBuffer) sweepExpired() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		e.mu.Lock()
		expired := now.After(e.expiresAt)
		e.mu.Unlock()
		if expired {
			delete(r.entries, id)
			r.logger.Debug("replay entry expired", "client_id", id)
		}
	}
}

// Package stream tracks in-flight AI generation streams and relays their
// output onto the event bus. A streaming session is the bookkeeping record for
// one in-progress assistant response, keyed by (chat, user); clients use it to
// request cooperative cancellation, and a background sweeper reaps sessions
// whose owner died without cleaning up.
package stream

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ember/chat-app/internal/metrics"
)

// DefaultMaxAge is how old a session may grow before the sweeper considers it
// abandoned. Generations finish (or fail) well inside this window; anything
// older belongs to a crashed or wedged relay.
const DefaultMaxAge = 5 * time.Minute

// DefaultSweepInterval is how often the sweeper scans for stale sessions.
const DefaultSweepInterval = 30 * time.Second

// Key identifies one streaming session. At most one generation is tracked per
// key; starting another for the same key overwrites the prior entry.
type Key struct {
	ChatID int64
	UserID int64
}

// Registry is the session store contract shared by the in-memory and
// Redis-backed implementations. All methods are safe for concurrent use from
// arbitrarily many request-handling goroutines, and none of them error toward
// the caller: start/stop/end race legitimately (a stop arriving a moment after
// completion is normal, not a failure).
type Registry interface {
	// Start registers (or overwrites) the session for key, owned by the
	// generation producing messageID.
	Start(ctx context.Context, key Key, messageID int64)

	// RequestStop flags the session for cooperative cancellation. Returns
	// whether a session existed. Idempotent.
	RequestStop(ctx context.Context, key Key) bool

	// IsStopRequested reports whether cancellation has been requested.
	// Returns false for unknown keys and never blocks on session state.
	IsStopRequested(ctx context.Context, key Key) bool

	// End removes the session. A no-op if absent.
	End(ctx context.Context, key Key)

	// SweepStale removes every session older than maxAge and returns the
	// number removed.
	SweepStale(ctx context.Context, maxAge time.Duration) int
}

type session struct {
	messageID     int64
	stopRequested bool
	createdAt     time.Time
}

// MemoryRegistry is the default, process-local Registry. State is
// intentionally non-durable: a session only matters while its relay goroutine
// is alive in the same process.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[Key]*session
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[Key]*session)}
}

// Start registers the session for key, replacing any prior entry.
func (r *MemoryRegistry) Start(_ context.Context, key Key, messageID int64) {
	r.mu.Lock()
	r.sessions[key] = &session{
		messageID: messageID,
		createdAt: time.Now(),
	}
	r.mu.Unlock()
}

// RequestStop sets the cancellation flag if a session exists.
func (r *MemoryRegistry) RequestStop(_ context.Context, key Key) bool {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		s.stopRequested = true
	}
	r.mu.Unlock()
	return ok
}

// IsStopRequested reports the cancellation flag; false for unknown keys.
func (r *MemoryRegistry) IsStopRequested(_ context.Context, key Key) bool {
	r.mu.RLock()
	s, ok := r.sessions[key]
	stop := ok && s.stopRequested
	r.mu.RUnlock()
	return stop
}

// End removes the session unconditionally.
func (r *MemoryRegistry) End(_ context.Context, key Key) {
	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
}

// SweepStale removes sessions older than maxAge and returns how many.
func (r *MemoryRegistry) SweepStale(_ context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	removed := 0
	for key, s := range r.sessions {
		if s.createdAt.Before(cutoff) {
			delete(r.sessions, key)
			removed++
		}
	}
	r.mu.Unlock()
	return removed
}

// Len returns the number of tracked sessions.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	n := len(r.sessions)
	r.mu.RUnlock()
	return n
}

// RunSweeper removes stale sessions from reg on a fixed interval until ctx is
// cancelled. It is meant to run in exactly one goroutine per registry owner so
// sweeps are not duplicated.
func RunSweeper(ctx context.Context, reg Registry, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[sweep] session sweeper stopped")
			return
		case <-ticker.C:
			if removed := reg.SweepStale(ctx, maxAge); removed > 0 {
				log.Printf("[sweep] removed %d stale streaming sessions", removed)
				metrics.SessionsSwept.Add(float64(removed))
			}
		}
	}
}

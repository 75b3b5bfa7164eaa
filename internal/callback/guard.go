package callback

import (
	"sync"
	"time"
)

// DefaultGuardTTL is how long a consumed authorization code is remembered.
// Providers expire codes well within this window.
const DefaultGuardTTL = 10 * time.Minute

// Guard remembers which authorization codes have already been handed to the
// backend, so a re-delivered callback (browser reload, double-mounted
// handler) never exchanges the same code twice. It is shared across
// Controllers; expired entries are pruned lazily on each Acquire.
type Guard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewGuard creates a Guard remembering codes for ttl. A non-positive ttl
// selects DefaultGuardTTL.
func NewGuard(ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	return &Guard{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Acquire claims key. It returns false if key was claimed within the TTL.
func (g *Guard) Acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, at := range g.seen {
		if now.Sub(at) > g.ttl {
			delete(g.seen, k)
		}
	}

	if _, taken := g.seen[key]; taken {
		return false
	}
	g.seen[key] = now
	return true
}

func guardKey(req Request) string {
	return req.Provider + ":" + req.Code
}

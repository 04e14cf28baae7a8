package mesh

import (
	"sync"
	"time"
)

// RouteEntry is the best-known path to a destination. Not authoritative:
// flood routing works without it; entries feed diagnostics only.
type RouteEntry struct {
	Destination uint32    `json:"destination"`
	NextHop     uint32    `json:"next_hop"`
	HopCount    uint8     `json:"hop_count"`
	LastSeen    time.Time `json:"last_seen"`
}

// seenKey identifies a message for duplicate suppression. Sequence alone
// is not unique across sources; the pair is.
type seenKey struct {
	source   uint32
	sequence uint32
}

// meshState holds the routing table and the seen-message cache. Both are
// touched by the engine tick and by diagnostics readers, so access is
// locked; bridge callbacks never reach in here directly.
type meshState struct {
	mu     sync.RWMutex
	routes map[uint32]*RouteEntry
	seen   map[seenKey]time.Time
}

func newMeshState() *meshState {
	return &meshState{
		routes: make(map[uint32]*RouteEntry),
		seen:   make(map[seenKey]time.Time),
	}
}

// markSeen records a message id. Returns false when it was already known,
// which is the signal to neither process nor relay.
func (s *meshState) markSeen(source, sequence uint32, now time.Time) bool {
	k := seenKey{source: source, sequence: sequence}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[k]; dup {
		return false
	}
	s.seen[k] = now
	return true
}

// upsertRoute refreshes the route for a source heard directly, at the
// hop count the message reports.
func (s *meshState) upsertRoute(source, nextHop uint32, hops uint8, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.routes[source]
	if !ok || hops <= e.HopCount {
		s.routes[source] = &RouteEntry{
			Destination: source,
			NextHop:     nextHop,
			HopCount:    hops,
			LastSeen:    now,
		}
		return
	}
	e.LastSeen = now
}

// Routes returns a snapshot of the routing table.
func (s *meshState) Routes() []*RouteEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RouteEntry, 0, len(s.routes))
	for _, e := range s.routes {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// RouteCount returns how many destinations are currently known.
func (s *meshState) RouteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.routes)
}

// cleanup evicts routes and seen records older than the staleness
// window, bounding memory on long-running nodes.
func (s *meshState) cleanup(now time.Time, staleness time.Duration) (routes, seen int) {
	cutoff := now.Add(-staleness)
	s.mu.Lock()
	defer s.mu.Unlock()
	for dst, e := range s.routes {
		if e.LastSeen.Before(cutoff) {
			delete(s.routes, dst)
			routes++
		}
	}
	for k, t := range s.seen {
		if t.Before(cutoff) {
			delete(s.seen, k)
			seen++
		}
	}
	return routes, seen
}

package services

import "sync"

// executionGuard tracks which (execution, node) pairs are being interpreted
// right now, so duplicate gateway deliveries cannot run the same node twice
// concurrently. In-process only: a horizontally scaled deployment would need
// a database-level advisory lock keyed by execution id instead.
type executionGuard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newExecutionGuard() *executionGuard {
	return &executionGuard{active: make(map[string]struct{})}
}

// TryAcquire marks the pair as in flight. Returns false when another call is
// already interpreting it.
func (g *executionGuard) TryAcquire(executionID, nodeID string) bool {
	key := executionID + ":" + nodeID
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[key]; busy {
		return false
	}
	g.active[key] = struct{}{}
	return true
}

// Release clears the pair
func (g *executionGuard) Release(executionID, nodeID string) {
	key := executionID + ":" + nodeID
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, key)
}

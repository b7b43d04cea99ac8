package replication

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// HeartbeatTable maps a peer URL to the last time an inbound heartbeat was
// received from it, and feeds liveness queries (§4.6).
type HeartbeatTable struct {
	mu         sync.RWMutex
	heartbeats map[string]time.Time

	ledger *FailureLedger
	work   WorkContext
	clock  clockwork.Clock
}

// NewHeartbeatTable creates a HeartbeatTable. ledger and work may be nil in
// tests that only exercise IsHeartbeatAvailable.
func NewHeartbeatTable(ledger *FailureLedger, work WorkContext, clock clockwork.Clock) *HeartbeatTable {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HeartbeatTable{
		heartbeats: make(map[string]time.Time),
		ledger:     ledger,
		work:       work,
		clock:      clock,
	}
}

// HandleHeartbeat records a success for src (clearing its failure count) and
// upserts src -> now in the heartbeat table, then notifies the work context
// so any waiting controller tick wakes up.
func (t *HeartbeatTable) HandleHeartbeat(ctx context.Context, src string) {
	now := t.clock.Now()

	t.mu.Lock()
	t.heartbeats[src] = now
	t.mu.Unlock()

	if t.ledger != nil {
		t.ledger.RecordSuccess(ctx, src, SuccessOptions{LastHeartbeat: &now})
	}
	if t.work != nil {
		t.work.NotifyAboutWork()
	}
}

// IsHeartbeatAvailable reports whether src has sent a heartbeat at or after
// since.
func (t *HeartbeatTable) IsHeartbeatAvailable(src string, since time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	last, ok := t.heartbeats[src]
	if !ok {
		return false
	}
	return !last.Before(since)
}

// LastHeartbeat returns the last recorded heartbeat time for src, if any.
func (t *HeartbeatTable) LastHeartbeat(src string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.heartbeats[src]
	return v, ok
}

// Snapshot returns a copy of the full heartbeat table, for the admin API.
func (t *HeartbeatTable) Snapshot() map[string]time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]time.Time, len(t.heartbeats))
	for k, v := range t.heartbeats {
		out[k] = v
	}
	return out
}

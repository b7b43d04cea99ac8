package replication

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"gotest.tools/v3/assert"
)

func TestHandleHeartbeat_RecordsAndNotifies(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store)
	work := NewWorkSignal()
	clock := clockwork.NewFakeClock()

	table := NewHeartbeatTable(ledger, work, clock)

	woke := make(chan bool, 1)
	go func() {
		woke <- work.WaitForWork(context.Background(), time.Second, nil, "test")
	}()
	time.Sleep(10 * time.Millisecond) // let the waiter register

	ledger.RecordFailure(context.Background(), "http://peer/", "boom")
	table.HandleHeartbeat(context.Background(), "http://peer/")

	assert.Assert(t, <-woke, "HandleHeartbeat must notify the work context")
	assert.Equal(t, ledger.Stats("http://peer/").FailureCount, 0)

	last, ok := table.LastHeartbeat("http://peer/")
	assert.Assert(t, ok)
	assert.Equal(t, last, clock.Now())
}

func TestIsHeartbeatAvailable(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := NewHeartbeatTable(nil, nil, clock)

	assert.Assert(t, !table.IsHeartbeatAvailable("http://peer/", clock.Now()))

	table.HandleHeartbeat(context.Background(), "http://peer/")
	assert.Assert(t, table.IsHeartbeatAvailable("http://peer/", clock.Now()))

	future := clock.Now().Add(time.Minute)
	assert.Assert(t, !table.IsHeartbeatAvailable("http://peer/", future))
}

func TestSnapshot_ReturnsIndependentCopy(t *testing.T) {
	table := NewHeartbeatTable(nil, nil, nil)
	table.HandleHeartbeat(context.Background(), "http://peer-a/")
	table.HandleHeartbeat(context.Background(), "http://peer-b/")

	snap := table.Snapshot()
	assert.Equal(t, len(snap), 2)

	delete(snap, "http://peer-a/")
	_, stillThere := table.LastHeartbeat("http://peer-a/")
	assert.Assert(t, stillThere, "mutating the snapshot must not affect the table")
}

package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"

	"github.com/IdanHaim/ravendb/internal/replication"
)

// noopStore is the minimal replication.Store a FailureLedger needs to
// persist its failure documents; metrics tests only care about the
// in-memory gauge values, so every call is a trivial success.
type noopStore struct{}

func (noopStore) Get(ctx context.Context, key string) (*replication.JsonDocument, error) {
	return nil, nil
}
func (noopStore) Put(ctx context.Context, key string, expectedEtag *replication.Etag, data []byte, metadata map[string]any) error {
	return nil
}
func (noopStore) Delete(ctx context.Context, key string, expectedEtag *replication.Etag) error {
	return nil
}
func (noopStore) GetDocumentsWithIDStartingWith(ctx context.Context, prefix string, skip, take int, token string) ([]replication.JsonDocument, string, error) {
	return nil, "", nil
}
func (noopStore) Batch(ctx context.Context, action func(ctx context.Context, accessor replication.StorageAccessor) error) error {
	return action(ctx, replication.StorageAccessor{})
}
func (noopStore) GetRecentTouchesFor(ctx context.Context, key string) (*replication.RecentTouch, error) {
	return nil, nil
}

func TestSample_ReflectsLedgerFailureCountPerDestination(t *testing.T) {
	ledger := replication.NewFailureLedger(noopStore{}, clockwork.NewFakeClock(), zap.NewNop())
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	ledger.RecordFailure(context.Background(), "http://peer-a/", "boom")
	ledger.RecordFailure(context.Background(), "http://peer-a/", "boom again")
	ledger.RecordFailure(context.Background(), "http://peer-b/", "boom")

	collector.Sample(ledger)

	assert.Equal(t, testutil.ToFloat64(collector.failureCount.WithLabelValues("http://peer-a/")), float64(2))
	assert.Equal(t, testutil.ToFloat64(collector.failureCount.WithLabelValues("http://peer-b/")), float64(1))
}

func TestSample_RecordsLastSuccessUnixOnlyWhenSet(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ledger := replication.NewFailureLedger(noopStore{}, clock, zap.NewNop())
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	ledger.RecordFailure(context.Background(), "http://peer-a/", "boom")
	ledger.RecordSuccess(context.Background(), "http://peer-a/", replication.SuccessOptions{})

	collector.Sample(ledger)

	assert.Equal(t, testutil.ToFloat64(collector.lastSuccessUnix.WithLabelValues("http://peer-a/")), float64(clock.Now().Unix()))
}

func TestIncSendAttempt_IncrementsCounterForDestination(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	collector.IncSendAttempt("http://peer-a/")
	collector.IncSendAttempt("http://peer-a/")

	assert.Equal(t, testutil.ToFloat64(collector.sendAttempts.WithLabelValues("http://peer-a/")), float64(2))
}

func TestRun_StopsWhenContextIsCancelled(t *testing.T) {
	ledger := replication.NewFailureLedger(noopStore{}, clockwork.NewFakeClock(), zap.NewNop())
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		collector.Run(ctx, ledger, time.Millisecond, clockwork.NewFakeClock())
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

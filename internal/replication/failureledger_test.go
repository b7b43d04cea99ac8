package replication

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"gotest.tools/v3/assert"
)

func newTestLedger(store Store) *FailureLedger {
	return NewFailureLedger(store, nil, zap.NewNop())
}

func TestRecordFailure_IncrementsAndPersists(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store)

	ledger.RecordFailure(context.Background(), "http://peer/", "boom")
	ledger.RecordFailure(context.Background(), "http://peer/", "boom again")

	stats := ledger.Stats("http://peer/")
	assert.Equal(t, stats.FailureCount, 2)
	assert.Equal(t, stats.LastError, "boom again")
	assert.Assert(t, stats.FirstFailureInCycleTS != nil)

	info, err := ledger.loadFailureInfo(context.Background(), "http://peer/")
	assert.NilError(t, err)
	assert.Equal(t, info.FailureCount, 2)
}

func TestRecordSuccess_ResetsFailureCountAndDeletesPersisted(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store)

	ledger.RecordFailure(context.Background(), "http://peer/", "boom")
	etag := Etag("005")
	ledger.RecordSuccess(context.Background(), "http://peer/", SuccessOptions{ForDocuments: true, LastEtag: &etag})

	stats := ledger.Stats("http://peer/")
	assert.Equal(t, stats.FailureCount, 0)
	assert.Assert(t, stats.FirstFailureInCycleTS == nil)
	assert.Equal(t, stats.LastReplicatedEtag, etag)

	info, err := ledger.loadFailureInfo(context.Background(), "http://peer/")
	assert.NilError(t, err)
	assert.Assert(t, info == nil)
}

func TestRecordSuccess_NeverRegressesReplicatedEtag(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store)

	high := Etag("010")
	low := Etag("003")
	ledger.RecordSuccess(context.Background(), "http://peer/", SuccessOptions{ForDocuments: true, LastEtag: &high})
	ledger.RecordSuccess(context.Background(), "http://peer/", SuccessOptions{ForDocuments: true, LastEtag: &low})

	assert.Equal(t, ledger.Stats("http://peer/").LastReplicatedEtag, high)
}

func TestIsFirstFailure(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store)

	assert.Assert(t, ledger.IsFirstFailure("http://peer/"))
	ledger.RecordFailure(context.Background(), "http://peer/", "boom")
	assert.Assert(t, !ledger.IsFirstFailure("http://peer/"))
}

func TestIsNotFailing_ThrottleTable(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store)

	cases := []struct {
		failureCount int
		attempt      int64
		want         bool
	}{
		{failureCount: 0, attempt: 1, want: true},
		{failureCount: 10, attempt: 7, want: true},
		{failureCount: 50, attempt: 1, want: false},
		{failureCount: 50, attempt: 2, want: true},
		{failureCount: 150, attempt: 5, want: true},
		{failureCount: 150, attempt: 6, want: false},
		{failureCount: 2000, attempt: 10, want: true},
		{failureCount: 2000, attempt: 9, want: false},
	}

	for _, tc := range cases {
		url := "http://peer/"
		if tc.failureCount == 0 {
			// leave unpersisted — IsNotFailing with no record is always true
		} else {
			assert.NilError(t, ledger.upsertFailureInfo(context.Background(), url, tc.failureCount))
		}
		got := ledger.IsNotFailing(context.Background(), url, tc.attempt)
		assert.Equal(t, got, tc.want, "failureCount=%d attempt=%d", tc.failureCount, tc.attempt)
	}
}

func TestRecordStat_BoundedRing(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store)

	for i := 0; i < maxLastStats+10; i++ {
		ledger.RecordStat("http://peer/", StatEntry{Name: "scope"})
	}

	stats := ledger.Stats("http://peer/")
	assert.Equal(t, len(stats.LastStats), maxLastStats)
}

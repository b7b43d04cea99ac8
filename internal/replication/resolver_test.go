package replication

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"gotest.tools/v3/assert"
)

func seedDestinations(t *testing.T, store *fakeStore, doc destinationsDocument) {
	t.Helper()
	data, err := json.Marshal(doc)
	assert.NilError(t, err)
	assert.NilError(t, store.Put(context.Background(), DestinationsDocumentKey, nil, data, nil))
}

func TestResolve_NoDestinationsDocument(t *testing.T) {
	store := newFakeStore()
	resolver := NewDestinationResolver(store, nil, "local-db", zap.NewNop())

	strategies, err := resolver.Resolve(context.Background())
	assert.NilError(t, err)
	assert.Assert(t, len(strategies) == 0)
}

func TestResolve_AdoptsEmptySourceBestEffort(t *testing.T) {
	store := newFakeStore()
	seedDestinations(t, store, destinationsDocument{
		Destinations: []Destination{{URL: "http://peer-a/"}},
	})

	resolver := NewDestinationResolver(store, nil, "local-db", zap.NewNop())
	strategies, err := resolver.Resolve(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, len(strategies), 1)
	assert.Equal(t, strategies[0].ID(), "http://peer-a/")

	doc, err := store.Get(context.Background(), DestinationsDocumentKey)
	assert.NilError(t, err)
	var parsed destinationsDocument
	assert.NilError(t, json.Unmarshal(doc.Data, &parsed))
	assert.Equal(t, parsed.Source, "local-db")
}

func TestResolve_SourceMismatchAlertsOnceThenSuppresses(t *testing.T) {
	store := newFakeStore()
	seedDestinations(t, store, destinationsDocument{
		Source:       "some-other-db",
		Destinations: []Destination{{URL: "http://peer-a/"}},
	})

	alerts := &fakeAlerts{}
	resolver := NewDestinationResolver(store, alerts, "local-db", zap.NewNop())

	strategies, err := resolver.Resolve(context.Background())
	assert.NilError(t, err)
	assert.Assert(t, len(strategies) == 0)
	assert.Equal(t, alerts.count(), 1)

	strategies, err = resolver.Resolve(context.Background())
	assert.NilError(t, err)
	assert.Assert(t, len(strategies) == 0)
	assert.Equal(t, alerts.count(), 1, "a repeated mismatch must not re-alert")
}

func TestResolve_SkipsDisabledAndEmptyURLEntries(t *testing.T) {
	store := newFakeStore()
	seedDestinations(t, store, destinationsDocument{
		Source: "local-db",
		Destinations: []Destination{
			{URL: "http://peer-a/"},
			{URL: "http://peer-b/", Disabled: true},
			{URL: "   "},
		},
	})

	resolver := NewDestinationResolver(store, nil, "local-db", zap.NewNop())
	strategies, err := resolver.Resolve(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, len(strategies), 1)
	assert.Equal(t, strategies[0].ID(), "http://peer-a/")
}

func TestIsSystemDocumentID(t *testing.T) {
	assert.Assert(t, isSystemDocumentID("Raven/Replication/Destinations"))
	assert.Assert(t, !isSystemDocumentID("orders/1"))
}

package docstore

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
	"gotest.tools/v3/assert"

	"github.com/IdanHaim/ravendb/internal/replication"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(Config{
		Driver:   "sqlite",
		DSN:      "file:" + t.Name() + "?mode=memory&cache=shared",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	assert.NilError(t, err)

	store, err := New(db, zap.NewNop())
	assert.NilError(t, err)
	return store
}

func TestPutAndGet_RoundTripsDocument(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Put(ctx, "orders/1", nil, []byte(`{"n":1}`), map[string]any{"@id": "orders/1"})
	assert.NilError(t, err)

	doc, err := store.Get(ctx, "orders/1")
	assert.NilError(t, err)
	assert.Assert(t, doc != nil)
	assert.Equal(t, string(doc.Data), `{"n":1}`)
	assert.Equal(t, doc.Metadata["@id"], "orders/1")
	assert.Assert(t, doc.Etag != replication.EmptyEtag)
}

func TestPut_RejectsStaleExpectedEtag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.NilError(t, store.Put(ctx, "orders/1", nil, []byte(`{"n":1}`), nil))
	doc, err := store.Get(ctx, "orders/1")
	assert.NilError(t, err)

	stale := replication.Etag("not-the-real-one")
	err = store.Put(ctx, "orders/1", &stale, []byte(`{"n":2}`), nil)
	assert.Assert(t, errors.Is(err, ErrEtagMismatch))

	err = store.Put(ctx, "orders/1", &doc.Etag, []byte(`{"n":2}`), nil)
	assert.NilError(t, err)
}

func TestPut_ReplacesPriorLiveRowWithoutPrimaryKeyCollision(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.NilError(t, store.Put(ctx, "orders/1", nil, []byte(`{"n":1}`), nil))
	}

	docs, _, err := store.GetDocumentsWithIDStartingWith(ctx, "orders/", 0, 10, "")
	assert.NilError(t, err)
	assert.Equal(t, len(docs), 1, "repeated puts of the same key must leave exactly one live row")
}

func TestDelete_RemovesLiveRowAndAppendsTombstone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.NilError(t, store.Put(ctx, "orders/1", nil, []byte(`{"n":1}`), nil))
	assert.NilError(t, store.Delete(ctx, "orders/1", nil))

	doc, err := store.Get(ctx, "orders/1")
	assert.NilError(t, err)
	assert.Assert(t, doc == nil)

	var tombstones []replication.JsonDocument
	err = store.Batch(ctx, func(ctx context.Context, accessor replication.StorageAccessor) error {
		var err error
		tombstones, err = accessor.Lists.Read(ctx, replication.DocTombstonesList, replication.EmptyEtag, nil, 10)
		return err
	})
	assert.NilError(t, err)
	assert.Equal(t, len(tombstones), 1)
	assert.Equal(t, tombstones[0].Key, "orders/1")
}

func TestDeleteRecreateDelete_EachTombstoneSurvivesIndependently(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.NilError(t, store.Put(ctx, "orders/1", nil, []byte(`{"n":1}`), nil))
	assert.NilError(t, store.Delete(ctx, "orders/1", nil))
	assert.NilError(t, store.Put(ctx, "orders/1", nil, []byte(`{"n":2}`), nil))
	assert.NilError(t, store.Delete(ctx, "orders/1", nil))

	var tombstones []replication.JsonDocument
	err := store.Batch(ctx, func(ctx context.Context, accessor replication.StorageAccessor) error {
		var err error
		tombstones, err = accessor.Lists.Read(ctx, replication.DocTombstonesList, replication.EmptyEtag, nil, 10)
		return err
	})
	assert.NilError(t, err)
	assert.Equal(t, len(tombstones), 2, "two independent delete events must leave two distinct tombstone rows")
}

func TestDelete_OfMissingKeyIsANoOp(t *testing.T) {
	store := newTestStore(t)
	err := store.Delete(context.Background(), "orders/missing", nil)
	assert.NilError(t, err)
}

func TestGetDocumentsWithIDStartingWith_PagesByPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.NilError(t, store.Put(ctx, "orders/1", nil, []byte(`{}`), nil))
	assert.NilError(t, store.Put(ctx, "orders/2", nil, []byte(`{}`), nil))
	assert.NilError(t, store.Put(ctx, "invoices/1", nil, []byte(`{}`), nil))

	first, token, err := store.GetDocumentsWithIDStartingWith(ctx, "orders/", 0, 1, "")
	assert.NilError(t, err)
	assert.Equal(t, len(first), 1)
	assert.Assert(t, token != "")

	second, token, err := store.GetDocumentsWithIDStartingWith(ctx, "orders/", 0, 1, token)
	assert.NilError(t, err)
	assert.Equal(t, len(second), 1)
	assert.Assert(t, first[0].Key != second[0].Key)
	assert.Equal(t, token, "")
}

func TestGetRecentTouchesFor_ReturnsNilWhenAbsent(t *testing.T) {
	store := newTestStore(t)
	touch, err := store.GetRecentTouchesFor(context.Background(), "orders/1")
	assert.NilError(t, err)
	assert.Assert(t, touch == nil)
}

func TestBatch_StalenessReflectsMostRecentDocumentEtag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	assert.NilError(t, store.Put(ctx, "orders/1", nil, []byte(`{}`), nil))

	var max replication.Etag
	err := store.Batch(ctx, func(ctx context.Context, accessor replication.StorageAccessor) error {
		var err error
		max, err = accessor.Staleness.GetMostRecentDocumentEtag(ctx)
		return err
	})
	assert.NilError(t, err)
	assert.Assert(t, max != replication.EmptyEtag)
}

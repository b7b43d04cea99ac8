// Package prefetch provides the one concrete replication.Prefetcher this
// repository ships: a thin read-ahead over docstore's default document list
// with an adaptive batch-size target. The real prefetcher (with its warm
// in-memory document cache) is explicitly out of scope for the replication
// package — see spec §0 — so this exists only so cmd/replicator is runnable
// end to end rather than requiring every deployer to bring their own.
package prefetch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/IdanHaim/ravendb/internal/replication"
)

const (
	defaultBatchTarget = 512
	minBatchTarget     = 16
	maxBatchTarget     = 4096

	// fastElapsedThreshold is the ceiling under which a completed batch is
	// considered cheap enough to justify doubling the next target.
	fastElapsedThreshold = 250 * time.Millisecond
)

// Prefetcher implements replication.Prefetcher over a replication.Store,
// tracking one adaptive batch-size target per destination URL. It holds no
// document cache of its own — CleanupDocuments is a no-op here, since there
// is nothing cached to prune — which is the one respect in which it is
// simpler than the real RavenDB prefetcher it stands in for.
type Prefetcher struct {
	store Store
	url   string

	target int64 // atomic
}

// Store is the subset of replication.Store this package depends on.
type Store interface {
	Batch(ctx context.Context, fn func(ctx context.Context, accessor replication.StorageAccessor) error) error
}

// New creates a Prefetcher for one destination URL, starting at the default
// batch-size target.
func New(store Store, url string) *Prefetcher {
	return &Prefetcher{store: store, url: url, target: defaultBatchTarget}
}

// GetDocumentsBatchFrom reads up to the current batch-size target of
// documents from the default (unnamed) list, strictly after etag.
func (p *Prefetcher) GetDocumentsBatchFrom(ctx context.Context, etag replication.Etag) ([]replication.JsonDocument, error) {
	take := int(atomic.LoadInt64(&p.target))

	var docs []replication.JsonDocument
	err := p.store.Batch(ctx, func(ctx context.Context, accessor replication.StorageAccessor) error {
		var err error
		docs, err = accessor.Lists.Read(ctx, "", etag, nil, take)
		return err
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// FilterDocuments applies no additional filtering beyond what
// BatchAssembler and the destination strategy already apply.
func (p *Prefetcher) FilterDocuments(doc replication.JsonDocument) bool {
	return true
}

// UpdateAutoThrottler grows the batch target when a batch of the current
// target size completed quickly, signalling the destination can absorb more
// per round trip. A partial batch (fewer documents than requested) means the
// source is caught up, not that the destination is fast, so it leaves the
// target untouched.
func (p *Prefetcher) UpdateAutoThrottler(docs []replication.JsonDocument, elapsed time.Duration) {
	current := atomic.LoadInt64(&p.target)
	if int64(len(docs)) < current {
		return
	}
	if elapsed <= fastElapsedThreshold {
		grown := current * 2
		if grown > maxBatchTarget {
			grown = maxBatchTarget
		}
		atomic.StoreInt64(&p.target, grown)
	}
}

// OutOfMemoryHappened halves the next batch target, down to minBatchTarget.
func (p *Prefetcher) OutOfMemoryHappened() {
	for {
		current := atomic.LoadInt64(&p.target)
		shrunk := current / 2
		if shrunk < minBatchTarget {
			shrunk = minBatchTarget
		}
		if atomic.CompareAndSwapInt64(&p.target, current, shrunk) {
			return
		}
	}
}

// CleanupDocuments is a no-op: this prefetcher keeps no cache to prune.
func (p *Prefetcher) CleanupDocuments(uptoEtag replication.Etag) {}

// Dispose releases no resources; present to satisfy replication.Prefetcher.
func (p *Prefetcher) Dispose() {}

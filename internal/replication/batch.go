package replication

import (
	"context"
	"fmt"
	"sort"
)

// Tombstone list document names (§6).
const (
	DocTombstonesList        = "Raven/Replication/Docs/Tombstones"
	AttachmentTombstonesList = "Raven/Replication/Attachments/Tombstones"
)

const (
	minDocsTombstoneCap        = 1024
	minAttachmentsTombstoneCap = 100
	attachmentBatchMaxCount    = 100
	attachmentBatchMaxBytes    = 10 * 1024 * 1024
)

// BatchAssembler combines prefetched documents with tombstones, applies
// destination and prefetcher filters, and re-iterates when an entire batch
// was filtered out (§4.4).
type BatchAssembler struct {
	store Store
}

// NewBatchAssembler creates a BatchAssembler over store.
func NewBatchAssembler(store Store) *BatchAssembler {
	return &BatchAssembler{store: store}
}

// BuildDocuments assembles one document BatchResult for strategy, starting
// from info.LastDocumentEtag. Runs entirely inside one storage transaction.
func (a *BatchAssembler) BuildDocuments(ctx context.Context, prefetcher Prefetcher, strategy Strategy, info SourceReplicationInformation) (BatchResult, error) {
	var result BatchResult
	result.StartEtag = info.LastDocumentEtag

	err := a.store.Batch(ctx, func(ctx context.Context, accessor StorageAccessor) error {
		cursor := info.LastDocumentEtag
		var systemTotal, fromDestTotal int

		for {
			docs, err := prefetcher.GetDocumentsBatchFrom(ctx, cursor)
			if err != nil {
				return fmt.Errorf("batch: prefetch failed: %w", err)
			}

			var docLastEtag *Etag
			if len(docs) > 0 {
				e := docs[len(docs)-1].Etag
				docLastEtag = &e
			}

			tombstoneCap := minDocsTombstoneCap
			if len(docs) > tombstoneCap {
				tombstoneCap = len(docs)
			}
			tombstoneCap++

			tombstones, err := accessor.Lists.Read(ctx, DocTombstonesList, cursor, docLastEtag, tombstoneCap)
			if err != nil {
				return fmt.Errorf("batch: tombstone read failed: %w", err)
			}
			tombstones = capTombstones(tombstones, tombstoneCap)

			merged := mergeSortedByEtag(docs, tombstones)
			if len(merged) == 0 {
				result.LastEtag = cursor
				result.Documents = nil
				result.LoadedDocs = nil
				result.SystemDocCount = systemTotal
				result.FromDestinationCount = fromDestTotal
				return nil
			}

			result.LoadedDocs = append(result.LoadedDocs, docs...)

			systemCount, fromDestCount := countSystemAndOrigin(merged, strategy)
			systemTotal += systemCount
			fromDestTotal += fromDestCount

			postFilter := make([]JsonDocument, 0, len(merged))
			for _, d := range merged {
				if touch, _ := a.store.GetRecentTouchesFor(ctx, d.Key); touch != nil && cursor.Less(touch.TouchedEtag) {
					continue
				}
				if strategy.FilterDocuments != nil && !strategy.FilterDocuments(strategy.ID(), d.Key, d.Metadata) {
					continue
				}
				if prefetcher != nil && !prefetcher.FilterDocuments(d) {
					continue
				}
				postFilter = append(postFilter, ensureID(d))
			}

			lastPreFilter := merged[len(merged)-1]
			cursor = lastPreFilter.Etag
			result.LastLastModified = lastPreFilter.LastModified

			if len(postFilter) > 0 {
				result.Documents = postFilter
				result.LastEtag = cursor
				result.SystemDocCount = systemTotal
				result.FromDestinationCount = fromDestTotal
				return nil
			}
			// Pre-filter was non-empty but everything was filtered out:
			// advance past it and re-batch (§4.4 step 8). systemTotal/
			// fromDestTotal keep accumulating so a terminating empty round
			// still reports the counts seen across every filtered round.
		}
	})

	return result, err
}

// BuildAttachments is the attachment analogue of BuildDocuments: batch size
// capped at 100 items or 10 MiB, tombstone cap max(100, len)+1, same
// re-batch-on-all-filtered loop. Attachment payload bytes are not read here:
// DestinationWorker.loadAttachmentPayloads reads them at send time in a
// separate transaction, giving a missing payload an empty byte array.
func (a *BatchAssembler) BuildAttachments(ctx context.Context, strategy Strategy, info SourceReplicationInformation) (AttachmentBatchResult, error) {
	var result AttachmentBatchResult
	result.StartEtag = info.LastAttachmentEtag

	err := a.store.Batch(ctx, func(ctx context.Context, accessor StorageAccessor) error {
		cursor := info.LastAttachmentEtag

		for {
			attachments, err := accessor.Attachments.GetAttachmentsAfter(ctx, cursor, attachmentBatchMaxCount, attachmentBatchMaxBytes)
			if err != nil {
				return fmt.Errorf("batch: attachments read failed: %w", err)
			}

			var lastEtag *Etag
			if len(attachments) > 0 {
				e := attachments[len(attachments)-1].Etag
				lastEtag = &e
			}

			tombstoneCap := minAttachmentsTombstoneCap
			if len(attachments) > tombstoneCap {
				tombstoneCap = len(attachments)
			}
			tombstoneCap++

			tombstoneDocs, err := accessor.Lists.Read(ctx, AttachmentTombstonesList, cursor, lastEtag, tombstoneCap)
			if err != nil {
				return fmt.Errorf("batch: attachment tombstone read failed: %w", err)
			}
			tombstoneDocs = capTombstones(tombstoneDocs, tombstoneCap)

			merged := mergeAttachmentsWithTombstones(attachments, tombstoneDocs)
			if len(merged) == 0 {
				result.LastEtag = cursor
				result.Attachments = nil
				return nil
			}

			postFilter := make([]AttachmentInformation, 0, len(merged))
			for _, att := range merged {
				if strategy.FilterAttachments != nil && !strategy.FilterAttachments(att, strategy.ID()) {
					continue
				}
				postFilter = append(postFilter, att)
			}

			cursor = merged[len(merged)-1].Etag

			if len(postFilter) > 0 {
				result.Attachments = postFilter
				result.LastEtag = cursor
				return nil
			}
			// all filtered out — advance and re-batch
		}
	})

	return result, err
}

// capTombstones implements the gap-prevention rule: if the read hit its
// limit (returned exactly `cap` results), drop any whose etag is greater
// than the last returned tombstone's etag. This is a defensive no-op when
// the store already honors the cap as an upper bound, but guards against
// implementations that return one extra sentinel row.
func capTombstones(tombstones []JsonDocument, cap int) []JsonDocument {
	if len(tombstones) < cap {
		return tombstones
	}
	last := tombstones[len(tombstones)-1].Etag
	out := make([]JsonDocument, 0, len(tombstones))
	for _, t := range tombstones {
		if t.Etag.Less(last) || t.Etag == last {
			out = append(out, t)
		}
	}
	return out
}

// mergeSortedByEtag merges two etag-ordered slices and sorts the result
// ascending (§4.4 step 4).
func mergeSortedByEtag(docs, tombstones []JsonDocument) []JsonDocument {
	if len(docs) == 0 && len(tombstones) == 0 {
		return nil
	}
	merged := make([]JsonDocument, 0, len(docs)+len(tombstones))
	merged = append(merged, docs...)
	merged = append(merged, tombstones...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Etag.Less(merged[j].Etag)
	})
	return merged
}

// mergeAttachmentsWithTombstones merges attachments with tombstone entries
// (represented as JsonDocuments on the shared tombstone list) into a single
// ascending-etag AttachmentInformation slice. Tombstones carry no payload.
func mergeAttachmentsWithTombstones(attachments []AttachmentInformation, tombstones []JsonDocument) []AttachmentInformation {
	if len(attachments) == 0 && len(tombstones) == 0 {
		return nil
	}
	merged := make([]AttachmentInformation, 0, len(attachments)+len(tombstones))
	merged = append(merged, attachments...)
	for _, t := range tombstones {
		merged = append(merged, AttachmentInformation{Key: t.Key, Etag: t.Etag, Metadata: t.Metadata})
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Etag.Less(merged[j].Etag)
	})
	return merged
}

// countSystemAndOrigin counts, in the pre-filter set, how many documents are
// system documents and how many originated from the destination — needed
// for the worker's empty-batch etag-bump decision (§4.3 Phase 2).
func countSystemAndOrigin(docs []JsonDocument, strategy Strategy) (systemCount, fromDestCount int) {
	for _, d := range docs {
		if strategy.IsSystemDocumentID != nil && strategy.IsSystemDocumentID(d.Key) {
			systemCount++
		}
		if strategy.OriginsFromDestination != nil && strategy.OriginsFromDestination(strategy.ID(), d.Metadata) {
			fromDestCount++
		}
	}
	return
}

// ensureID returns a copy of d with its metadata guaranteed to carry @id,
// as required by the wire format in §6.
func ensureID(d JsonDocument) JsonDocument {
	meta := make(map[string]any, len(d.Metadata)+1)
	for k, v := range d.Metadata {
		meta[k] = v
	}
	meta["@id"] = d.Key
	d.Metadata = meta
	return d
}

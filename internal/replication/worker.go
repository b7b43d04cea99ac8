package replication

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// PhaseOutcome is the per-phase result a DestinationWorker reports for
// documents and attachments independently (§4.3).
type PhaseOutcome int

const (
	// PhaseNoOp means nothing needed sending; at most a cursor bump was PUT.
	PhaseNoOp PhaseOutcome = iota
	// PhaseOK means a batch was sent and acknowledged.
	PhaseOK
	// PhaseFailed means the send failed after the first-failure retry was
	// exhausted (or this wasn't the first failure, so no retry was granted).
	PhaseFailed
)

// WorkerResult is the outcome of one DestinationWorker.Run call.
type WorkerResult struct {
	Documents   PhaseOutcome
	Attachments PhaseOutcome
}

// Ok reports whether either phase actually replicated data — the signal the
// controller uses to decide whether to notify the work context (§4.3: "If
// true, notify the local store that work occurred").
func (r WorkerResult) Ok() bool {
	return r.Documents == PhaseOK || r.Attachments == PhaseOK
}

// systemOnlyBumpThreshold and originBumpThreshold are the empty-batch etag
// bump thresholds from §4.3 Phase 2.
const (
	systemOnlyBumpThreshold = 15
	originBumpThreshold     = 15
)

// DestinationWorker runs the negotiate/documents/attachments state machine
// for one destination, for one controller tick. A worker is short-lived: the
// controller constructs one per spawn and discards it on completion. The
// controller, not the worker, owns the single-flight token (§5) — the worker
// simply assumes it has already won the CAS.
type DestinationWorker struct {
	store     Store
	peer      *PeerClient
	assembler *BatchAssembler
	ledger    *FailureLedger
	stats     *StatsRecorder
	clock     clockwork.Clock
	logger    *zap.Logger
}

// NewDestinationWorker creates a DestinationWorker sharing its collaborators
// with the rest of the controller.
func NewDestinationWorker(store Store, peer *PeerClient, assembler *BatchAssembler, ledger *FailureLedger, stats *StatsRecorder, clock clockwork.Clock, logger *zap.Logger) *DestinationWorker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DestinationWorker{
		store:     store,
		peer:      peer,
		assembler: assembler,
		ledger:    ledger,
		stats:     stats,
		clock:     clock,
		logger:    logger.Named("worker"),
	}
}

// Run executes one full tick for strategy against prefetcher.
func (w *DestinationWorker) Run(ctx context.Context, strategy Strategy, prefetcher Prefetcher) WorkerResult {
	scope := w.stats.Begin(strategy.ID(), "replicate")
	defer scope.Dispose()

	info, err := w.negotiate(ctx, strategy, scope)
	if err != nil {
		return WorkerResult{Documents: PhaseFailed, Attachments: PhaseFailed}
	}

	docsOutcome := w.runDocuments(ctx, strategy, prefetcher, *info, scope.Child("documents"))
	if docsOutcome == PhaseFailed {
		return WorkerResult{Documents: docsOutcome, Attachments: PhaseNoOp}
	}

	attachmentsOutcome := w.runAttachments(ctx, strategy, *info, scope.Child("attachments"))

	return WorkerResult{Documents: docsOutcome, Attachments: attachmentsOutcome}
}

// negotiate is Phase 1: retrieve the peer's acknowledged cursor.
func (w *DestinationWorker) negotiate(ctx context.Context, strategy Strategy, scope *Scope) (*SourceReplicationInformation, error) {
	head, err := w.localHeadEtag(ctx)
	if err != nil {
		w.logger.Warn("failed to read local head etag", zap.String("destination", strategy.ID()), zap.Error(err))
		head = EmptyEtag
	}

	info, err := w.peer.GetLastEtag(ctx, strategy.Destination, head)
	if err != nil {
		scope.RecordError("negotiate", err.Error())
		w.logger.Warn("negotiate failed", zap.String("destination", strategy.ID()), zap.Error(err))
		w.ledger.RecordFailure(ctx, strategy.ID(), err.Error())
		return nil, err
	}
	return info, nil
}

// localHeadEtag reads the store's current head via a throwaway batch — it
// exists purely to surface StalenessReader to the negotiate phase.
func (w *DestinationWorker) localHeadEtag(ctx context.Context) (Etag, error) {
	var head Etag
	err := w.store.Batch(ctx, func(ctx context.Context, accessor StorageAccessor) error {
		e, err := accessor.Staleness.GetMostRecentDocumentEtag(ctx)
		if err != nil {
			return err
		}
		head = e
		return nil
	})
	return head, err
}

// runDocuments is Phase 2.
func (w *DestinationWorker) runDocuments(ctx context.Context, strategy Strategy, prefetcher Prefetcher, info SourceReplicationInformation, scope *Scope) PhaseOutcome {
	defer scope.Dispose()

	started := w.clock.Now()
	batch, err := w.assembler.BuildDocuments(ctx, prefetcher, strategy, info)
	elapsed := w.clock.Now().Sub(started)

	if err != nil {
		scope.RecordError("build_documents", err.Error())
		w.ledger.RecordFailure(ctx, strategy.ID(), err.Error())
		return PhaseFailed
	}

	if len(batch.LoadedDocs) > 0 {
		prefetcher.UpdateAutoThrottler(batch.LoadedDocs, elapsed)
	}

	if batch.Empty() {
		if batch.LastEtag != info.LastDocumentEtag && shouldBumpEtag(batch.SystemDocCount, batch.FromDestinationCount) {
			if err := w.peer.PutLastEtag(ctx, strategy.Destination, &batch.LastEtag, nil); err != nil {
				scope.RecordError("put_last_etag", err.Error())
				w.logger.Warn("cursor bump failed", zap.String("destination", strategy.ID()), zap.Error(err))
			}
		}
		w.ledger.RecordEtagChecked(strategy.ID(), batch.LastEtag)
		return PhaseNoOp
	}

	scope.Record(fmt.Sprintf("sending %d documents", len(batch.Documents)))

	sendErr := w.peer.SendDocuments(ctx, strategy.Destination, batch.Documents)
	if sendErr != nil && w.ledger.IsFirstFailure(strategy.ID()) {
		scope.RecordError("send_documents_retry", sendErr.Error())
		sendErr = w.peer.SendDocuments(ctx, strategy.Destination, batch.Documents)
	}
	if sendErr != nil {
		scope.RecordError("send_documents", sendErr.Error())
		prefetcher.OutOfMemoryHappened()
		w.ledger.RecordFailure(ctx, strategy.ID(), sendErr.Error())
		return PhaseFailed
	}

	w.ledger.RecordSuccess(ctx, strategy.ID(), SuccessOptions{
		ForDocuments:     true,
		LastEtag:         &batch.LastEtag,
		LastLastModified: batch.LastLastModified,
	})
	prefetcher.CleanupDocuments(batch.LastEtag)
	return PhaseOK
}

// runAttachments is Phase 3.
func (w *DestinationWorker) runAttachments(ctx context.Context, strategy Strategy, info SourceReplicationInformation, scope *Scope) PhaseOutcome {
	defer scope.Dispose()

	batch, err := w.assembler.BuildAttachments(ctx, strategy, info)
	if err != nil {
		scope.RecordError("build_attachments", err.Error())
		w.ledger.RecordFailure(ctx, strategy.ID(), err.Error())
		return PhaseFailed
	}

	if batch.Empty() {
		if batch.LastEtag != info.LastAttachmentEtag {
			if err := w.peer.PutLastEtag(ctx, strategy.Destination, nil, &batch.LastEtag); err != nil {
				scope.RecordError("put_last_etag", err.Error())
				w.logger.Warn("attachment cursor bump failed", zap.String("destination", strategy.ID()), zap.Error(err))
			}
		}
		return PhaseNoOp
	}

	wire, err := w.loadAttachmentPayloads(ctx, batch.Attachments)
	if err != nil {
		scope.RecordError("load_attachment_payloads", err.Error())
		w.ledger.RecordFailure(ctx, strategy.ID(), err.Error())
		return PhaseFailed
	}

	scope.Record(fmt.Sprintf("sending %d attachments", len(wire)))

	sendErr := w.peer.SendAttachments(ctx, strategy.Destination, wire)
	if sendErr != nil && w.ledger.IsFirstFailure(strategy.ID()) {
		scope.RecordError("send_attachments_retry", sendErr.Error())
		sendErr = w.peer.SendAttachments(ctx, strategy.Destination, wire)
	}
	if sendErr != nil {
		scope.RecordError("send_attachments", sendErr.Error())
		w.ledger.RecordFailure(ctx, strategy.ID(), sendErr.Error())
		return PhaseFailed
	}

	w.ledger.RecordSuccess(ctx, strategy.ID(), SuccessOptions{
		ForDocuments: false,
		LastEtag:     &batch.LastEtag,
	})
	return PhaseOK
}

// loadAttachmentPayloads resolves the lazily-fetched byte payload for each
// AttachmentInformation, producing the wire-ready AttachmentWire slice.
func (w *DestinationWorker) loadAttachmentPayloads(ctx context.Context, attachments []AttachmentInformation) ([]AttachmentWire, error) {
	wire := make([]AttachmentWire, 0, len(attachments))
	err := w.store.Batch(ctx, func(ctx context.Context, accessor StorageAccessor) error {
		for _, att := range attachments {
			data, err := accessor.Attachments.GetAttachment(ctx, att.Key)
			if err != nil {
				return fmt.Errorf("loading attachment %q: %w", att.Key, err)
			}
			if data == nil {
				data = []byte{}
			}
			wire = append(wire, AttachmentWire{
				Metadata: att.Metadata,
				ID:       att.Key,
				Etag:     []byte(att.Etag),
				Data:     data,
			})
		}
		return nil
	})
	return wire, err
}

// shouldBumpEtag implements the empty-batch bump decision of §4.3 Phase 2:
// bump when there were no filtered-out system documents, or when either
// threshold was exceeded.
func shouldBumpEtag(systemDocCount, fromDestinationCount int) bool {
	return systemDocCount == 0 ||
		systemDocCount > systemOnlyBumpThreshold ||
		fromDestinationCount > originBumpThreshold
}

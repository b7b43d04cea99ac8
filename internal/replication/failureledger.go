package replication

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// FailureLedger is pure accounting over DestinationStats plus the persistent
// DestinationFailureInformation document (§4.2). It decides whether a given
// attempt should be skipped based on a destination's persisted failure
// depth, and updates both the in-memory stats and the persisted record on
// every success or failure.
//
// destination_stats, like the teacher's agent registry, is a concurrent map
// guarded by a single mutex; failure counts are mutated only while holding
// it, which keeps record_failure/record_success/is_first_failure consistent
// with each other (the spec tolerates torn timestamp reads but not torn
// counter reads).
type FailureLedger struct {
	mu    sync.Mutex
	stats map[string]*DestinationStats

	store  Store
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewFailureLedger creates a FailureLedger backed by store for the
// persistent failure documents.
func NewFailureLedger(store Store, clock clockwork.Clock, logger *zap.Logger) *FailureLedger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FailureLedger{
		stats:  make(map[string]*DestinationStats),
		store:  store,
		clock:  clock,
		logger: logger.Named("failureledger"),
	}
}

// statsFor returns (creating if necessary) the DestinationStats for url.
// Must be called with mu held.
func (l *FailureLedger) statsFor(url string) *DestinationStats {
	s, ok := l.stats[url]
	if !ok {
		s = &DestinationStats{}
		l.stats[url] = s
	}
	return s
}

// Stats returns a shallow copy of the current stats for url, for read-only
// inspection (admin API, tests). The LastStats slice is shared but never
// mutated in place after being appended, so sharing it is safe.
func (l *FailureLedger) Stats(url string) DestinationStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.stats[url]; ok {
		return *s
	}
	return DestinationStats{}
}

// AllStats returns a snapshot of every destination currently tracked.
func (l *FailureLedger) AllStats() map[string]DestinationStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]DestinationStats, len(l.stats))
	for url, s := range l.stats {
		out[url] = *s
	}
	return out
}

// IsNotFailing implements the throttle table of §4.2: given the persisted
// failure count for destination and the current global attempt counter A,
// it reports whether this attempt should actually be sent.
func (l *FailureLedger) IsNotFailing(ctx context.Context, destination string, attemptCount int64) bool {
	info, err := l.loadFailureInfo(ctx, destination)
	if err != nil {
		l.logger.Warn("failed to read persisted failure info, assuming healthy",
			zap.String("destination", destination), zap.Error(err))
		return true
	}
	if info == nil {
		return true
	}

	switch {
	case info.FailureCount <= 10:
		return true
	case info.FailureCount <= 100:
		return attemptCount%2 == 0
	case info.FailureCount <= 1000:
		return attemptCount%5 == 0
	default:
		return attemptCount%10 == 0
	}
}

// IsFirstFailure reports whether failure_count == 0 for url right now —
// i.e. whether a failing attempt would be this destination's first failure
// since its last success.
func (l *FailureLedger) IsFirstFailure(url string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statsFor(url).FailureCount == 0
}

// RecordFailure atomically increments failure_count, stamps
// last_failure_ts (and first_failure_in_cycle_ts if this is the first
// failure in the current cycle), records lastError if non-empty, and
// upserts the persisted failure document.
func (l *FailureLedger) RecordFailure(ctx context.Context, url string, lastError string) {
	now := l.clock.Now()

	l.mu.Lock()
	s := l.statsFor(url)
	s.FailureCount++
	s.LastFailureTS = &now
	if s.FirstFailureInCycleTS == nil {
		s.FirstFailureInCycleTS = &now
	}
	if lastError != "" {
		s.LastError = lastError
	}
	failureCount := s.FailureCount
	l.mu.Unlock()

	if err := l.upsertFailureInfo(ctx, url, failureCount); err != nil {
		l.logger.Warn("failed to persist failure info",
			zap.String("destination", url), zap.Error(err))
	}
}

// SuccessOptions carries the optional fields RecordSuccess may update,
// chosen by ForDocuments (documents vs. attachments, per §4.2).
type SuccessOptions struct {
	ForDocuments    bool
	LastEtag         *Etag
	LastLastModified *time.Time
	LastHeartbeat    *time.Time
}

// RecordSuccess resets failure_count to 0, clears
// first_failure_in_cycle_ts, stamps last_success_ts, optionally updates the
// last-replicated document/attachment etag and last-modified/heartbeat
// fields, clears last_error, and deletes the persisted failure document.
func (l *FailureLedger) RecordSuccess(ctx context.Context, url string, opts SuccessOptions) {
	now := l.clock.Now()

	l.mu.Lock()
	s := l.statsFor(url)
	s.FailureCount = 0
	s.FirstFailureInCycleTS = nil
	s.LastSuccessTS = &now
	s.LastError = ""
	if opts.LastEtag != nil {
		if opts.ForDocuments {
			if s.LastReplicatedEtag.Less(*opts.LastEtag) || s.LastReplicatedEtag == *opts.LastEtag {
				s.LastReplicatedEtag = *opts.LastEtag
			}
		} else {
			if s.LastReplicatedAttachmentEtag.Less(*opts.LastEtag) || s.LastReplicatedAttachmentEtag == *opts.LastEtag {
				s.LastReplicatedAttachmentEtag = *opts.LastEtag
			}
		}
	}
	if opts.LastLastModified != nil {
		s.LastReplicatedLastModified = opts.LastLastModified
	}
	if opts.LastHeartbeat != nil {
		s.LastHeartbeatReceived = opts.LastHeartbeat
	}
	l.mu.Unlock()

	if err := l.deleteFailureInfo(ctx, url); err != nil {
		l.logger.Warn("failed to clear persisted failure info",
			zap.String("destination", url), zap.Error(err))
	}
}

// RecordEtagChecked updates last_etag_checked without touching failure
// accounting — used when the worker negotiates but finds nothing new.
func (l *FailureLedger) RecordEtagChecked(url string, etag Etag) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statsFor(url).LastEtagChecked = etag
}

// RecordStat appends a completed StatEntry to url's bounded stats ring
// (§4.7: on top-level scope dispose, push to front, trim to 50).
func (l *FailureLedger) RecordStat(url string, rec StatEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statsFor(url).pushStat(rec)
}

const failureDocPrefix = "Raven/Replication/Destinations/"

func escapeDestinationURL(url string) string {
	return escapeURLForKey(url)
}

func (l *FailureLedger) failureDocKey(url string) string {
	return failureDocPrefix + escapeDestinationURL(url)
}

func (l *FailureLedger) loadFailureInfo(ctx context.Context, url string) (*DestinationFailureInformation, error) {
	doc, err := l.store.Get(ctx, l.failureDocKey(url))
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return decodeFailureInfo(doc.Data)
}

func (l *FailureLedger) upsertFailureInfo(ctx context.Context, url string, failureCount int) error {
	info := DestinationFailureInformation{Destination: url, FailureCount: failureCount}
	data, err := encodeFailureInfo(info)
	if err != nil {
		return err
	}
	return l.store.Put(ctx, l.failureDocKey(url), nil, data, nil)
}

func (l *FailureLedger) deleteFailureInfo(ctx context.Context, url string) error {
	return l.store.Delete(ctx, l.failureDocKey(url), nil)
}

package replication

import (
	"context"
	"time"
)

// Store is the narrow slice of the underlying document/attachment store that
// the replication worker needs. The real implementation (RavenDB's own
// storage engine) is out of scope for this package — it is consumed purely
// through this interface. See internal/docstore for a minimal standalone
// adapter used to run the binary end to end.
type Store interface {
	Get(ctx context.Context, key string) (*JsonDocument, error)
	Put(ctx context.Context, key string, expectedEtag *Etag, data []byte, metadata map[string]any) error
	Delete(ctx context.Context, key string, expectedEtag *Etag) error

	// GetDocumentsWithIDStartingWith pages through keys sharing prefix,
	// returning at most take documents starting at skip, and an opaque
	// continuation token for the next page (empty when exhausted).
	GetDocumentsWithIDStartingWith(ctx context.Context, prefix string, skip, take int, token string) ([]JsonDocument, string, error)

	// Batch runs action inside one storage transaction and exposes the
	// accessor the BatchAssembler needs for cursor-based reads.
	Batch(ctx context.Context, action func(ctx context.Context, accessor StorageAccessor) error) error

	// GetRecentTouchesFor returns the touched-etag marker for key, or nil if
	// the key has no recent touch recorded.
	GetRecentTouchesFor(ctx context.Context, key string) (*RecentTouch, error)
}

// RecentTouch is the touch-induced-update marker consulted by the
// BatchAssembler's document filter (§4.4 step 5).
type RecentTouch struct {
	TouchedEtag Etag
}

// StorageAccessor is handed to the action passed to Store.Batch.
type StorageAccessor struct {
	Staleness   StalenessReader
	Attachments AttachmentReader
	Lists       ListReader
}

// StalenessReader reports the store's current head.
type StalenessReader interface {
	GetMostRecentDocumentEtag(ctx context.Context) (Etag, error)
}

// AttachmentReader reads attachment metadata and payload bytes.
type AttachmentReader interface {
	GetAttachmentsAfter(ctx context.Context, after Etag, take int, sizeLimit int64) ([]AttachmentInformation, error)
	GetAttachment(ctx context.Context, key string) ([]byte, error)
}

// ListReader reads a named ascending list (used for the two tombstone
// lists) between etag bounds.
type ListReader interface {
	Read(ctx context.Context, name string, from Etag, to *Etag, take int) ([]JsonDocument, error)
}

// Prefetcher assembles document batches from local storage ahead of time and
// performs auto-tuning of its own batch size. One Prefetcher exists per
// destination URL for as long as that destination stays configured and
// healthy (see §3 lifecycles, §8 invariant 8). Out of scope: the concrete
// implementation lives alongside the store/prefetch engine, not in this
// package.
type Prefetcher interface {
	GetDocumentsBatchFrom(ctx context.Context, etag Etag) ([]JsonDocument, error)
	FilterDocuments(doc JsonDocument) bool
	UpdateAutoThrottler(docs []JsonDocument, elapsed time.Duration)
	OutOfMemoryHappened()
	CleanupDocuments(uptoEtag Etag)
	Dispose()
}

// HttpTransport builds and executes HTTP requests against a peer. It is the
// sole I/O suspension point in the worker; PeerClient is a thin wrapper over
// it. The concrete implementation (internal/transport) is an external
// collaborator from this package's point of view.
type HttpTransport interface {
	// Do executes req and returns the raw status code, the response body
	// (for response decoding and error-body parsing), and any transport
	// error. It does not decode the body itself; PeerClient does that.
	Do(ctx context.Context, req Request) (status int, body []byte, err error)
}

// Request is a transport-agnostic description of one outbound call.
type Request struct {
	Method      string
	URL         string
	Destination Destination
	JSONBody    any
	RawBody     []byte
	ContentType string
}

// Alerts is the one-shot misconfiguration alert sink (§4.1, §7
// MisconfiguredSource).
type Alerts interface {
	Add(ctx context.Context, alert Alert)
}

// Alert describes one raised alert.
type Alert struct {
	Title   string
	Message string
	Key     string // dedupe key, e.g. "replication/source-mismatch"
}

// WorkContext is the host's local-modification signal: it tells the
// controller when local writes happened so it can wake early, and lets the
// worker notify the host that replication itself produced new work (so a
// sibling wake-up isn't missed).
type WorkContext interface {
	// WaitForWork blocks up to timeout for a work notification. It reports
	// true if woken by work (as opposed to the timeout elapsing).
	WaitForWork(ctx context.Context, timeout time.Duration, counter *int64, name string) bool
	NotifyAboutWork()
	UpdateFoundWork()
}

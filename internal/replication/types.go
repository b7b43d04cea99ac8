// Package replication implements the outbound document/attachment
// replication worker: a control loop that discovers configured peer
// destinations and pushes newly written documents and attachments to them,
// tracking per-peer progress and tolerating transient failures with
// adaptive back-off.
//
// The package never talks to the underlying document store or the HTTP
// transport directly — both are consumed through the narrow interfaces in
// collaborators.go so the core logic stays independently testable.
package replication

import "time"

// Etag is an opaque, totally ordered version token assigned by the store to
// every document/attachment write and tombstone. The empty Etag is the least
// element and sorts before every other value.
type Etag string

// EmptyEtag is the least element of the Etag ordering.
const EmptyEtag Etag = ""

// Less reports whether e sorts strictly before other under the byte-wise
// comparator. The empty etag is least.
func (e Etag) Less(other Etag) bool {
	return e < other
}

// IsEmpty reports whether e is the least element.
func (e Etag) IsEmpty() bool {
	return e == EmptyEtag
}

// Destination describes one configured replication peer, as read from the
// replication-destinations document.
type Destination struct {
	URL                string
	Database           string
	APIKey             string
	Credentials        string
	TransitiveBehavior string
	Disabled           bool
	ClientVisibleURL   string
}

// FilterFunc decides whether a document with the given key/metadata should
// be replicated to a destination.
type FilterFunc func(destinationID string, key string, metadata map[string]any) bool

// AttachmentFilterFunc decides whether an attachment should be replicated.
type AttachmentFilterFunc func(attachment AttachmentInformation, destinationID string) bool

// OriginFunc reports whether a document originated from the given
// destination (used to avoid replicating data back to its source).
type OriginFunc func(destinationID string, metadata map[string]any) bool

// SystemDocPredicate reports whether a key names a system document.
type SystemDocPredicate func(key string) bool

// Strategy is the derived, ready-to-use form of a Destination: it carries
// the resolved local database id plus the filter predicates the
// BatchAssembler applies while building batches for this peer.
type Strategy struct {
	Destination
	CurrentDatabaseID string

	FilterDocuments       FilterFunc
	FilterAttachments     AttachmentFilterFunc
	OriginsFromDestination OriginFunc
	IsSystemDocumentID    SystemDocPredicate
}

// ID returns the stable identifier used to key per-destination state: the
// destination URL.
func (s Strategy) ID() string {
	return s.Destination.URL
}

// SourceReplicationInformation is returned by a peer in response to a
// last-etag negotiation.
type SourceReplicationInformation struct {
	LastDocumentEtag    Etag
	LastAttachmentEtag  Etag
	ServerInstanceID    string
	Source              string
}

// StatEntry is a single nested timing/error record retained by the
// StatsRecorder (see §4.7 of the spec).
type StatEntry struct {
	Name          string
	ExecutionTime time.Duration
	StartedAt     time.Time
	Records       []any
}

// StatError is a structured error record that can appear in a StatEntry's
// Records slice.
type StatError struct {
	Type    string
	Message string
}

// DestinationStats is the per-URL bookkeeping record described in §3.
type DestinationStats struct {
	FailureCount               int
	LastFailureTS              *time.Time
	FirstFailureInCycleTS      *time.Time
	LastSuccessTS              *time.Time
	LastReplicatedEtag         Etag
	LastReplicatedAttachmentEtag Etag
	LastEtagChecked            Etag
	LastReplicatedLastModified *time.Time
	LastHeartbeatReceived      *time.Time
	LastError                  string
	LastStats                  []StatEntry // bounded, most-recent-first, <= 50
}

const maxLastStats = 50

// pushStat prepends rec to LastStats and trims to maxLastStats entries.
func (s *DestinationStats) pushStat(rec StatEntry) {
	s.LastStats = append([]StatEntry{rec}, s.LastStats...)
	if len(s.LastStats) > maxLastStats {
		s.LastStats = s.LastStats[:maxLastStats]
	}
}

// DestinationFailureInformation is the persisted, per-URL failure record
// stored in the local document store, keyed by the escaped destination URL.
type DestinationFailureInformation struct {
	Destination  string
	FailureCount int
}

// JsonDocument is one document or tombstone read from local storage.
// Tombstones are represented with empty Data and a tombstone marker in
// Metadata (see IsTombstone).
type JsonDocument struct {
	Key          string
	Etag         Etag
	Metadata     map[string]any
	Data         []byte
	LastModified *time.Time
}

// tombstoneMarkerKey is the metadata key used to mark a JsonDocument as a
// tombstone.
const tombstoneMarkerKey = "Raven-Replication-Tombstone-Marker"

// IsTombstone reports whether d represents a deletion record.
func (d JsonDocument) IsTombstone() bool {
	if len(d.Data) != 0 {
		return false
	}
	if d.Metadata == nil {
		return false
	}
	v, ok := d.Metadata[tombstoneMarkerKey]
	return ok && v != nil
}

// AttachmentInformation describes one attachment's metadata; the byte
// payload is fetched lazily by key at send time.
type AttachmentInformation struct {
	Key      string
	Etag     Etag
	Metadata map[string]any
	Size     int64
}

// BatchResult is the outcome of one BatchAssembler pass.
type BatchResult struct {
	StartEtag            Etag
	LastEtag              Etag
	LastLastModified      *time.Time
	Documents             []JsonDocument
	LoadedDocs            []JsonDocument
	SystemDocCount        int
	FromDestinationCount  int
}

// Empty reports whether the post-filter document set is empty.
func (b BatchResult) Empty() bool {
	return len(b.Documents) == 0
}

// AttachmentBatchResult is the attachment analogue of BatchResult.
type AttachmentBatchResult struct {
	StartEtag  Etag
	LastEtag   Etag
	Attachments []AttachmentInformation
}

// Empty reports whether the post-filter attachment set is empty.
func (b AttachmentBatchResult) Empty() bool {
	return len(b.Attachments) == 0
}

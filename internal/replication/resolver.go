package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DestinationsDocumentKey is the well-known key of the source-of-truth
// replication configuration document (§6).
const DestinationsDocumentKey = "Raven/Replication/Destinations"

// destinationsDocument is the wire shape of DestinationsDocumentKey.
type destinationsDocument struct {
	Source       string        `json:"Source"`
	Destinations []Destination `json:"Destinations"`
}

// DestinationResolver reads DestinationsDocumentKey, validates that the
// document's declared Source matches this node's local database id, and
// emits the typed Strategy list the rest of the worker consumes (§4.1 step
// 1). A mismatched Source raises a one-shot alert (§7 MisconfiguredSource)
// — repeated calls while the misconfiguration persists do not re-alert; the
// suppression resets once the document is corrected.
type DestinationResolver struct {
	store           Store
	alerts          Alerts
	localDatabaseID string
	logger          *zap.Logger

	mu       sync.Mutex
	alerted  bool

	// originMarkerKey is the metadata key used by OriginsFromDestination to
	// detect documents that were themselves replicated in from a given
	// destination id, to avoid bouncing them back.
	originMarkerKey string
}

// NewDestinationResolver creates a DestinationResolver for a node whose
// local database id is localDatabaseID.
func NewDestinationResolver(store Store, alerts Alerts, localDatabaseID string, logger *zap.Logger) *DestinationResolver {
	return &DestinationResolver{
		store:           store,
		alerts:          alerts,
		localDatabaseID: localDatabaseID,
		logger:          logger.Named("resolver"),
		originMarkerKey: "@Raven-Replication-Source",
	}
}

// Resolve reads the destinations document and returns the live Strategy
// list. An empty, nil-error result means either no destinations are
// configured, or the source identity check failed (in which case an alert
// was raised — see §7).
func (r *DestinationResolver) Resolve(ctx context.Context) ([]Strategy, error) {
	doc, err := r.store.Get(ctx, DestinationsDocumentKey)
	if err != nil {
		return nil, fmt.Errorf("resolver: failed to read %s: %w", DestinationsDocumentKey, err)
	}
	if doc == nil {
		return nil, nil
	}

	var parsed destinationsDocument
	if err := json.Unmarshal(doc.Data, &parsed); err != nil {
		return nil, fmt.Errorf("resolver: failed to parse %s: %w", DestinationsDocumentKey, err)
	}

	if parsed.Source == "" {
		// Best-effort write of the Source field, ignoring concurrency
		// conflicts — §9 Open Question 1 retains "best-effort write, ignore
		// concurrency conflicts" semantics.
		parsed.Source = r.localDatabaseID
		if data, err := json.Marshal(parsed); err == nil {
			if err := r.store.Put(ctx, DestinationsDocumentKey, &doc.Etag, data, doc.Metadata); err != nil {
				r.logger.Debug("best-effort Source write failed, ignoring",
					zap.Error(err))
			}
		}
	} else if parsed.Source != r.localDatabaseID {
		r.mu.Lock()
		alreadyAlerted := r.alerted
		r.alerted = true
		r.mu.Unlock()

		if !alreadyAlerted && r.alerts != nil {
			r.alerts.Add(ctx, Alert{
				Key:     "replication/source-mismatch",
				Title:   "Misconfigured replication destinations",
				Message: fmt.Sprintf("replication destinations document declares Source %q, local database id is %q", parsed.Source, r.localDatabaseID),
			})
		}
		return nil, nil
	}

	// Source matches (or was just adopted) — clear any prior suppression so
	// a future regression alerts again.
	r.mu.Lock()
	r.alerted = false
	r.mu.Unlock()

	strategies := make([]Strategy, 0, len(parsed.Destinations))
	for i, d := range parsed.Destinations {
		if d.Disabled {
			continue
		}
		if strings.TrimSpace(d.URL) == "" {
			// BadDestinationEntry (§7): log and skip only this entry.
			r.logger.Warn("skipping destination entry with empty url", zap.Int("index", i))
			continue
		}
		strategies = append(strategies, r.buildStrategy(d))
	}

	return strategies, nil
}

// buildStrategy attaches the default filter predicates to one Destination.
func (r *DestinationResolver) buildStrategy(d Destination) Strategy {
	originMarker := r.originMarkerKey
	return Strategy{
		Destination:        d,
		CurrentDatabaseID:  r.localDatabaseID,
		IsSystemDocumentID: isSystemDocumentID,
		FilterDocuments: func(destinationID, key string, metadata map[string]any) bool {
			return true
		},
		FilterAttachments: func(attachment AttachmentInformation, destinationID string) bool {
			return true
		},
		OriginsFromDestination: func(destinationID string, metadata map[string]any) bool {
			if metadata == nil {
				return false
			}
			origin, _ := metadata[originMarker].(string)
			return origin != "" && origin == destinationID
		},
	}
}

// isSystemDocumentID reports whether key names a system document, following
// RavenDB's convention of namespacing internal documents under "Raven/".
func isSystemDocumentID(key string) bool {
	return strings.HasPrefix(key, "Raven/")
}

package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"go.uber.org/zap"
)

// PeerOutcome classifies the result of a PeerClient call so the worker can
// drive its state machine on a typed value instead of catching exceptions
// for the expected 400/404 "replication not enabled" case (§9 design note:
// "exception-driven control flow ... re-expressed as a typed outcome").
type PeerOutcome int

const (
	// OutcomeOK means the call succeeded.
	OutcomeOK PeerOutcome = iota
	// OutcomeNotEnabled means the peer responded 400 or 404 to negotiation —
	// replication is not enabled there.
	OutcomeNotEnabled
	// OutcomeTransient means a network error, timeout, or any other HTTP
	// error occurred; the caller may retry once on first failure.
	OutcomeTransient
)

// PeerError wraps a transient or not-enabled outcome with the best
// diagnostic message PeerClient could extract (§4.5 error discipline: parse
// the body for a structured {"Error": "..."} message, else the status
// description).
type PeerError struct {
	Outcome PeerOutcome
	Status  int
	Message string
	Err     error
}

func (e *PeerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("peer error (status %d): %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("peer error (status %d): %s", e.Status, e.Message)
}

func (e *PeerError) Unwrap() error { return e.Err }

// structuredErrorBody mirrors the {"Error": "..."} shape peers use to
// report failures.
type structuredErrorBody struct {
	Error string `json:"Error"`
}

// PeerClient is a thin wrapper over HttpTransport providing the four
// replication RPCs plus the outbound heartbeat (§4.5). It never retries —
// retry policy lives in DestinationWorker.
type PeerClient struct {
	transport HttpTransport
	localURL  string
	localID   string
	logger    *zap.Logger
}

// NewPeerClient creates a PeerClient. localURL and localID are embedded as
// the `from` and `dbid` query parameters on every call.
func NewPeerClient(transport HttpTransport, localURL, localID string, logger *zap.Logger) *PeerClient {
	return &PeerClient{
		transport: transport,
		localURL:  localURL,
		localID:   localID,
		logger:    logger.Named("peerclient"),
	}
}

// GetLastEtag negotiates with the peer to retrieve its last acknowledged
// cursor (§4.3 Phase 1).
func (c *PeerClient) GetLastEtag(ctx context.Context, dest Destination, currentEtag Etag) (*SourceReplicationInformation, error) {
	q := url.Values{}
	q.Set("from", c.localURL)
	q.Set("currentEtag", string(currentEtag))
	q.Set("dbid", c.localID)

	status, body, err := c.do(ctx, "GET", dest, "/replication/lastEtag?"+q.Encode(), nil, "")
	if err != nil {
		return nil, c.classify(status, body, err)
	}

	var info SourceReplicationInformation
	if len(body) > 0 {
		if jsonErr := json.Unmarshal(body, &info); jsonErr != nil {
			return nil, &PeerError{Outcome: OutcomeTransient, Status: status, Message: "malformed lastEtag response", Err: jsonErr}
		}
	}
	return &info, nil
}

// PutLastEtag performs an empty-body cursor bump, advancing the peer's
// knowledge of our progress without shipping data.
func (c *PeerClient) PutLastEtag(ctx context.Context, dest Destination, docEtag, attachmentEtag *Etag) error {
	q := url.Values{}
	q.Set("from", c.localURL)
	q.Set("dbid", c.localID)
	if docEtag != nil {
		q.Set("docEtag", string(*docEtag))
	}
	if attachmentEtag != nil {
		q.Set("attachmentEtag", string(*attachmentEtag))
	}

	status, body, err := c.do(ctx, "PUT", dest, "/replication/lastEtag?"+q.Encode(), nil, "")
	if err != nil {
		return c.classify(status, body, err)
	}
	return nil
}

// SendDocuments POSTs a JSON array of documents to the peer.
func (c *PeerClient) SendDocuments(ctx context.Context, dest Destination, docs []JsonDocument) error {
	q := url.Values{}
	q.Set("from", c.localURL)
	q.Set("dbid", c.localID)
	q.Set("count", fmt.Sprintf("%d", len(docs)))

	payload := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		payload = append(payload, documentWireForm(d))
	}

	status, body, err := c.do(ctx, "POST", dest, "/replication/replicateDocs?"+q.Encode(), payload, "application/json")
	if err != nil {
		return c.classify(status, body, err)
	}
	return nil
}

// SendAttachments POSTs a BSON-encoded array of attachments to the peer,
// with their byte payload already resolved (the caller is expected to have
// loaded it from storage — see DestinationWorker.loadAttachmentPayloads).
func (c *PeerClient) SendAttachments(ctx context.Context, dest Destination, attachments []AttachmentWire) error {
	q := url.Values{}
	q.Set("from", c.localURL)
	q.Set("dbid", c.localID)

	raw, err := encodeAttachmentsBSON(attachments)
	if err != nil {
		return &PeerError{Outcome: OutcomeTransient, Message: "failed to bson-encode attachments", Err: err}
	}

	status, body, err := c.doRaw(ctx, "POST", dest, "/replication/replicateAttachments?"+q.Encode(), raw, "application/bson")
	if err != nil {
		return c.classify(status, body, err)
	}
	return nil
}

// Heartbeat sends an outbound heartbeat POST to the peer.
func (c *PeerClient) Heartbeat(ctx context.Context, dest Destination) error {
	q := url.Values{}
	q.Set("from", c.localURL)
	q.Set("dbid", c.localID)

	status, body, err := c.do(ctx, "POST", dest, "/replication/heartbeat?"+q.Encode(), nil, "")
	if err != nil {
		return c.classify(status, body, err)
	}
	return nil
}

func (c *PeerClient) do(ctx context.Context, method string, dest Destination, path string, jsonBody any, contentType string) (int, []byte, error) {
	req := Request{
		Method:      method,
		URL:         dest.URL + path,
		Destination: dest,
		JSONBody:    jsonBody,
		ContentType: contentType,
	}
	status, body, err := c.transport.Do(ctx, req)
	if err != nil {
		return status, body, err
	}
	if status >= 300 {
		return status, body, fmt.Errorf("unexpected status %d", status)
	}
	return status, body, nil
}

func (c *PeerClient) doRaw(ctx context.Context, method string, dest Destination, path string, raw []byte, contentType string) (int, []byte, error) {
	req := Request{
		Method:      method,
		URL:         dest.URL + path,
		Destination: dest,
		RawBody:     raw,
		ContentType: contentType,
	}
	status, body, err := c.transport.Do(ctx, req)
	if err != nil {
		return status, body, err
	}
	if status >= 300 {
		return status, body, fmt.Errorf("unexpected status %d", status)
	}
	return status, body, nil
}

// classify turns a raw transport/status error into the typed PeerError the
// rest of the worker switches on (§7): 400/404 means "not enabled on peer",
// everything else is transient.
func (c *PeerClient) classify(status int, body []byte, err error) *PeerError {
	if status == 400 || status == 404 {
		c.logger.Info("replication not enabled on peer", zap.Int("status", status))
		return &PeerError{Outcome: OutcomeNotEnabled, Status: status, Message: "replication not enabled on peer", Err: err}
	}

	msg := extractErrorMessage(body)
	if msg == "" {
		msg = err.Error()
	}
	return &PeerError{Outcome: OutcomeTransient, Status: status, Message: msg, Err: err}
}

// extractErrorMessage best-effort parses a {"Error": "..."} body.
func extractErrorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var structured structuredErrorBody
	if err := json.Unmarshal(body, &structured); err == nil && structured.Error != "" {
		return structured.Error
	}
	return ""
}

// documentWireForm converts a JsonDocument to the JSON shape sent on the
// wire, ensuring metadata carries @id as required by §6.
func documentWireForm(d JsonDocument) map[string]any {
	meta := make(map[string]any, len(d.Metadata)+1)
	for k, v := range d.Metadata {
		meta[k] = v
	}
	meta["@id"] = d.Key

	out := map[string]any{
		"@metadata": meta,
	}
	if d.LastModified != nil {
		meta["Last-Modified"] = d.LastModified
	}
	if !d.IsTombstone() && len(d.Data) > 0 {
		var parsed any
		if json.Unmarshal(d.Data, &parsed) == nil {
			out["Data"] = parsed
		} else {
			out["Data"] = json.RawMessage(d.Data)
		}
	}
	return out
}

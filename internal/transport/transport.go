// Package transport provides the concrete replication.HttpTransport used by
// cmd/replicator: a thin net/http wrapper carrying destination credentials
// and a fixed per-call timeout, in the style of the teacher's webhook sender
// (internal/notification/sender_webhook.go).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/IdanHaim/ravendb/internal/replication"
)

// Transport is a replication.HttpTransport over net/http.
type Transport struct {
	client *http.Client
	logger *zap.Logger
}

// New creates a Transport with the given per-call timeout.
func New(timeout time.Duration, logger *zap.Logger) *Transport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Transport{
		client: &http.Client{Timeout: timeout},
		logger: logger.Named("transport"),
	}
}

// Do implements replication.HttpTransport.
func (t *Transport) Do(ctx context.Context, req replication.Request) (int, []byte, error) {
	contentType := req.ContentType
	var body io.Reader
	switch {
	case req.RawBody != nil:
		body = bytes.NewReader(req.RawBody)
	case req.JSONBody != nil:
		data, err := json.Marshal(req.JSONBody)
		if err != nil {
			return 0, nil, fmt.Errorf("transport: failed to marshal json body: %w", err)
		}
		body = bytes.NewReader(data)
		if contentType == "" {
			contentType = "application/json"
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return 0, nil, fmt.Errorf("transport: failed to build request: %w", err)
	}

	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.Destination.APIKey != "" {
		httpReq.Header.Set("X-Raven-Api-Key", req.Destination.APIKey)
	}
	if req.Destination.Credentials != "" {
		httpReq.Header.Set("Authorization", req.Destination.Credentials)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("transport: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("transport: failed to read response body: %w", err)
	}

	return resp.StatusCode, respBody, nil
}

// Package alerts implements replication.Alerts as an outbound webhook sink,
// grounded on the teacher's internal/notification/sender_webhook.go: a JSON
// POST, optionally HMAC-SHA256 signed, with non-2xx treated as failure and
// logged rather than propagated (alerting must never block replication).
package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/IdanHaim/ravendb/internal/replication"
)

// webhookPayload mirrors the teacher's generic Slack/Discord-compatible
// shape: the alert message goes under "text" for chat webhooks, beside the
// id, key, title and timestamp fields for structured consumers.
type webhookPayload struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Title     string `json:"title"`
	Body      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Sink is a replication.Alerts implementation that POSTs to a configured
// webhook URL. A zero-value URL disables delivery — Add becomes a no-op
// that only logs, matching the teacher's "webhook not configured — skip
// silently" behavior.
type Sink struct {
	client *http.Client
	url    string
	secret string
	logger *zap.Logger
}

// New creates a Sink. secret, if non-empty, signs every payload.
func New(url, secret string, logger *zap.Logger) *Sink {
	return &Sink{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    url,
		secret: secret,
		logger: logger.Named("alerts"),
	}
}

// Add implements replication.Alerts.
func (s *Sink) Add(ctx context.Context, alert replication.Alert) {
	s.logger.Warn("alert raised", zap.String("key", alert.Key), zap.String("title", alert.Title), zap.String("message", alert.Message))

	if s.url == "" {
		return
	}

	data, err := json.Marshal(webhookPayload{
		ID:        uuid.NewString(),
		Key:       alert.Key,
		Title:     alert.Title,
		Body:      alert.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.logger.Warn("failed to marshal alert payload", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		s.logger.Warn("failed to build alert webhook request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ravendb-replicator-alerts/1.0")
	if s.secret != "" {
		req.Header.Set("X-Signature", "sha256="+hmacSHA256(data, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("alert webhook delivery failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("alert webhook returned non-2xx status", zap.Int("status", resp.StatusCode))
	}
}

func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

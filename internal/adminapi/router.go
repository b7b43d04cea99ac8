package adminapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/IdanHaim/ravendb/internal/replication"
)

// RouterConfig holds the dependencies NewRouter wires into handlers, kept as
// a single struct so the constructor signature stays manageable, matching
// the teacher's api.RouterConfig convention.
type RouterConfig struct {
	Ledger     *replication.FailureLedger
	Heartbeats *replication.HeartbeatTable
	Hub        *Hub
	Logger     *zap.Logger
}

// NewRouter builds the read-only admin/observability chi router: GET
// /stats, /stats/{url}, /heartbeats, /healthz, and the GET /ws upgrade
// endpoint. Nothing here accepts a write — see the package doc comment.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	h := &handlers{ledger: cfg.Ledger, heartbeats: cfg.Heartbeats, hub: cfg.Hub, logger: cfg.Logger.Named("adminapi")}

	r.Get("/healthz", h.healthz)
	r.Get("/stats", h.allStats)
	r.Get("/stats/{url}", h.oneStat)
	r.Get("/heartbeats", h.heartbeatSnapshot)
	r.Get("/ws", h.serveWS)

	return r
}

type handlers struct {
	ledger     *replication.FailureLedger
	heartbeats *replication.HeartbeatTable
	hub        *Hub
	logger     *zap.Logger
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) allStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.ledger.AllStats())
}

func (h *handlers) oneStat(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "url")
	destURL, err := url.QueryUnescape(raw)
	if err != nil {
		http.Error(w, "invalid url parameter", http.StatusBadRequest)
		return
	}
	writeJSON(w, h.ledger.Stats(destURL))
}

func (h *handlers) heartbeatSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.heartbeats.Snapshot())
}

func (h *handlers) serveWS(w http.ResponseWriter, r *http.Request) {
	client, err := NewClient(h.hub, w, r, h.logger)
	if err != nil {
		h.logger.Warn("adminapi: websocket upgrade failed", zap.Error(err))
		return
	}
	h.logger.Info("adminapi: dashboard client connected")
	client.Run()
	h.logger.Info("adminapi: dashboard client disconnected")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// StatsPusher periodically broadcasts an AllStats snapshot over the hub —
// the source feeding live dashboards, run from cmd/replicator alongside the
// controller.
func StatsPusher(hub *Hub, ledger *replication.FailureLedger, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hub.Broadcast(Message{Type: "stats.snapshot", Payload: ledger.AllStats()})
		}
	}
}

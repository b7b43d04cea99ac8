// Package metrics exposes Prometheus gauges over FailureLedger state. The
// teacher declares github.com/prometheus/client_golang in its go.mod but
// never wires a collector to real data; this is its first exercised use.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IdanHaim/ravendb/internal/replication"
)

// Collector periodically samples a FailureLedger's stats into Prometheus
// gauges, one per destination URL.
type Collector struct {
	failureCount    *prometheus.GaugeVec
	lastSuccessUnix *prometheus.GaugeVec
	lastEtagChecked *prometheus.GaugeVec
	sendAttempts    *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		failureCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ravendb_replication",
			Name:      "failure_count",
			Help:      "Current persisted failure count per destination.",
		}, []string{"destination"}),
		lastSuccessUnix: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ravendb_replication",
			Name:      "last_success_unix",
			Help:      "Unix timestamp of the last successful replication per destination.",
		}, []string{"destination"}),
		lastEtagChecked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ravendb_replication",
			Name:      "last_etag_checked",
			Help:      "Numeric value of the last etag checked per destination, when parseable.",
		}, []string{"destination"}),
		sendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ravendb_replication",
			Name:      "send_attempts_total",
			Help:      "Total number of send attempts (documents or attachments) per destination.",
		}, []string{"destination"}),
	}

	reg.MustRegister(c.failureCount, c.lastSuccessUnix, c.lastEtagChecked, c.sendAttempts)
	return c
}

// IncSendAttempt records one outbound send attempt for url.
func (c *Collector) IncSendAttempt(url string) {
	c.sendAttempts.WithLabelValues(url).Inc()
}

// Sample writes ledger's current stats for every tracked destination into
// the gauges. Intended to be called on a short interval from a background
// loop.
func (c *Collector) Sample(ledger *replication.FailureLedger) {
	for url, stats := range ledger.AllStats() {
		c.failureCount.WithLabelValues(url).Set(float64(stats.FailureCount))
		if stats.LastSuccessTS != nil {
			c.lastSuccessUnix.WithLabelValues(url).Set(float64(stats.LastSuccessTS.Unix()))
		}
		if n, err := strconv.ParseFloat(string(stats.LastEtagChecked), 64); err == nil {
			c.lastEtagChecked.WithLabelValues(url).Set(n)
		}
	}
}

// Run samples ledger every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, ledger *replication.FailureLedger, interval time.Duration, clock clockwork.Clock) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.Sample(ledger)
		}
	}
}

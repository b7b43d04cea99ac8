package replication

import (
	"github.com/jonboulle/clockwork"
)

// Scope is one nested timing/error record produced by a StatsRecorder. Scope
// values are created via StatsRecorder.Begin/Scope.Child and must be closed via
// Dispose — typically with `defer scope.Dispose()` at the top of the
// function they instrument, mirroring the teacher's `defer logger.Sync()`
// top-level-defer idiom.
type Scope struct {
	entry   *StatEntry
	clock   clockwork.Clock
	onClose func(StatEntry)
	closed  bool
}

// Record appends an arbitrary JSON-able value to the scope's Records slice.
func (s *Scope) Record(v any) {
	s.entry.Records = append(s.entry.Records, v)
}

// RecordError appends a structured StatError to the scope's Records slice.
func (s *Scope) RecordError(errType, message string) {
	s.entry.Records = append(s.entry.Records, StatError{Type: errType, Message: message})
}

// Child begins a nested scope whose execution time is stamped independently
// when it is disposed; the child is appended to the parent's Records on
// dispose.
func (s *Scope) Child(name string) *Scope {
	child := &Scope{
		entry:  &StatEntry{Name: name, StartedAt: s.clock.Now()},
		clock:  s.clock,
		onClose: func(rec StatEntry) {
			s.entry.Records = append(s.entry.Records, rec)
		},
	}
	return child
}

// Dispose stamps ExecutionTime and, for a top-level scope, hands the
// finished record to the StatsRecorder that created it. Safe to call more
// than once; only the first call has effect.
func (s *Scope) Dispose() {
	if s.closed {
		return
	}
	s.closed = true
	s.entry.ExecutionTime = s.clock.Now().Sub(s.entry.StartedAt)
	if s.onClose != nil {
		s.onClose(*s.entry)
	}
}

// StatsRecorder creates top-level Scopes for a single destination and, on
// dispose, pushes the finished record into that destination's bounded
// last_stats ring via the FailureLedger (§4.7: the ledger owns the actual
// storage of last_stats — the recorder's job is purely to time and nest
// scopes).
type StatsRecorder struct {
	ledger *FailureLedger
	clock  clockwork.Clock
}

// NewStatsRecorder creates a StatsRecorder that reports finished top-level
// scopes to ledger.
func NewStatsRecorder(ledger *FailureLedger, clock clockwork.Clock) *StatsRecorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StatsRecorder{ledger: ledger, clock: clock}
}

// Begin starts a new top-level scope named name for destinationURL. Dispose
// must be called exactly once (usually deferred) to stamp execution time and
// push the record into the destination's last_stats ring.
func (r *StatsRecorder) Begin(destinationURL, name string) *Scope {
	return &Scope{
		entry: &StatEntry{Name: name, StartedAt: r.clock.Now()},
		clock: r.clock,
		onClose: func(rec StatEntry) {
			r.ledger.RecordStat(destinationURL, rec)
		},
	}
}

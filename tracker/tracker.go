// Package tracker maintains per-upstream rolling health and performance
// statistics: success/failure counters, a latency EWMA, and the derived
// availability flag consumed by the selection engine.
//
// Totals are atomic scalars; the compound fields that must change together
// (consecutive failures, availability, last failure reason) are guarded by
// a short-held per-upstream mutex rather than one global lock.
package tracker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/qdns/multidns/registry"
)

// latencyAlpha is the fixed EWMA smoothing factor for successful query
// latencies.
const latencyAlpha = 0.3

// DefaultFailureThreshold is the number of consecutive failures after which
// an upstream is marked unavailable.
const DefaultFailureThreshold = 3

// State is a point-in-time snapshot of one upstream's health.
type State struct {
	ConsecutiveFailures int
	TotalSuccesses      uint64
	TotalFailures       uint64
	LatencyEWMAms       float64
	LastSuccessAt       time.Time
	LastFailureAt       time.Time
	LastFailureReason   string
	Available           bool
	Probed              bool
}

// IDState pairs an upstream ID with its State.
type IDState struct {
	ID    int
	Name  string
	State State
}

// FailedUpstream describes one failing upstream for diagnostic purposes.
type FailedUpstream struct {
	ID                  int
	Name                string
	ConsecutiveFailures int
	LastFailureReason   string
	LastFailureAt       time.Time
}

// EmergencyInfo is computed on demand and surfaced alongside any query that
// had to fall back to the emergency path, or whose entire plan failed.
type EmergencyInfo struct {
	AllFailed             bool
	FailedUpstreams       []FailedUpstream
	LastWorkingUpstreamID int // -1 if none has ever succeeded or been probed successfully
	TotalFailures         uint64
}

type entry struct {
	mu                  sync.Mutex
	consecutiveFailures int
	available           bool
	lastFailureReason   string
	lastFailureAt       time.Time
	lastSuccessAt       time.Time
	latencyEWMAms       float64
	probed              bool

	totalSuccesses atomic.Uint64
	totalFailures  atomic.Uint64
}

// Tracker owns the mutable state for a fixed set of registered upstreams.
type Tracker struct {
	failureThreshold int
	entries          map[int]*entry
	names            map[int]string
	order            []int // ascending ID order, fixed at construction

	lastWorking atomic.Int64
}

// New builds a Tracker for the given descriptors. Every upstream starts out
// available (assumed healthy until it proves otherwise), matching the
// convention of never having probed failures yet.
func New(descs []registry.Descriptor, failureThreshold int) *Tracker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	t := &Tracker{
		failureThreshold: failureThreshold,
		entries:          make(map[int]*entry, len(descs)),
		names:            make(map[int]string, len(descs)),
	}
	t.lastWorking.Store(-1)
	for _, d := range descs {
		t.entries[d.ID] = &entry{available: true}
		t.names[d.ID] = d.Name
		t.order = append(t.order, d.ID)
	}
	return t
}

func (t *Tracker) get(id int) *entry {
	return t.entries[id]
}

// RecordSuccess records a successful exchange with the given measured
// latency. It resets the consecutive failure count and marks the upstream
// available again, regardless of how unavailable it previously was.
func (t *Tracker) RecordSuccess(id int, latency time.Duration) {
	t.recordOutcome(id, true, latency, "", false)
}

// RecordFailure records a failed exchange with a short human-readable reason.
// Once consecutive failures reach the configured threshold, the upstream is
// marked unavailable.
func (t *Tracker) RecordFailure(id int, reason string) {
	t.recordOutcome(id, false, 0, reason, false)
}

// RecordProbe reports the outcome of a background health probe. It has the
// same effect as RecordSuccess/RecordFailure, additionally marking the
// upstream as having been probed at least once.
func (t *Tracker) RecordProbe(id int, ok bool, latency time.Duration, reason string) {
	t.recordOutcome(id, ok, latency, reason, true)
}

func (t *Tracker) recordOutcome(id int, ok bool, latency time.Duration, reason string, probe bool) {
	e := t.get(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	if ok {
		e.consecutiveFailures = 0
		e.available = true
		e.lastSuccessAt = time.Now()
		if e.latencyEWMAms == 0 {
			e.latencyEWMAms = float64(latency.Milliseconds())
		} else {
			e.latencyEWMAms = e.latencyEWMAms*(1-latencyAlpha) + float64(latency.Milliseconds())*latencyAlpha
		}
	} else {
		e.consecutiveFailures++
		e.lastFailureReason = reason
		e.lastFailureAt = time.Now()
		if e.consecutiveFailures >= t.failureThreshold {
			e.available = false
		}
	}
	if probe {
		e.probed = true
	}
	e.mu.Unlock()

	if ok {
		e.totalSuccesses.Add(1)
		t.lastWorking.Store(int64(id))
	} else {
		e.totalFailures.Add(1)
	}
}

// Snapshot returns the current state of one upstream.
func (t *Tracker) Snapshot(id int) (State, bool) {
	e := t.get(id)
	if e == nil {
		return State{}, false
	}
	e.mu.Lock()
	s := State{
		ConsecutiveFailures: e.consecutiveFailures,
		LatencyEWMAms:       e.latencyEWMAms,
		LastSuccessAt:       e.lastSuccessAt,
		LastFailureAt:       e.lastFailureAt,
		LastFailureReason:   e.lastFailureReason,
		Available:           e.available,
		Probed:              e.probed,
	}
	e.mu.Unlock()
	s.TotalSuccesses = e.totalSuccesses.Load()
	s.TotalFailures = e.totalFailures.Load()
	return s, true
}

// SnapshotAll returns the state of every tracked upstream in ascending ID
// order.
func (t *Tracker) SnapshotAll() []IDState {
	out := make([]IDState, 0, len(t.order))
	for _, id := range t.order {
		s, ok := t.Snapshot(id)
		if !ok {
			continue
		}
		out = append(out, IDState{ID: id, Name: t.names[id], State: s})
	}
	return out
}

// EmergencyInfo reports whether every upstream is currently unavailable,
// along with diagnostic detail for each upstream that is unavailable (listed
// even when others are still available).
func (t *Tracker) EmergencyInfo() EmergencyInfo {
	info := EmergencyInfo{
		AllFailed:             true,
		LastWorkingUpstreamID: int(t.lastWorking.Load()),
	}
	for _, s := range t.SnapshotAll() {
		info.TotalFailures += s.State.TotalFailures
		if s.State.Available {
			info.AllFailed = false
			continue
		}
		info.FailedUpstreams = append(info.FailedUpstreams, FailedUpstream{
			ID:                  s.ID,
			Name:                s.Name,
			ConsecutiveFailures: s.State.ConsecutiveFailures,
			LastFailureReason:   s.State.LastFailureReason,
			LastFailureAt:       s.State.LastFailureAt,
		})
	}
	return info
}

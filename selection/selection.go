// Package selection applies an upstream selection strategy to a registry and
// its tracker state, producing a selection plan for one query. The engine is
// stateless beyond a round-robin counter; it never blocks and never performs
// I/O.
package selection

import (
	"cmp"
	"slices"
	"sync/atomic"

	"github.com/qdns/multidns/registry"
	"github.com/qdns/multidns/tracker"
)

// Strategy selects among the closed set of upstream-selection algorithms.
// It is a tagged enum rather than an interface because the set is closed by
// spec and will not grow virtual implementations.
type Strategy int

const (
	// FIFO tries upstreams in ascending registration order.
	FIFO Strategy = iota
	// RoundRobin rotates the primary pick through the available set.
	RoundRobin
	// Smart scores available upstreams by latency, failure rate and weight.
	Smart
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case FIFO:
		return "fifo"
	case RoundRobin:
		return "round_robin"
	case Smart:
		return "smart"
	default:
		return "unknown"
	}
}

// PlanKind distinguishes the dispatch shape the pipeline must use.
type PlanKind int

const (
	// Single dispatches to exactly one upstream, falling back to the next
	// candidate only if dispatch itself fails.
	Single PlanKind = iota
	// Ordered tries each upstream in turn, advancing on failure.
	Ordered
	// Race dispatches to all listed upstreams concurrently; the first
	// acceptable reply wins and cancels the rest.
	Race
)

// Plan is the outcome of Select: which upstream(s) to try, and how.
type Plan struct {
	Kind PlanKind
	IDs  []int

	// Emergency is true when no upstream was available and the plan is the
	// least-failed fallback choice.
	Emergency bool
}

// SmartWeights are the scoring coefficients used by the Smart strategy.
// Lower scores are better.
type SmartWeights struct {
	Latency float64
	Failure float64
	Weight  float64
}

// DefaultSmartWeights is the default scoring blend: mostly latency, a
// meaningful failure penalty, a small nudge from configured weight.
var DefaultSmartWeights = SmartWeights{Latency: 0.5, Failure: 0.4, Weight: 0.1}

const (
	// DefaultSmartK is the default race fan-out width for Smart.
	DefaultSmartK = 2
	// DefaultSmartTau is the default score-spread threshold that decides
	// between racing the top-k and trying them in order.
	DefaultSmartTau = 0.15
)

// Engine selects an upstream or set of upstreams for one query.
type Engine struct {
	strategy Strategy
	weights  SmartWeights
	k        int
	tau      float64
	counter  atomic.Uint64
}

// New creates an Engine for the given strategy with default Smart tuning.
func New(strategy Strategy) *Engine {
	return &Engine{
		strategy: strategy,
		weights:  DefaultSmartWeights,
		k:        DefaultSmartK,
		tau:      DefaultSmartTau,
	}
}

// WithSmartTuning overrides the Smart strategy's weights, race width and
// spread threshold. It returns the engine for chaining.
func (e *Engine) WithSmartTuning(weights SmartWeights, k int, tau float64) *Engine {
	e.weights = weights
	if k > 0 {
		e.k = k
	}
	e.tau = tau
	return e
}

// Select produces a plan from the current registry and tracker state. trk
// may be nil, in which case no health information exists and Select
// degrades to plain FIFO over registration order regardless of the
// configured strategy.
func (e *Engine) Select(reg *registry.Registry, trk *tracker.Tracker) Plan {
	descs := reg.All()
	if len(descs) == 0 {
		return Plan{Kind: Single, IDs: nil, Emergency: true}
	}

	if trk == nil {
		ids := make([]int, len(descs))
		for i, d := range descs {
			ids[i] = d.ID
		}
		return Plan{Kind: Ordered, IDs: ids}
	}

	states := trk.SnapshotAll()
	byID := make(map[int]tracker.State, len(states))
	for _, s := range states {
		byID[s.ID] = s.State
	}

	switch e.strategy {
	case RoundRobin:
		return e.selectRoundRobin(descs, byID, trk)
	case Smart:
		return e.selectSmart(descs, byID, trk)
	default:
		return e.selectFIFO(descs, byID, trk)
	}
}

func availableIDs(descs []registry.Descriptor, byID map[int]tracker.State) []int {
	var out []int
	for _, d := range descs {
		if byID[d.ID].Available {
			out = append(out, d.ID)
		}
	}
	return out
}

func (e *Engine) selectFIFO(descs []registry.Descriptor, byID map[int]tracker.State, trk *tracker.Tracker) Plan {
	if len(availableIDs(descs, byID)) == 0 {
		return emergencyPlan(descs, byID)
	}
	ids := make([]int, len(descs))
	for i, d := range descs {
		ids[i] = d.ID
	}
	return Plan{Kind: Ordered, IDs: ids}
}

func (e *Engine) selectRoundRobin(descs []registry.Descriptor, byID map[int]tracker.State, trk *tracker.Tracker) Plan {
	avail := availableIDs(descs, byID)
	if len(avail) == 0 {
		return emergencyPlan(descs, byID)
	}

	c := e.counter.Add(1) - 1
	primary := avail[int(c%uint64(len(avail)))]

	rest := make([]int, 0, len(avail)-1)
	for _, id := range avail {
		if id != primary {
			rest = append(rest, id)
		}
	}

	var unavailable []int
	for _, d := range descs {
		if !byID[d.ID].Available {
			unavailable = append(unavailable, d.ID)
		}
	}
	slices.SortStableFunc(unavailable, func(a, b int) int {
		if c := cmp.Compare(byID[a].ConsecutiveFailures, byID[b].ConsecutiveFailures); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	ids := make([]int, 0, len(descs))
	ids = append(ids, primary)
	ids = append(ids, rest...)
	ids = append(ids, unavailable...)
	return Plan{Kind: Ordered, IDs: ids}
}

func (e *Engine) selectSmart(descs []registry.Descriptor, byID map[int]tracker.State, trk *tracker.Tracker) Plan {
	avail := availableIDs(descs, byID)
	if len(avail) == 0 {
		return emergencyPlan(descs, byID)
	}

	weightByID := make(map[int]int, len(descs))
	for _, d := range descs {
		weightByID[d.ID] = d.Weight
	}

	type scored struct {
		id    int
		score float64
	}

	latencies := make([]float64, len(avail))
	failRates := make([]float64, len(avail))
	weights := make([]float64, len(avail))
	for i, id := range avail {
		st := byID[id]
		latencies[i] = st.LatencyEWMAms
		total := st.TotalSuccesses + st.TotalFailures
		if total > 0 {
			failRates[i] = float64(st.TotalFailures) / float64(total)
		}
		weights[i] = float64(weightByID[id])
	}

	normLatency := minMaxNormalize(latencies)
	normFailure := minMaxNormalize(failRates)
	normWeight := minMaxNormalize(weights)

	items := make([]scored, len(avail))
	for i, id := range avail {
		items[i] = scored{
			id: id,
			score: e.weights.Latency*normLatency[i] +
				e.weights.Failure*normFailure[i] -
				e.weights.Weight*normWeight[i],
		}
	}
	slices.SortStableFunc(items, func(a, b scored) int {
		if a.score < b.score {
			return -1
		}
		if a.score > b.score {
			return 1
		}
		return cmp.Compare(a.id, b.id)
	})

	ids := make([]int, len(items))
	for i, it := range items {
		ids[i] = it.id
	}

	if len(items) >= 2 {
		spread := items[1].score - items[0].score
		if spread > e.tau {
			k := e.k
			if k > len(ids) {
				k = len(ids)
			}
			return Plan{Kind: Race, IDs: ids[:k]}
		}
	}
	return Plan{Kind: Ordered, IDs: ids}
}

// minMaxNormalize scales vals into [0, 1]; when every value is equal
// (including the single-element case), every output is 0.
func minMaxNormalize(vals []float64) []float64 {
	out := make([]float64, len(vals))
	if len(vals) == 0 {
		return out
	}
	min, max := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max == min {
		return out
	}
	for i, v := range vals {
		out[i] = (v - min) / (max - min)
	}
	return out
}

// emergencyPlan picks the upstream with the fewest consecutive failures,
// breaking ties by ascending ID, when nothing is currently available.
func emergencyPlan(descs []registry.Descriptor, byID map[int]tracker.State) Plan {
	if len(descs) == 0 {
		return Plan{Kind: Single, IDs: nil, Emergency: true}
	}
	best := descs[0].ID
	bestFailures := byID[best].ConsecutiveFailures
	for _, d := range descs[1:] {
		f := byID[d.ID].ConsecutiveFailures
		if f < bestFailures {
			best = d.ID
			bestFailures = f
		}
	}
	return Plan{Kind: Single, IDs: []int{best}, Emergency: true}
}

package selection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdns/multidns/registry"
	"github.com/qdns/multidns/tracker"
)

func newReg(n int) *registry.Registry {
	r := registry.New()
	for i := 0; i < n; i++ {
		r.Register("u", registry.Target{Kind: registry.UDP, Host: "1.1.1.1", Port: 53}, 1)
	}
	return r
}

func TestSelectWithNilTrackerDegradesToFIFO(t *testing.T) {
	r := newReg(3)
	require.NoError(t, r.Build())

	eng := New(Smart)
	plan := eng.Select(r, nil)

	assert.Equal(t, Ordered, plan.Kind)
	assert.Equal(t, []int{0, 1, 2}, plan.IDs)
}

func TestSelectFIFOOrdersByRegistration(t *testing.T) {
	r := newReg(3)
	require.NoError(t, r.Build())
	trk := tracker.New(r.All(), 3)

	eng := New(FIFO)
	plan := eng.Select(r, trk)

	assert.Equal(t, Ordered, plan.Kind)
	assert.Equal(t, []int{0, 1, 2}, plan.IDs)
}

func TestSelectFIFOEmergencyWhenAllUnavailable(t *testing.T) {
	r := newReg(2)
	require.NoError(t, r.Build())
	trk := tracker.New(r.All(), 1)
	trk.RecordFailure(0, "x")
	trk.RecordFailure(1, "x")

	eng := New(FIFO)
	plan := eng.Select(r, trk)

	assert.Equal(t, Single, plan.Kind)
	assert.True(t, plan.Emergency)
	require.Len(t, plan.IDs, 1)
}

func TestEmergencyPicksFewestConsecutiveFailuresTieBreakAscending(t *testing.T) {
	r := newReg(3)
	require.NoError(t, r.Build())
	trk := tracker.New(r.All(), 1)
	trk.RecordFailure(0, "x")
	trk.RecordFailure(1, "x")
	trk.RecordFailure(2, "x")

	eng := New(FIFO)
	plan := eng.Select(r, trk)

	assert.Equal(t, []int{0}, plan.IDs)
}

func TestSelectRoundRobinRotatesPrimary(t *testing.T) {
	r := newReg(3)
	require.NoError(t, r.Build())
	trk := tracker.New(r.All(), 3)

	eng := New(RoundRobin)
	first := eng.Select(r, trk).IDs[0]
	second := eng.Select(r, trk).IDs[0]
	third := eng.Select(r, trk).IDs[0]

	assert.NotEqual(t, first, second)
	assert.NotEqual(t, second, third)
}

func TestSelectRoundRobinSkipsUnavailableForPrimary(t *testing.T) {
	r := newReg(2)
	require.NoError(t, r.Build())
	trk := tracker.New(r.All(), 1)
	trk.RecordFailure(0, "x")

	eng := New(RoundRobin)
	plan := eng.Select(r, trk)
	assert.Equal(t, 1, plan.IDs[0])
}

func TestSelectSmartRacesWhenScoresSpread(t *testing.T) {
	r := newReg(2)
	require.NoError(t, r.Build())
	trk := tracker.New(r.All(), 3)
	trk.RecordSuccess(0, 10*time.Millisecond)
	trk.RecordSuccess(1, 11*time.Millisecond)

	eng := New(Smart)
	plan := eng.Select(r, trk)

	assert.Equal(t, Race, plan.Kind)
	assert.Len(t, plan.IDs, 2)
}

func TestSelectSmartOrdersWhenScoresClose(t *testing.T) {
	r := newReg(3)
	require.NoError(t, r.Build())
	trk := tracker.New(r.All(), 3)
	trk.RecordSuccess(0, 20*time.Millisecond)
	trk.RecordSuccess(1, 22*time.Millisecond)
	trk.RecordSuccess(2, 180*time.Millisecond)

	eng := New(Smart)
	plan := eng.Select(r, trk)

	assert.Equal(t, Ordered, plan.Kind)
	assert.Equal(t, 0, plan.IDs[0])
}

func TestSelectOnEmptyRegistryIsEmergencySingleNilIDs(t *testing.T) {
	r := registry.New()
	eng := New(FIFO)
	plan := eng.Select(r, nil)

	assert.Equal(t, Single, plan.Kind)
	assert.True(t, plan.Emergency)
	assert.Nil(t, plan.IDs)
}

func TestMinMaxNormalizeAllEqual(t *testing.T) {
	out := minMaxNormalize([]float64{5, 5, 5})
	assert.Equal(t, []float64{0, 0, 0}, out)
}

func TestMinMaxNormalizeSpread(t *testing.T) {
	out := minMaxNormalize([]float64{0, 5, 10})
	assert.Equal(t, []float64{0, 0.5, 1}, out)
}

func TestWithSmartTuningOverridesWeights(t *testing.T) {
	eng := New(Smart).WithSmartTuning(SmartWeights{Latency: 1, Failure: 0, Weight: 0}, 1, 1000)
	assert.Equal(t, SmartWeights{Latency: 1, Failure: 0, Weight: 0}, eng.weights)
	assert.Equal(t, 1, eng.k)
	assert.Equal(t, 1000.0, eng.tau)
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "fifo", FIFO.String())
	assert.Equal(t, "round_robin", RoundRobin.String())
	assert.Equal(t, "smart", Smart.String())
	assert.Equal(t, "unknown", Strategy(99).String())
}

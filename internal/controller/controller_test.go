package controller

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/flyingrobots/go-traffic-signal-controller/internal/config"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/memory"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/traffic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() config.Controller {
	return config.Controller{
		DecisionCycle:   5,
		MinGreen:        10,
		MaxGreen:        60,
		GapOutThreshold: 3,
		MaxRedTime:      90,
	}
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestController(t *testing.T) (*Controller, *memory.Store, *fakeClock) {
	t.Helper()
	backend, err := memory.NewFileBackend(filepath.Join(t.TempDir(), "memory.json"))
	require.NoError(t, err)
	store := memory.NewStore(backend, 0, 0, zap.NewNop())
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ctrl := New(testConfig(), store, zap.NewNop()).WithClock(clock.Now)
	return ctrl, store, clock
}

// metricsFor builds a metrics set with the given waiting counts and
// wait times; congestion follows the waiting counts.
func metricsFor(waiting map[traffic.Road]int, avgWait map[traffic.Road]float64) traffic.MetricsSet {
	var ms traffic.MetricsSet
	for _, road := range traffic.Roads() {
		m := ms.Road(road)
		m.WaitingCount = waiting[road]
		m.AvgWaitTime = avgWait[road]
		m.CongestionPercent = float64(waiting[road]) / 40 * 100
		if m.CongestionPercent > 100 {
			m.CongestionPercent = 100
		}
		m.DepartureRateVPM = 6
	}
	return ms
}

func emptyQueues() map[traffic.Road]int {
	return map[traffic.Road]int{traffic.North: 0, traffic.East: 0, traffic.South: 0, traffic.West: 0}
}

var noEmergency = traffic.EmergencyInfo{}

func TestComputeQueuesWeights(t *testing.T) {
	counts := traffic.TrafficCounts{
		North: traffic.RoadCounts{Car: 2, Bike: 3, Bus: 1},
		East:  traffic.RoadCounts{Truck: 2, Lorry: 1, Auto: 2},
	}
	queues := ComputeQueues(&counts)
	assert.Equal(t, 2*2+3*1+1*4, queues[traffic.North])
	assert.Equal(t, 2*4+1*4+2*2, queues[traffic.East])
	assert.Equal(t, 0, queues[traffic.South])
}

func TestCompositeScorePredictionWeight(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	var ms traffic.MetricsSet
	var preds traffic.PredictionSet
	preds.North.HeavyTrafficProbability = 100

	base := ctrl.compositeScore(traffic.North, &ms, &traffic.PredictionSet{})
	biased := ctrl.compositeScore(traffic.North, &ms, &preds)
	// Prediction term is weightPred * (0.3 * heavyProb) = 0.09 per point.
	assert.InDelta(t, 9.0, biased-base, 1e-9)
}

func TestRewardComputation(t *testing.T) {
	before := map[traffic.Road]int{traffic.North: 20, traffic.East: 0, traffic.South: 0, traffic.West: 0}
	after := map[traffic.Road]int{traffic.North: 5, traffic.East: 2, traffic.South: 2, traffic.West: 2}
	assert.InDelta(t, 14.0, reward(before, after, traffic.North), 1e-9)
}

func TestAsymmetricLoadFallback(t *testing.T) {
	ctrl, _, _ := newTestController(t)

	// North: 8 cars waiting, everything else empty, empty memory.
	ms := metricsFor(map[traffic.Road]int{traffic.North: 8}, nil)
	queues := map[traffic.Road]int{traffic.North: 16, traffic.East: 0, traffic.South: 0, traffic.West: 0}
	var preds traffic.PredictionSet

	info := ctrl.Tick(1, queues, &ms, noEmergency, &preds)
	assert.Equal(t, traffic.MethodFallback, info.Method)
	assert.Equal(t, traffic.North, ctrl.CurrentGreen())
	assert.Equal(t, 18, ctrl.Signal().Remaining, "duration = clamp(10+8, 10, 60)")

	// Steady state holds through the next ticks.
	for tick := 2; tick <= 4; tick++ {
		info = ctrl.Tick(tick, queues, &ms, noEmergency, &preds)
		assert.Equal(t, traffic.MethodHold, info.Method)
		assert.Equal(t, traffic.North, ctrl.CurrentGreen())
	}
}

func TestDynamicDurationBounds(t *testing.T) {
	ctrl, _, _ := newTestController(t)

	heavy := traffic.RoadMetrics{WaitingCount: 100, AvgWaitTime: 200}
	assert.Equal(t, 60, ctrl.dynamicDuration(&heavy))

	idle := traffic.RoadMetrics{}
	assert.Equal(t, 10, ctrl.dynamicDuration(&idle))
}

func TestGapOutForcesBoundary(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	var preds traffic.PredictionSet

	// Seed a long green on north.
	ms := metricsFor(map[traffic.Road]int{traffic.North: 8}, nil)
	queues := emptyQueues()
	ctrl.Tick(1, queues, &ms, noEmergency, &preds)
	require.Equal(t, traffic.North, ctrl.CurrentGreen())

	// North empties out: three zero-wait ticks trigger gap-out.
	idle := metricsFor(nil, nil)
	info := ctrl.Tick(2, queues, &idle, noEmergency, &preds)
	assert.Equal(t, traffic.MethodHold, info.Method)
	info = ctrl.Tick(3, queues, &idle, noEmergency, &preds)
	assert.Equal(t, traffic.MethodHold, info.Method)
	info = ctrl.Tick(4, queues, &idle, noEmergency, &preds)
	assert.Equal(t, traffic.MethodGapOut, info.Method)
	assert.Equal(t, 0, ctrl.Signal().Remaining)

	// The next tick is a cycle boundary.
	info = ctrl.Tick(5, queues, &idle, noEmergency, &preds)
	assert.NotEqual(t, traffic.MethodHold, info.Method)
	assert.NotEqual(t, traffic.MethodGapOut, info.Method)
}

func TestIdleCyclesRespectStarvation(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	var preds traffic.PredictionSet
	idle := metricsFor(nil, nil)
	queues := emptyQueues()

	served := map[traffic.Road]int{}
	for tick := 1; tick <= 120; tick++ {
		ctrl.Tick(tick, queues, &idle, noEmergency, &preds)
		served[ctrl.CurrentGreen()] = tick

		// Invariant: remaining green never negative, one green road.
		assert.GreaterOrEqual(t, ctrl.Signal().Remaining, 0)
		assert.True(t, ctrl.CurrentGreen().Valid())

		// Invariant: no road starves beyond max red plus one service.
		for _, road := range traffic.Roads() {
			red := tick - ctrl.lastGreenTime[road]
			assert.LessOrEqual(t, red, 90+60, "road %s starved at tick %d", road, tick)
		}
	}
	for _, road := range traffic.Roads() {
		assert.Contains(t, served, road, "every road gets green eventually")
	}
}

func TestStarvationProtection(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	var preds traffic.PredictionSet

	// South stays loaded so it keeps winning (composite scoring first,
	// then memory recall of that choice); north carries modest load and
	// must eventually be forced in.
	ms := metricsFor(
		map[traffic.Road]int{traffic.South: 30, traffic.North: 10},
		map[traffic.Road]float64{traffic.South: 50, traffic.North: 5},
	)
	queues := map[traffic.Road]int{traffic.North: 20, traffic.East: 0, traffic.South: 60, traffic.West: 0}

	var starvedAt int
	for tick := 1; tick <= 91; tick++ {
		info := ctrl.Tick(tick, queues, &ms, noEmergency, &preds)
		if info.Method == traffic.MethodStarvation {
			starvedAt = tick
			break
		}
		if tick <= 86 {
			assert.Equal(t, traffic.South, ctrl.CurrentGreen(), "tick %d", tick)
		}
	}
	require.Equal(t, 91, starvedAt)
	assert.Equal(t, traffic.North, ctrl.CurrentGreen())
}

func TestEmergencyPreemption(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	var preds traffic.PredictionSet

	// Establish a south green with plenty of remaining time.
	ms := metricsFor(
		map[traffic.Road]int{traffic.South: 20},
		map[traffic.Road]float64{traffic.South: 20},
	)
	queues := map[traffic.Road]int{traffic.North: 0, traffic.East: 0, traffic.South: 40, traffic.West: 0}
	ctrl.Tick(1, queues, &ms, noEmergency, &preds)
	require.Equal(t, traffic.South, ctrl.CurrentGreen())
	require.Greater(t, ctrl.Signal().Remaining, 10)

	// An ambulance shows up on west.
	west := traffic.EmergencyInfo{Active: true, Road: traffic.West}
	preempted := false
	for tick := 2; tick <= 7; tick++ {
		info := ctrl.Tick(tick, queues, &ms, west, &preds)
		if info.Method == traffic.MethodEmergency {
			preempted = true
			break
		}
	}
	require.True(t, preempted, "preemption within decision cycle")
	assert.Equal(t, traffic.West, ctrl.CurrentGreen())
	assert.Equal(t, 10, ctrl.Signal().Remaining)
}

func TestEmergencyOnCurrentGreenIsNoOp(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	var preds traffic.PredictionSet
	ms := metricsFor(map[traffic.Road]int{traffic.South: 10}, nil)
	queues := emptyQueues()

	ctrl.Tick(1, queues, &ms, noEmergency, &preds)
	onGreen := traffic.EmergencyInfo{Active: true, Road: ctrl.CurrentGreen()}
	info := ctrl.Tick(2, queues, &ms, onGreen, &preds)
	assert.NotEqual(t, traffic.MethodEmergency, info.Method)
}

func TestMemoryRecallDrivesDecision(t *testing.T) {
	ctrl, store, _ := newTestController(t)
	var preds traffic.PredictionSet

	ms := metricsFor(
		map[traffic.Road]int{traffic.North: 6, traffic.East: 6, traffic.South: 2, traffic.West: 2},
		map[traffic.Road]float64{traffic.North: 3, traffic.East: 3},
	)
	queues := map[traffic.Road]int{traffic.North: 12, traffic.East: 12, traffic.South: 4, traffic.West: 4}

	// Seed recent experience: serving east in this exact state paid off.
	for i := 0; i < 3; i++ {
		store.Add(memory.Record{
			Time:         1,
			StateQueues:  queues,
			StateVectors: memory.Vectors(&ms),
			ActionRoad:   traffic.East,
			Reward:       25,
			Reason:       "phase_end",
		})
	}

	info := ctrl.Tick(2, queues, &ms, noEmergency, &preds)
	assert.Equal(t, traffic.MethodMemory, info.Method)
	assert.Equal(t, traffic.East, ctrl.CurrentGreen())
}

func TestPhaseCloseAppendsOneRecord(t *testing.T) {
	ctrl, store, _ := newTestController(t)
	var preds traffic.PredictionSet
	ms := metricsFor(map[traffic.Road]int{traffic.North: 5}, nil)
	queues := map[traffic.Road]int{traffic.North: 10, traffic.East: 0, traffic.South: 0, traffic.West: 0}

	ctrl.Tick(1, queues, &ms, noEmergency, &preds) // first decision, nothing to close
	assert.Equal(t, 0, store.Len())

	// Force boundaries and count appended records.
	for tick := 2; tick <= 11; tick++ {
		ctrl.Tick(tick, queues, &ms, noEmergency, &preds)
	}
	// Boundaries at ticks 6 and 11 (decision cycle 5) close one action each.
	assert.Equal(t, 2, store.Len())

	sum := store.Summary()
	for _, r := range traffic.Roads() {
		assert.False(t, math.IsNaN(sum.AvgRewardByRoad[r]), "reward must be finite")
		assert.False(t, math.IsInf(sum.AvgRewardByRoad[r], 0), "reward must be finite")
	}
}

func TestManualApplyAlternatesWithinGroup(t *testing.T) {
	ctrl, _, clock := newTestController(t)
	var preds traffic.PredictionSet
	ms := metricsFor(nil, nil)
	queues := emptyQueues()

	ctrl.SetManual(traffic.ManualNSGreen, 30, clock.Now())

	info := ctrl.Tick(1, queues, &ms, noEmergency, &preds)
	assert.Equal(t, traffic.MethodManual, info.Method)
	first := ctrl.CurrentGreen()
	assert.Equal(t, traffic.GroupNS, first.Group())

	// Walk to the next manual boundary: the opposite road takes over.
	var second traffic.Road
	for tick := 2; tick <= 40; tick++ {
		clock.Advance(time.Second)
		info = ctrl.Tick(tick, queues, &ms, noEmergency, &preds)
		require.Equal(t, traffic.MethodManual, info.Method)
		if ctrl.CurrentGreen() != first {
			second = ctrl.CurrentGreen()
			break
		}
	}
	require.NotEmpty(t, second)
	assert.Equal(t, first.Opposite(), second)
}

func TestManualGapOutDisabled(t *testing.T) {
	ctrl, _, clock := newTestController(t)
	var preds traffic.PredictionSet
	idle := metricsFor(nil, nil)
	queues := emptyQueues()

	ctrl.SetManual(traffic.ManualEWGreen, 60, clock.Now())
	for tick := 1; tick <= 10; tick++ {
		clock.Advance(time.Second)
		info := ctrl.Tick(tick, queues, &idle, noEmergency, &preds)
		assert.Equal(t, traffic.MethodManual, info.Method, "no gap-out under manual")
	}
}

func TestManualAllRed(t *testing.T) {
	ctrl, _, clock := newTestController(t)
	var preds traffic.PredictionSet
	ms := metricsFor(nil, nil)

	ctrl.SetManual(traffic.ManualAllRed, 30, clock.Now())
	info := ctrl.Tick(1, emptyQueues(), &ms, noEmergency, &preds)
	assert.Equal(t, traffic.MethodManual, info.Method)
	assert.Contains(t, info.Reason, "ALL_RED")
}

func TestManualExpiresOnWallClock(t *testing.T) {
	ctrl, _, clock := newTestController(t)
	var preds traffic.PredictionSet
	ms := metricsFor(map[traffic.Road]int{traffic.North: 4}, nil)
	queues := emptyQueues()

	ctrl.SetManual(traffic.ManualNSGreen, 30, clock.Now())
	info := ctrl.Tick(1, queues, &ms, noEmergency, &preds)
	require.Equal(t, traffic.MethodManual, info.Method)
	assert.True(t, ctrl.ManualActive(clock.Now()))
	assert.Equal(t, 30, ctrl.ManualRemaining(clock.Now()))

	// Past the window the next tick auto-cancels and decides normally.
	clock.Advance(31 * time.Second)
	info = ctrl.Tick(2, queues, &ms, noEmergency, &preds)
	assert.NotEqual(t, traffic.MethodManual, info.Method)
	assert.Equal(t, traffic.ModeAuto, ctrl.Mode())
	assert.False(t, ctrl.ManualActive(clock.Now()))
}

func TestEmergencyCancelsManual(t *testing.T) {
	ctrl, _, clock := newTestController(t)
	var preds traffic.PredictionSet
	ms := metricsFor(nil, nil)
	queues := emptyQueues()

	ctrl.SetManual(traffic.ManualNSGreen, 60, clock.Now())
	ctrl.Tick(1, queues, &ms, noEmergency, &preds)

	west := traffic.EmergencyInfo{Active: true, Road: traffic.West}
	var method traffic.Method
	for tick := 2; tick <= 7; tick++ {
		clock.Advance(time.Second)
		method = ctrl.Tick(tick, queues, &ms, west, &preds).Method
		if method == traffic.MethodEmergency {
			break
		}
	}
	assert.Equal(t, traffic.MethodEmergency, method)
	assert.Equal(t, traffic.ModeAuto, ctrl.Mode())
	assert.Equal(t, traffic.West, ctrl.CurrentGreen())
}

func TestResetRestoresInitialState(t *testing.T) {
	ctrl, _, clock := newTestController(t)
	var preds traffic.PredictionSet
	ms := metricsFor(map[traffic.Road]int{traffic.North: 9}, nil)
	ctrl.Tick(1, emptyQueues(), &ms, noEmergency, &preds)
	ctrl.SetManual(traffic.ManualEWGreen, 60, clock.Now())

	ctrl.Reset()
	assert.Equal(t, traffic.South, ctrl.CurrentGreen())
	assert.Equal(t, 0, ctrl.Signal().Remaining)
	assert.Equal(t, traffic.ModeAuto, ctrl.Mode())
	assert.Equal(t, traffic.MethodIdle, ctrl.LastDecision().Method)
}

package tracking

import (
	"testing"

	"github.com/flyingrobots/go-traffic-signal-controller/internal/traffic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func stoppedSpeed(string) (float64, error) { return 0, nil }
func movingSpeed(string) (float64, error)  { return 10, nil }

func TestWaitingAccumulation(t *testing.T) {
	tr := New(zap.NewNop())

	tr.Observe(1, traffic.North, []string{"a", "b"}, stoppedSpeed)
	tr.Observe(2, traffic.North, []string{"a", "b"}, stoppedSpeed)
	tr.Observe(3, traffic.North, []string{"a", "b"}, stoppedSpeed)

	ms := tr.Snapshot(3)
	m := ms.Road(traffic.North)
	assert.Equal(t, 2, m.WaitingCount)
	assert.InDelta(t, 3.0, m.AvgWaitTime, 1e-9)
}

func TestMovingVehiclesDoNotWait(t *testing.T) {
	tr := New(zap.NewNop())
	tr.Observe(1, traffic.East, []string{"a"}, movingSpeed)

	m := tr.Snapshot(1)
	assert.Equal(t, 0, m.East.WaitingCount)
	assert.Zero(t, m.East.AvgWaitTime)
}

func TestDeparturesAndCleared(t *testing.T) {
	tr := New(zap.NewNop())
	tr.Observe(1, traffic.South, []string{"a", "b", "c"}, stoppedSpeed)
	tr.Observe(2, traffic.South, []string{"c"}, stoppedSpeed)

	ms := tr.Snapshot(2)
	assert.Equal(t, 2, ms.South.ClearedLastInterval)

	// Cleared counter resets once read.
	ms = tr.Snapshot(2)
	assert.Equal(t, 0, ms.South.ClearedLastInterval)
}

func TestDepartedVehicleWaitDropped(t *testing.T) {
	tr := New(zap.NewNop())
	tr.Observe(1, traffic.West, []string{"slow", "fast"}, stoppedSpeed)
	tr.Observe(2, traffic.West, []string{"fast"}, movingSpeed)

	m := tr.Snapshot(2)
	// Only "fast" remains and it accumulated 1s at tick 1.
	assert.InDelta(t, 1.0, m.West.AvgWaitTime, 1e-9)
}

func TestRatesCountEventsPerMinute(t *testing.T) {
	tr := New(zap.NewNop())
	// Three arrivals at tick 1, one departure at tick 2.
	tr.Observe(1, traffic.North, []string{"a", "b", "c"}, stoppedSpeed)
	tr.Observe(2, traffic.North, []string{"b", "c"}, stoppedSpeed)

	m := tr.Snapshot(2)
	assert.InDelta(t, 3.0, m.North.ArrivalRateVPM, 1e-9)
	assert.InDelta(t, 1.0, m.North.DepartureRateVPM, 1e-9)
}

func TestRateWindowExpires(t *testing.T) {
	tr := New(zap.NewNop())
	tr.Observe(1, traffic.North, []string{"a"}, stoppedSpeed)
	// Keep the vehicle around past the 60s window with no new events.
	for tick := 2; tick <= 70; tick++ {
		tr.Observe(tick, traffic.North, []string{"a"}, stoppedSpeed)
	}
	m := tr.Snapshot(70)
	assert.Zero(t, m.North.ArrivalRateVPM)
}

func TestCongestionClampsAt100(t *testing.T) {
	tr := New(zap.NewNop())
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = string(rune('a'+i%26)) + string(rune('0'+i/26))
	}
	tr.Observe(1, traffic.East, ids, stoppedSpeed)

	m := tr.Snapshot(1)
	assert.Equal(t, 50, m.East.WaitingCount)
	assert.Equal(t, 100.0, m.East.CongestionPercent)
}

func TestEtaUsesDischargeFloor(t *testing.T) {
	tr := New(zap.NewNop())
	ids := []string{"a", "b", "c", "d"}
	tr.Observe(1, traffic.West, ids, stoppedSpeed)

	m := tr.Snapshot(1)
	// No departures: the 0.1 veh/s floor applies.
	assert.InDelta(t, 40.0, m.West.EtaClearSeconds, 1e-9)
}

func TestMarkGreenCoversOpposite(t *testing.T) {
	tr := New(zap.NewNop())
	tr.MarkGreen(traffic.North, 50)

	m := tr.Snapshot(60)
	assert.InDelta(t, 10.0, m.North.TimeSinceLastGreen, 1e-9)
	assert.InDelta(t, 10.0, m.South.TimeSinceLastGreen, 1e-9)
	// East was never served in this session.
	assert.InDelta(t, float64(60-(-9999)), m.East.TimeSinceLastGreen, 1e-9)
}

func TestResetClearsState(t *testing.T) {
	tr := New(zap.NewNop())
	tr.Observe(1, traffic.North, []string{"a"}, stoppedSpeed)
	tr.Reset()

	m := tr.Snapshot(1)
	assert.Zero(t, m.North.WaitingCount)
	assert.Zero(t, m.North.ArrivalRateVPM)
}

// Copyright 2025 James Ross
package tracking

import (
	"github.com/flyingrobots/go-traffic-signal-controller/internal/obs"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/traffic"
	"go.uber.org/zap"
)

const (
	// MaxQueue is the queue length treated as 100% congestion.
	MaxQueue = 40
	// WaitingSpeed is the speed below which a vehicle counts as waiting, m/s.
	WaitingSpeed = 2.0

	rateWindowSeconds = 60
	minDischargeRate  = 0.1 // vehicles/second floor for clearance ETA
)

type roadState struct {
	waiting    map[string]float64
	onEdge     map[string]struct{}
	arrivals   []int
	departures []int
	lastGreen  int
	cleared    int
	waitingNow int
}

func newRoadState() *roadState {
	return &roadState{
		waiting:   map[string]float64{},
		onEdge:    map[string]struct{}{},
		lastGreen: -9999,
	}
}

// Tracker accumulates per-vehicle waiting time and arrival/departure
// sliding windows, and derives the per-approach metrics each tick.
type Tracker struct {
	roads map[traffic.Road]*roadState
	log   *zap.Logger
}

func New(log *zap.Logger) *Tracker {
	t := &Tracker{roads: map[traffic.Road]*roadState{}, log: log}
	for _, r := range traffic.Roads() {
		t.roads[r] = newRoadState()
	}
	return t
}

// Reset discards all accumulated state for a fresh session.
func (t *Tracker) Reset() {
	for _, r := range traffic.Roads() {
		t.roads[r] = newRoadState()
	}
}

// Observe records one tick of raw vehicle observations for an
// approach. speed is queried per vehicle; a failed query skips that
// vehicle's waiting update and the tick continues.
func (t *Tracker) Observe(tick int, road traffic.Road, ids []string, speed func(string) (float64, error)) {
	rs := t.roads[road]

	now := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		now[id] = struct{}{}
	}

	// Departures: one timestamp per vehicle that left.
	departed := 0
	for id := range rs.onEdge {
		if _, ok := now[id]; !ok {
			departed++
			rs.departures = append(rs.departures, tick)
			delete(rs.waiting, id)
		}
	}
	rs.cleared = departed

	// Arrivals: one timestamp per vehicle that appeared.
	for id := range now {
		if _, ok := rs.onEdge[id]; !ok {
			rs.arrivals = append(rs.arrivals, tick)
		}
	}

	// Waiting-time accumulation for vehicles currently on the edge.
	rs.waitingNow = 0
	for _, id := range ids {
		if _, ok := rs.waiting[id]; !ok {
			rs.waiting[id] = 0
		}
		v, err := speed(id)
		if err != nil {
			t.log.Debug("speed read failed", obs.String("vehicle", id), obs.Err(err))
			continue
		}
		if v < WaitingSpeed {
			rs.waiting[id] += 1
			rs.waitingNow++
		}
	}

	rs.onEdge = now
	rs.arrivals = pruneWindow(rs.arrivals, tick)
	rs.departures = pruneWindow(rs.departures, tick)
}

// MarkGreen records a green grant for the approach and its opposite,
// which shares the movement group.
func (t *Tracker) MarkGreen(road traffic.Road, tick int) {
	t.roads[road].lastGreen = tick
	t.roads[road.Opposite()].lastGreen = tick
}

// Snapshot derives the metrics for all approaches at the given tick.
// The cleared-last-interval counters reset once read.
func (t *Tracker) Snapshot(tick int) traffic.MetricsSet {
	var ms traffic.MetricsSet
	for _, road := range traffic.Roads() {
		rs := t.roads[road]
		m := ms.Road(road)

		m.WaitingCount = rs.waitingNow

		if len(rs.waiting) > 0 {
			var sum float64
			for _, w := range rs.waiting {
				sum += w
			}
			m.AvgWaitTime = sum / float64(len(rs.waiting))
		}

		m.ClearedLastInterval = rs.cleared
		rs.cleared = 0

		windowStart := tick - rateWindowSeconds
		minutes := float64(tick-windowStart) / 60.0
		if minutes < 1 {
			minutes = 1
		}
		m.ArrivalRateVPM = float64(countSince(rs.arrivals, windowStart)) / minutes
		m.DepartureRateVPM = float64(countSince(rs.departures, windowStart)) / minutes

		m.TimeSinceLastGreen = float64(tick - rs.lastGreen)

		m.CongestionPercent = float64(m.WaitingCount) / MaxQueue * 100
		if m.CongestionPercent > 100 {
			m.CongestionPercent = 100
		}

		discharge := m.DepartureRateVPM / 60.0
		if discharge < minDischargeRate {
			discharge = minDischargeRate
		}
		m.EtaClearSeconds = float64(m.WaitingCount) / discharge
	}
	return ms
}

func countSince(ts []int, after int) int {
	n := 0
	for _, v := range ts {
		if v > after {
			n++
		}
	}
	return n
}

func pruneWindow(ts []int, tick int) []int {
	cutoff := tick - rateWindowSeconds
	i := 0
	for i < len(ts) && ts[i] <= cutoff {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

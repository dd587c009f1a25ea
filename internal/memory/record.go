// Copyright 2025 James Ross
package memory

import (
	"math"

	"github.com/flyingrobots/go-traffic-signal-controller/internal/traffic"
)

// Record is one (state, action, reward) experience, persisted as part
// of the append-only journal. StateVectors carries the full per-road
// state fingerprint; records written by older versions have only
// StateQueues and degrade to a queue-distance similarity.
type Record struct {
	Time           int                          `json:"time"`
	StateQueues    map[traffic.Road]int         `json:"state_queues"`
	StateVectors   map[traffic.Road][]float64   `json:"state_vectors,omitempty"`
	ActionRoad     traffic.Road                 `json:"action_road"`
	ActionDuration int                          `json:"action_duration"`
	Reward         float64                      `json:"reward"`
	Reason         string                       `json:"reason"`
}

// StateVector is the six-dimensional fingerprint of one approach:
// waiting count, average wait, congestion percent, time since green,
// arrival rate and departure rate.
func StateVector(m *traffic.RoadMetrics) []float64 {
	return []float64{
		float64(m.WaitingCount),
		m.AvgWaitTime,
		m.CongestionPercent,
		m.TimeSinceLastGreen,
		m.ArrivalRateVPM,
		m.DepartureRateVPM,
	}
}

// Vectors builds the per-road fingerprints for a metrics set.
func Vectors(ms *traffic.MetricsSet) map[traffic.Road][]float64 {
	out := make(map[traffic.Road][]float64, 4)
	for _, road := range traffic.Roads() {
		out[road] = StateVector(ms.Road(road))
	}
	return out
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// Copyright 2025 James Ross
package predict

import (
	"github.com/flyingrobots/go-traffic-signal-controller/internal/traffic"
)

const (
	historySize    = 30  // seconds of queue history per approach
	trendThreshold = 0.5 // vehicles/second separating stable from moving

	weightCongestion = 0.5
	weightTrend      = 0.3
	weightFlow       = 0.2

	congestionLowMax    = 30
	congestionMediumMax = 60

	maxTrendRange = 5.0  // slope normalization assumes ±5 veh/s
	maxFlowDiff   = 30.0 // net flow normalization assumes ±30 vpm
	maxEtaSeconds = 300.0

	// DefaultBiasWeight scales heavy-traffic probability into the
	// controller's composite score.
	DefaultBiasWeight = 0.3
)

type ring struct {
	buf  [historySize]int
	n    int
	next int
}

func (r *ring) push(v int) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % historySize
	if r.n < historySize {
		r.n++
	}
}

func (r *ring) oldest() int {
	if r.n < historySize {
		return r.buf[0]
	}
	return r.buf[r.next]
}

func (r *ring) newest() int {
	return r.buf[(r.next+historySize-1)%historySize]
}

// Predictor keeps a short queue history per approach and derives
// trend, arrival forecasts, heavy-traffic probability, congestion
// class and adjusted clearance ETA from the latest metrics.
type Predictor struct {
	history map[traffic.Road]*ring
}

func New() *Predictor {
	p := &Predictor{history: map[traffic.Road]*ring{}}
	for _, r := range traffic.Roads() {
		p.history[r] = &ring{}
	}
	return p
}

// Reset clears all queue history.
func (p *Predictor) Reset() {
	for _, r := range traffic.Roads() {
		p.history[r] = &ring{}
	}
}

// Update appends the current waiting counts to the history and
// computes predictions for every approach.
func (p *Predictor) Update(metrics *traffic.MetricsSet) traffic.PredictionSet {
	for _, road := range traffic.Roads() {
		p.history[road].push(metrics.Road(road).WaitingCount)
	}

	var ps traffic.PredictionSet
	for _, road := range traffic.Roads() {
		m := metrics.Road(road)
		out := ps.Road(road)

		slope, trend := p.trend(road)
		out.QueueTrend = trend
		out.Arrivals10s = m.ArrivalRateVPM / 60.0 * 10.0
		out.Arrivals30s = m.ArrivalRateVPM / 60.0 * 30.0
		out.HeavyTrafficProbability = heavyProbability(m, slope)
		out.CongestionLevel = classify(out.HeavyTrafficProbability)
		out.PredictedEtaClearSeconds = adjustedEta(m.EtaClearSeconds, slope, out.HeavyTrafficProbability)
	}
	return ps
}

// Bias returns the additive score bias for an approach with predicted
// heavy traffic.
func Bias(road traffic.Road, preds *traffic.PredictionSet) float64 {
	return DefaultBiasWeight * preds.Road(road).HeavyTrafficProbability
}

func (p *Predictor) trend(road traffic.Road) (float64, traffic.QueueTrend) {
	h := p.history[road]
	if h.n < 2 {
		return 0, traffic.TrendStable
	}
	slope := float64(h.newest()-h.oldest()) / float64(h.n-1)
	switch {
	case slope > trendThreshold:
		return slope, traffic.TrendIncreasing
	case slope < -trendThreshold:
		return slope, traffic.TrendDecreasing
	}
	return slope, traffic.TrendStable
}

func heavyProbability(m *traffic.RoadMetrics, slope float64) float64 {
	trendNorm := clamp((slope+maxTrendRange)/(2*maxTrendRange)*100, 0, 100)
	netFlow := m.ArrivalRateVPM - m.DepartureRateVPM
	flowNorm := clamp((netFlow+maxFlowDiff)/(2*maxFlowDiff)*100, 0, 100)
	score := weightCongestion*m.CongestionPercent + weightTrend*trendNorm + weightFlow*flowNorm
	return clamp(score, 0, 100)
}

func classify(prob float64) traffic.CongestionLevel {
	switch {
	case prob < congestionLowMax:
		return traffic.CongestionLow
	case prob < congestionMediumMax:
		return traffic.CongestionMedium
	}
	return traffic.CongestionHigh
}

func adjustedEta(baseEta, slope, heavyProb float64) float64 {
	eta := baseEta
	if slope > trendThreshold {
		eta = baseEta * (1 + heavyProb/100)
	}
	if eta > maxEtaSeconds {
		return maxEtaSeconds
	}
	return eta
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

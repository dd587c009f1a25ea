// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signal_ticks_total",
		Help: "Total number of simulation ticks processed",
	})
	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "signal_tick_duration_seconds",
		Help:    "Histogram of wall-clock time spent per tick",
		Buckets: prometheus.DefBuckets,
	})
	DecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_decisions_total",
		Help: "Decisions taken, labeled by priority-stack method",
	}, []string{"method"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signal_weighted_queue",
		Help: "Weighted queue length per approach",
	}, []string{"road"})
	WaitingVehicles = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signal_waiting_vehicles",
		Help: "Vehicles waiting (speed below threshold) per approach",
	}, []string{"road"})
	RemainingGreen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signal_remaining_green_seconds",
		Help: "Remaining green time for the served approach",
	})
	EmergenciesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signal_emergency_preemptions_total",
		Help: "Total number of emergency preemptions",
	})
	MemoryRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signal_memory_records",
		Help: "Number of experience records held by the memory store",
	})
	SubscribersDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signal_subscribers_dropped_total",
		Help: "Status subscribers removed after failing to keep up",
	})
)

func init() {
	prometheus.MustRegister(TicksTotal, TickDuration, DecisionsTotal, QueueLength, WaitingVehicles, RemainingGreen, EmergenciesTotal, MemoryRecords, SubscribersDropped)
}

// Copyright 2025 James Ross
package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/flyingrobots/go-traffic-signal-controller/internal/config"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/traffic"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// CycleEntry is one decision-cycle line of the JSONL decision log.
type CycleEntry struct {
	Timestamp      string                 `json:"timestamp"`
	SimulationTime int                    `json:"simulation_time"`
	Metrics        traffic.MetricsSet     `json:"metrics"`
	Signal         CycleSignal            `json:"signal"`
	Predictions    *traffic.PredictionSet `json:"predictions,omitempty"`
}

type CycleSignal struct {
	GreenRoad        traffic.Road `json:"green_road"`
	RemainingSeconds int          `json:"remaining_seconds"`
}

// ManualEvent records a manual-control lifecycle transition.
type ManualEvent struct {
	Timestamp      string                `json:"timestamp"`
	SimulationTime int                   `json:"simulation_time"`
	EventType      string                `json:"event_type"`
	Mode           traffic.Mode          `json:"mode"`
	Command        traffic.ManualCommand `json:"command,omitempty"`
	Duration       int                   `json:"duration"`
	Reason         string                `json:"reason"`
}

// Event types for ManualEvent.
const (
	EventModeChange         = "mode_change"
	EventManualApply        = "manual_apply"
	EventManualExpire       = "manual_expire"
	EventManualCancel       = "manual_cancel"
	EventEmergencyInterrupt = "emergency_interrupt"
)

// DecisionLog writes line-delimited JSON through a size-rotated file.
// A nil DecisionLog is valid and discards everything.
type DecisionLog struct {
	mu   sync.Mutex
	sink *lumberjack.Logger
}

func NewDecisionLog(cfg config.DecisionLog) *DecisionLog {
	if !cfg.Enabled {
		return nil
	}
	return &DecisionLog{sink: &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}}
}

func (d *DecisionLog) LogCycle(entry CycleEntry) error {
	return d.write(entry)
}

func (d *DecisionLog) LogEvent(event ManualEvent) error {
	return d.write(event)
}

func (d *DecisionLog) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink.Close()
}

func (d *DecisionLog) write(v interface{}) error {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.sink.Write(append(data, '\n'))
	return err
}

func timestamp() string { return time.Now().UTC().Format(time.RFC3339) }

package engine

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/flyingrobots/go-traffic-signal-controller/internal/config"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/traffic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecisionLogWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	dl := NewDecisionLog(config.DecisionLog{Enabled: true, Path: path, MaxSizeMB: 1, MaxBackups: 1})
	defer dl.Close()

	var metrics traffic.MetricsSet
	metrics.North.WaitingCount = 4
	require.NoError(t, dl.LogCycle(CycleEntry{
		Timestamp:      timestamp(),
		SimulationTime: 42,
		Metrics:        metrics,
		Signal:         CycleSignal{GreenRoad: traffic.North, RemainingSeconds: 12},
	}))
	require.NoError(t, dl.LogEvent(ManualEvent{
		Timestamp:      timestamp(),
		SimulationTime: 43,
		EventType:      EventManualApply,
		Mode:           traffic.ModeManual,
		Command:        traffic.ManualNSGreen,
		Duration:       30,
		Reason:         "operator apply",
	}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var obj map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &obj))
		lines = append(lines, obj)
	}
	require.Len(t, lines, 2)

	assert.EqualValues(t, 42, lines[0]["simulation_time"])
	assert.Contains(t, lines[0], "metrics")
	assert.Contains(t, lines[0], "signal")

	assert.Equal(t, EventManualApply, lines[1]["event_type"])
	assert.Equal(t, string(traffic.ManualNSGreen), lines[1]["command"])
	assert.EqualValues(t, 30, lines[1]["duration"])
}

func TestDisabledDecisionLogIsNil(t *testing.T) {
	dl := NewDecisionLog(config.DecisionLog{Enabled: false})
	assert.Nil(t, dl)
	// Nil receiver is safe.
	assert.NoError(t, dl.LogCycle(CycleEntry{}))
	assert.NoError(t, dl.LogEvent(ManualEvent{}))
	assert.NoError(t, dl.Close())
}

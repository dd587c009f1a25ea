// Copyright 2025 James Ross
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flyingrobots/go-traffic-signal-controller/internal/config"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/controller"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/obs"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/predict"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/sumo"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/tracking"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/traffic"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotRunning is returned for control commands while the simulation
// is stopped.
var ErrNotRunning = errors.New("engine: simulation not running")

// ErrAlreadyRunning is returned by Start when the loop is active.
var ErrAlreadyRunning = errors.New("engine: simulation already running")

const subscriberBuffer = 8

type commandKind int

const (
	cmdManualApply commandKind = iota
	cmdManualCancel
	cmdModeAuto
)

type command struct {
	kind     commandKind
	manual   traffic.ManualCommand
	duration int
}

// Engine runs the per-second tick pipeline as a single logical actor:
// adapter step, metrics, prediction, memory recall, decision, phase
// application and status broadcast all happen serially inside the
// tick. External commands enter through a handoff channel and are
// drained at the top of the next tick.
type Engine struct {
	cfg       *config.Config
	adapter   *sumo.Adapter
	tracker   *tracking.Tracker
	predictor *predict.Predictor
	ctrl      *controller.Controller
	declog    *DecisionLog
	log       *zap.Logger

	cmds chan command

	mu      sync.RWMutex
	status  traffic.StatusSnapshot
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	subs    map[string]chan traffic.StatusSnapshot

	// Phase application state for safe NS<->EW sequencing.
	appliedGreen traffic.Road
	allRedShown  bool
	pending      *phaseTarget
}

type phaseTarget struct {
	road     traffic.Road
	duration int
}

func New(cfg *config.Config, adapter *sumo.Adapter, ctrl *controller.Controller, declog *DecisionLog, log *zap.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		adapter:   adapter,
		tracker:   tracking.New(log),
		predictor: predict.New(),
		ctrl:      ctrl,
		declog:    declog,
		log:       log,
		cmds:      make(chan command, 16),
		subs:      map[string]chan traffic.StatusSnapshot{},
		status: traffic.StatusSnapshot{
			Queues:   map[traffic.Road]int{},
			Signal:   traffic.SignalState{GreenRoad: traffic.South},
			Decision: traffic.DecisionInfo{Method: traffic.MethodIdle, Reason: "simulation not started"},
			Mode:     traffic.ModeAuto,
			Actual:   traffic.ActualSignal{PhaseIndex: -1, TLSState: "unknown", GreenGroup: "UNKNOWN", GreenRoads: []traffic.Road{}},
		},
	}
}

// Start connects the adapter and launches the tick loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	if err := e.adapter.Connect(); err != nil {
		e.mu.Unlock()
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	e.appliedGreen = e.ctrl.CurrentGreen()
	e.allRedShown = false
	e.pending = nil
	e.mu.Unlock()

	go e.run(loopCtx)
	e.log.Info("simulation started")
	return nil
}

// Stop cancels the tick loop at its next suspension point and waits
// for the adapter to be released.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Reset stops a running session if needed and discards all per-session
// state. The memory store survives.
func (e *Engine) Reset() {
	_ = e.Stop() // ErrNotRunning is fine
	e.tracker.Reset()
	e.predictor.Reset()
	e.ctrl.Reset()
	e.mu.Lock()
	e.status = traffic.StatusSnapshot{
		Queues:   map[traffic.Road]int{},
		Signal:   traffic.SignalState{GreenRoad: traffic.South},
		Decision: traffic.DecisionInfo{Method: traffic.MethodIdle, Reason: "session reset"},
		Mode:     traffic.ModeAuto,
		Actual:   traffic.ActualSignal{PhaseIndex: -1, TLSState: "unknown", GreenGroup: "UNKNOWN", GreenRoads: []traffic.Road{}},
	}
	e.mu.Unlock()
	e.log.Info("session reset")
}

// Running reports whether the tick loop is active.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Status returns the latest point-in-time snapshot.
func (e *Engine) Status() traffic.StatusSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// ApplyManual hands a manual override to the tick actor.
func (e *Engine) ApplyManual(cmd traffic.ManualCommand, duration int) error {
	if !e.Running() {
		return ErrNotRunning
	}
	e.cmds <- command{kind: cmdManualApply, manual: cmd, duration: duration}
	return nil
}

// CancelManual hands a manual cancel to the tick actor.
func (e *Engine) CancelManual() error {
	if !e.Running() {
		return ErrNotRunning
	}
	e.cmds <- command{kind: cmdManualCancel}
	return nil
}

// SetAutoMode hands a return-to-AUTO to the tick actor.
func (e *Engine) SetAutoMode() error {
	if !e.Running() {
		return ErrNotRunning
	}
	e.cmds <- command{kind: cmdModeAuto}
	return nil
}

// Subscribe registers a status observer. The channel receives one
// snapshot per tick; observers that fall behind are dropped.
func (e *Engine) Subscribe() (string, <-chan traffic.StatusSnapshot) {
	id := uuid.NewString()
	ch := make(chan traffic.StatusSnapshot, subscriberBuffer)
	e.mu.Lock()
	e.subs[id] = ch
	e.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a status observer.
func (e *Engine) Unsubscribe(id string) {
	e.mu.Lock()
	if ch, ok := e.subs[id]; ok {
		delete(e.subs, id)
		close(ch)
	}
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("tick loop panic, stopping", zap.Any("panic", r))
		}
		e.shutdown()
	}()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.tick() {
				return
			}
		}
	}
}

func (e *Engine) shutdown() {
	if err := e.adapter.Disconnect(); err != nil {
		e.log.Warn("adapter disconnect failed", obs.Err(err))
	}
	e.mu.Lock()
	e.running = false
	close(e.done)
	e.mu.Unlock()
	e.log.Info("simulation stopped")
}

// tick runs one full pipeline pass. It returns false when the loop
// must stop (simulation drained or adapter lost).
func (e *Engine) tick() bool {
	start := time.Now()
	defer func() {
		obs.TickDuration.Observe(time.Since(start).Seconds())
		obs.TicksTotal.Inc()
	}()

	modeBefore := e.ctrl.Mode()
	cancelled := e.drainCommands()

	if err := e.adapter.Step(); err != nil {
		e.log.Error("adapter lost, stopping simulation", obs.Err(err))
		return false
	}
	t := e.adapter.CurrentTime()

	counts := e.adapter.Counts()
	emergency := e.adapter.DetectEmergency()

	for _, road := range traffic.Roads() {
		ids := e.adapter.VehicleIDsOn(road)
		e.tracker.Observe(t, road, ids, e.adapter.VehicleSpeed)
	}

	metrics := e.tracker.Snapshot(t)
	preds := e.predictor.Update(&metrics)
	queues := controller.ComputeQueues(&counts)

	decision := e.ctrl.Tick(t, queues, &metrics, emergency, &preds)
	obs.DecisionsTotal.WithLabelValues(string(decision.Method)).Inc()
	if decision.Method == traffic.MethodEmergency {
		obs.EmergenciesTotal.Inc()
	}

	e.logTransitions(t, modeBefore, decision, cancelled)
	e.applySignal(t, decision)

	signal := e.ctrl.Signal()
	obs.RemainingGreen.Set(float64(signal.Remaining))
	for _, road := range traffic.Roads() {
		obs.QueueLength.WithLabelValues(string(road)).Set(float64(queues[road]))
		obs.WaitingVehicles.WithLabelValues(string(road)).Set(float64(metrics.Road(road).WaitingCount))
	}

	snapshot := traffic.StatusSnapshot{
		Time:       t,
		Counts:     counts,
		Queues:     queues,
		Signal:     signal,
		Emergency:  emergency,
		Decision:   decision,
		Metrics:    metrics,
		Prediction: preds,
		Mode:       e.ctrl.Mode(),
		Manual:     e.ctrl.ManualInfo(time.Now()),
		Actual:     e.adapter.ActualState(),
		Running:    true,
	}

	e.publish(snapshot)
	e.logCycle(t, decision, &metrics, signal, &preds)

	if !e.adapter.IsRunning() {
		e.log.Info("simulation drained")
		return false
	}
	return true
}

// drainCommands applies queued external commands on the tick actor.
// Returns true when a manual cancel or AUTO switch was processed.
func (e *Engine) drainCommands() bool {
	cancelled := false
	for {
		select {
		case cmd := <-e.cmds:
			switch cmd.kind {
			case cmdManualApply:
				e.ctrl.SetManual(cmd.manual, cmd.duration, time.Now())
				e.logEvent(ManualEvent{
					Timestamp:      timestamp(),
					SimulationTime: e.adapter.CurrentTime(),
					EventType:      EventManualApply,
					Mode:           traffic.ModeManual,
					Command:        cmd.manual,
					Duration:       cmd.duration,
					Reason:         "operator apply",
				})
			case cmdManualCancel:
				e.ctrl.CancelManual()
				cancelled = true
				e.logEvent(ManualEvent{
					Timestamp:      timestamp(),
					SimulationTime: e.adapter.CurrentTime(),
					EventType:      EventManualCancel,
					Mode:           traffic.ModeAuto,
					Reason:         "operator cancel",
				})
			case cmdModeAuto:
				e.ctrl.CancelManual()
				cancelled = true
				e.logEvent(ManualEvent{
					Timestamp:      timestamp(),
					SimulationTime: e.adapter.CurrentTime(),
					EventType:      EventModeChange,
					Mode:           traffic.ModeAuto,
					Reason:         "operator mode change",
				})
			}
		default:
			return cancelled
		}
	}
}

// logTransitions records manual-mode transitions that happened inside
// the controller tick rather than via operator commands.
func (e *Engine) logTransitions(t int, modeBefore traffic.Mode, decision traffic.DecisionInfo, cancelled bool) {
	if modeBefore != traffic.ModeManual || e.ctrl.Mode() != traffic.ModeAuto || cancelled {
		return
	}
	event := EventManualExpire
	reason := "manual window elapsed"
	if decision.Method == traffic.MethodEmergency {
		event = EventEmergencyInterrupt
		reason = decision.Reason
	}
	e.logEvent(ManualEvent{
		Timestamp:      timestamp(),
		SimulationTime: t,
		EventType:      event,
		Mode:           traffic.ModeAuto,
		Reason:         reason,
	})
}

// applySignal pushes the controller's target phase into the simulator,
// inserting one all-red tick on NS<->EW changes.
func (e *Engine) applySignal(t int, decision traffic.DecisionInfo) {
	if decision.Method == traffic.MethodManual && e.ctrl.ManualInfo(time.Now()).Command == traffic.ManualAllRed {
		e.applyAllRed()
		e.pending = nil
		return
	}

	// A deferred green from last tick's all-red interleave goes first.
	if e.pending != nil {
		target := *e.pending
		e.pending = nil
		e.applyGreen(t, target)
	}

	desired := e.ctrl.CurrentGreen()
	if desired == e.appliedGreen {
		// Re-assert green if a manual all-red override left the
		// intersection dark.
		if e.allRedShown {
			e.applyGreen(t, phaseTarget{road: desired, duration: e.ctrl.Signal().Remaining})
		}
		return
	}
	target := phaseTarget{road: desired, duration: e.ctrl.Signal().Remaining}
	if desired.Group() != e.appliedGreen.Group() && !e.allRedShown {
		e.applyAllRed()
		e.pending = &target
		return
	}
	e.applyGreen(t, target)
}

func (e *Engine) applyAllRed() {
	if err := e.adapter.ApplyPhase(traffic.GroupAllRed, 1); err != nil {
		e.log.Warn("all-red apply failed", obs.Err(err))
		return
	}
	e.allRedShown = true
}

func (e *Engine) applyGreen(t int, target phaseTarget) {
	if err := e.adapter.ApplyPhase(target.road.Group(), target.duration); err != nil {
		e.log.Warn("phase apply failed", obs.String("road", string(target.road)), obs.Err(err))
		return
	}
	e.appliedGreen = target.road
	e.allRedShown = false
	e.tracker.MarkGreen(target.road, t)
}

func (e *Engine) publish(snapshot traffic.StatusSnapshot) {
	e.mu.Lock()
	e.status = snapshot
	var stale []string
	for id, ch := range e.subs {
		select {
		case ch <- snapshot:
		default:
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		close(e.subs[id])
		delete(e.subs, id)
		obs.SubscribersDropped.Inc()
		e.log.Warn("dropped stale status subscriber", obs.String("id", id))
	}
	e.mu.Unlock()
}

func (e *Engine) logCycle(t int, decision traffic.DecisionInfo, metrics *traffic.MetricsSet, signal traffic.SignalState, preds *traffic.PredictionSet) {
	switch decision.Method {
	case traffic.MethodHold, traffic.MethodGapOut:
		return
	}
	err := e.declog.LogCycle(CycleEntry{
		Timestamp:      timestamp(),
		SimulationTime: t,
		Metrics:        *metrics,
		Signal:         CycleSignal{GreenRoad: signal.GreenRoad, RemainingSeconds: signal.Remaining},
		Predictions:    preds,
	})
	if err != nil {
		e.log.Warn("decision log write failed", obs.Err(err))
	}
}

func (e *Engine) logEvent(event ManualEvent) {
	if err := e.declog.LogEvent(event); err != nil {
		e.log.Warn("decision log write failed", obs.Err(err))
	}
}

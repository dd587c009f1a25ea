// Copyright 2025 James Ross
package controller

import (
	"fmt"
	"math"
	"time"

	"github.com/flyingrobots/go-traffic-signal-controller/internal/config"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/memory"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/predict"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/traffic"
	"go.uber.org/zap"
)

// Composite scoring weights. The switch penalty is subtracted: the
// controller prefers sticking with the current green unless a
// challenger clears the margin.
const (
	weightQueue  = 1.0
	weightWait   = 0.8
	weightFair   = 0.6
	weightCong   = 0.4
	weightSwitch = 1.2
	weightPred   = 0.3

	alphaGreen = 1.0 // waiting-count coefficient for dynamic duration
	betaGreen  = 0.5 // avg-wait coefficient for dynamic duration

	memoryConfidence = 0.7

	manualSliceMax = 30 // longest single green slice under manual
)

// classWeights convert per-class counts into a single pressure scalar.
var classWeights = map[traffic.VehicleClass]int{
	traffic.ClassBike:  1,
	traffic.ClassCar:   2,
	traffic.ClassAuto:  2,
	traffic.ClassBus:   4,
	traffic.ClassTruck: 4,
	traffic.ClassLorry: 4,
}

// ComputeQueues folds vehicle counts into weighted queue lengths.
func ComputeQueues(counts *traffic.TrafficCounts) map[traffic.Road]int {
	queues := make(map[traffic.Road]int, 4)
	for _, road := range traffic.Roads() {
		rc := counts.Road(road)
		q := 0
		for class, w := range classWeights {
			q += rc.Get(class) * w
		}
		queues[road] = q
	}
	return queues
}

// Controller is the per-tick decision engine. It is not safe for
// concurrent use: all calls must come from the tick actor, with
// external commands handed off through the engine.
type Controller struct {
	cfg    config.Controller
	memory *memory.Store
	log    *zap.Logger
	clock  func() time.Time

	currentGreen   traffic.Road
	remainingGreen int

	mode        traffic.Mode
	manualCmd   traffic.ManualCommand
	manualUntil time.Time

	lastActionRoad     traffic.Road
	lastActionDuration int
	lastActionValid    bool
	preActionQueues    map[traffic.Road]int
	preActionMetrics   traffic.MetricsSet

	lastGreenTime     map[traffic.Road]int
	noWaitCounter     map[traffic.Road]int
	sinceLastDecision int

	lastMethod traffic.Method
	lastReason string
}

// New builds a controller starting with south green, matching the
// intersection's initial signal program.
func New(cfg config.Controller, store *memory.Store, log *zap.Logger) *Controller {
	c := &Controller{
		cfg:    cfg,
		memory: store,
		log:    log,
		clock:  time.Now,
		mode:   traffic.ModeAuto,
	}
	c.resetState()
	return c
}

// WithClock overrides the wall clock, for tests.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

func (c *Controller) resetState() {
	c.currentGreen = traffic.South
	c.remainingGreen = 0
	c.mode = traffic.ModeAuto
	c.manualCmd = ""
	c.manualUntil = time.Time{}
	c.lastActionValid = false
	c.lastActionRoad = ""
	c.lastActionDuration = 0
	c.preActionQueues = nil
	c.preActionMetrics = traffic.MetricsSet{}
	c.sinceLastDecision = 0
	// All approaches start with a zero last-green mark: starvation
	// ages from session start, not from an unserved sentinel.
	c.lastGreenTime = map[traffic.Road]int{}
	c.noWaitCounter = map[traffic.Road]int{}
	for _, r := range traffic.Roads() {
		c.lastGreenTime[r] = 0
		c.noWaitCounter[r] = 0
	}
	c.lastMethod = traffic.MethodIdle
	c.lastReason = ""
}

// Reset returns the controller to its initial state for a new session.
// The memory store is long-lived and survives the reset.
func (c *Controller) Reset() { c.resetState() }

// CurrentGreen returns the approach currently commanded green.
func (c *Controller) CurrentGreen() traffic.Road { return c.currentGreen }

// Signal reports the commanded signal state.
func (c *Controller) Signal() traffic.SignalState {
	return traffic.SignalState{GreenRoad: c.currentGreen, Remaining: c.remainingGreen}
}

// Mode returns the operating mode.
func (c *Controller) Mode() traffic.Mode { return c.mode }

// LastDecision returns the most recent decision info.
func (c *Controller) LastDecision() traffic.DecisionInfo {
	return traffic.DecisionInfo{Method: c.lastMethod, Reason: c.lastReason}
}

// SetManual activates a manual override for duration seconds of wall
// clock starting at now.
func (c *Controller) SetManual(cmd traffic.ManualCommand, duration int, now time.Time) {
	c.mode = traffic.ModeManual
	c.manualCmd = cmd
	c.manualUntil = now.Add(time.Duration(duration) * time.Second)
}

// CancelManual returns the controller to automatic operation.
func (c *Controller) CancelManual() {
	c.mode = traffic.ModeAuto
	c.manualCmd = ""
	c.manualUntil = time.Time{}
}

// ManualActive reports whether a manual override is in force at now.
func (c *Controller) ManualActive(now time.Time) bool {
	return c.mode == traffic.ModeManual && now.Before(c.manualUntil)
}

// ManualRemaining returns the seconds of manual override left at now.
func (c *Controller) ManualRemaining(now time.Time) int {
	if c.mode != traffic.ModeManual {
		return 0
	}
	rem := int(c.manualUntil.Sub(now).Seconds())
	if rem < 0 {
		return 0
	}
	return rem
}

// ManualInfo reports manual status for observers.
func (c *Controller) ManualInfo(now time.Time) traffic.ManualInfo {
	if c.mode != traffic.ModeManual {
		return traffic.ManualInfo{}
	}
	return traffic.ManualInfo{
		Active:           true,
		Command:          c.manualCmd,
		RemainingSeconds: c.ManualRemaining(now),
	}
}

// Tick runs one decision step. Priority: emergency > manual >
// starvation > memory > composite scoring, with gap-out and hold as
// mid-phase outcomes.
func (c *Controller) Tick(
	t int,
	queues map[traffic.Road]int,
	metrics *traffic.MetricsSet,
	emergency traffic.EmergencyInfo,
	preds *traffic.PredictionSet,
) traffic.DecisionInfo {
	now := c.clock()

	if c.remainingGreen > 0 {
		c.remainingGreen--
	}
	c.sinceLastDecision++

	// Emergency preemption overrides everything, including manual.
	if emergency.Active && emergency.Road.Valid() {
		if c.currentGreen != emergency.Road &&
			(c.remainingGreen <= 4 || c.sinceLastDecision >= c.cfg.DecisionCycle) {
			if c.mode == traffic.ModeManual {
				c.CancelManual()
			}
			c.closePreviousAction(t, queues)

			c.currentGreen = emergency.Road
			c.remainingGreen = maxInt(c.cfg.MinGreen, c.cfg.DecisionCycle)
			c.recordAction(t, queues, metrics)

			return c.decide(traffic.MethodEmergency,
				fmt.Sprintf("emergency preemption: responder on %s", emergency.Road))
		}
	}

	// Manual override.
	if c.mode == traffic.ModeManual {
		if !now.Before(c.manualUntil) {
			c.CancelManual()
			// Expired: fall through to the normal decision below.
		} else {
			return c.manualTick(t, now)
		}
	}

	// Cycle boundary: close the previous action and re-decide.
	if c.remainingGreen <= 0 || c.sinceLastDecision >= c.cfg.DecisionCycle {
		c.closePreviousAction(t, queues)

		road, duration, method, reason := c.decideNext(t, queues, metrics, preds)
		c.currentGreen = road
		c.remainingGreen = duration
		c.recordAction(t, queues, metrics)

		return c.decide(method, reason)
	}

	// Gap-out: end the phase early when the green approach has seen no
	// waiting vehicles for the threshold streak.
	if c.gapOut(metrics) {
		c.remainingGreen = 0
		return c.decide(traffic.MethodGapOut,
			fmt.Sprintf("gap-out: no waiting vehicles on %s", c.currentGreen))
	}

	return c.decide(traffic.MethodHold, fmt.Sprintf("holding %s", c.currentGreen))
}

func (c *Controller) manualTick(t int, now time.Time) traffic.DecisionInfo {
	remaining := c.ManualRemaining(now)

	if c.manualCmd == traffic.ManualAllRed {
		return c.decide(traffic.MethodManual,
			fmt.Sprintf("manual ALL_RED (%ds remaining)", remaining))
	}

	// NS_GREEN / EW_GREEN alternate the two approaches of the group at
	// cycle boundaries. Gap-out is disabled under manual.
	if c.remainingGreen <= 0 || c.sinceLastDecision >= c.cfg.DecisionCycle {
		group := c.manualCmd.Group()
		next := group.Members()[0]
		if c.currentGreen == next {
			next = next.Opposite()
		}
		c.currentGreen = next
		c.remainingGreen = minInt(manualSliceMax, remaining)
		c.lastGreenTime[next] = t
		c.sinceLastDecision = 0
	}
	return c.decide(traffic.MethodManual,
		fmt.Sprintf("manual %s: %s (%ds remaining)", c.manualCmd, c.currentGreen, remaining))
}

func (c *Controller) decideNext(
	t int,
	queues map[traffic.Road]int,
	metrics *traffic.MetricsSet,
	preds *traffic.PredictionSet,
) (traffic.Road, int, traffic.Method, string) {
	// Starvation protection outranks learning.
	if road, ok := c.starvingRoad(t); ok {
		duration := c.dynamicDuration(metrics.Road(road))
		return road, duration, traffic.MethodStarvation,
			fmt.Sprintf("starvation protection: %s red for >%ds", road, c.cfg.MaxRedTime)
	}

	// Memory recall: take the remembered action when a sufficiently
	// strong match exists.
	rewards := c.memory.WeightedRewards(metrics, queues, t)
	best := traffic.Road("")
	bestWeight, bestReward := 0.0, math.Inf(-1)
	for _, road := range traffic.Roads() {
		rr := rewards[road]
		if rr.BestWeight > bestWeight {
			bestWeight = rr.BestWeight
		}
		if rr.Matches > 0 && rr.Weighted > bestReward {
			best, bestReward = road, rr.Weighted
		}
	}
	if bestWeight >= memoryConfidence && best.Valid() {
		duration := c.dynamicDuration(metrics.Road(best))
		rr := rewards[best]
		return best, duration, traffic.MethodMemory,
			fmt.Sprintf("memory: %s (reward=%.1f, matches=%d, predicted=%s)",
				best, rr.Weighted, rr.Matches, preds.Road(best).CongestionLevel)
	}

	// Composite scoring fallback.
	bestRoad := traffic.North
	bestScore := math.Inf(-1)
	for _, road := range traffic.Roads() {
		score := c.compositeScore(road, metrics, preds)
		if score > bestScore {
			bestRoad, bestScore = road, score
		}
	}
	duration := c.dynamicDuration(metrics.Road(bestRoad))
	return bestRoad, duration, traffic.MethodFallback,
		fmt.Sprintf("composite score: %s (score=%.1f, predicted=%s)",
			bestRoad, bestScore, preds.Road(bestRoad).CongestionLevel)
}

func (c *Controller) compositeScore(road traffic.Road, metrics *traffic.MetricsSet, preds *traffic.PredictionSet) float64 {
	m := metrics.Road(road)
	score := weightQueue*float64(m.WaitingCount) +
		weightWait*m.AvgWaitTime +
		weightFair*m.TimeSinceLastGreen +
		weightCong*m.CongestionPercent +
		weightPred*predict.Bias(road, preds)
	if road == c.currentGreen {
		score -= weightSwitch
	}
	return score
}

func (c *Controller) dynamicDuration(m *traffic.RoadMetrics) int {
	d := int(float64(c.cfg.MinGreen) + alphaGreen*float64(m.WaitingCount) + betaGreen*m.AvgWaitTime)
	if d < c.cfg.MinGreen {
		d = c.cfg.MinGreen
	}
	if d > c.cfg.MaxGreen {
		d = c.cfg.MaxGreen
	}
	return d
}

func (c *Controller) starvingRoad(t int) (traffic.Road, bool) {
	for _, road := range traffic.Roads() {
		if road == c.currentGreen {
			continue
		}
		if t-c.lastGreenTime[road] > c.cfg.MaxRedTime {
			return road, true
		}
	}
	return "", false
}

func (c *Controller) gapOut(metrics *traffic.MetricsSet) bool {
	if metrics.Road(c.currentGreen).WaitingCount == 0 {
		c.noWaitCounter[c.currentGreen]++
	} else {
		c.noWaitCounter[c.currentGreen] = 0
	}
	return c.noWaitCounter[c.currentGreen] >= c.cfg.GapOutThreshold
}

// closePreviousAction computes the reward for the action being closed
// and appends the experience record.
func (c *Controller) closePreviousAction(t int, queues map[traffic.Road]int) {
	if !c.lastActionValid || c.preActionQueues == nil {
		return
	}
	c.memory.Add(memory.Record{
		Time:           t,
		StateQueues:    c.preActionQueues,
		StateVectors:   memory.Vectors(&c.preActionMetrics),
		ActionRoad:     c.lastActionRoad,
		ActionDuration: c.lastActionDuration,
		Reward:         reward(c.preActionQueues, queues, c.lastActionRoad),
		Reason:         "phase_end",
	})
}

func (c *Controller) recordAction(t int, queues map[traffic.Road]int, metrics *traffic.MetricsSet) {
	c.lastActionRoad = c.currentGreen
	c.lastActionDuration = c.remainingGreen
	c.lastActionValid = true
	c.preActionQueues = copyQueues(queues)
	c.preActionMetrics = *metrics
	c.lastGreenTime[c.currentGreen] = t
	c.sinceLastDecision = 0
}

func (c *Controller) decide(method traffic.Method, reason string) traffic.DecisionInfo {
	c.lastMethod = method
	c.lastReason = reason
	if method != traffic.MethodHold {
		c.log.Debug("decision",
			zap.String("method", string(method)),
			zap.String("green", string(c.currentGreen)),
			zap.Int("remaining", c.remainingGreen),
			zap.String("reason", reason))
	}
	return traffic.DecisionInfo{Method: method, Reason: reason}
}

// reward is the weighted-queue reduction on the acted road minus half
// the mean growth elsewhere.
func reward(before, after map[traffic.Road]int, acted traffic.Road) float64 {
	deltaActed := float64(before[acted] - after[acted])
	var deltaOthers float64
	n := 0
	for _, road := range traffic.Roads() {
		if road == acted {
			continue
		}
		deltaOthers += float64(after[road] - before[road])
		n++
	}
	if n == 0 {
		return deltaActed
	}
	return deltaActed - 0.5*deltaOthers/float64(n)
}

func copyQueues(q map[traffic.Road]int) map[traffic.Road]int {
	out := make(map[traffic.Road]int, len(q))
	for k, v := range q {
		out[k] = v
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

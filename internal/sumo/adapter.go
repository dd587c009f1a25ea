// Copyright 2025 James Ross
package sumo

import (
	"fmt"
	"strings"

	"github.com/flyingrobots/go-traffic-signal-controller/internal/obs"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/traffic"
	"go.uber.org/zap"
)

const allRedState = "rrrrrrrrrrrr"

// Default phase indices used when inference fails.
const (
	defaultNSPhase = 0
	defaultEWPhase = 2
)

// classMap translates simulator vehicle classes to the internal
// taxonomy. Unknown classes count as cars.
var classMap = map[string]traffic.VehicleClass{
	"passenger": traffic.ClassCar,
	"bicycle":   traffic.ClassBike,
	"bus":       traffic.ClassBus,
	"truck":     traffic.ClassTruck,
	"trailer":   traffic.ClassLorry,
	"taxi":      traffic.ClassAuto,
}

// Adapter wraps the raw simulator API with the intersection-level
// operations the tick loop consumes: per-approach vehicle reads,
// emergency scanning, phase-map inference and phase application.
type Adapter struct {
	api       API
	log       *zap.Logger
	tlsID     string
	edges     map[traffic.Road]string
	nsPhase   int
	ewPhase   int
	connected bool
	t         int
}

// NewAdapter builds an adapter around api. The four incoming edges are
// fixed: north_in, east_in, south_in, west_in.
func NewAdapter(api API, tlsID string, log *zap.Logger) *Adapter {
	return &Adapter{
		api:   api,
		log:   log,
		tlsID: tlsID,
		edges: map[traffic.Road]string{
			traffic.North: "north_in",
			traffic.East:  "east_in",
			traffic.South: "south_in",
			traffic.West:  "west_in",
		},
		nsPhase: defaultNSPhase,
		ewPhase: defaultEWPhase,
	}
}

// Connect opens the simulator channel and infers the phase map.
func (a *Adapter) Connect() error {
	if a.connected {
		return nil
	}
	if err := a.api.Connect(); err != nil {
		return fmt.Errorf("connect simulator: %w", err)
	}
	a.connected = true
	a.t = 0
	a.inferPhaseMap()
	a.log.Info("simulator connected",
		obs.String("tls", a.tlsID),
		obs.Int("ns_phase", a.nsPhase),
		obs.Int("ew_phase", a.ewPhase))
	return nil
}

// Disconnect closes the simulator channel.
func (a *Adapter) Disconnect() error {
	if !a.connected {
		return nil
	}
	a.connected = false
	if err := a.api.Close(); err != nil {
		return fmt.Errorf("close simulator: %w", err)
	}
	a.log.Info("simulator disconnected")
	return nil
}

// Step advances the simulation by one second.
func (a *Adapter) Step() error {
	if !a.connected {
		return ErrNotConnected
	}
	if err := a.api.Step(); err != nil {
		return fmt.Errorf("simulation step: %w", err)
	}
	a.t++
	return nil
}

// CurrentTime returns the simulated second, starting at zero.
func (a *Adapter) CurrentTime() int { return a.t }

// VehicleIDsOn returns the vehicles currently on the approach. A read
// failure yields an empty list; the tick continues with what it has.
func (a *Adapter) VehicleIDsOn(road traffic.Road) []string {
	ids, err := a.api.EdgeVehicleIDs(a.edges[road])
	if err != nil {
		a.log.Warn("edge read failed", obs.String("road", string(road)), obs.Err(err))
		return nil
	}
	return ids
}

// VehicleSpeed returns the current speed of a vehicle in m/s.
func (a *Adapter) VehicleSpeed(vehID string) (float64, error) {
	return a.api.VehicleSpeed(vehID)
}

// Counts tallies vehicles per approach and class. Vehicles whose class
// query fails are skipped; unknown classes count as cars.
func (a *Adapter) Counts() traffic.TrafficCounts {
	var tc traffic.TrafficCounts
	for _, road := range traffic.Roads() {
		ids, err := a.api.EdgeVehicleIDs(a.edges[road])
		if err != nil {
			a.log.Warn("count read failed", obs.String("road", string(road)), obs.Err(err))
			continue
		}
		rc := tc.Road(road)
		for _, id := range ids {
			cls, err := a.api.VehicleClass(id)
			if err != nil {
				a.log.Debug("vehicle class read failed", obs.String("vehicle", id), obs.Err(err))
				continue
			}
			mapped, ok := classMap[cls]
			if !ok {
				mapped = traffic.ClassCar
			}
			rc.Add(mapped)
		}
	}
	return tc
}

// DetectEmergency scans approaches in north, east, south, west order
// and reports the first vehicle whose identifier marks it as an
// emergency responder.
func (a *Adapter) DetectEmergency() traffic.EmergencyInfo {
	for _, road := range traffic.Roads() {
		ids, err := a.api.EdgeVehicleIDs(a.edges[road])
		if err != nil {
			continue
		}
		for _, id := range ids {
			low := strings.ToLower(id)
			if strings.Contains(low, "emergency") || strings.Contains(low, "ambulance") {
				return traffic.EmergencyInfo{Active: true, Road: road}
			}
		}
	}
	return traffic.EmergencyInfo{}
}

// ApplyPhase commands the signal: green for a movement group with the
// given duration, or the all-red state. Transition sequencing is the
// caller's job.
func (a *Adapter) ApplyPhase(group traffic.MovementGroup, duration int) error {
	if !a.connected {
		return ErrNotConnected
	}
	if group == traffic.GroupAllRed {
		if err := a.api.SetRYGState(a.tlsID, allRedState); err != nil {
			return fmt.Errorf("set all-red: %w", err)
		}
		return nil
	}
	idx := a.nsPhase
	if group == traffic.GroupEW {
		idx = a.ewPhase
	}
	if err := a.api.SetPhase(a.tlsID, idx); err != nil {
		return fmt.Errorf("set phase %d: %w", idx, err)
	}
	if err := a.api.SetPhaseDuration(a.tlsID, duration); err != nil {
		return fmt.Errorf("set phase duration: %w", err)
	}
	return nil
}

// ActualState reads back the signal state the simulator is showing.
func (a *Adapter) ActualState() traffic.ActualSignal {
	out := traffic.ActualSignal{PhaseIndex: -1, TLSState: "unknown", GreenGroup: "UNKNOWN", GreenRoads: []traffic.Road{}}
	if !a.connected {
		return out
	}
	idx, err := a.api.CurrentPhase(a.tlsID)
	if err != nil {
		a.log.Warn("phase readback failed", obs.Err(err))
		return out
	}
	state, err := a.api.RYGState(a.tlsID)
	if err != nil {
		a.log.Warn("state readback failed", obs.Err(err))
		return out
	}
	out.PhaseIndex = idx
	out.TLSState = state
	switch idx {
	case a.nsPhase:
		out.GreenGroup = string(traffic.GroupNS)
		out.GreenRoads = traffic.GroupNS.Members()
	case a.ewPhase:
		out.GreenGroup = string(traffic.GroupEW)
		out.GreenRoads = traffic.GroupEW.Members()
	default:
		out.GreenGroup = "TRANSITION"
	}
	return out
}

// IsRunning reports whether the simulation still has vehicles pending.
func (a *Adapter) IsRunning() bool {
	if !a.connected {
		return false
	}
	n, err := a.api.MinExpectedNumber()
	if err != nil {
		return false
	}
	return n > 0
}

// inferPhaseMap maps each controlled link to its incoming edge, then
// picks the phase with the most green signals over NS (respectively
// EW) approaches. Falls back to NS=0, EW=2.
func (a *Adapter) inferPhaseMap() {
	a.nsPhase, a.ewPhase = defaultNSPhase, defaultEWPhase

	phases, err := a.api.ProgramPhases(a.tlsID)
	if err != nil || len(phases) == 0 {
		a.log.Warn("phase inference: no program phases, using defaults", obs.Err(err))
		return
	}
	links, err := a.api.ControlledLinks(a.tlsID)
	if err != nil {
		a.log.Warn("phase inference: controlled links unavailable, using defaults", obs.Err(err))
		return
	}

	linkEdge := make(map[int]string, len(links))
	for i, l := range links {
		if len(l) == 0 {
			continue
		}
		lane := l[0].IncomingLane
		// Lane ids are "<edge>_<index>".
		if j := strings.LastIndex(lane, "_"); j > 0 {
			linkEdge[i] = lane[:j]
		}
	}

	nsEdges := map[string]bool{a.edges[traffic.North]: true, a.edges[traffic.South]: true}
	ewEdges := map[string]bool{a.edges[traffic.East]: true, a.edges[traffic.West]: true}

	bestNS, bestNSScore := defaultNSPhase, 0
	bestEW, bestEWScore := defaultEWPhase, 0
	for idx, ph := range phases {
		ns, ew := 0, 0
		for li, sig := range ph.State {
			if sig != 'G' && sig != 'g' {
				continue
			}
			edge := linkEdge[li]
			if nsEdges[edge] {
				ns++
			} else if ewEdges[edge] {
				ew++
			}
		}
		if ns > bestNSScore {
			bestNS, bestNSScore = idx, ns
		}
		if ew > bestEWScore {
			bestEW, bestEWScore = idx, ew
		}
	}
	a.nsPhase, a.ewPhase = bestNS, bestEW
}

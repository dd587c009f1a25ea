// Copyright 2025 James Ross
package sumo

import (
	"fmt"
	"math/rand"

	"github.com/flyingrobots/go-traffic-signal-controller/internal/traffic"
)

// Arrival probabilities per second by simulator vehicle class, shaped
// so south and north carry the heavier flows.
var syntheticProfiles = map[string]map[string]float64{
	"north_in": {"passenger": 0.20, "bicycle": 0.15, "bus": 0.05, "truck": 0.05, "taxi": 0.10},
	"east_in":  {"passenger": 0.10, "bicycle": 0.10, "taxi": 0.05},
	"south_in": {"passenger": 0.30, "bicycle": 0.20, "bus": 0.05, "truck": 0.05, "taxi": 0.15},
	"west_in":  {"passenger": 0.15, "bicycle": 0.10, "taxi": 0.05},
}

const (
	synthMovingSpeed  = 7.5
	synthWaitingSpeed = 0.0
	synthDischarge    = 2 // vehicles released per green edge per second
)

type synthVehicle struct {
	id    string
	class string
}

// Synthetic is an in-process simulator implementing the API surface.
// It models the four incoming edges as FIFO queues: arrivals follow
// per-edge class profiles, and the edges of the currently green phase
// discharge a bounded number of vehicles per step. It exists so the
// controller runs end to end without an external simulator.
type Synthetic struct {
	rng       *rand.Rand
	t         int
	edges     map[string][]synthVehicle
	phases    []Phase
	links     [][]Link
	phase     int
	rygState  string
	override  bool
	nextID    int
	connected bool

	// EmergencyAt schedules one emergency vehicle on EmergencyRoad at
	// the given simulated second. Zero disables injection.
	EmergencyAt   int
	EmergencyRoad traffic.Road
}

// NewSynthetic builds a synthetic simulator. The seed fixes the
// arrival sequence so runs are reproducible.
func NewSynthetic(seed int64) *Synthetic {
	links := make([][]Link, 0, 12)
	for _, edge := range []string{"north_in", "east_in", "south_in", "west_in"} {
		for lane := 0; lane < 3; lane++ {
			links = append(links, []Link{{IncomingLane: fmt.Sprintf("%s_%d", edge, lane)}})
		}
	}
	return &Synthetic{
		rng: rand.New(rand.NewSource(seed)),
		edges: map[string][]synthVehicle{
			"north_in": nil, "east_in": nil, "south_in": nil, "west_in": nil,
		},
		phases: []Phase{
			{State: "GGGrrrGGGrrr", Duration: 31},
			{State: "yyyrrryyyrrr", Duration: 4},
			{State: "rrrGGGrrrGGG", Duration: 31},
			{State: "rrryyyrrryyy", Duration: 4},
		},
		links:    links,
		rygState: "GGGrrrGGGrrr",
	}
}

func (s *Synthetic) Connect() error {
	s.connected = true
	return nil
}

func (s *Synthetic) Close() error {
	s.connected = false
	return nil
}

func (s *Synthetic) Step() error {
	if !s.connected {
		return ErrNotConnected
	}
	s.t++

	// Arrivals
	for edge, profile := range syntheticProfiles {
		for class, p := range profile {
			if s.rng.Float64() < p {
				s.nextID++
				s.edges[edge] = append(s.edges[edge], synthVehicle{
					id:    fmt.Sprintf("veh_%s_%d", class, s.nextID),
					class: class,
				})
			}
		}
	}
	if s.EmergencyAt > 0 && s.t == s.EmergencyAt && s.EmergencyRoad.Valid() {
		s.nextID++
		edge := string(s.EmergencyRoad) + "_in"
		s.edges[edge] = append(s.edges[edge], synthVehicle{
			id:    fmt.Sprintf("emergency_%d", s.nextID),
			class: "passenger",
		})
	}

	// Departures from green edges
	for _, edge := range s.greenEdges() {
		q := s.edges[edge]
		n := synthDischarge
		if n > len(q) {
			n = len(q)
		}
		s.edges[edge] = q[n:]
	}
	return nil
}

func (s *Synthetic) greenEdges() []string {
	if s.override {
		return nil // all red
	}
	switch s.phase {
	case 0:
		return []string{"north_in", "south_in"}
	case 2:
		return []string{"east_in", "west_in"}
	}
	return nil
}

func (s *Synthetic) EdgeVehicleIDs(edgeID string) ([]string, error) {
	q, ok := s.edges[edgeID]
	if !ok {
		return nil, fmt.Errorf("unknown edge %q", edgeID)
	}
	ids := make([]string, len(q))
	for i, v := range q {
		ids[i] = v.id
	}
	return ids, nil
}

func (s *Synthetic) VehicleClass(vehID string) (string, error) {
	for _, q := range s.edges {
		for _, v := range q {
			if v.id == vehID {
				return v.class, nil
			}
		}
	}
	return "", fmt.Errorf("unknown vehicle %q", vehID)
}

func (s *Synthetic) VehicleSpeed(vehID string) (float64, error) {
	green := map[string]bool{}
	for _, e := range s.greenEdges() {
		green[e] = true
	}
	for edge, q := range s.edges {
		for _, v := range q {
			if v.id != vehID {
				continue
			}
			if green[edge] {
				return synthMovingSpeed, nil
			}
			return synthWaitingSpeed, nil
		}
	}
	return 0, fmt.Errorf("unknown vehicle %q", vehID)
}

func (s *Synthetic) ProgramPhases(string) ([]Phase, error)     { return s.phases, nil }
func (s *Synthetic) ControlledLinks(string) ([][]Link, error)  { return s.links, nil }
func (s *Synthetic) CurrentPhase(string) (int, error)          { return s.phase, nil }
func (s *Synthetic) RYGState(string) (string, error)           { return s.rygState, nil }

func (s *Synthetic) SetPhase(_ string, index int) error {
	if index < 0 || index >= len(s.phases) {
		return fmt.Errorf("phase index %d out of range", index)
	}
	s.phase = index
	s.rygState = s.phases[index].State
	s.override = false
	return nil
}

func (s *Synthetic) SetPhaseDuration(string, int) error { return nil }

func (s *Synthetic) SetRYGState(_ string, state string) error {
	s.rygState = state
	s.override = true
	return nil
}

func (s *Synthetic) MinExpectedNumber() (int, error) {
	total := 1 // arrivals never stop
	for _, q := range s.edges {
		total += len(q)
	}
	return total, nil
}

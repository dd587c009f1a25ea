// Copyright 2025 James Ross
package memory

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/flyingrobots/go-traffic-signal-controller/internal/obs"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/traffic"
	"go.uber.org/zap"
)

const (
	topK     = 5
	decayTau = 900.0 // seconds

	// legacySimilarityCap bounds what a record without state vectors
	// can score; the queue-distance form is too coarse to count as a
	// strong match.
	legacySimilarityCap = 0.6

	legacyK           = 10
	legacyMinDuration = 10
	legacyMaxDuration = 45
)

// Backend persists the record journal.
type Backend interface {
	Load() ([]Record, error)
	Append(rec Record) error
	Rewrite(records []Record) error
	Close() error
}

// Match pairs a journal record with its similarity and decay weights
// against the current state.
type Match struct {
	Record     Record
	Similarity float64
	Decay      float64
}

// Weight is the combined ranking weight of a match.
func (m Match) Weight() float64 { return m.Similarity * m.Decay }

// RoadReward aggregates the recalled experience for one action road.
type RoadReward struct {
	Weighted   float64 // similarity-and-decay weighted mean reward
	Matches    int
	BestWeight float64 // strongest simScore*decay among the matches
}

// Store is the long-lived experience memory: an in-memory sequence
// mirrored to a journal backend. A backend failure degrades the store
// to memory-only operation; recall keeps working.
type Store struct {
	mu         sync.RWMutex
	records    []Record
	backend    Backend
	log        *zap.Logger
	maxRecords int
	maxAge     time.Duration
	degraded   bool
}

// NewStore loads the journal into memory. A load failure is not fatal:
// the store starts empty and degraded.
func NewStore(backend Backend, maxRecords int, maxAge time.Duration, log *zap.Logger) *Store {
	s := &Store{backend: backend, log: log, maxRecords: maxRecords, maxAge: maxAge}
	recs, err := backend.Load()
	if err != nil {
		log.Warn("memory journal load failed, starting empty", obs.Err(err))
		s.degraded = true
	} else {
		s.records = recs
	}
	obs.MemoryRecords.Set(float64(len(s.records)))
	return s
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Len returns the number of records held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Degraded reports whether the journal backend has failed and the
// store is operating memory-only.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Add appends a record and persists it. On backend failure the record
// is kept in memory and the store degrades.
func (s *Store) Add(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	obs.MemoryRecords.Set(float64(len(s.records)))
	if s.degraded {
		return
	}
	if err := s.backend.Append(rec); err != nil {
		s.log.Warn("memory journal append failed, degrading to memory-only", obs.Err(err))
		s.degraded = true
	}
}

// Summary reports record count, mean reward per action road and the
// road with the best mean.
type Summary struct {
	Records         int                      `json:"records"`
	AvgRewardByRoad map[traffic.Road]float64 `json:"avgRewardByRoad"`
	BestRoad        traffic.Road             `json:"bestRoad"`
}

func (s *Store) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := map[traffic.Road]float64{}
	counts := map[traffic.Road]int{}
	for _, rec := range s.records {
		sums[rec.ActionRoad] += rec.Reward
		counts[rec.ActionRoad]++
	}
	avg := make(map[traffic.Road]float64, 4)
	best := traffic.North
	bestVal := math.Inf(-1)
	for _, road := range traffic.Roads() {
		if counts[road] > 0 {
			avg[road] = sums[road] / float64(counts[road])
		} else {
			avg[road] = 0
		}
		if avg[road] > bestVal {
			best, bestVal = road, avg[road]
		}
	}
	return Summary{Records: len(s.records), AvgRewardByRoad: avg, BestRoad: best}
}

// FindSimilar ranks the journal by simScore*decay against the current
// state and returns the top k matches. Records carrying full state
// vectors compare by per-road cosine similarity; legacy records fall
// back to the queue-distance form, capped at legacySimilarityCap.
func (s *Store) FindSimilar(metrics *traffic.MetricsSet, queues map[traffic.Road]int, now, k int) []Match {
	if k <= 0 {
		k = topK
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return nil
	}

	current := Vectors(metrics)
	matches := make([]Match, 0, len(s.records))
	for _, rec := range s.records {
		matches = append(matches, Match{
			Record:     rec,
			Similarity: similarity(rec, current, queues),
			Decay:      decay(rec.Time, now),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Weight() > matches[j].Weight()
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// WeightedRewards aggregates the top-k matches per action road.
func (s *Store) WeightedRewards(metrics *traffic.MetricsSet, queues map[traffic.Road]int, now int) map[traffic.Road]RoadReward {
	matches := s.FindSimilar(metrics, queues, now, topK)

	out := make(map[traffic.Road]RoadReward, 4)
	type agg struct {
		rewardSum float64
		weightSum float64
		count     int
		best      float64
	}
	byRoad := map[traffic.Road]*agg{}
	for _, m := range matches {
		a := byRoad[m.Record.ActionRoad]
		if a == nil {
			a = &agg{}
			byRoad[m.Record.ActionRoad] = a
		}
		w := m.Weight()
		a.rewardSum += m.Record.Reward * w
		a.weightSum += w
		a.count++
		if w > a.best {
			a.best = w
		}
	}
	for _, road := range traffic.Roads() {
		a := byRoad[road]
		if a == nil {
			out[road] = RoadReward{}
			continue
		}
		out[road] = RoadReward{
			Weighted:   a.rewardSum / math.Max(1e-6, a.weightSum),
			Matches:    a.count,
			BestWeight: a.best,
		}
	}
	return out
}

// BestLegacyAction is the nearest-neighbor fallback over raw queue
// vectors: Euclidean distance, k=10, best mean reward wins.
func (s *Store) BestLegacyAction(queues map[traffic.Road]int) (traffic.Road, int, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.records) == 0 {
		best := traffic.North
		bestQ := -1
		for _, road := range traffic.Roads() {
			if queues[road] > bestQ {
				best, bestQ = road, queues[road]
			}
		}
		return best, 20, "default: highest queue"
	}

	type pair struct {
		dist float64
		rec  Record
	}
	pairs := make([]pair, 0, len(s.records))
	for _, rec := range s.records {
		var sum float64
		for _, road := range traffic.Roads() {
			d := float64(queues[road] - rec.StateQueues[road])
			sum += d * d
		}
		pairs = append(pairs, pair{dist: math.Sqrt(sum), rec: rec})
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].dist < pairs[j].dist })
	if len(pairs) > legacyK {
		pairs = pairs[:legacyK]
	}

	sums := map[traffic.Road]float64{}
	counts := map[traffic.Road]int{}
	for _, p := range pairs {
		sums[p.rec.ActionRoad] += p.rec.Reward
		counts[p.rec.ActionRoad]++
	}
	best := traffic.North
	bestVal := math.Inf(-1)
	for _, road := range traffic.Roads() {
		avg := math.Inf(-1)
		if counts[road] > 0 {
			avg = sums[road] / float64(counts[road])
		}
		if avg > bestVal {
			best, bestVal = road, avg
		}
	}

	q := queues[best]
	duration := 10 + int(float64(q)*0.7)
	if duration < legacyMinDuration {
		duration = legacyMinDuration
	}
	if duration > legacyMaxDuration {
		duration = legacyMaxDuration
	}
	return best, duration, "memory: best avg reward"
}

// Compact drops records older than maxAge (in simulated seconds
// relative to now) and trims the journal to maxRecords, oldest first.
// Returns the number of records removed.
func (s *Store) Compact(now int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.records)
	kept := s.records

	if s.maxAge > 0 {
		cutoff := now - int(s.maxAge.Seconds())
		i := 0
		for i < len(kept) && kept[i].Time < cutoff {
			i++
		}
		kept = kept[i:]
	}
	if s.maxRecords > 0 && len(kept) > s.maxRecords {
		kept = kept[len(kept)-s.maxRecords:]
	}
	if len(kept) == before {
		return 0
	}

	s.records = append([]Record(nil), kept...)
	obs.MemoryRecords.Set(float64(len(s.records)))
	if !s.degraded {
		if err := s.backend.Rewrite(s.records); err != nil {
			s.log.Warn("memory journal rewrite failed, degrading to memory-only", obs.Err(err))
			s.degraded = true
		}
	}
	return before - len(s.records)
}

func similarity(rec Record, current map[traffic.Road][]float64, queues map[traffic.Road]int) float64 {
	if len(rec.StateVectors) > 0 {
		var total float64
		for _, road := range traffic.Roads() {
			total += cosine(current[road], rec.StateVectors[road])
		}
		return total / 4
	}
	// Legacy record: queue-distance similarity per road.
	var total float64
	for _, road := range traffic.Roads() {
		dist := math.Abs(float64(queues[road] - rec.StateQueues[road]))
		total += 1.0 / (1.0 + dist)
	}
	sim := total / 4
	if sim > legacySimilarityCap {
		sim = legacySimilarityCap
	}
	return sim
}

func decay(recordTime, now int) float64 {
	age := float64(now - recordTime)
	if age < 0 {
		age = 0
	}
	return math.Exp(-age / decayTau)
}

package peers

import (
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Store is the authoritative registry of peer records. Every mutation runs
// under one lock and commits whole, so readers never observe a partial
// update.
type Store struct {
	mu sync.RWMutex

	records map[peer.ID]*Record

	minScore float64
	maxScore float64
	logSize  int
	now      func() time.Time

	connected map[network.Direction]int
}

// NewStore returns an empty store clamping scores with cfg.
func NewStore(cfg Config, now func() time.Time) *Store {
	cfg.applyDefaults()
	if now == nil {
		now = time.Now
	}
	return &Store{
		records:   make(map[peer.ID]*Record),
		minScore:  cfg.MinScore,
		maxScore:  cfg.MaxScore,
		logSize:   cfg.EventLogSize,
		now:       now,
		connected: make(map[network.Direction]int),
	}
}

// Get returns a copy of the record for id.
func (s *Store) Get(id peer.ID) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Has reports whether a record exists for id.
func (s *Store) Has(id peer.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// Upsert creates the record if missing and applies fn to it. It returns a
// copy of the committed record.
func (s *Store) Upsert(id peer.ID, fn func(*Record)) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[id]
	var next *Record
	if ok {
		next = prev.Clone()
	} else {
		next = newRecord(id, s.now())
	}
	if fn != nil {
		fn(next)
	}
	s.commitLocked(prev, next)
	return next.Clone()
}

// Update applies fn to an existing record. When fn returns an error nothing
// is committed.
func (s *Store) Update(id peer.ID, fn func(*Record) error) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", id, ErrUnknownPeer)
	}
	next := prev.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.commitLocked(prev, next)
	return next.Clone(), nil
}

// ApplyScoreDelta adds delta to the peer's score, clamps it and appends the
// change to the reputation log. It returns the new score.
func (s *Store) ApplyScoreDelta(id peer.ID, delta float64, reason string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return 0, fmt.Errorf("score %s: %w", id, ErrUnknownPeer)
	}
	score := rec.Score + delta
	if score < s.minScore {
		score = s.minScore
	}
	if score > s.maxScore {
		score = s.maxScore
	}
	now := s.now()
	applied := score - rec.Score
	rec.Score = score
	rec.LastSeen = now
	if len(rec.Events) >= s.logSize {
		n := copy(rec.Events, rec.Events[len(rec.Events)-s.logSize+1:])
		rec.Events = rec.Events[:n]
	}
	rec.Events = append(rec.Events, ScoreEvent{At: now, Delta: applied, Score: score, Reason: reason})
	return score, nil
}

// List returns copies of every record matching pred. A nil pred matches all.
func (s *Store) List(pred func(*Record) bool) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if pred == nil || pred(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Count returns the number of records matching pred.
func (s *Store) Count(pred func(*Record) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pred == nil {
		return len(s.records)
	}
	n := 0
	for _, rec := range s.records {
		if pred(rec) {
			n++
		}
	}
	return n
}

// Remove deletes the record for id.
func (s *Store) Remove(id peer.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[id]
	if !ok {
		return false
	}
	s.commitLocked(prev, nil)
	return true
}

// ConnectedCount returns the number of peers holding a connection slot in
// the given direction.
func (s *Store) ConnectedCount(dir network.Direction) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected[dir]
}

// Len returns the number of known peers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// commitLocked swaps prev for next and keeps the slot counters in step. A
// nil next deletes the record.
func (s *Store) commitLocked(prev, next *Record) {
	if prev != nil && prev.Connected() {
		s.connected[prev.Direction]--
		if s.connected[prev.Direction] < 0 {
			panic(fmt.Sprintf("peers: %s connection count underflow", prev.Direction))
		}
	}
	if next == nil {
		delete(s.records, prev.ID)
		return
	}
	next.Score = s.clamp(next.Score)
	if next.Connected() {
		s.connected[next.Direction]++
	}
	s.records[next.ID] = next
}

func (s *Store) clamp(score float64) float64 {
	if score < s.minScore {
		return s.minScore
	}
	if score > s.maxScore {
		return s.maxScore
	}
	return score
}

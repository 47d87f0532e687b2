package sink

import (
	"sync"
	"time"

	"example.com/linetap/internal/frame"
)

// Stats holds the bridge's running counters. Counters only grow; Reset is
// the single explicit way to zero them.
type Stats struct {
	mu        sync.Mutex
	start     time.Time
	frames    map[frame.Protocol]int64
	ruleHits  map[string]int64
	errors    int64
	modified  int64
	bytesAToB int64
	bytesBToA int64
}

// NewStats returns zeroed counters with the window opened now.
func NewStats() *Stats {
	return &Stats{
		start:    time.Now(),
		frames:   make(map[frame.Protocol]int64),
		ruleHits: make(map[string]int64),
	}
}

// Record folds one log entry into the counters.
func (st *Stats) Record(e *Entry) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.frames[e.Frame.Protocol]++
	if e.Direction == AToB {
		st.bytesAToB += int64(len(e.Before))
	} else {
		st.bytesBToA += int64(len(e.Before))
	}
	if e.Error {
		st.errors++
	}
	if e.RuleID != "" {
		st.ruleHits[e.RuleID]++
	}
	if e.Modified() {
		st.modified++
	}
}

// Reset zeroes every counter and reopens the measurement window.
func (st *Stats) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.start = time.Now()
	st.frames = make(map[frame.Protocol]int64)
	st.ruleHits = make(map[string]int64)
	st.errors = 0
	st.modified = 0
	st.bytesAToB = 0
	st.bytesBToA = 0
}

// StatsSnapshot is a consistent copy of the counters, safe to serialize.
type StatsSnapshot struct {
	Since       time.Time        `json:"since"`
	Duration    time.Duration    `json:"-"`
	Frames      map[string]int64 `json:"frames"`
	TotalFrames int64            `json:"totalFrames"`
	RuleHits    map[string]int64 `json:"ruleHits"`
	Errors      int64            `json:"errors"`
	Modified    int64            `json:"modified"`
	BytesAToB   int64            `json:"bytesAToB"`
	BytesBToA   int64            `json:"bytesBToA"`
}

// Snapshot returns a copy of the counters taken under the lock.
func (st *Stats) Snapshot() StatsSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := StatsSnapshot{
		Since:     st.start,
		Duration:  time.Since(st.start),
		Frames:    make(map[string]int64, len(st.frames)),
		RuleHits:  make(map[string]int64, len(st.ruleHits)),
		Errors:    st.errors,
		Modified:  st.modified,
		BytesAToB: st.bytesAToB,
		BytesBToA: st.bytesBToA,
	}
	for p, n := range st.frames {
		snap.Frames[string(p)] = n
		snap.TotalFrames += n
	}
	for id, n := range st.ruleHits {
		snap.RuleHits[id] = n
	}
	return snap
}

// ThroughputBytesPerSecond reports the combined byte rate over the window.
func (s StatsSnapshot) ThroughputBytesPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.BytesAToB+s.BytesBToA) / s.Duration.Seconds()
}

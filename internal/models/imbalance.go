package models

import (
	"sync"
	"time"

	"github.com/perparb/funding-keeper/internal/util"
	"github.com/perparb/funding-keeper/internal/venue"
)

// ImbalanceRecord tracks how long a symbol's hedge has been out of
// tolerance. The nuclear-close timeout is measured from FirstDetectedAt.
type ImbalanceRecord struct {
	Symbol          string    `json:"symbol"`
	FirstDetectedAt time.Time `json:"first_detected_at"`
	LastImbalance   float64   `json:"last_imbalance_pct"`
	AttemptCount    int       `json:"attempt_count"`
	LongVenue       venue.ID  `json:"long_venue"`
	ShortVenue      venue.ID  `json:"short_venue"`
}

// ImbalanceTracker is the persistent-imbalance book shared by the
// reconciler's rebalance and nuclear-close paths.
type ImbalanceTracker struct {
	mu      sync.RWMutex
	records map[string]*ImbalanceRecord
}

// NewImbalanceTracker builds an empty tracker.
func NewImbalanceTracker() *ImbalanceTracker {
	return &ImbalanceTracker{records: make(map[string]*ImbalanceRecord)}
}

// Observe records an imbalance sighting for the symbol, creating the
// record on first detection and updating the magnitude on subsequent ones.
// It returns the current record.
func (t *ImbalanceTracker) Observe(symbol string, imbalancePct float64, longVenue, shortVenue venue.ID) *ImbalanceRecord {
	sym := util.NormalizeSymbol(symbol)
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[sym]
	if !ok {
		rec = &ImbalanceRecord{
			Symbol:          sym,
			FirstDetectedAt: time.Now().UTC(),
			LongVenue:       longVenue,
			ShortVenue:      shortVenue,
		}
		t.records[sym] = rec
	}
	rec.LastImbalance = imbalancePct
	rec.LongVenue = longVenue
	rec.ShortVenue = shortVenue
	return rec
}

// IncrementAttempts bumps the rebalance attempt counter and returns the
// new count.
func (t *ImbalanceTracker) IncrementAttempts(symbol string) int {
	sym := util.NormalizeSymbol(symbol)
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[sym]
	if !ok {
		return 0
	}
	rec.AttemptCount++
	return rec.AttemptCount
}

// PersistedFor returns how long the symbol has been continuously
// imbalanced, or zero when it is not tracked.
func (t *ImbalanceTracker) PersistedFor(symbol string, now time.Time) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[util.NormalizeSymbol(symbol)]
	if !ok {
		return 0
	}
	return now.Sub(rec.FirstDetectedAt)
}

// Get returns the record for a symbol, if tracked.
func (t *ImbalanceTracker) Get(symbol string) (*ImbalanceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[util.NormalizeSymbol(symbol)]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Clear drops the record for a symbol once its hedge is back in tolerance
// or a nuclear close has flattened it.
func (t *ImbalanceTracker) Clear(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, util.NormalizeSymbol(symbol))
}

// Snapshot returns a copy of all records for diagnostics.
func (t *ImbalanceTracker) Snapshot() []ImbalanceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ImbalanceRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	return out
}

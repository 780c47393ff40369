package strategy

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/perparb/funding-keeper/internal/util"
)

// QualityEntry describes one market's execution-quality standing.
type QualityEntry struct {
	Symbol        string    `json:"symbol"`
	FailureCount  int       `json:"failure_count"`
	Blacklisted   bool      `json:"blacklisted"`
	Forced        bool      `json:"forced"` // admin-added, no TTL expiry
	BlacklistedAt time.Time `json:"blacklisted_at,omitempty"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
}

// QualityTracker auto-blacklists markets that repeatedly fail to execute
// cleanly. Auto entries expire after a TTL; admin entries persist until
// removed.
type QualityTracker struct {
	mu        sync.Mutex
	entries   map[string]*QualityEntry
	threshold int
	ttl       time.Duration
	logger    *logrus.Entry
}

// NewQualityTracker builds a tracker that blacklists after threshold
// failures for the given TTL.
func NewQualityTracker(threshold int, ttl time.Duration, logger *logrus.Logger) *QualityTracker {
	return &QualityTracker{
		entries:   make(map[string]*QualityEntry),
		threshold: threshold,
		ttl:       ttl,
		logger:    logger.WithField("component", "market-quality"),
	}
}

// RecordFailure counts a dirty execution against the market and blacklists
// it once the threshold is reached.
func (q *QualityTracker) RecordFailure(symbol string) {
	sym := util.NormalizeSymbol(symbol)
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[sym]
	if !ok {
		e = &QualityEntry{Symbol: sym}
		q.entries[sym] = e
	}
	e.FailureCount++
	e.LastFailure = time.Now().UTC()
	if !e.Blacklisted && e.FailureCount >= q.threshold {
		e.Blacklisted = true
		e.BlacklistedAt = time.Now().UTC()
		q.logger.Warnf("Market %s auto-blacklisted after %d execution failures", sym, e.FailureCount)
	}
}

// RecordSuccess resets the failure count for a market that is not
// blacklisted.
func (q *QualityTracker) RecordSuccess(symbol string) {
	sym := util.NormalizeSymbol(symbol)
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[sym]; ok && !e.Blacklisted {
		e.FailureCount = 0
	}
}

// IsBlacklisted reports whether the market is currently out of rotation.
// Expired auto entries are cleared on read.
func (q *QualityTracker) IsBlacklisted(symbol string) bool {
	sym := util.NormalizeSymbol(symbol)
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[sym]
	if !ok || !e.Blacklisted {
		return false
	}
	if !e.Forced && time.Since(e.BlacklistedAt) >= q.ttl {
		delete(q.entries, sym)
		return false
	}
	return true
}

// ForceBlacklist adds a market by admin action; it never expires.
func (q *QualityTracker) ForceBlacklist(symbol string) {
	sym := util.NormalizeSymbol(symbol)
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[sym]
	if !ok {
		e = &QualityEntry{Symbol: sym}
		q.entries[sym] = e
	}
	e.Blacklisted = true
	e.Forced = true
	e.BlacklistedAt = time.Now().UTC()
}

// Remove lifts a blacklist entry, forced or not.
func (q *QualityTracker) Remove(symbol string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, util.NormalizeSymbol(symbol))
}

// Snapshot returns all entries for the diagnostics surface.
func (q *QualityTracker) Snapshot() []QualityEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QualityEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	return out
}

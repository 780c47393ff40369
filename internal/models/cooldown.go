package models

import (
	"math"
	"sync"
	"time"

	"github.com/perparb/funding-keeper/internal/util"
	"github.com/perparb/funding-keeper/internal/venue"
)

// CooldownEntry records a profit-take exit so the evaluator can keep the
// symbol out of new-pair search until the basis reverts or time passes.
type CooldownEntry struct {
	Symbol        string               `json:"symbol"`
	ExitPrices    map[venue.ID]float64 `json:"exit_prices"`
	ExitedAt      time.Time            `json:"exited_at"`
	ProfitPct     float64              `json:"profit_pct"`
	ClosedPercent float64              `json:"closed_percent"`
}

// CooldownBook tracks per-symbol profit-take cooldowns. A symbol leaves
// cooldown when either the configured duration has elapsed or the
// inter-venue basis has reverted by at least half the captured profit
// percentage.
type CooldownBook struct {
	mu      sync.RWMutex
	entries map[string]*CooldownEntry
}

// NewCooldownBook builds an empty book.
func NewCooldownBook() *CooldownBook {
	return &CooldownBook{entries: make(map[string]*CooldownEntry)}
}

// Register records a profit-take exit for the symbol.
func (b *CooldownBook) Register(symbol string, exitPrices map[venue.ID]float64, profitPct, closedPercent float64) {
	sym := util.NormalizeSymbol(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[sym] = &CooldownEntry{
		Symbol:        sym,
		ExitPrices:    exitPrices,
		ExitedAt:      time.Now().UTC(),
		ProfitPct:     profitPct,
		ClosedPercent: closedPercent,
	}
}

// InCooldown reports whether the symbol is still cooling down given the
// configured duration and current marks per venue. currentMarks may omit
// venues; basis reversion is only checked across venues present in both
// the entry and the snapshot.
func (b *CooldownBook) InCooldown(symbol string, duration time.Duration, currentMarks map[venue.ID]float64) bool {
	sym := util.NormalizeSymbol(symbol)
	b.mu.RLock()
	entry, ok := b.entries[sym]
	b.mu.RUnlock()
	if !ok {
		return false
	}

	if time.Since(entry.ExitedAt) >= duration {
		b.remove(sym)
		return false
	}

	if basisRevertedEnough(entry, currentMarks) {
		b.remove(sym)
		return false
	}
	return true
}

// Get returns the entry for a symbol, if any.
func (b *CooldownBook) Get(symbol string) (*CooldownEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[util.NormalizeSymbol(symbol)]
	return e, ok
}

// Snapshot returns a copy of all entries for diagnostics.
func (b *CooldownBook) Snapshot() []CooldownEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]CooldownEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, *e)
	}
	return out
}

func (b *CooldownBook) remove(sym string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, sym)
}

// basisRevertedEnough checks whether the inter-venue basis has moved back
// by at least 50% of the captured profit percentage since the exit.
func basisRevertedEnough(entry *CooldownEntry, currentMarks map[venue.ID]float64) bool {
	if len(entry.ExitPrices) < 2 || len(currentMarks) == 0 {
		return false
	}

	exitBasis, ok1 := basisPct(entry.ExitPrices, nil)
	curBasis, ok2 := basisPct(entry.ExitPrices, currentMarks)
	if !ok1 || !ok2 {
		return false
	}

	reversion := math.Abs(exitBasis - curBasis)
	return reversion >= entry.ProfitPct*0.5
}

// basisPct computes the relative price gap across the first two venues
// present in ref. When cur is non-nil, prices are taken from cur instead
// (for the same venue pair), requiring both to be present.
func basisPct(ref map[venue.ID]float64, cur map[venue.ID]float64) (float64, bool) {
	var prices []float64
	for _, v := range venue.AllVenues {
		refPrice, ok := ref[v]
		if !ok {
			continue
		}
		price := refPrice
		if cur != nil {
			price, ok = cur[v]
			if !ok {
				continue
			}
		}
		prices = append(prices, price)
		if len(prices) == 2 {
			break
		}
	}
	if len(prices) < 2 || prices[0] == 0 {
		return 0, false
	}
	return math.Abs(prices[0]-prices[1]) / prices[0] * 100, true
}

// Package models holds the keeper's domain records: the hedged-pair intent
// that persists across restarts, plus the small in-memory books (cooldowns,
// imbalance tracking) the supervisors consult.
package models

import (
	"fmt"
	"math"
	"time"

	"github.com/perparb/funding-keeper/internal/util"
	"github.com/perparb/funding-keeper/internal/venue"
)

// PairStatus is the lifecycle state of a hedged pair intent.
type PairStatus string

const (
	// StatusPending means orders are in flight and neither leg is confirmed.
	StatusPending PairStatus = "PENDING"
	// StatusComplete means both legs are confirmed on their venues.
	StatusComplete PairStatus = "COMPLETE"
	// StatusSingleLeg means exactly one leg is confirmed; recovery owns it.
	StatusSingleLeg PairStatus = "SINGLE_LEG"
	// StatusClosed is terminal.
	StatusClosed PairStatus = "CLOSED"
)

// ValidTransitions defines the allowed status transitions. The lifecycle is
// monotonic except for the PENDING and SINGLE_LEG exchange during execution
// and recovery.
var ValidTransitions = map[PairStatus][]PairStatus{
	StatusPending:   {StatusComplete, StatusSingleLeg, StatusClosed},
	StatusSingleLeg: {StatusPending, StatusComplete, StatusClosed},
	StatusComplete:  {StatusSingleLeg, StatusClosed},
	StatusClosed:    {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to PairStatus) bool {
	if from == to {
		return true
	}
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BalanceTolerancePct is the maximum relative size gap between the two legs
// of a COMPLETE pair.
const BalanceTolerancePct = 0.05

// HedgedPair is the durable record of one intended delta-neutral position:
// LONG intended-size on LongVenue and SHORT intended-size on ShortVenue of
// the same normalized symbol.
type HedgedPair struct {
	ID           string     `json:"id"`
	Symbol       string     `json:"symbol"`
	LongVenue    venue.ID   `json:"long_venue"`
	ShortVenue   venue.ID   `json:"short_venue"`
	IntendedSize float64    `json:"intended_size"`
	LongFilled   bool       `json:"long_filled"`
	ShortFilled  bool       `json:"short_filled"`
	Status       PairStatus `json:"status"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewHedgedPair builds a PENDING pair with a generated ID. The ID embeds
// symbol, venues and a nanosecond timestamp, unique well under 1ms
// resolution.
func NewHedgedPair(symbol string, longVenue, shortVenue venue.ID, size float64) *HedgedPair {
	now := time.Now().UTC()
	sym := util.NormalizeSymbol(symbol)
	return &HedgedPair{
		ID:           fmt.Sprintf("%s-%s-%s-%d", sym, longVenue, shortVenue, now.UnixNano()),
		Symbol:       sym,
		LongVenue:    longVenue,
		ShortVenue:   shortVenue,
		IntendedSize: size,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsActive reports whether the pair still represents live intent.
func (p *HedgedPair) IsActive() bool {
	return p.Status != StatusClosed
}

// VenueFor returns the venue holding the given side of this pair.
func (p *HedgedPair) VenueFor(side venue.Side) venue.ID {
	if side == venue.Long {
		return p.LongVenue
	}
	return p.ShortVenue
}

// SideOn returns which side this pair intends on the given venue, or false
// when the venue is not part of the pair.
func (p *HedgedPair) SideOn(v venue.ID) (venue.Side, bool) {
	switch v {
	case p.LongVenue:
		return venue.Long, true
	case p.ShortVenue:
		return venue.Short, true
	}
	return "", false
}

// MissingSide returns the unfilled side of a partially filled pair, or
// false when neither or both legs are filled.
func (p *HedgedPair) MissingSide() (venue.Side, bool) {
	switch {
	case p.LongFilled && !p.ShortFilled:
		return venue.Short, true
	case p.ShortFilled && !p.LongFilled:
		return venue.Long, true
	}
	return "", false
}

// LegsBalanced reports whether the two given leg sizes are within the
// 5% hedge tolerance of each other.
func LegsBalanced(longSize, shortSize float64) bool {
	return util.PctDiff(longSize, shortSize) <= BalanceTolerancePct
}

// ImbalancePct returns the relative size gap between two legs.
func ImbalancePct(longSize, shortSize float64) float64 {
	return util.PctDiff(longSize, shortSize)
}

// Age returns how long ago the pair was created.
func (p *HedgedPair) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

// NotionalUSD is the pair's single-leg notional at the given mark.
func (p *HedgedPair) NotionalUSD(mark float64) float64 {
	return math.Abs(p.IntendedSize) * mark
}

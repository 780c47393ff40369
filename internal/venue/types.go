// Package venue defines the uniform contract the keeper uses to talk to a
// perpetual-futures exchange, plus the wrappers (circuit breaker, rate
// limiter) layered over concrete adapters.
package venue

import (
	"math"
	"time"
)

// ID identifies a supported venue.
type ID string

// Supported venues. Concrete adapter implementations live outside the
// core; the mock adapter in this package stands in for paper trading.
const (
	Hyperliquid ID = "HL"
	Lighter     ID = "L"
	Aster       ID = "A"
)

// AllVenues lists every known venue ID in a stable order.
var AllVenues = []ID{Hyperliquid, Lighter, Aster}

// Side is the direction of a position or order.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// OrderType distinguishes resting limit orders from immediate market orders.
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// TimeInForce controls how long an order rests on the book.
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
)

// OrderStatus is the lifecycle state of an order as tracked by the keeper.
type OrderStatus string

const (
	StatusPlacing     OrderStatus = "PLACING"
	StatusWaitingFill OrderStatus = "WAITING_FILL"
	StatusFilled      OrderStatus = "FILLED"
	StatusCancelled   OrderStatus = "CANCELLED"
	StatusRejected    OrderStatus = "REJECTED"
	StatusExpired     OrderStatus = "EXPIRED"
	StatusFailed      OrderStatus = "FAILED"
)

// IsTerminal reports whether the status is final: the order will never fill
// (further) and its slot can be released.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// DustSize is the absolute size at or below which a position is treated as
// nonexistent. Dust must be filtered before any reconciliation or hedging
// logic runs.
const DustSize = 1e-4

// Position is a venue's view of one open perp position.
type Position struct {
	Venue            ID        `json:"venue"`
	Symbol           string    `json:"symbol"`
	Side             Side      `json:"side"`
	Size             float64   `json:"size"`
	EntryPrice       float64   `json:"entry_price"`
	MarkPrice        float64   `json:"mark_price"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	Leverage         float64   `json:"leverage"`
	LiquidationPrice float64   `json:"liquidation_price"`
	MarginUsed       float64   `json:"margin_used"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IsDust reports whether the position is too small to act on.
func (p Position) IsDust() bool {
	return math.Abs(p.Size) <= DustSize
}

// NotionalUSD is the position's absolute mark-price notional.
func (p Position) NotionalUSD() float64 {
	return math.Abs(p.Size) * p.MarkPrice
}

// FilterDust returns positions with dust entries removed.
func FilterDust(positions []Position) []Position {
	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		if !p.IsDust() {
			out = append(out, p)
		}
	}
	return out
}

// OrderRequest is the keeper's instruction to place one order.
type OrderRequest struct {
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Type        OrderType   `json:"type"`
	Size        float64     `json:"size"`
	Price       float64     `json:"price"` // ignored for market orders
	TimeInForce TimeInForce `json:"time_in_force"`
	ReduceOnly  bool        `json:"reduce_only"`
	ClientTag   string      `json:"client_tag,omitempty"`
}

// OrderResponse is the venue's answer to a placement or status query.
type OrderResponse struct {
	OrderID      string      `json:"order_id"`
	Status       OrderStatus `json:"status"`
	FilledSize   float64     `json:"filled_size"`
	AvgFillPrice float64     `json:"avg_fill_price"`
}

// Order is a full order record as tracked by the lock registry and
// returned from open-order queries.
type Order struct {
	ID           string      `json:"id"`
	Venue        ID          `json:"venue"`
	Symbol       string      `json:"symbol"`
	Side         Side        `json:"side"`
	Type         OrderType   `json:"type"`
	Size         float64     `json:"size"`
	Price        float64     `json:"price"`
	TimeInForce  TimeInForce `json:"time_in_force"`
	ReduceOnly   bool        `json:"reduce_only"`
	PlacedAt     time.Time   `json:"placed_at"`
	Status       OrderStatus `json:"status"`
	FilledSize   float64     `json:"filled_size"`
	AvgFillPrice float64     `json:"avg_fill_price"`
}

// Age returns how long the order has been outstanding.
func (o Order) Age(now time.Time) time.Duration {
	return now.Sub(o.PlacedAt)
}

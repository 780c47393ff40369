package venue

import "context"

// Adapter is the uniform contract for one exchange. Implementations live
// outside the core; they are expected to retry transient errors internally
// with exponential backoff and to return classified *Error values.
//
// All methods must be safe for concurrent use.
type Adapter interface {
	// Name returns the venue this adapter talks to.
	Name() ID

	// Order placement and management.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	CancelOrder(ctx context.Context, orderID, symbol string) (bool, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOrderStatus(ctx context.Context, orderID, symbol string) (*OrderResponse, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// Account and market state.
	GetPositions(ctx context.Context) ([]Position, error)
	GetBalance(ctx context.Context) (float64, error)
	GetEquity(ctx context.Context) (float64, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetFundingRate(ctx context.Context, symbol string) (float64, error)
}

// OrderModifier is an optional capability: venues that support in-place
// order modification avoid the cancel-and-replace race entirely.
type OrderModifier interface {
	ModifyOrder(ctx context.Context, orderID string, req OrderRequest) (*OrderResponse, error)
}

// ExternalDepositor is an optional capability for venues that accept
// programmatic deposits. The keeper preserves the interface but ships no
// transfer policy.
type ExternalDepositor interface {
	DepositExternal(ctx context.Context, amountUSD float64, asset string) error
}

// PositionCacheClearer is an optional capability for adapters that cache
// position snapshots internally.
type PositionCacheClearer interface {
	ClearPositionCache()
}

// Set is the adapters the keeper operates over, keyed by venue.
type Set map[ID]Adapter

// IDs returns the venue IDs present in the set, in AllVenues order.
func (s Set) IDs() []ID {
	out := make([]ID, 0, len(s))
	for _, v := range AllVenues {
		if _, ok := s[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

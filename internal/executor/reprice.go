package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/perparb/funding-keeper/internal/lockreg"
	"github.com/perparb/funding-keeper/internal/venue"
)

// modifyChecker is implemented by wrappers that can say whether the venue
// underneath supports in-place order modification.
type modifyChecker interface {
	SupportsModify() bool
}

// RepriceOrder moves a resting order's price toward the market by the
// given fraction (worse for us) so it fills. Venues that support modify
// keep the same order; otherwise the replacement is registered into the
// slot before the old order is cancelled, so the slot never appears empty.
func (e *Executor) RepriceOrder(ctx context.Context, ord lockreg.TrackedOrder, pct float64) error {
	adapter, ok := e.adapters[ord.Order.Venue]
	if !ok {
		return venue.NewError(venue.KindInvariant, ord.Order.Venue, "RepriceOrder", fmt.Errorf("venue not configured"))
	}

	mark, err := e.cache.GetMarkPrice(ctx, ord.Order.Venue, ord.Order.Symbol)
	if err != nil {
		return err
	}

	// Buying pays more, selling asks less.
	newPrice := mark * (1 + pct)
	if ord.Order.Side == venue.Short {
		newPrice = mark * (1 - pct)
	}

	remaining := ord.Order.Size - ord.Order.FilledSize
	if remaining <= venue.DustSize {
		return nil
	}
	req := venue.OrderRequest{
		Symbol:      ord.Order.Symbol,
		Side:        ord.Order.Side,
		Type:        venue.Limit,
		Size:        remaining,
		Price:       newPrice,
		TimeInForce: venue.GTC,
		ReduceOnly:  ord.Order.ReduceOnly,
	}

	if mod, canModify := adapter.(venue.OrderModifier); canModify && supportsModify(adapter) {
		resp, err := mod.ModifyOrder(ctx, ord.Order.ID, req)
		if err == nil {
			e.registry.UpdateOrderStatus(ord.Order.Venue, ord.Order.Symbol, ord.Order.Side,
				venue.StatusWaitingFill, resp.OrderID, newPrice, ord.Order.ReduceOnly)
			e.logger.Infof("Repriced order %s on %s to %.6f via modify", resp.OrderID, ord.Order.Venue, newPrice)
			return nil
		}
		e.logger.Debugf("modify failed for %s, falling back to cancel-replace: %v", ord.Order.ID, err)
	}

	return e.cancelReplace(ctx, adapter, ord, req)
}

// cancelReplace places the new order first, points the slot at it, then
// cancels the old one.
func (e *Executor) cancelReplace(ctx context.Context, adapter venue.Adapter, ord lockreg.TrackedOrder, req venue.OrderRequest) error {
	resp, err := adapter.PlaceOrder(ctx, req)
	if err != nil {
		return err
	}
	e.perf.RecordOrderPlaced(ord.Order.Venue, venue.Limit)

	status := venue.StatusWaitingFill
	if resp.Status == venue.StatusFilled {
		status = venue.StatusFilled
	}
	e.registry.UpdateOrderStatus(ord.Order.Venue, ord.Order.Symbol, ord.Order.Side,
		status, resp.OrderID, req.Price, req.ReduceOnly)

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := adapter.CancelOrder(cctx, ord.Order.ID, ord.Order.Symbol); err != nil && !venue.IsNotFound(err) {
		e.logger.Warnf("cancel superseded order %s on %s: %v", ord.Order.ID, ord.Order.Venue, err)
	}
	e.logger.Infof("Replaced order %s with %s on %s at %.6f", ord.Order.ID, resp.OrderID, ord.Order.Venue, req.Price)
	return nil
}

func supportsModify(adapter venue.Adapter) bool {
	if c, ok := adapter.(modifyChecker); ok {
		return c.SupportsModify()
	}
	_, ok := adapter.(venue.OrderModifier)
	return ok
}

package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/perparb/funding-keeper/internal/lockreg"
	"github.com/perparb/funding-keeper/internal/venue"
)

// ForceFill abandons a stuck limit order and takes the remaining size with
// a market IOC. Last tier of asymmetric-fill recovery: paying taker fees
// beats holding an unhedged leg.
func (e *Executor) ForceFill(ctx context.Context, ord lockreg.TrackedOrder) error {
	adapter, ok := e.adapters[ord.Order.Venue]
	if !ok {
		return venue.NewError(venue.KindInvariant, ord.Order.Venue, "ForceFill", fmt.Errorf("venue not configured"))
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := adapter.CancelOrder(cctx, ord.Order.ID, ord.Order.Symbol); err != nil && !venue.IsNotFound(err) {
		e.logger.Warnf("cancel before force-fill %s on %s: %v", ord.Order.ID, ord.Order.Venue, err)
	}

	remaining := ord.Order.Size - ord.Order.FilledSize
	if remaining <= venue.DustSize {
		e.registry.UpdateOrderStatus(ord.Order.Venue, ord.Order.Symbol, ord.Order.Side,
			venue.StatusFilled, "", 0, ord.Order.ReduceOnly)
		return nil
	}

	resp, err := adapter.PlaceOrder(ctx, venue.OrderRequest{
		Symbol:      ord.Order.Symbol,
		Side:        ord.Order.Side,
		Type:        venue.Market,
		Size:        remaining,
		TimeInForce: venue.IOC,
		ReduceOnly:  ord.Order.ReduceOnly,
	})
	if err != nil {
		e.registry.UpdateOrderStatus(ord.Order.Venue, ord.Order.Symbol, ord.Order.Side,
			venue.StatusFailed, "", 0, ord.Order.ReduceOnly)
		return err
	}
	e.perf.RecordOrderPlaced(ord.Order.Venue, venue.Market)
	e.settleFill(ord.Order.Venue, ord.Order.Symbol, ord.Order.Side, remaining, resp, ord.Order.ReduceOnly, venue.Market)
	e.logger.Infof("Force-filled %.6f %s %s on %s at market (order %s)",
		remaining, ord.Order.Symbol, ord.Order.Side, ord.Order.Venue, resp.OrderID)
	return nil
}

// Package executor places the keeper's orders: limit-at-mark legs for
// opens with a backoff fill-wait loop, and reduce-only market orders for
// closes. All placements go through the lock registry's order slots.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/perparb/funding-keeper/internal/config"
	"github.com/perparb/funding-keeper/internal/lockreg"
	"github.com/perparb/funding-keeper/internal/market"
	"github.com/perparb/funding-keeper/internal/models"
	"github.com/perparb/funding-keeper/internal/perf"
	"github.com/perparb/funding-keeper/internal/store"
	"github.com/perparb/funding-keeper/internal/strategy"
	"github.com/perparb/funding-keeper/internal/util"
	"github.com/perparb/funding-keeper/internal/venue"
)

// LegResult reports how one leg execution ended.
type LegResult struct {
	Filled       bool
	OrderID      string
	FilledSize   float64
	AvgFillPrice float64
}

// Executor runs order placement for both sides of hedged pairs.
type Executor struct {
	cfg      *config.Config
	adapters venue.Set
	registry *lockreg.Registry
	cache    *market.Cache
	store    store.Interface
	perf     *perf.Tracker
	logger   *logrus.Entry

	// test hooks
	baseDelay time.Duration
}

// New wires the executor.
func New(cfg *config.Config, adapters venue.Set, registry *lockreg.Registry,
	cache *market.Cache, st store.Interface, tracker *perf.Tracker,
	logger *logrus.Logger) *Executor {
	return &Executor{
		cfg:       cfg,
		adapters:  adapters,
		registry:  registry,
		cache:     cache,
		store:     st,
		perf:      tracker,
		logger:    logger.WithField("component", "executor"),
		baseDelay: 2 * time.Second,
	}
}

// OpenPair places both legs of an opportunity in parallel under an already
// held symbol lock, persists the intent, and settles the pair's status
// from the two leg outcomes.
func (e *Executor) OpenPair(ctx context.Context, threadID string, opp strategy.Opportunity) (*models.HedgedPair, error) {
	pair := models.NewHedgedPair(opp.Symbol, opp.LongVenue, opp.ShortVenue, opp.Size)
	if err := e.store.Save(pair); err != nil {
		return nil, fmt.Errorf("persist pair intent: %w", err)
	}
	e.logger.Infof("Opening pair %s: %.6f %s long %s / short %s", pair.ID, opp.Size, opp.Symbol, opp.LongVenue, opp.ShortVenue)

	var longRes, shortRes *LegResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := e.PlaceLeg(gctx, threadID, opp.LongVenue, opp.Symbol, venue.Long, opp.Size, false)
		longRes = res
		return err
	})
	g.Go(func() error {
		res, err := e.PlaceLeg(gctx, threadID, opp.ShortVenue, opp.Symbol, venue.Short, opp.Size, false)
		shortRes = res
		return err
	})
	err := g.Wait()

	longFilled := longRes != nil && longRes.Filled
	shortFilled := shortRes != nil && shortRes.Filled
	switch {
	case longFilled && shortFilled:
		if serr := e.store.MarkComplete(pair.ID); serr != nil {
			e.logger.Errorf("mark complete %s: %v", pair.ID, serr)
		}
		pair.Status = models.StatusComplete
		e.logger.Infof("Pair %s complete", pair.ID)
	case longFilled || shortFilled:
		if serr := e.store.MarkSingleLeg(pair.ID, longFilled, shortFilled); serr != nil {
			e.logger.Errorf("mark single-leg %s: %v", pair.ID, serr)
		}
		pair.Status = models.StatusSingleLeg
		pair.LongFilled = longFilled
		pair.ShortFilled = shortFilled
		e.perf.RecordSingleLeg()
		e.logger.Warnf("Pair %s asymmetric: long=%v short=%v", pair.ID, longFilled, shortFilled)
	default:
		if serr := e.store.MarkClosed(pair.ID); serr != nil {
			e.logger.Errorf("mark closed %s: %v", pair.ID, serr)
		}
		pair.Status = models.StatusClosed
		e.logger.Warnf("Pair %s: neither leg filled", pair.ID)
	}

	e.registry.MarkExecutionCompleted(opp.Symbol)
	return pair, err
}

// PlaceLeg places one limit order at the current mark and waits for it to
// fill. The (venue, symbol, side) slot is held for the whole wait and
// released on any terminal outcome.
func (e *Executor) PlaceLeg(ctx context.Context, threadID string, v venue.ID, symbol string, side venue.Side, size float64, reduceOnly bool) (*LegResult, error) {
	sym := util.NormalizeSymbol(symbol)
	adapter, ok := e.adapters[v]
	if !ok {
		return nil, venue.NewError(venue.KindInvariant, v, "PlaceLeg", fmt.Errorf("venue not configured"))
	}

	mark, err := e.cache.GetMarkPrice(ctx, v, sym)
	if err != nil {
		return nil, err
	}

	// Slot first, network second.
	if err := e.registry.RegisterOrderPlacing("", v, sym, side, threadID, size, mark); err != nil {
		return nil, venue.NewError(venue.KindInvariant, v, "PlaceLeg", err)
	}

	resp, err := adapter.PlaceOrder(ctx, venue.OrderRequest{
		Symbol:      sym,
		Side:        side,
		Type:        venue.Limit,
		Size:        size,
		Price:       mark,
		TimeInForce: venue.GTC,
		ReduceOnly:  reduceOnly,
	})
	if err != nil {
		e.registry.UpdateOrderStatus(v, sym, side, venue.StatusFailed, "", 0, reduceOnly)
		return nil, err
	}
	e.perf.RecordOrderPlaced(v, venue.Limit)

	if resp.Status == venue.StatusFilled {
		e.settleFill(v, sym, side, size, resp, reduceOnly, venue.Limit)
		return &LegResult{Filled: true, OrderID: resp.OrderID, FilledSize: resp.FilledSize, AvgFillPrice: resp.AvgFillPrice}, nil
	}

	e.registry.UpdateOrderStatus(v, sym, side, venue.StatusWaitingFill, resp.OrderID, 0, reduceOnly)
	return e.waitForFill(ctx, adapter, v, sym, side, size, resp.OrderID, reduceOnly)
}

// waitForFill polls order status and venue positions with exponential
// backoff until the order fills, turns terminal, or the retry budget runs
// out. On timeout it cancels and does one final status check, since the
// fill may land between the cancel request and its ack.
func (e *Executor) waitForFill(ctx context.Context, adapter venue.Adapter, v venue.ID, sym string, side venue.Side, size float64, orderID string, reduceOnly bool) (*LegResult, error) {
	b := &backoff.Backoff{
		Min:    e.baseDelay,
		Max:    e.cfg.Reconciler.MaxBackoffDelay,
		Factor: 2,
	}

	for attempt := 1; attempt <= e.cfg.Reconciler.FillMaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			e.cancelAndFinalCheck(adapter, v, sym, side, size, orderID, reduceOnly)
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}

		status, err := adapter.GetOrderStatus(ctx, orderID, sym)
		if err != nil {
			if venue.IsNotFound(err) {
				// Order gone from the venue's book. A position check
				// decides whether it filled or was purged.
				if e.positionConfirms(ctx, adapter, sym, side, size, reduceOnly) {
					resp := &venue.OrderResponse{OrderID: orderID, Status: venue.StatusFilled, FilledSize: size}
					e.settleFill(v, sym, side, size, resp, reduceOnly, venue.Limit)
					return &LegResult{Filled: true, OrderID: orderID, FilledSize: size}, nil
				}
				e.registry.UpdateOrderStatus(v, sym, side, venue.StatusCancelled, "", 0, reduceOnly)
				return &LegResult{Filled: false, OrderID: orderID}, nil
			}
			e.logger.Debugf("order status %s/%s attempt %d: %v", v, orderID, attempt, err)
			continue
		}

		switch status.Status {
		case venue.StatusFilled:
			e.settleFill(v, sym, side, size, status, reduceOnly, venue.Limit)
			return &LegResult{Filled: true, OrderID: orderID, FilledSize: status.FilledSize, AvgFillPrice: status.AvgFillPrice}, nil
		case venue.StatusCancelled, venue.StatusRejected, venue.StatusExpired, venue.StatusFailed:
			e.registry.UpdateOrderStatus(v, sym, side, status.Status, "", 0, reduceOnly)
			return &LegResult{Filled: false, OrderID: orderID}, nil
		}

		// Position may confirm before the order status catches up.
		if e.positionConfirms(ctx, adapter, sym, side, size, reduceOnly) {
			e.settleFill(v, sym, side, size, status, reduceOnly, venue.Limit)
			return &LegResult{Filled: true, OrderID: orderID, FilledSize: size, AvgFillPrice: status.AvgFillPrice}, nil
		}
	}

	return e.cancelAndFinalCheck(adapter, v, sym, side, size, orderID, reduceOnly), nil
}

// cancelAndFinalCheck cancels an unfilled order and re-checks once, then
// settles the slot either way.
func (e *Executor) cancelAndFinalCheck(adapter venue.Adapter, v venue.ID, sym string, side venue.Side, size float64, orderID string, reduceOnly bool) *LegResult {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := adapter.CancelOrder(ctx, orderID, sym); err != nil && !venue.IsNotFound(err) {
		e.logger.Warnf("cancel %s on %s: %v", orderID, v, err)
	}
	time.Sleep(e.baseDelay / 2)

	if status, err := adapter.GetOrderStatus(ctx, orderID, sym); err == nil && status.Status == venue.StatusFilled {
		e.settleFill(v, sym, side, size, status, reduceOnly, venue.Limit)
		return &LegResult{Filled: true, OrderID: orderID, FilledSize: status.FilledSize, AvgFillPrice: status.AvgFillPrice}
	}
	if e.positionConfirms(ctx, adapter, sym, side, size, reduceOnly) {
		resp := &venue.OrderResponse{OrderID: orderID, Status: venue.StatusFilled, FilledSize: size}
		e.settleFill(v, sym, side, size, resp, reduceOnly, venue.Limit)
		return &LegResult{Filled: true, OrderID: orderID, FilledSize: size}
	}

	e.registry.UpdateOrderStatus(v, sym, side, venue.StatusCancelled, "", 0, reduceOnly)
	e.logger.Warnf("Order %s on %s/%s timed out unfilled", orderID, v, sym)
	return &LegResult{Filled: false, OrderID: orderID}
}

// positionConfirms checks the venue for a position consistent with the
// order having filled. Opens look for the position's presence; closes for
// its absence or reduction.
func (e *Executor) positionConfirms(ctx context.Context, adapter venue.Adapter, sym string, side venue.Side, size float64, reduceOnly bool) bool {
	positions, err := adapter.GetPositions(ctx)
	if err != nil {
		return false
	}
	for _, p := range venue.FilterDust(positions) {
		if util.SameSymbol(p.Symbol, sym) && p.Side == side {
			if reduceOnly {
				return false
			}
			return p.Size >= size*0.95
		}
	}
	return reduceOnly
}

// settleFill updates the slot, the cache and the cost ledger for a filled
// order.
func (e *Executor) settleFill(v venue.ID, sym string, side venue.Side, size float64, resp *venue.OrderResponse, reduceOnly bool, orderType venue.OrderType) {
	e.registry.UpdateOrderStatus(v, sym, side, venue.StatusFilled, resp.OrderID, resp.AvgFillPrice, reduceOnly)

	price := resp.AvgFillPrice
	if price > 0 {
		e.cache.SetMarkPrice(v, sym, price)
		if vc, ok := e.cfg.VenueFor(v); ok {
			fee := vc.MakerFee
			if orderType == venue.Market {
				fee = vc.TakerFee
			}
			if fee > 0 {
				e.perf.RecordCost(sym, v, perf.CostFee, size*price*fee)
			}
		}
	}

	if reduceOnly {
		e.cache.RemovePosition(v, sym, side)
	} else {
		e.cache.UpdatePosition(venue.Position{
			Venue:      v,
			Symbol:     sym,
			Side:       side,
			Size:       size,
			EntryPrice: price,
			MarkPrice:  price,
			UpdatedAt:  time.Now(),
		})
	}
}

// CloseLeg closes (part of) one position with a reduce-only market IOC
// order. It is the path every corrective component uses to cut exposure.
func (e *Executor) CloseLeg(ctx context.Context, threadID string, v venue.ID, symbol string, side venue.Side, size float64) error {
	sym := util.NormalizeSymbol(symbol)
	adapter, ok := e.adapters[v]
	if !ok {
		return venue.NewError(venue.KindInvariant, v, "CloseLeg", fmt.Errorf("venue not configured"))
	}
	if size <= venue.DustSize {
		return nil
	}

	// Closing sells a long or buys back a short.
	orderSide := side.Opposite()
	if err := e.registry.RegisterOrderPlacing("", v, sym, orderSide, threadID, size, 0); err != nil {
		return venue.NewError(venue.KindInvariant, v, "CloseLeg", err)
	}

	resp, err := adapter.PlaceOrder(ctx, venue.OrderRequest{
		Symbol:      sym,
		Side:        orderSide,
		Type:        venue.Market,
		Size:        size,
		TimeInForce: venue.IOC,
		ReduceOnly:  true,
	})
	if err != nil {
		e.registry.UpdateOrderStatus(v, sym, orderSide, venue.StatusFailed, "", 0, true)
		return err
	}
	e.perf.RecordOrderPlaced(v, venue.Market)

	// An IOC can come back expired or rejected with a nil error. Only what
	// actually filled leaves the book; the rest is still live exposure.
	filled := resp.FilledSize
	if filled == 0 && resp.Status == venue.StatusFilled {
		filled = size
	}
	if filled <= venue.DustSize {
		e.registry.UpdateOrderStatus(v, sym, orderSide, venue.StatusFailed, resp.OrderID, 0, true)
		return venue.NewError(venue.KindRejected, v, "CloseLeg",
			fmt.Errorf("reduce-only order %s came back %s unfilled", resp.OrderID, resp.Status))
	}
	e.registry.UpdateOrderStatus(v, sym, orderSide, venue.StatusFilled, resp.OrderID, resp.AvgFillPrice, true)

	if vc, ok := e.cfg.VenueFor(v); ok && resp.AvgFillPrice > 0 {
		if vc.TakerFee > 0 {
			e.perf.RecordCost(sym, v, perf.CostFee, filled*resp.AvgFillPrice*vc.TakerFee)
		}
		if vc.SlippagePct > 0 {
			e.perf.RecordCost(sym, v, perf.CostSlippage, filled*resp.AvgFillPrice*vc.SlippagePct)
		}
	}

	// Shrink or drop the cached position by the filled quantity only.
	if pos, found := e.cache.GetPosition(v, sym, side); found {
		pos.Size -= filled
		if pos.Size <= venue.DustSize {
			e.cache.RemovePosition(v, sym, side)
		} else {
			e.cache.UpdatePosition(pos)
		}
	}

	if filled < size-venue.DustSize {
		e.logger.Warnf("Partial close on %s/%s: %.6f of %.6f filled", v, sym, filled, size)
		return venue.NewError(venue.KindTransient, v, "CloseLeg",
			fmt.Errorf("partial fill: %.6f of %.6f", filled, size))
	}

	e.logger.Infof("Closed %.6f %s %s on %s (order %s)", filled, sym, side, v, resp.OrderID)
	return nil
}

// PartialClosePair closes the given fraction of both legs as a hedged
// partial close, long leg first.
func (e *Executor) PartialClosePair(ctx context.Context, threadID string, pair *models.HedgedPair, fraction float64) error {
	fraction = util.Clamp(fraction, 0, 1)
	if fraction == 0 {
		return nil
	}

	longPos, longOK := e.cache.GetPosition(pair.LongVenue, pair.Symbol, venue.Long)
	shortPos, shortOK := e.cache.GetPosition(pair.ShortVenue, pair.Symbol, venue.Short)
	if !longOK || !shortOK {
		return venue.NewError(venue.KindInvariant, pair.LongVenue, "PartialClosePair",
			fmt.Errorf("pair %s is not fully present in cache", pair.ID))
	}

	if err := e.CloseLeg(ctx, threadID, pair.LongVenue, pair.Symbol, venue.Long, longPos.Size*fraction); err != nil {
		return err
	}
	if err := e.CloseLeg(ctx, threadID, pair.ShortVenue, pair.Symbol, venue.Short, shortPos.Size*fraction); err != nil {
		return err
	}

	if fraction >= 0.999 {
		if err := e.store.MarkClosed(pair.ID); err != nil {
			e.logger.Errorf("mark closed %s: %v", pair.ID, err)
		}
	}
	e.registry.MarkExecutionCompleted(pair.Symbol)
	return nil
}

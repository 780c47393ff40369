package reconciler

import (
	"context"

	"github.com/perparb/funding-keeper/internal/models"
	"github.com/perparb/funding-keeper/internal/util"
	"github.com/perparb/funding-keeper/internal/venue"
)

// handleSingleLeg deals with a symbol that has exactly one leg: record the
// state, then try to restore the missing leg on its intended venue.
func (r *Reconciler) handleSingleLeg(ctx context.Context, sym string, g *symbolGroup) {
	var existing venue.Position
	var existingSide venue.Side
	if len(g.longs) == 1 {
		existing = g.longs[0]
		existingSide = venue.Long
	} else {
		existing = g.shorts[0]
		existingSide = venue.Short
	}
	missingSide := existingSide.Opposite()

	r.logger.Warnf("SINGLE-LEG %s: only %s exists on %s (%.6f)", sym, existingSide, existing.Venue, existing.Size)
	r.perf.RecordSingleLeg()

	pair, hasPair := r.store.GetActiveBySymbol(sym)
	if hasPair && pair.Status != models.StatusSingleLeg {
		longFilled := existingSide == venue.Long
		if err := r.store.MarkSingleLeg(pair.ID, longFilled, !longFilled); err != nil {
			r.logger.Errorf("mark single-leg %s: %v", pair.ID, err)
		}
	}

	// Start (or continue) the nuclear timer.
	if existingSide == venue.Long {
		r.imbalances.Observe(sym, 1.0, existing.Venue, "")
	} else {
		r.imbalances.Observe(sym, 1.0, "", existing.Venue)
	}

	if r.retry.isFiltered(sym) {
		return
	}
	r.recoverSingleLeg(ctx, sym, existing, existingSide, missingSide, pair, hasPair)
}

// recoverSingleLeg restores the missing leg. The pairing identity comes
// from persisted intent; funding rates drift, so recomputing "which venue
// is cheapest now" would silently change the trade. Only when no record
// exists does it fall back to picking a candidate venue.
func (r *Reconciler) recoverSingleLeg(ctx context.Context, sym string, existing venue.Position, existingSide, missingSide venue.Side, pair *models.HedgedPair, hasPair bool) {
	var missingVenue venue.ID
	if hasPair {
		missingVenue = pair.VenueFor(missingSide)
	} else {
		missingVenue = r.fallbackVenue(existing.Venue)
		if missingVenue == "" {
			r.logger.Errorf("no candidate venue for %s recovery", sym)
			return
		}
	}

	// Placing both legs on the same venue is not arbitrage. Fail loud.
	if missingVenue == existing.Venue {
		r.logger.Errorf("INVARIANT: recovery for %s would place %s on %s where the %s leg already sits, aborting",
			sym, missingSide, missingVenue, existingSide)
		return
	}

	if r.pendingOrderBlocks(ctx, missingVenue, sym, missingSide) {
		return
	}

	threadID := util.NewThreadID("singleleg")
	r.logger.Infof("Recovering %s: placing %s %.6f on %s", sym, missingSide, existing.Size, missingVenue)
	res, err := r.actions.PlaceLeg(ctx, threadID, missingVenue, sym, missingSide, existing.Size, false)
	if err == nil && res != nil && res.Filled {
		r.logger.Infof("Recovery fill for %s on %s", sym, missingVenue)
		r.retry.clearOnSuccess(sym)
		r.quality.RecordSuccess(sym)
		if hasPair {
			if _, serr := r.store.IncrementRetryCount(pair.ID); serr != nil {
				r.logger.Errorf("increment retry %s: %v", pair.ID, serr)
			}
			if serr := r.store.MarkComplete(pair.ID); serr != nil {
				r.logger.Errorf("mark complete %s: %v", pair.ID, serr)
			}
		}
		r.imbalances.Clear(sym)
		return
	}
	if err != nil {
		r.logger.Warnf("recovery placement for %s failed: %v", sym, err)
	}

	count, exhausted := r.retry.incrementAndCheck(sym, r.cfg.Reconciler.SingleLegMaxRetries)
	if hasPair {
		if _, serr := r.store.IncrementRetryCount(pair.ID); serr != nil {
			r.logger.Errorf("increment retry %s: %v", pair.ID, serr)
		}
	}
	if !exhausted {
		r.logger.Warnf("Recovery attempt %d/%d for %s did not fill", count, r.cfg.Reconciler.SingleLegMaxRetries, sym)
		return
	}

	// Budget exhausted: give up on the opportunity and cut the exposure.
	r.logger.Errorf("Recovery for %s exhausted after %d attempts, closing existing %s leg", sym, count, existingSide)
	r.retry.addToFiltered(sym)
	r.quality.RecordFailure(sym)
	if err := r.actions.CloseLeg(ctx, util.NewThreadID("singleleg-close"), existing.Venue, sym, existingSide, existing.Size); err != nil {
		r.logger.Errorf("close abandoned leg %s on %s: %v", sym, existing.Venue, err)
		return
	}
	if hasPair {
		if err := r.store.MarkClosed(pair.ID); err != nil {
			r.logger.Errorf("mark closed %s: %v", pair.ID, err)
		}
	}
	r.imbalances.Clear(sym)
}

// fallbackVenue picks a recovery venue when no persisted intent exists,
// preferring the canonical high-liquidity venue.
func (r *Reconciler) fallbackVenue(exclude venue.ID) venue.ID {
	for _, v := range venue.AllVenues {
		if v == exclude {
			continue
		}
		if _, ok := r.adapters[v]; ok {
			return v
		}
	}
	return ""
}

// pendingOrderBlocks checks the missing venue for an order that may still
// fill the leg. Young pending orders are waited on; stale ones cancelled.
func (r *Reconciler) pendingOrderBlocks(ctx context.Context, v venue.ID, sym string, side venue.Side) bool {
	adapter, ok := r.adapters[v]
	if !ok {
		return false
	}
	orders, err := adapter.GetOpenOrders(ctx, sym)
	if err != nil {
		r.logger.Debugf("open orders on %s for %s: %v", v, sym, err)
		return false
	}
	blocked := false
	for _, ord := range orders {
		if !util.SameSymbol(ord.Symbol, sym) || ord.Side != side {
			continue
		}
		if ord.Age(timeNow()) < r.cfg.Reconciler.PendingOrderGrace {
			r.logger.Infof("Pending order %s on %s may still fill %s, waiting", ord.ID, v, sym)
			blocked = true
			continue
		}
		r.logger.Warnf("Cancelling stale pending order %s on %s", ord.ID, v)
		if _, cerr := adapter.CancelOrder(ctx, ord.ID, sym); cerr != nil && !venue.IsNotFound(cerr) {
			r.logger.Warnf("cancel %s: %v", ord.ID, cerr)
		}
	}
	return blocked
}

package reconciler

import (
	"context"

	"github.com/perparb/funding-keeper/internal/models"
	"github.com/perparb/funding-keeper/internal/util"
	"github.com/perparb/funding-keeper/internal/venue"
)

// spreadFlipWindow is the horizon over which a negative spread must be
// predicted to recover before the pair is cut.
const spreadFlipWindowHours = 4.0

// TakeProfits runs the 30s profit-take sweep: balanced pairs whose
// combined unrealized PnL clears the threshold get a hedged partial close
// sized by how much of the expected funding income the profit already
// represents.
func (r *Reconciler) TakeProfits(ctx context.Context) {
	for _, pair := range r.store.GetByStatus(models.StatusComplete) {
		if r.inGrace(pair.Symbol) || r.hasActiveOrders(pair.Symbol) {
			continue
		}

		long, longOK := r.cache.GetPosition(pair.LongVenue, pair.Symbol, venue.Long)
		short, shortOK := r.cache.GetPosition(pair.ShortVenue, pair.Symbol, venue.Short)
		if !longOK || !shortOK || !models.LegsBalanced(long.Size, short.Size) {
			continue
		}

		pnl := long.UnrealizedPnL + short.UnrealizedPnL
		if pnl < r.cfg.ProfitTake.MinProfitUSD {
			continue
		}

		spread := r.currentSpread(pair)
		pred, err := r.predictor.PredictSpread(ctx, pair.Symbol, pair.LongVenue, pair.ShortVenue, spread)
		if err != nil {
			r.logger.Debugf("profit-take prediction for %s: %v", pair.Symbol, err)
			continue
		}
		if pred.ReversionHours > r.cfg.ProfitTake.MaxReversionHours {
			continue
		}

		notional := long.NotionalUSD() + short.NotionalUSD()
		if notional <= 0 {
			continue
		}
		profitPct := pnl / notional * 100
		expectedFundingPct := spread * pred.ReversionHours * 100
		if expectedFundingPct <= 0 {
			// Spread already flipped; the spread-flip sweep owns this.
			continue
		}

		fraction := util.Clamp(profitPct/expectedFundingPct, r.cfg.ProfitTake.MinClosePercent, 1.0)
		r.logger.Infof("Profit-take %s: PnL $%.2f (%.2f%%), expected funding %.2f%%, closing %.0f%%",
			pair.Symbol, pnl, profitPct, expectedFundingPct, fraction*100)

		if err := r.actions.PartialClosePair(ctx, util.NewThreadID("profit"), pair, fraction); err != nil {
			r.logger.Errorf("profit-take close %s: %v", pair.Symbol, err)
			continue
		}
		r.perf.RecordFunding(pair.Symbol, pnl*fraction)

		if fraction >= 0.5 {
			r.cooldowns.Register(pair.Symbol, r.cache.MarksFor(pair.Symbol), profitPct, fraction)
			r.logger.Infof("Cooldown registered for %s after %.0f%% close", pair.Symbol, fraction*100)
		}
	}
}

// CheckSpreadFlips runs the 60s exit sweep: a pair whose funding spread
// has gone negative is closed unless the predicted recovery within the
// window pays for both the continued negative carry and the churn of a
// close-and-reopen.
func (r *Reconciler) CheckSpreadFlips(ctx context.Context) {
	for _, pair := range r.store.GetByStatus(models.StatusComplete) {
		if r.inGrace(pair.Symbol) || r.hasActiveOrders(pair.Symbol) {
			continue
		}

		spread := r.currentSpread(pair)
		if spread >= 0 {
			continue
		}

		pred, err := r.predictor.PredictSpread(ctx, pair.Symbol, pair.LongVenue, pair.ShortVenue, spread)
		if err != nil {
			r.logger.Debugf("spread-flip prediction for %s: %v", pair.Symbol, err)
			pred.SpreadPerHour = spread
		}

		// Income if the spread recovers as predicted, vs the carry we eat
		// meanwhile plus the fees of closing and reopening later.
		predictedIncome := pred.SpreadPerHour * spreadFlipWindowHours
		carry := -spread * spreadFlipWindowHours
		churn := r.churnCostFraction(pair)
		if predictedIncome > carry+churn {
			r.logger.Infof("Spread flipped on %s (%.6f/h) but predicted to recover, holding", pair.Symbol, spread)
			continue
		}

		r.logger.Warnf("Spread flip exit %s: spread %.6f/h, predicted %.6f/h over %dh does not cover carry+churn",
			pair.Symbol, spread, pred.SpreadPerHour, int(spreadFlipWindowHours))
		if err := r.actions.PartialClosePair(ctx, util.NewThreadID("spreadflip"), pair, 1.0); err != nil {
			r.logger.Errorf("spread-flip close %s: %v", pair.Symbol, err)
		}
	}
}

// currentSpread returns shortVenueRate - longVenueRate for the pair, zero
// when either rate is missing.
func (r *Reconciler) currentSpread(pair *models.HedgedPair) float64 {
	longRate, ok1 := r.cache.GetFundingRate(pair.LongVenue, pair.Symbol)
	shortRate, ok2 := r.cache.GetFundingRate(pair.ShortVenue, pair.Symbol)
	if !ok1 || !ok2 {
		return 0
	}
	return shortRate - longRate
}

// churnCostFraction is the round-trip close-and-reopen cost for the pair
// as a fraction of notional: taker fees plus expected slippage per leg.
func (r *Reconciler) churnCostFraction(pair *models.HedgedPair) float64 {
	var longCost, shortCost float64
	if vc, ok := r.cfg.VenueFor(pair.LongVenue); ok {
		longCost = vc.TakerFee + vc.SlippagePct
	}
	if vc, ok := r.cfg.VenueFor(pair.ShortVenue); ok {
		shortCost = vc.TakerFee + vc.SlippagePct
	}
	return (longCost + shortCost) * 2
}

// Package keeper is the orchestrator: the hourly main cycle that turns
// ranked opportunities into hedged pairs, plus the rotation, idle-capital,
// leverage-health and wallet-sweep loops.
package keeper

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/perparb/funding-keeper/internal/config"
	"github.com/perparb/funding-keeper/internal/executor"
	"github.com/perparb/funding-keeper/internal/lockreg"
	"github.com/perparb/funding-keeper/internal/market"
	"github.com/perparb/funding-keeper/internal/models"
	"github.com/perparb/funding-keeper/internal/perf"
	"github.com/perparb/funding-keeper/internal/reconciler"
	"github.com/perparb/funding-keeper/internal/store"
	"github.com/perparb/funding-keeper/internal/strategy"
	"github.com/perparb/funding-keeper/internal/util"
	"github.com/perparb/funding-keeper/internal/venue"
)

// idleCapitalMinUSD is the free balance every venue must exceed before the
// idle-capital loop deploys outside the hourly cycle.
const idleCapitalMinUSD = 100

// Keeper drives the strategy.
type Keeper struct {
	cfg       *config.Config
	adapters  venue.Set
	cache     *market.Cache
	store     store.Interface
	registry  *lockreg.Registry
	executor  *executor.Executor
	evaluator *strategy.Evaluator
	recon     *reconciler.Reconciler
	perf      *perf.Tracker
	logger    *logrus.Entry
}

// New wires the orchestrator.
func New(cfg *config.Config, adapters venue.Set, cache *market.Cache, st store.Interface,
	registry *lockreg.Registry, exec *executor.Executor, evaluator *strategy.Evaluator,
	recon *reconciler.Reconciler, tracker *perf.Tracker, logger *logrus.Logger) *Keeper {
	return &Keeper{
		cfg:       cfg,
		adapters:  adapters,
		cache:     cache,
		store:     st,
		registry:  registry,
		executor:  exec,
		evaluator: evaluator,
		recon:     recon,
		perf:      tracker,
		logger:    logger.WithField("component", "keeper"),
	}
}

// RunCycle is one pass of the hourly main cycle. The caller holds the
// global lock.
func (k *Keeper) RunCycle(ctx context.Context, threadID string) {
	k.logger.Infof("Main cycle starting (thread %s)", threadID)

	if err := k.cache.RefreshAll(ctx); err != nil {
		k.logger.Errorf("cycle aborted, market refresh failed: %v", err)
		return
	}
	symbols := k.cfg.Keeper.Symbols
	k.cache.RefreshFunding(ctx, symbols)

	// Settle existing exposure before committing new capital.
	k.recon.ReconcilePositions(ctx)
	k.recon.CheckPairHealth(ctx)

	opps := k.evaluator.FindOpportunities(ctx, symbols, k.cfg.EnabledVenues())
	k.perf.SetEstimatedAPY(strategy.EstimatedAPY(opps, k.cache.TotalEquity()))
	if len(opps) == 0 {
		k.logger.Info("No opportunities this cycle")
	} else {
		k.executeBest(ctx, threadID, opps)
	}

	k.perf.SetOpenPairs(len(k.store.GetByStatus(models.StatusComplete)))
	k.logPortfolio(ctx, threadID)
	k.logger.Info("Main cycle complete")
}

// TriggerCycle runs one cycle on demand, for the dashboard's execute
// endpoint. Fails when the keeper is already busy.
func (k *Keeper) TriggerCycle(ctx context.Context) error {
	threadID := util.NewThreadID("manual")
	if !k.registry.TryAcquireGlobal(threadID, "manual cycle") {
		return fmt.Errorf("keeper busy: global lock held")
	}
	defer k.registry.ReleaseGlobal(threadID)
	k.RunCycle(ctx, threadID)
	return nil
}

// executeBest opens the top-ranked candidate under its symbol lock. One
// open per cycle keeps sizing honest: balances are only re-fetched on the
// next refresh.
func (k *Keeper) executeBest(ctx context.Context, threadID string, opps []strategy.Opportunity) {
	opp := opps[0]
	k.logger.Infof("Best opportunity %s: long %s short %s, spread %.6f/h, $%.0f notional",
		opp.Symbol, opp.LongVenue, opp.ShortVenue, opp.SpreadPerHour, opp.NotionalUSD)

	if !k.registry.TryAcquireSymbol(opp.Symbol, threadID, "open pair") {
		k.logger.Warnf("Symbol %s locked, skipping open", opp.Symbol)
		return
	}
	defer k.registry.ReleaseSymbol(opp.Symbol, threadID)

	pair, err := k.executor.OpenPair(ctx, threadID, opp)
	if err != nil {
		k.logger.Errorf("open %s: %v", opp.Symbol, err)
		return
	}
	k.logger.Infof("Opened pair %s (%s)", pair.ID, pair.Status)
}

// CheckRotation is the 180s sweep: replace a held pair with a strictly
// better candidate when the switch pays for its own churn with hours to
// spare.
func (k *Keeper) CheckRotation(ctx context.Context, threadID string) {
	held := k.store.GetByStatus(models.StatusComplete)
	if len(held) == 0 {
		return
	}
	opps := k.evaluator.FindOpportunities(ctx, k.cfg.Keeper.Symbols, k.cfg.EnabledVenues())
	if len(opps) == 0 {
		return
	}
	cand := opps[0]

	for _, pair := range held {
		if pair.Symbol == cand.Symbol {
			continue
		}
		currentSpread := k.pairSpread(pair)
		currentBE := strategy.BreakEvenHours(k.pairChurnFraction(pair.LongVenue, pair.ShortVenue), currentSpread)
		candBE := strategy.BreakEvenHours(k.pairChurnFraction(cand.LongVenue, cand.ShortVenue), cand.SpreadPerHour)
		churnHours := strategy.ChurnCostHours(k.legCost(pair.LongVenue), k.legCost(pair.ShortVenue), cand.SpreadPerHour)

		if !strategy.ShouldRotate(currentBE, candBE, churnHours, k.cfg.Rotation.MinHoursSaved) {
			continue
		}
		k.logger.Infof("Rotating %s -> %s: break-even %.1fh vs %.1fh + %.1fh churn",
			pair.Symbol, cand.Symbol, currentBE, candBE, churnHours)
		k.rotate(ctx, threadID, pair, cand)
		return
	}
}

// rotate closes the old pair and opens the candidate under both symbol
// locks, taken in lexicographic order so concurrent rotations cannot
// deadlock.
func (k *Keeper) rotate(ctx context.Context, threadID string, old *models.HedgedPair, cand strategy.Opportunity) {
	first, second := old.Symbol, cand.Symbol
	if second < first {
		first, second = second, first
	}
	if !k.registry.TryAcquireSymbol(first, threadID, "rotation") {
		return
	}
	defer k.registry.ReleaseSymbol(first, threadID)
	if !k.registry.TryAcquireSymbol(second, threadID, "rotation") {
		return
	}
	defer k.registry.ReleaseSymbol(second, threadID)

	if err := k.executor.PartialClosePair(ctx, threadID, old, 1.0); err != nil {
		k.logger.Errorf("rotation close %s: %v", old.Symbol, err)
		return
	}
	pair, err := k.executor.OpenPair(ctx, threadID, cand)
	if err != nil {
		k.logger.Errorf("rotation open %s: %v", cand.Symbol, err)
		return
	}
	k.logger.Infof("Rotation complete: %s replaced by %s", old.ID, pair.ID)
}

// DeployIdleCapital is the 120s sweep: when every venue has meaningful
// free balance and the evaluator still has an accepted candidate, open it
// without waiting for the next funding epoch.
func (k *Keeper) DeployIdleCapital(ctx context.Context, threadID string) {
	minFree := math.Inf(1)
	for v := range k.adapters {
		minFree = math.Min(minFree, k.cache.GetBalance(v))
	}
	if minFree < idleCapitalMinUSD {
		return
	}

	opps := k.evaluator.FindOpportunities(ctx, k.cfg.Keeper.Symbols, k.cfg.EnabledVenues())
	if len(opps) == 0 {
		return
	}
	k.logger.Infof("Idle capital $%.0f free per venue, deploying", minFree)
	k.executeBest(ctx, threadID, opps)
}

// CheckLeverage is the 900s health sweep: warn past 1.25x the configured
// leverage, trim the largest pair reduce-only past 1.5x.
func (k *Keeper) CheckLeverage(ctx context.Context, threadID string) {
	target := k.cfg.Keeper.Leverage
	for v := range k.adapters {
		equity := k.cache.GetEquity(v)
		if equity <= 0 {
			continue
		}
		var notional float64
		positions, _ := k.cache.GetPositions(v)
		for _, p := range positions {
			notional += p.NotionalUSD()
		}
		lev := notional / equity
		switch {
		case lev > target*1.5:
			k.logger.Errorf("Leverage %.2fx on %s exceeds 1.5x target %.1fx, trimming", lev, v, target)
			k.trimLargestPair(ctx, threadID, 1-target/lev)
		case lev > target*1.25:
			k.logger.Warnf("Leverage %.2fx on %s exceeds 1.25x target %.1fx", lev, v, target)
		}
	}
}

// trimLargestPair shrinks the biggest balanced pair by the given fraction,
// keeping the hedge intact.
func (k *Keeper) trimLargestPair(ctx context.Context, threadID string, fraction float64) {
	var largest *models.HedgedPair
	var largestNotional float64
	for _, pair := range k.store.GetByStatus(models.StatusComplete) {
		long, ok := k.cache.GetPosition(pair.LongVenue, pair.Symbol, venue.Long)
		if !ok {
			continue
		}
		if n := long.NotionalUSD(); n > largestNotional {
			largest, largestNotional = pair, n
		}
	}
	if largest == nil {
		return
	}
	fraction = util.Clamp(fraction, 0.1, 0.5)
	k.logger.Warnf("Trimming %.0f%% of %s ($%.0f notional)", fraction*100, largest.Symbol, largestNotional)
	if err := k.executor.PartialClosePair(ctx, threadID, largest, fraction); err != nil {
		k.logger.Errorf("leverage trim %s: %v", largest.Symbol, err)
	}
}

// SweepWallets is the balance-polling sweep. Transfers between venues are
// operator-driven; this only reports.
func (k *Keeper) SweepWallets(ctx context.Context, threadID string) {
	for v := range k.adapters {
		k.logger.Infof("Wallet %s: balance $%.2f equity $%.2f stale=%v",
			v, k.cache.GetBalance(v), k.cache.GetEquity(v), k.cache.IsStale(v))
	}
}

// logPortfolio writes the end-of-cycle summary line.
func (k *Keeper) logPortfolio(ctx context.Context, threadID string) {
	summary := k.perf.Summarize(k.cache.TotalEquity())
	k.logger.Infof("Portfolio: equity $%.2f, %d complete pairs, funding captured $%.2f, costs $%.2f, realized APY %.2f%%",
		k.cache.TotalEquity(), len(k.store.GetByStatus(models.StatusComplete)),
		summary.FundingCapturedUSD, summary.TradingCostsUSD, summary.RealizedAPY*100)
}

// pairSpread is the pair's current hourly funding spread from the cache.
func (k *Keeper) pairSpread(pair *models.HedgedPair) float64 {
	longRate, ok1 := k.cache.GetFundingRate(pair.LongVenue, pair.Symbol)
	shortRate, ok2 := k.cache.GetFundingRate(pair.ShortVenue, pair.Symbol)
	if !ok1 || !ok2 {
		return 0
	}
	return shortRate - longRate
}

// legCost is the fractional cost of crossing the spread on one venue:
// taker fee plus expected slippage.
func (k *Keeper) legCost(v venue.ID) float64 {
	if vc, ok := k.cfg.VenueFor(v); ok {
		return vc.TakerFee + vc.SlippagePct
	}
	return 0
}

// pairChurnFraction is the round-trip cost of closing and reopening across
// the two venues, as a fraction of notional.
func (k *Keeper) pairChurnFraction(long, short venue.ID) float64 {
	return (k.legCost(long) + k.legCost(short)) * 2
}

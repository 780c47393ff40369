// Package reconciler compares intended state against each venue's truth
// and drives every recovery path: drift adoption, single-leg recovery,
// imbalance rebalancing, nuclear close, profit-taking and spread-flip
// exits.
package reconciler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/perparb/funding-keeper/internal/config"
	"github.com/perparb/funding-keeper/internal/executor"
	"github.com/perparb/funding-keeper/internal/lockreg"
	"github.com/perparb/funding-keeper/internal/market"
	"github.com/perparb/funding-keeper/internal/models"
	"github.com/perparb/funding-keeper/internal/perf"
	"github.com/perparb/funding-keeper/internal/store"
	"github.com/perparb/funding-keeper/internal/strategy"
	"github.com/perparb/funding-keeper/internal/util"
	"github.com/perparb/funding-keeper/internal/venue"
)

// Imbalance tier thresholds on the relative size gap between legs.
const (
	minorImbalancePct  = 0.05
	mediumImbalancePct = 0.10
)

// Actions is the slice of order execution the reconciler needs,
// implemented by the executor and injected at startup.
type Actions interface {
	PlaceLeg(ctx context.Context, threadID string, v venue.ID, symbol string, side venue.Side, size float64, reduceOnly bool) (*executor.LegResult, error)
	CloseLeg(ctx context.Context, threadID string, v venue.ID, symbol string, side venue.Side, size float64) error
	PartialClosePair(ctx context.Context, threadID string, pair *models.HedgedPair, fraction float64) error
}

// Reconciler is the keeper's core state machine.
type Reconciler struct {
	cfg        *config.Config
	adapters   venue.Set
	cache      *market.Cache
	store      store.Interface
	registry   *lockreg.Registry
	actions    Actions
	cooldowns  *models.CooldownBook
	imbalances *models.ImbalanceTracker
	quality    *strategy.QualityTracker
	predictor  strategy.Predictor
	perf       *perf.Tracker
	logger     *logrus.Entry

	retry *retryState

	// rebalance pacing and nuclear attempt counts per symbol
	lastRebalance   map[string]time.Time
	nuclearAttempts map[string]int
}

// New wires the reconciler.
func New(cfg *config.Config, adapters venue.Set, cache *market.Cache, st store.Interface,
	registry *lockreg.Registry, actions Actions, cooldowns *models.CooldownBook,
	imbalances *models.ImbalanceTracker, quality *strategy.QualityTracker,
	predictor strategy.Predictor, tracker *perf.Tracker, logger *logrus.Logger) *Reconciler {
	entry := logger.WithField("component", "reconciler")
	return &Reconciler{
		cfg:             cfg,
		adapters:        adapters,
		cache:           cache,
		store:           st,
		registry:        registry,
		actions:         actions,
		cooldowns:       cooldowns,
		imbalances:      imbalances,
		quality:         quality,
		predictor:       predictor,
		perf:            tracker,
		logger:          entry,
		retry:           newRetryState(entry),
		lastRebalance:   make(map[string]time.Time),
		nuclearAttempts: make(map[string]int),
	}
}

// FilteredSymbols exposes the given-up-on set for diagnostics.
func (r *Reconciler) FilteredSymbols() []string { return r.retry.filteredSymbols() }

// ReconcilePositions is phase A: fetch truth from every venue and diff it
// against the cache and persisted pairs. Orphans are adopted, phantoms
// removed, drift resolved in the venue's favor.
func (r *Reconciler) ReconcilePositions(ctx context.Context) {
	for id, adapter := range r.adapters {
		actual, err := adapter.GetPositions(ctx)
		if err != nil {
			r.logger.Warnf("phase A skipping %s: %v", id, err)
			continue
		}

		actualByKey := make(map[string]venue.Position)
		for _, p := range venue.FilterDust(actual) {
			p.Symbol = util.NormalizeSymbol(p.Symbol)
			p.Venue = id
			actualByKey[p.Symbol+"/"+string(p.Side)] = p
		}

		cached, _ := r.cache.GetPositions(id)
		cachedByKey := make(map[string]venue.Position)
		for _, p := range cached {
			cachedByKey[p.Symbol+"/"+string(p.Side)] = p
		}

		// ORPHAN: on the venue but not in our cache.
		for key, p := range actualByKey {
			if _, ok := cachedByKey[key]; !ok {
				r.logger.Warnf("ORPHAN %s %s %s size %.6f on %s, adopting", p.Symbol, p.Side, key, p.Size, id)
				r.cache.UpdatePosition(p)
			}
		}

		// PHANTOM: in our cache but gone from the venue.
		for key, p := range cachedByKey {
			if _, ok := actualByKey[key]; ok {
				continue
			}
			if r.inGrace(p.Symbol) {
				continue
			}
			r.logger.Warnf("PHANTOM %s %s on %s, dropping from cache", p.Symbol, p.Side, id)
			r.cache.RemovePosition(id, p.Symbol, p.Side)
			r.closePairIfGone(p.Symbol)
		}

		// DRIFT: both present but sizes diverge beyond tolerance.
		for key, actualPos := range actualByKey {
			cachedPos, ok := cachedByKey[key]
			if !ok {
				continue
			}
			if util.PctDiff(actualPos.Size, cachedPos.Size) > minorImbalancePct {
				r.logger.Warnf("DRIFT %s %s on %s: cached %.6f actual %.6f, adopting venue",
					actualPos.Symbol, actualPos.Side, id, cachedPos.Size, actualPos.Size)
				r.cache.UpdatePosition(actualPos)
			}
		}
	}
}

// closePairIfGone marks a persisted pair CLOSED when neither leg remains
// on any venue.
func (r *Reconciler) closePairIfGone(symbol string) {
	pair, ok := r.store.GetActiveBySymbol(symbol)
	if !ok {
		return
	}
	for _, p := range r.cache.GetAllPositions() {
		if p.Symbol == pair.Symbol {
			return
		}
	}
	r.logger.Infof("Pair %s has no legs left anywhere, marking CLOSED", pair.ID)
	if err := r.store.MarkClosed(pair.ID); err != nil {
		r.logger.Errorf("mark closed %s: %v", pair.ID, err)
	}
	r.imbalances.Clear(pair.Symbol)
}

// symbolGroup is all cached positions for one normalized symbol.
type symbolGroup struct {
	longs  []venue.Position
	shorts []venue.Position
}

func (r *Reconciler) groupBySymbol() map[string]*symbolGroup {
	groups := make(map[string]*symbolGroup)
	for _, p := range r.cache.GetAllPositions() {
		g, ok := groups[p.Symbol]
		if !ok {
			g = &symbolGroup{}
			groups[p.Symbol] = g
		}
		if p.Side == venue.Long {
			g.longs = append(g.longs, p)
		} else {
			g.shorts = append(g.shorts, p)
		}
	}
	return groups
}

// CheckPairHealth is phase B: classify every symbol's hedge configuration
// and dispatch the corrective action.
func (r *Reconciler) CheckPairHealth(ctx context.Context) {
	for sym, g := range r.groupBySymbol() {
		if r.inGrace(sym) {
			continue
		}

		switch {
		case len(g.longs) == 1 && len(g.shorts) == 1 && g.longs[0].Venue != g.shorts[0].Venue:
			r.checkBalanced(ctx, sym, g.longs[0], g.shorts[0])

		case len(g.longs) >= 1 && len(g.shorts) >= 1:
			// Both sides on one venue is not arbitrage. Flagged as fully
			// imbalanced so the nuclear timeout flattens it.
			r.logger.Errorf("Both legs of %s share a venue, flagging for nuclear close", sym)
			r.observeBroken(sym, g)

		case len(g.longs) == 1 || len(g.shorts) == 1:
			r.handleSingleLeg(ctx, sym, g)

		default:
			// More than one position per side is outside the model; log
			// and track so the nuclear path can end it.
			r.logger.Errorf("Unrecognized configuration for %s: %d longs %d shorts", sym, len(g.longs), len(g.shorts))
			r.observeBroken(sym, g)
		}
	}
}

// checkBalanced handles a proper cross-venue pair: verifies the size gap
// and tiers the response.
func (r *Reconciler) checkBalanced(ctx context.Context, sym string, long, short venue.Position) {
	gap := models.ImbalancePct(long.Size, short.Size)
	switch {
	case gap <= minorImbalancePct:
		r.imbalances.Clear(sym)
		r.ensureComplete(sym)
		return
	case gap <= mediumImbalancePct:
		r.logger.Infof("MINOR imbalance %.1f%% on %s, watching", gap*100, sym)
		r.imbalances.Observe(sym, gap, long.Venue, short.Venue)
		return
	case gap <= r.cfg.Reconciler.NuclearImbalancePct:
		r.imbalances.Observe(sym, gap, long.Venue, short.Venue)
		r.maybeRebalance(ctx, sym, long, short, gap, 2*time.Minute)
	default:
		r.imbalances.Observe(sym, gap, long.Venue, short.Venue)
		r.maybeRebalance(ctx, sym, long, short, gap, 3*time.Minute)
	}
}

// ensureComplete flips a persisted pair back to COMPLETE once its legs are
// verified balanced.
func (r *Reconciler) ensureComplete(sym string) {
	pair, ok := r.store.GetActiveBySymbol(sym)
	if !ok || pair.Status == models.StatusComplete {
		return
	}
	r.logger.Infof("Pair %s verified balanced, marking COMPLETE", pair.ID)
	if err := r.store.MarkComplete(pair.ID); err != nil {
		r.logger.Errorf("mark complete %s: %v", pair.ID, err)
	}
	r.retry.clearOnSuccess(sym)
}

// maybeRebalance shrinks the larger leg to match the smaller one, paced
// per symbol.
func (r *Reconciler) maybeRebalance(ctx context.Context, sym string, long, short venue.Position, gap float64, every time.Duration) {
	if time.Since(r.lastRebalance[sym]) < every {
		return
	}
	if r.registry.IsSymbolLocked(sym) || r.hasActiveOrders(sym) {
		return
	}
	r.lastRebalance[sym] = time.Now()
	r.imbalances.IncrementAttempts(sym)

	excess := long.Size - short.Size
	r.logger.Warnf("Rebalancing %s: gap %.1f%% (long %.6f short %.6f)", sym, gap*100, long.Size, short.Size)
	var err error
	if excess > 0 {
		err = r.actions.CloseLeg(ctx, util.NewThreadID("rebalance"), long.Venue, sym, venue.Long, excess)
	} else {
		err = r.actions.CloseLeg(ctx, util.NewThreadID("rebalance"), short.Venue, sym, venue.Short, -excess)
	}
	if err != nil {
		r.logger.Errorf("rebalance %s: %v", sym, err)
	}
}

// observeBroken records an unrecoverable configuration so the nuclear
// timeout can run out on it.
func (r *Reconciler) observeBroken(sym string, g *symbolGroup) {
	longVenue, shortVenue := venue.ID(""), venue.ID("")
	if len(g.longs) > 0 {
		longVenue = g.longs[0].Venue
	}
	if len(g.shorts) > 0 {
		shortVenue = g.shorts[0].Venue
	}
	r.imbalances.Observe(sym, 1.0, longVenue, shortVenue)
}

// hasActiveOrders reports whether any slot is occupied for the symbol.
func (r *Reconciler) hasActiveOrders(symbol string) bool {
	return r.registry.ActiveSymbols()[util.NormalizeSymbol(symbol)]
}

// inGrace reports whether destructive action against the symbol is
// currently forbidden: just-executed cooldown, held symbol lock, or
// in-flight orders.
func (r *Reconciler) inGrace(symbol string) bool {
	return r.registry.InExecutionCooldown(symbol, r.cfg.Keeper.ExecutionCooldown) ||
		r.registry.IsSymbolLocked(symbol)
}

// Package guardian watches in-flight executions: it escalates stuck legs
// of asymmetric fills through progressively aggressive repricing, cleans
// up zombie orders whose executions died, and cancels stale resting
// orders nothing owns anymore.
package guardian

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/perparb/funding-keeper/internal/config"
	"github.com/perparb/funding-keeper/internal/lockreg"
	"github.com/perparb/funding-keeper/internal/util"
	"github.com/perparb/funding-keeper/internal/venue"
)

// Actions is the slice of order execution the guardian needs, implemented
// by the executor.
type Actions interface {
	RepriceOrder(ctx context.Context, ord lockreg.TrackedOrder, pct float64) error
	ForceFill(ctx context.Context, ord lockreg.TrackedOrder) error
}

// Guardian runs the 30s corrective sweep.
type Guardian struct {
	cfg      *config.Config
	registry *lockreg.Registry
	adapters venue.Set
	actions  Actions
	logger   *logrus.Entry

	// repriced remembers the last tier applied per slot so each tier
	// fires once even across cancel-replace order ID changes. The owning
	// thread is recorded with the tier so a later execution landing in
	// the same slot starts over at the gentle tier.
	repriced map[lockreg.SlotKey]tierMark
}

type tier int

type tierMark struct {
	thread string
	level  tier
}

const (
	tierNone tier = iota
	tierImprove
	tierAggressive
)

// New wires the guardian. Actions is injected at startup to break the
// dependency cycle with the orchestrator.
func New(cfg *config.Config, registry *lockreg.Registry, adapters venue.Set, actions Actions, logger *logrus.Logger) *Guardian {
	return &Guardian{
		cfg:      cfg,
		registry: registry,
		adapters: adapters,
		actions:  actions,
		logger:   logger.WithField("component", "guardian"),
		repriced: make(map[lockreg.SlotKey]tierMark),
	}
}

// Sweep runs one corrective pass. Never touches a symbol owned by a
// symbol lock.
func (g *Guardian) Sweep(ctx context.Context) {
	g.pruneRepriced()
	g.sweepAsymmetric(ctx)
	g.sweepZombies(ctx)
}

// pruneRepriced drops tier memory for slots that no longer hold an active
// order, so the next order in the same slot starts from the gentle tier.
func (g *Guardian) pruneRepriced() {
	live := make(map[lockreg.SlotKey]bool)
	for _, ord := range g.registry.GetAllActiveOrders() {
		live[lockreg.SlotKey{Venue: ord.Order.Venue, Symbol: ord.Order.Symbol, Side: ord.Order.Side}] = true
	}
	for key := range g.repriced {
		if !live[key] {
			delete(g.repriced, key)
		}
	}
}

// sweepAsymmetric finds stuck legs: a resting order whose sibling (same
// execution thread) already filled. Corrective action tiers by the stuck
// order's age.
func (g *Guardian) sweepAsymmetric(ctx context.Context) {
	now := time.Now()
	filledThreads := g.threadsWithFill()

	for _, ord := range g.registry.GetAllActiveOrders() {
		if ord.Order.Status != venue.StatusWaitingFill {
			continue
		}
		if g.registry.IsSymbolLocked(ord.Order.Symbol) {
			continue
		}
		if !filledThreads[ord.ThreadID] {
			continue
		}

		key := lockreg.SlotKey{Venue: ord.Order.Venue, Symbol: ord.Order.Symbol, Side: ord.Order.Side}
		mark := g.repriced[key]
		if mark.thread != ord.ThreadID {
			mark = tierMark{thread: ord.ThreadID}
		}
		age := ord.Order.Age(now)
		switch {
		case age < g.cfg.Guardian.MinAge:
			// Young enough to leave alone.
		case age < g.cfg.Guardian.AggressiveAge:
			if mark.level >= tierImprove {
				continue
			}
			g.logger.Infof("Stuck leg %s on %s/%s aged %s, improving price 0.2%%",
				ord.Order.ID, ord.Order.Venue, ord.Order.Symbol, age.Round(time.Second))
			if err := g.actions.RepriceOrder(ctx, ord, 0.002); err != nil {
				g.logger.Warnf("reprice %s: %v", ord.Order.ID, err)
				continue
			}
			g.repriced[key] = tierMark{thread: ord.ThreadID, level: tierImprove}
		case age < g.cfg.Guardian.MarketAge:
			if mark.level >= tierAggressive {
				continue
			}
			g.logger.Warnf("Stuck leg %s on %s/%s aged %s, improving price 0.5%%",
				ord.Order.ID, ord.Order.Venue, ord.Order.Symbol, age.Round(time.Second))
			if err := g.actions.RepriceOrder(ctx, ord, 0.005); err != nil {
				g.logger.Warnf("reprice %s: %v", ord.Order.ID, err)
				continue
			}
			g.repriced[key] = tierMark{thread: ord.ThreadID, level: tierAggressive}
		default:
			g.logger.Warnf("Stuck leg %s on %s/%s aged %s, forcing fill at market",
				ord.Order.ID, ord.Order.Venue, ord.Order.Symbol, age.Round(time.Second))
			if err := g.actions.ForceFill(ctx, ord); err != nil {
				g.logger.Errorf("force fill %s: %v", ord.Order.ID, err)
			}
			delete(g.repriced, key)
		}
	}
}

// threadsWithFill collects execution threads that have at least one filled
// order in recent history.
func (g *Guardian) threadsWithFill() map[string]bool {
	out := make(map[string]bool)
	for _, ord := range g.registry.RecentHistory(64) {
		if ord.Order.Status == venue.StatusFilled {
			out[ord.ThreadID] = true
		}
	}
	return out
}

// sweepZombies verifies and clears tracked orders older than the zombie
// timeout. If the venue still shows the order open it is cancelled; the
// slot is force-cleared either way.
func (g *Guardian) sweepZombies(ctx context.Context) {
	for _, ord := range g.registry.GetOrdersOlderThan(g.cfg.Guardian.ZombieTimeout) {
		if g.registry.IsSymbolLocked(ord.Order.Symbol) {
			continue
		}
		g.logger.Warnf("Zombie order %s on %s/%s aged %s",
			ord.Order.ID, ord.Order.Venue, ord.Order.Symbol, ord.Order.Age(time.Now()).Round(time.Second))

		adapter, ok := g.adapters[ord.Order.Venue]
		if ok && ord.Order.ID != "" {
			status, err := adapter.GetOrderStatus(ctx, ord.Order.ID, ord.Order.Symbol)
			stillOpen := err == nil && !status.Status.IsTerminal()
			if stillOpen {
				if _, cerr := adapter.CancelOrder(ctx, ord.Order.ID, ord.Order.Symbol); cerr != nil && !venue.IsNotFound(cerr) {
					g.logger.Warnf("cancel zombie %s: %v", ord.Order.ID, cerr)
				}
			}
		}
		g.registry.ForceClearOrder(ord.Order.Venue, ord.Order.Symbol, ord.Order.Side)
		delete(g.repriced, lockreg.SlotKey{Venue: ord.Order.Venue, Symbol: ord.Order.Symbol, Side: ord.Order.Side})
	}
}

// SweepStale cancels resting venue orders past the stale-order age that no
// live execution owns. Orders still tracked in a slot belong to the
// asymmetric sweep; symbols under a lock are left alone.
func (g *Guardian) SweepStale(ctx context.Context) {
	active := g.registry.ActiveSymbols()
	now := time.Now()

	for id, adapter := range g.adapters {
		orders, err := adapter.GetOpenOrders(ctx, "")
		if err != nil {
			g.logger.Debugf("open orders on %s: %v", id, err)
			continue
		}
		for _, ord := range orders {
			sym := util.NormalizeSymbol(ord.Symbol)
			if ord.Age(now) < g.cfg.Guardian.StaleOrderAge {
				continue
			}
			if g.registry.IsSymbolLocked(sym) || active[sym] {
				continue
			}
			g.logger.Warnf("Stale order %s on %s/%s aged %s, cancelling",
				ord.ID, id, sym, ord.Age(now).Round(time.Second))
			if _, cerr := adapter.CancelOrder(ctx, ord.ID, ord.Symbol); cerr != nil && !venue.IsNotFound(cerr) {
				g.logger.Warnf("cancel stale %s: %v", ord.ID, cerr)
			}
		}
	}
}

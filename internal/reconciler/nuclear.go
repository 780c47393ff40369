package reconciler

import (
	"context"
	"time"

	"github.com/perparb/funding-keeper/internal/util"
)

var timeNow = time.Now

// CheckNuclear runs the nuclear-timeout sweep: any symbol whose broken
// state has persisted past the timeout, with no lock, no in-flight orders
// and no fresh execution, gets flattened outright. The only sanctioned
// exit from an unrecoverable state.
func (r *Reconciler) CheckNuclear(ctx context.Context) {
	now := timeNow()
	for _, rec := range r.imbalances.Snapshot() {
		sym := rec.Symbol
		persisted := now.Sub(rec.FirstDetectedAt)
		if persisted < r.cfg.Reconciler.NuclearTimeout {
			continue
		}
		if r.nuclearAttempts[sym] >= r.cfg.Reconciler.NuclearMaxAttempts {
			r.logger.Errorf("%s exceeded %d nuclear attempts, manual intervention required", sym, r.cfg.Reconciler.NuclearMaxAttempts)
			continue
		}

		// Safety gates: never race an in-flight execution.
		if r.registry.IsSymbolLocked(sym) {
			r.logger.Debugf("nuclear %s deferred: symbol locked", sym)
			continue
		}
		if r.hasActiveOrders(sym) {
			r.logger.Debugf("nuclear %s deferred: active orders", sym)
			continue
		}
		if r.registry.InExecutionCooldown(sym, r.cfg.Keeper.ExecutionCooldown) {
			r.logger.Debugf("nuclear %s deferred: execution cooldown", sym)
			continue
		}

		r.logger.Errorf("NUCLEAR CLOSE %s: broken for %s (imbalance %.0f%%)", sym, persisted.Round(time.Second), rec.LastImbalance*100)
		r.nuclearClose(ctx, sym)
	}
}

// nuclearClose cancels everything resting for the symbol, then closes
// every leg reduce-only at market.
func (r *Reconciler) nuclearClose(ctx context.Context, sym string) {
	threadID := util.NewThreadID("nuclear")
	r.nuclearAttempts[sym]++

	// Cancel any resting orders first so closes cannot cross them.
	for id, adapter := range r.adapters {
		if err := adapter.CancelAllOrders(ctx, sym); err != nil {
			r.logger.Warnf("cancel all %s orders on %s: %v", sym, id, err)
		}
	}

	closedAll := true
	for _, p := range r.cache.GetAllPositions() {
		if p.Symbol != sym {
			continue
		}
		if err := r.actions.CloseLeg(ctx, threadID, p.Venue, sym, p.Side, p.Size); err != nil {
			r.logger.Errorf("nuclear close %s %s on %s: %v", sym, p.Side, p.Venue, err)
			closedAll = false
		}
	}
	if !closedAll {
		r.imbalances.IncrementAttempts(sym)
		return
	}

	r.perf.RecordNuclearClose()
	r.imbalances.Clear(sym)
	delete(r.nuclearAttempts, sym)
	if pair, ok := r.store.GetActiveBySymbol(sym); ok {
		if err := r.store.MarkClosed(pair.ID); err != nil {
			r.logger.Errorf("mark closed %s: %v", pair.ID, err)
		}
	}
	r.logger.Warnf("Nuclear close of %s done", sym)
}

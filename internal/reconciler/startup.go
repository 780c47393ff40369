package reconciler

import (
	"context"
	"fmt"

	"github.com/perparb/funding-keeper/internal/models"
	"github.com/perparb/funding-keeper/internal/venue"
)

// closedRetentionDays is how long CLOSED pair records are kept for
// inspection before cleanup.
const closedRetentionDays = 7

// Replay reconciles the persisted book against venue truth on startup.
// Every active record is re-derived from what actually exists; stale
// CLOSED records are dropped. Must complete before the main cycle starts.
func (r *Reconciler) Replay(ctx context.Context) error {
	if err := r.cache.RefreshAll(ctx); err != nil {
		return fmt.Errorf("startup refresh: %w", err)
	}

	active := r.store.GetActive()
	r.logger.Infof("Replaying %d persisted pairs against venue state", len(active))

	for _, pair := range active {
		longPos, longOK := r.cache.GetPosition(pair.LongVenue, pair.Symbol, venue.Long)
		shortPos, shortOK := r.cache.GetPosition(pair.ShortVenue, pair.Symbol, venue.Short)

		var err error
		switch {
		case longOK && shortOK:
			// Imbalance between present legs is the live reconciler's
			// job; replay only settles which legs exist.
			if !models.LegsBalanced(longPos.Size, shortPos.Size) {
				r.logger.Warnf("Replay: %s legs imbalanced (%.6f vs %.6f)", pair.ID, longPos.Size, shortPos.Size)
			}
			if pair.Status != models.StatusComplete {
				r.logger.Infof("Replay: %s has both legs, marking COMPLETE", pair.ID)
				err = r.store.MarkComplete(pair.ID)
			}
		case longOK || shortOK:
			r.logger.Warnf("Replay: %s has one leg (long=%v short=%v), marking SINGLE_LEG", pair.ID, longOK, shortOK)
			err = r.store.MarkSingleLeg(pair.ID, longOK, shortOK)
		default:
			r.logger.Infof("Replay: %s has no legs, marking CLOSED", pair.ID)
			err = r.store.MarkClosed(pair.ID)
		}
		if err != nil {
			r.logger.Errorf("replay update %s: %v", pair.ID, err)
		}
	}

	if removed, err := r.store.CleanupOldPositions(closedRetentionDays); err != nil {
		r.logger.Warnf("cleanup old positions: %v", err)
	} else if removed > 0 {
		r.logger.Infof("Dropped %d closed pairs older than %d days", removed, closedRetentionDays)
	}
	return nil
}

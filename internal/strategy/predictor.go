// Package strategy ranks funding-spread opportunities, filters them through
// the blacklists and cooldowns, and decides when rotating an existing pair
// into a better one pays for its churn.
package strategy

import (
	"context"

	"github.com/perparb/funding-keeper/internal/venue"
)

// Prediction is the spread model's view of one venue pairing.
type Prediction struct {
	// SpreadPerHour is the predicted hourly funding spread (short rate
	// minus long rate) over the reversion horizon.
	SpreadPerHour float64
	// ReversionHours is the expected time for the spread to mean-revert.
	ReversionHours float64
	// Confidence in [0, 1]; used as a ranking tie-breaker.
	Confidence float64
}

// Predictor is the external spread-prediction service.
type Predictor interface {
	PredictSpread(ctx context.Context, symbol string, longVenue, shortVenue venue.ID, currentSpread float64) (Prediction, error)
}

// PersistencePredictor is the fallback model: the current spread persists
// and mean-reverts over a fixed horizon with modest confidence.
type PersistencePredictor struct {
	// Horizon defaults to 24h when zero.
	Horizon float64
}

var _ Predictor = (*PersistencePredictor)(nil)

func (p *PersistencePredictor) PredictSpread(_ context.Context, _ string, _, _ venue.ID, currentSpread float64) (Prediction, error) {
	horizon := p.Horizon
	if horizon == 0 {
		horizon = 24
	}
	return Prediction{
		SpreadPerHour:  currentSpread,
		ReversionHours: horizon,
		Confidence:     0.5,
	}, nil
}

// Package store persists hedged-pair intent as a JSON file with atomic
// writes, so the keeper can replay its book against venue truth after a
// restart.
package store

import (
	"github.com/perparb/funding-keeper/internal/models"
)

// Interface is the position-state store contract the supervisors depend on.
type Interface interface {
	// Save inserts a new pair record. Saving an existing ID is an error.
	Save(pair *models.HedgedPair) error
	// Update applies mutate to the stored record under the store lock and
	// persists the result. Status changes are validated against the
	// transition table.
	Update(id string, mutate func(*models.HedgedPair)) error
	// Get returns a copy of the record, or false.
	Get(id string) (*models.HedgedPair, bool)
	// GetAll returns copies of every record.
	GetAll() []*models.HedgedPair
	// GetByStatus returns copies of records in the given status.
	GetByStatus(status models.PairStatus) []*models.HedgedPair
	// GetActive returns copies of every record not CLOSED.
	GetActive() []*models.HedgedPair
	// GetActiveBySymbol returns the most recent active record for a
	// normalized symbol, or false.
	GetActiveBySymbol(symbol string) (*models.HedgedPair, bool)

	MarkComplete(id string) error
	MarkSingleLeg(id string, longFilled, shortFilled bool) error
	MarkClosed(id string) error
	IncrementRetryCount(id string) (int, error)

	Delete(id string) error
	// CleanupOldPositions removes CLOSED records older than the given
	// number of days and returns how many were dropped.
	CleanupOldPositions(days int) (int, error)
}

package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perparb/funding-keeper/internal/models"
	"github.com/perparb/funding-keeper/internal/venue"
)

func newTestStore(t *testing.T) (*JSONStore, string) {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s, err := NewJSONStore(dir, logger)
	require.NoError(t, err)
	return s, dir
}

func TestSaveAndGet(t *testing.T) {
	s, _ := newTestStore(t)

	p := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1.5)
	require.NoError(t, s.Save(p))

	got, ok := s.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, p.Symbol, got.Symbol)
	assert.Equal(t, p.IntendedSize, got.IntendedSize)
	assert.Equal(t, models.StatusPending, got.Status)

	// Duplicate IDs are rejected.
	assert.Error(t, s.Save(p))
}

func TestRoundTripThroughDisk(t *testing.T) {
	s, dir := newTestStore(t)

	p := models.NewHedgedPair("BTC", venue.Lighter, venue.Aster, 0.25)
	require.NoError(t, s.Save(p))
	require.NoError(t, s.MarkComplete(p.ID))

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	reloaded, err := NewJSONStore(dir, logger)
	require.NoError(t, err)

	got, ok := reloaded.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "BTC", got.Symbol)
	assert.Equal(t, venue.Lighter, got.LongVenue)
	assert.Equal(t, venue.Aster, got.ShortVenue)
	assert.Equal(t, 0.25, got.IntendedSize)
	assert.Equal(t, models.StatusComplete, got.Status)
	assert.True(t, got.LongFilled)
	assert.True(t, got.ShortFilled)
	assert.True(t, p.CreatedAt.Equal(got.CreatedAt))
}

func TestNoTempFileLeftBehind(t *testing.T) {
	s, dir := newTestStore(t)
	p := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	require.NoError(t, s.Save(p))

	_, err := os.Stat(filepath.Join(dir, "positions.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "positions.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestStatusTransitionsEnforced(t *testing.T) {
	s, _ := newTestStore(t)
	p := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	require.NoError(t, s.Save(p))

	require.NoError(t, s.MarkSingleLeg(p.ID, true, false))
	require.NoError(t, s.MarkComplete(p.ID))
	require.NoError(t, s.MarkClosed(p.ID))

	// CLOSED is terminal.
	err := s.MarkComplete(p.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid status transition")

	got, _ := s.Get(p.ID)
	assert.Equal(t, models.StatusClosed, got.Status)
}

func TestRejectedUpdateLeavesRecordUntouched(t *testing.T) {
	s, _ := newTestStore(t)
	p := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	require.NoError(t, s.Save(p))
	require.NoError(t, s.MarkClosed(p.ID))

	err := s.Update(p.ID, func(pair *models.HedgedPair) {
		pair.Status = models.StatusComplete
		pair.RetryCount = 99
		pair.LongFilled = true
	})
	require.Error(t, err)

	got, ok := s.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Zero(t, got.RetryCount, "side mutations roll back with the bad transition")
	assert.False(t, got.LongFilled)
}

func TestGetActiveAndByStatus(t *testing.T) {
	s, _ := newTestStore(t)

	a := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	b := models.NewHedgedPair("BTC", venue.Hyperliquid, venue.Aster, 1)
	c := models.NewHedgedPair("SOL", venue.Lighter, venue.Aster, 1)
	for _, p := range []*models.HedgedPair{a, b, c} {
		require.NoError(t, s.Save(p))
	}
	require.NoError(t, s.MarkComplete(b.ID))
	require.NoError(t, s.MarkClosed(c.ID))

	assert.Len(t, s.GetActive(), 2)
	assert.Len(t, s.GetByStatus(models.StatusPending), 1)
	assert.Len(t, s.GetByStatus(models.StatusComplete), 1)
	assert.Len(t, s.GetByStatus(models.StatusClosed), 1)

	got, ok := s.GetActiveBySymbol("btc-perp")
	require.True(t, ok)
	assert.Equal(t, b.ID, got.ID)

	_, ok = s.GetActiveBySymbol("SOL")
	assert.False(t, ok, "closed pairs are not active")
}

func TestIncrementRetryCount(t *testing.T) {
	s, _ := newTestStore(t)
	p := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	require.NoError(t, s.Save(p))

	n, err := s.IncrementRetryCount(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementRetryCount(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.IncrementRetryCount("missing")
	assert.Error(t, err)
}

func TestCleanupOldPositions(t *testing.T) {
	s, _ := newTestStore(t)

	old := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	recent := models.NewHedgedPair("BTC", venue.Hyperliquid, venue.Lighter, 1)
	require.NoError(t, s.Save(old))
	require.NoError(t, s.Save(recent))
	require.NoError(t, s.MarkClosed(old.ID))
	require.NoError(t, s.MarkClosed(recent.ID))

	// Age the first record past the cutoff.
	s.mu.Lock()
	s.pairs[old.ID].UpdatedAt = time.Now().UTC().AddDate(0, 0, -10)
	s.mu.Unlock()

	removed, err := s.CleanupOldPositions(7)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := s.Get(old.ID)
	assert.False(t, ok)
	_, ok = s.Get(recent.ID)
	assert.True(t, ok)
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	p := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	require.NoError(t, s.Save(p))

	require.NoError(t, s.Delete(p.ID))
	_, ok := s.Get(p.ID)
	assert.False(t, ok)
	assert.Error(t, s.Delete(p.ID))
}

package market

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perparb/funding-keeper/internal/venue"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestRefreshAllFiltersDustAndNormalizes(t *testing.T) {
	hl := venue.NewMock(venue.Hyperliquid)
	hl.SetPosition(venue.Position{Symbol: "ETH-PERP", Side: venue.Long, Size: 1.5, MarkPrice: 3000})
	hl.SetPosition(venue.Position{Symbol: "DOGEUSDT", Side: venue.Long, Size: 0.00005, MarkPrice: 0.1})

	c := NewCache(venue.Set{venue.Hyperliquid: hl}, testLogger())
	require.NoError(t, c.RefreshAll(context.Background()))

	positions := c.GetAllPositions()
	require.Len(t, positions, 1, "dust positions are filtered")
	assert.Equal(t, "ETH", positions[0].Symbol, "symbols are normalized on write")
	assert.False(t, c.IsStale(venue.Hyperliquid))
}

func TestRefreshAllPartialFailureDegradesToStale(t *testing.T) {
	hl := venue.NewMock(venue.Hyperliquid)
	hl.SetPosition(venue.Position{Symbol: "ETH", Side: venue.Long, Size: 1, MarkPrice: 3000})
	lt := venue.NewMock(venue.Lighter)
	lt.SetPosition(venue.Position{Symbol: "ETH", Side: venue.Short, Size: 1, MarkPrice: 3000})

	c := NewCache(venue.Set{venue.Hyperliquid: hl, venue.Lighter: lt}, testLogger())
	require.NoError(t, c.RefreshAll(context.Background()))
	require.Len(t, c.GetAllPositions(), 2)

	// Lighter goes down: its previous snapshot survives, flagged stale.
	lt.Err = errors.New("down")
	require.NoError(t, c.RefreshAll(context.Background()))

	assert.True(t, c.IsStale(venue.Lighter))
	assert.False(t, c.IsStale(venue.Hyperliquid))
	positions, stale := c.GetPositions(venue.Lighter)
	assert.True(t, stale)
	assert.Len(t, positions, 1, "stale data is kept, not dropped")

	// Everything down: refresh reports failure.
	hl.Err = errors.New("down")
	assert.Error(t, c.RefreshAll(context.Background()))
}

func TestUpdateAndRemovePosition(t *testing.T) {
	c := NewCache(venue.Set{}, testLogger())

	c.UpdatePosition(venue.Position{Venue: venue.Aster, Symbol: "sol-perp", Side: venue.Long, Size: 10, MarkPrice: 150})
	p, ok := c.GetPosition(venue.Aster, "SOL", venue.Long)
	require.True(t, ok)
	assert.Equal(t, 10.0, p.Size)

	// Replacing in place.
	c.UpdatePosition(venue.Position{Venue: venue.Aster, Symbol: "SOL", Side: venue.Long, Size: 8, MarkPrice: 150})
	p, _ = c.GetPosition(venue.Aster, "SOL", venue.Long)
	assert.Equal(t, 8.0, p.Size)
	assert.Len(t, c.GetAllPositions(), 1)

	// A dust update removes instead.
	c.UpdatePosition(venue.Position{Venue: venue.Aster, Symbol: "SOL", Side: venue.Long, Size: 0.00001})
	_, ok = c.GetPosition(venue.Aster, "SOL", venue.Long)
	assert.False(t, ok)

	c.UpdatePosition(venue.Position{Venue: venue.Aster, Symbol: "SOL", Side: venue.Short, Size: 5, MarkPrice: 150})
	c.RemovePosition(venue.Aster, "solusdt", venue.Short)
	assert.Empty(t, c.GetAllPositions())
}

func TestMarkPriceFallsBackToAdapter(t *testing.T) {
	hl := venue.NewMock(venue.Hyperliquid)
	hl.SetMarkPrice("ETH", 3123)
	c := NewCache(venue.Set{venue.Hyperliquid: hl}, testLogger())

	mark, err := c.GetMarkPrice(context.Background(), venue.Hyperliquid, "ETH-PERP")
	require.NoError(t, err)
	assert.Equal(t, 3123.0, mark)

	// Second read hits the cache even if the adapter changes.
	hl.SetMarkPrice("ETH", 9999)
	mark, err = c.GetMarkPrice(context.Background(), venue.Hyperliquid, "ETH")
	require.NoError(t, err)
	assert.Equal(t, 3123.0, mark)
}

func TestRefreshFundingAndMarksFor(t *testing.T) {
	hl := venue.NewMock(venue.Hyperliquid)
	hl.SetFundingRate("ETH", 0.00005)
	lt := venue.NewMock(venue.Lighter)
	lt.SetFundingRate("ETH", 0.00015)

	c := NewCache(venue.Set{venue.Hyperliquid: hl, venue.Lighter: lt}, testLogger())
	c.RefreshFunding(context.Background(), []string{"ETH-PERP"})

	r, ok := c.GetFundingRate(venue.Hyperliquid, "ETH")
	require.True(t, ok)
	assert.Equal(t, 0.00005, r)
	r, ok = c.GetFundingRate(venue.Lighter, "ETH")
	require.True(t, ok)
	assert.Equal(t, 0.00015, r)

	c.SetMarkPrice(venue.Hyperliquid, "ETH", 3000)
	c.SetMarkPrice(venue.Lighter, "ETH", 3001)
	marks := c.MarksFor("eth")
	assert.Equal(t, 3000.0, marks[venue.Hyperliquid])
	assert.Equal(t, 3001.0, marks[venue.Lighter])
}

func TestTotalEquitySkipsStaleVenues(t *testing.T) {
	hl := venue.NewMock(venue.Hyperliquid)
	hl.Equity = 5000
	lt := venue.NewMock(venue.Lighter)
	lt.Equity = 3000

	c := NewCache(venue.Set{venue.Hyperliquid: hl, venue.Lighter: lt}, testLogger())
	require.NoError(t, c.RefreshAll(context.Background()))
	assert.Equal(t, 8000.0, c.TotalEquity())

	lt.Err = errors.New("down")
	require.NoError(t, c.RefreshAll(context.Background()))
	assert.Equal(t, 5000.0, c.TotalEquity())
}

package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perparb/funding-keeper/internal/config"
	"github.com/perparb/funding-keeper/internal/executor"
	"github.com/perparb/funding-keeper/internal/lockreg"
	"github.com/perparb/funding-keeper/internal/market"
	"github.com/perparb/funding-keeper/internal/models"
	"github.com/perparb/funding-keeper/internal/perf"
	"github.com/perparb/funding-keeper/internal/store"
	"github.com/perparb/funding-keeper/internal/strategy"
	"github.com/perparb/funding-keeper/internal/venue"
)

// stubPredictor returns a fixed prediction.
type stubPredictor struct {
	pred strategy.Prediction
}

func (s *stubPredictor) PredictSpread(context.Context, string, venue.ID, venue.ID, float64) (strategy.Prediction, error) {
	return s.pred, nil
}

type reconFixture struct {
	cfg        *config.Config
	hl         *venue.Mock
	lt         *venue.Mock
	cache      *market.Cache
	store      *store.JSONStore
	registry   *lockreg.Registry
	cooldowns  *models.CooldownBook
	imbalances *models.ImbalanceTracker
	predictor  *stubPredictor
	recon      *Reconciler
}

func newReconFixture(t *testing.T) *reconFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cfg := &config.Config{}
	cfg.Reconciler.NuclearImbalancePct = 0.30
	cfg.Reconciler.NuclearTimeout = time.Hour
	cfg.Reconciler.NuclearMaxAttempts = 3
	cfg.Reconciler.SingleLegMaxRetries = 2
	cfg.Reconciler.PendingOrderGrace = 5 * time.Minute
	cfg.Reconciler.MaxBackoffDelay = 5 * time.Millisecond
	cfg.Reconciler.FillMaxRetries = 2
	cfg.ProfitTake.MinProfitUSD = 10
	cfg.ProfitTake.MinClosePercent = 0.25
	cfg.ProfitTake.MaxReversionHours = 168
	cfg.ProfitTake.CooldownDuration = time.Hour
	cfg.Venues = map[string]config.VenueConfig{
		"hyperliquid": {Enabled: true, TakerFee: 0.00035, MakerFee: 0.0001},
		"lighter":     {Enabled: true, TakerFee: 0.0002, MakerFee: 0.0001},
	}

	hl := venue.NewMock(venue.Hyperliquid)
	lt := venue.NewMock(venue.Lighter)
	hl.SetMarkPrice("ETH", 3000)
	lt.SetMarkPrice("ETH", 3000)
	adapters := venue.Set{venue.Hyperliquid: hl, venue.Lighter: lt}

	cache := market.NewCache(adapters, logger)
	st, err := store.NewJSONStore(t.TempDir(), logger)
	require.NoError(t, err)
	registry := lockreg.New(logger)
	tracker := perf.NewTracker(prometheus.NewRegistry(), logger)

	exec := executor.New(cfg, adapters, registry, cache, st, tracker, logger)
	cooldowns := models.NewCooldownBook()
	imbalances := models.NewImbalanceTracker()
	quality := strategy.NewQualityTracker(3, time.Hour, logger)
	predictor := &stubPredictor{pred: strategy.Prediction{SpreadPerHour: 0.0001, ReversionHours: 24, Confidence: 0.5}}

	recon := New(cfg, adapters, cache, st, registry, exec, cooldowns, imbalances, quality, predictor, tracker, logger)
	return &reconFixture{
		cfg: cfg, hl: hl, lt: lt, cache: cache, store: st, registry: registry,
		cooldowns: cooldowns, imbalances: imbalances, predictor: predictor, recon: recon,
	}
}

func (f *reconFixture) cachePosition(v venue.ID, sym string, side venue.Side, size, mark, pnl float64) {
	f.cache.UpdatePosition(venue.Position{
		Venue: v, Symbol: sym, Side: side, Size: size, MarkPrice: mark, UnrealizedPnL: pnl,
	})
}

func (f *reconFixture) seedFunding(t *testing.T, sym string, hlRate, ltRate float64) {
	t.Helper()
	f.hl.SetFundingRate(sym, hlRate)
	f.lt.SetFundingRate(sym, ltRate)
	f.cache.RefreshFunding(context.Background(), []string{sym})
}

func TestPhaseAOrphanAdopted(t *testing.T) {
	f := newReconFixture(t)
	f.hl.SetPosition(venue.Position{Symbol: "ETH", Side: venue.Long, Size: 1, MarkPrice: 3000})

	f.recon.ReconcilePositions(context.Background())

	_, ok := f.cache.GetPosition(venue.Hyperliquid, "ETH", venue.Long)
	assert.True(t, ok, "venue position adopted into cache")
}

func TestPhaseAPhantomRemovedAndPairClosed(t *testing.T) {
	f := newReconFixture(t)
	pair := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	require.NoError(t, f.store.Save(pair))
	f.cachePosition(venue.Hyperliquid, "ETH", venue.Long, 1, 3000, 0)

	// The venue shows nothing: phantom.
	f.recon.ReconcilePositions(context.Background())

	_, ok := f.cache.GetPosition(venue.Hyperliquid, "ETH", venue.Long)
	assert.False(t, ok)
	stored, _ := f.store.Get(pair.ID)
	assert.Equal(t, models.StatusClosed, stored.Status, "pair with no legs anywhere closes")
}

func TestPhaseADriftAdoptsVenueSize(t *testing.T) {
	f := newReconFixture(t)
	f.hl.SetPosition(venue.Position{Symbol: "ETH", Side: venue.Long, Size: 0.8, MarkPrice: 3000})
	f.cachePosition(venue.Hyperliquid, "ETH", venue.Long, 1.0, 3000, 0)

	f.recon.ReconcilePositions(context.Background())

	p, ok := f.cache.GetPosition(venue.Hyperliquid, "ETH", venue.Long)
	require.True(t, ok)
	assert.Equal(t, 0.8, p.Size, "venue truth wins on drift")
}

func TestSingleLegRecoveryFills(t *testing.T) {
	f := newReconFixture(t)
	pair := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	require.NoError(t, f.store.Save(pair))

	// Only the long leg exists.
	f.cachePosition(venue.Hyperliquid, "ETH", venue.Long, 1, 3000, 0)

	f.recon.CheckPairHealth(context.Background())

	stored, _ := f.store.Get(pair.ID)
	assert.Equal(t, models.StatusComplete, stored.Status, "replacement short restores the pair")
	assert.Greater(t, stored.RetryCount, 0)
	assert.True(t, stored.LongFilled)
	assert.True(t, stored.ShortFilled)

	// The replacement went to the intended short venue.
	require.NotEmpty(t, f.lt.PlacedOrders)
	assert.Equal(t, venue.Short, f.lt.PlacedOrders[0].Side)
	assert.Equal(t, venue.Limit, f.lt.PlacedOrders[0].Type)
	assert.Empty(t, f.hl.PlacedOrders, "existing leg untouched")

	_, tracked := f.imbalances.Get("ETH")
	assert.False(t, tracked, "nuclear timer cleared on recovery")
}

func TestSingleLegRecoveryNeverSameVenue(t *testing.T) {
	f := newReconFixture(t)
	// Corrupted intent: both venues the same.
	pair := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Hyperliquid, 1)
	require.NoError(t, f.store.Save(pair))
	f.cachePosition(venue.Hyperliquid, "ETH", venue.Long, 1, 3000, 0)

	f.recon.CheckPairHealth(context.Background())

	assert.Empty(t, f.hl.PlacedOrders, "recovery must abort rather than stack legs on one venue")
	assert.Empty(t, f.lt.PlacedOrders)
}

func TestSingleLegRecoveryExhaustionClosesLeg(t *testing.T) {
	f := newReconFixture(t)
	f.lt.FillMode = venue.FillReject

	pair := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	require.NoError(t, f.store.Save(pair))
	f.cachePosition(venue.Hyperliquid, "ETH", venue.Long, 1, 3000, 0)
	f.hl.SetPosition(venue.Position{Symbol: "ETH", Side: venue.Long, Size: 1, MarkPrice: 3000})

	// Two sweeps burn the two-retry budget.
	f.recon.CheckPairHealth(context.Background())
	f.recon.CheckPairHealth(context.Background())

	stored, _ := f.store.Get(pair.ID)
	assert.Equal(t, models.StatusClosed, stored.Status)
	assert.Contains(t, f.recon.FilteredSymbols(), "ETH")

	// The abandoned long was cut at market.
	require.NotEmpty(t, f.hl.PlacedOrders)
	last := f.hl.PlacedOrders[len(f.hl.PlacedOrders)-1]
	assert.Equal(t, venue.Market, last.Type)
	assert.True(t, last.ReduceOnly)
	assert.Equal(t, venue.Short, last.Side)

	// Further sweeps leave the filtered symbol alone.
	placed := len(f.lt.PlacedOrders)
	f.recon.CheckPairHealth(context.Background())
	assert.Len(t, f.lt.PlacedOrders, placed)
}

func TestPendingOrderBlocksRecovery(t *testing.T) {
	f := newReconFixture(t)
	pair := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	require.NoError(t, f.store.Save(pair))
	f.cachePosition(venue.Hyperliquid, "ETH", venue.Long, 1, 3000, 0)

	// A young resting short already sits on the missing venue.
	f.lt.FillMode = venue.FillNever
	_, err := f.lt.PlaceOrder(context.Background(), venue.OrderRequest{
		Symbol: "ETH", Side: venue.Short, Type: venue.Limit, Size: 1, Price: 3000, TimeInForce: venue.GTC,
	})
	require.NoError(t, err)
	placed := len(f.lt.PlacedOrders)

	f.recon.CheckPairHealth(context.Background())
	assert.Len(t, f.lt.PlacedOrders, placed, "no new order while a pending one may fill")
}

func TestNuclearCloseAfterTimeout(t *testing.T) {
	f := newReconFixture(t)
	f.cfg.Reconciler.NuclearTimeout = 0 // every tracked record is overdue

	pair := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	require.NoError(t, f.store.Save(pair))
	f.cachePosition(venue.Hyperliquid, "ETH", venue.Long, 1, 3000, 0)
	f.imbalances.Observe("ETH", 1.0, venue.Hyperliquid, "")

	f.recon.CheckNuclear(context.Background())

	// The lone leg was closed reduce-only at market.
	require.NotEmpty(t, f.hl.PlacedOrders)
	req := f.hl.PlacedOrders[0]
	assert.Equal(t, venue.Market, req.Type)
	assert.Equal(t, venue.IOC, req.TimeInForce)
	assert.True(t, req.ReduceOnly)

	stored, _ := f.store.Get(pair.ID)
	assert.Equal(t, models.StatusClosed, stored.Status)
	_, tracked := f.imbalances.Get("ETH")
	assert.False(t, tracked)
}

func TestNuclearDeferredBySafetyGates(t *testing.T) {
	f := newReconFixture(t)
	f.cfg.Reconciler.NuclearTimeout = 0
	f.cachePosition(venue.Hyperliquid, "ETH", venue.Long, 1, 3000, 0)
	f.imbalances.Observe("ETH", 1.0, venue.Hyperliquid, "")

	require.True(t, f.registry.TryAcquireSymbol("ETH", "exec", "open"))
	f.recon.CheckNuclear(context.Background())
	assert.Empty(t, f.hl.PlacedOrders, "symbol lock defers nuclear")
	f.registry.ReleaseSymbol("ETH", "exec")

	require.NoError(t, f.registry.RegisterOrderPlacing("o1", venue.Lighter, "ETH", venue.Short, "t1", 1, 3000))
	f.recon.CheckNuclear(context.Background())
	assert.Empty(t, f.hl.PlacedOrders, "active orders defer nuclear")
}

func TestSameVenueLegsFlaggedForNuclear(t *testing.T) {
	f := newReconFixture(t)
	f.cachePosition(venue.Hyperliquid, "ETH", venue.Long, 1, 3000, 0)
	f.cachePosition(venue.Hyperliquid, "ETH", venue.Short, 1, 3000, 0)

	f.recon.CheckPairHealth(context.Background())
	assert.Empty(t, f.hl.PlacedOrders, "health sweep itself places nothing")
	_, tracked := f.imbalances.Get("ETH")
	require.True(t, tracked, "same-venue legs are tracked as fully imbalanced")

	// The nuclear timeout, not the health sweep, flattens it.
	f.cfg.Reconciler.NuclearTimeout = 0
	f.recon.CheckNuclear(context.Background())
	assert.Len(t, f.hl.PlacedOrders, 2, "both legs closed reduce-only")
	for _, req := range f.hl.PlacedOrders {
		assert.True(t, req.ReduceOnly)
	}
}

func TestProfitTakeFullClose(t *testing.T) {
	f := newReconFixture(t)
	pair := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	require.NoError(t, f.store.Save(pair))
	require.NoError(t, f.store.MarkComplete(pair.ID))

	// $50 PnL on $1000 combined notional = 5%. Expected funding 2%:
	// spread 0.002/h over a 10h reversion. 5/2 clamps to a full close.
	f.cachePosition(venue.Hyperliquid, "ETH", venue.Long, 1, 500, 30)
	f.cachePosition(venue.Lighter, "ETH", venue.Short, 1, 500, 20)
	f.seedFunding(t, "ETH", 0.0, 0.002)
	f.predictor.pred = strategy.Prediction{SpreadPerHour: 0.002, ReversionHours: 10, Confidence: 0.8}

	f.recon.TakeProfits(context.Background())

	stored, _ := f.store.Get(pair.ID)
	assert.Equal(t, models.StatusClosed, stored.Status, "full close marks the pair CLOSED")

	_, inCooldown := f.cooldowns.Get("ETH")
	assert.True(t, inCooldown, ">=50% close registers a cooldown")

	// Both legs closed reduce-only.
	require.Len(t, f.hl.PlacedOrders, 1)
	require.Len(t, f.lt.PlacedOrders, 1)
	assert.True(t, f.hl.PlacedOrders[0].ReduceOnly)
	assert.True(t, f.lt.PlacedOrders[0].ReduceOnly)
}

func TestProfitTakeBelowThresholdHolds(t *testing.T) {
	f := newReconFixture(t)
	pair := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	require.NoError(t, f.store.Save(pair))
	require.NoError(t, f.store.MarkComplete(pair.ID))
	f.cachePosition(venue.Hyperliquid, "ETH", venue.Long, 1, 500, 4)
	f.cachePosition(venue.Lighter, "ETH", venue.Short, 1, 500, 3)
	f.seedFunding(t, "ETH", 0.0, 0.002)

	f.recon.TakeProfits(context.Background())
	assert.Empty(t, f.hl.PlacedOrders, "$7 is under the $10 minimum")
}

func TestSpreadFlipExit(t *testing.T) {
	f := newReconFixture(t)
	pair := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	require.NoError(t, f.store.Save(pair))
	require.NoError(t, f.store.MarkComplete(pair.ID))
	f.cachePosition(venue.Hyperliquid, "ETH", venue.Long, 1, 3000, 0)
	f.cachePosition(venue.Lighter, "ETH", venue.Short, 1, 3000, 0)

	// Long venue now pays more than the short earns: spread -0.00005.
	f.seedFunding(t, "ETH", 0.0001, 0.00005)
	// Marginal predicted recovery cannot cover carry plus churn.
	f.predictor.pred = strategy.Prediction{SpreadPerHour: 0.000005, ReversionHours: 4, Confidence: 0.4}

	f.recon.CheckSpreadFlips(context.Background())

	stored, _ := f.store.Get(pair.ID)
	assert.Equal(t, models.StatusClosed, stored.Status)
	require.Len(t, f.hl.PlacedOrders, 1)
	assert.True(t, f.hl.PlacedOrders[0].ReduceOnly)
	assert.Equal(t, venue.Market, f.hl.PlacedOrders[0].Type)
}

func TestSpreadFlipHoldsWhenRecoveryPredicted(t *testing.T) {
	f := newReconFixture(t)
	pair := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	require.NoError(t, f.store.Save(pair))
	require.NoError(t, f.store.MarkComplete(pair.ID))
	f.cachePosition(venue.Hyperliquid, "ETH", venue.Long, 1, 3000, 0)
	f.cachePosition(venue.Lighter, "ETH", venue.Short, 1, 3000, 0)

	f.seedFunding(t, "ETH", 0.0001, 0.00005)
	// Strong predicted recovery outweighs the carry and churn.
	f.predictor.pred = strategy.Prediction{SpreadPerHour: 0.002, ReversionHours: 4, Confidence: 0.9}

	f.recon.CheckSpreadFlips(context.Background())
	assert.Empty(t, f.hl.PlacedOrders)
}

func TestReplaySettlesStatuses(t *testing.T) {
	f := newReconFixture(t)

	complete := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	single := models.NewHedgedPair("BTC", venue.Hyperliquid, venue.Lighter, 0.5)
	gone := models.NewHedgedPair("SOL", venue.Hyperliquid, venue.Lighter, 10)
	for _, p := range []*models.HedgedPair{complete, single, gone} {
		require.NoError(t, f.store.Save(p))
	}

	f.hl.SetPosition(venue.Position{Symbol: "ETH", Side: venue.Long, Size: 1, MarkPrice: 3000})
	f.lt.SetPosition(venue.Position{Symbol: "ETH", Side: venue.Short, Size: 1, MarkPrice: 3000})
	f.hl.SetPosition(venue.Position{Symbol: "BTC", Side: venue.Long, Size: 0.5, MarkPrice: 60000})

	require.NoError(t, f.recon.Replay(context.Background()))

	p, _ := f.store.Get(complete.ID)
	assert.Equal(t, models.StatusComplete, p.Status)
	p, _ = f.store.Get(single.ID)
	assert.Equal(t, models.StatusSingleLeg, p.Status)
	assert.True(t, p.LongFilled)
	assert.False(t, p.ShortFilled)
	p, _ = f.store.Get(gone.ID)
	assert.Equal(t, models.StatusClosed, p.Status)
}

func TestEnsureCompleteOnBalancedPair(t *testing.T) {
	f := newReconFixture(t)
	pair := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 1)
	require.NoError(t, f.store.Save(pair))
	require.NoError(t, f.store.MarkSingleLeg(pair.ID, true, false))

	f.cachePosition(venue.Hyperliquid, "ETH", venue.Long, 1, 3000, 0)
	f.cachePosition(venue.Lighter, "ETH", venue.Short, 0.99, 3000, 0)

	f.recon.CheckPairHealth(context.Background())

	stored, _ := f.store.Get(pair.ID)
	assert.Equal(t, models.StatusComplete, stored.Status, "balanced legs flip the record back to COMPLETE")
}

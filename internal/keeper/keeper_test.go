package keeper

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
	"github.com/perparb/funding-keeper/internal/reconciler"
	"github.com/perparb/funding-keeper/internal/store"
	"github.com/perparb/funding-keeper/internal/strategy"
	"github.com/perparb/funding-keeper/internal/venue"
)

type keeperFixture struct {
	cfg      *config.Config
	hl       *venue.Mock
	lt       *venue.Mock
	cache    *market.Cache
	store    *store.JSONStore
	registry *lockreg.Registry
	keeper   *Keeper
}

func newKeeperFixture(t *testing.T) *keeperFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cfg := &config.Config{Environment: "paper"}
	cfg.Keeper.Symbols = []string{"ETH", "BTC"}
	cfg.Keeper.MinSpread = 0.0001
	cfg.Keeper.MaxPositionSizeUSD = 1000
	cfg.Keeper.Leverage = 2
	cfg.Rotation.MinHoursSaved = 2
	cfg.Reconciler.NuclearImbalancePct = 0.30
	cfg.Reconciler.NuclearTimeout = time.Hour
	cfg.Reconciler.NuclearMaxAttempts = 3
	cfg.Reconciler.SingleLegMaxRetries = 5
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
	for _, sym := range []string{"ETH", "BTC"} {
		hl.SetMarkPrice(sym, 3000)
		lt.SetMarkPrice(sym, 3000)
	}
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
	predictor := &strategy.PersistencePredictor{}
	evaluator := strategy.NewEvaluator(cfg, cache, st, cooldowns, quality, predictor, logger)
	recon := reconciler.New(cfg, adapters, cache, st, registry, exec, cooldowns, imbalances, quality, predictor, tracker, logger)

	k := New(cfg, adapters, cache, st, registry, exec, evaluator, recon, tracker, logger)
	return &keeperFixture{cfg: cfg, hl: hl, lt: lt, cache: cache, store: st, registry: registry, keeper: k}
}

func (f *keeperFixture) refresh(t *testing.T) {
	t.Helper()
	require.NoError(t, f.cache.RefreshAll(context.Background()))
	f.cache.RefreshFunding(context.Background(), f.cfg.Keeper.Symbols)
}

func TestRunCycleOpensBestPair(t *testing.T) {
	f := newKeeperFixture(t)
	f.hl.SetFundingRate("ETH", 0.00005)
	f.lt.SetFundingRate("ETH", 0.00025)

	f.keeper.RunCycle(context.Background(), "cycle-1")

	pairs := f.store.GetByStatus(models.StatusComplete)
	require.Len(t, pairs, 1)
	assert.Equal(t, "ETH", pairs[0].Symbol)
	assert.Equal(t, venue.Hyperliquid, pairs[0].LongVenue, "long where funding is lowest")
	assert.Equal(t, venue.Lighter, pairs[0].ShortVenue)

	require.Len(t, f.hl.PlacedOrders, 1)
	require.Len(t, f.lt.PlacedOrders, 1)
	assert.Equal(t, venue.Long, f.hl.PlacedOrders[0].Side)
	assert.Equal(t, venue.Short, f.lt.PlacedOrders[0].Side)

	assert.False(t, f.registry.IsSymbolLocked("ETH"), "symbol lock released after the open")
}

func TestRunCycleNoSpreadNoTrade(t *testing.T) {
	f := newKeeperFixture(t)
	f.hl.SetFundingRate("ETH", 0.0001)
	f.lt.SetFundingRate("ETH", 0.0001)

	f.keeper.RunCycle(context.Background(), "cycle-1")

	assert.Empty(t, f.store.GetActive())
	assert.Empty(t, f.hl.PlacedOrders)
}

func TestTriggerCycleBusy(t *testing.T) {
	f := newKeeperFixture(t)
	f.registry.TryAcquireGlobal("other", "test")

	err := f.keeper.TriggerCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
}

func TestRotationReplacesStalePair(t *testing.T) {
	f := newKeeperFixture(t)

	// Held ETH pair whose spread has collapsed to zero.
	pair := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 0.1)
	require.NoError(t, f.store.Save(pair))
	require.NoError(t, f.store.MarkComplete(pair.ID))
	f.cache.UpdatePosition(venue.Position{Venue: venue.Hyperliquid, Symbol: "ETH", Side: venue.Long, Size: 0.1, MarkPrice: 3000})
	f.cache.UpdatePosition(venue.Position{Venue: venue.Lighter, Symbol: "ETH", Side: venue.Short, Size: 0.1, MarkPrice: 3000})

	f.hl.SetFundingRate("ETH", 0.0001)
	f.lt.SetFundingRate("ETH", 0.0001)
	f.hl.SetFundingRate("BTC", 0.0)
	f.lt.SetFundingRate("BTC", 0.001)
	f.refresh(t)

	f.keeper.CheckRotation(context.Background(), "rot-1")

	old, _ := f.store.Get(pair.ID)
	assert.Equal(t, models.StatusClosed, old.Status, "stale pair closed")

	replacement, ok := f.store.GetActiveBySymbol("BTC")
	require.True(t, ok, "candidate opened")
	assert.Equal(t, models.StatusComplete, replacement.Status)

	assert.False(t, f.registry.IsSymbolLocked("ETH"))
	assert.False(t, f.registry.IsSymbolLocked("BTC"))
}

func TestRotationHoldsWhenSavingsTooSmall(t *testing.T) {
	f := newKeeperFixture(t)

	pair := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 0.1)
	require.NoError(t, f.store.Save(pair))
	require.NoError(t, f.store.MarkComplete(pair.ID))

	// Both spreads healthy and similar: churn is pure loss.
	f.hl.SetFundingRate("ETH", 0.0)
	f.lt.SetFundingRate("ETH", 0.001)
	f.hl.SetFundingRate("BTC", 0.0)
	f.lt.SetFundingRate("BTC", 0.0011)
	f.refresh(t)

	f.keeper.CheckRotation(context.Background(), "rot-1")

	held, _ := f.store.Get(pair.ID)
	assert.Equal(t, models.StatusComplete, held.Status)
	_, btcOpened := f.store.GetActiveBySymbol("BTC")
	assert.False(t, btcOpened)
}

func TestDeployIdleCapital(t *testing.T) {
	f := newKeeperFixture(t)
	f.hl.SetFundingRate("ETH", 0.0)
	f.lt.SetFundingRate("ETH", 0.0005)
	f.refresh(t)

	f.keeper.DeployIdleCapital(context.Background(), "idle-1")

	pairs := f.store.GetByStatus(models.StatusComplete)
	require.Len(t, pairs, 1)
	assert.Equal(t, "ETH", pairs[0].Symbol)
}

func TestDeployIdleCapitalSkipsWhenBroke(t *testing.T) {
	f := newKeeperFixture(t)
	f.hl.Balance = 20
	f.lt.SetFundingRate("ETH", 0.0005)
	f.refresh(t)

	f.keeper.DeployIdleCapital(context.Background(), "idle-1")
	assert.Empty(t, f.store.GetActive())
}

func TestLeverageTrim(t *testing.T) {
	f := newKeeperFixture(t)
	f.refresh(t)

	pair := models.NewHedgedPair("ETH", venue.Hyperliquid, venue.Lighter, 15)
	require.NoError(t, f.store.Save(pair))
	require.NoError(t, f.store.MarkComplete(pair.ID))

	// $45k notional on $10k equity is 4.5x against a 2x target.
	f.cache.UpdatePosition(venue.Position{Venue: venue.Hyperliquid, Symbol: "ETH", Side: venue.Long, Size: 15, MarkPrice: 3000})
	f.cache.UpdatePosition(venue.Position{Venue: venue.Lighter, Symbol: "ETH", Side: venue.Short, Size: 15, MarkPrice: 3000})

	f.keeper.CheckLeverage(context.Background(), "lev-1")

	require.Len(t, f.hl.PlacedOrders, 1)
	require.Len(t, f.lt.PlacedOrders, 1)
	assert.True(t, f.hl.PlacedOrders[0].ReduceOnly)
	assert.InDelta(t, 7.5, f.hl.PlacedOrders[0].Size, 1e-9, "trim clamped at half the pair")

	long, ok := f.cache.GetPosition(venue.Hyperliquid, "ETH", venue.Long)
	require.True(t, ok)
	assert.InDelta(t, 7.5, long.Size, 1e-9)

	held, _ := f.store.Get(pair.ID)
	assert.Equal(t, models.StatusComplete, held.Status, "partial trim keeps the pair open")
}

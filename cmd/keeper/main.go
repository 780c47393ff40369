package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/perparb/funding-keeper/internal/config"
	"github.com/perparb/funding-keeper/internal/dashboard"
	"github.com/perparb/funding-keeper/internal/executor"
	"github.com/perparb/funding-keeper/internal/guardian"
	"github.com/perparb/funding-keeper/internal/keeper"
	"github.com/perparb/funding-keeper/internal/lockreg"
	"github.com/perparb/funding-keeper/internal/market"
	"github.com/perparb/funding-keeper/internal/models"
	"github.com/perparb/funding-keeper/internal/perf"
	"github.com/perparb/funding-keeper/internal/reconciler"
	"github.com/perparb/funding-keeper/internal/scheduler"
	"github.com/perparb/funding-keeper/internal/store"
	"github.com/perparb/funding-keeper/internal/strategy"
	"github.com/perparb/funding-keeper/internal/venue"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	logger.Infof("Starting funding keeper in %s mode", cfg.Environment)
	if cfg.Environment == "live" {
		logger.Warn("LIVE TRADING MODE - real funds at risk")
	}

	if err := run(cfg, logger); err != nil {
		logger.Errorf("Keeper failed: %v", err)
		os.Exit(1)
	}
	logger.Info("Keeper stopped")
}

func newLogger(lc config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if lc.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Infof("Received %s, shutting down", sig)
		cancel()
	}()

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}

	cache := market.NewCache(adapters, logger)
	st, err := store.NewJSONStore(cfg.Storage.StateDir, logger)
	if err != nil {
		return fmt.Errorf("open position store: %w", err)
	}
	registry := lockreg.New(logger)
	promRegistry := prometheus.NewRegistry()
	tracker := perf.NewTracker(promRegistry, logger)

	exec := executor.New(cfg, adapters, registry, cache, st, tracker, logger)
	cooldowns := models.NewCooldownBook()
	imbalances := models.NewImbalanceTracker()
	quality := strategy.NewQualityTracker(cfg.Keeper.QualityFailureThreshold, cfg.Keeper.QualityBlacklistTTL, logger)
	predictor := &strategy.PersistencePredictor{}
	evaluator := strategy.NewEvaluator(cfg, cache, st, cooldowns, quality, predictor, logger)

	recon := reconciler.New(cfg, adapters, cache, st, registry, exec, cooldowns, imbalances, quality, predictor, tracker, logger)
	guard := guardian.New(cfg, registry, adapters, exec, logger)
	k := keeper.New(cfg, adapters, cache, st, registry, exec, evaluator, recon, tracker, logger)

	// Settle persisted intent against venue truth before anything trades.
	if err := recon.Replay(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dash = dashboard.NewServer(cfg.Dashboard, cfg.Environment, dashboard.Deps{
			Store:      st,
			Cache:      cache,
			Registry:   registry,
			Perf:       tracker,
			Quality:    quality,
			Cooldowns:  cooldowns,
			Imbalances: imbalances,
			Adapters:   adapters,
			Trigger:    k,
			Recon:      recon,
			Gatherer:   promRegistry,
		}, logger)
		go func() {
			if err := dash.Start(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("dashboard: %v", err)
			}
		}()
	}

	sched := scheduler.New(registry, k.RunCycle, logger)
	registerTasks(sched, cfg, cache, recon, guard, k, tracker, st)

	// Let adapters and the dashboard warm up before the loops start firing.
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}

	err = sched.Run(ctx)

	if dash != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if serr := dash.Shutdown(shutdownCtx); serr != nil {
			logger.Warnf("dashboard shutdown: %v", serr)
		}
	}
	return err
}

// buildAdapters constructs one adapter per enabled venue, layered with the
// rate limiter and circuit breaker. Paper mode runs on the in-process
// venue; live venue connectors are linked in separately and keyed off the
// configured endpoint.
func buildAdapters(cfg *config.Config, logger *logrus.Logger) (venue.Set, error) {
	settings := venue.BreakerSettings{
		ErrorThreshold:   cfg.Breaker.ErrorThreshold,
		Interval:         time.Hour,
		Cooldown:         cfg.Breaker.Cooldown,
		HalfOpenAttempts: cfg.Breaker.HalfOpenAttempts,
	}

	adapters := make(venue.Set)
	for name, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		id, ok := config.VenueID(name)
		if !ok {
			return nil, fmt.Errorf("unknown venue %q", name)
		}

		var base venue.Adapter
		switch cfg.Environment {
		case "paper":
			base = newPaperVenue(id)
		default:
			return nil, fmt.Errorf("no live connector linked for venue %q; run with environment: paper", name)
		}

		limited := venue.WithRateLimit(base, vc.RateLimit, vc.RateBurst)
		adapters[id] = venue.WithBreaker(limited, settings, logger)
	}
	if len(adapters) < 2 {
		return nil, fmt.Errorf("need at least 2 enabled venues, have %d", len(adapters))
	}
	return adapters, nil
}

// newPaperVenue seeds an in-process venue with enough balance to exercise
// the full strategy loop.
func newPaperVenue(id venue.ID) *venue.Mock {
	m := venue.NewMock(id)
	m.Balance = 10000
	m.Equity = 10000
	return m
}

// registerTasks wires every supervisory loop at its cadence.
func registerTasks(sched *scheduler.Scheduler, cfg *config.Config, cache *market.Cache,
	recon *reconciler.Reconciler, guard *guardian.Guardian, k *keeper.Keeper,
	tracker *perf.Tracker, st store.Interface) {

	// Shared tasks read or refresh state without taking the global lock.
	sched.Register(scheduler.Task{Name: "marketrefresh", Every: 60 * time.Second, Shared: true,
		Fn: func(ctx context.Context, _ string) {
			if err := cache.RefreshAll(ctx); err != nil {
				return
			}
			cache.RefreshFunding(ctx, cfg.Keeper.Symbols)
		}})
	sched.Register(scheduler.Task{Name: "perfmetrics", Every: 120 * time.Second, Shared: true,
		Fn: func(ctx context.Context, _ string) {
			tracker.SetOpenPairs(len(st.GetByStatus(models.StatusComplete)))
			tracker.RealizedAPY(cache.TotalEquity())
		}})
	sched.Register(scheduler.Task{Name: "walletsweep", Every: 300 * time.Second, Shared: true, Fn: k.SweepWallets})

	// The guardian must see legs while their executions are still waiting
	// on fills under the global lock, so its sweeps run shared; it defers
	// to symbol locks on its own.
	sched.Register(scheduler.Task{Name: "guardian", Every: 30 * time.Second, Shared: true,
		Fn: func(ctx context.Context, _ string) { guard.Sweep(ctx) }})
	sched.Register(scheduler.Task{Name: "staleorders", Every: 120 * time.Second, Shared: true,
		Fn: func(ctx context.Context, _ string) { guard.SweepStale(ctx) }})

	// Exclusive sweeps serialize through the global lock.
	sched.Register(scheduler.Task{Name: "reconcile", Every: 45 * time.Second,
		Fn: func(ctx context.Context, _ string) { recon.ReconcilePositions(ctx) }})
	sched.Register(scheduler.Task{Name: "pairhealth", Every: 30 * time.Second,
		Fn: func(ctx context.Context, _ string) { recon.CheckPairHealth(ctx) }})
	sched.Register(scheduler.Task{Name: "nuclear", Every: 60 * time.Second,
		Fn: func(ctx context.Context, _ string) { recon.CheckNuclear(ctx) }})
	sched.Register(scheduler.Task{Name: "profittake", Every: 30 * time.Second,
		Fn: func(ctx context.Context, _ string) { recon.TakeProfits(ctx) }})
	sched.Register(scheduler.Task{Name: "spreadflip", Every: 60 * time.Second,
		Fn: func(ctx context.Context, _ string) { recon.CheckSpreadFlips(ctx) }})
	sched.Register(scheduler.Task{Name: "rotation", Every: 180 * time.Second, Fn: k.CheckRotation})
	sched.Register(scheduler.Task{Name: "idlecapital", Every: 120 * time.Second, Fn: k.DeployIdleCapital})
	sched.Register(scheduler.Task{Name: "leverage", Every: 900 * time.Second, Fn: k.CheckLeverage})
}

// Package dashboard exposes the keeper's diagnostics HTTP surface: JSON
// views over positions, locks, performance and market quality, plus
// Prometheus metrics and two manual controls.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/perparb/funding-keeper/internal/config"
	"github.com/perparb/funding-keeper/internal/lockreg"
	"github.com/perparb/funding-keeper/internal/market"
	"github.com/perparb/funding-keeper/internal/models"
	"github.com/perparb/funding-keeper/internal/perf"
	"github.com/perparb/funding-keeper/internal/store"
	"github.com/perparb/funding-keeper/internal/strategy"
	"github.com/perparb/funding-keeper/internal/util"
	"github.com/perparb/funding-keeper/internal/venue"
)

// CycleTrigger kicks one main cycle outside its schedule.
type CycleTrigger interface {
	TriggerCycle(ctx context.Context) error
}

// Diagnostics is the reconciler state the dashboard surfaces.
type Diagnostics interface {
	FilteredSymbols() []string
}

// Deps is everything the server reads from. All fields are required
// except Trigger and Recon, which degrade their endpoints when nil.
type Deps struct {
	Store      store.Interface
	Cache      *market.Cache
	Registry   *lockreg.Registry
	Perf       *perf.Tracker
	Quality    *strategy.QualityTracker
	Cooldowns  *models.CooldownBook
	Imbalances *models.ImbalanceTracker
	Adapters   venue.Set
	Trigger    CycleTrigger
	Recon      Diagnostics
	Gatherer   prometheus.Gatherer
}

// Server is the diagnostics HTTP server.
type Server struct {
	cfg       config.DashboardConfig
	env       string
	deps      Deps
	router    *chi.Mux
	server    *http.Server
	logger    *logrus.Logger
	startedAt time.Time
}

// NewServer builds the server and its routes.
func NewServer(cfg config.DashboardConfig, env string, deps Deps, logger *logrus.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		env:       env,
		deps:      deps,
		router:    chi.NewRouter(),
		logger:    logger,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.cfg.AuthKey != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/keeper", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/positions", s.handlePositions)
		r.Get("/performance", s.handlePerformance)
		r.Get("/diagnostics", s.handleDiagnostics)
		r.Get("/locks", s.handleLocks)
		r.Get("/market-quality", s.handleMarketQuality)
		r.Post("/execute", s.handleExecute)
		r.Post("/market-quality/blacklist", s.handleBlacklistAdd)
		r.Delete("/market-quality/blacklist/{symbol}", s.handleBlacklistRemove)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.cfg.AuthKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infof("Dashboard listening on %s", s.cfg.Listen)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"status": "healthy", "timestamp": time.Now().Unix()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	breakers := make(map[string]string)
	for id, adapter := range s.deps.Adapters {
		if b, ok := adapter.(interface{ State() string }); ok {
			breakers[string(id)] = b.State()
		}
	}

	active := s.deps.Store.GetActive()
	byStatus := make(map[string]int)
	for _, p := range active {
		byStatus[string(p.Status)]++
	}

	s.writeJSON(w, map[string]any{
		"environment":     s.env,
		"started_at":      s.startedAt,
		"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
		"active_pairs":    len(active),
		"pairs_by_status": byStatus,
		"breakers":        breakers,
		"total_equity":    s.deps.Cache.TotalEquity(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	type pairView struct {
		*models.HedgedPair
		Legs []venue.Position `json:"legs"`
	}

	pairs := s.deps.Store.GetActive()
	views := make([]pairView, 0, len(pairs))
	for _, p := range pairs {
		view := pairView{HedgedPair: p}
		if pos, ok := s.deps.Cache.GetPosition(p.LongVenue, p.Symbol, venue.Long); ok {
			view.Legs = append(view.Legs, pos)
		}
		if pos, ok := s.deps.Cache.GetPosition(p.ShortVenue, p.Symbol, venue.Short); ok {
			view.Legs = append(view.Legs, pos)
		}
		views = append(views, view)
	}
	s.writeJSON(w, views)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.deps.Perf.Summarize(s.deps.Cache.TotalEquity()))
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	var filtered []string
	if s.deps.Recon != nil {
		filtered = s.deps.Recon.FilteredSymbols()
	}
	s.writeJSON(w, map[string]any{
		"filtered_symbols": filtered,
		"imbalances":       s.deps.Imbalances.Snapshot(),
		"cooldowns":        s.deps.Cooldowns.Snapshot(),
		"recent_orders":    s.deps.Registry.RecentHistory(50),
	})
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.deps.Registry.Snapshot())
}

func (s *Server) handleMarketQuality(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.deps.Quality.Snapshot())
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trigger == nil {
		http.Error(w, "execution not wired", http.StatusServiceUnavailable)
		return
	}
	s.logger.Warn("Manual cycle triggered via dashboard")
	if err := s.deps.Trigger.TriggerCycle(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("cycle failed: %v", err), http.StatusConflict)
		return
	}
	s.writeJSON(w, map[string]any{"status": "executed"})
}

func (s *Server) handleBlacklistAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol == "" {
		http.Error(w, "body must be {\"symbol\": \"...\"}", http.StatusBadRequest)
		return
	}
	sym := util.NormalizeSymbol(req.Symbol)
	s.deps.Quality.ForceBlacklist(sym)
	s.logger.Warnf("Symbol %s blacklisted via dashboard", sym)
	s.writeJSON(w, map[string]any{"blacklisted": sym})
}

func (s *Server) handleBlacklistRemove(w http.ResponseWriter, r *http.Request) {
	sym := util.NormalizeSymbol(chi.URLParam(r, "symbol"))
	s.deps.Quality.Remove(sym)
	s.logger.Infof("Symbol %s removed from blacklist via dashboard", sym)
	s.writeJSON(w, map[string]any{"removed": sym})
}

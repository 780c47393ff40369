// Package perf is the keeper's performance ledger: funding captured,
// trading costs paid, and realized/estimated APY. The evaluator reads it
// to price churn; the dashboard and Prometheus export it.
package perf

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/perparb/funding-keeper/internal/util"
	"github.com/perparb/funding-keeper/internal/venue"
)

// CostKind labels one trading-cost entry.
type CostKind string

const (
	CostFee      CostKind = "fee"
	CostSlippage CostKind = "slippage"
)

// FundingEvent is one funding payment credited (or debited) to a pair.
type FundingEvent struct {
	Symbol    string    `json:"symbol"`
	AmountUSD float64   `json:"amount_usd"`
	At        time.Time `json:"at"`
}

// CostEvent is one trading cost incurred while executing.
type CostEvent struct {
	Symbol    string   `json:"symbol"`
	Venue     venue.ID `json:"venue"`
	Kind      CostKind `json:"kind"`
	AmountUSD float64  `json:"amount_usd"`
	At        time.Time `json:"at"`
}

// Summary is a point-in-time report for the diagnostics surface.
type Summary struct {
	FundingCapturedUSD float64            `json:"funding_captured_usd"`
	TradingCostsUSD    float64            `json:"trading_costs_usd"`
	NetUSD             float64            `json:"net_usd"`
	RealizedAPY        float64            `json:"realized_apy"`
	EstimatedAPY       float64            `json:"estimated_apy"`
	BySymbol           map[string]float64 `json:"by_symbol"`
	Since              time.Time          `json:"since"`
}

// Tracker accumulates funding and cost events in memory and mirrors the
// running totals into Prometheus.
type Tracker struct {
	mu      sync.RWMutex
	funding []FundingEvent
	costs   []CostEvent
	started time.Time

	estimatedAPY float64

	logger *logrus.Entry

	fundingTotal  prometheus.Counter
	costTotal     *prometheus.CounterVec
	ordersPlaced  *prometheus.CounterVec
	pairsOpen     prometheus.Gauge
	realizedAPY   prometheus.Gauge
	estimatedGauge prometheus.Gauge
	nuclearCloses prometheus.Counter
	singleLegs    prometheus.Counter
}

// NewTracker builds a tracker and registers its metrics with reg.
func NewTracker(reg prometheus.Registerer, logger *logrus.Logger) *Tracker {
	t := &Tracker{
		started: time.Now().UTC(),
		logger:  logger.WithField("component", "perf"),
		fundingTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keeper_funding_captured_usd_total",
			Help: "Cumulative funding captured across all pairs in USD.",
		}),
		costTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_trading_costs_usd_total",
			Help: "Cumulative trading costs in USD.",
		}, []string{"venue", "kind"}),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_orders_placed_total",
			Help: "Orders placed, by venue and type.",
		}, []string{"venue", "type"}),
		pairsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_hedged_pairs_open",
			Help: "Currently open hedged pairs.",
		}),
		realizedAPY: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_realized_apy",
			Help: "Realized APY since start, as a fraction.",
		}),
		estimatedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_estimated_apy",
			Help: "Estimated APY from current funding spreads, as a fraction.",
		}),
		nuclearCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keeper_nuclear_closes_total",
			Help: "Nuclear closes executed.",
		}),
		singleLegs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keeper_single_leg_events_total",
			Help: "Pairs that entered the single-leg state.",
		}),
	}
	if reg != nil {
		reg.MustRegister(t.fundingTotal, t.costTotal, t.ordersPlaced, t.pairsOpen,
			t.realizedAPY, t.estimatedGauge, t.nuclearCloses, t.singleLegs)
	}
	return t
}

// RecordFunding credits a funding payment to the ledger.
func (t *Tracker) RecordFunding(symbol string, amountUSD float64) {
	t.mu.Lock()
	t.funding = append(t.funding, FundingEvent{
		Symbol:    util.NormalizeSymbol(symbol),
		AmountUSD: amountUSD,
		At:        time.Now().UTC(),
	})
	t.mu.Unlock()
	if amountUSD > 0 {
		t.fundingTotal.Add(amountUSD)
	}
}

// RecordCost debits a fee or slippage cost to the ledger.
func (t *Tracker) RecordCost(symbol string, v venue.ID, kind CostKind, amountUSD float64) {
	t.mu.Lock()
	t.costs = append(t.costs, CostEvent{
		Symbol:    util.NormalizeSymbol(symbol),
		Venue:     v,
		Kind:      kind,
		AmountUSD: amountUSD,
		At:        time.Now().UTC(),
	})
	t.mu.Unlock()
	if amountUSD > 0 {
		t.costTotal.WithLabelValues(string(v), string(kind)).Add(amountUSD)
	}
}

// RecordOrderPlaced counts an order placement.
func (t *Tracker) RecordOrderPlaced(v venue.ID, orderType venue.OrderType) {
	t.ordersPlaced.WithLabelValues(string(v), string(orderType)).Inc()
}

// RecordNuclearClose counts a nuclear close.
func (t *Tracker) RecordNuclearClose() { t.nuclearCloses.Inc() }

// RecordSingleLeg counts a pair entering the single-leg state.
func (t *Tracker) RecordSingleLeg() { t.singleLegs.Inc() }

// SetOpenPairs publishes the current open-pair count.
func (t *Tracker) SetOpenPairs(n int) { t.pairsOpen.Set(float64(n)) }

// SetEstimatedAPY publishes the estimated APY computed from current
// spreads by the evaluator.
func (t *Tracker) SetEstimatedAPY(apy float64) {
	t.mu.Lock()
	t.estimatedAPY = apy
	t.mu.Unlock()
	t.estimatedGauge.Set(apy)
}

// FundingCaptured returns total funding captured, optionally limited to
// events after since.
func (t *Tracker) FundingCaptured(since time.Time) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total float64
	for _, e := range t.funding {
		if e.At.After(since) {
			total += e.AmountUSD
		}
	}
	return total
}

// TradingCosts returns total costs, optionally limited to events after
// since.
func (t *Tracker) TradingCosts(since time.Time) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total float64
	for _, e := range t.costs {
		if e.At.After(since) {
			total += e.AmountUSD
		}
	}
	return total
}

// RealizedAPY computes the annualized net return over the tracker's
// lifetime against the given deployed capital.
func (t *Tracker) RealizedAPY(deployedUSD float64) float64 {
	if deployedUSD <= 0 {
		return 0
	}
	t.mu.RLock()
	elapsed := time.Since(t.started)
	t.mu.RUnlock()
	if elapsed < time.Minute {
		return 0
	}

	net := t.FundingCaptured(time.Time{}) - t.TradingCosts(time.Time{})
	years := elapsed.Hours() / (24 * 365)
	apy := net / deployedUSD / years
	t.realizedAPY.Set(apy)
	return apy
}

// Summarize builds a report for the diagnostics surface.
func (t *Tracker) Summarize(deployedUSD float64) Summary {
	funding := t.FundingCaptured(time.Time{})
	costs := t.TradingCosts(time.Time{})

	t.mu.RLock()
	bySymbol := make(map[string]float64)
	for _, e := range t.funding {
		bySymbol[e.Symbol] += e.AmountUSD
	}
	for _, e := range t.costs {
		bySymbol[e.Symbol] -= e.AmountUSD
	}
	started := t.started
	estimated := t.estimatedAPY
	t.mu.RUnlock()

	return Summary{
		FundingCapturedUSD: funding,
		TradingCostsUSD:    costs,
		NetUSD:             funding - costs,
		RealizedAPY:        t.RealizedAPY(deployedUSD),
		EstimatedAPY:       estimated,
		BySymbol:           bySymbol,
		Since:              started,
	}
}

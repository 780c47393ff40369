package strategy

import (
	"context"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/perparb/funding-keeper/internal/config"
	"github.com/perparb/funding-keeper/internal/market"
	"github.com/perparb/funding-keeper/internal/models"
	"github.com/perparb/funding-keeper/internal/store"
	"github.com/perparb/funding-keeper/internal/util"
	"github.com/perparb/funding-keeper/internal/venue"
)

// Opportunity is one ranked candidate hedged pair.
type Opportunity struct {
	Symbol        string   `json:"symbol"`
	LongVenue     venue.ID `json:"long_venue"`
	ShortVenue    venue.ID `json:"short_venue"`
	// SpreadPerHour is shortRate - longRate, per hour.
	SpreadPerHour float64 `json:"spread_per_hour"`
	Size          float64 `json:"size"`
	NotionalUSD   float64 `json:"notional_usd"`
	// ExpectedReturnUSD is the expected income per hour at current spread.
	ExpectedReturnUSD float64 `json:"expected_return_usd"`
	ReversionHours    float64 `json:"reversion_hours"`
	Confidence        float64 `json:"confidence"`
}

// Evaluator ranks opportunities against current holdings and config.
type Evaluator struct {
	cfg       *config.Config
	cache     *market.Cache
	store     store.Interface
	cooldowns *models.CooldownBook
	quality   *QualityTracker
	predictor Predictor
	logger    *logrus.Entry
}

// NewEvaluator wires the evaluator's dependencies.
func NewEvaluator(cfg *config.Config, cache *market.Cache, st store.Interface,
	cooldowns *models.CooldownBook, quality *QualityTracker, predictor Predictor,
	logger *logrus.Logger) *Evaluator {
	return &Evaluator{
		cfg:       cfg,
		cache:     cache,
		store:     st,
		cooldowns: cooldowns,
		quality:   quality,
		predictor: predictor,
		logger:    logger.WithField("component", "evaluator"),
	}
}

// FindOpportunities evaluates the given symbols and returns accepted
// candidates ordered by expected hourly return, ties broken by prediction
// confidence.
func (e *Evaluator) FindOpportunities(ctx context.Context, symbols []string, venues []venue.ID) []Opportunity {
	var out []Opportunity
	for _, raw := range symbols {
		sym := util.NormalizeSymbol(raw)
		if skip, reason := e.excluded(sym); skip {
			e.logger.Debugf("%s excluded: %s", sym, reason)
			continue
		}
		opp, ok := e.evaluate(ctx, sym, venues)
		if !ok {
			continue
		}
		out = append(out, opp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpectedReturnUSD != out[j].ExpectedReturnUSD {
			return out[i].ExpectedReturnUSD > out[j].ExpectedReturnUSD
		}
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// excluded applies the filter rules that do not need market data: static
// blacklist, quality blacklist, existing complete pair, profit-take
// cooldown.
func (e *Evaluator) excluded(sym string) (bool, string) {
	if e.cfg.IsBlacklisted(sym) {
		return true, "statically blacklisted"
	}
	if e.quality.IsBlacklisted(sym) {
		return true, "quality-blacklisted"
	}
	if pair, ok := e.store.GetActiveBySymbol(sym); ok && pair.Status == models.StatusComplete {
		return true, "existing complete pair"
	}
	if e.cooldowns.InCooldown(sym, e.cfg.ProfitTake.CooldownDuration, e.cache.MarksFor(sym)) {
		return true, "profit-take cooldown"
	}
	return false, ""
}

// evaluate finds the best venue pairing for one symbol.
func (e *Evaluator) evaluate(ctx context.Context, sym string, venues []venue.ID) (Opportunity, bool) {
	type venueRate struct {
		id   venue.ID
		rate float64
	}
	var rates []venueRate
	for _, v := range venues {
		r, ok := e.cache.GetFundingRate(v, sym)
		if !ok {
			continue
		}
		rates = append(rates, venueRate{v, r})
	}
	if len(rates) < 2 {
		return Opportunity{}, false
	}

	// Long where funding is lowest (we receive or pay least), short where
	// it is highest.
	sort.Slice(rates, func(i, j int) bool { return rates[i].rate < rates[j].rate })
	long, short := rates[0], rates[len(rates)-1]
	spread := short.rate - long.rate
	if spread < e.cfg.Keeper.MinSpread {
		return Opportunity{}, false
	}

	longMark, err := e.cache.GetMarkPrice(ctx, long.id, sym)
	if err != nil || longMark <= 0 {
		return Opportunity{}, false
	}
	shortMark, err := e.cache.GetMarkPrice(ctx, short.id, sym)
	if err != nil || shortMark <= 0 {
		return Opportunity{}, false
	}
	if util.PctDiff(longMark, shortMark) > 0.02 {
		e.logger.Warnf("%s marks diverge %.2f%% between %s and %s, skipping",
			sym, util.PctDiff(longMark, shortMark)*100, long.id, short.id)
		return Opportunity{}, false
	}

	notional := e.sizeNotional(long.id, short.id)
	if notional <= 0 {
		return Opportunity{}, false
	}
	mark := (longMark + shortMark) / 2
	size := notional / mark

	pred, err := e.predictor.PredictSpread(ctx, sym, long.id, short.id, spread)
	if err != nil {
		e.logger.Debugf("prediction failed for %s: %v", sym, err)
		pred = Prediction{SpreadPerHour: spread, ReversionHours: 24, Confidence: 0.3}
	}

	return Opportunity{
		Symbol:            sym,
		LongVenue:         long.id,
		ShortVenue:        short.id,
		SpreadPerHour:     spread,
		Size:              size,
		NotionalUSD:       notional,
		ExpectedReturnUSD: notional * spread,
		ReversionHours:    pred.ReversionHours,
		Confidence:        pred.Confidence,
	}, true
}

// sizeNotional returns the per-leg notional we can deploy across the two
// venues: bounded by the smaller venue balance at configured leverage with
// a 5% margin buffer, and by the configured position cap.
func (e *Evaluator) sizeNotional(long, short venue.ID) float64 {
	capacity := math.Min(e.cache.GetBalance(long), e.cache.GetBalance(short))
	capacity *= e.cfg.Keeper.Leverage * 0.95
	return math.Min(capacity, e.cfg.Keeper.MaxPositionSizeUSD)
}

// ChurnCostHours converts a close-and-reopen's round-trip fees into hours
// of expected spread income. Fees are fractional per-leg taker rates;
// closing both legs and opening both legs pays each once.
func ChurnCostHours(longFee, shortFee, spreadPerHour float64) float64 {
	if spreadPerHour <= 0 {
		return math.Inf(1)
	}
	return (longFee + shortFee) * 2 / spreadPerHour
}

// BreakEvenHours is how long a pair must run at the given hourly spread to
// recoup the given fractional cost.
func BreakEvenHours(costFraction, spreadPerHour float64) float64 {
	if spreadPerHour <= 0 {
		return math.Inf(1)
	}
	return costFraction / spreadPerHour
}

// ShouldRotate decides whether replacing the current pair with the
// candidate is worth the churn: the candidate's break-even plus churn must
// beat the current pair's remaining break-even by at least minHoursSaved.
func ShouldRotate(currentBreakEvenHours, candidateBreakEvenHours, churnHours, minHoursSaved float64) bool {
	return currentBreakEvenHours-(candidateBreakEvenHours+churnHours) >= minHoursSaved
}

// EstimatedAPY annualizes the expected hourly return of the given
// opportunities against deployed capital.
func EstimatedAPY(opps []Opportunity, deployedUSD float64) float64 {
	if deployedUSD <= 0 {
		return 0
	}
	var hourly float64
	for _, o := range opps {
		hourly += o.ExpectedReturnUSD
	}
	return hourly * 24 * 365 / deployedUSD
}

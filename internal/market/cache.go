// Package market caches the last-observed positions, marks, funding rates
// and balances across venues. It is refreshed at cycle boundaries and read
// by every supervisor in between.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/perparb/funding-keeper/internal/util"
	"github.com/perparb/funding-keeper/internal/venue"
)

// VenueSnapshot is one venue's cached view.
type VenueSnapshot struct {
	Positions []venue.Position `json:"positions"`
	Balance   float64          `json:"balance"`
	Equity    float64          `json:"equity"`
	UpdatedAt time.Time        `json:"updated_at"`
	// Stale marks a snapshot whose last refresh failed. Readers get the
	// previous data rather than nothing, but destructive logic should
	// treat stale venues with suspicion.
	Stale bool `json:"stale"`
}

type markKey struct {
	venue  venue.ID
	symbol string
}

// Cache holds the cross-venue market state. All methods are safe for
// concurrent use; positions with dust sizes are filtered on write and
// never returned.
type Cache struct {
	mu       sync.RWMutex
	adapters venue.Set
	venues   map[venue.ID]*VenueSnapshot
	marks    map[markKey]float64
	funding  map[markKey]float64
	logger   *logrus.Entry
}

// NewCache builds a cache over the given adapters.
func NewCache(adapters venue.Set, logger *logrus.Logger) *Cache {
	venues := make(map[venue.ID]*VenueSnapshot, len(adapters))
	for id := range adapters {
		venues[id] = &VenueSnapshot{Stale: true}
	}
	return &Cache{
		adapters: adapters,
		venues:   venues,
		marks:    make(map[markKey]float64),
		funding:  make(map[markKey]float64),
		logger:   logger.WithField("component", "market"),
	}
}

// RefreshAll fans out to every adapter in parallel and pulls positions,
// balance and equity. A venue that fails keeps its previous snapshot
// flagged stale; the cycle continues with what it has. The returned error
// is non-nil only when every venue failed.
func (c *Cache) RefreshAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	results := make(map[venue.ID]*VenueSnapshot, len(c.adapters))
	var resMu sync.Mutex

	for id, adapter := range c.adapters {
		id, adapter := id, adapter
		g.Go(func() error {
			snap, err := c.fetchVenue(ctx, adapter)
			if err != nil {
				c.logger.Warnf("Refresh failed for %s: %v", id, err)
				return nil
			}
			resMu.Lock()
			results[id] = snap
			resMu.Unlock()
			return nil
		})
	}
	g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.adapters {
		snap, ok := results[id]
		if !ok {
			c.venues[id].Stale = true
			continue
		}
		c.venues[id] = snap
		for _, p := range snap.Positions {
			c.marks[markKey{id, p.Symbol}] = p.MarkPrice
		}
	}

	if len(results) == 0 {
		return ErrAllVenuesFailed
	}
	return nil
}

// ErrAllVenuesFailed is returned when no venue could be refreshed at all.
var ErrAllVenuesFailed = &venue.Error{Kind: venue.KindTransient, Op: "RefreshAll", Err: errAllFailed{}}

type errAllFailed struct{}

func (errAllFailed) Error() string { return "all venue refreshes failed" }

func (c *Cache) fetchVenue(ctx context.Context, adapter venue.Adapter) (*VenueSnapshot, error) {
	positions, err := adapter.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	balance, err := adapter.GetBalance(ctx)
	if err != nil {
		return nil, err
	}
	equity, err := adapter.GetEquity(ctx)
	if err != nil {
		return nil, err
	}

	kept := make([]venue.Position, 0, len(positions))
	for _, p := range positions {
		if p.IsDust() {
			continue
		}
		p.Symbol = util.NormalizeSymbol(p.Symbol)
		kept = append(kept, p)
	}
	return &VenueSnapshot{
		Positions: kept,
		Balance:   balance,
		Equity:    equity,
		UpdatedAt: time.Now(),
	}, nil
}

// RefreshFunding pulls funding rates for the given symbols on every venue.
// Missing rates are logged and skipped.
func (c *Cache) RefreshFunding(ctx context.Context, symbols []string) {
	g, ctx := errgroup.WithContext(ctx)
	type rateResult struct {
		key  markKey
		rate float64
	}
	results := make(chan rateResult, len(symbols)*len(c.adapters))

	for id, adapter := range c.adapters {
		id, adapter := id, adapter
		for _, sym := range symbols {
			sym := util.NormalizeSymbol(sym)
			g.Go(func() error {
				rate, err := adapter.GetFundingRate(ctx, sym)
				if err != nil {
					c.logger.Debugf("funding rate %s/%s: %v", id, sym, err)
					return nil
				}
				results <- rateResult{key: markKey{id, sym}, rate: rate}
				return nil
			})
		}
	}
	g.Wait()
	close(results)

	c.mu.Lock()
	defer c.mu.Unlock()
	for res := range results {
		c.funding[res.key] = res.rate
	}
}

// GetAllPositions returns every cached non-dust position across venues.
func (c *Cache) GetAllPositions() []venue.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []venue.Position
	for _, snap := range c.venues {
		out = append(out, snap.Positions...)
	}
	return out
}

// GetPositions returns the cached positions for one venue plus its stale
// flag.
func (c *Cache) GetPositions(v venue.ID) ([]venue.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.venues[v]
	if !ok {
		return nil, true
	}
	out := make([]venue.Position, len(snap.Positions))
	copy(out, snap.Positions)
	return out, snap.Stale
}

// GetPosition returns the cached position for (venue, normalized symbol,
// side), or false.
func (c *Cache) GetPosition(v venue.ID, symbol string, side venue.Side) (venue.Position, bool) {
	sym := util.NormalizeSymbol(symbol)
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.venues[v]
	if !ok {
		return venue.Position{}, false
	}
	for _, p := range snap.Positions {
		if p.Symbol == sym && p.Side == side {
			return p, true
		}
	}
	return venue.Position{}, false
}

// UpdatePosition inserts or replaces one cached position. Dust updates
// remove the position instead.
func (c *Cache) UpdatePosition(p venue.Position) {
	p.Symbol = util.NormalizeSymbol(p.Symbol)
	if p.IsDust() {
		c.RemovePosition(p.Venue, p.Symbol, p.Side)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.venues[p.Venue]
	if !ok {
		snap = &VenueSnapshot{}
		c.venues[p.Venue] = snap
	}
	for i, existing := range snap.Positions {
		if existing.Symbol == p.Symbol && existing.Side == p.Side {
			snap.Positions[i] = p
			return
		}
	}
	snap.Positions = append(snap.Positions, p)
}

// RemovePosition drops one cached position.
func (c *Cache) RemovePosition(v venue.ID, symbol string, side venue.Side) {
	sym := util.NormalizeSymbol(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.venues[v]
	if !ok {
		return
	}
	for i, p := range snap.Positions {
		if p.Symbol == sym && p.Side == side {
			snap.Positions = append(snap.Positions[:i], snap.Positions[i+1:]...)
			return
		}
	}
}

// GetMarkPrice returns the cached mark for (venue, symbol), falling back
// to a live adapter query when the cache has none.
func (c *Cache) GetMarkPrice(ctx context.Context, v venue.ID, symbol string) (float64, error) {
	sym := util.NormalizeSymbol(symbol)
	c.mu.RLock()
	mark, ok := c.marks[markKey{v, sym}]
	c.mu.RUnlock()
	if ok && mark > 0 {
		return mark, nil
	}

	adapter, found := c.adapters[v]
	if !found {
		return 0, venue.NewError(venue.KindInvariant, v, "GetMarkPrice", errUnknownVenue{})
	}
	mark, err := adapter.GetMarkPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.marks[markKey{v, sym}] = mark
	c.mu.Unlock()
	return mark, nil
}

type errUnknownVenue struct{}

func (errUnknownVenue) Error() string { return "venue not configured" }

// SetMarkPrice stores a mark observed out of band (fill prices, order
// book updates).
func (c *Cache) SetMarkPrice(v venue.ID, symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks[markKey{v, util.NormalizeSymbol(symbol)}] = price
}

// GetFundingRate returns the cached hourly funding rate for (venue,
// symbol), or false.
func (c *Cache) GetFundingRate(v venue.ID, symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.funding[markKey{v, util.NormalizeSymbol(symbol)}]
	return r, ok
}

// MarksFor returns the cached marks for a symbol keyed by venue.
func (c *Cache) MarksFor(symbol string) map[venue.ID]float64 {
	sym := util.NormalizeSymbol(symbol)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[venue.ID]float64)
	for key, mark := range c.marks {
		if key.symbol == sym {
			out[key.venue] = mark
		}
	}
	return out
}

// GetBalance returns the cached balance for a venue.
func (c *Cache) GetBalance(v venue.ID) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if snap, ok := c.venues[v]; ok {
		return snap.Balance
	}
	return 0
}

// GetEquity returns the cached equity for a venue.
func (c *Cache) GetEquity(v venue.ID) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if snap, ok := c.venues[v]; ok {
		return snap.Equity
	}
	return 0
}

// TotalEquity sums equity across non-stale venues.
func (c *Cache) TotalEquity() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total float64
	for _, snap := range c.venues {
		if !snap.Stale {
			total += snap.Equity
		}
	}
	return total
}

// IsStale reports whether the venue's snapshot failed its last refresh.
func (c *Cache) IsStale(v venue.ID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.venues[v]
	if !ok {
		return true
	}
	return snap.Stale
}

// Package lockreg is the process-wide execution coordinator: one global
// try-lock, per-symbol try-locks, per-(venue,symbol,side) order slots, and
// a ring buffer of recent order history for diagnostics.
package lockreg

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/perparb/funding-keeper/internal/util"
	"github.com/perparb/funding-keeper/internal/venue"
)

// historySize is the number of completed orders retained for diagnostics.
const historySize = 256

// SlotKey identifies one active-order slot.
type SlotKey struct {
	Venue  venue.ID
	Symbol string
	Side   venue.Side
}

func slotKey(v venue.ID, symbol string, side venue.Side) SlotKey {
	return SlotKey{Venue: v, Symbol: util.NormalizeSymbol(symbol), Side: side}
}

// TrackedOrder is an order plus the execution thread that placed it.
type TrackedOrder struct {
	venue.Order
	ThreadID string `json:"thread_id"`
}

// lockHolder records who holds a lock and why, for the diagnostics surface.
type lockHolder struct {
	ThreadID   string    `json:"thread_id"`
	Reason     string    `json:"reason"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Registry serializes execution across the keeper. All methods are
// non-blocking; a failed acquire means the caller skips its tick.
type Registry struct {
	mu sync.Mutex

	global      *lockHolder
	symbols     map[string]*lockHolder
	slots       map[SlotKey]*TrackedOrder
	history     [historySize]*TrackedOrder
	historyPos  int
	completedAt map[string]time.Time

	logger *logrus.Entry
}

// New builds an empty registry.
func New(logger *logrus.Logger) *Registry {
	return &Registry{
		symbols:     make(map[string]*lockHolder),
		slots:       make(map[SlotKey]*TrackedOrder),
		completedAt: make(map[string]time.Time),
		logger:      logger.WithField("component", "lockreg"),
	}
}

// TryAcquireGlobal takes the global lock if free. Callers must release in a
// deferred path so a panic cannot leave it held.
func (r *Registry) TryAcquireGlobal(threadID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.global != nil {
		return false
	}
	r.global = &lockHolder{ThreadID: threadID, Reason: reason, AcquiredAt: time.Now()}
	return true
}

// ReleaseGlobal frees the global lock. Releasing a lock held by another
// thread is logged and ignored.
func (r *Registry) ReleaseGlobal(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.global == nil {
		return
	}
	if r.global.ThreadID != threadID {
		r.logger.Warnf("thread %s tried to release global lock held by %s", threadID, r.global.ThreadID)
		return
	}
	r.global = nil
}

// IsGlobalHeld reports whether the global lock is taken.
func (r *Registry) IsGlobalHeld() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.global != nil
}

// TryAcquireSymbol takes the per-symbol lock if free.
func (r *Registry) TryAcquireSymbol(symbol, threadID, reason string) bool {
	sym := util.NormalizeSymbol(symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.symbols[sym]; held {
		return false
	}
	r.symbols[sym] = &lockHolder{ThreadID: threadID, Reason: reason, AcquiredAt: time.Now()}
	return true
}

// ReleaseSymbol frees a symbol lock held by threadID.
func (r *Registry) ReleaseSymbol(symbol, threadID string) {
	sym := util.NormalizeSymbol(symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	holder, ok := r.symbols[sym]
	if !ok {
		return
	}
	if holder.ThreadID != threadID {
		r.logger.Warnf("thread %s tried to release %s lock held by %s", threadID, sym, holder.ThreadID)
		return
	}
	delete(r.symbols, sym)
}

// IsSymbolLocked reports whether the symbol is owned by an execution thread.
func (r *Registry) IsSymbolLocked(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, held := r.symbols[util.NormalizeSymbol(symbol)]
	return held
}

// RegisterOrderPlacing occupies the (venue, symbol, side) slot before any
// network call goes out. An occupied slot is an invariant violation on the
// caller's part and returns an error.
func (r *Registry) RegisterOrderPlacing(orderID string, v venue.ID, symbol string, side venue.Side, threadID string, size, price float64) error {
	key := slotKey(v, symbol, side)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, occupied := r.slots[key]; occupied {
		return fmt.Errorf("slot %s/%s/%s occupied by order %s (thread %s)", key.Venue, key.Symbol, key.Side, existing.Order.ID, existing.ThreadID)
	}
	r.slots[key] = &TrackedOrder{
		Order: venue.Order{
			ID:       orderID,
			Venue:    v,
			Symbol:   key.Symbol,
			Side:     side,
			Size:     size,
			Price:    price,
			PlacedAt: time.Now(),
			Status:   venue.StatusPlacing,
		},
		ThreadID: threadID,
	}
	return nil
}

// UpdateOrderStatus advances the slot's order. Terminal statuses move the
// order into the history ring and free the slot. orderID and price, when
// non-zero, overwrite the tracked values (cancel-and-replace reuses the
// slot this way, never leaving it empty in between).
func (r *Registry) UpdateOrderStatus(v venue.ID, symbol string, side venue.Side, status venue.OrderStatus, orderID string, price float64, reduceOnly bool) {
	key := slotKey(v, symbol, side)
	r.mu.Lock()
	defer r.mu.Unlock()
	ord, ok := r.slots[key]
	if !ok {
		r.logger.Debugf("status update for empty slot %s/%s/%s ignored", key.Venue, key.Symbol, key.Side)
		return
	}
	if orderID != "" {
		ord.Order.ID = orderID
	}
	if price != 0 {
		ord.Order.Price = price
	}
	ord.Order.ReduceOnly = reduceOnly
	ord.Order.Status = status
	if status.IsTerminal() {
		r.retire(key, ord)
	}
}

// retire moves an order into history and frees its slot. Caller holds the
// registry mutex.
func (r *Registry) retire(key SlotKey, ord *TrackedOrder) {
	r.history[r.historyPos] = ord
	r.historyPos = (r.historyPos + 1) % historySize
	delete(r.slots, key)
	r.completedAt[key.Symbol] = time.Now()
}

// HasActiveOrder reports whether the slot is occupied.
func (r *Registry) HasActiveOrder(v venue.ID, symbol string, side venue.Side) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.slots[slotKey(v, symbol, side)]
	return ok
}

// GetActiveOrder returns the order occupying the slot, or false.
func (r *Registry) GetActiveOrder(v venue.ID, symbol string, side venue.Side) (TrackedOrder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ord, ok := r.slots[slotKey(v, symbol, side)]
	if !ok {
		return TrackedOrder{}, false
	}
	return *ord, true
}

// GetAllActiveOrders returns a copy of every occupied slot.
func (r *Registry) GetAllActiveOrders() []TrackedOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TrackedOrder, 0, len(r.slots))
	for _, ord := range r.slots {
		out = append(out, *ord)
	}
	return out
}

// GetOrdersOlderThan returns active orders placed more than age ago.
func (r *Registry) GetOrdersOlderThan(age time.Duration) []TrackedOrder {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TrackedOrder
	for _, ord := range r.slots {
		if ord.Order.Age(now) > age {
			out = append(out, *ord)
		}
	}
	return out
}

// GetOrdersByThread returns active orders placed by the given thread.
func (r *Registry) GetOrdersByThread(threadID string) []TrackedOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TrackedOrder
	for _, ord := range r.slots {
		if ord.ThreadID == threadID {
			out = append(out, *ord)
		}
	}
	return out
}

// ActiveSymbols returns the normalized symbols that currently have at least
// one occupied slot.
func (r *Registry) ActiveSymbols() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool)
	for key := range r.slots {
		out[key.Symbol] = true
	}
	return out
}

// ForceClearOrder empties the slot without recording a completion time.
// Emergency cleanup only.
func (r *Registry) ForceClearOrder(v venue.ID, symbol string, side venue.Side) {
	key := slotKey(v, symbol, side)
	r.mu.Lock()
	defer r.mu.Unlock()
	ord, ok := r.slots[key]
	if !ok {
		return
	}
	ord.Order.Status = venue.StatusFailed
	r.history[r.historyPos] = ord
	r.historyPos = (r.historyPos + 1) % historySize
	delete(r.slots, key)
	r.logger.Warnf("Force-cleared order slot %s/%s/%s (order %s)", key.Venue, key.Symbol, key.Side, ord.Order.ID)
}

// RecentHistory returns up to n most recently retired orders, newest first.
func (r *Registry) RecentHistory(n int) []TrackedOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > historySize {
		n = historySize
	}
	out := make([]TrackedOrder, 0, n)
	for i := 1; i <= historySize && len(out) < n; i++ {
		idx := (r.historyPos - i + historySize) % historySize
		if r.history[idx] == nil {
			break
		}
		out = append(out, *r.history[idx])
	}
	return out
}

// MarkExecutionCompleted records that an execution on the symbol finished,
// starting its grace window.
func (r *Registry) MarkExecutionCompleted(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completedAt[util.NormalizeSymbol(symbol)] = time.Now()
}

// InExecutionCooldown reports whether the symbol completed an execution
// within the window. Supervisors refuse destructive actions during the
// grace period.
func (r *Registry) InExecutionCooldown(symbol string, window time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.completedAt[util.NormalizeSymbol(symbol)]
	if !ok {
		return false
	}
	return time.Since(at) < window
}

// ExecutionCompletedAt returns when the last execution on the symbol
// finished, or false.
func (r *Registry) ExecutionCompletedAt(symbol string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.completedAt[util.NormalizeSymbol(symbol)]
	return at, ok
}

// LockSnapshot describes current lock holders for diagnostics.
type LockSnapshot struct {
	GlobalHeld   bool              `json:"global_held"`
	GlobalHolder string            `json:"global_holder,omitempty"`
	GlobalReason string            `json:"global_reason,omitempty"`
	Symbols      map[string]string `json:"symbols"`
	ActiveOrders []TrackedOrder    `json:"active_orders"`
}

// Snapshot returns the current lock and slot state.
func (r *Registry) Snapshot() LockSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := LockSnapshot{Symbols: make(map[string]string)}
	if r.global != nil {
		snap.GlobalHeld = true
		snap.GlobalHolder = r.global.ThreadID
		snap.GlobalReason = r.global.Reason
	}
	for sym, holder := range r.symbols {
		snap.Symbols[sym] = holder.Reason
	}
	for _, ord := range r.slots {
		snap.ActiveOrders = append(snap.ActiveOrders, *ord)
	}
	return snap
}

package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Mock is an in-memory Adapter for tests and paper trading. Orders fill
// immediately at the configured mark price unless FillMode says otherwise;
// individual calls can be overridden with the *Func hooks.
type Mock struct {
	mu sync.Mutex

	ID        ID
	FillMode  FillMode
	Balance   float64
	Equity    float64
	positions map[string]Position // keyed by symbol
	orders    map[string]*Order   // keyed by order ID
	marks     map[string]float64
	funding   map[string]float64
	nextID    int

	// Optional per-call overrides. When set they replace the default
	// behavior entirely.
	PlaceOrderFunc     func(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	CancelOrderFunc    func(ctx context.Context, orderID, symbol string) (bool, error)
	GetOrderStatusFunc func(ctx context.Context, orderID, symbol string) (*OrderResponse, error)
	GetPositionsFunc   func(ctx context.Context) ([]Position, error)
	GetMarkPriceFunc   func(ctx context.Context, symbol string) (float64, error)
	GetFundingRateFunc func(ctx context.Context, symbol string) (float64, error)

	// Err, when set, is returned from every call that has no override.
	Err error

	PlacedOrders    []OrderRequest
	CancelledOrders []string
}

// FillMode controls how the mock fills limit orders.
type FillMode int

const (
	// FillImmediate fills every order on placement.
	FillImmediate FillMode = iota
	// FillNever leaves limit orders resting until cancelled. Market orders
	// still fill.
	FillNever
	// FillReject rejects every placement.
	FillReject
)

// NewMock builds a mock adapter for the given venue with a default balance.
func NewMock(id ID) *Mock {
	return &Mock{
		ID:        id,
		Balance:   10000,
		Equity:    10000,
		positions: make(map[string]Position),
		orders:    make(map[string]*Order),
		marks:     make(map[string]float64),
		funding:   make(map[string]float64),
	}
}

var _ Adapter = (*Mock)(nil)

func (m *Mock) Name() ID { return m.ID }

// SetMarkPrice seeds the mark price for a symbol.
func (m *Mock) SetMarkPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[symbol] = price
}

// SetFundingRate seeds the hourly funding rate for a symbol.
func (m *Mock) SetFundingRate(symbol string, r float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funding[symbol] = r
}

// SetPosition installs a position directly, bypassing order flow.
func (m *Mock) SetPosition(p Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Venue = m.ID
	m.positions[p.Symbol] = p
}

// RemovePosition deletes a position directly.
func (m *Mock) RemovePosition(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, symbol)
}

func (m *Mock) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if m.PlaceOrderFunc != nil {
		return m.PlaceOrderFunc(ctx, req)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.PlacedOrders = append(m.PlacedOrders, req)

	if m.FillMode == FillReject {
		return nil, NewError(KindRejected, m.ID, "PlaceOrder", errors.New("order rejected"))
	}

	m.nextID++
	id := fmt.Sprintf("%s-%d", m.ID, m.nextID)
	ord := &Order{
		ID:          id,
		Venue:       m.ID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Size:        req.Size,
		Price:       req.Price,
		TimeInForce: req.TimeInForce,
		ReduceOnly:  req.ReduceOnly,
		PlacedAt:    time.Now(),
		Status:      StatusWaitingFill,
	}

	fills := req.Type == Market || m.FillMode == FillImmediate
	if fills {
		price := req.Price
		if mark, ok := m.marks[req.Symbol]; ok && (req.Type == Market || price == 0) {
			price = mark
		}
		ord.Status = StatusFilled
		ord.FilledSize = req.Size
		ord.AvgFillPrice = price
		m.applyFill(req, price)
	}
	m.orders[id] = ord

	return &OrderResponse{
		OrderID:      id,
		Status:       ord.Status,
		FilledSize:   ord.FilledSize,
		AvgFillPrice: ord.AvgFillPrice,
	}, nil
}

// applyFill nets the fill into the symbol's position. Caller holds the lock.
func (m *Mock) applyFill(req OrderRequest, price float64) {
	pos, ok := m.positions[req.Symbol]
	if !ok {
		m.positions[req.Symbol] = Position{
			Venue:      m.ID,
			Symbol:     req.Symbol,
			Side:       req.Side,
			Size:       req.Size,
			EntryPrice: price,
			MarkPrice:  price,
			UpdatedAt:  time.Now(),
		}
		return
	}
	if pos.Side == req.Side {
		pos.Size += req.Size
	} else {
		pos.Size -= req.Size
		if pos.Size < 0 {
			pos.Size = -pos.Size
			pos.Side = req.Side
		}
	}
	pos.UpdatedAt = time.Now()
	if pos.Size <= DustSize {
		delete(m.positions, req.Symbol)
		return
	}
	m.positions[req.Symbol] = pos
}

func (m *Mock) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	if m.CancelOrderFunc != nil {
		return m.CancelOrderFunc(ctx, orderID, symbol)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	m.CancelledOrders = append(m.CancelledOrders, orderID)
	ord, ok := m.orders[orderID]
	if !ok || ord.Status.IsTerminal() {
		return false, NewError(KindNotFound, m.ID, "CancelOrder", errors.New("order not found"))
	}
	ord.Status = StatusCancelled
	return true, nil
}

func (m *Mock) CancelAllOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for _, ord := range m.orders {
		if (symbol == "" || ord.Symbol == symbol) && !ord.Status.IsTerminal() {
			ord.Status = StatusCancelled
		}
	}
	return nil
}

func (m *Mock) GetOrderStatus(ctx context.Context, orderID, symbol string) (*OrderResponse, error) {
	if m.GetOrderStatusFunc != nil {
		return m.GetOrderStatusFunc(ctx, orderID, symbol)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	ord, ok := m.orders[orderID]
	if !ok {
		return nil, NewError(KindNotFound, m.ID, "GetOrderStatus", errors.New("order not found"))
	}
	return &OrderResponse{
		OrderID:      ord.ID,
		Status:       ord.Status,
		FilledSize:   ord.FilledSize,
		AvgFillPrice: ord.AvgFillPrice,
	}, nil
}

func (m *Mock) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []Order
	for _, ord := range m.orders {
		if (symbol == "" || ord.Symbol == symbol) && !ord.Status.IsTerminal() {
			out = append(out, *ord)
		}
	}
	return out, nil
}

func (m *Mock) GetPositions(ctx context.Context) ([]Position, error) {
	if m.GetPositionsFunc != nil {
		return m.GetPositionsFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		if mark, ok := m.marks[p.Symbol]; ok {
			p.MarkPrice = mark
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *Mock) GetBalance(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Balance, nil
}

func (m *Mock) GetEquity(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Equity, nil
}

func (m *Mock) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	if m.GetMarkPriceFunc != nil {
		return m.GetMarkPriceFunc(ctx, symbol)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	mark, ok := m.marks[symbol]
	if !ok {
		return 0, NewError(KindNotFound, m.ID, "GetMarkPrice", fmt.Errorf("no mark price for %s", symbol))
	}
	return mark, nil
}

func (m *Mock) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	if m.GetFundingRateFunc != nil {
		return m.GetFundingRateFunc(ctx, symbol)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return m.funding[symbol], nil
}

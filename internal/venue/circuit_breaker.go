package venue

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerSettings configures the per-venue circuit breaker.
type BreakerSettings struct {
	// ErrorThreshold is the number of failures per Interval that trips the
	// breaker (CLOSED -> OPEN).
	ErrorThreshold uint32
	// Interval is the rolling window over which failures are counted.
	Interval time.Duration
	// Cooldown is how long the breaker stays OPEN before probing
	// (OPEN -> HALF_OPEN).
	Cooldown time.Duration
	// HalfOpenAttempts is how many consecutive successes close the breaker
	// again (HALF_OPEN -> CLOSED). Any failure reopens it.
	HalfOpenAttempts uint32
}

// DefaultBreakerSettings matches the keeper's configuration defaults.
var DefaultBreakerSettings = BreakerSettings{
	ErrorThreshold:   10,
	Interval:         time.Hour,
	Cooldown:         5 * time.Minute,
	HalfOpenAttempts: 3,
}

// BreakerAdapter wraps an Adapter with a circuit breaker. While the breaker
// is open, new exposure is blocked. Risk-reducing calls (reduce-only
// orders, cancels, and the reads needed to manage existing positions) pass
// through to the underlying adapter untouched.
type BreakerAdapter struct {
	inner   Adapter
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Entry
}

// WithBreaker wraps an adapter with circuit breaker protection.
func WithBreaker(inner Adapter, settings BreakerSettings, logger *logrus.Logger) *BreakerAdapter {
	if settings.ErrorThreshold == 0 {
		settings = DefaultBreakerSettings
	}
	entry := logger.WithField("component", "breaker").WithField("venue", inner.Name())

	gb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(inner.Name()),
		MaxRequests: settings.HalfOpenAttempts,
		Interval:    settings.Interval,
		Timeout:     settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= settings.ErrorThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			entry.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Not-found on cancel/status is venue truth, not a venue
			// failure; it must not trip the breaker.
			return err == nil || IsNotFound(err)
		},
	})

	return &BreakerAdapter{inner: inner, breaker: gb, logger: entry}
}

var _ Adapter = (*BreakerAdapter)(nil)

// State returns the breaker's current state name for diagnostics.
func (b *BreakerAdapter) State() string { return b.breaker.State().String() }

// Inner returns the wrapped adapter (capability discovery needs it).
func (b *BreakerAdapter) Inner() Adapter { return b.inner }

func execBreaker[T any](b *BreakerAdapter, op string, fn func() (T, error)) (T, error) {
	var zero T
	res, err := b.breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, NewError(KindBreakerOpen, b.inner.Name(), op, err)
		}
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, nil
	}
	return v, nil
}

func (b *BreakerAdapter) Name() ID { return b.inner.Name() }

// PlaceOrder routes opening orders through the breaker. Reduce-only orders
// bypass it entirely: closing exposure must stay possible while the venue
// is misbehaving.
func (b *BreakerAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if req.ReduceOnly {
		return b.inner.PlaceOrder(ctx, req)
	}
	return execBreaker(b, "PlaceOrder", func() (*OrderResponse, error) {
		return b.inner.PlaceOrder(ctx, req)
	})
}

// CancelOrder always passes through: cancels only reduce risk.
func (b *BreakerAdapter) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	return b.inner.CancelOrder(ctx, orderID, symbol)
}

// CancelAllOrders always passes through.
func (b *BreakerAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	return b.inner.CancelAllOrders(ctx, symbol)
}

func (b *BreakerAdapter) GetOrderStatus(ctx context.Context, orderID, symbol string) (*OrderResponse, error) {
	return execBreaker(b, "GetOrderStatus", func() (*OrderResponse, error) {
		return b.inner.GetOrderStatus(ctx, orderID, symbol)
	})
}

func (b *BreakerAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	return execBreaker(b, "GetOpenOrders", func() ([]Order, error) {
		return b.inner.GetOpenOrders(ctx, symbol)
	})
}

func (b *BreakerAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	return execBreaker(b, "GetPositions", func() ([]Position, error) {
		return b.inner.GetPositions(ctx)
	})
}

func (b *BreakerAdapter) GetBalance(ctx context.Context) (float64, error) {
	return execBreaker(b, "GetBalance", func() (float64, error) {
		return b.inner.GetBalance(ctx)
	})
}

func (b *BreakerAdapter) GetEquity(ctx context.Context) (float64, error) {
	return execBreaker(b, "GetEquity", func() (float64, error) {
		return b.inner.GetEquity(ctx)
	})
}

func (b *BreakerAdapter) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return execBreaker(b, "GetMarkPrice", func() (float64, error) {
		return b.inner.GetMarkPrice(ctx, symbol)
	})
}

func (b *BreakerAdapter) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	return execBreaker(b, "GetFundingRate", func() (float64, error) {
		return b.inner.GetFundingRate(ctx, symbol)
	})
}

// ModifyOrder forwards to the inner adapter when supported, keeping the
// capability visible through the wrapper.
func (b *BreakerAdapter) ModifyOrder(ctx context.Context, orderID string, req OrderRequest) (*OrderResponse, error) {
	mod, ok := b.inner.(OrderModifier)
	if !ok {
		return nil, NewError(KindInvariant, b.inner.Name(), "ModifyOrder", errors.New("adapter does not support modify"))
	}
	return execBreaker(b, "ModifyOrder", func() (*OrderResponse, error) {
		return mod.ModifyOrder(ctx, orderID, req)
	})
}

// SupportsModify reports whether the wrapped adapter can modify orders
// in place.
func (b *BreakerAdapter) SupportsModify() bool {
	_, ok := b.inner.(OrderModifier)
	return ok
}

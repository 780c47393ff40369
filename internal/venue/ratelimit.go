package venue

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedAdapter throttles all calls to the underlying adapter with a
// shared token bucket. Venues publish per-account request budgets; staying
// under them here keeps individual components from having to coordinate.
type RateLimitedAdapter struct {
	inner   Adapter
	limiter *rate.Limiter
}

// WithRateLimit wraps an adapter with a token-bucket limiter of rps
// requests per second and the given burst.
func WithRateLimit(inner Adapter, rps float64, burst int) *RateLimitedAdapter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = int(rps)
	}
	return &RateLimitedAdapter{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

var _ Adapter = (*RateLimitedAdapter)(nil)

// Inner returns the wrapped adapter.
func (r *RateLimitedAdapter) Inner() Adapter { return r.inner }

func (r *RateLimitedAdapter) wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

func (r *RateLimitedAdapter) Name() ID { return r.inner.Name() }

func (r *RateLimitedAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.PlaceOrder(ctx, req)
}

func (r *RateLimitedAdapter) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	if err := r.wait(ctx); err != nil {
		return false, err
	}
	return r.inner.CancelOrder(ctx, orderID, symbol)
}

func (r *RateLimitedAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	return r.inner.CancelAllOrders(ctx, symbol)
}

func (r *RateLimitedAdapter) GetOrderStatus(ctx context.Context, orderID, symbol string) (*OrderResponse, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetOrderStatus(ctx, orderID, symbol)
}

func (r *RateLimitedAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetOpenOrders(ctx, symbol)
}

func (r *RateLimitedAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetPositions(ctx)
}

func (r *RateLimitedAdapter) GetBalance(ctx context.Context) (float64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.inner.GetBalance(ctx)
}

func (r *RateLimitedAdapter) GetEquity(ctx context.Context) (float64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.inner.GetEquity(ctx)
}

func (r *RateLimitedAdapter) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.inner.GetMarkPrice(ctx, symbol)
}

func (r *RateLimitedAdapter) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.inner.GetFundingRate(ctx, symbol)
}

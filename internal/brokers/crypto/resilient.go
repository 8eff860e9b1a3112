package crypto

import (
	"context"

	"tradingcore/internal/broker"
)

// Resilient wraps a raw Client with broker.Resilience: retries, backoff,
// and a per-endpoint circuit breaker. The emergency protocol bypasses all
// of this by calling Delegate() to reach the raw Client directly.
type Resilient struct {
	delegate *Client
	res      *broker.Resilience
}

func NewResilient(delegate *Client, res *broker.Resilience) *Resilient {
	return &Resilient{delegate: delegate, res: res}
}

func (r *Resilient) GetTicker(ctx context.Context, symbol string) (broker.Ticker, error) {
	var out broker.Ticker
	err := r.res.Do(ctx, "crypto.GetTicker", func(ctx context.Context) error {
		v, err := r.delegate.GetTicker(ctx, symbol)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) GetBalance(ctx context.Context) (broker.Balance, error) {
	var out broker.Balance
	err := r.res.Do(ctx, "crypto.GetBalance", func(ctx context.Context) error {
		v, err := r.delegate.GetBalance(ctx)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) GetTradesHistory(ctx context.Context, symbol string, lookback int) ([]broker.Fill, error) {
	var out []broker.Fill
	err := r.res.Do(ctx, "crypto.GetTradesHistory", func(ctx context.Context) error {
		v, err := r.delegate.GetTradesHistory(ctx, symbol, lookback)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) GetOpenOrders(ctx context.Context, symbol string) ([]broker.Order, error) {
	var out []broker.Order
	err := r.res.Do(ctx, "crypto.GetOpenOrders", func(ctx context.Context) error {
		v, err := r.delegate.GetOpenOrders(ctx, symbol)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) CancelOrder(ctx context.Context, orderID string) error {
	return r.res.Do(ctx, "crypto.CancelOrder", func(ctx context.Context) error {
		return r.delegate.CancelOrder(ctx, orderID)
	})
}

func (r *Resilient) CancelAllOrders(ctx context.Context, symbol string) error {
	return r.res.Do(ctx, "crypto.CancelAllOrders", func(ctx context.Context) error {
		return r.delegate.CancelAllOrders(ctx, symbol)
	})
}

func (r *Resilient) PlaceLimitOrder(ctx context.Context, intent broker.OrderIntent) (broker.OrderResult, error) {
	var out broker.OrderResult
	err := r.res.Do(ctx, "crypto.PlaceLimitOrder", func(ctx context.Context) error {
		v, err := r.delegate.PlaceLimitOrder(ctx, intent)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) PlaceMarketOrder(ctx context.Context, intent broker.OrderIntent) (broker.OrderResult, error) {
	var out broker.OrderResult
	err := r.res.Do(ctx, "crypto.PlaceMarketOrder", func(ctx context.Context) error {
		v, err := r.delegate.PlaceMarketOrder(ctx, intent)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) CanPlaceOrder(ctx context.Context, intent broker.OrderIntent) (bool, error) {
	var out bool
	err := r.res.Do(ctx, "crypto.CanPlaceOrder", func(ctx context.Context) error {
		v, err := r.delegate.CanPlaceOrder(ctx, intent)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) Delegate() broker.BrokerCrypto { return r.delegate }

package equity

import (
	"context"

	"tradingcore/internal/broker"
)

// Resilient wraps a raw Client with broker.Resilience. The emergency
// protocol reaches past this via Delegate() to flatten positions even
// while a circuit breaker would otherwise block normal trading calls.
type Resilient struct {
	delegate *Client
	res      *broker.Resilience
}

func NewResilient(delegate *Client, res *broker.Resilience) *Resilient {
	return &Resilient{delegate: delegate, res: res}
}

func (r *Resilient) GetAccount(ctx context.Context) (broker.Account, error) {
	var out broker.Account
	err := r.res.Do(ctx, "equity.GetAccount", func(ctx context.Context) error {
		v, err := r.delegate.GetAccount(ctx)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) GetPositions(ctx context.Context) ([]broker.BrokerPosition, error) {
	var out []broker.BrokerPosition
	err := r.res.Do(ctx, "equity.GetPositions", func(ctx context.Context) error {
		v, err := r.delegate.GetPositions(ctx)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) GetOpenOrders(ctx context.Context, symbol string) ([]broker.Order, error) {
	var out []broker.Order
	err := r.res.Do(ctx, "equity.GetOpenOrders", func(ctx context.Context) error {
		v, err := r.delegate.GetOpenOrders(ctx, symbol)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) CancelOrder(ctx context.Context, orderID string) error {
	return r.res.Do(ctx, "equity.CancelOrder", func(ctx context.Context) error {
		return r.delegate.CancelOrder(ctx, orderID)
	})
}

func (r *Resilient) CancelAllOrders(ctx context.Context, symbol string) error {
	return r.res.Do(ctx, "equity.CancelAllOrders", func(ctx context.Context) error {
		return r.delegate.CancelAllOrders(ctx, symbol)
	})
}

func (r *Resilient) PlaceOrder(ctx context.Context, intent broker.OrderIntent) (broker.OrderResult, error) {
	var out broker.OrderResult
	err := r.res.Do(ctx, "equity.PlaceOrder", func(ctx context.Context) error {
		v, err := r.delegate.PlaceOrder(ctx, intent)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) PlaceBracket(ctx context.Context, intent broker.OrderIntent) (broker.OrderResult, error) {
	var out broker.OrderResult
	err := r.res.Do(ctx, "equity.PlaceBracket", func(ctx context.Context) error {
		v, err := r.delegate.PlaceBracket(ctx, intent)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) GetLatestBar(ctx context.Context, symbol string) (broker.Bar, error) {
	var out broker.Bar
	err := r.res.Do(ctx, "equity.GetLatestBar", func(ctx context.Context) error {
		v, err := r.delegate.GetLatestBar(ctx, symbol)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) GetBars(ctx context.Context, symbol string, lookback int) ([]broker.Bar, error) {
	var out []broker.Bar
	err := r.res.Do(ctx, "equity.GetBars", func(ctx context.Context) error {
		v, err := r.delegate.GetBars(ctx, symbol, lookback)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) GetMarketHistory(ctx context.Context, symbol string, lookback int) ([]broker.Fill, error) {
	var out []broker.Fill
	err := r.res.Do(ctx, "equity.GetMarketHistory", func(ctx context.Context) error {
		v, err := r.delegate.GetMarketHistory(ctx, symbol, lookback)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) IsMarketOpen(ctx context.Context) (bool, error) {
	var out bool
	err := r.res.Do(ctx, "equity.IsMarketOpen", func(ctx context.Context) error {
		v, err := r.delegate.IsMarketOpen(ctx)
		out = v
		return err
	})
	return out, err
}

func (r *Resilient) Delegate() broker.BrokerEquity { return r.delegate }

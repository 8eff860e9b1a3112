package broker

import "context"

// BrokerEquity is the capability contract for the equities brokerage.
// Implementations wrap a REST delegate; see Delegate() for the raw,
// unwrapped client the emergency protocol uses to bypass resilience.
type BrokerEquity interface {
	GetAccount(ctx context.Context) (Account, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	PlaceOrder(ctx context.Context, intent OrderIntent) (OrderResult, error)
	PlaceBracket(ctx context.Context, intent OrderIntent) (OrderResult, error)
	GetLatestBar(ctx context.Context, symbol string) (Bar, error)
	GetBars(ctx context.Context, symbol string, lookback int) ([]Bar, error)
	GetMarketHistory(ctx context.Context, symbol string, lookback int) ([]Fill, error)
	IsMarketOpen(ctx context.Context) (bool, error)

	// Delegate returns the unwrapped client beneath the resilience layer,
	// for callers (the emergency protocol) that must not be slowed or
	// blocked by backoff or an open circuit breaker.
	Delegate() BrokerEquity
}

// BrokerCrypto is the capability contract for the crypto brokerage.
type BrokerCrypto interface {
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetBalance(ctx context.Context) (Balance, error)
	GetTradesHistory(ctx context.Context, symbol string, lookback int) ([]Fill, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	PlaceLimitOrder(ctx context.Context, intent OrderIntent) (OrderResult, error)
	PlaceMarketOrder(ctx context.Context, intent OrderIntent) (OrderResult, error)
	CanPlaceOrder(ctx context.Context, intent OrderIntent) (bool, error)

	Delegate() BrokerCrypto
}

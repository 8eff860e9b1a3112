package stream

import (
	"context"
	"time"

	"tradingcore/internal/broker"
)

// RESTQuoter is the REST fallback PriceSource reads from when the
// stream cache has nothing fresh. broker.BrokerCrypto and
// broker.BrokerEquity both satisfy it already.
type RESTQuoter interface {
	GetTicker(ctx context.Context, symbol string) (broker.Ticker, error)
}

// PriceSource implements the engine's price read policy: a fresh
// QuoteStream value first, a REST ticker call second, and 0 last --
// callers must treat a 0 as "unavailable" and skip the symbol, never as
// a real price.
type PriceSource struct {
	Quotes *QuoteStream
	REST   RESTQuoter
	Now    func() time.Time
}

func (p *PriceSource) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *PriceSource) Price(ctx context.Context, symbol string) float64 {
	if p.Quotes != nil {
		if price, ok := p.Quotes.LastPrice(symbol, p.now()); ok {
			return price
		}
	}
	if p.REST == nil {
		return 0
	}
	ticker, err := p.REST.GetTicker(ctx, symbol)
	if err != nil {
		return 0
	}
	return ticker.Last
}

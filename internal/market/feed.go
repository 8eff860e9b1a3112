// Package market supplies the runner.MarketData implementation the
// engine wires into each ProfileRunner: a background sampler that polls
// latest bars from the equities broker and caches VIX, per-symbol
// trend, price history, and top-of-book quote readings so a cycle never
// blocks on the network. Grounded on internal/stream.QuoteStream's
// cache-and-read-never-blocks shape, generalized from a websocket tick
// cache to a REST bar poller, and on internal/indicators.Momentum for
// the trend calculation itself.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradingcore/internal/broker"
	"tradingcore/internal/indicators"
)

// BarSource is the capability Feed needs from the equities broker: the
// latest bar for a symbol. broker.BrokerEquity satisfies it already.
type BarSource interface {
	GetLatestBar(ctx context.Context, symbol string) (broker.Bar, error)
}

// LiveQuoteSource is the capability Feed needs from a websocket tick
// cache: a last price for a symbol, or false if none is fresh enough to
// trust. stream.QuoteStream satisfies this already.
type LiveQuoteSource interface {
	LastPrice(symbol string, now time.Time) (float64, bool)
}

// Feed polls BarSource on an interval and exposes the last-known VIX
// level, per-symbol momentum, price history, and quote to readers that
// must never block. A symbol or VIX read that errors or hasn't ticked
// yet degrades to the type's zero value -- callers already treat 0/false
// as "unavailable" the same way stream.PriceSource's REST fallback does.
type Feed struct {
	Bars     BarSource
	VIXSymbol string
	Symbols   []string

	SampleInterval time.Duration
	HistoryLen     int
	MomentumBars   int

	// Aliases lets a caller ask Trend/PriceHistory/Quote by a key that
	// isn't itself a broker symbol -- e.g. a profile ID standing in for
	// that profile's representative trend proxy -- by resolving to the
	// underlying tracked symbol at read time. A key with no entry here
	// and no direct tracker returns the type's zero value.
	Aliases map[string]string

	// LiveQuotes is an optional websocket tick cache consulted before
	// the REST-bar-derived quote: a fresh tick wins, a stale or missing
	// one falls back to the last sampled bar. This is the same
	// WS-preferred/REST-fallback duality internal/stream.PriceSource
	// already gives the crypto leg, applied here to equities since
	// BrokerEquity has no REST quote endpoint of its own to pair a
	// PriceSource with. *stream.QuoteStream satisfies this interface;
	// it is kept narrow here so a test can fake it without reaching
	// into that type's private cache.
	LiveQuotes LiveQuoteSource

	Now func() time.Time

	mu       sync.RWMutex
	vix      float64
	quotes   map[string]broker.Quote
	history  map[string][]float64
	momentum map[string]*indicators.Momentum
}

// NewFeed builds a Feed tracking vixSymbol and every symbol in symbols.
// sampleInterval/historyLen/momentumBars fall back to sane defaults
// when zero.
func NewFeed(bars BarSource, vixSymbol string, symbols []string, sampleInterval time.Duration, historyLen, momentumBars int) *Feed {
	if sampleInterval <= 0 {
		sampleInterval = 5 * time.Second
	}
	if historyLen <= 0 {
		historyLen = 200
	}
	if momentumBars <= 0 {
		momentumBars = 10
	}

	f := &Feed{
		Bars:           bars,
		VIXSymbol:      vixSymbol,
		Symbols:        symbols,
		SampleInterval: sampleInterval,
		HistoryLen:     historyLen,
		MomentumBars:   momentumBars,
		quotes:         make(map[string]broker.Quote),
		history:        make(map[string][]float64),
		momentum:       make(map[string]*indicators.Momentum),
	}
	for _, sym := range symbols {
		f.momentum[sym] = indicators.NewMomentum(momentumBars)
	}
	return f
}

func (f *Feed) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Run polls every SampleInterval until ctx is cancelled. A single bad
// symbol never stops the loop -- it logs and moves on, the same posture
// stream.connection.run takes toward a failed dial.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.SampleInterval)
	defer ticker.Stop()
	f.sampleAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.sampleAll(ctx)
		}
	}
}

func (f *Feed) sampleAll(ctx context.Context) {
	if f.VIXSymbol != "" {
		if bar, err := f.Bars.GetLatestBar(ctx, f.VIXSymbol); err != nil {
			log.Warn().Err(err).Str("symbol", f.VIXSymbol).Msg("market feed: vix sample failed")
		} else {
			f.mu.Lock()
			f.vix = bar.Close
			f.mu.Unlock()
		}
	}
	for _, sym := range f.Symbols {
		bar, err := f.Bars.GetLatestBar(ctx, sym)
		if err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("market feed: sample failed")
			continue
		}
		f.mu.Lock()
		f.quotes[sym] = broker.Quote{Symbol: sym, Last: bar.Close, Ts: bar.Ts}
		hist := append(f.history[sym], bar.Close)
		if len(hist) > f.HistoryLen {
			hist = hist[len(hist)-f.HistoryLen:]
		}
		f.history[sym] = hist
		mom := f.momentum[sym]
		f.mu.Unlock()

		if mom == nil {
			mom = indicators.NewMomentum(f.MomentumBars)
			f.mu.Lock()
			f.momentum[sym] = mom
			f.mu.Unlock()
		}
		mom.Update(bar.Close)
	}
}

// VIX returns the last sampled VIX close, or 0 before the first sample.
func (f *Feed) VIX() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.vix
}

// resolve returns key's underlying tracked symbol: key itself if it has
// a direct tracker, its alias target otherwise, or key unchanged if
// neither applies.
func (f *Feed) resolve(key string) string {
	if _, ok := f.momentum[key]; ok {
		return key
	}
	if alias, ok := f.Aliases[key]; ok {
		return alias
	}
	return key
}

// Trend returns key's momentum value, 0 if it (or its alias) isn't
// tracked or hasn't accumulated enough history yet.
func (f *Feed) Trend(key string) float64 {
	f.mu.RLock()
	mom := f.momentum[f.resolve(key)]
	f.mu.RUnlock()
	if mom == nil {
		return 0
	}
	return mom.Value()
}

// PriceHistory returns a copy of key's (or its alias's) sampled close
// history, oldest first, capped at HistoryLen entries.
func (f *Feed) PriceHistory(key string) []float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	hist := f.history[f.resolve(key)]
	out := make([]float64, len(hist))
	copy(out, hist)
	return out
}

// Quote returns the freshest top-of-book reading for key or its alias
// target: a live websocket tick if LiveQuotes has one, the last sampled
// bar otherwise.
func (f *Feed) Quote(key string) (broker.Quote, bool) {
	symbol := f.resolve(key)
	if f.LiveQuotes != nil {
		if price, ok := f.LiveQuotes.LastPrice(symbol, f.now()); ok {
			return broker.Quote{Symbol: symbol, Last: price, Ts: f.now()}, true
		}
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[symbol]
	return q, ok
}

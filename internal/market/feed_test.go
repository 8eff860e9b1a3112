package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/internal/broker"
	"tradingcore/internal/stream"
)

type fakeBarSource struct {
	bars map[string][]broker.Bar // per symbol, consumed in order
	err  map[string]error
	calls map[string]int
}

func newFakeBarSource() *fakeBarSource {
	return &fakeBarSource{bars: map[string][]broker.Bar{}, err: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeBarSource) GetLatestBar(_ context.Context, symbol string) (broker.Bar, error) {
	if err, ok := f.err[symbol]; ok {
		return broker.Bar{}, err
	}
	seq := f.bars[symbol]
	i := f.calls[symbol]
	f.calls[symbol]++
	if i >= len(seq) {
		i = len(seq) - 1
	}
	if i < 0 {
		return broker.Bar{}, nil
	}
	return seq[i], nil
}

func TestFeedVIXZeroBeforeFirstSample(t *testing.T) {
	f := NewFeed(newFakeBarSource(), "VIXY", nil, time.Second, 0, 0)
	assert.Equal(t, 0.0, f.VIX())
}

func TestFeedSampleAllPopulatesVIXQuoteAndHistory(t *testing.T) {
	src := newFakeBarSource()
	src.bars["VIXY"] = []broker.Bar{{Close: 18.5, Ts: time.Unix(1, 0)}}
	src.bars["AAPL"] = []broker.Bar{{Close: 150, Ts: time.Unix(1, 0)}}

	f := NewFeed(src, "VIXY", []string{"AAPL"}, time.Second, 10, 3)
	f.sampleAll(context.Background())

	assert.Equal(t, 18.5, f.VIX())
	q, ok := f.Quote("AAPL")
	require.True(t, ok)
	assert.Equal(t, 150.0, q.Last)
	assert.Equal(t, []float64{150}, f.PriceHistory("AAPL"))
}

func TestFeedTrendReflectsMomentumOverSamples(t *testing.T) {
	src := newFakeBarSource()
	src.bars["AAPL"] = []broker.Bar{
		{Close: 100}, {Close: 102}, {Close: 104},
	}
	f := NewFeed(src, "", []string{"AAPL"}, time.Second, 10, 2)

	f.sampleAll(context.Background())
	assert.Equal(t, 0.0, f.Trend("AAPL")) // not enough history yet (k=2 needs 3 points)
	f.sampleAll(context.Background())
	f.sampleAll(context.Background())

	assert.InDelta(t, 0.04, f.Trend("AAPL"), 1e-9)
}

func TestFeedTrendResolvesProfileAliasToRepresentativeSymbol(t *testing.T) {
	src := newFakeBarSource()
	src.bars["AAPL"] = []broker.Bar{{Close: 100}, {Close: 101}}
	f := NewFeed(src, "", []string{"AAPL"}, time.Second, 10, 1)
	f.Aliases = map[string]string{"growth-momentum": "AAPL"}

	f.sampleAll(context.Background())
	f.sampleAll(context.Background())

	assert.Equal(t, f.Trend("AAPL"), f.Trend("growth-momentum"))
	assert.Equal(t, f.PriceHistory("AAPL"), f.PriceHistory("growth-momentum"))
}

func TestFeedTrendUnknownSymbolIsZero(t *testing.T) {
	f := NewFeed(newFakeBarSource(), "", nil, time.Second, 0, 0)
	assert.Equal(t, 0.0, f.Trend("MISSING"))
}

func TestFeedHistoryCapsAtHistoryLen(t *testing.T) {
	src := newFakeBarSource()
	src.bars["AAPL"] = []broker.Bar{{Close: 1}, {Close: 2}, {Close: 3}, {Close: 4}}
	f := NewFeed(src, "", []string{"AAPL"}, time.Second, 2, 10)

	for i := 0; i < 4; i++ {
		f.sampleAll(context.Background())
	}
	assert.Equal(t, []float64{3, 4}, f.PriceHistory("AAPL"))
}

func TestFeedSampleErrorLeavesPriorStateAlone(t *testing.T) {
	src := newFakeBarSource()
	src.bars["AAPL"] = []broker.Bar{{Close: 100}}
	f := NewFeed(src, "", []string{"AAPL"}, time.Second, 10, 2)
	f.sampleAll(context.Background())

	src.err["AAPL"] = assertErr{}
	f.sampleAll(context.Background())

	q, ok := f.Quote("AAPL")
	require.True(t, ok)
	assert.Equal(t, 100.0, q.Last)
}

type assertErr struct{}

func (assertErr) Error() string { return "broker unavailable" }

type fakeLiveQuotes struct {
	price float64
	ok    bool
}

func (f fakeLiveQuotes) LastPrice(_ string, _ time.Time) (float64, bool) {
	return f.price, f.ok
}

func TestFeedQuotePrefersFreshLiveQuoteOverRESTCache(t *testing.T) {
	src := newFakeBarSource()
	src.bars["AAPL"] = []broker.Bar{{Close: 150, Ts: time.Unix(1, 0)}}
	f := NewFeed(src, "", []string{"AAPL"}, time.Second, 10, 3)
	f.sampleAll(context.Background())

	f.LiveQuotes = fakeLiveQuotes{price: 151.25, ok: true}

	q, ok := f.Quote("AAPL")
	require.True(t, ok)
	assert.Equal(t, 151.25, q.Last)
}

func TestFeedQuoteFallsBackToRESTCacheWhenLiveQuoteStale(t *testing.T) {
	src := newFakeBarSource()
	src.bars["AAPL"] = []broker.Bar{{Close: 150, Ts: time.Unix(1, 0)}}
	f := NewFeed(src, "", []string{"AAPL"}, time.Second, 10, 3)
	f.sampleAll(context.Background())

	f.LiveQuotes = fakeLiveQuotes{ok: false}

	q, ok := f.Quote("AAPL")
	require.True(t, ok)
	assert.Equal(t, 150.0, q.Last)
}

func TestFeedQuoteResolvesAliasThroughLiveQuotes(t *testing.T) {
	src := newFakeBarSource()
	src.bars["AAPL"] = []broker.Bar{{Close: 150}}
	f := NewFeed(src, "", []string{"AAPL"}, time.Second, 10, 3)
	f.Aliases = map[string]string{"growth-momentum": "AAPL"}
	f.sampleAll(context.Background())
	f.LiveQuotes = fakeLiveQuotes{price: 151, ok: true}

	q, ok := f.Quote("growth-momentum")
	require.True(t, ok)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, 151.0, q.Last)
}

func TestFeedQuoteWorksWithRealQuoteStream(t *testing.T) {
	src := newFakeBarSource()
	src.bars["BTC/USD"] = []broker.Bar{{Close: 42000}}
	f := NewFeed(src, "", []string{"BTC/USD"}, time.Second, 10, 3)
	f.sampleAll(context.Background())

	qs := stream.NewQuoteStream("wss://example/ws", []string{"BTC/USD"})
	f.LiveQuotes = qs

	// No ticks have arrived on qs yet, so Feed must fall back to the
	// REST-sampled bar rather than report no quote at all.
	q, ok := f.Quote("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, 42000.0, q.Last)
}

func TestFeedRunStopsOnContextCancel(t *testing.T) {
	src := newFakeBarSource()
	src.bars["AAPL"] = []broker.Bar{{Close: 1}}
	f := NewFeed(src, "", []string{"AAPL"}, 5*time.Millisecond, 5, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

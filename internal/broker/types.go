package broker

import "time"

// Bar is an immutable OHLCV tuple produced by a broker and consumed by
// indicators and strategies.
type Bar struct {
	Ts     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	Ts     time.Time
}

// SpreadPct returns (ask-bid)/bid, or 0 when bid is non-positive.
func (q Quote) SpreadPct() float64 {
	if q.Bid <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / q.Bid
}

// OrderType enumerates the order types an OrderIntent may carry.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
	OrderStop   OrderType = "stop"
)

// TIF is time-in-force.
type TIF string

const (
	TIFGTC TIF = "GTC"
	TIFIOC TIF = "IOC"
	TIFDay TIF = "DAY"
)

// Bracket carries the take-profit/stop-loss legs of a bracket order.
type Bracket struct {
	TakeProfitPrice float64
	StopLossPrice   float64
}

// OrderIntent is the asset-agnostic order request the strategy/filter/
// sizer pipeline produces and a broker consumes.
type OrderIntent struct {
	Symbol     string
	Side       string // common.SideBuy / common.SideSell
	Quantity   float64
	Type       OrderType
	TIF        TIF
	LimitPrice float64
	StopPrice  float64
	Bracket    *Bracket
}

// OrderResult is returned by a successful order placement.
type OrderResult struct {
	OrderID string
	Symbol  string
	Side    string
	Qty     float64
	Status  string
}

// Order represents a resting order as reported by a broker.
type Order struct {
	ID        string
	Symbol    string
	Side      string
	Qty       float64
	Price     float64
	Type      OrderType
	CreatedAt time.Time
}

// Account summarizes an equity-broker account.
type Account struct {
	Equity        float64
	LastEquity    float64
	BuyingPower   float64
	Cash          float64
}

// BrokerPosition is the position shape returned by a broker (distinct from
// the engine's own book.Position, which also tracks stop/take-profit and
// the owning profile).
type BrokerPosition struct {
	Symbol        string
	Quantity      float64
	EntryPrice    float64
	CurrentPrice  float64
	UnrealizedPnL float64
}

// Ticker is the crypto-broker 24h ticker snapshot.
type Ticker struct {
	Symbol  string
	Last    float64
	Open    float64
	High24  float64
	Low24   float64
	VWAP24  float64
	Vol24   float64
	Bid     float64
	Ask     float64
}

// Balance is the crypto-broker free-margin / equivalent-balance summary.
type Balance struct {
	Equity     float64
	FreeMargin float64
}

// Fill is a single historical trade fill, used to reconstruct entry price.
type Fill struct {
	Symbol string
	Side   string
	Price  float64
	Qty    float64
	Ts     time.Time
}

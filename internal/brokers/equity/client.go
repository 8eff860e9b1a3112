// Package equity implements broker.BrokerEquity against a generic
// key/secret REST brokerage, following the pooled resty transport pattern
// this engine's crypto client shares with its bitunix-derived ancestor.
package equity

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"tradingcore/internal/broker"
)

// Client is the raw, unwrapped equity-brokerage REST delegate.
type Client struct {
	key, secret, base string
	rest              *resty.Client
}

func New(key, secret, base string, timeout time.Duration) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	r := resty.New()
	r.SetTransport(transport)
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(10 * time.Second)
	}
	r.SetRetryCount(2)
	r.SetRetryWaitTime(200 * time.Millisecond)
	r.SetRetryMaxWaitTime(2 * time.Second)
	r.SetHeader("APCA-API-KEY-ID", key)
	r.SetHeader("APCA-API-SECRET-KEY", secret)

	return &Client{key: key, secret: secret, base: base, rest: r}
}

func classify(statusCode int, err error) error {
	if err != nil {
		return broker.Wrap(broker.KindNetwork, err)
	}
	switch {
	case statusCode == 0 || statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == 401 || statusCode == 403:
		return broker.New(broker.KindAuth, fmt.Sprintf("status %d", statusCode))
	case statusCode == 429:
		return broker.New(broker.KindRateLimit, fmt.Sprintf("status %d", statusCode))
	case statusCode == 404:
		return broker.New(broker.KindNotFound, fmt.Sprintf("status %d", statusCode))
	case statusCode == 403 || statusCode == 422:
		return broker.New(broker.KindInsufficientFunds, fmt.Sprintf("status %d", statusCode))
	case statusCode == 400:
		return broker.New(broker.KindValidation, fmt.Sprintf("status %d", statusCode))
	default:
		return broker.New(broker.KindUnknown, fmt.Sprintf("status %d", statusCode))
	}
}

func f(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func statusOf(resp *resty.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode()
}

type accountResp struct {
	Equity      string `json:"equity"`
	LastEquity  string `json:"last_equity"`
	BuyingPower string `json:"buying_power"`
	Cash        string `json:"cash"`
}

func (c *Client) GetAccount(ctx context.Context) (broker.Account, error) {
	var a accountResp
	resp, err := c.rest.R().SetContext(ctx).SetResult(&a).Get(c.base + "/v2/account")
	if e := classify(statusOf(resp), err); e != nil {
		return broker.Account{}, e
	}
	return broker.Account{
		Equity: f(a.Equity), LastEquity: f(a.LastEquity),
		BuyingPower: f(a.BuyingPower), Cash: f(a.Cash),
	}, nil
}

type positionResp struct {
	Symbol       string `json:"symbol"`
	Qty          string `json:"qty"`
	AvgEntry     string `json:"avg_entry_price"`
	CurrentPrice string `json:"current_price"`
	UnrealizedPL string `json:"unrealized_pl"`
}

func (c *Client) GetPositions(ctx context.Context) ([]broker.BrokerPosition, error) {
	var positions []positionResp
	resp, err := c.rest.R().SetContext(ctx).SetResult(&positions).Get(c.base + "/v2/positions")
	if e := classify(statusOf(resp), err); e != nil {
		return nil, e
	}
	out := make([]broker.BrokerPosition, 0, len(positions))
	for _, p := range positions {
		out = append(out, broker.BrokerPosition{
			Symbol: p.Symbol, Quantity: f(p.Qty), EntryPrice: f(p.AvgEntry),
			CurrentPrice: f(p.CurrentPrice), UnrealizedPnL: f(p.UnrealizedPL),
		})
	}
	return out, nil
}

type orderResp struct {
	ID        string `json:"id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Qty       string `json:"qty"`
	LimitPx   string `json:"limit_price"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]broker.Order, error) {
	var orders []orderResp
	req := c.rest.R().SetContext(ctx).SetResult(&orders)
	if symbol != "" {
		req = req.SetQueryParam("symbols", symbol)
	}
	resp, err := req.Get(c.base + "/v2/orders")
	if e := classify(statusOf(resp), err); e != nil {
		return nil, e
	}
	out := make([]broker.Order, 0, len(orders))
	for _, o := range orders {
		ts, _ := time.Parse(time.RFC3339, o.CreatedAt)
		out = append(out, broker.Order{
			ID: o.ID, Symbol: o.Symbol, Side: o.Side, Qty: f(o.Qty), Price: f(o.LimitPx),
			Type: broker.OrderType(o.Type), CreatedAt: ts,
		})
	}
	return out, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	resp, err := c.rest.R().SetContext(ctx).Delete(c.base + "/v2/orders/" + orderID)
	return classify(statusOf(resp), err)
}

func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	resp, err := c.rest.R().SetContext(ctx).Delete(c.base + "/v2/orders")
	return classify(statusOf(resp), err)
}

func orderBody(intent broker.OrderIntent) map[string]interface{} {
	body := map[string]interface{}{
		"symbol":       intent.Symbol,
		"side":         intent.Side,
		"qty":          strconv.FormatFloat(intent.Quantity, 'f', -1, 64),
		"type":         string(intent.Type),
		"time_in_force": string(intent.TIF),
	}
	if intent.Type == broker.OrderLimit {
		body["limit_price"] = strconv.FormatFloat(intent.LimitPrice, 'f', -1, 64)
	}
	if intent.Type == broker.OrderStop {
		body["stop_price"] = strconv.FormatFloat(intent.StopPrice, 'f', -1, 64)
	}
	return body
}

func (c *Client) PlaceOrder(ctx context.Context, intent broker.OrderIntent) (broker.OrderResult, error) {
	var o orderResp
	resp, err := c.rest.R().SetContext(ctx).SetBody(orderBody(intent)).SetResult(&o).Post(c.base + "/v2/orders")
	if e := classify(statusOf(resp), err); e != nil {
		return broker.OrderResult{}, e
	}
	return broker.OrderResult{OrderID: o.ID, Symbol: intent.Symbol, Side: intent.Side, Qty: intent.Quantity, Status: "accepted"}, nil
}

func (c *Client) PlaceBracket(ctx context.Context, intent broker.OrderIntent) (broker.OrderResult, error) {
	body := orderBody(intent)
	body["order_class"] = "bracket"
	if intent.Bracket != nil {
		body["take_profit"] = map[string]string{"limit_price": strconv.FormatFloat(intent.Bracket.TakeProfitPrice, 'f', -1, 64)}
		body["stop_loss"] = map[string]string{"stop_price": strconv.FormatFloat(intent.Bracket.StopLossPrice, 'f', -1, 64)}
	}
	var o orderResp
	resp, err := c.rest.R().SetContext(ctx).SetBody(body).SetResult(&o).Post(c.base + "/v2/orders")
	if e := classify(statusOf(resp), err); e != nil {
		return broker.OrderResult{}, e
	}
	return broker.OrderResult{OrderID: o.ID, Symbol: intent.Symbol, Side: intent.Side, Qty: intent.Quantity, Status: "accepted"}, nil
}

type barResp struct {
	T string  `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

func toBar(b barResp) broker.Bar {
	ts, _ := time.Parse(time.RFC3339, b.T)
	return broker.Bar{Ts: ts, Open: b.O, High: b.H, Low: b.L, Close: b.C, Volume: b.V}
}

func (c *Client) GetLatestBar(ctx context.Context, symbol string) (broker.Bar, error) {
	var wrapper struct {
		Bar barResp `json:"bar"`
	}
	resp, err := c.rest.R().SetContext(ctx).SetResult(&wrapper).
		Get(c.base + "/v2/stocks/" + symbol + "/bars/latest")
	if e := classify(statusOf(resp), err); e != nil {
		return broker.Bar{}, e
	}
	return toBar(wrapper.Bar), nil
}

func (c *Client) GetBars(ctx context.Context, symbol string, lookback int) ([]broker.Bar, error) {
	var wrapper struct {
		Bars []barResp `json:"bars"`
	}
	resp, err := c.rest.R().SetContext(ctx).
		SetQueryParam("limit", strconv.Itoa(lookback)).
		SetResult(&wrapper).
		Get(c.base + "/v2/stocks/" + symbol + "/bars")
	if e := classify(statusOf(resp), err); e != nil {
		return nil, e
	}
	out := make([]broker.Bar, 0, len(wrapper.Bars))
	for _, b := range wrapper.Bars {
		out = append(out, toBar(b))
	}
	return out, nil
}

type fillResp struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Price  string `json:"price"`
	Qty    string `json:"qty"`
	Ts     string `json:"transaction_time"`
}

func (c *Client) GetMarketHistory(ctx context.Context, symbol string, lookback int) ([]broker.Fill, error) {
	var fills []fillResp
	resp, err := c.rest.R().SetContext(ctx).
		SetQueryParams(map[string]string{"symbol": symbol, "limit": strconv.Itoa(lookback)}).
		SetResult(&fills).
		Get(c.base + "/v2/account/activities/FILL")
	if e := classify(statusOf(resp), err); e != nil {
		return nil, e
	}
	out := make([]broker.Fill, 0, len(fills))
	for _, fl := range fills {
		ts, _ := time.Parse(time.RFC3339, fl.Ts)
		out = append(out, broker.Fill{Symbol: fl.Symbol, Side: fl.Side, Price: f(fl.Price), Qty: f(fl.Qty), Ts: ts})
	}
	return out, nil
}

func (c *Client) IsMarketOpen(ctx context.Context) (bool, error) {
	var clock struct {
		IsOpen bool `json:"is_open"`
	}
	resp, err := c.rest.R().SetContext(ctx).SetResult(&clock).Get(c.base + "/v2/clock")
	if e := classify(statusOf(resp), err); e != nil {
		return false, e
	}
	return clock.IsOpen, nil
}

func (c *Client) Delegate() broker.BrokerEquity { return c }

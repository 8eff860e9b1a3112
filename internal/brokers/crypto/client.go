// Package crypto implements broker.BrokerCrypto against a generic
// key/secret/nonce-signed REST venue, following the resty transport and
// HMAC-chain signing pattern of the bitunix exchange client this engine was
// adapted from.
package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"tradingcore/internal/broker"
)

// Client is the raw, unwrapped crypto-venue REST delegate. It implements
// broker.BrokerCrypto directly; Delegate returns itself, since nothing sits
// beneath it.
type Client struct {
	key, secret, base string
	rest              *resty.Client
}

// New creates a REST client tuned the way the teacher's bitunix client is:
// pooled keep-alive transport, HTTP/2, and a bounded retry budget at the
// transport layer in addition to the resilience wrapper above it.
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

	return &Client{key: key, secret: secret, base: base, rest: r}
}

func sign(secret, nonce, apiKey, ts string) string {
	h1 := sha256.Sum256([]byte(nonce + ts + apiKey))
	h2 := sha256.Sum256([]byte(hex.EncodeToString(h1[:]) + secret))
	return hex.EncodeToString(h2[:])
}

func (c *Client) authed(method, path string) *resty.Request {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig := sign(c.secret, ts, c.key, ts)
	return c.rest.R().
		SetHeader("api-key", c.key).
		SetHeader("nonce", ts).
		SetHeader("timestamp", ts).
		SetHeader("sign", sig)
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
	case statusCode == 400 || statusCode == 422:
		return broker.New(broker.KindValidation, fmt.Sprintf("status %d", statusCode))
	default:
		return broker.New(broker.KindUnknown, fmt.Sprintf("status %d", statusCode))
	}
}

type tickerResp struct {
	Symbol string `json:"symbol"`
	Last   string `json:"last"`
	Open   string `json:"open"`
	High   string `json:"high24h"`
	Low    string `json:"low24h"`
	VWAP   string `json:"vwap24h"`
	Vol    string `json:"vol24h"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
}

func f(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func (c *Client) GetTicker(ctx context.Context, symbol string) (broker.Ticker, error) {
	var t tickerResp
	resp, err := c.rest.R().SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&t).
		Get(c.base + "/api/v1/market/ticker")
	if e := classify(statusOf(resp), err); e != nil {
		return broker.Ticker{}, e
	}
	return broker.Ticker{
		Symbol: symbol, Last: f(t.Last), Open: f(t.Open), High24: f(t.High),
		Low24: f(t.Low), VWAP24: f(t.VWAP), Vol24: f(t.Vol), Bid: f(t.Bid), Ask: f(t.Ask),
	}, nil
}

type balanceResp struct {
	Equity     string `json:"equity"`
	FreeMargin string `json:"freeMargin"`
}

func (c *Client) GetBalance(ctx context.Context) (broker.Balance, error) {
	var b balanceResp
	resp, err := c.authed("GET", "/api/v1/account/balance").SetContext(ctx).
		SetResult(&b).
		Get(c.base + "/api/v1/account/balance")
	if e := classify(statusOf(resp), err); e != nil {
		return broker.Balance{}, e
	}
	return broker.Balance{Equity: f(b.Equity), FreeMargin: f(b.FreeMargin)}, nil
}

type fillResp struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Price  string `json:"price"`
	Qty    string `json:"qty"`
	Ts     int64  `json:"ts"`
}

func (c *Client) GetTradesHistory(ctx context.Context, symbol string, lookback int) ([]broker.Fill, error) {
	var fills []fillResp
	resp, err := c.authed("GET", "/api/v1/account/trades").SetContext(ctx).
		SetQueryParams(map[string]string{"symbol": symbol, "limit": strconv.Itoa(lookback)}).
		SetResult(&fills).
		Get(c.base + "/api/v1/account/trades")
	if e := classify(statusOf(resp), err); e != nil {
		return nil, e
	}
	out := make([]broker.Fill, 0, len(fills))
	for _, fl := range fills {
		out = append(out, broker.Fill{
			Symbol: fl.Symbol, Side: fl.Side, Price: f(fl.Price), Qty: f(fl.Qty),
			Ts: time.UnixMilli(fl.Ts),
		})
	}
	return out, nil
}

type orderResp struct {
	OrderID string `json:"orderId"`
	Symbol  string `json:"symbol"`
	Side    string `json:"side"`
	Qty     string `json:"qty"`
	Price   string `json:"price"`
	Type    string `json:"type"`
	Ts      int64  `json:"ts"`
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]broker.Order, error) {
	var orders []orderResp
	resp, err := c.authed("GET", "/api/v1/trade/open_orders").SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&orders).
		Get(c.base + "/api/v1/trade/open_orders")
	if e := classify(statusOf(resp), err); e != nil {
		return nil, e
	}
	out := make([]broker.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, broker.Order{
			ID: o.OrderID, Symbol: o.Symbol, Side: o.Side, Qty: f(o.Qty), Price: f(o.Price),
			Type: broker.OrderType(o.Type), CreatedAt: time.UnixMilli(o.Ts),
		})
	}
	return out, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	resp, err := c.authed("POST", "/api/v1/trade/cancel_order").SetContext(ctx).
		SetBody(map[string]string{"orderId": orderID}).
		Post(c.base + "/api/v1/trade/cancel_order")
	return classify(statusOf(resp), err)
}

func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	resp, err := c.authed("POST", "/api/v1/trade/cancel_all").SetContext(ctx).
		SetBody(map[string]string{"symbol": symbol}).
		Post(c.base + "/api/v1/trade/cancel_all")
	return classify(statusOf(resp), err)
}

func (c *Client) placeOrder(ctx context.Context, intent broker.OrderIntent, orderType string) (broker.OrderResult, error) {
	body := map[string]string{
		"symbol": intent.Symbol,
		"side":   intent.Side,
		"qty":    strconv.FormatFloat(intent.Quantity, 'f', -1, 64),
		"type":   orderType,
	}
	if intent.Type == broker.OrderLimit {
		body["price"] = strconv.FormatFloat(intent.LimitPrice, 'f', -1, 64)
	}
	var o orderResp
	resp, err := c.authed("POST", "/api/v1/trade/place_order").SetContext(ctx).
		SetBody(body).
		SetResult(&o).
		Post(c.base + "/api/v1/trade/place_order")
	if e := classify(statusOf(resp), err); e != nil {
		return broker.OrderResult{}, e
	}
	return broker.OrderResult{OrderID: o.OrderID, Symbol: intent.Symbol, Side: intent.Side, Qty: intent.Quantity, Status: "accepted"}, nil
}

func (c *Client) PlaceLimitOrder(ctx context.Context, intent broker.OrderIntent) (broker.OrderResult, error) {
	return c.placeOrder(ctx, intent, "LIMIT")
}

func (c *Client) PlaceMarketOrder(ctx context.Context, intent broker.OrderIntent) (broker.OrderResult, error) {
	return c.placeOrder(ctx, intent, "MARKET")
}

func (c *Client) CanPlaceOrder(ctx context.Context, intent broker.OrderIntent) (bool, error) {
	bal, err := c.GetBalance(ctx)
	if err != nil {
		return false, err
	}
	return bal.FreeMargin > 0, nil
}

func (c *Client) Delegate() broker.BrokerCrypto { return c }

func statusOf(resp *resty.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode()
}

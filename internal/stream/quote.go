package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"tradingcore/internal/common"
)

// messagePool reuses quoteMessage values across the read loop instead
// of allocating one per tick, the same way the teacher's ws.go pools
// its Trade/Depth structs on a busy feed.
var messagePool = sync.Pool{New: func() interface{} { return new(quoteMessage) }}

type subscribeMessage struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

type quoteMessage struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Ts     int64   `json:"ts"`
}

type quoteEntry struct {
	Price float64
	Ts    time.Time
}

// QuoteStream is a single-connection public last-trade feed cached per
// symbol. Readers never block on the network: LastPrice answers from
// the cache and reports staleness instead of waiting on a fresh tick.
type QuoteStream struct {
	URL         string
	Symbols     []string
	StalenessMs int

	conn connection

	mu     sync.RWMutex
	quotes map[string]quoteEntry
}

func NewQuoteStream(url string, symbols []string) *QuoteStream {
	return &QuoteStream{
		URL:     url,
		Symbols: symbols,
		quotes:  make(map[string]quoteEntry),
	}
}

func (q *QuoteStream) IsConnected() bool {
	return q.conn.IsConnected()
}

func (q *QuoteStream) staleness() time.Duration {
	if q.StalenessMs <= 0 {
		return time.Duration(common.DefaultStalenessMs) * time.Millisecond
	}
	return time.Duration(q.StalenessMs) * time.Millisecond
}

// LastPrice returns the cached price for symbol and true, or (0, false)
// if the symbol has never ticked or its last tick is older than the
// staleness window. A false return means "none" to the caller -- it
// must not be treated as a real price.
func (q *QuoteStream) LastPrice(symbol string, now time.Time) (float64, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	e, ok := q.quotes[symbol]
	if !ok {
		return 0, false
	}
	if now.Sub(e.Ts) > q.staleness() {
		return 0, false
	}
	return e.Price, true
}

// Run connects and reconnects until ctx is cancelled. It never returns
// an error -- a dead feed degrades readers to stale/none, it does not
// crash the caller.
func (q *QuoteStream) Run(ctx context.Context) {
	q.conn.url = q.URL
	q.conn.run(ctx, q.handleConn)
}

func (q *QuoteStream) handleConn(ctx context.Context, conn *websocket.Conn) error {
	if err := conn.WriteJSON(subscribeMessage{Op: "subscribe", Symbols: q.Symbols}); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg := messagePool.Get().(*quoteMessage)
		*msg = quoteMessage{}
		if err := json.Unmarshal(raw, msg); err != nil {
			log.Warn().Err(err).Msg("quote stream: malformed message")
			messagePool.Put(msg)
			continue
		}
		if msg.Symbol == "" {
			messagePool.Put(msg)
			continue
		}
		q.mu.Lock()
		q.quotes[msg.Symbol] = quoteEntry{Price: msg.Price, Ts: time.UnixMilli(msg.Ts)}
		q.mu.Unlock()
		messagePool.Put(msg)
	}
}

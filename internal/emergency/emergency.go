// Package emergency implements the EmergencyProtocol: the flatten-all
// safety core that cancels every resting equity order and closes every
// open equity position with an opposite-side market order. It always
// calls through Delegate() so a tripped circuit breaker or an exhausted
// rate-limit bucket never slows or blocks a flatten.
package emergency

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradingcore/internal/broker"
	"tradingcore/internal/common"
)

// SymbolResult records the outcome of flattening a single position.
type SymbolResult struct {
	Symbol string
	Side   string
	Qty    float64
	OK     bool
	Error  string
}

// ExecutionResult is the atomically recorded outcome of one Trigger
// call, equivalent to the data model's last_execution_result.
type ExecutionResult struct {
	Status    string // "success", "partial", "failed"
	Reason    string
	Results   []SymbolResult
	StartedAt time.Time
	EndedAt   time.Time
}

// Success reports whether every symbol in the result was flattened
// without error. A "failed" status (e.g. positions could not even be
// fetched) is never success.
func (r ExecutionResult) Success() bool {
	if r.Status != "success" && r.Status != "partial" {
		return false
	}
	for _, sr := range r.Results {
		if !sr.OK {
			return false
		}
	}
	return true
}

// Protocol is the emergency-flatten safety core (§4.12). It holds a
// compare-and-set triggered flag mirroring the teacher's circuit
// breaker's open flag, so a Trigger while already triggered is a no-op
// that returns the prior recorded result rather than flattening twice.
type Protocol struct {
	equity broker.BrokerEquity

	mu         sync.Mutex
	triggered  bool
	lastResult *ExecutionResult
}

func NewProtocol(equity broker.BrokerEquity) *Protocol {
	return &Protocol{equity: equity}
}

// Triggered reports whether the protocol has fired and not since been
// reset.
func (p *Protocol) Triggered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.triggered
}

// Trigger flattens every open equity position: cancel_all_orders, then
// an opposite-side market order per position, then an atomic record of
// the outcome. Idempotent: a call while already triggered returns the
// prior result without touching the broker again.
func (p *Protocol) Trigger(ctx context.Context, reason string) ExecutionResult {
	p.mu.Lock()
	if p.triggered {
		prior := p.lastResult
		p.mu.Unlock()
		if prior != nil {
			return *prior
		}
		return ExecutionResult{Status: "failed", Reason: "already triggered with no recorded result"}
	}
	p.triggered = true
	p.mu.Unlock()

	result := p.flatten(ctx, reason)

	p.mu.Lock()
	p.lastResult = &result
	p.mu.Unlock()

	return result
}

func (p *Protocol) flatten(ctx context.Context, reason string) ExecutionResult {
	delegate := p.equity.Delegate()
	started := time.Now()
	log.Error().Str("reason", reason).Msg("emergency protocol triggered, flattening all equity positions")

	if err := delegate.CancelAllOrders(ctx, ""); err != nil {
		log.Error().Err(err).Msg("emergency protocol: cancel all orders failed, continuing to flatten positions")
	}

	positions, err := delegate.GetPositions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("emergency protocol: could not fetch open positions")
		return ExecutionResult{
			Status:    "failed",
			Reason:    "could not fetch open positions: " + err.Error(),
			StartedAt: started,
			EndedAt:   time.Now(),
		}
	}

	results := make([]SymbolResult, 0, len(positions))
	for _, pos := range positions {
		if pos.Quantity == 0 {
			continue
		}
		side := common.SideSell
		qty := pos.Quantity
		if pos.Quantity < 0 {
			side = common.SideBuy
			qty = -pos.Quantity
		}
		intent := broker.OrderIntent{
			Symbol:   pos.Symbol,
			Side:     side,
			Quantity: qty,
			Type:     broker.OrderMarket,
			TIF:      broker.TIFDay,
		}
		_, placeErr := delegate.PlaceOrder(ctx, intent)
		sr := SymbolResult{Symbol: pos.Symbol, Side: side, Qty: qty, OK: placeErr == nil}
		if placeErr != nil {
			sr.Error = placeErr.Error()
			log.Error().Str("symbol", pos.Symbol).Err(placeErr).Msg("emergency protocol: failed to flatten position")
		}
		results = append(results, sr)
	}

	status := "success"
	for _, sr := range results {
		if !sr.OK {
			status = "partial"
			break
		}
	}

	return ExecutionResult{
		Status:    status,
		Reason:    reason,
		Results:   results,
		StartedAt: started,
		EndedAt:   time.Now(),
	}
}

// Reset clears the triggered flag so the protocol can fire again. It
// does not clear the last recorded result.
func (p *Protocol) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triggered = false
}

// LastResult returns the most recently recorded execution result, if
// Trigger has ever been called.
func (p *Protocol) LastResult() (ExecutionResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastResult == nil {
		return ExecutionResult{}, false
	}
	return *p.lastResult, true
}

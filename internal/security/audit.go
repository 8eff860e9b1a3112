// Package security provides an ambient audit-logging sink for order
// placement decisions. It generalizes the teacher's SecurityManager/
// TradingAuditData hook (internal/exec/executor.go) from an interface
// the teacher never concretely implements into a real zerolog-backed
// logger, so every accepted or rejected order intent leaves a
// structured audit trail alongside the normal operational log.
package security

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AuditEvent describes one trading-action decision worth auditing:
// an order placement attempt, its outcome, and the account state at
// the time it was made. Mirrors the teacher's TradingAuditData shape.
type AuditEvent struct {
	EventType string // e.g. "order_placement", "order_placement_rejected", "exit_placement"
	Symbol    string
	Side      string
	Quantity  float64
	Price     float64
	OrderType string
	OrderID   string
	Balance   float64
	PnL       float64
	Success   bool
	Error     string
	Ts        time.Time
}

// AuditLogger records trading actions for later review. The teacher's
// SecurityManager interface is generalized here so a caller can swap in
// any sink (this package's zerolog logger, a test spy, a future
// persistent store) without the caller depending on a concrete type.
type AuditLogger interface {
	LogTradingAction(event AuditEvent)
}

// Logger is the default AuditLogger: it writes one structured log line
// per audited action. Failed actions log at Warn, everything else at
// Info, matching the ProfileRunner/CryptoLoop convention of reserving
// Warn for operator-actionable conditions.
type Logger struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewLogger returns a Logger writing through the shared global logger.
func NewLogger() *Logger {
	return &Logger{logger: log.Logger, now: time.Now}
}

func (l *Logger) LogTradingAction(event AuditEvent) {
	if event.Ts.IsZero() {
		event.Ts = l.now()
	}
	le := l.logger.Info()
	if !event.Success {
		le = l.logger.Warn()
	}
	le = le.Str("event_type", event.EventType).
		Str("symbol", event.Symbol).
		Str("side", event.Side).
		Float64("quantity", event.Quantity).
		Float64("price", event.Price).
		Str("order_type", event.OrderType).
		Str("order_id", event.OrderID).
		Float64("balance", event.Balance).
		Float64("pnl", event.PnL).
		Bool("success", event.Success).
		Time("ts", event.Ts)
	if event.Error != "" {
		le = le.Str("error", event.Error)
	}
	le.Msg("trading audit")
}

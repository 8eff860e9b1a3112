// Package storage provides persistent data storage for the trading
// engine. It uses BoltDB as the underlying storage engine, keeping the
// teacher's cursor/prefix-scan range-query shape but storing trade
// lifecycle records instead of raw exchange trade/depth ticks.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const tradesBucket = "trades"

// TradeRecord is one position's full lifecycle: opened by RecordTrade,
// completed by CloseTrade. PnL and ExitPrice are zero until Closed.
type TradeRecord struct {
	Symbol     string    `json:"symbol"`
	Strategy   string    `json:"strategy"`
	Profile    string    `json:"profile"`
	EntryTime  time.Time `json:"entry_time"`
	EntryPrice float64   `json:"entry_price"`
	Qty        float64   `json:"qty"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	ExitTime   time.Time `json:"exit_time"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	Closed     bool      `json:"closed"`
}

// TradeStatistics is the aggregate summary read exposed to the command
// surface.
type TradeStatistics struct {
	TotalTrades int
	TotalPnL    float64
	WinRate     float64
}

// Store provides persistent storage for trade-history data using
// BoltDB.
type Store struct {
	db *bbolt.DB
}

// New creates a new storage instance with the specified data path.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "tradingcore-data.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(tradesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func tradeKey(symbol string, entryTime time.Time) []byte {
	return []byte(fmt.Sprintf("%s_%d", symbol, entryTime.UnixNano()))
}

// RecordTrade opens a new trade record. Keyed by symbol and entry time
// so CloseTrade can find it by symbol alone, matching the PositionBook
// invariant of at most one open position per symbol.
func (s *Store) RecordTrade(symbol, strategy, profile string, entryTime time.Time, price, qty, sl, tp float64) error {
	rec := TradeRecord{
		Symbol: symbol, Strategy: strategy, Profile: profile,
		EntryTime: entryTime, EntryPrice: price, Qty: qty,
		StopLoss: sl, TakeProfit: tp,
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tradesBucket))
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal trade record: %w", err)
		}
		return b.Put(tradeKey(symbol, entryTime), data)
	})
}

// CloseTrade closes the most recently opened, still-open trade record
// for symbol.
func (s *Store) CloseTrade(symbol string, exitTime time.Time, price, pnl float64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tradesBucket))
		c := b.Cursor()
		prefix := []byte(symbol + "_")

		var latestKey []byte
		var latestRec TradeRecord
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec TradeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Closed {
				continue
			}
			if latestKey == nil || rec.EntryTime.After(latestRec.EntryTime) {
				latestKey = append([]byte(nil), k...)
				latestRec = rec
			}
		}
		if latestKey == nil {
			return fmt.Errorf("close_trade: no open trade found for %s", symbol)
		}

		latestRec.Closed = true
		latestRec.ExitTime = exitTime
		latestRec.ExitPrice = price
		latestRec.PnL = pnl
		data, err := json.Marshal(latestRec)
		if err != nil {
			return fmt.Errorf("marshal closed trade: %w", err)
		}
		return b.Put(latestKey, data)
	})
}

// GetTradeStatistics aggregates every closed trade record.
func (s *Store) GetTradeStatistics() (TradeStatistics, error) {
	var stats TradeStatistics
	var wins int
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tradesBucket))
		return b.ForEach(func(k, v []byte) error {
			var rec TradeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if !rec.Closed {
				return nil
			}
			stats.TotalTrades++
			stats.TotalPnL += rec.PnL
			if rec.PnL > 0 {
				wins++
			}
			return nil
		})
	})
	if err != nil {
		return TradeStatistics{}, err
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(wins) / float64(stats.TotalTrades)
	}
	return stats, nil
}

// TradesInRange returns every trade record for symbol opened within
// [start, end], closed or not.
func (s *Store) TradesInRange(symbol string, start, end time.Time) ([]TradeRecord, error) {
	var records []TradeRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tradesBucket))
		c := b.Cursor()
		prefix := []byte(symbol + "_")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec TradeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.EntryTime.Before(start) || rec.EntryTime.After(end) {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const mlScoreAuditBucket = "ml_score_audit"

// MLScoreAudit is one entry-scoring decision point: the MLScorer/
// AnomalyDetector output the filter pipeline's stepMLScore/stepMLWinRate
// consulted, alongside the market snapshot it was scored against, kept
// for after-the-fact review of why a candidate passed or failed the ML
// gates.
type MLScoreAudit struct {
	Symbol         string    `json:"symbol"`
	Timestamp      time.Time `json:"timestamp"`
	Score          float64   `json:"score"`
	WinProbability float64   `json:"win_probability"`
	Anomaly        string    `json:"anomaly"`
	Price          float64   `json:"price"`
	VWAP           float64   `json:"vwap"`
	Volatility     float64   `json:"volatility"`
	Bid            float64   `json:"bid"`
	Ask            float64   `json:"ask"`
}

// RecordMLScoreAudit persists one MLScorer/AnomalyDetector evaluation.
func (s *Store) RecordMLScoreAudit(record MLScoreAudit) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(mlScoreAuditBucket))
		if err != nil {
			return fmt.Errorf("create ml score audit bucket: %w", err)
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal ml score audit record: %w", err)
		}

		key := fmt.Sprintf("%s_%d", record.Symbol, record.Timestamp.UnixNano())
		return b.Put([]byte(key), data)
	})
}

// GetMLScoreAudits returns a symbol's ML-score audit trail within a time range.
func (s *Store) GetMLScoreAudits(symbol string, start, end time.Time) ([]MLScoreAudit, error) {
	var records []MLScoreAudit

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(mlScoreAuditBucket))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		prefix := []byte(symbol + "_")

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var record MLScoreAudit
			if err := json.Unmarshal(v, &record); err != nil {
				continue
			}

			if record.Timestamp.After(start) && record.Timestamp.Before(end) {
				records = append(records, record)
			}
		}
		return nil
	})

	return records, err
}

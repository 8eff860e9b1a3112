package backtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Reporter writes a Result to disk in the three formats the teacher's
// own Reporter produced: a human-readable summary, a trade-log CSV, and
// a JSON report, carried over from the teacher's generateSummary /
// generateTradeLog / generateJSONReport triad with the field names
// updated for Result/Trade.
type Reporter struct {
	result     *Result
	outputPath string
}

func NewReporter(result *Result, outputPath string) *Reporter {
	return &Reporter{result: result, outputPath: outputPath}
}

// GenerateReport writes every report format, creating outputPath first.
func (r *Reporter) GenerateReport() error {
	if err := os.MkdirAll(r.outputPath, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := r.generateSummary(); err != nil {
		return err
	}
	if err := r.generateTradeLog(); err != nil {
		return err
	}
	if err := r.generateJSONReport(); err != nil {
		return err
	}
	return nil
}

func (r *Reporter) generateSummary() error {
	summaryPath := filepath.Join(r.outputPath, "backtest_summary.txt")
	file, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	res := r.result

	fmt.Fprintf(file, "BACKTEST RESULTS SUMMARY\n")
	fmt.Fprintf(file, "========================\n\n")

	fmt.Fprintf(file, "Symbol: %s\n", res.Symbol)
	fmt.Fprintf(file, "Time Period: %s to %s\n",
		res.StartTime.Format("2006-01-02 15:04:05"),
		res.EndTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(file, "Duration: %s\n\n", res.EndTime.Sub(res.StartTime))

	fmt.Fprintf(file, "PERFORMANCE METRICS\n")
	fmt.Fprintf(file, "-------------------\n")
	fmt.Fprintf(file, "Initial Capital: $%.2f\n", res.InitialCapital)
	fmt.Fprintf(file, "Final Capital: $%.2f\n", res.FinalCapital)
	fmt.Fprintf(file, "Total PnL: $%.2f (%.2f%%)\n", res.TotalPnL, res.TotalPnLPct*100)

	fmt.Fprintf(file, "\nTRADING STATISTICS\n")
	fmt.Fprintf(file, "-------------------\n")
	fmt.Fprintf(file, "Total Trades: %d\n", res.TotalTrades)
	fmt.Fprintf(file, "Winning Trades: %d\n", res.WinningTrades)
	fmt.Fprintf(file, "Losing Trades: %d\n", res.LosingTrades)
	fmt.Fprintf(file, "Win Rate: %.2f%%\n", res.WinRate*100)

	fmt.Fprintf(file, "\nRISK METRICS\n")
	fmt.Fprintf(file, "------------\n")
	fmt.Fprintf(file, "Max Drawdown: %.2f%%\n", res.MaxDrawdownPct*100)
	fmt.Fprintf(file, "Sharpe Ratio: %.2f\n", res.SharpeRatio)

	log.Info().Str("file", summaryPath).Msg("summary report generated")
	return nil
}

func (r *Reporter) generateTradeLog() error {
	csvPath := filepath.Join(r.outputPath, "trade_log.csv")
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create trade log: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"symbol", "entry_time", "exit_time", "entry_price", "exit_price", "quantity", "pnl", "pnl_pct", "reason"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, t := range r.result.Trades {
		row := []string{
			t.Symbol,
			t.EntryTime.Format("2006-01-02T15:04:05Z07:00"),
			t.ExitTime.Format("2006-01-02T15:04:05Z07:00"),
			strconv.FormatFloat(t.EntryPrice, 'f', 4, 64),
			strconv.FormatFloat(t.ExitPrice, 'f', 4, 64),
			strconv.FormatFloat(t.Quantity, 'f', 6, 64),
			strconv.FormatFloat(t.PnL, 'f', 2, 64),
			strconv.FormatFloat(t.PnLPct*100, 'f', 2, 64),
			t.Reason,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	log.Info().Str("file", csvPath).Int("trades", len(r.result.Trades)).Msg("trade log generated")
	return nil
}

func (r *Reporter) generateJSONReport() error {
	jsonPath := filepath.Join(r.outputPath, "backtest_report.json")
	data, err := json.MarshalIndent(r.result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write json report: %w", err)
	}
	log.Info().Str("file", jsonPath).Msg("json report generated")
	return nil
}

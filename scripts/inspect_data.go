package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"tradingcore/internal/storage"
)

func main() {
	var (
		dataPath = flag.String("data", "./data", "Data directory path")
		symbol   = flag.String("symbol", "BTC/USD", "Symbol to inspect")
		days     = flag.Int("days", 7, "Number of trailing days of ML score audit records to show")
	)
	flag.Parse()

	fmt.Printf("Inspecting data in: %s\n", *dataPath)

	store, err := storage.New(*dataPath)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	end := time.Now()
	start := end.AddDate(0, 0, -*days)

	fmt.Printf("\nML score audit records for %s (%s to %s):\n", *symbol, start.Format("2006-01-02"), end.Format("2006-01-02"))
	records, err := store.GetMLScoreAudits(*symbol, start, end)
	if err != nil {
		log.Fatalf("Failed to fetch ml score audits: %v", err)
	}
	for _, r := range records {
		fmt.Printf("%s score=%.3f win_prob=%.3f anomaly=%s price=%.2f\n",
			r.Timestamp.Format(time.RFC3339), r.Score, r.WinProbability, r.Anomaly, r.Price)
	}

	stats, err := store.GetTradeStatistics()
	if err != nil {
		log.Fatalf("Failed to fetch trade statistics: %v", err)
	}
	fmt.Printf("\nTrade statistics: %+v\n", stats)
}

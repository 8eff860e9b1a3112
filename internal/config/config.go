// Package config loads and validates the engine's startup configuration:
// equity/crypto credentials, the trading profile set, and every tunable
// enumerated for the grid engine, exit evaluator, entry filter pipeline,
// and regime detector. It follows the teacher's env-first-then-YAML
// loading shape (godotenv + yaml.v3, env vars override file values).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tradingcore/internal/common"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProfileConfig is the immutable per-profile configuration from the data
// model: id, capital allocation, TP/SL/trailing, symbol biases, VIX
// hysteresis band, strategy class, and hold-time bounds.
type ProfileConfig struct {
	ID              string   `yaml:"id"`
	IsMain          bool     `yaml:"isMain"`
	CapitalFraction float64  `yaml:"capitalFraction"`
	TakeProfitPct   float64  `yaml:"takeProfitPct"`
	StopLossPct     float64  `yaml:"stopLossPct"`
	TrailingPct     float64  `yaml:"trailingPct"`
	BullishSymbols  []string `yaml:"bullishSymbols"`
	BearishSymbols  []string `yaml:"bearishSymbols"`
	VIXThreshold    float64  `yaml:"vixThreshold"`
	VIXHysteresis   float64  `yaml:"vixHysteresis"`
	StrategyClass   string   `yaml:"strategyClass"`
	MinHold         time.Duration
	MaxHold         time.Duration
	MinHoldRaw      string `yaml:"minHold"`
	MaxHoldRaw      string `yaml:"maxHold"`
	MaxPositions    int    `yaml:"maxPositions"`
}

// GridConfig tunes the crypto GridOrderEngine (§4.10).
type GridConfig struct {
	MinOrderUSD      float64   `yaml:"minOrderUSD"`
	MaxOrderUSD      float64   `yaml:"maxOrderUSD"`
	CashRatio        float64   `yaml:"cashRatio"`
	MaxOpenOrders    int       `yaml:"maxOpenOrders"`
	StaleOrderAge    time.Duration
	StaleOrderAgeRaw string    `yaml:"staleOrderAge"`
	LadderOffsets    []float64 `yaml:"ladderOffsets"`
	LadderWeights    []float64 `yaml:"ladderWeights"`
	ScoreThreshold   float64   `yaml:"scoreThreshold"`
}

// TrailingConfig tunes the crypto trailing take-profit state machine.
type TrailingConfig struct {
	ActivationPct float64 `yaml:"activationPct"`
	TrailPct      float64 `yaml:"trailPct"`
	CapPct        float64 `yaml:"capPct"`
}

// PartialExitLevel is one rung of the partial-exit ladder.
type PartialExitLevel struct {
	ThresholdPct float64 `yaml:"thresholdPct"`
	FractionPct  float64 `yaml:"fractionPct"`
}

// RegimeConfig tunes the VIX-driven RegimeDetector (§4.5).
type RegimeConfig struct {
	HighVolThreshold float64 `yaml:"highVolThreshold"`
	ElevatedThreshold float64 `yaml:"elevatedThreshold"`
	Hysteresis        float64 `yaml:"hysteresis"`
}

// FilterConfig tunes the EntryFilterPipeline (§4.7).
type FilterConfig struct {
	MaxSpreadPct          float64 `yaml:"maxSpreadPct"`
	MLScoreThreshold      float64 `yaml:"mlScoreThreshold"`
	MLWinRateThreshold    float64 `yaml:"mlWinRateThreshold"`
	ConcentrationSymbolPct float64 `yaml:"concentrationSymbolPct"`
	ConcentrationGroupPct  float64 `yaml:"concentrationGroupPct"`
	ConcentrationMinEquity float64 `yaml:"concentrationMinEquity"`
	LowLiquidityStartUTC   string  `yaml:"lowLiquidityStartUTC"`
	LowLiquidityEndUTC     string  `yaml:"lowLiquidityEndUTC"`
	AvoidFirstMinutes      int     `yaml:"avoidFirstMinutes"`
	AvoidLastMinutes       int     `yaml:"avoidLastMinutes"`
	StrictVolumeProfile    bool    `yaml:"strictVolumeProfile"`
}

// Feature flags from §6 "enable flags for each feature".
type FeatureFlags struct {
	RegimeDetection   bool `yaml:"regimeDetection"`
	MultiTimeframe    bool `yaml:"multiTimeframe"`
	MLScoring         bool `yaml:"mlScoring"`
	AdaptiveSizing    bool `yaml:"adaptiveSizing"`
	TrailingTargets   bool `yaml:"trailingTargets"`
	TimeDecay         bool `yaml:"timeDecay"`
	MomentumAccel     bool `yaml:"momentumAccel"`
	HealthScoring     bool `yaml:"healthScoring"`
	VolumeProfile     bool `yaml:"volumeProfile"`
	PortfolioStopLoss bool `yaml:"portfolioStopLoss"`
	PDTProtection     bool `yaml:"pdtProtection"`
	MaxLossExit       bool `yaml:"maxLossExit"`
	BreakEven         bool `yaml:"breakEven"`
	AvoidOpenClose    bool `yaml:"avoidOpenClose"`
	DailyProfitTarget bool `yaml:"dailyProfitTarget"`
}

// Settings is the full, validated startup configuration.
type Settings struct {
	EquityAPIKey    string
	EquitySecret    string
	EquityBaseURL   string
	CryptoAPIKey    string
	CryptoSecret    string
	CryptoBaseURL   string
	CryptoWsURL     string
	CryptoOrderWsURL string

	DryRun           bool
	DataPath         string
	MetricsPort      int
	RESTTimeout      time.Duration
	WSRequestTimeout time.Duration
	StalenessMs      int

	Profiles []ProfileConfig

	Grid          GridConfig
	Trailing      TrailingConfig
	PartialExits  []PartialExitLevel
	Regime        RegimeConfig
	Filter        FilterConfig
	Features      FeatureFlags

	RSIEntryMax       float64
	RSIExitMinProfit  float64
	CryptoLoopMinInterval time.Duration
	CryptoLoopMaxInterval time.Duration
	DynamicMaxPositionsFloor int
	DynamicMaxPositionsCeil  int
	PerPositionUSD           float64

	CooldownStopLossMs time.Duration
	CooldownSellMs     time.Duration

	EODExitTimeUTC string

	DailyProfitTargetPct float64
	MaxDrawdownPct       float64
	PortfolioStopLossPct float64

	VIXSymbol          string
	MarketSampleInterval time.Duration

	CryptoSymbols []string
}

// fileShape mirrors the YAML layout. Only the broker credentials and
// URLs, dryRun, dataPath, metricsPort, vixSymbol, marketSampleMs and
// cryptoSymbols have env overrides; every other field is YAML-only.
type fileShape struct {
	Equity struct {
		APIKey  string `yaml:"apiKey"`
		Secret  string `yaml:"secret"`
		BaseURL string `yaml:"baseURL"`
	} `yaml:"equity"`
	Crypto struct {
		APIKey     string `yaml:"apiKey"`
		Secret     string `yaml:"secret"`
		BaseURL    string `yaml:"baseURL"`
		WsURL      string `yaml:"wsURL"`
		OrderWsURL string `yaml:"orderWsURL"`
	} `yaml:"crypto"`
	System struct {
		DryRun           bool   `yaml:"dryRun"`
		DataPath         string `yaml:"dataPath"`
		MetricsPort      int    `yaml:"metricsPort"`
		RESTTimeout      string `yaml:"restTimeout"`
		WSRequestTimeout string `yaml:"wsRequestTimeout"`
		StalenessMs      int    `yaml:"stalenessMs"`
	} `yaml:"system"`
	Profiles     []ProfileConfig  `yaml:"profiles"`
	Grid         GridConfig       `yaml:"grid"`
	Trailing     TrailingConfig   `yaml:"trailing"`
	PartialExits []PartialExitLevel `yaml:"partialExits"`
	Regime       RegimeConfig     `yaml:"regime"`
	Filter       FilterConfig     `yaml:"filter"`
	Features     FeatureFlags     `yaml:"features"`

	RSIEntryMax              float64 `yaml:"rsiEntryMax"`
	RSIExitMinProfit         float64 `yaml:"rsiExitMinProfit"`
	CryptoLoopMinInterval    string  `yaml:"cryptoLoopMinInterval"`
	CryptoLoopMaxInterval    string  `yaml:"cryptoLoopMaxInterval"`
	DynamicMaxPositionsFloor int     `yaml:"dynamicMaxPositionsFloor"`
	DynamicMaxPositionsCeil  int     `yaml:"dynamicMaxPositionsCeil"`
	PerPositionUSD           float64 `yaml:"perPositionUSD"`
	CooldownStopLossMs       int     `yaml:"cooldownStopLossMs"`
	CooldownSellMs           int     `yaml:"cooldownSellMs"`
	EODExitTimeUTC           string  `yaml:"eodExitTimeUTC"`
	DailyProfitTargetPct     float64 `yaml:"dailyProfitTargetPct"`
	MaxDrawdownPct           float64 `yaml:"maxDrawdownPct"`
	PortfolioStopLossPct     float64 `yaml:"portfolioStopLossPct"`

	VIXSymbol            string `yaml:"vixSymbol"`
	MarketSampleMs       int    `yaml:"marketSampleMs"`

	CryptoSymbols []string `yaml:"cryptoSymbols"`
}

// Load reads CONFIG_FILE (if set) as YAML then layers environment
// variables on top, matching the teacher's env-overrides-file precedence.
func Load() (Settings, error) {
	_ = godotenv.Load()

	var fs fileShape
	if path := os.Getenv(common.EnvConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &fs); err != nil {
			return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	s := Settings{
		EquityAPIKey:     getEnvOrDefault(common.EnvEquityAPIKey, fs.Equity.APIKey),
		EquitySecret:     getEnvOrDefault(common.EnvEquitySecret, fs.Equity.Secret),
		EquityBaseURL:    getEnvOrDefault(common.EnvEquityBaseURL, fs.Equity.BaseURL),
		CryptoAPIKey:     getEnvOrDefault(common.EnvCryptoAPIKey, fs.Crypto.APIKey),
		CryptoSecret:     getEnvOrDefault(common.EnvCryptoSecret, fs.Crypto.Secret),
		CryptoBaseURL:    getEnvOrDefault(common.EnvCryptoBaseURL, fs.Crypto.BaseURL),
		CryptoWsURL:      getEnvOrDefault(common.EnvCryptoWsURL, fs.Crypto.WsURL),
		CryptoOrderWsURL: getEnvOrDefault(common.EnvCryptoOrderWsURL, fs.Crypto.OrderWsURL),

		DryRun:      getBoolOrDefault(common.EnvDryRun, fs.System.DryRun),
		DataPath:    getEnvOrDefault(common.EnvDataPath, fs.System.DataPath),
		MetricsPort: getIntOrDefault(common.EnvMetricsPort, fallbackInt(fs.System.MetricsPort, common.DefaultMetricsPort)),

		RESTTimeout:      parseDurationOrDefault(fs.System.RESTTimeout, mustDuration(common.DefaultRESTTimeout)),
		WSRequestTimeout: parseDurationOrDefault(fs.System.WSRequestTimeout, mustDuration(common.DefaultWSRequestTimeout)),
		StalenessMs:      fallbackInt(fs.System.StalenessMs, common.DefaultStalenessMs),

		Profiles:     fs.Profiles,
		Grid:         fs.Grid,
		Trailing:     fs.Trailing,
		PartialExits: fs.PartialExits,
		Regime:       fs.Regime,
		Filter:       fs.Filter,
		Features:     fs.Features,

		RSIEntryMax:      fallbackFloat(fs.RSIEntryMax, 70),
		RSIExitMinProfit: fallbackFloat(fs.RSIExitMinProfit, 0.3),

		CryptoLoopMinInterval: parseDurationOrDefault(fs.CryptoLoopMinInterval, 100*time.Millisecond),
		CryptoLoopMaxInterval: parseDurationOrDefault(fs.CryptoLoopMaxInterval, 1000*time.Millisecond),

		DynamicMaxPositionsFloor: fallbackInt(fs.DynamicMaxPositionsFloor, 1),
		DynamicMaxPositionsCeil:  fallbackInt(fs.DynamicMaxPositionsCeil, 10),
		PerPositionUSD:           fallbackFloat(fs.PerPositionUSD, 50),

		CooldownStopLossMs: time.Duration(fallbackInt(fs.CooldownStopLossMs, 900000)) * time.Millisecond,
		CooldownSellMs:     time.Duration(fallbackInt(fs.CooldownSellMs, 60000)) * time.Millisecond,

		EODExitTimeUTC: fallbackString(fs.EODExitTimeUTC, "19:30"),

		DailyProfitTargetPct: fallbackFloat(fs.DailyProfitTargetPct, 2.0),
		MaxDrawdownPct:       fallbackFloat(fs.MaxDrawdownPct, common.DefaultMaxDrawdownProtection*100),
		PortfolioStopLossPct: fallbackFloat(fs.PortfolioStopLossPct, 10.0),

		VIXSymbol:            getEnvOrDefault(common.EnvVIXSymbol, fallbackString(fs.VIXSymbol, common.DefaultVIXSymbol)),
		MarketSampleInterval: time.Duration(getIntOrDefault(common.EnvMarketSampleMs, fallbackInt(fs.MarketSampleMs, common.DefaultMarketSampleMs))) * time.Millisecond,

		CryptoSymbols: fallbackSymbols(fs.CryptoSymbols, common.EnvCryptoSymbols),
	}

	applyProfileDefaults(&s)
	applyGridDefaults(&s)
	applyTrailingDefaults(&s)
	applyRegimeDefaults(&s)
	applyFilterDefaults(&s)

	if err := validate(&s); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

func applyProfileDefaults(s *Settings) {
	for i := range s.Profiles {
		p := &s.Profiles[i]
		if p.MinHoldRaw != "" {
			if d, err := time.ParseDuration(p.MinHoldRaw); err == nil {
				p.MinHold = d
			}
		}
		if p.MaxHoldRaw != "" {
			if d, err := time.ParseDuration(p.MaxHoldRaw); err == nil {
				p.MaxHold = d
			}
		}
		if p.MaxPositions == 0 {
			p.MaxPositions = 5
		}
		if p.VIXThreshold == 0 {
			p.VIXThreshold = 20
		}
		if p.VIXHysteresis == 0 {
			p.VIXHysteresis = 2
		}
	}
}

func applyGridDefaults(s *Settings) {
	if s.Grid.MinOrderUSD == 0 {
		s.Grid.MinOrderUSD = 11
	}
	if s.Grid.MaxOrderUSD == 0 {
		s.Grid.MaxOrderUSD = 500
	}
	if s.Grid.CashRatio == 0 {
		s.Grid.CashRatio = 0.80
	}
	if s.Grid.MaxOpenOrders == 0 {
		s.Grid.MaxOpenOrders = 3
	}
	s.Grid.StaleOrderAge = parseDurationOrDefault(s.Grid.StaleOrderAgeRaw, 15*time.Minute)
	if len(s.Grid.LadderOffsets) == 0 {
		s.Grid.LadderOffsets = []float64{-0.003, -0.005, -0.01}
	}
	if len(s.Grid.LadderWeights) == 0 {
		s.Grid.LadderWeights = []float64{0.3, 0.4, 0.3}
	}
	if s.Grid.ScoreThreshold == 0 {
		s.Grid.ScoreThreshold = 5
	}
}

func applyTrailingDefaults(s *Settings) {
	if s.Trailing.ActivationPct == 0 {
		s.Trailing.ActivationPct = 0.005
	}
	if s.Trailing.TrailPct == 0 {
		s.Trailing.TrailPct = 0.003
	}
	if s.Trailing.CapPct == 0 {
		s.Trailing.CapPct = 0.02
	}
	if len(s.PartialExits) == 0 {
		s.PartialExits = []PartialExitLevel{
			{ThresholdPct: 0.006, FractionPct: 0.25},
			{ThresholdPct: 0.010, FractionPct: 0.33},
		}
	}
}

func applyRegimeDefaults(s *Settings) {
	if s.Regime.HighVolThreshold == 0 {
		s.Regime.HighVolThreshold = 30
	}
	if s.Regime.ElevatedThreshold == 0 {
		s.Regime.ElevatedThreshold = 20
	}
	if s.Regime.Hysteresis == 0 {
		s.Regime.Hysteresis = 2
	}
}

func applyFilterDefaults(s *Settings) {
	if s.Filter.MaxSpreadPct == 0 {
		s.Filter.MaxSpreadPct = 0.003
	}
	if s.Filter.MLScoreThreshold == 0 {
		s.Filter.MLScoreThreshold = 0.55
	}
	if s.Filter.MLWinRateThreshold == 0 {
		s.Filter.MLWinRateThreshold = 0.5
	}
	if s.Filter.ConcentrationSymbolPct == 0 {
		s.Filter.ConcentrationSymbolPct = 0.40
	}
	if s.Filter.ConcentrationGroupPct == 0 {
		s.Filter.ConcentrationGroupPct = 0.60
	}
	if s.Filter.ConcentrationMinEquity == 0 {
		s.Filter.ConcentrationMinEquity = 500
	}
	if s.Filter.LowLiquidityStartUTC == "" {
		s.Filter.LowLiquidityStartUTC = "02:00"
	}
	if s.Filter.LowLiquidityEndUTC == "" {
		s.Filter.LowLiquidityEndUTC = "06:00"
	}
	if s.Filter.AvoidFirstMinutes == 0 {
		s.Filter.AvoidFirstMinutes = 15
	}
	if s.Filter.AvoidLastMinutes == 0 {
		s.Filter.AvoidLastMinutes = 30
	}
}

func validate(s *Settings) error {
	if s.CryptoAPIKey == "" || s.CryptoSecret == "" {
		return fmt.Errorf(common.ErrMsgCryptoCredsRequired)
	}
	if s.EquityAPIKey == "" || s.EquitySecret == "" {
		return fmt.Errorf(common.ErrMsgEquityCredsRequired)
	}
	if len(s.Profiles) == 0 {
		return fmt.Errorf(common.ErrMsgNoProfiles)
	}
	mainCount := 0
	for _, p := range s.Profiles {
		if p.IsMain {
			mainCount++
		}
		if p.CapitalFraction <= 0 || p.CapitalFraction > 1 {
			return fmt.Errorf("profile %s: capitalFraction must be in (0,1]", p.ID)
		}
	}
	if mainCount != 1 {
		return fmt.Errorf("exactly one profile must be marked isMain, got %d", mainCount)
	}
	if !s.DryRun && os.Getenv(common.EnvForceLiveTrading) != "true" {
		return fmt.Errorf(common.ErrMsgForceLiveRequired)
	}
	if s.Grid.MinOrderUSD <= 0 || s.Grid.MaxOrderUSD < s.Grid.MinOrderUSD {
		return fmt.Errorf("grid.minOrderUSD/maxOrderUSD misconfigured")
	}
	if len(s.Grid.LadderOffsets) != len(s.Grid.LadderWeights) {
		return fmt.Errorf("grid ladder offsets and weights must have equal length")
	}
	return nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBoolOrDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func fallbackInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func fallbackFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func fallbackString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func parseDurationOrDefault(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

// fallbackSymbols reads a comma-separated symbol list from envKey,
// falling back to the YAML-configured list, matching the teacher's
// SYMBOLS env convention (here internal/common.EnvCryptoSymbols) applied to
// the crypto universe instead of the single exchange's symbol set.
func fallbackSymbols(fileList []string, envKey string) []string {
	if v := os.Getenv(envKey); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				out = append(out, t)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fileList
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

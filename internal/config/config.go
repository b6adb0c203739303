// Package config loads the application configuration with precedence:
// defaults, then YAML, then environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quantfold/marketpipe/internal/aggregate"
)

// VenueConn configures one websocket connection to a venue.
type VenueConn struct {
	Enabled        bool     `yaml:"enabled"`
	WSURL          string   `yaml:"wsUrl"`
	RESTURL        string   `yaml:"restUrl"`
	Symbols        []string `yaml:"symbols"`
	Channels       []string `yaml:"channels"`
	KlineIntervals []string `yaml:"klineIntervals"`
}

// OKXConfig configures the OKX connection and its book resync tuning.
type OKXConfig struct {
	Enabled            bool     `yaml:"enabled"`
	WSURL              string   `yaml:"wsUrl"`
	RESTURL            string   `yaml:"restUrl"`
	Instruments        []string `yaml:"instruments"`
	Channels           []string `yaml:"channels"`
	EnableKlines       bool     `yaml:"enableKlines"`
	KlineBars          []string `yaml:"klineBars"`
	ResyncMinGapCount  int      `yaml:"resyncMinGapCount"`
	ResyncPendingMaxMs int64    `yaml:"resyncPendingMaxMs"`
}

// MismatchConfig mirrors the CVD cross-venue mismatch tuning.
type MismatchConfig struct {
	EwmaAlpha              float64 `yaml:"ewmaAlpha"`
	MinEwmaAbs             float64 `yaml:"minEwmaAbs"`
	MinAbsScaled           float64 `yaml:"minAbsScaled"`
	MinScale               float64 `yaml:"minScale"`
	MaxScale               float64 `yaml:"maxScale"`
	SignAgreementThreshold float64 `yaml:"signAgreementThreshold"`
	ZThresh                float64 `yaml:"zThresh"`
	ZMax                   float64 `yaml:"zMax"`
	RatioThresh            float64 `yaml:"ratioThresh"`
	RatioMax               float64 `yaml:"ratioMax"`
	PenaltySign            float64 `yaml:"penaltySign"`
	PenaltyDispersion      float64 `yaml:"penaltyDispersion"`
}

// AggregationConfig tunes the consolidation layer.
type AggregationConfig struct {
	PriceTTLMs             int64              `yaml:"priceTtlMs"`
	Weights                map[string]float64 `yaml:"weights"`
	OITTLMs                int64              `yaml:"oiTtlMs"`
	CanonicalTTLMs         int64              `yaml:"canonicalTtlMs"`
	CanonicalMinConfidence float64            `yaml:"canonicalMinConfidence"`
	LiquidityBucketMs      int64              `yaml:"liquidityBucketMs"`
	DepthLevels            int                `yaml:"depthLevels"`
	CvdBucketMs            int64              `yaml:"cvdBucketMs"`
	CvdDebug               bool               `yaml:"cvdDebug"`
	Mismatch               MismatchConfig     `yaml:"mismatch"`
}

// JournalConfig tunes the append-only event journal.
type JournalConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Dir             string `yaml:"dir"`
	FlushIntervalMs int64  `yaml:"flushIntervalMs"`
	MaxBatchSize    int    `yaml:"maxBatchSize"`
	QueueSize       int    `yaml:"queueSize"`
}

// PollerConfig tunes the derivatives REST poller.
type PollerConfig struct {
	IntervalMs        int64   `yaml:"intervalMs"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the root configuration.
type AppConfig struct {
	BinanceSpot    VenueConn         `yaml:"binanceSpot"`
	BinanceFutures VenueConn         `yaml:"binanceFutures"`
	OKX            OKXConfig         `yaml:"okx"`
	Aggregation    AggregationConfig `yaml:"aggregation"`
	Journal        JournalConfig     `yaml:"journal"`
	Poller         PollerConfig      `yaml:"poller"`
	Telemetry      TelemetryConfig   `yaml:"telemetry"`
}

// Load resolves the configuration: defaults, then the YAML file (configPath,
// MARKETPIPE_CONFIG, or config/app.yaml), then environment overrides.
func Load(configPath string) (AppConfig, error) {
	cfg := defaultAppConfig()
	if err := cfg.loadYAML(configPath); err != nil && !os.IsNotExist(err) {
		return AppConfig{}, fmt.Errorf("load yaml config: %w", err)
	}
	cfg.loadEnv()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaultAppConfig() AppConfig {
	mm := aggregate.DefaultMismatchConfig()
	return AppConfig{
		BinanceSpot: VenueConn{
			Enabled:        true,
			WSURL:          "wss://stream.binance.com:9443/ws",
			RESTURL:        "https://api.binance.com/api/v3",
			Symbols:        []string{"BTCUSDT"},
			Channels:       []string{"trades", "klines", "depth", "ticker"},
			KlineIntervals: []string{"1m"},
		},
		BinanceFutures: VenueConn{
			Enabled:        true,
			WSURL:          "wss://fstream.binance.com/ws",
			RESTURL:        "https://fapi.binance.com/fapi/v1",
			Symbols:        []string{"BTCUSDT"},
			Channels:       []string{"trades", "klines", "depth", "markPrice", "liquidations"},
			KlineIntervals: []string{"1m"},
		},
		OKX: OKXConfig{
			Enabled:            true,
			WSURL:              "wss://ws.okx.com:8443/ws/v5/public",
			RESTURL:            "https://www.okx.com",
			Instruments:        []string{"BTC-USDT", "BTC-USDT-SWAP"},
			Channels:           []string{"trades", "tickers", "mark-price", "index-tickers", "books", "liquidation-orders"},
			EnableKlines:       false,
			KlineBars:          []string{"1m"},
			ResyncMinGapCount:  0,
			ResyncPendingMaxMs: 5000,
		},
		Aggregation: AggregationConfig{
			PriceTTLMs:             5000,
			Weights:                map[string]float64{},
			OITTLMs:                180_000,
			CanonicalTTLMs:         5000,
			CanonicalMinConfidence: 0.5,
			LiquidityBucketMs:      60_000,
			DepthLevels:            10,
			CvdBucketMs:            60_000,
			CvdDebug:               false,
			Mismatch: MismatchConfig{
				EwmaAlpha:              mm.EwmaAlpha,
				MinEwmaAbs:             mm.MinEwmaAbs,
				MinAbsScaled:           mm.MinAbsScaled,
				MinScale:               mm.MinScale,
				MaxScale:               mm.MaxScale,
				SignAgreementThreshold: mm.SignAgreementThreshold,
				ZThresh:                mm.ZThresh,
				ZMax:                   mm.ZMax,
				RatioThresh:            mm.RatioThresh,
				RatioMax:               mm.RatioMax,
				PenaltySign:            mm.PenaltySign,
				PenaltyDispersion:      mm.PenaltyDispersion,
			},
		},
		Journal: JournalConfig{
			Enabled:         true,
			Dir:             "data/journal",
			FlushIntervalMs: 1000,
			MaxBatchSize:    256,
			QueueSize:       8192,
		},
		Poller: PollerConfig{
			IntervalMs:        60_000,
			RequestsPerSecond: 5,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "http://localhost:4318",
			ServiceName:   "marketpipe",
			OTLPInsecure:  false,
			EnableMetrics: false,
		},
	}
}

func (c *AppConfig) loadYAML(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("MARKETPIPE_CONFIG"))
	}
	candidates := []string{}
	if path != "" {
		candidates = append(candidates, filepath.Clean(path))
	}
	candidates = append(candidates, "config/app.yaml")

	var lastErr error
	for _, candidate := range candidates {
		raw, err := os.ReadFile(candidate) // #nosec G304 -- config paths come from operators.
		if err != nil {
			lastErr = err
			continue
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return fmt.Errorf("unmarshal %s: %w", candidate, err)
		}
		return nil
	}
	return lastErr
}

func (c *AppConfig) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("BOT_JOURNAL_DIR")); v != "" {
		c.Journal.Dir = v
	}
	if v, ok := envBool("BOT_CVD_DEBUG"); ok {
		c.Aggregation.CvdDebug = v
	}
	if v, ok := envBool("OKX_ENABLE_KLINES"); ok {
		c.OKX.EnableKlines = v
	}
	if v, ok := envInt("OKX_RESYNC_MIN_GAP_COUNT"); ok {
		c.OKX.ResyncMinGapCount = int(v)
	}
	if v, ok := envInt("OKX_RESYNC_PENDING_MAX_MS"); ok {
		c.OKX.ResyncPendingMaxMs = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}

	mm := &c.Aggregation.Mismatch
	envFloat("BOT_CVD_MISMATCH_EWMA_ALPHA", &mm.EwmaAlpha)
	envFloat("BOT_CVD_MISMATCH_MIN_EWMA_ABS", &mm.MinEwmaAbs)
	envFloat("BOT_CVD_MISMATCH_MIN_ABS_SCALED", &mm.MinAbsScaled)
	envFloat("BOT_CVD_MISMATCH_MIN_SCALE", &mm.MinScale)
	envFloat("BOT_CVD_MISMATCH_MAX_SCALE", &mm.MaxScale)
	envFloat("BOT_CVD_MISMATCH_SIGN_AGREEMENT", &mm.SignAgreementThreshold)
	envFloat("BOT_CVD_MISMATCH_Z_THRESH", &mm.ZThresh)
	envFloat("BOT_CVD_MISMATCH_Z_MAX", &mm.ZMax)
	envFloat("BOT_CVD_MISMATCH_RATIO_THRESH", &mm.RatioThresh)
	envFloat("BOT_CVD_MISMATCH_RATIO_MAX", &mm.RatioMax)
	envFloat("BOT_CVD_MISMATCH_PENALTY_SIGN", &mm.PenaltySign)
	envFloat("BOT_CVD_MISMATCH_PENALTY_DISPERSION", &mm.PenaltyDispersion)
}

func envBool(key string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return parsed, true
}

func envInt(key string) (int64, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func envFloat(key string, dst *float64) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if parsed, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = parsed
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *AppConfig) Validate() error {
	for name, vc := range map[string]VenueConn{"binanceSpot": c.BinanceSpot, "binanceFutures": c.BinanceFutures} {
		if !vc.Enabled {
			continue
		}
		if strings.TrimSpace(vc.WSURL) == "" {
			return fmt.Errorf("%s: wsUrl required", name)
		}
		if len(vc.Symbols) == 0 {
			return fmt.Errorf("%s: at least one symbol required", name)
		}
	}
	if c.OKX.Enabled {
		if strings.TrimSpace(c.OKX.WSURL) == "" {
			return fmt.Errorf("okx: wsUrl required")
		}
		if len(c.OKX.Instruments) == 0 {
			return fmt.Errorf("okx: at least one instrument required")
		}
	}
	if c.Aggregation.PriceTTLMs <= 0 {
		return fmt.Errorf("aggregation: priceTtlMs must be >0")
	}
	if c.Aggregation.CvdBucketMs <= 0 {
		return fmt.Errorf("aggregation: cvdBucketMs must be >0")
	}
	if c.Aggregation.LiquidityBucketMs <= 0 {
		return fmt.Errorf("aggregation: liquidityBucketMs must be >0")
	}
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Dir) == "" {
		return fmt.Errorf("journal: dir required when enabled")
	}
	if c.Poller.IntervalMs <= 0 {
		return fmt.Errorf("poller: intervalMs must be >0")
	}
	return nil
}

// MismatchFor converts the YAML tuning into the aggregation layer's config,
// keeping kernel defaults for fields the YAML leaves at zero.
func (c *AppConfig) MismatchFor() aggregate.MismatchConfig {
	mm := aggregate.DefaultMismatchConfig()
	src := c.Aggregation.Mismatch
	if src.EwmaAlpha > 0 {
		mm.EwmaAlpha = src.EwmaAlpha
	}
	if src.MinEwmaAbs > 0 {
		mm.MinEwmaAbs = src.MinEwmaAbs
	}
	if src.MinAbsScaled > 0 {
		mm.MinAbsScaled = src.MinAbsScaled
	}
	if src.MinScale > 0 {
		mm.MinScale = src.MinScale
	}
	if src.MaxScale > 0 {
		mm.MaxScale = src.MaxScale
	}
	if src.SignAgreementThreshold > 0 {
		mm.SignAgreementThreshold = src.SignAgreementThreshold
	}
	if src.ZThresh > 0 {
		mm.ZThresh = src.ZThresh
	}
	if src.ZMax > 0 {
		mm.ZMax = src.ZMax
	}
	if src.RatioThresh > 0 {
		mm.RatioThresh = src.RatioThresh
	}
	if src.RatioMax > 0 {
		mm.RatioMax = src.RatioMax
	}
	if src.PenaltySign > 0 {
		mm.PenaltySign = src.PenaltySign
	}
	if src.PenaltyDispersion > 0 {
		mm.PenaltyDispersion = src.PenaltyDispersion
	}
	return mm
}

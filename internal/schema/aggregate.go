package schema

// ProviderConsolidated is the provider label on venue-consolidated events.
const ProviderConsolidated = "consolidated"

// QualityFlags annotates an aggregate with the conditions that fed its
// confidence score. The monitor re-derives confidence inputs from these.
type QualityFlags struct {
	ConsistentUnits  *bool `json:"consistentUnits,omitempty"`
	MismatchDetected bool  `json:"mismatchDetected,omitempty"`
	GapDetected      bool  `json:"gapDetected,omitempty"`
	SequenceBroken   bool  `json:"sequenceBroken,omitempty"`
	LagDetected      bool  `json:"lagDetected,omitempty"`
	OutlierDetected  bool  `json:"outlierDetected,omitempty"`
}

// AggregateCore is the envelope shared by all venue-consolidated events.
// All mappings are marshalled with sorted keys and SourcesUsed is sorted
// ascending, keeping journal diffs byte-stable.
type AggregateCore struct {
	Symbol              string             `json:"symbol"`
	Ts                  int64              `json:"ts"`
	MarketType          MarketType         `json:"marketType"`
	VenueBreakdown      map[string]float64 `json:"venueBreakdown"`
	SourcesUsed         []string           `json:"sourcesUsed"`
	WeightsUsed         map[string]float64 `json:"weightsUsed"`
	FreshSourcesCount   int                `json:"freshSourcesCount"`
	StaleSourcesDropped []string           `json:"staleSourcesDropped"`
	MismatchDetected    bool               `json:"mismatchDetected"`
	ConfidenceScore     float64            `json:"confidenceScore"`
	QualityFlags        QualityFlags       `json:"qualityFlags"`
	Provider            string             `json:"provider"`
	Meta                EventMeta          `json:"meta"`
}

// Core exposes the shared envelope; every aggregate event implements
// Aggregated through it.
func (c *AggregateCore) Core() *AggregateCore { return c }

// Aggregated is satisfied by every venue-consolidated event.
type Aggregated interface {
	Core() *AggregateCore
}

// Fallback reasons recorded when canonical price priority is demoted.
const (
	FallbackIndexStale = "INDEX_STALE"
	FallbackNoIndex    = "NO_INDEX"
	FallbackMarkStale  = "MARK_STALE"
	FallbackNoMark     = "NO_MARK"
)

// Price type labels for canonical price selection.
const (
	PriceTypeIndex = "index"
	PriceTypeMark  = "mark"
	PriceTypeLast  = "last"
)

// PriceCanonical is the venue-consolidated canonical price.
type PriceCanonical struct {
	AggregateCore
	Price          float64 `json:"price"`
	PriceTypeUsed  string  `json:"priceTypeUsed"`
	FallbackReason string  `json:"fallbackReason,omitempty"`
}

// PriceIndex is the venue-consolidated index price.
type PriceIndex struct {
	AggregateCore
	Price float64 `json:"price"`
}

// FundingAgg is the venue-consolidated funding rate.
type FundingAgg struct {
	AggregateCore
	Rate float64 `json:"rate"`
}

// OpenInterestAgg is the venue-consolidated open interest for the dominant
// unit group.
type OpenInterestAgg struct {
	AggregateCore
	OpenInterest         float64  `json:"openInterest"`
	Unit                 OIUnit   `json:"unit"`
	OpenInterestValueUsd *float64 `json:"openInterestValueUsd,omitempty"`
}

// LiquidationsAgg totals liquidations over one bucket.
type LiquidationsAgg struct {
	AggregateCore
	Total         float64 `json:"total"`
	Unit          string  `json:"unit"`
	Count         int     `json:"count"`
	BucketStartTs int64   `json:"bucketStartTs"`
	BucketEndTs   int64   `json:"bucketEndTs"`
	BucketSizeMs  int64   `json:"bucketSizeMs"`
}

// VenueBookStatus reports per-stream order book health inside a liquidity
// bucket.
type VenueBookStatus struct {
	SequenceBroken bool `json:"sequenceBroken,omitempty"`
	Resyncing      bool `json:"resyncing,omitempty"`
}

// LiquidityAgg is the venue-consolidated top-of-book liquidity picture for
// one bucket.
type LiquidityAgg struct {
	AggregateCore
	BestBid       float64                    `json:"bestBid"`
	BestAsk       float64                    `json:"bestAsk"`
	Spread        float64                    `json:"spread"`
	DepthBid      float64                    `json:"depthBid"`
	DepthAsk      float64                    `json:"depthAsk"`
	Imbalance     float64                    `json:"imbalance"`
	MidPrice      float64                    `json:"midPrice"`
	BucketStartTs int64                      `json:"bucketStartTs"`
	BucketEndTs   int64                      `json:"bucketEndTs"`
	VenueStatus   map[string]VenueBookStatus `json:"venueStatus,omitempty"`
}

// CVD mismatch types produced by the mismatch-v1 detector.
const (
	CvdMismatchSign       = "SIGN"
	CvdMismatchDispersion = "DISPERSION"
)

// CvdMismatch carries the mismatch-v1 verdict for one bucket.
type CvdMismatch struct {
	Type              string  `json:"type"`
	ConfidencePenalty float64 `json:"confidencePenalty"`
	SignAgreement     float64 `json:"signAgreement,omitempty"`
	MaxAbsZ           float64 `json:"maxAbsZ,omitempty"`
	Ratio             float64 `json:"ratio,omitempty"`
}

// CvdAgg is the venue-consolidated CVD for one bucket.
type CvdAgg struct {
	AggregateCore
	CvdDelta      float64      `json:"cvdDelta"`
	CvdTotal      float64      `json:"cvdTotal"`
	BucketStartTs int64        `json:"bucketStartTs"`
	BucketEndTs   int64        `json:"bucketEndTs"`
	BucketSizeMs  int64        `json:"bucketSizeMs"`
	Unit          string       `json:"unit"`
	Mismatch      *CvdMismatch `json:"mismatch,omitempty"`
}

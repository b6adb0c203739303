package schema

// StaleSignal reports that an aggregate stopped updating.
type StaleSignal struct {
	Topic       string     `json:"topic"`
	Symbol      string     `json:"symbol"`
	MarketType  MarketType `json:"marketType"`
	Provider    string     `json:"provider"`
	LastTs      int64      `json:"lastTs"`
	Ts          int64      `json:"ts"`
	ThresholdMs int64      `json:"thresholdMs"`
}

// MismatchSignal reports venue disagreement above threshold, or a suppressed
// diagnostic when venues were not comparable.
type MismatchSignal struct {
	Topic      string             `json:"topic"`
	Symbol     string             `json:"symbol"`
	MarketType MarketType         `json:"marketType"`
	Ts         int64              `json:"ts"`
	Baseline   float64            `json:"baseline"`
	MaxDiff    float64            `json:"maxDiff"`
	Relative   bool               `json:"relative"`
	Venues     map[string]float64 `json:"venues"`
	Suppressed bool               `json:"suppressed,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// ConfidenceSignal republishes the confidence derivation of an aggregate.
type ConfidenceSignal struct {
	Topic      string       `json:"topic"`
	Symbol     string       `json:"symbol"`
	MarketType MarketType   `json:"marketType"`
	Ts         int64        `json:"ts"`
	Score      float64      `json:"score"`
	Version    string       `json:"version"`
	Flags      QualityFlags `json:"flags"`
}

// SourceDegraded marks a (topic, symbol) pair as degraded.
type SourceDegraded struct {
	Topic      string     `json:"topic"`
	Symbol     string     `json:"symbol"`
	MarketType MarketType `json:"marketType"`
	Reason     string     `json:"reason"`
	Ts         int64      `json:"ts"`
}

// SourceRecovered clears a previous degradation.
type SourceRecovered struct {
	Topic       string     `json:"topic"`
	Symbol      string     `json:"symbol"`
	MarketType  MarketType `json:"marketType"`
	Ts          int64      `json:"ts"`
	LastErrorTs int64      `json:"lastErrorTs"`
}

// Degradation reasons.
const (
	DegradeReasonStale    = "stale"
	DegradeReasonMismatch = "mismatch"
)

// MarketDataStatus is a periodic health summary for operators.
type MarketDataStatus struct {
	Ts        int64          `json:"ts"`
	Degraded  []string       `json:"degraded"`
	Suppress  map[string]int `json:"suppressions,omitempty"`
	EventRate float64        `json:"eventRate,omitempty"`
}

// ReplayStarted opens a replay session.
type ReplayStarted struct {
	RunID    string   `json:"runId"`
	Files    int      `json:"files"`
	Topics   []string `json:"topics"`
	Ordering string   `json:"ordering"`
	Mode     string   `json:"mode"`
}

// ReplayProgress is emitted periodically during replay.
type ReplayProgress struct {
	RunID    string `json:"runId"`
	Emitted  int64  `json:"emitted"`
	Skipped  int64  `json:"skipped"`
	File     string `json:"file"`
	TsIngest int64  `json:"tsIngest"`
}

// ReplayWarning flags an invalid journal line.
type ReplayWarning struct {
	RunID string `json:"runId"`
	File  string `json:"file"`
	Line  int    `json:"line"`
	Err   string `json:"err"`
}

// ReplayError flags a file-level failure.
type ReplayError struct {
	RunID string `json:"runId"`
	File  string `json:"file"`
	Err   string `json:"err"`
}

// ReplayFinished closes a replay session with counts.
type ReplayFinished struct {
	RunID   string `json:"runId"`
	Emitted int64  `json:"emitted"`
	Skipped int64  `json:"skipped"`
	Files   int    `json:"files"`
}

// HandlerError reports a subscriber failure surfaced on the error topic.
type HandlerError struct {
	Topic   string `json:"topic"`
	Handler string `json:"handler"`
	Err     string `json:"err"`
}

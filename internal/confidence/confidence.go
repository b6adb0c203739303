// Package confidence implements the versioned, deterministic confidence
// score attached to every venue-consolidated event.
package confidence

// Version identifies the score formula; bump it when the penalty table or
// the base computation changes.
const Version = "v1"

// Fixed penalty factors, applied in the order they are declared.
const (
	penaltyMismatch = 0.5
	penaltyGap      = 0.7
	penaltySequence = 0.5
	penaltyLag      = 0.8
	penaltyOutlier  = 0.8
)

// Inputs are the immutable inputs to the score. Optional factors are
// pointers; nil means not applicable.
type Inputs struct {
	FreshSources        int
	ExpectedSources     int
	StaleSourcesDropped int
	MismatchDetected    bool
	GapDetected         bool
	SequenceBroken      bool
	LagDetected         bool
	OutlierDetected     bool
	FallbackPenalty     *float64
	SourcePenalty       *float64
	SourceCap           *float64
}

// Penalty is one entry of the ordered penalty trace.
type Penalty struct {
	Reason string  `json:"reason"`
	Factor float64 `json:"factor"`
}

// Result carries the final score and the ordered trace of applied factors.
type Result struct {
	Score     float64   `json:"score"`
	Version   string    `json:"version"`
	Base      float64   `json:"base"`
	Penalties []Penalty `json:"penalties,omitempty"`
}

// Compute evaluates the v1 formula. The result depends only on field
// values, never on any ordering of the caller's data.
func Compute(in Inputs) Result {
	base := computeBase(in)
	score := base
	trace := make([]Penalty, 0, 8)

	apply := func(reason string, factor float64) {
		score *= factor
		trace = append(trace, Penalty{Reason: reason, Factor: factor})
	}

	if in.MismatchDetected {
		apply("mismatch", penaltyMismatch)
	}
	if in.GapDetected {
		apply("gap", penaltyGap)
	}
	if in.SequenceBroken {
		apply("sequence_broken", penaltySequence)
	}
	if in.LagDetected {
		apply("lag", penaltyLag)
	}
	if in.OutlierDetected {
		apply("outlier", penaltyOutlier)
	}
	if in.FallbackPenalty != nil {
		apply("fallback", clamp01(*in.FallbackPenalty))
	}
	if in.SourcePenalty != nil {
		apply("source", clamp01(*in.SourcePenalty))
	}
	if in.SourceCap != nil {
		cap := clamp01(*in.SourceCap)
		if score > cap {
			score = cap
			trace = append(trace, Penalty{Reason: "source_cap", Factor: cap})
		}
	}

	return Result{
		Score:     clamp01(score),
		Version:   Version,
		Base:      base,
		Penalties: trace,
	}
}

func computeBase(in Inputs) float64 {
	fresh := float64(in.FreshSources)
	if in.ExpectedSources > 0 {
		return clamp01(fresh / float64(in.ExpectedSources))
	}
	total := in.FreshSources + in.StaleSourcesDropped
	if total > 0 {
		return clamp01(fresh / float64(total))
	}
	return 0
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

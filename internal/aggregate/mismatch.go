package aggregate

import (
	"math"
	"sort"

	"github.com/quantfold/marketpipe/internal/schema"
)

// MismatchConfig holds the mismatch-v1 tuning knobs. Venue CVD magnitudes
// differ by orders of magnitude, so deltas are rescaled by per-stream EWMA of
// absolute delta before any comparison.
type MismatchConfig struct {
	EwmaAlpha              float64
	MinEwmaAbs             float64
	MinAbsScaled           float64
	MinScale               float64
	MaxScale               float64
	SignAgreementThreshold float64
	ZThresh                float64
	ZMax                   float64
	RatioThresh            float64
	RatioMax               float64
	PenaltySign            float64
	PenaltyDispersion      float64
}

// DefaultMismatchConfig returns the mismatch-v1 defaults.
func DefaultMismatchConfig() MismatchConfig {
	return MismatchConfig{
		EwmaAlpha:              0.2,
		MinEwmaAbs:             1e-9,
		MinAbsScaled:           0.1,
		MinScale:               0.1,
		MaxScale:               10,
		SignAgreementThreshold: 0.66,
		ZThresh:                3,
		ZMax:                   8,
		RatioThresh:            4,
		RatioMax:               12,
		PenaltySign:            0.5,
		PenaltyDispersion:      0.7,
	}
}

// MismatchState keeps the per-stream EWMA of absolute delta between buckets.
type MismatchState struct {
	ewma map[string]float64
}

// NewMismatchState constructs empty state.
func NewMismatchState() *MismatchState {
	return &MismatchState{ewma: make(map[string]float64)}
}

// EvaluateCvdMismatchV1 updates the EWMA state with this bucket's per-stream
// deltas and reports a mismatch verdict, or nil when the streams agree.
// Evaluation order is stream-sorted so the verdict is deterministic.
func EvaluateCvdMismatchV1(cfg MismatchConfig, state *MismatchState, deltas map[string]float64) *schema.CvdMismatch {
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ewmas := make([]float64, 0, len(ids))
	for _, id := range ids {
		abs := math.Abs(deltas[id])
		prev, ok := state.ewma[id]
		if !ok {
			state.ewma[id] = abs
		} else {
			state.ewma[id] = cfg.EwmaAlpha*abs + (1-cfg.EwmaAlpha)*prev
		}
		ewmas = append(ewmas, state.ewma[id])
	}
	if len(ids) < 2 {
		return nil
	}

	medEwma := median(ewmas)
	scaled := make([]float64, 0, len(ids))
	for _, id := range ids {
		scale := medEwma / math.Max(state.ewma[id], cfg.MinEwmaAbs)
		scale = math.Min(math.Max(scale, cfg.MinScale), cfg.MaxScale)
		v := deltas[id] * scale
		if math.Abs(v) >= cfg.MinAbsScaled {
			scaled = append(scaled, v)
		}
	}
	if len(scaled) < 2 {
		return nil
	}

	var pos, neg int
	for _, v := range scaled {
		if v > 0 {
			pos++
		} else if v < 0 {
			neg++
		}
	}
	agreement := float64(maxInt(pos, neg)) / float64(len(scaled))
	if agreement < cfg.SignAgreementThreshold {
		return &schema.CvdMismatch{
			Type:              schema.CvdMismatchSign,
			ConfidencePenalty: cfg.PenaltySign,
			SignAgreement:     agreement,
			MaxAbsZ:           0,
			Ratio:             0,
		}
	}

	med := median(scaled)
	devs := make([]float64, len(scaled))
	for i, v := range scaled {
		devs[i] = math.Abs(v - med)
	}
	mad := median(devs)
	maxZ := 0.0
	maxAbs := 0.0
	for _, v := range scaled {
		z := math.Abs(v-med) / math.Max(mad, cfg.MinEwmaAbs)
		if z > maxZ {
			maxZ = z
		}
		if math.Abs(v) > maxAbs {
			maxAbs = math.Abs(v)
		}
	}
	ratio := maxAbs / math.Max(math.Abs(med), cfg.MinEwmaAbs)
	// Either branch alone flags dispersion; severity interpolates on the
	// branch that exceeded harder.
	if maxZ < cfg.ZThresh && ratio < cfg.RatioThresh {
		return nil
	}
	zSeverity := (maxZ - cfg.ZThresh) / math.Max(cfg.ZMax-cfg.ZThresh, cfg.MinEwmaAbs)
	rSeverity := (ratio - cfg.RatioThresh) / math.Max(cfg.RatioMax-cfg.RatioThresh, cfg.MinEwmaAbs)
	severity := math.Min(1, math.Max(zSeverity, rSeverity))
	return &schema.CvdMismatch{
		Type:              schema.CvdMismatchDispersion,
		ConfidencePenalty: 1 - severity*(1-cfg.PenaltyDispersion),
		SignAgreement:     agreement,
		MaxAbsZ:           maxZ,
		Ratio:             ratio,
	}
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

package confidence

import (
	"regexp"
	"sort"
)

// TrustContext scopes trust rules to a class of data.
type TrustContext string

const (
	// ContextLiquidation applies to liquidation-derived aggregates.
	ContextLiquidation TrustContext = "liquidation"
	// ContextTrade applies to trade-derived aggregates.
	ContextTrade TrustContext = "trade"
)

// TrustRule attaches a penalty and/or cap to streams matching the pattern
// within one context.
type TrustRule struct {
	Context TrustContext
	Pattern *regexp.Regexp
	Penalty *float64
	Cap     *float64
	Reason  string
}

// Adjustments is the composed result of all matching trust rules.
type Adjustments struct {
	SourcePenalty *float64 `json:"sourcePenalty,omitempty"`
	SourceCap     *float64 `json:"sourceCap,omitempty"`
	Reasons       []string `json:"reasons"`
}

func f(v float64) *float64 { return &v }

// defaultTrustRules encodes venue caveats that cannot be derived from the
// data itself: Bybit reports liquidations at bankruptcy price, OKX throttles
// its liquidation feed to one order per second per instrument.
var defaultTrustRules = []TrustRule{
	{
		Context: ContextLiquidation,
		Pattern: regexp.MustCompile(`^bybit\.`),
		Penalty: nil,
		Cap:     f(0.7),
		Reason:  "BYBIT_BANKRUPTCY_PRICE",
	},
	{
		Context: ContextLiquidation,
		Pattern: regexp.MustCompile(`^okx\.`),
		Penalty: f(0.9),
		Cap:     nil,
		Reason:  "OKX_LIQUIDATIONS_LIMITED",
	},
}

// SourceTrustAdjustments composes the trust rules matching any of the given
// streams in the given context. Penalties compose by multiplication, caps by
// minimum; reasons come back sorted and duplicate-free, so the output is
// invariant under input list order.
func SourceTrustAdjustments(ctx TrustContext, streamIDs []string) Adjustments {
	return sourceTrustAdjustments(ctx, streamIDs, defaultTrustRules)
}

func sourceTrustAdjustments(ctx TrustContext, streamIDs []string, rules []TrustRule) Adjustments {
	var penalty *float64
	var cap *float64
	reasons := make(map[string]struct{})

	for _, rule := range rules {
		if rule.Context != ctx || rule.Pattern == nil {
			continue
		}
		matched := false
		for _, id := range streamIDs {
			if rule.Pattern.MatchString(id) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if rule.Penalty != nil {
			if penalty == nil {
				penalty = f(*rule.Penalty)
			} else {
				penalty = f(*penalty * *rule.Penalty)
			}
		}
		if rule.Cap != nil {
			if cap == nil || *rule.Cap < *cap {
				cap = f(*rule.Cap)
			}
		}
		if rule.Reason != "" {
			reasons[rule.Reason] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(reasons))
	for reason := range reasons {
		sorted = append(sorted, reason)
	}
	sort.Strings(sorted)

	return Adjustments{SourcePenalty: penalty, SourceCap: cap, Reasons: sorted}
}

// Package symbols normalises venue symbols to the canonical form and
// provides fixed-width time bucket math.
package symbols

import (
	"strings"

	"github.com/quantfold/marketpipe/errs"
)

// Derivative suffix segments stripped during canonicalisation. Canonical
// symbols must not contain these substrings; OKX-style inst-ids would be
// ambiguous otherwise.
var derivativeSuffixes = map[string]struct{}{
	"SWAP":    {},
	"PERP":    {},
	"FUTURES": {},
}

// Canonical maps a venue symbol to the canonical form: upper-case
// alphanumerics with separators and derivative suffixes stripped.
// `BTC-USDT-SWAP` and `btcusdt` both map to `BTCUSDT`.
func Canonical(raw string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return "", errs.New("", errs.CodeInvalid, errs.WithMessage("empty symbol"))
	}
	segments := splitSegments(trimmed)
	for len(segments) > 0 {
		last := segments[len(segments)-1]
		if _, ok := derivativeSuffixes[last]; !ok {
			break
		}
		segments = segments[:len(segments)-1]
	}
	joined := strings.Join(segments, "")
	if joined == "" {
		return "", errs.New("", errs.CodeInvalid, errs.WithMessage("symbol reduces to empty: "+raw))
	}
	for _, r := range joined {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", errs.New("", errs.CodeInvalid, errs.WithMessage("symbol not alphanumeric: "+raw))
		}
	}
	for suffix := range derivativeSuffixes {
		if strings.Contains(joined, suffix) {
			return "", errs.New("", errs.CodeInvalid,
				errs.WithMessage("canonical symbol must not contain "+suffix+": "+raw))
		}
	}
	return joined, nil
}

// Normalise is Canonical for symbols arriving on live feeds: it maps raw to
// the canonical form and reports success instead of returning an error, so
// hot paths can skip unmappable instruments without allocating.
func Normalise(raw string) (string, bool) {
	canonical, err := Canonical(raw)
	return canonical, err == nil
}

func splitSegments(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case '-', '_', '/', ':':
			return true
		default:
			return false
		}
	})
}

// BucketStart returns the inclusive start of the fixed-width bucket
// containing ts.
func BucketStart(ts, sizeMs int64) int64 {
	if sizeMs <= 0 {
		return ts
	}
	return ts - ts%sizeMs
}

// BucketClose returns the exclusive end of the bucket containing ts.
func BucketClose(ts, sizeMs int64) int64 {
	return BucketStart(ts, sizeMs) + sizeMs
}

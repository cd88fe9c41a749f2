package canonical

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// decimalPrecision is the number of fractional digits kept when rendering
// non-integral numbers. Anything beyond it is float noise for this domain
// (prices, weights, return fractions) and must not perturb fingerprints.
const decimalPrecision = 10

const dateLayout = "2006-01-02"

// NormalizeValue returns a copy of v with every number and timestamp rendered
// in a single canonical form, so that semantically equal inputs produce
// byte-equal canonical JSON:
//
//   - integral numbers stay JSON numbers (float64(2.0), json.Number("2"), int(2)
//     all become 2),
//   - fractional numbers become fixed-precision decimal strings ("1.5"),
//   - time.Time and RFC 3339 strings become UTC ISO-8601; midnight-UTC
//     timestamps collapse to the bare date form.
//
// Maps and slices are normalized recursively. Unknown types pass through for
// json.Marshal to handle.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		return normalizeFloat(t)
	case float32:
		return normalizeFloat(float64(t))
	case json.Number:
		return normalizeNumber(t)
	case time.Time:
		return normalizeTime(t)
	case string:
		return normalizeString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = NormalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = NormalizeValue(val)
		}
		return out
	default:
		return v
	}
}

// normalizeFloat renders f as a JSON number when integral (within exact float64
// range) and as a fixed-precision decimal string otherwise.
func normalizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		// Not representable in JSON. Leave for json.Marshal to reject so the
		// caller gets an error instead of a silently divergent fingerprint.
		return f
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return json.Number(strconv.FormatInt(int64(f), 10))
	}
	s := strconv.FormatFloat(f, 'f', decimalPrecision, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-" {
		return json.Number("0")
	}
	return s
}

func normalizeNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return json.Number(strconv.FormatInt(i, 10))
	}
	if f, err := n.Float64(); err == nil {
		return normalizeFloat(f)
	}
	// Malformed number; pass through verbatim.
	return n
}

func normalizeTime(t time.Time) string {
	u := t.UTC()
	if u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0 {
		return u.Format(dateLayout)
	}
	return u.Format(time.RFC3339)
}

// normalizeString canonicalizes date-like strings and leaves everything else
// untouched. Only ISO-8601 shapes are attempted; free text never round-trips
// through the time package.
func normalizeString(s string) string {
	if !looksLikeDate(s) {
		return s
	}
	if len(s) == len(dateLayout) {
		if _, err := time.Parse(dateLayout, s); err == nil {
			return s
		}
		return s
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return normalizeTime(t)
	}
	return s
}

// looksLikeDate is a cheap prefilter: four digits, dash, two digits, dash.
func looksLikeDate(s string) bool {
	if len(s) < len(dateLayout) {
		return false
	}
	for i := 0; i < 4; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s[4] == '-' && s[7] == '-'
}

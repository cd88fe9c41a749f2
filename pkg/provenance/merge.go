package provenance

import (
	"sort"
	"strings"
)

// SourceSeparator joins the origins of an aggregated result.
const SourceSeparator = "+"

// Merge combines the provenance of several sub-results into the provenance of
// their aggregate. The rules make degradation visible at the top:
//
//   - as_of: minimum (oldest input bounds the aggregate; unknown stays unknown),
//   - ttl: minimum,
//   - status: worst (stub > partial > real),
//   - source: union, deduplicated and sorted so merging is order-independent,
//   - confidence: minimum among inputs that declare one,
//   - computed_at: maximum,
//   - pricing_pack_id: smallest non-empty id; use InconsistentPack to detect
//     disagreement before trusting it.
//
// Merge is associative and commutative. Merging nothing yields StubMeta.
func Merge(envs ...Envelope) Meta {
	if len(envs) == 0 {
		return StubMeta()
	}

	merged := Meta{Status: StatusReal}
	sources := map[string]struct{}{}
	first := true

	for _, env := range envs {
		m := env.Meta

		if first {
			merged.AsOf = m.AsOf
			merged.TTLSeconds = m.TTLSeconds
			merged.ComputedAt = m.ComputedAt
			first = false
		} else {
			if m.AsOf.Before(merged.AsOf) {
				merged.AsOf = m.AsOf
			}
			if m.TTLSeconds < merged.TTLSeconds {
				merged.TTLSeconds = m.TTLSeconds
			}
			if m.ComputedAt.After(merged.ComputedAt) {
				merged.ComputedAt = m.ComputedAt
			}
		}

		merged.Status = Worse(merged.Status, m.Status)

		for _, s := range strings.Split(m.Source, SourceSeparator) {
			if s = strings.TrimSpace(s); s != "" {
				sources[s] = struct{}{}
			}
		}

		if m.Confidence != nil {
			if merged.Confidence == nil || *m.Confidence < *merged.Confidence {
				c := *m.Confidence
				merged.Confidence = &c
			}
		}

		if m.PricingPackID != "" {
			if merged.PricingPackID == "" || m.PricingPackID < merged.PricingPackID {
				merged.PricingPackID = m.PricingPackID
			}
		}
	}

	names := make([]string, 0, len(sources))
	for s := range sources {
		names = append(names, s)
	}
	sort.Strings(names)
	merged.Source = strings.Join(names, SourceSeparator)

	return merged
}

// InconsistentPack reports the first two distinct non-empty pricing-pack ids
// found across the envelopes. Within one pattern execution every step must
// resolve against the same pack, so a true return means the aggregate is not
// reproducible and must fail validation.
func InconsistentPack(envs ...Envelope) (string, string, bool) {
	seen := ""
	for _, env := range envs {
		id := env.Meta.PricingPackID
		if id == "" {
			continue
		}
		if seen == "" {
			seen = id
			continue
		}
		if id != seen {
			return seen, id, true
		}
	}
	return "", "", false
}

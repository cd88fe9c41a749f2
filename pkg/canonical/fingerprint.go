package canonical

import "fmt"

// Fingerprint derives the deterministic cache key for one capability
// invocation: SHA-256 hex over the canonical JSON of
// {capability, inputs (normalized), pricing_pack_id}.
//
// Two invocations fingerprint equal iff they name the same capability, their
// inputs are equal after normalization (key order, decimal rendering, and date
// form do not matter), and they resolve against the same pricing pack. A nil
// inputs map and an empty one are equivalent.
func Fingerprint(capability string, inputs map[string]any, packID string) (string, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	payload := map[string]any{
		"capability":      capability,
		"inputs":          NormalizeValue(inputs),
		"pricing_pack_id": packID,
	}
	b, err := JCS(payload)
	if err != nil {
		return "", fmt.Errorf("canonical: fingerprint %s: %w", capability, err)
	}
	return HashBytes(b), nil
}

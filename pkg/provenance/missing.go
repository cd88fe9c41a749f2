package provenance

// missingKey marks the payload of a step that failed softly. An optional step
// that times out or errors binds this marker instead of aborting the pattern;
// steps consuming the slot see it and degrade instead of inventing data.
const missingKey = "__missing__"

// MissingPayload builds the typed payload bound for a soft-failed step.
func MissingPayload(reason string) map[string]any {
	return map[string]any{missingKey: true, "reason": reason}
}

// IsMissing reports whether a value is (or wraps) the soft-failure marker.
func IsMissing(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	flag, ok := m[missingKey]
	if !ok {
		return false
	}
	b, ok := flag.(bool)
	return ok && b
}

// MissingEnvelope binds a soft failure: the marker payload, stub provenance,
// and the original detail kept for introspection. Merging it poisons the
// aggregate status without stopping the pattern.
func MissingEnvelope(detail *ErrorDetail, meta Meta) Envelope {
	meta.Status = StatusStub
	reason := "unavailable"
	if detail != nil {
		reason = detail.Message
	}
	return Envelope{Payload: MissingPayload(reason), Meta: meta, Error: detail}
}

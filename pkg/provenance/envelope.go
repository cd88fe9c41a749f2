// Package provenance implements the provenance envelope attached to every
// computed result: data origin, as-of date, cache TTL, pricing-pack id, and
// implementation status. Aggregating steps merge envelopes so staleness and
// stub data stay visible at the top of arbitrarily nested outputs.
package provenance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Reserved payload keys. A result map may never use these for its own fields.
const (
	MetaKey  = "__meta__"
	ErrorKey = "__error__"

	// scalarKey holds non-mapping payloads so the envelope is always a JSON object.
	scalarKey = "value"
)

// Status classifies how real a result is. Merges propagate the worst status
// upward: stub poisons partial, partial poisons real.
type Status string

const (
	StatusReal    Status = "real"
	StatusPartial Status = "partial"
	StatusStub    Status = "stub"
)

// poisonRank orders statuses for merging. Unknown strings rank as stub so a
// malformed status can never launder itself into looking real.
func (s Status) poisonRank() int {
	switch s {
	case StatusReal:
		return 0
	case StatusPartial:
		return 1
	default:
		return 2
	}
}

// Worse returns the more poisoned of two statuses.
func Worse(a, b Status) Status {
	if b.poisonRank() > a.poisonRank() {
		return b
	}
	return a
}

// Meta is the provenance record carried by an envelope. Stale is set by the
// executor when the merged as-of falls behind the staleness threshold; it is
// advisory and never cleared by a merge.
type Meta struct {
	Source        string    `json:"source"`
	AsOf          time.Time `json:"as_of"`
	TTLSeconds    int       `json:"ttl_seconds"`
	PricingPackID string    `json:"pricing_pack_id"`
	ComputedAt    time.Time `json:"computed_at"`
	Confidence    *float64  `json:"confidence,omitempty"`
	Status        Status    `json:"implementation_status"`
	Stale         bool      `json:"stale,omitempty"`
}

// StubMeta is the provenance assigned to a result that arrived without an
// envelope: status stub, zero TTL, unknown as-of. It poisons every merge it
// participates in.
func StubMeta() Meta {
	return Meta{Status: StatusStub}
}

// ExpiresAt returns the absolute expiry of a cached result carrying this meta.
func (m Meta) ExpiresAt() time.Time {
	return m.ComputedAt.Add(time.Duration(m.TTLSeconds) * time.Second)
}

// OlderThan reports whether the as-of date is older than the threshold at the
// given instant. An unknown as-of is always stale.
func (m Meta) OlderThan(threshold time.Duration, now time.Time) bool {
	if m.AsOf.IsZero() {
		return true
	}
	return now.Sub(m.AsOf) > threshold
}

// Envelope pairs a payload with its provenance. A failed computation carries
// Error instead of a useful payload; both shapes serialize to a single JSON
// object so every result, success or failure, travels the same way.
type Envelope struct {
	Payload any
	Meta    Meta
	Error   *ErrorDetail
}

// Wrap attaches provenance to a payload. Status defaults to real and
// ComputedAt is stamped when the caller left it zero.
func Wrap(payload any, meta Meta) Envelope {
	if meta.Status == "" {
		meta.Status = StatusReal
	}
	if meta.ComputedAt.IsZero() {
		meta.ComputedAt = time.Now().UTC()
	}
	return Envelope{Payload: payload, Meta: meta}
}

// Extract returns the payload and provenance of an envelope.
func Extract(env Envelope) (any, Meta) {
	return env.Payload, env.Meta
}

// Failed reports whether the envelope carries a structured error.
func (e Envelope) Failed() bool {
	return e.Error != nil
}

// FromResult interprets an agent return value as an envelope. It recognizes
// Envelope values themselves and mappings carrying the reserved meta key.
// The second return is false when v carried no provenance, in which case the
// caller is responsible for wrapping (or stub-marking) it.
func FromResult(v any) (Envelope, bool) {
	switch t := v.(type) {
	case Envelope:
		return t, true
	case *Envelope:
		if t != nil {
			return *t, true
		}
		return Envelope{}, false
	case map[string]any:
		rawMeta, ok := t[MetaKey]
		if !ok {
			return Envelope{}, false
		}
		meta, err := metaFromAny(rawMeta)
		if err != nil {
			return Envelope{}, false
		}
		env := Envelope{Meta: meta}
		if rawErr, ok := t[ErrorKey]; ok {
			if detail, err := detailFromAny(rawErr); err == nil {
				env.Error = detail
			}
		}
		payload := make(map[string]any, len(t))
		for k, val := range t {
			if k == MetaKey || k == ErrorKey {
				continue
			}
			payload[k] = val
		}
		if len(payload) == 1 {
			if scalar, ok := payload[scalarKey]; ok {
				env.Payload = scalar
				return env, true
			}
		}
		env.Payload = payload
		return env, true
	default:
		return Envelope{}, false
	}
}

// MarshalJSON emits the payload fields with the provenance under the reserved
// meta key. Non-mapping payloads are placed under "value". A payload field
// colliding with a reserved key is dropped in favor of the envelope's own.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any)
	switch p := e.Payload.(type) {
	case nil:
	case map[string]any:
		for k, v := range p {
			if k == MetaKey || k == ErrorKey {
				continue
			}
			out[k] = v
		}
	default:
		out[scalarKey] = p
	}
	out[MetaKey] = e.Meta
	if e.Error != nil {
		out[ErrorKey] = e.Error
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON. An object without the reserved
// meta key decodes with stub provenance, which poisons any merge it joins.
// Numbers decode as json.Number so canonical round-trips stay byte-identical.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("provenance: envelope decode: %w", err)
	}

	if metaRaw, ok := raw[MetaKey]; ok {
		if err := json.Unmarshal(metaRaw, &e.Meta); err != nil {
			return fmt.Errorf("provenance: meta decode: %w", err)
		}
		delete(raw, MetaKey)
	} else {
		e.Meta = StubMeta()
	}

	if errRaw, ok := raw[ErrorKey]; ok {
		detail := &ErrorDetail{}
		if err := json.Unmarshal(errRaw, detail); err != nil {
			return fmt.Errorf("provenance: error detail decode: %w", err)
		}
		e.Error = detail
		delete(raw, ErrorKey)
	}

	if len(raw) == 1 {
		if scalarRaw, ok := raw[scalarKey]; ok {
			v, err := decodeGeneric(scalarRaw)
			if err != nil {
				return err
			}
			e.Payload = v
			return nil
		}
	}

	payload := make(map[string]any, len(raw))
	for k, vRaw := range raw {
		v, err := decodeGeneric(vRaw)
		if err != nil {
			return err
		}
		payload[k] = v
	}
	e.Payload = payload
	return nil
}

func decodeGeneric(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("provenance: payload decode: %w", err)
	}
	return v, nil
}

func metaFromAny(v any) (Meta, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, err
	}
	return m, nil
}

func detailFromAny(v any) (*ErrorDetail, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	d := &ErrorDetail{}
	if err := json.Unmarshal(b, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Package capability defines the contract a capability publishes to the
// registry: its dotted name, semantically typed input and output fields,
// implementation status, and routing metadata (tags, dependencies, position
// fetching). Contracts are the unit of registration, validation, and
// compliance introspection.
package capability

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"

	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
)

// FieldType is the semantic type of a contract field. Semantic types compile
// down to JSON Schema for wire validation but keep domain meaning (a date is
// not just a string) for tooling and docs.
type FieldType string

const (
	TypeIdentifier FieldType = "identifier"
	TypeDate       FieldType = "date"
	TypeDecimal    FieldType = "decimal"
	TypeEnum       FieldType = "enum"
	TypeMapping    FieldType = "mapping"
	TypeList       FieldType = "list"
	TypeText       FieldType = "text"
)

var knownFieldTypes = map[FieldType]bool{
	TypeIdentifier: true,
	TypeDate:       true,
	TypeDecimal:    true,
	TypeEnum:       true,
	TypeMapping:    true,
	TypeList:       true,
	TypeText:       true,
}

// Field is one named input or output of a capability.
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Contract describes a capability. Name is unique across the registry; Status
// drives fallback ordering (real and partial bindings are preferred over
// stubs) and seeds the provenance of results whose producer did not set one.
type Contract struct {
	Name              string            `json:"name"`
	Version           string            `json:"version,omitempty"`
	Description       string            `json:"description,omitempty"`
	Inputs            []Field           `json:"inputs,omitempty"`
	Outputs           []Field           `json:"outputs,omitempty"`
	Status            provenance.Status `json:"implementation_status"`
	Dependencies      []string          `json:"dependencies,omitempty"`
	FetchesPositions  bool              `json:"fetches_positions,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	TimeoutSeconds    int               `json:"timeout_seconds,omitempty"`
	DefaultTTLSeconds int               `json:"default_ttl_seconds,omitempty"`
}

var (
	ErrInvalidContract = errors.New("invalid capability contract")

	// nameRE: dotted lowercase identifiers, at least one namespace segment
	// (metrics.compute_twr, pricing.apply_pack).
	nameRE = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)
)

// ValidName reports whether s is a well-formed dotted capability name.
func ValidName(s string) bool {
	return nameRE.MatchString(s)
}

// Validate checks structural soundness. The registry refuses to bind a
// contract that fails here.
func (c Contract) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidContract)
	}
	if !ValidName(c.Name) {
		return fmt.Errorf("%w: name %q is not a dotted capability name", ErrInvalidContract, c.Name)
	}
	switch c.Status {
	case provenance.StatusReal, provenance.StatusPartial, provenance.StatusStub:
	case "":
		return fmt.Errorf("%w: %s: implementation_status is required", ErrInvalidContract, c.Name)
	default:
		return fmt.Errorf("%w: %s: unknown implementation_status %q", ErrInvalidContract, c.Name, c.Status)
	}
	if c.Version != "" {
		if _, err := semver.NewVersion(c.Version); err != nil {
			return fmt.Errorf("%w: %s: version %q is not semver: %v", ErrInvalidContract, c.Name, c.Version, err)
		}
	}
	if err := validateFields(c.Name, "inputs", c.Inputs); err != nil {
		return err
	}
	if err := validateFields(c.Name, "outputs", c.Outputs); err != nil {
		return err
	}
	for _, dep := range c.Dependencies {
		if !ValidName(dep) {
			return fmt.Errorf("%w: %s: dependency %q is not a dotted capability name", ErrInvalidContract, c.Name, dep)
		}
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: %s: negative timeout", ErrInvalidContract, c.Name)
	}
	if c.DefaultTTLSeconds < 0 {
		return fmt.Errorf("%w: %s: negative default ttl", ErrInvalidContract, c.Name)
	}
	return nil
}

func validateFields(capName, kind string, fields []Field) error {
	seen := map[string]bool{}
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("%w: %s: unnamed %s field", ErrInvalidContract, capName, kind)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: %s: duplicate %s field %q", ErrInvalidContract, capName, kind, f.Name)
		}
		seen[f.Name] = true
		if !knownFieldTypes[f.Type] {
			return fmt.Errorf("%w: %s: field %q has unknown type %q", ErrInvalidContract, capName, f.Name, f.Type)
		}
		if f.Type == TypeEnum && len(f.Enum) == 0 {
			return fmt.Errorf("%w: %s: enum field %q declares no values", ErrInvalidContract, capName, f.Name)
		}
		if f.Type != TypeEnum && len(f.Enum) > 0 {
			return fmt.Errorf("%w: %s: field %q carries enum values but is %q", ErrInvalidContract, capName, f.Name, f.Type)
		}
	}
	return nil
}

// HasTag reports whether the contract declares the given routing tag.
func (c Contract) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Timeout returns the per-invocation deadline in seconds, falling back to the
// adapter default when the contract does not set one.
func (c Contract) Timeout(defaultSeconds int) int {
	if c.TimeoutSeconds > 0 {
		return c.TimeoutSeconds
	}
	return defaultSeconds
}

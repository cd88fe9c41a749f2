package pattern

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
)

// refRE matches {var} and {step.field.path} references inside template
// expressions. Single braces, dotted segments, no spaces.
var refRE = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\}`)

// Refs returns every reference used in expr, in order of appearance.
func Refs(expr string) []string {
	matches := refRE.FindAllStringSubmatch(expr, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// PureRef reports whether expr consists of exactly one reference and nothing
// else. Pure references resolve to the referenced value with its native type;
// mixed expressions always resolve to strings.
func PureRef(expr string) (string, bool) {
	m := refRE.FindStringSubmatch(expr)
	if m != nil && m[0] == expr {
		return m[1], true
	}
	return "", false
}

// Resolve looks up a single reference against the context. Bare names try the
// built-in request fields first, then host vars, then whole step outputs.
// Dotted names walk from a step output into its payload.
func (c *ExecContext) Resolve(ref string) (any, bool) {
	head, rest, dotted := strings.Cut(ref, ".")

	if !dotted {
		if v, ok := c.builtin(head); ok {
			return v, true
		}
		if v, ok := c.Vars[head]; ok {
			return v, true
		}
		if env, ok := c.StepOutputs[head]; ok {
			return env.Payload, true
		}
		return nil, false
	}

	env, ok := c.StepOutputs[head]
	if !ok {
		return nil, false
	}
	// A soft-failed step bound the missing marker. Field access propagates the
	// marker so downstream steps degrade instead of aborting on a dead ref.
	if provenance.IsMissing(env.Payload) {
		return env.Payload, true
	}
	return walkPath(env.Payload, rest)
}

// BuiltinRef reports whether a reference head names a built-in context field.
func BuiltinRef(name string) bool {
	switch name {
	case "user_input", "portfolio_id", "as_of_date", "pricing_pack_id", "ledger_commit_hash", "request_id":
		return true
	}
	return false
}

func (c *ExecContext) builtin(name string) (string, bool) {
	switch name {
	case "user_input":
		return c.UserInput, true
	case "portfolio_id":
		return c.PortfolioID, true
	case "as_of_date":
		return c.AsOfDate, true
	case "pricing_pack_id":
		return c.PricingPackID, true
	case "ledger_commit_hash":
		return c.LedgerCommitHash, true
	case "request_id":
		return c.RequestID, true
	default:
		return "", false
	}
}

func walkPath(v any, path string) (any, bool) {
	cur := v
	for path != "" {
		var seg string
		seg, path, _ = strings.Cut(path, ".")
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ResolveExpr evaluates a template expression against the context. A pure
// reference keeps the referenced value's type; an expression with embedded
// references interpolates them into the surrounding text. Any reference that
// does not resolve yields an UnresolvedReference error, which aborts the
// pattern.
func ResolveExpr(c *ExecContext, expr string) (any, error) {
	if ref, ok := PureRef(expr); ok {
		v, found := c.Resolve(ref)
		if !found {
			return nil, provenance.NewError(provenance.KindUnresolvedReference, "reference {%s} does not resolve", ref)
		}
		return v, nil
	}

	var unresolved []string
	out := refRE.ReplaceAllStringFunc(expr, func(m string) string {
		ref := m[1 : len(m)-1]
		v, found := c.Resolve(ref)
		if !found {
			unresolved = append(unresolved, ref)
			return m
		}
		return stringify(v)
	})
	if len(unresolved) > 0 {
		return nil, provenance.NewError(provenance.KindUnresolvedReference,
			"references do not resolve: {%s}", strings.Join(unresolved, "}, {"))
	}
	return out, nil
}

// ResolveParams evaluates every param expression of a step.
func ResolveParams(c *ExecContext, params map[string]string) (map[string]any, error) {
	if len(params) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(params))
	for k, expr := range params {
		v, err := ResolveExpr(c, expr)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}

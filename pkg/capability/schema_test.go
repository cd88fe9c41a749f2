package capability_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dawsos-labs/dawsos/core/pkg/capability"
)

func TestCompileInputSchema_AcceptsValidParams(t *testing.T) {
	schema, err := validContract().CompileInputSchema()
	require.NoError(t, err)

	err = capability.ValidateParams(schema, map[string]any{
		"portfolio_id": "p1",
		"as_of":        "2025-06-30",
		"window":       "90d",
	})
	assert.NoError(t, err)
}

func TestCompileInputSchema_RequiresDeclaredFields(t *testing.T) {
	schema, err := validContract().CompileInputSchema()
	require.NoError(t, err)

	// portfolio_id is required
	err = capability.ValidateParams(schema, map[string]any{"as_of": "2025-06-30"})
	assert.Error(t, err)
}

func TestCompileInputSchema_RejectsBadShapes(t *testing.T) {
	schema, err := validContract().CompileInputSchema()
	require.NoError(t, err)

	cases := []struct {
		name   string
		params map[string]any
	}{
		{"empty identifier", map[string]any{"portfolio_id": ""}},
		{"non-string identifier", map[string]any{"portfolio_id": 42}},
		{"malformed date", map[string]any{"portfolio_id": "p1", "as_of": "June 30th"}},
		{"enum out of range", map[string]any{"portfolio_id": "p1", "window": "17d"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, capability.ValidateParams(schema, tc.params))
		})
	}
}

func TestCompileInputSchema_DateAcceptsTimestamps(t *testing.T) {
	schema, err := validContract().CompileInputSchema()
	require.NoError(t, err)

	err = capability.ValidateParams(schema, map[string]any{
		"portfolio_id": "p1",
		"as_of":        "2025-06-30T13:04:05Z",
	})
	assert.NoError(t, err)
}

func TestCompileInputSchema_DecimalFields(t *testing.T) {
	c := capability.Contract{
		Name:   "risk.var",
		Status: "real",
		Inputs: []capability.Field{
			{Name: "confidence", Type: capability.TypeDecimal, Required: true},
		},
	}
	schema, err := c.CompileInputSchema()
	require.NoError(t, err)

	// Decimals are accepted as numbers or numeric strings.
	assert.NoError(t, capability.ValidateParams(schema, map[string]any{"confidence": 0.95}))
	assert.NoError(t, capability.ValidateParams(schema, map[string]any{"confidence": "0.95"}))
	assert.Error(t, capability.ValidateParams(schema, map[string]any{"confidence": "ninety-five"}))
}

func TestValidateParams_ExtraFieldsAllowed(t *testing.T) {
	schema, err := validContract().CompileInputSchema()
	require.NoError(t, err)

	err = capability.ValidateParams(schema, map[string]any{
		"portfolio_id": "p1",
		"host_context": "threaded through untouched",
	})
	assert.NoError(t, err)
}

func TestValidateParams_NilSchemaOrParams(t *testing.T) {
	assert.NoError(t, capability.ValidateParams(nil, map[string]any{"anything": 1}))

	schema, err := capability.Contract{Name: "a.b", Status: "real"}.CompileInputSchema()
	require.NoError(t, err)
	assert.NoError(t, capability.ValidateParams(schema, nil))
}

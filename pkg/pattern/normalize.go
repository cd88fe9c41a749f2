package pattern

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeTrigger canonicalizes a trigger phrase for matching and duplicate
// detection: NFC form, case folded, whitespace collapsed to single spaces.
// Matching is substring containment over this form, so "What's my TWR?"
// matches a pattern triggered on "what's my twr". Casers are stateful, so one
// is built per call rather than shared.
func NormalizeTrigger(s string) string {
	s = norm.NFC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

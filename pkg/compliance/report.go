package compliance

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dawsos-labs/dawsos/core/pkg/canonical"
	"github.com/dawsos-labs/dawsos/core/pkg/pattern"
)

// Offender is one pattern ranked by its violation count.
type Offender struct {
	PatternID  string `json:"pattern_id"`
	Violations int    `json:"violations"`
}

// Remediation is a ranked migration action derived from the findings.
type Remediation struct {
	Code     string `json:"code"`
	Count    int    `json:"count"`
	Priority int    `json:"priority"`
	Action   string `json:"action"`
}

// Report is the machine-readable compliance assessment: static findings over
// the corpus plus the runtime access counters.
type Report struct {
	ReportID           string           `json:"report_id"`
	GeneratedAt        time.Time        `json:"generated_at"`
	StrictMode         bool             `json:"strict_mode"`
	PatternsChecked    int              `json:"patterns_checked"`
	CompliantPatterns  int              `json:"compliant_patterns"`
	ComplianceRate     float64          `json:"compliance_rate"`
	FindingsByCode     map[string]int   `json:"findings_by_code"`
	FindingsBySeverity map[string]int   `json:"findings_by_severity"`
	TopOffenders       []Offender       `json:"top_offenders,omitempty"`
	AccessChecks       int64            `json:"access_checks"`
	AccessViolations   int64            `json:"access_violations"`
	CallerViolations   map[string]int64 `json:"caller_violations,omitempty"`
	Remediations       []Remediation    `json:"remediations,omitempty"`
	ContentHash        string           `json:"content_hash"`
}

const topOffenderLimit = 5

// remediationCatalog maps finding codes to migration actions, lowest
// priority number first.
var remediationCatalog = map[string]Remediation{
	CodeDirectAgentReference: {Priority: 1, Action: "replace the agent field with execute_through_registry and a capability name"},
	CodeUnknownAgent:         {Priority: 1, Action: "remove or re-register the missing agent; route the step through a capability"},
	"ACCESS_VIOLATION":       {Priority: 2, Action: "route the invocation through the executor/adapter instead of calling agents directly"},
	CodeLegacyAgentAction:    {Priority: 3, Action: "migrate agent: actions to execute_through_registry"},
	"DEPRECATED_PARAMETERS":  {Priority: 3, Action: "rename parameters: to params:"},
	CodeMissingVersion:       {Priority: 4, Action: "add a semver version field"},
	CodeMissingLastUpdated:   {Priority: 4, Action: "add a last_updated date"},
}

// BuildReport assembles the report from gate results and the monitor
// snapshot. Results are one per pattern; passing the same pattern twice
// counts it twice, so callers snapshot a corpus check, not a history.
func BuildReport(results []CheckResult, access MonitorStats, strict bool, now time.Time) Report {
	r := Report{
		ReportID:           "rep-" + uuid.New().String()[:8],
		GeneratedAt:        now.UTC(),
		StrictMode:         strict,
		PatternsChecked:    len(results),
		FindingsByCode:     map[string]int{},
		FindingsBySeverity: map[string]int{},
		AccessChecks:       access.Checks,
		AccessViolations:   access.Violations,
	}

	var offenders []Offender
	for _, res := range results {
		if res.Compliant(strict) {
			r.CompliantPatterns++
		}
		for _, f := range res.Findings {
			r.FindingsByCode[f.Code]++
			r.FindingsBySeverity[string(f.Severity)]++
		}
		if n := len(res.Findings); n > 0 {
			offenders = append(offenders, Offender{PatternID: res.PatternID, Violations: n})
		}
	}
	if r.PatternsChecked > 0 {
		r.ComplianceRate = 100 * float64(r.CompliantPatterns) / float64(r.PatternsChecked)
	}

	sort.Slice(offenders, func(i, j int) bool {
		if offenders[i].Violations != offenders[j].Violations {
			return offenders[i].Violations > offenders[j].Violations
		}
		return offenders[i].PatternID < offenders[j].PatternID
	})
	if len(offenders) > topOffenderLimit {
		offenders = offenders[:topOffenderLimit]
	}
	r.TopOffenders = offenders

	if len(access.ByCaller) > 0 {
		r.CallerViolations = make(map[string]int64, len(access.ByCaller))
		for k, v := range access.ByCaller {
			r.CallerViolations[k] = v
		}
	}

	r.Remediations = rankRemediations(r.FindingsByCode, access.Violations)
	if h, err := canonical.CanonicalHash(withoutHash(r)); err == nil {
		r.ContentHash = h
	}
	return r
}

func rankRemediations(byCode map[string]int, accessViolations int64) []Remediation {
	counts := make(map[string]int, len(byCode)+1)
	for code, n := range byCode {
		counts[code] = n
	}
	if accessViolations > 0 {
		counts["ACCESS_VIOLATION"] = int(accessViolations)
	}

	var out []Remediation
	for code, n := range counts {
		entry, ok := remediationCatalog[code]
		if !ok {
			continue
		}
		entry.Code = code
		entry.Count = n
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// withoutHash strips the hash field so the content hash covers everything
// else deterministically.
func withoutHash(r Report) Report {
	r.ContentHash = ""
	return r
}

// CheckCorpus runs the gate over every pattern, id order.
func CheckCorpus(g *Gate, patterns []pattern.Pattern) []CheckResult {
	sorted := make([]pattern.Pattern, len(patterns))
	copy(sorted, patterns)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	out := make([]CheckResult, 0, len(sorted))
	for _, p := range sorted {
		out = append(out, g.CheckPattern(p))
	}
	return out
}

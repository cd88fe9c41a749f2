package pattern

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

const twrPattern = `id: portfolio_twr
version: 1.2.0
last_updated: 2025-06-01T00:00:00Z
description: Time-weighted return for a portfolio
triggers:
  - what is my twr
steps:
  - name: twr
    action: execute_through_registry
    capability: metrics.compute_twr
    params:
      portfolio: "{portfolio_id}"
template: "TWR was {twr.value}"
`

func hasIssue(issues []Issue, code string, sev Severity) bool {
	for _, i := range issues {
		if i.Code == code && i.Severity == sev {
			return true
		}
	}
	return false
}

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "twr.yaml", twrPattern)
	writeFile(t, dir, "sharpe.yml", `id: portfolio_sharpe
version: 1.0.0
last_updated: 2025-06-01T00:00:00Z
triggers:
  - sharpe ratio
steps:
  - name: sharpe
    action: execute_through_registry
    capability: metrics.compute_sharpe
`)
	writeFile(t, dir, "notes.txt", "not a pattern")
	writeFile(t, dir, ".hidden.yaml", "id: nope")

	res, err := NewLoader(dir, WithLoaderLogger(testLogger())).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(res.Patterns) != 2 {
		t.Fatalf("loaded %d patterns, want 2: %v", len(res.Patterns), res.Issues)
	}
	if len(res.Issues) != 0 {
		t.Errorf("unexpected issues: %v", res.Issues)
	}
	if res.Files["portfolio_twr"] != "twr.yaml" {
		t.Errorf("file mapping = %q", res.Files["portfolio_twr"])
	}

	p := res.Patterns["portfolio_twr"]
	if p.Version != "1.2.0" || len(p.Steps) != 1 || p.Steps[0].Capability != "metrics.compute_twr" {
		t.Errorf("pattern decoded wrong: %+v", p)
	}
	if p.LastUpdated.IsZero() {
		t.Error("last_updated not decoded")
	}
}

func TestLoader_ParseFailureDoesNotStopLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", "id: [unclosed")
	writeFile(t, dir, "twr.yaml", twrPattern)

	res, err := NewLoader(dir, WithLoaderLogger(testLogger())).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !hasIssue(res.Issues, "PARSE_FAILED", SeverityError) {
		t.Error("broken file produced no PARSE_FAILED")
	}
	if !res.FailedFiles["broken.yaml"] {
		t.Error("broken file not marked failed")
	}
	if _, ok := res.Patterns["portfolio_twr"]; !ok {
		t.Error("valid pattern lost to a neighbor's parse failure")
	}
}

func TestLoader_LegacyParametersFold(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "legacy.yaml", `id: legacy_pattern
version: 1.0.0
steps:
  - name: fetch
    action: execute_through_registry
    capability: metrics.compute_twr
    parameters:
      portfolio: "{portfolio_id}"
`)

	res, err := NewLoader(dir, WithLoaderLogger(testLogger())).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !hasIssue(res.Issues, "DEPRECATED_PARAMETERS", SeverityWarning) {
		t.Errorf("no deprecation warning: %v", res.Issues)
	}
	p, ok := res.Patterns["legacy_pattern"]
	if !ok {
		t.Fatal("legacy pattern excluded outside strict mode")
	}
	if p.Steps[0].Params["portfolio"] != "{portfolio_id}" {
		t.Errorf("parameters not folded into params: %+v", p.Steps[0])
	}
	if p.Steps[0].LegacyParams != nil {
		t.Error("legacy spelling survived the fold")
	}
}

func TestLoader_LegacyParametersStrict(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "legacy.yaml", `id: legacy_pattern
steps:
  - name: fetch
    action: execute_through_registry
    capability: metrics.compute_twr
    parameters:
      portfolio: "{portfolio_id}"
`)

	res, err := NewLoader(dir, WithStrict(true), WithLoaderLogger(testLogger())).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !hasIssue(res.Issues, "DEPRECATED_PARAMETERS", SeverityError) {
		t.Errorf("strict mode did not reject the alias: %v", res.Issues)
	}
	if _, ok := res.Patterns["legacy_pattern"]; ok {
		t.Error("strict mode loaded a deprecated-alias pattern")
	}
}

func TestLoader_BothParamSpellingsConflict(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "conflict.yaml", `id: conflict_pattern
steps:
  - name: fetch
    action: execute_through_registry
    capability: metrics.compute_twr
    params:
      a: "1"
    parameters:
      b: "2"
`)

	res, err := NewLoader(dir, WithLoaderLogger(testLogger())).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !hasIssue(res.Issues, "PARAMS_CONFLICT", SeverityError) {
		t.Errorf("no conflict error: %v", res.Issues)
	}
	if _, ok := res.Patterns["conflict_pattern"]; ok {
		t.Error("ambiguous pattern loaded")
	}
}

func TestLoader_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", twrPattern)
	writeFile(t, dir, "b.yaml", twrPattern)

	res, err := NewLoader(dir, WithLoaderLogger(testLogger())).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !hasIssue(res.Issues, "DUPLICATE_PATTERN_ID", SeverityError) {
		t.Errorf("no duplicate id error: %v", res.Issues)
	}
	// first file in directory order wins
	if res.Files["portfolio_twr"] != "a.yaml" {
		t.Errorf("winner = %q, want a.yaml", res.Files["portfolio_twr"])
	}
	if !res.FailedFiles["b.yaml"] {
		t.Error("losing file not marked failed")
	}
}

func TestLoader_DuplicateTriggerWarns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", `id: aaa_pattern
triggers: ["What Is My  TWR"]
steps:
  - name: s
    action: execute_through_registry
    capability: metrics.compute_twr
`)
	writeFile(t, dir, "b.yaml", `id: bbb_pattern
triggers: ["what is my twr"]
steps:
  - name: s
    action: execute_through_registry
    capability: metrics.compute_twr
`)

	res, err := NewLoader(dir, WithLoaderLogger(testLogger())).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !hasIssue(res.Issues, "DUPLICATE_TRIGGER", SeverityWarning) {
		t.Errorf("normalized trigger collision not detected: %v", res.Issues)
	}
	if len(res.Patterns) != 2 {
		t.Error("trigger collision must not exclude patterns")
	}
}

type stubScanner struct{ issues []Issue }

func (s stubScanner) ScanPattern(p Pattern) []Issue { return s.issues }

func TestLoader_PreScannerFindingsDoNotExclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "twr.yaml", twrPattern)

	scanner := stubScanner{issues: []Issue{{
		PatternID: "portfolio_twr", Code: "DIRECT_AGENT_REFERENCE", Severity: SeverityError,
		Message: "step pins an agent",
	}}}
	res, err := NewLoader(dir, WithPreScanner(scanner), WithLoaderLogger(testLogger())).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !hasIssue(res.Issues, "DIRECT_AGENT_REFERENCE", SeverityError) {
		t.Error("scanner findings not surfaced")
	}
	if _, ok := res.Patterns["portfolio_twr"]; !ok {
		t.Error("compliance finding excluded the pattern; refusal belongs to execution time")
	}
}

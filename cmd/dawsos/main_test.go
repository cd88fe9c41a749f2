package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dawsos-labs/dawsos/core/pkg/compliance"
)

const twrPatternYAML = `id: portfolio_twr
version: 1.2.0
last_updated: 2025-06-01
description: Time-weighted return for one portfolio
triggers:
  - what is my twr
steps:
  - name: twr
    action: execute_through_registry
    capability: metrics.compute_twr
    params:
      portfolio: "{portfolio_id}"
      as_of: "{as_of_date}"
template: "{twr}"
`

const legacyPatternYAML = `id: legacy_export
version: 0.9.0
last_updated: 2025-06-01
steps:
  - name: export
    action: execute_through_registry
    capability: reports.export
    parameters:
      format: pdf
`

const pinnedPatternYAML = `id: pinned_fetch
version: 1.0.0
last_updated: 2025-06-01
steps:
  - name: fetch
    action: knowledge_lookup
    agent: metrics_agent
`

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"dawsos"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writePatternFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func patternDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		writePatternFile(t, dir, name, content)
	}
	return dir
}

func TestRun_NoArgs(t *testing.T) {
	code, _, stderr := runCLI(t)
	if code != 2 {
		t.Errorf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "USAGE") {
		t.Errorf("stderr should print usage, got %q", stderr)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, stderr := runCLI(t, "teleport")
	if code != 2 {
		t.Errorf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "Unknown command: teleport") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRun_Help(t *testing.T) {
	code, stdout, _ := runCLI(t, "help")
	if code != 0 {
		t.Errorf("exit = %d, want 0", code)
	}
	for _, cmd := range []string{"validate", "compliance", "run", "replay", "doctor"} {
		if !strings.Contains(stdout, cmd) {
			t.Errorf("help output missing %q", cmd)
		}
	}
}

func TestValidate_CleanCorpus(t *testing.T) {
	dir := patternDir(t, map[string]string{"twr.yaml": twrPatternYAML})

	code, stdout, _ := runCLI(t, "validate", "--patterns", dir)
	if code != 0 {
		t.Fatalf("exit = %d, want 0; output: %s", code, stdout)
	}
	if !strings.Contains(stdout, "1 valid patterns, 0 errors, 0 warnings") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestValidate_WarningsExitOne(t *testing.T) {
	dir := patternDir(t, map[string]string{"legacy.yaml": legacyPatternYAML})

	code, stdout, _ := runCLI(t, "validate", "--patterns", dir)
	if code != 1 {
		t.Fatalf("exit = %d, want 1; output: %s", code, stdout)
	}
	if !strings.Contains(stdout, "DEPRECATED_PARAMETERS") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestValidate_StrictPromotesWarnings(t *testing.T) {
	dir := patternDir(t, map[string]string{"legacy.yaml": legacyPatternYAML})

	code, _, _ := runCLI(t, "validate", "--patterns", dir, "--strict")
	if code != 2 {
		t.Errorf("exit = %d, want 2", code)
	}
}

func TestValidate_JSONOutput(t *testing.T) {
	dir := patternDir(t, map[string]string{
		"twr.yaml":    twrPatternYAML,
		"legacy.yaml": legacyPatternYAML,
	})

	code, stdout, _ := runCLI(t, "validate", "--patterns", dir, "--json")
	if code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}

	var out struct {
		ScannedFiles []string `json:"scanned_files"`
		Patterns     int      `json:"patterns"`
		Errors       int      `json:"errors"`
		Warnings     int      `json:"warnings"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout)
	}
	if len(out.ScannedFiles) != 2 || out.Patterns != 2 || out.Errors != 0 || out.Warnings != 1 {
		t.Errorf("summary = %+v", out)
	}
}

func TestValidate_MissingDir(t *testing.T) {
	code, _, stderr := runCLI(t, "validate", "--patterns", filepath.Join(t.TempDir(), "nope"))
	if code != 2 {
		t.Errorf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "Error:") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestCompliance_CleanCorpus(t *testing.T) {
	dir := patternDir(t, map[string]string{"twr.yaml": twrPatternYAML})

	code, stdout, _ := runCLI(t, "compliance", "--patterns", dir)
	if code != 0 {
		t.Fatalf("exit = %d, want 0; output: %s", code, stdout)
	}
	if !strings.Contains(stdout, "1 checked, 1 compliant") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestCompliance_AgentPinIsError(t *testing.T) {
	dir := patternDir(t, map[string]string{"pinned.yaml": pinnedPatternYAML})

	code, stdout, _ := runCLI(t, "compliance", "--patterns", dir)
	if code != 2 {
		t.Fatalf("exit = %d, want 2; output: %s", code, stdout)
	}
	if !strings.Contains(stdout, compliance.CodeDirectAgentReference) {
		t.Errorf("stdout should name the finding code, got %q", stdout)
	}
}

func TestCompliance_JSONReport(t *testing.T) {
	dir := patternDir(t, map[string]string{"twr.yaml": twrPatternYAML})

	code, stdout, _ := runCLI(t, "compliance", "--patterns", dir, "--json")
	if code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}
	var report compliance.Report
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("output is not a report: %v", err)
	}
	if report.PatternsChecked != 1 || report.ContentHash == "" {
		t.Errorf("report = %+v", report)
	}
}

func TestCompliance_ExportArchivesSignedReport(t *testing.T) {
	dir := patternDir(t, map[string]string{"twr.yaml": twrPatternYAML})
	exportDir := t.TempDir()

	code, stdout, _ := runCLI(t, "compliance", "--patterns", dir, "--export", exportDir)
	if code != 0 {
		t.Fatalf("exit = %d, want 0; output: %s", code, stdout)
	}
	if !strings.Contains(stdout, "Signed report archived: sha256:") {
		t.Errorf("stdout = %q", stdout)
	}

	blobs, err := filepath.Glob(filepath.Join(exportDir, "*", "*.blob"))
	if err != nil || len(blobs) != 1 {
		t.Errorf("archived blobs = %v (err %v), want exactly one", blobs, err)
	}
}

func TestRunCmd_ExecutesPatternWithStubs(t *testing.T) {
	dir := patternDir(t, map[string]string{"twr.yaml": twrPatternYAML})
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("PRICING_PACK", "PP_2025-06-30")
	t.Setenv("DATABASE_URL", "")

	code, stdout, stderr := runCLI(t, "run",
		"--pattern", "portfolio_twr",
		"--patterns", dir,
		"--portfolio", "PORT_A",
		"--input", "SYMBOL=AAPL")
	if code != 0 {
		t.Fatalf("exit = %d, want 0; stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, `"capability": "metrics.compute_twr"`) {
		t.Errorf("stub payload missing from output: %q", stdout)
	}
	if !strings.Contains(stdout, "pack=PP_2025-06-30") || !strings.Contains(stdout, "status=stub") {
		t.Errorf("provenance line = %q", stdout)
	}
}

func TestRunCmd_JSONEnvelope(t *testing.T) {
	dir := patternDir(t, map[string]string{"twr.yaml": twrPatternYAML})
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("PRICING_PACK", "PP_2025-06-30")
	t.Setenv("DATABASE_URL", "")

	code, stdout, _ := runCLI(t, "run", "--pattern", "portfolio_twr", "--patterns", dir, "--json")
	if code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(stdout), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if _, ok := decoded["__meta__"]; !ok {
		t.Errorf("envelope output missing provenance: %v", decoded)
	}
}

func TestRunCmd_FailedEnvelopeExitsOne(t *testing.T) {
	broken := strings.Replace(twrPatternYAML, `template: "{twr}"`, `template: "{twr.nope}"`, 1)
	dir := patternDir(t, map[string]string{"twr.yaml": broken})
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("PRICING_PACK", "PP_2025-06-30")
	t.Setenv("DATABASE_URL", "")

	code, stdout, _ := runCLI(t, "run", "--pattern", "portfolio_twr", "--patterns", dir)
	if code != 1 {
		t.Fatalf("exit = %d, want 1; output: %s", code, stdout)
	}
	if !strings.Contains(stdout, "FAILED") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestRunCmd_UnknownPattern(t *testing.T) {
	dir := patternDir(t, map[string]string{"twr.yaml": twrPatternYAML})
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("DATABASE_URL", "")

	code, _, stderr := runCLI(t, "run", "--pattern", "ghost", "--patterns", dir)
	if code != 2 {
		t.Errorf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "not in the corpus") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunCmd_RejectsMalformedInput(t *testing.T) {
	code, _, stderr := runCLI(t, "run", "--pattern", "p", "--input", "noequals")
	if code != 2 {
		t.Errorf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "KEY=VALUE") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunThenReplay_RoundTrip(t *testing.T) {
	dir := patternDir(t, map[string]string{"twr.yaml": twrPatternYAML})
	dataDir := t.TempDir()
	t.Setenv("DATA_DIR", dataDir)
	t.Setenv("PRICING_PACK", "PP_2025-06-30")
	t.Setenv("DATABASE_URL", "")

	code, _, stderr := runCLI(t, "run",
		"--pattern", "portfolio_twr",
		"--patterns", dir,
		"--portfolio", "PORT_A")
	if code != 0 {
		t.Fatalf("run exit = %d; stderr: %s", code, stderr)
	}

	trace := filepath.Join(dataDir, "traces.jsonl")
	code, stdout, stderr := runCLI(t, "replay", "--trace", trace, "--patterns", dir)
	if code != 0 {
		t.Fatalf("replay exit = %d; stderr: %s\nstdout: %s", code, stderr, stdout)
	}
	if !strings.Contains(stdout, "1 matched, 0 diverged") {
		t.Errorf("stdout = %q", stdout)
	}
	if !strings.Contains(stdout, "PASS") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestReplay_RequiresTraceFlag(t *testing.T) {
	code, _, stderr := runCLI(t, "replay")
	if code != 2 {
		t.Errorf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "--trace is required") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestDoctor_Runs(t *testing.T) {
	dir := patternDir(t, map[string]string{"twr.yaml": twrPatternYAML})
	t.Setenv("PATTERNS_DIR", dir)
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("PRICING_PACK", "PP_2025-06-30")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("OTLP_ENDPOINT", "")
	t.Setenv("SIGNING_SECRET", "")

	code, stdout, _ := runCLI(t, "doctor")
	if code != 0 {
		t.Fatalf("exit = %d, want 0; output: %s", code, stdout)
	}
	if !strings.Contains(stdout, "go_runtime") || !strings.Contains(stdout, "patterns_dir") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestDoctor_JSONOutput(t *testing.T) {
	dir := patternDir(t, map[string]string{"twr.yaml": twrPatternYAML})
	t.Setenv("PATTERNS_DIR", dir)
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("PRICING_PACK", "bespoke_pack")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SIGNING_SECRET", "")

	code, stdout, _ := runCLI(t, "doctor", "--json")
	if code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}

	var results []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal([]byte(stdout), &results); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}

	byName := map[string]string{}
	for _, r := range results {
		byName[r.Name] = r.Status
	}
	if byName["patterns_dir"] != "ok" {
		t.Errorf("patterns_dir status = %q", byName["patterns_dir"])
	}
	if byName["pricing_pack"] != "warn" {
		t.Errorf("pricing_pack status = %q, want warn for unconventional id", byName["pricing_pack"])
	}
}

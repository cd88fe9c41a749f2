package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dawsos-labs/dawsos/core/pkg/archive"
	"github.com/dawsos-labs/dawsos/core/pkg/compliance"
	"github.com/dawsos-labs/dawsos/core/pkg/pattern"
)

// runComplianceCmd implements `dawsos compliance` — the gate report over a
// corpus, optionally signed and archived. Validation issues from load are
// reported alongside gate findings; a corrupt corpus is itself a compliance
// problem.
//
// Exit codes:
//
//	0 = every pattern compliant
//	1 = warnings only
//	2 = errors (or strict mode with any finding)
func runComplianceCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("compliance", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		patternsDir string
		exportDir   string
		jsonOutput  bool
		strict      bool
	)
	cmd.StringVar(&patternsDir, "patterns", "patterns", "Pattern directory")
	cmd.StringVar(&exportDir, "export", "", "Archive the signed report under this directory")
	cmd.BoolVar(&jsonOutput, "json", false, "Output report as JSON")
	cmd.BoolVar(&strict, "strict", false, "Treat warnings as errors")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	logger := discardLogger()
	gate := compliance.NewGate(nil, strict, logger)
	loader := pattern.NewLoader(patternsDir,
		pattern.WithStrict(strict),
		pattern.WithLoaderLogger(logger),
	)
	res, err := loader.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	corpus := pattern.NewCorpus()
	corpus.Apply(res)
	results := compliance.CheckCorpus(gate, corpus.All())
	report := compliance.BuildReport(results, compliance.MonitorStats{}, strict, time.Now())

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printReport(stdout, report)
	}

	if exportDir != "" {
		digest, err := exportReport(exportDir, report)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Signed report archived: %s\n", digest)
	}

	errs := report.FindingsBySeverity[string(pattern.SeverityError)] + len(res.Errors())
	warns := report.FindingsBySeverity[string(pattern.SeverityWarning)]
	switch {
	case errs > 0:
		return 2
	case warns > 0 && strict:
		return 2
	case warns > 0:
		return 1
	default:
		return 0
	}
}

func printReport(w io.Writer, r compliance.Report) {
	_, _ = fmt.Fprintf(w, "Compliance Report %s\n", r.ReportID)
	_, _ = fmt.Fprintf(w, "Generated: %s   strict=%v\n", r.GeneratedAt.Format(time.RFC3339), r.StrictMode)
	_, _ = fmt.Fprintf(w, "Patterns:  %d checked, %d compliant (%.1f%%)\n",
		r.PatternsChecked, r.CompliantPatterns, r.ComplianceRate)

	if len(r.FindingsByCode) > 0 {
		_, _ = fmt.Fprintln(w, "Findings:")
		for code, n := range r.FindingsByCode {
			_, _ = fmt.Fprintf(w, "  %-26s %d\n", code, n)
		}
	}
	if len(r.TopOffenders) > 0 {
		_, _ = fmt.Fprintln(w, "Top offenders:")
		for _, o := range r.TopOffenders {
			_, _ = fmt.Fprintf(w, "  %-26s %d findings\n", o.PatternID, o.Violations)
		}
	}
	if len(r.Remediations) > 0 {
		_, _ = fmt.Fprintln(w, "Remediations:")
		for _, rem := range r.Remediations {
			_, _ = fmt.Fprintf(w, "  [P%d] %s: %s (%d)\n", rem.Priority, rem.Code, rem.Action, rem.Count)
		}
	}
	_, _ = fmt.Fprintf(w, "Content hash: %s\n", r.ContentHash)
}

// exportReport signs the report and archives it content-addressed. The
// signing key derives from SIGNING_SECRET; without one, an ephemeral secret
// signs this export only.
func exportReport(dir string, report compliance.Report) (string, error) {
	secret := []byte(os.Getenv("SIGNING_SECRET"))
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return "", err
		}
	}
	signer, err := compliance.NewSigner(secret)
	if err != nil {
		return "", err
	}
	store, err := archive.NewFileStore(dir)
	if err != nil {
		return "", err
	}
	return compliance.ExportReport(context.Background(), store, signer, report)
}

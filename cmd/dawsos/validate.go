package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/dawsos-labs/dawsos/core/pkg/pattern"
)

// runValidateCmd implements `dawsos validate` — the pattern-integrity tool.
//
// Exit codes:
//
//	0 = corpus clean
//	1 = warnings only
//	2 = errors (or strict mode with any finding)
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		patternsDir string
		jsonOutput  bool
		strict      bool
	)
	cmd.StringVar(&patternsDir, "patterns", "patterns", "Pattern directory")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	cmd.BoolVar(&strict, "strict", false, "Treat warnings as errors")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	loader := pattern.NewLoader(patternsDir,
		pattern.WithStrict(strict),
		pattern.WithLoaderLogger(discardLogger()),
	)
	res, err := loader.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	errs := res.Errors()
	warns := res.Warnings()

	if jsonOutput {
		out := struct {
			ScannedFiles []string        `json:"scanned_files"`
			Patterns     int             `json:"patterns"`
			Errors       int             `json:"errors"`
			Warnings     int             `json:"warnings"`
			Issues       []pattern.Issue `json:"issues,omitempty"`
		}{res.ScannedFiles, len(res.Patterns), len(errs), len(warns), res.Issues}
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "Scanned %d files: %d valid patterns, %d errors, %d warnings\n",
			len(res.ScannedFiles), len(res.Patterns), len(errs), len(warns))
		for _, issue := range res.Issues {
			_, _ = fmt.Fprintf(stdout, "  %s\n", issue)
		}
	}

	switch {
	case len(errs) > 0:
		return 2
	case len(warns) > 0 && strict:
		return 2
	case len(warns) > 0:
		return 1
	default:
		return 0
	}
}

// discardLogger silences component logs; CLI output goes through stdout.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/dawsos-labs/dawsos/core/pkg/config"
	"github.com/dawsos-labs/dawsos/core/pkg/replay"
)

// runReplayCmd implements `dawsos replay` — re-execute recorded traces and
// verify canonical envelope hash parity. Runs use the same stub agents as
// `dawsos run`, so a trace recorded by run replays under identical bindings.
//
// Exit codes:
//
//	0 = every trace matched
//	1 = divergence
//	2 = errors (bad usage, unreadable trace, unknown pattern)
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tracePath   string
		patternsDir string
		jsonOutput  bool
		timeout     time.Duration
	)
	cmd.StringVar(&tracePath, "trace", "", "Trace JSONL file to verify (required)")
	cmd.StringVar(&patternsDir, "patterns", "", "Pattern directory (default $PATTERNS_DIR or patterns)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	cmd.DurationVar(&timeout, "timeout", 5*time.Minute, "Overall verification deadline")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tracePath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --trace is required")
		return 2
	}

	cfg := config.Load()
	if patternsDir != "" {
		cfg.PatternsDir = patternsDir
	}

	rt, _, err := buildStubRuntime(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	engine := replay.NewEngine(rt.Executor(), rt.Corpus(), discardLogger())
	results, err := engine.VerifyFile(ctx, tracePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	diverged := 0
	for _, res := range results {
		if !res.Match {
			diverged++
		}
	}

	if jsonOutput {
		out := struct {
			Traces   int             `json:"traces"`
			Matched  int             `json:"matched"`
			Diverged int             `json:"diverged"`
			Results  []replay.Result `json:"results"`
		}{len(results), len(results) - diverged, diverged, results}
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "Verified %d traces: %d matched, %d diverged\n",
			len(results), len(results)-diverged, diverged)
		for _, res := range results {
			if res.Match {
				_, _ = fmt.Fprintf(stdout, "  PASS     %s %s\n", res.RequestID, res.PatternID)
			} else {
				_, _ = fmt.Fprintf(stdout, "  DIVERGED %s %s\n", res.RequestID, res.PatternID)
				_, _ = fmt.Fprintf(stdout, "           %s\n", res.Divergence)
			}
		}
	}

	if diverged > 0 {
		return 1
	}
	return 0
}

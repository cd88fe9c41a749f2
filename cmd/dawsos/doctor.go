package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"

	"github.com/dawsos-labs/dawsos/core/pkg/config"
	"github.com/dawsos-labs/dawsos/core/pkg/pattern"
	"github.com/dawsos-labs/dawsos/core/pkg/pricing"
)

// runDoctorCmd implements `dawsos doctor` — environment and configuration
// check. Warnings mark optional subsystems that will run degraded; only a
// failed check is fatal.
//
// Exit codes:
//
//	0 = no check failed
//	1 = one or more checks failed
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"` // "ok", "warn", "fail"
		Detail string `json:"detail,omitempty"`
	}

	cfg := config.Load()
	var results []checkResult
	allOK := true

	results = append(results, checkResult{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	})

	// Pattern directory: unreadable is fatal, a corpus with load errors is not.
	loader := pattern.NewLoader(cfg.PatternsDir, pattern.WithLoaderLogger(discardLogger()))
	if res, err := loader.Load(); err != nil {
		results = append(results, checkResult{
			Name:   "patterns_dir",
			Status: "fail",
			Detail: err.Error(),
		})
		allOK = false
	} else if errs := res.Errors(); len(errs) > 0 {
		results = append(results, checkResult{
			Name:   "patterns_dir",
			Status: "warn",
			Detail: fmt.Sprintf("%s: %d patterns, %d excluded by errors", cfg.PatternsDir, len(res.Patterns), len(errs)),
		})
	} else {
		results = append(results, checkResult{
			Name:   "patterns_dir",
			Status: "ok",
			Detail: fmt.Sprintf("%s: %d patterns", cfg.PatternsDir, len(res.Patterns)),
		})
	}

	if _, err := os.Stat(cfg.DataDir); err != nil {
		results = append(results, checkResult{
			Name:   "data_dir",
			Status: "warn",
			Detail: fmt.Sprintf("%s does not exist (will be created on first run)", cfg.DataDir),
		})
	} else {
		results = append(results, checkResult{
			Name:   "data_dir",
			Status: "ok",
			Detail: cfg.DataDir,
		})
	}

	if cfg.DatabaseURL == "" {
		results = append(results, checkResult{
			Name:   "database_url",
			Status: "warn",
			Detail: "DATABASE_URL not set (telemetry records to JSONL only)",
		})
	} else {
		results = append(results, checkResult{
			Name:   "database_url",
			Status: "ok",
			Detail: "set",
		})
		if _, err := exec.LookPath("pg_isready"); err == nil {
			if err := exec.Command("pg_isready").Run(); err != nil {
				results = append(results, checkResult{
					Name:   "postgres",
					Status: "fail",
					Detail: "pg_isready failed",
				})
				allOK = false
			} else {
				results = append(results, checkResult{
					Name:   "postgres",
					Status: "ok",
					Detail: "pg_isready succeeded",
				})
			}
		} else {
			results = append(results, checkResult{
				Name:   "postgres",
				Status: "warn",
				Detail: "pg_isready not found in PATH",
			})
		}
	}

	if cfg.RedisAddr == "" {
		results = append(results, checkResult{
			Name:   "redis_addr",
			Status: "warn",
			Detail: "REDIS_ADDR not set (second-level cache disabled)",
		})
	} else {
		results = append(results, checkResult{
			Name:   "redis_addr",
			Status: "ok",
			Detail: cfg.RedisAddr,
		})
	}

	if cfg.OTLPEndpoint == "" {
		results = append(results, checkResult{
			Name:   "otlp_endpoint",
			Status: "warn",
			Detail: "OTLP_ENDPOINT not set (invocation spans disabled)",
		})
	} else {
		results = append(results, checkResult{
			Name:   "otlp_endpoint",
			Status: "ok",
			Detail: cfg.OTLPEndpoint,
		})
	}

	if cfg.PricingPack == "" {
		results = append(results, checkResult{
			Name:   "pricing_pack",
			Status: "ok",
			Detail: "PRICING_PACK not set, boots on today's conventional pack",
		})
	} else if date, ok := pricing.ParseID(cfg.PricingPack); ok {
		results = append(results, checkResult{
			Name:   "pricing_pack",
			Status: "ok",
			Detail: fmt.Sprintf("%s (snapshot %s)", cfg.PricingPack, date.Format("2006-01-02")),
		})
	} else {
		results = append(results, checkResult{
			Name:   "pricing_pack",
			Status: "warn",
			Detail: fmt.Sprintf("%s is not a conventional id, snapshot date unknown", cfg.PricingPack),
		})
	}

	secret := os.Getenv("SIGNING_SECRET")
	switch {
	case secret == "":
		results = append(results, checkResult{
			Name:   "signing_secret",
			Status: "warn",
			Detail: "SIGNING_SECRET not set (compliance exports sign with an ephemeral key)",
		})
	case len(secret) < 16:
		results = append(results, checkResult{
			Name:   "signing_secret",
			Status: "fail",
			Detail: "SIGNING_SECRET is shorter than 16 bytes",
		})
		allOK = false
	default:
		results = append(results, checkResult{
			Name:   "signing_secret",
			Status: "ok",
			Detail: "set",
		})
	}

	mode := "disabled"
	if cfg.StrictMode {
		mode = "enabled"
	}
	results = append(results, checkResult{
		Name:   "strict_mode",
		Status: "ok",
		Detail: mode,
	})

	if jsonOutput {
		data, _ := json.MarshalIndent(results, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintln(stdout, "")
		fmt.Fprintln(stdout, "dawsos doctor")
		fmt.Fprintln(stdout, "─────────────")
		for _, r := range results {
			icon := "✅"
			if r.Status == "warn" {
				icon = "⚠️ "
			} else if r.Status == "fail" {
				icon = "❌"
			}
			fmt.Fprintf(stdout, "  %s  %-16s %s\n", icon, r.Name, r.Detail)
		}
		if allOK {
			fmt.Fprintln(stdout, "\nAll checks passed.")
		}
	}

	if allOK {
		return 0
	}
	return 1
}

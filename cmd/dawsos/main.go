// Command dawsos is the operator CLI for the execution core: pattern
// validation, compliance reporting, local pattern runs, replay verification,
// and environment checks.
package main

import (
	"fmt"
	"io"
	"os"

	_ "github.com/lib/pq" // Postgres Driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the dispatcher, split from main for testing.
//
// Exit codes across subcommands:
//
//	0 = clean
//	1 = findings (warnings, failed run, divergence)
//	2 = errors (bad usage, unreadable input, runtime failure)
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "compliance":
		return runComplianceCmd(args[2:], stdout, stderr)
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "dawsos — pattern execution core")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  dawsos <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "PATTERN INTEGRITY")
	printCommand(w, "validate", "Validate a pattern directory (--patterns, --json, --strict)")
	printCommand(w, "compliance", "Gate report over a corpus (--patterns, --export, --json, --strict)")

	printSection(w, "EXECUTION")
	printCommand(w, "run", "Execute one pattern with stub agents (--pattern, --patterns, --input)")
	printCommand(w, "replay", "Verify envelope hash parity for recorded traces (--trace)")

	printSection(w, "UTILITIES")
	printCommand(w, "doctor", "Check environment and configuration")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-12s %s\n", name, desc)
}

// multiFlag allows repeatable flag values (e.g. --input SYMBOL=AAPL --input PERIOD=1y).
type multiFlag []string

func (f *multiFlag) String() string { return fmt.Sprintf("%v", *f) }
func (f *multiFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

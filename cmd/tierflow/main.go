package main

import (
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/tierflow/pkg/tier"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing. Exit codes: 0 success, 1 the command
// ran and reported failure, 2 usage or runtime error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "limits":
		return runLimitsCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "tierflow %s (execution contract %s)\n", version, tier.Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "\n%stierflow %s%s\n", colorBold, version, colorReset)
	_, _ = fmt.Fprintln(w, "Three-tier execution orchestration: swarms, runs, steps.")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	_, _ = fmt.Fprintln(w, "  tierflow <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "EXECUTION")
	printCommand(w, "run", "Run routines as one swarm and print the result (--routine, --json)")

	printSection(w, "ROUTINES & LIMITS")
	printCommand(w, "validate", "Validate every routine file in a directory (--dir, --json)")
	printCommand(w, "limits", "Show effective rate limits, costs and quota (--user, --event)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration comes from the environment: LOG_LEVEL, LOG_FORMAT, REDIS_ADDR,")
	_, _ = fmt.Fprintln(w, "DATABASE_URL, TIERFLOW_ROUTINES_DIR, TIERFLOW_DATA_DIR, RUN_TIMEOUT, TIERFLOW_CONFIG.")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-10s%s %s\n", colorGreen, name, colorReset, desc)
}

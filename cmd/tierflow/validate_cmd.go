package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/tierflow/pkg/routine"
)

type validateResult struct {
	Path      string `json:"path"`
	VersionID string `json:"versionId,omitempty"`
	Steps     int    `json:"steps,omitempty"`
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
}

// runValidateCmd implements `tierflow validate`.
//
// Exit codes:
//
//	0 = every routine file is valid
//	1 = at least one file is invalid, or there are none
//	2 = usage error
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir        string
		jsonOutput bool
	)
	cmd.StringVar(&dir, "dir", "", "Routine directory (default $TIERFLOW_ROUTINES_DIR or ./routines)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dir == "" {
		dir = os.Getenv("TIERFLOW_ROUTINES_DIR")
	}
	if dir == "" {
		dir = "routines"
	}

	var results []validateResult
	failed := 0
	for _, fr := range routine.ValidateDir(dir) {
		res := validateResult{Path: fr.Path, Valid: fr.Err == nil}
		if fr.Err != nil {
			res.Error = fr.Err.Error()
			failed++
		} else {
			res.VersionID = fr.Routine.VersionID()
			res.Steps = len(fr.Routine.Steps)
		}
		results = append(results, res)
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(results, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		for _, r := range results {
			if r.Valid {
				_, _ = fmt.Fprintf(stdout, "OK    %s (%s, %d steps)\n", r.Path, r.VersionID, r.Steps)
			} else {
				_, _ = fmt.Fprintf(stdout, "FAIL  %s: %s\n", r.Path, r.Error)
			}
		}
		_, _ = fmt.Fprintf(stdout, "%d routines, %d invalid\n", len(results), failed)
	}

	if len(results) == 0 {
		_, _ = fmt.Fprintf(stderr, "Error: no routine files in %s\n", dir)
		return 1
	}
	if failed > 0 {
		return 1
	}
	return 0
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/tierflow/pkg/config"
	"github.com/Mindburn-Labs/tierflow/pkg/monitor"
	"github.com/Mindburn-Labs/tierflow/pkg/observability"
	"github.com/Mindburn-Labs/tierflow/pkg/resources"
	"github.com/Mindburn-Labs/tierflow/pkg/routine"
	"github.com/Mindburn-Labs/tierflow/pkg/tier1"
)

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

type runReport struct {
	Swarm   tier1.Swarm    `json:"swarm"`
	Monitor monitor.Report `json:"monitor"`
}

// runRunCmd implements `tierflow run`: every --routine becomes one run of a
// single swarm.
//
// Exit codes:
//
//	0 = swarm completed
//	1 = swarm failed or was cancelled
//	2 = usage or runtime error
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		routinesRef stringList
		dir         string
		userID      string
		goal        string
		credits     int64
		concurrency int
		wait        time.Duration
		jsonOutput  bool
	)
	cmd.Var(&routinesRef, "routine", "Routine reference id[@version|@constraint] (REQUIRED, repeatable)")
	cmd.StringVar(&dir, "dir", "", "Routine directory (default $TIERFLOW_ROUTINES_DIR)")
	cmd.StringVar(&userID, "user", "cli", "User the swarm runs as")
	cmd.StringVar(&goal, "goal", "", "Swarm goal, for the record")
	cmd.Int64Var(&credits, "credits", 0, "Credit budget; 0 uses the configured default, -1 is unlimited")
	cmd.IntVar(&concurrency, "concurrency", 0, "Runs in flight at once; 0 uses the configured default")
	cmd.DurationVar(&wait, "wait", 0, "Give up waiting after this long and cancel the swarm; 0 waits forever")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the swarm and monitor report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if len(routinesRef) == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --routine is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if dir == "" {
		dir = cfg.RoutinesDir
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, stderr)

	routines := routine.NewYAMLStore(dir)
	if err := routines.Reload(); err != nil {
		logger.Warn("some routine files were skipped", "dir", dir, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	eng, err := newEngine(ctx, cfg, routines, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer eng.Close(context.Background())

	alloc := cfg.Tuning.DefaultAllocation
	switch {
	case credits < 0:
		alloc.MaxCredits = resources.Unlimited()
	case credits > 0:
		alloc.MaxCredits = resources.NewCredits(credits)
	}
	req := tier1.SwarmRequest{
		SwarmInput: tier1.SwarmInput{Goal: goal, MaxConcurrentRuns: concurrency},
		UserID:     userID,
		Allocation: alloc,
	}
	for _, ref := range routinesRef {
		req.Runs = append(req.Runs, tier1.RunSpec{RoutineVersionID: ref})
	}

	id, err := eng.coordinator.StartSwarm(ctx, req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	swarm, err := eng.coordinator.Wait(ctx, id)
	if err != nil {
		// Interrupted or out of time: cancel and collect what finished.
		_ = eng.coordinator.CancelSwarm(context.Background(), userID, id, "interrupted: "+err.Error())
		drain, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if swarm, err = eng.coordinator.Wait(drain, id); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: swarm %s did not stop: %v\n", id, err)
			return 2
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runReport{Swarm: swarm, Monitor: eng.monitor.Report()}); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	} else {
		printSwarm(stdout, swarm)
	}

	if swarm.State != tier1.StateCompleted {
		return 1
	}
	return 0
}

func printSwarm(w io.Writer, s tier1.Swarm) {
	_, _ = fmt.Fprintf(w, "swarm %s %s (credits %d, %d runs)\n", s.ID, s.State, s.Usage.CreditsUsed, len(s.Runs))
	for _, r := range s.Runs {
		line := fmt.Sprintf("  run %s %-9s %s credits=%d", r.RunID, r.State, r.RoutineVersionID, r.Usage.CreditsUsed)
		if r.Error != "" {
			line += " error=" + r.Error
		}
		_, _ = fmt.Fprintln(w, line)
	}
	if s.Error != nil {
		_, _ = fmt.Fprintf(w, "error: %s\n", s.Error.Error())
	}
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/tierflow/pkg/config"
	"github.com/Mindburn-Labs/tierflow/pkg/observability"
	"github.com/Mindburn-Labs/tierflow/pkg/ratelimit"
	"github.com/Mindburn-Labs/tierflow/pkg/resources"
)

type limitsReport struct {
	Limits            ratelimit.Limits     `json:"limits"`
	Costs             ratelimit.Costs      `json:"costs"`
	DefaultAllocation resources.Allocation `json:"defaultAllocation"`
	MaxConcurrentRuns int                  `json:"maxConcurrentRuns"`
	Status            *ratelimit.Status    `json:"status,omitempty"`
}

// runLimitsCmd implements `tierflow limits`. With --user it also peeks at the
// quota that user has left for --event, in Redis when REDIS_ADDR is set.
func runLimitsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("limits", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		userID    string
		eventType string
	)
	cmd.StringVar(&userID, "user", "", "Report remaining quota for this user")
	cmd.StringVar(&eventType, "event", "step.tool_call", "Event type to price for --user")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, stderr)

	report := limitsReport{
		Limits:            cfg.Tuning.RateLimits,
		Costs:             cfg.Tuning.Costs,
		DefaultAllocation: cfg.Tuning.DefaultAllocation,
		MaxConcurrentRuns: cfg.Tuning.MaxConcurrentRuns,
	}

	if userID != "" {
		client := newRedisClient(cfg)
		if client != nil {
			defer client.Close()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		status, err := newLimiter(cfg, client, logger).GetRateLimitStatus(ctx, userID, eventType)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: rate limit status: %v\n", err)
			return 2
		}
		report.Status = &status
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

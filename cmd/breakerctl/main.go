// cmd/breakerctl/main.go
//
// Operational tooling for the capture circuit breaker: inspect the backoff
// table, or force-clear it (e.g. after a deployment) so stale failure
// history does not mask capture-logic changes.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"github.com/aviationwx/wxcam/internal/breaker"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	statePath := flag.String("state", getenv("STATE_DIR", "./data/state")+"/breaker.json", "path to the breaker state file")
	clear := flag.Bool("clear", false, "force-clear all backoff state (idempotent)")
	flag.Parse()

	store := breaker.NewStore(*statePath, breaker.DefaultPolicy, logger)

	if *clear {
		if err := store.Clear(); err != nil {
			fmt.Fprintf(os.Stderr, "clear breaker state: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("breaker state cleared")
		return
	}

	table, err := store.Table()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read breaker state: %v\n", err)
		os.Exit(1)
	}
	if len(table) == 0 {
		fmt.Println("no backoff state recorded")
		return
	}

	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := time.Now()
	fmt.Printf("%-16s %-10s %-9s %-25s %s\n", "CAMERA", "STATE", "FAILURES", "NEXT ALLOWED", "LAST REASON")
	for _, k := range keys {
		e := table[k]
		next := "-"
		if !e.NextAllowed.IsZero() {
			next = e.NextAllowed.Format(time.RFC3339)
		}
		fmt.Printf("%-16s %-10s %-9d %-25s %s\n", k, e.StateAt(now), e.Failures, next, e.LastReason)
	}
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

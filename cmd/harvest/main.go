// Command harvest collects a complete inventory from a paginated,
// result-capped search source by partitioning the attribute space.
//
// Usage:
//
//	harvest                 Show help
//	harvest run             Collect (resumes from the checkpoint if present)
//	harvest plan            Preview the initial partitions or the saved queue
//	harvest stats           Inventory statistics from the checkpoint
//	harvest stats --db F    Inventory statistics from the SQLite mirror
//	harvest events          JSONL event log viewer
package main

import (
	"fmt"
	"os"
)

// Exit codes.
const (
	exitOK      = 0
	exitAborted = 1 // the source kept blocking us
	exitConfig  = 2 // nothing was requested
)

const usage = `harvest - partitioned exhaustive collector

Usage:
  harvest <command> [flags]

Commands:
  run       Collect until the plan is exhausted, a budget is met or Ctrl-C
  plan      Preview the partition plan without issuing requests
  stats     Inventory statistics (top makes, price, year, mileage)
  events    JSONL event log viewer

Environment:
  HARVEST_CONFIG       Config file (.json, .json5, .yaml); a .local sibling overrides it
  HARVEST_HOME         Data directory (default: ~/.harvester)
  HARVEST_ENDPOINT     Search endpoint
  HARVEST_WORKERS      Worker count (1-8)
  HARVEST_TARGET       Stop after this many unique items
  HARVEST_BUDGET       Wall-clock budget (seconds or duration, e.g. 2h)
  HARVEST_LOG_LEVEL    debug, info, warn, error

Run 'harvest <command> -h' for command-specific help.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(exitOK)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	code := exitOK
	switch cmd {
	case "run":
		code = runCollect(args)
	case "plan":
		code = runPlan(args)
	case "stats":
		code = runStats(args)
	case "events":
		code = runEvents(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "harvest: unknown command %q\n\n", cmd)
		fmt.Print(usage)
		code = exitConfig
	}
	os.Exit(code)
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/abelbrown/harvester/internal/checkpoint"
	"github.com/abelbrown/harvester/internal/plan"
)

func runPlan(args []string) int {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	cfgPath := configFlag(fs)
	cpPath := fs.String("checkpoint", "", "Checkpoint file (default from config)")
	show := fs.Int("n", 20, "Number of partitions to list")
	state := fs.String("state", "PENDING", "State to list when a checkpoint exists")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return fail(exitConfig, "%v", err)
	}
	if *cpPath != "" {
		cfg.CheckpointPath = *cpPath
	}
	if err := cfg.Validate(); err != nil {
		return fail(exitConfig, "%v", err)
	}

	var want plan.State
	if err := want.UnmarshalText([]byte(*state)); err != nil {
		return fail(exitConfig, "-state: %v", err)
	}

	cp, err := checkpoint.NewManager(cfg.CheckpointPath).Load()
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		planner := plan.NewPlanner(cfg.AttributeBound, cfg.PageSizeCap, cfg.MaxOffset)
		seeds, err := planner.InitialPartitions()
		if err != nil {
			return fail(exitConfig, "%v", err)
		}
		fmt.Printf("No checkpoint at %s; a new run would start with %d partitions.\n\n", cfg.CheckpointPath, len(seeds))
		printPartitions(seeds, *show)
		return exitOK
	case err != nil:
		return fail(exitConfig, "%v", err)
	}

	q := plan.NewQueue(cp.Partitions)
	fmt.Printf("Run %s: %d items, %d partitions, %d requests over %d sessions (saved %s)\n\n",
		cp.RunID, len(cp.Items), q.Len(), cp.Stats.RequestCount, cp.Stats.Sessions,
		cp.Stats.SavedAt.Format("2006-01-02 15:04:05"))

	counts := q.Counts()
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"State", "Partitions"})
	for _, s := range plan.States {
		t.AppendRow(table.Row{s, counts[s]})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
	fmt.Println()

	var list []plan.Partition
	for _, p := range q.Snapshot() {
		if p.State == want {
			list = append(list, p)
		}
	}
	printPartitions(list, *show)
	return exitOK
}

// printPartitions lists up to n partitions.
func printPartitions(parts []plan.Partition, n int) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Depth", "Constraints", "State", "Found", "Note"})
	for i, p := range parts {
		if n > 0 && i >= n {
			t.AppendFooter(table.Row{"", "", fmt.Sprintf("... %d more", len(parts)-n)})
			break
		}
		t.AppendRow(table.Row{p.ID, p.Depth, p.Key(), p.State, p.Found, p.Note})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

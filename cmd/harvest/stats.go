package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/abelbrown/harvester/internal/checkpoint"
	"github.com/abelbrown/harvester/internal/report"
	"github.com/abelbrown/harvester/internal/store"
)

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	cfgPath := configFlag(fs)
	db := fs.String("db", "", "Read items from this SQLite mirror instead of the checkpoint")
	cpPath := fs.String("checkpoint", "", "Checkpoint file (default from config)")
	top := fs.Int("top", report.DefaultTopN, "Number of category values to list")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return fail(exitConfig, "%v", err)
	}
	if *cpPath != "" {
		cfg.CheckpointPath = *cpPath
	}

	var items []store.Item
	source := cfg.CheckpointPath
	if *db != "" {
		source = *db
		mirror, err := store.OpenMirror(*db)
		if err != nil {
			return fail(exitConfig, "open mirror: %v", err)
		}
		defer mirror.Close()
		items, err = mirror.All(context.Background())
		if err != nil {
			return fail(exitConfig, "read mirror: %v", err)
		}
	} else {
		cp, err := checkpoint.NewManager(cfg.CheckpointPath).Load()
		if err != nil {
			return fail(exitConfig, "%v", err)
		}
		st := store.New()
		st.Restore(cp.Items)
		items = st.Items()
	}

	fmt.Printf("Source: %s\n", source)
	report.WriteInventory(os.Stdout, report.Compute(items, cfg.Fields, *top), cfg.Fields.Category)
	return exitOK
}

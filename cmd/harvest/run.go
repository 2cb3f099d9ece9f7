package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/abelbrown/harvester/internal/checkpoint"
	"github.com/abelbrown/harvester/internal/config"
	"github.com/abelbrown/harvester/internal/coord"
	"github.com/abelbrown/harvester/internal/fetch"
	"github.com/abelbrown/harvester/internal/logging"
	"github.com/abelbrown/harvester/internal/metrics"
	"github.com/abelbrown/harvester/internal/otel"
	"github.com/abelbrown/harvester/internal/plan"
	"github.com/abelbrown/harvester/internal/report"
	"github.com/abelbrown/harvester/internal/sink"
	"github.com/abelbrown/harvester/internal/store"
)

// pgConnectTimeout bounds the Postgres sink's startup ping.
const pgConnectTimeout = 10 * time.Second

func runCollect(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := configFlag(fs)
	target := fs.Int("target", 0, "Stop after this many unique items (0 = no limit)")
	budget := fs.String("budget", "", "Wall-clock budget, seconds or duration (e.g. 2h)")
	workers := fs.Int("workers", 0, "Concurrent fetches (1-8)")
	endpoint := fs.String("endpoint", "", "Search endpoint URL")
	cpPath := fs.String("checkpoint", "", "Checkpoint file")
	dbPath := fs.String("db", "", "Mirror accepted items into this SQLite file")
	pgURL := fs.String("postgres", "", "Mirror accepted items into Postgres (DSN)")
	metricsAddr := fs.String("metrics", "", "Serve Prometheus /metrics on this address")
	maxOffset := fs.Int("max-offset", -1, "Page through unsplittable partitions up to this offset (0 = off)")
	level := fs.String("log-level", "", "debug, info, warn, error")
	fresh := fs.Bool("fresh", false, "Discard any existing checkpoint and start a new run")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return fail(exitConfig, "%v", err)
	}

	set := setFlags(fs)
	if set["target"] {
		cfg.TargetItemCount = *target
	}
	if set["budget"] {
		secs, err := config.ParseSeconds(*budget)
		if err != nil {
			return fail(exitConfig, "-budget: %v", err)
		}
		cfg.WallClockBudget = secs
	}
	if set["workers"] {
		cfg.WorkerCount = *workers
	}
	if set["endpoint"] {
		cfg.Endpoint = *endpoint
	}
	if set["checkpoint"] {
		cfg.CheckpointPath = *cpPath
	}
	if set["db"] {
		cfg.DBPath = *dbPath
	}
	if set["postgres"] {
		cfg.PostgresURL = *pgURL
	}
	if set["metrics"] {
		cfg.MetricsAddr = *metricsAddr
	}
	if set["max-offset"] {
		cfg.MaxOffset = *maxOffset
	}
	if set["log-level"] {
		cfg.LogLevel = *level
	}

	if err := cfg.Validate(); err != nil {
		return fail(exitConfig, "%v", err)
	}

	if err := logging.Init(logging.Options{Dir: filepath.Join(dataDir(), "logs"), Level: cfg.LogLevel}); err != nil {
		return fail(exitConfig, "%v", err)
	}
	defer logging.Close()

	eventPath := cfg.EventLog
	if eventPath == "" {
		eventPath = eventLogPath()
	}
	var events *otel.Logger
	if f, err := os.OpenFile(eventPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err != nil {
		logging.Warn("event log disabled", "path", eventPath, "err", err)
		events = otel.NewNullLogger()
	} else {
		defer f.Close()
		events = otel.NewLogger(f)
	}
	defer events.Close()

	mgr := checkpoint.NewManager(cfg.CheckpointPath)
	if *fresh {
		if err := mgr.Delete(); err != nil {
			return fail(exitConfig, "%v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				logging.Warn("metrics server stopped", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
	}

	var sinks []coord.Sink
	if cfg.DBPath != "" {
		mirror, err := store.OpenMirror(cfg.DBPath)
		if err != nil {
			return fail(exitConfig, "open mirror: %v", err)
		}
		defer mirror.Close()
		sinks = append(sinks, mirror)
	}
	if cfg.PostgresURL != "" {
		pctx, cancel := context.WithTimeout(ctx, pgConnectTimeout)
		pg, err := sink.OpenPostgres(pctx, cfg.PostgresURL, cfg.PostgresTable)
		cancel()
		if err != nil {
			return fail(exitConfig, "open postgres sink: %v", err)
		}
		defer pg.Close()
		sinks = append(sinks, pg)
	}

	limit := rate.Inf
	if iv := cfg.RequestInterval(); iv > 0 {
		limit = rate.Every(iv)
	}
	gate := fetch.NewGate()
	transport := fetch.NewHTTPTransport(cfg.Endpoint, cfg.FetchTimeout(), cfg.UserAgent).
		SetBaseParams(cfg.Params)
	executor := fetch.NewExecutor(
		transport,
		fetch.NewAutoParser(cfg.ListKeys, cfg.IDFields),
		cfg.Policy(),
		fetch.WithGate(gate),
		fetch.WithLimiter(rate.NewLimiter(limit, 1)),
		fetch.WithHooks(traceHooks(m.FetchHooks(), events)),
	)

	collector := coord.NewCollector(coord.Options{
		Workers:               cfg.WorkerCount,
		TargetItemCount:       cfg.TargetItemCount,
		Budget:                cfg.Budget(),
		CheckpointItems:       cfg.CheckpointIntervalItems,
		CheckpointInterval:    cfg.CheckpointInterval(),
		BlockedPauseThreshold: cfg.BlockedPauseThreshold,
		PauseAbortThreshold:   cfg.PauseAbortThreshold,
		BlockedCooldown:       cfg.BlockedCooldown(),
	}, coord.Deps{
		Store:       store.New(),
		Planner:     plan.NewPlanner(cfg.AttributeBound, cfg.PageSizeCap, cfg.MaxOffset),
		Executor:    executor,
		Checkpoints: mgr,
		Gate:        gate,
		Sinks:       sinks,
		Metrics:     m,
		Events:      events,
	})

	events.Info(otel.KindStartup, "main", "harvest run")
	logging.Info("harvest starting",
		"endpoint", cfg.Endpoint,
		"workers", cfg.WorkerCount,
		"checkpoint", cfg.CheckpointPath,
	)

	sum, err := collector.Run(ctx)
	if err != nil {
		events.Error(otel.KindError, "main", err)
		if errors.Is(err, plan.ErrEmptyBound) {
			return fail(exitConfig, "%v", err)
		}
		return fail(exitConfig, "%v (use -fresh to discard the checkpoint)", err)
	}

	report.WriteSummary(os.Stdout, sum)
	events.Emit(otel.Event{
		Level: otel.LevelInfo,
		Kind:  otel.KindShutdown,
		Comp:  "main",
		State: string(sum.State),
		Count: sum.Items,
		Dur:   sum.Elapsed,
		Msg:   sum.Reason,
	})

	if sum.State == coord.StateAborted {
		return exitAborted
	}
	return exitOK
}

// traceHooks adds a per-attempt event to h when HARVEST_TRACE is set.
func traceHooks(h fetch.Hooks, events *otel.Logger) fetch.Hooks {
	if !otel.TraceEnabled() {
		return h
	}
	next := h.OnAttempt
	h.OnAttempt = func(kind fetch.Kind, dur time.Duration) {
		if next != nil {
			next(kind, dur)
		}
		events.Emit(otel.Event{
			Level:   otel.LevelDebug,
			Kind:    otel.KindFetchAttempt,
			Comp:    "fetch",
			Dur:     dur,
			Outcome: kind.String(),
		})
	}
	return h
}

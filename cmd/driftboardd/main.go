package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Kodiack54/driftboard/internal/config"
	"github.com/Kodiack54/driftboard/internal/daemon"
	"github.com/Kodiack54/driftboard/internal/db"
	"github.com/Kodiack54/driftboard/internal/ingest"
	"github.com/Kodiack54/driftboard/internal/model"
	"github.com/Kodiack54/driftboard/internal/observer"
	"github.com/Kodiack54/driftboard/internal/target"
)

func main() {
	configPath := flag.String("config", "", "path to config YAML")
	socketPath := flag.String("socket", "", "UDS path for driftboardd")
	dbPath := flag.String("db", "", "SQLite path")
	observeNode := flag.String("observe-node", "", "also observe local working trees, reporting as this node id")
	observeRole := flag.String("observe-role", "server", "role for the built-in observer (server or pc)")
	observeFetch := flag.Bool("observe-fetch", false, "run git fetch before each observer sweep")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	startRetentionLoop(ctx, store, cfg)
	startNodeStalenessLoop(ctx, store, cfg)
	if *observeNode != "" {
		role := model.NodeRole(*observeRole)
		if role != model.RoleServer && role != model.RolePC {
			fatal(fmt.Errorf("invalid -observe-role %q", *observeRole))
		}
		startObserverLoop(ctx, store, cfg, *observeNode, role, *observeFetch)
	}

	srv := daemon.NewServer(cfg, store)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func startRetentionLoop(ctx context.Context, store *db.Store, cfg config.Config) {
	run := func() {
		cutoff := time.Now().UTC().Add(-cfg.ActionRetention)
		if err := store.PurgeSyncActions(ctx, cutoff); err != nil && !errors.Is(err, context.Canceled) {
			logErr("retention purge", err)
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

// startNodeStalenessLoop marks nodes down once their reports stop arriving.
// Observers push health; a vanished observer cannot, so the daemon has to
// notice the silence itself.
func startNodeStalenessLoop(ctx context.Context, store *db.Store, cfg config.Config) {
	run := func() {
		now := time.Now().UTC()
		nodes, err := store.ListNodes(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logErr("list nodes for staleness sweep", err)
			}
			return
		}
		for _, node := range nodes {
			if node.Health == model.NodeHealthDown {
				continue
			}
			if now.Sub(node.LastReportAt) <= cfg.NodeDownAfter {
				continue
			}
			node.Health = model.NodeHealthDown
			node.UpdatedAt = now
			if node.FirstAnomalyAt == nil {
				v := now
				node.FirstAnomalyAt = &v
			}
			if err := store.UpsertNode(ctx, node); err != nil && !errors.Is(err, context.Canceled) {
				logErr(fmt.Sprintf("mark node down node=%s", node.NodeID), err)
			}
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(loopInterval(cfg.SweepInterval, 30*time.Second))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

// startObserverLoop runs the built-in local observer. It registers the node
// first so the staleness sweep tracks it like any external observer.
func startObserverLoop(ctx context.Context, store *db.Store, cfg config.Config, nodeID string, role model.NodeRole, fetch bool) {
	engine := ingest.NewEngine(store, cfg)
	node := model.NodeHealth{NodeID: nodeID, Kind: model.NodeKindLocal}
	obs := observer.NewGitObserver(target.NewExecutor(cfg), engine, node, role, fetch)

	run := func() {
		now := time.Now().UTC()
		if err := engine.ReportNodeHealth(ctx, model.NodeHealth{
			NodeID:       nodeID,
			Kind:         model.NodeKindLocal,
			Health:       model.NodeHealthOK,
			LastReportAt: now,
		}); err != nil && !errors.Is(err, context.Canceled) {
			logErr("observer node report", err)
		}
		repos, err := store.ListRepos(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logErr("list repos for observer sweep", err)
			}
			return
		}
		if err := obs.Sweep(ctx, repos, now); err != nil && !errors.Is(err, context.Canceled) {
			logErr("observer sweep", err)
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(loopInterval(cfg.SweepInterval, 30*time.Second))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func loopInterval(interval, fallback time.Duration) time.Duration {
	if interval <= 0 {
		return fallback
	}
	return interval
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "driftboardd: %s: %v\n", scope, err)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "driftboardd: %v\n", err)
	os.Exit(1)
}

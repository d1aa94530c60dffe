package dispatch_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Kodiack54/driftboard/internal/config"
	"github.com/Kodiack54/driftboard/internal/dispatch"
	"github.com/Kodiack54/driftboard/internal/model"
	"github.com/Kodiack54/driftboard/internal/target"
	"github.com/Kodiack54/driftboard/internal/testutil"
)

// pathRunner fails every command touching the listed repo paths and succeeds
// for the rest.
type pathRunner struct {
	failPaths []string
}

func (r *pathRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	joined := name + " " + strings.Join(args, " ")
	for _, path := range r.failPaths {
		if strings.Contains(joined, path) {
			return nil, context.DeadlineExceeded
		}
	}
	return []byte("ok"), nil
}

func dispatcherConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.CommandTimeout = 200 * time.Millisecond
	cfg.RetryBackoff = []time.Duration{time.Millisecond}
	return cfg
}

func TestSyncFamilyPartialFailure(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	for _, repoID := range []string{"ai-worker-3001", "ai-worker-3002", "ai-worker-3003", "ai-worker-3004"} {
		testutil.SeedRepo(t, store, ctx, repoID, "ai-worker")
		testutil.SeedPair(t, store, ctx, repoID, "aaaa1112222333344", now)
	}
	for repoID, head := range map[string]string{
		"ai-worker-3003": "cccc1112222333344",
		"ai-worker-3004": "dddd1112222333344",
	} {
		if err := store.UpsertGitState(ctx, model.NodeGitState{
			NodeID:   "droplet",
			RepoID:   repoID,
			Role:     model.RoleServer,
			Branch:   "main",
			Head:     head,
			LastSeen: now.Add(time.Second),
		}); err != nil {
			t.Fatalf("seed drift %s: %+v", repoID, err)
		}
	}

	cfg := dispatcherConfig()
	runner := &pathRunner{failPaths: []string{"/srv/ai-worker-3003"}}
	d := dispatch.NewDispatcherWithExecutor(store, cfg, target.NewExecutorWithRunner(cfg, runner))

	action, err := d.SyncFamily(ctx, "ai-worker", now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("sync: %+v", err)
	}
	if action.DesiredHead != "aaaa1112222333344" {
		t.Fatalf("desired head wrong: %q", action.DesiredHead)
	}
	if len(action.Results) != 2 {
		t.Fatalf("expected one result per out-of-sync instance, got %+v", action.Results)
	}

	byRepo := map[string]model.SyncInstanceResult{}
	for _, res := range action.Results {
		byRepo[res.RepoID] = res
	}
	failed := byRepo["ai-worker-3003"]
	if failed.Result != model.SyncResultFailure {
		t.Fatalf("timed-out instance must fail, got %+v", failed)
	}
	if !strings.Contains(failed.Message, "timed out") {
		t.Fatalf("failure message should name the timeout: %q", failed.Message)
	}
	ok := byRepo["ai-worker-3004"]
	if ok.Result != model.SyncResultSuccess {
		t.Fatalf("healthy instance must succeed despite sibling failure, got %+v", ok)
	}
	if action.CompletedAt == nil {
		t.Fatal("completed_at missing")
	}

	stored, err := store.GetSyncAction(ctx, action.ActionID)
	if err != nil {
		t.Fatalf("action not persisted: %+v", err)
	}
	if len(stored.Results) != 2 || stored.FamilyKey != "ai-worker" {
		t.Fatalf("persisted action wrong: %+v", stored)
	}
}

func TestSyncFamilyRefusesWithoutQuorum(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	now := time.Now().UTC()
	testutil.SeedRepo(t, store, ctx, "ai-worker-3001", "ai-worker")
	// Only a stale report: the whole family is offline.
	testutil.SeedPair(t, store, ctx, "ai-worker-3001", "aaaa1112222333344", now.Add(-time.Hour))

	d := dispatch.NewDispatcher(store, dispatcherConfig())
	_, err := d.SyncFamily(ctx, "ai-worker", now)
	if err == nil || !strings.Contains(err.Error(), model.ErrFamilyNoQuorum) {
		t.Fatalf("expected no-quorum refusal, got %v", err)
	}
}

func TestSyncFamilyUnknownFamily(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	d := dispatch.NewDispatcher(store, dispatcherConfig())
	_, err := d.SyncFamily(ctx, "ghost", time.Now().UTC())
	if err == nil || !strings.Contains(err.Error(), model.ErrRefNotFound) {
		t.Fatalf("expected ref-not-found, got %v", err)
	}
}

func TestSyncFamilyNothingToDo(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	for _, repoID := range []string{"ai-worker-3001", "ai-worker-3002"} {
		testutil.SeedRepo(t, store, ctx, repoID, "ai-worker")
		testutil.SeedPair(t, store, ctx, repoID, "aaaa1112222333344", now)
	}
	d := dispatch.NewDispatcher(store, dispatcherConfig())
	action, err := d.SyncFamily(ctx, "ai-worker", now)
	if err != nil {
		t.Fatalf("sync: %+v", err)
	}
	if len(action.Results) != 0 {
		t.Fatalf("in-sync family must dispatch nothing, got %+v", action.Results)
	}
}

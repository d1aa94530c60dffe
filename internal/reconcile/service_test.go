package reconcile_test

import (
	"strings"
	"testing"
	"time"

	"github.com/Kodiack54/driftboard/internal/config"
	"github.com/Kodiack54/driftboard/internal/model"
	"github.com/Kodiack54/driftboard/internal/reconcile"
	"github.com/Kodiack54/driftboard/internal/testutil"
)

func TestSummariesClassifiesNewestPair(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	testutil.SeedRepo(t, store, ctx, "api-gateway", "")
	testutil.SeedPair(t, store, ctx, "api-gateway", "aaaa1112222333344", now)
	svc := reconcile.NewService(store, config.DefaultConfig())

	result, err := svc.Summaries(ctx, reconcile.Filters{}, now)
	if err != nil {
		t.Fatalf("summaries: %+v", err)
	}
	if len(result.Pairs) != 1 {
		t.Fatalf("expected one pair, got %d", len(result.Pairs))
	}
	pair := result.Pairs[0]
	if pair.Sync.State != model.StatusGreen {
		t.Fatalf("expected green, got %+v", pair.Sync)
	}
	if pair.DriftSince != nil {
		t.Fatalf("green pair must carry no drift age, got %v", pair.DriftSince)
	}
	if result.Counts[model.StatusGreen] != 1 {
		t.Fatalf("counts wrong: %+v", result.Counts)
	}
}

func TestSummariesDriftSinceSticky(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	base := time.Now().UTC().Truncate(time.Second)
	testutil.SeedRepo(t, store, ctx, "api-gateway", "")
	testutil.SeedPair(t, store, ctx, "api-gateway", "aaaa1112222333344", base)

	// PC moves ahead: orange drift.
	if err := store.UpsertGitState(ctx, model.NodeGitState{
		NodeID:   "pc-dev",
		RepoID:   "api-gateway",
		Role:     model.RolePC,
		Branch:   "main",
		Head:     "bbbb1112222333344",
		Ahead:    2,
		LastSeen: base.Add(time.Second),
	}); err != nil {
		t.Fatalf("seed drift: %+v", err)
	}

	svc := reconcile.NewService(store, config.DefaultConfig())
	first, err := svc.Summaries(ctx, reconcile.Filters{}, base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("summaries: %+v", err)
	}
	if first.Pairs[0].Sync.State != model.StatusOrange {
		t.Fatalf("expected orange, got %+v", first.Pairs[0].Sync)
	}
	if first.Pairs[0].DriftSince == nil {
		t.Fatal("drift age missing")
	}

	second, err := svc.Summaries(ctx, reconcile.Filters{}, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("summaries: %+v", err)
	}
	if !second.Pairs[0].DriftSince.Equal(*first.Pairs[0].DriftSince) {
		t.Fatalf("first-detected must stay sticky: %v vs %v",
			second.Pairs[0].DriftSince, first.Pairs[0].DriftSince)
	}

	// Recovery: both sides fresh again on the same head.
	testutil.SeedPair(t, store, ctx, "api-gateway", "aaaa1112222333344", base.Add(2*time.Minute))
	third, err := svc.Summaries(ctx, reconcile.Filters{}, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("summaries: %+v", err)
	}
	if third.Pairs[0].Sync.State != model.StatusGreen || third.Pairs[0].DriftSince != nil {
		t.Fatalf("expected clean green pair, got %+v", third.Pairs[0])
	}
	marks, err := store.ListDriftMarks(ctx)
	if err != nil {
		t.Fatalf("list marks: %+v", err)
	}
	if len(marks) != 0 {
		t.Fatalf("mark not cleared on green: %+v", marks)
	}
}

func TestSummariesFilterValidation(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	svc := reconcile.NewService(store, config.DefaultConfig())

	_, err := svc.Summaries(ctx, reconcile.Filters{State: "purple"}, time.Now().UTC())
	if err == nil {
		t.Fatal("expected filter error")
	}
	if !strings.Contains(err.Error(), model.ErrFilterInvalid) {
		t.Fatalf("wrong error code: %v", err)
	}
	for _, allowed := range []string{"red", "orange", "yellow", "gray", "green"} {
		if !strings.Contains(err.Error(), allowed) {
			t.Fatalf("error must list allowed value %q: %v", allowed, err)
		}
	}
}

func TestSummariesStateFilterKeepsFullCounts(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	testutil.SeedRepo(t, store, ctx, "api-gateway", "")
	testutil.SeedPair(t, store, ctx, "api-gateway", "aaaa1112222333344", now)
	testutil.SeedRepo(t, store, ctx, "billing", "")
	// billing has no reports at all: gray.

	svc := reconcile.NewService(store, config.DefaultConfig())
	result, err := svc.Summaries(ctx, reconcile.Filters{State: "gray"}, now)
	if err != nil {
		t.Fatalf("summaries: %+v", err)
	}
	if len(result.Pairs) != 1 || result.Pairs[0].RepoID != "billing" {
		t.Fatalf("expected only the gray repo, got %+v", result.Pairs)
	}
	if result.Counts[model.StatusGreen] != 1 || result.Counts[model.StatusGray] != 1 {
		t.Fatalf("counts must cover unfiltered set: %+v", result.Counts)
	}
}

func TestSummariesGroupAndActiveFilters(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	now := time.Now().UTC()
	testutil.SeedRepo(t, store, ctx, "api-gateway", "")
	inactive := testutil.SeedRepo(t, store, ctx, "legacy", "")
	inactive.IsActive = false
	if err := store.UpsertRepo(ctx, inactive); err != nil {
		t.Fatalf("deactivate: %+v", err)
	}

	svc := reconcile.NewService(store, config.DefaultConfig())
	result, err := svc.Summaries(ctx, reconcile.Filters{ActiveOnly: true}, now)
	if err != nil {
		t.Fatalf("summaries: %+v", err)
	}
	if len(result.Pairs) != 1 || result.Pairs[0].RepoID != "api-gateway" {
		t.Fatalf("active_only filter broken: %+v", result.Pairs)
	}

	result, err = svc.Summaries(ctx, reconcile.Filters{Group: "nonexistent"}, now)
	if err != nil {
		t.Fatalf("summaries: %+v", err)
	}
	if len(result.Pairs) != 0 {
		t.Fatalf("group filter broken: %+v", result.Pairs)
	}
}

func TestFamiliesAggregatesByKey(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	for _, repoID := range []string{"ai-worker-3001", "ai-worker-3002", "ai-worker-3003"} {
		testutil.SeedRepo(t, store, ctx, repoID, "ai-worker")
		testutil.SeedPair(t, store, ctx, repoID, "aaaa1112222333344", now)
	}
	// 3003 drifts to another head.
	if err := store.UpsertGitState(ctx, model.NodeGitState{
		NodeID:   "droplet",
		RepoID:   "ai-worker-3003",
		Role:     model.RoleServer,
		Branch:   "main",
		Head:     "cccc1112222333344",
		LastSeen: now.Add(time.Second),
	}); err != nil {
		t.Fatalf("seed drift: %+v", err)
	}

	svc := reconcile.NewService(store, config.DefaultConfig())
	result, err := svc.Families(ctx, reconcile.Filters{}, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("families: %+v", err)
	}
	if len(result.Families) != 1 {
		t.Fatalf("expected one family, got %+v", result.Families)
	}
	fam := result.Families[0]
	if fam.FamilyKey != "ai-worker" || fam.Source != model.FamilyConfigured {
		t.Fatalf("family identity wrong: %+v", fam)
	}
	if fam.DesiredHead != "aaaa1112222333344" {
		t.Fatalf("quorum head wrong: %q", fam.DesiredHead)
	}
	if fam.Sync.State != model.StatusOrange {
		t.Fatalf("expected orange rollup, got %+v", fam.Sync)
	}
	if len(fam.Sync.OutOfSyncInstances) != 1 || fam.Sync.OutOfSyncInstances[0] != "ai-worker-3003" {
		t.Fatalf("out-of-sync list wrong: %+v", fam.Sync.OutOfSyncInstances)
	}

	single, err := svc.Family(ctx, "ai-worker", now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("family: %+v", err)
	}
	if single.FamilyKey != "ai-worker" {
		t.Fatalf("single lookup wrong: %+v", single)
	}
}

func TestAttentionFeedSkipsDeactivatedRepos(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	base := time.Now().UTC().Truncate(time.Second)
	entry := testutil.SeedRepo(t, store, ctx, "retired-worker", "")
	testutil.SeedPair(t, store, ctx, "retired-worker", "aaaa1112222333344", base)
	if err := store.UpsertGitState(ctx, model.NodeGitState{
		NodeID:   "pc-dev",
		RepoID:   "retired-worker",
		Role:     model.RolePC,
		Branch:   "main",
		Head:     "bbbb1112222333344",
		Ahead:    3,
		LastSeen: base.Add(time.Second),
	}); err != nil {
		t.Fatalf("seed drift: %+v", err)
	}
	entry.IsActive = false
	if err := store.UpsertRepo(ctx, entry); err != nil {
		t.Fatalf("deactivate repo: %+v", err)
	}

	svc := reconcile.NewService(store, config.DefaultConfig())
	feed, err := svc.AttentionFeed(ctx, base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("feed: %+v", err)
	}
	if len(feed.Items) != 0 {
		t.Fatalf("deactivated repo must not raise attention, got %+v", feed.Items)
	}
	if feed.Overall != "none" {
		t.Fatalf("expected quiet banner, got %q", feed.Overall)
	}

	// The drift itself stays queryable.
	result, err := svc.Summaries(ctx, reconcile.Filters{}, base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("summaries: %+v", err)
	}
	if len(result.Pairs) != 1 || result.Pairs[0].Sync.State == model.StatusGreen {
		t.Fatalf("drift should remain visible in unfiltered summaries: %+v", result.Pairs)
	}
}

func TestAttentionFeedSurvivesBrokenSource(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	base := time.Now().UTC().Truncate(time.Second)
	testutil.SeedRepo(t, store, ctx, "api-gateway", "")
	testutil.SeedPair(t, store, ctx, "api-gateway", "aaaa1112222333344", base)
	if err := store.UpsertGitState(ctx, model.NodeGitState{
		NodeID:   "pc-dev",
		RepoID:   "api-gateway",
		Role:     model.RolePC,
		Branch:   "main",
		Head:     "bbbb1112222333344",
		Ahead:    1,
		LastSeen: base.Add(time.Second),
	}); err != nil {
		t.Fatalf("seed drift: %+v", err)
	}

	if _, err := store.DB().ExecContext(ctx, `DROP TABLE db_drift`); err != nil {
		t.Fatalf("drop table: %+v", err)
	}

	svc := reconcile.NewService(store, config.DefaultConfig())
	feed, err := svc.AttentionFeed(ctx, base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("feed must not abort on one broken source: %+v", err)
	}
	if len(feed.Items) != 1 || feed.Items[0].Type != model.AttentionGit {
		t.Fatalf("expected the git item to survive, got %+v", feed.Items)
	}
	if feed.SourceErrors["db"] == "" {
		t.Fatal("broken source must be reported")
	}
	if feed.Overall != "warn" {
		t.Fatalf("expected warn overall, got %q", feed.Overall)
	}
}

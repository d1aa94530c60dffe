package observer_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Kodiack54/driftboard/internal/config"
	"github.com/Kodiack54/driftboard/internal/db"
	"github.com/Kodiack54/driftboard/internal/ingest"
	"github.com/Kodiack54/driftboard/internal/model"
	"github.com/Kodiack54/driftboard/internal/observer"
	"github.com/Kodiack54/driftboard/internal/target"
	"github.com/Kodiack54/driftboard/internal/testutil"
)

// scriptRunner answers each git subcommand with a canned output. Commands
// with no entry fail, which is how a missing working tree looks.
type scriptRunner struct {
	outputs map[string]string
	calls   []string
}

func (r *scriptRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	joined := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, joined)
	for key, out := range r.outputs {
		if strings.Contains(joined, key) {
			return []byte(out), nil
		}
	}
	return nil, fmt.Errorf("exit status 128")
}

func healthyRepoScript() map[string]string {
	return map[string]string{
		"rev-parse --is-inside-work-tree": "true",
		"rev-parse --abbrev-ref HEAD":     "main",
		"rev-parse HEAD":                  "a1b2c3d4e5f60718293a4b5c6d7e8f9012345678",
		"status --porcelain":              "",
		"rev-list --left-right --count":   "2\t1",
		"log -1":                          "1756200000\tfix retry backoff",
	}
}

func newObserver(t *testing.T, runner target.Runner, fetch bool) (*observer.GitObserver, *db.Store, context.Context) {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = nil
	engine := ingest.NewEngine(store, cfg)
	executor := target.NewExecutorWithRunner(cfg, runner)
	node := model.NodeHealth{NodeID: "droplet", Kind: model.NodeKindLocal}
	return observer.NewGitObserver(executor, engine, node, model.RoleServer, fetch), store, ctx
}

func TestCollectHealthyRepo(t *testing.T) {
	runner := &scriptRunner{outputs: healthyRepoScript()}
	obs, _, ctx := newObserver(t, runner, false)

	at := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	state, err := obs.Collect(ctx, "api-3001", "/srv/api-3001", at)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if state.PathMissing || state.Dirty || state.OriginError {
		t.Fatalf("unexpected flags: %+v", state)
	}
	if state.Branch != "main" || state.Head != "a1b2c3d4e5f60718293a4b5c6d7e8f9012345678" {
		t.Fatalf("unexpected ref data: %+v", state)
	}
	if state.Behind != 2 || state.Ahead != 1 {
		t.Fatalf("unexpected counts: %+v", state)
	}
	if state.LastCommitMessage != "fix retry backoff" || state.LastCommitTime.IsZero() {
		t.Fatalf("unexpected commit info: %+v", state)
	}
	if !state.LastSeen.Equal(at) {
		t.Fatalf("last_seen should be the sweep time, got %v", state.LastSeen)
	}
}

func TestCollectMissingPath(t *testing.T) {
	runner := &scriptRunner{outputs: map[string]string{}}
	obs, _, ctx := newObserver(t, runner, false)

	state, err := obs.Collect(ctx, "api-3001", "/srv/gone", time.Now().UTC())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if !state.PathMissing {
		t.Fatalf("expected path_missing snapshot, got %+v", state)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("missing path should stop after the probe, got %v", runner.calls)
	}
}

func TestCollectDirtyTreeWithoutUpstream(t *testing.T) {
	script := healthyRepoScript()
	script["status --porcelain"] = " M internal/app/main.go"
	delete(script, "rev-list --left-right --count")
	runner := &scriptRunner{outputs: script}
	obs, _, ctx := newObserver(t, runner, false)

	state, err := obs.Collect(ctx, "api-3001", "/srv/api-3001", time.Now().UTC())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if !state.Dirty {
		t.Fatalf("expected dirty tree, got %+v", state)
	}
	if state.Ahead != 0 || state.Behind != 0 {
		t.Fatalf("no upstream should count 0/0, got %+v", state)
	}
}

func TestCollectFetchFailureSetsOriginError(t *testing.T) {
	script := healthyRepoScript()
	runner := &scriptRunner{outputs: script}
	obs, _, ctx := newObserver(t, runner, true)

	state, err := obs.Collect(ctx, "api-3001", "/srv/api-3001", time.Now().UTC())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if !state.OriginError {
		t.Fatalf("fetch failure should flag origin_error, got %+v", state)
	}
}

func TestSweepReportsActiveReposWithServerPath(t *testing.T) {
	runner := &scriptRunner{outputs: healthyRepoScript()}
	obs, store, ctx := newObserver(t, runner, false)

	entries := []model.RegistryEntry{
		{RepoID: "api-3001", ServerPath: "/srv/api-3001", IsActive: true},
		{RepoID: "api-3002", IsActive: true},
		{RepoID: "api-3003", ServerPath: "/srv/api-3003", IsActive: false},
	}
	if err := obs.Sweep(ctx, entries, time.Now().UTC()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	state, err := store.GetGitState(ctx, "droplet", "api-3001")
	if err != nil {
		t.Fatalf("swept state not persisted: %v", err)
	}
	if state.Branch != "main" {
		t.Fatalf("unexpected persisted state: %+v", state)
	}

	for _, call := range runner.calls {
		if strings.Contains(call, "api-3002") || strings.Contains(call, "api-3003") {
			t.Fatalf("swept a repo that should be skipped: %q", call)
		}
	}
	probes := 0
	for _, call := range runner.calls {
		if strings.Contains(call, "--is-inside-work-tree") {
			probes++
		}
	}
	if probes != 1 {
		t.Fatalf("expected a single probed repo, got calls %v", runner.calls)
	}
}

func TestParseAheadBehind(t *testing.T) {
	cases := []struct {
		in            string
		behind, ahead int
		wantErr       bool
	}{
		{"2\t1", 2, 1, false},
		{"0\t0\n", 0, 0, false},
		{"", 0, 0, true},
		{"x\ty", 0, 0, true},
		{"3", 0, 0, true},
	}
	for _, tc := range cases {
		behind, ahead, err := observer.ParseAheadBehind(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseAheadBehind(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || behind != tc.behind || ahead != tc.ahead {
			t.Fatalf("ParseAheadBehind(%q) = %d %d %v", tc.in, behind, ahead, err)
		}
	}
}

func TestParseLastCommit(t *testing.T) {
	ts, msg, err := observer.ParseLastCommit("1756200000\tfix retry backoff")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg != "fix retry backoff" {
		t.Fatalf("unexpected message %q", msg)
	}
	if !ts.Equal(time.Unix(1756200000, 0).UTC()) {
		t.Fatalf("unexpected time %v", ts)
	}
	if _, _, err := observer.ParseLastCommit("not-a-number\tmsg"); err == nil {
		t.Fatal("expected error for bad epoch")
	}
}

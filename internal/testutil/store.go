package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Kodiack54/driftboard/internal/db"
	"github.com/Kodiack54/driftboard/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "driftboard-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedRepo stores a fully configured registry entry.
func SeedRepo(t *testing.T, store *db.Store, ctx context.Context, repoID, familyKey string) model.RegistryEntry {
	t.Helper()
	entry := model.RegistryEntry{
		RepoID:       repoID,
		DisplayName:  repoID,
		GroupName:    "services",
		GitHubURL:    "https://github.com/acme/" + repoID,
		ServerPath:   "/srv/" + repoID,
		PCPath:       "/home/dev/" + repoID,
		FamilyKey:    familyKey,
		FamilySource: model.FamilyConfigured,
		IsActive:     true,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := store.UpsertRepo(ctx, entry); err != nil {
		t.Fatalf("seed repo %s: %v", repoID, err)
	}
	return entry
}

// SeedPair stores matching fresh server and pc states for a repo.
func SeedPair(t *testing.T, store *db.Store, ctx context.Context, repoID, head string, lastSeen time.Time) {
	t.Helper()
	for _, side := range []struct {
		nodeID string
		role   model.NodeRole
	}{
		{"droplet", model.RoleServer},
		{"pc-dev", model.RolePC},
	} {
		state := model.NodeGitState{
			NodeID:         side.nodeID,
			RepoID:         repoID,
			Role:           side.role,
			Branch:         "main",
			Head:           head,
			HeadShort:      head[:7],
			LastCommitTime: lastSeen.Add(-time.Hour),
			LastSeen:       lastSeen,
		}
		if err := store.UpsertGitState(ctx, state); err != nil {
			t.Fatalf("seed git state %s/%s: %v", side.nodeID, repoID, err)
		}
	}
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Kodiack54/driftboard/internal/config"
	"github.com/Kodiack54/driftboard/internal/db"
	"github.com/Kodiack54/driftboard/internal/family"
	"github.com/Kodiack54/driftboard/internal/model"
	"github.com/Kodiack54/driftboard/internal/security"
)

// Status is the outcome of a git-state report. Out-of-order reports are
// dropped, not errors: observers resend full snapshots and a stale one
// carries no information the store does not already have.
type Status string

const (
	StatusApplied      Status = "applied"
	StatusDroppedStale Status = "dropped_stale"
)

type Engine struct {
	store *db.Store
	cfg   config.Config
}

func NewEngine(store *db.Store, cfg config.Config) *Engine {
	return &Engine{store: store, cfg: cfg}
}

// ReportGitState validates and persists one observer snapshot. Unknown repos
// are auto-discovered with a placeholder registry entry; the monotonic
// last_seen guard in the store decides applied vs dropped.
func (e *Engine) ReportGitState(ctx context.Context, state model.NodeGitState) (Status, error) {
	state.NodeID = strings.TrimSpace(state.NodeID)
	state.RepoID = strings.TrimSpace(state.RepoID)
	if state.NodeID == "" || state.RepoID == "" {
		return "", fmt.Errorf("%s: node_id and repo_id required", model.ErrRefInvalid)
	}
	if state.Role != model.RoleServer && state.Role != model.RolePC {
		return "", fmt.Errorf("%s: role must be server or pc", model.ErrRefInvalid)
	}
	if state.LastSeen.IsZero() {
		state.LastSeen = time.Now().UTC()
	}
	// Counts are non-negative by contract; a buggy observer floors to zero
	// instead of poisoning classification.
	if state.Ahead < 0 {
		state.Ahead = 0
	}
	if state.Behind < 0 {
		state.Behind = 0
	}
	if state.HeadShort == "" && len(state.Head) >= 7 {
		state.HeadShort = state.Head[:7]
	}
	if state.OriginError && state.OriginErrorSince == nil {
		v := state.LastSeen
		state.OriginErrorSince = &v
	}
	if !state.OriginError {
		state.OriginErrorSince = nil
	}

	if err := e.ensureRepo(ctx, state.RepoID, state.LastSeen); err != nil {
		return "", err
	}

	err := e.store.UpsertGitState(ctx, state)
	if errors.Is(err, db.ErrOutOfOrder) {
		return StatusDroppedStale, nil
	}
	if err != nil {
		return "", err
	}
	return StatusApplied, nil
}

func (e *Engine) ensureRepo(ctx context.Context, repoID string, now time.Time) error {
	_, err := e.store.GetRepo(ctx, repoID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	entry := model.RegistryEntry{
		RepoID:         repoID,
		DisplayName:    repoID,
		IsActive:       true,
		AutoDiscovered: true,
		UpdatedAt:      now,
	}
	if key, ok := family.InferKey(repoID, e.cfg.FamilyPatterns); ok {
		entry.FamilyKey = key
		entry.FamilySource = model.FamilyInferred
	}
	return e.store.UpsertRepo(ctx, entry)
}

// ReportDBDrift persists one upstream schema-drift row.
func (e *Engine) ReportDBDrift(ctx context.Context, rec model.DBDriftRecord) error {
	rec.DBKey = strings.TrimSpace(rec.DBKey)
	if rec.DBKey == "" {
		return fmt.Errorf("%s: db_key required", model.ErrRefInvalid)
	}
	if rec.AttentionLevel != model.LevelWarn && rec.AttentionLevel != model.LevelUrgent {
		rec.AttentionLevel = model.LevelWarn
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	// Upstream error strings can quote credentialed connection URLs verbatim.
	rec.LastError = security.RedactSecrets(rec.LastError)
	return e.store.UpsertDBDrift(ctx, rec)
}

// ReportNodeHealth persists one node process summary. FirstAnomalyAt starts
// when stopped or errored counts first go non-zero and clears once both
// return to zero, so the feed can age an ongoing anomaly.
func (e *Engine) ReportNodeHealth(ctx context.Context, node model.NodeHealth) error {
	node.NodeID = strings.TrimSpace(node.NodeID)
	if node.NodeID == "" {
		return fmt.Errorf("%s: node_id required", model.ErrRefInvalid)
	}
	if node.Kind != model.NodeKindLocal && node.Kind != model.NodeKindSSH {
		return fmt.Errorf("%s: kind must be local or ssh", model.ErrRefInvalid)
	}
	if node.Kind == model.NodeKindSSH && strings.TrimSpace(node.ConnectionRef) == "" {
		return fmt.Errorf("%s: ssh node requires connection_ref", model.ErrRefInvalid)
	}
	now := time.Now().UTC()
	if node.LastReportAt.IsZero() {
		node.LastReportAt = now
	}
	node.UpdatedAt = now
	if node.Health == "" {
		node.Health = model.NodeHealthOK
	}

	anomalous := node.StoppedCount > 0 || node.ErroredCount > 0
	prev, err := e.store.GetNode(ctx, node.NodeID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	switch {
	case !anomalous:
		node.FirstAnomalyAt = nil
	case err == nil && prev.FirstAnomalyAt != nil:
		node.FirstAnomalyAt = prev.FirstAnomalyAt
	case node.FirstAnomalyAt == nil:
		v := node.LastReportAt
		node.FirstAnomalyAt = &v
	}
	return e.store.UpsertNode(ctx, node)
}

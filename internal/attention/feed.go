// Package attention merges git drift, database-schema drift, and node
// process health into one severity-sorted feed for operator triage. Items
// are regenerated on every build, never persisted.
package attention

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Kodiack54/driftboard/internal/classify"
	"github.com/Kodiack54/driftboard/internal/model"
)

// Build maps the three sources into normalized items and sorts urgent before
// warn, then oldest anomaly first: the longer a problem has been live, the
// higher it surfaces, regardless of originating subsystem.
func Build(git []model.RepoPairSummary, db []model.DBDriftRecord, nodes []model.NodeHealth, now time.Time) []model.AttentionItem {
	items := make([]model.AttentionItem, 0, len(git)+len(db)+len(nodes))
	for _, pair := range git {
		if item, ok := gitItem(pair, now); ok {
			items = append(items, item)
		}
	}
	for _, rec := range db {
		if item, ok := dbItem(rec, now); ok {
			items = append(items, item)
		}
	}
	for _, node := range nodes {
		if item, ok := nodeItem(node, now); ok {
			items = append(items, item)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Level != items[j].Level {
			return items[i].Level == model.LevelUrgent
		}
		if items[i].AgeSeconds != items[j].AgeSeconds {
			return items[i].AgeSeconds > items[j].AgeSeconds
		}
		return items[i].EntityID < items[j].EntityID
	})
	return items
}

// Overall collapses a feed into a single banner level.
func Overall(items []model.AttentionItem) string {
	overall := "none"
	for _, item := range items {
		if item.Level == model.LevelUrgent {
			return "urgent"
		}
		overall = "warn"
	}
	return overall
}

func gitItem(pair model.RepoPairSummary, now time.Time) (model.AttentionItem, bool) {
	if pair.Sync.State != model.StatusOrange && pair.Sync.State != model.StatusRed {
		return model.AttentionItem{}, false
	}
	level := model.LevelWarn
	if pair.Sync.State == model.StatusRed {
		level = model.LevelUrgent
	}
	age := int64(0)
	if pair.DriftSince != nil {
		age = ageSeconds(*pair.DriftSince, now)
	}
	reasons := make([]string, 0, len(pair.Sync.Reasons))
	for _, r := range pair.Sync.Reasons {
		reasons = append(reasons, string(r))
	}
	return model.AttentionItem{
		Type:       model.AttentionGit,
		EntityID:   pair.RepoID,
		Level:      level,
		AgeSeconds: age,
		Summary:    gitSummary(pair),
		Diagnostics: map[string]any{
			"state":   string(pair.Sync.State),
			"reasons": reasons,
		},
	}, true
}

// gitSummary phrases the reason set with a fixed precedence: uncommitted
// changes first, then ahead/behind counts, then a hash-mismatch call-out only
// when no ahead/behind already explains the difference.
func gitSummary(pair model.RepoPairSummary) string {
	name := pair.DisplayName
	if name == "" {
		name = pair.RepoID
	}
	var parts []string
	if classify.HasReason(pair.Sync.Reasons, model.ReasonServerDirty) && classify.HasReason(pair.Sync.Reasons, model.ReasonPCDirty) {
		parts = append(parts, "uncommitted changes on server and pc")
	} else if classify.HasReason(pair.Sync.Reasons, model.ReasonServerDirty) {
		parts = append(parts, "uncommitted changes on server")
	} else if classify.HasReason(pair.Sync.Reasons, model.ReasonPCDirty) {
		parts = append(parts, "uncommitted changes on pc")
	}
	ahead, behind := driftCounts(pair)
	if classify.HasReason(pair.Sync.Reasons, model.ReasonDiverged) {
		parts = append(parts, fmt.Sprintf("diverged (%d ahead / %d behind)", ahead, behind))
	} else {
		if classify.HasReason(pair.Sync.Reasons, model.ReasonAhead) {
			parts = append(parts, fmt.Sprintf("%d ahead", ahead))
		}
		if classify.HasReason(pair.Sync.Reasons, model.ReasonBehind) {
			parts = append(parts, fmt.Sprintf("%d behind", behind))
		}
	}
	if classify.HasReason(pair.Sync.Reasons, model.ReasonHashMismatch) {
		parts = append(parts, "head mismatch with zero drift (possible force-push)")
	}
	if classify.HasReason(pair.Sync.Reasons, model.ReasonWrongBranch) {
		parts = append(parts, "branches differ")
	}
	if classify.HasReason(pair.Sync.Reasons, model.ReasonOriginUnreachable) {
		parts = append(parts, "origin unreachable")
	}
	for _, r := range []model.SyncReason{model.ReasonServerOffline, model.ReasonPCOffline, model.ReasonServerMissing, model.ReasonPCMissing} {
		if classify.HasReason(pair.Sync.Reasons, r) {
			parts = append(parts, strings.ReplaceAll(string(r), "_", " "))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "drift detected")
	}
	return fmt.Sprintf("%s: %s", name, strings.Join(parts, ", "))
}

func driftCounts(pair model.RepoPairSummary) (ahead, behind int) {
	if pair.Server != nil {
		ahead += pair.Server.Ahead
		behind += pair.Server.Behind
	}
	if pair.PC != nil {
		ahead += pair.PC.Ahead
		behind += pair.PC.Behind
	}
	return ahead, behind
}

func dbItem(rec model.DBDriftRecord, now time.Time) (model.AttentionItem, bool) {
	if rec.AttentionLevel != model.LevelWarn && rec.AttentionLevel != model.LevelUrgent {
		return model.AttentionItem{}, false
	}
	anchor := rec.UpdatedAt
	if rec.DriftDetectedAt != nil {
		anchor = *rec.DriftDetectedAt
	}
	summary := fmt.Sprintf("schema drift on %s (%s)", rec.DBKey, rec.Status)
	if rec.LastError != "" {
		summary = fmt.Sprintf("schema drift on %s: %s", rec.DBKey, rec.LastError)
	}
	return model.AttentionItem{
		Type:       model.AttentionDB,
		EntityID:   rec.DBKey,
		Level:      rec.AttentionLevel,
		AgeSeconds: ageSeconds(anchor, now),
		Summary:    summary,
		Diagnostics: map[string]any{
			"status":      rec.Status,
			"schema_hash": rec.SchemaHash,
		},
	}, true
}

func nodeItem(node model.NodeHealth, now time.Time) (model.AttentionItem, bool) {
	if node.StoppedCount == 0 && node.ErroredCount == 0 {
		return model.AttentionItem{}, false
	}
	level := model.LevelWarn
	if node.ErroredCount > 0 {
		level = model.LevelUrgent
	}
	anchor := node.UpdatedAt
	if node.FirstAnomalyAt != nil {
		anchor = *node.FirstAnomalyAt
	}
	return model.AttentionItem{
		Type:       model.AttentionDroplet,
		EntityID:   node.NodeID,
		Level:      level,
		AgeSeconds: ageSeconds(anchor, now),
		Summary:    fmt.Sprintf("%s: %d errored, %d stopped, %d running", node.NodeID, node.ErroredCount, node.StoppedCount, node.RunningCount),
		Diagnostics: map[string]any{
			"running": node.RunningCount,
			"stopped": node.StoppedCount,
			"errored": node.ErroredCount,
			"health":  string(node.Health),
		},
	}, true
}

func ageSeconds(since, now time.Time) int64 {
	if since.IsZero() || since.After(now) {
		return 0
	}
	return int64(now.Sub(since) / time.Second)
}

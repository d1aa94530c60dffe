package daemon

import (
	"fmt"
	"sort"
	"time"

	"github.com/Kodiack54/driftboard/internal/api"
	"github.com/Kodiack54/driftboard/internal/model"
	"github.com/Kodiack54/driftboard/internal/reconcile"
	"github.com/Kodiack54/driftboard/internal/security"
)

func gitStateFromRequest(req api.GitReportRequest) (model.NodeGitState, error) {
	state := model.NodeGitState{
		NodeID:            req.NodeID,
		RepoID:            req.RepoID,
		Role:              model.NodeRole(req.Role),
		Path:              req.Path,
		Branch:            req.Branch,
		Head:              req.Head,
		Dirty:             req.Dirty,
		Ahead:             req.Ahead,
		Behind:            req.Behind,
		LastCommitMessage: req.LastCommitMessage,
		OriginError:       req.OriginError,
		PathMissing:       req.PathMissing,
	}
	var err error
	if state.LastCommitTime, err = parseOptionalTime(req.LastCommitTime); err != nil {
		return model.NodeGitState{}, fmt.Errorf("invalid last_commit_time: %v", err)
	}
	if state.LastSeen, err = parseOptionalTime(req.LastSeen); err != nil {
		return model.NodeGitState{}, fmt.Errorf("invalid last_seen: %v", err)
	}
	if req.OriginErrorSince != nil {
		t, err := time.Parse(time.RFC3339, *req.OriginErrorSince)
		if err != nil {
			return model.NodeGitState{}, fmt.Errorf("invalid origin_error_since: %v", err)
		}
		t = t.UTC()
		state.OriginErrorSince = &t
	}
	return state, nil
}

func dbDriftFromRequest(req api.DBReportRequest) (model.DBDriftRecord, error) {
	rec := model.DBDriftRecord{
		DBKey:          req.DBKey,
		Status:         req.Status,
		AttentionLevel: model.AttentionLevel(req.AttentionLevel),
		SchemaHash:     req.SchemaHash,
		LastError:      req.LastError,
	}
	for _, field := range []struct {
		name string
		raw  *string
		dst  **time.Time
	}{
		{"last_ok_at", req.LastOKAt, &rec.LastOKAt},
		{"drift_detected_at", req.DriftDetectedAt, &rec.DriftDetectedAt},
	} {
		if field.raw == nil {
			continue
		}
		t, err := time.Parse(time.RFC3339, *field.raw)
		if err != nil {
			return model.DBDriftRecord{}, fmt.Errorf("invalid %s: %v", field.name, err)
		}
		t = t.UTC()
		*field.dst = &t
	}
	return rec, nil
}

func applyRepoUpsert(entry *model.RegistryEntry, req api.RepoUpsertRequest) {
	if req.DisplayName != "" {
		entry.DisplayName = req.DisplayName
	}
	if req.GroupName != "" {
		entry.GroupName = req.GroupName
	}
	if req.ProjectSlug != "" {
		entry.ProjectSlug = req.ProjectSlug
	}
	if req.GitHubURL != "" {
		// Operators occasionally paste clone URLs with embedded tokens.
		entry.GitHubURL = security.StripURLCredentials(req.GitHubURL)
	}
	if req.ServerPath != "" {
		entry.ServerPath = req.ServerPath
	}
	if req.PCPath != "" {
		entry.PCPath = req.PCPath
	}
	if req.FamilyKey != "" {
		// An operator-supplied key is authoritative and sheds any
		// inferred tag.
		entry.FamilyKey = req.FamilyKey
		entry.FamilySource = model.FamilyConfigured
	}
	if req.IsActive != nil {
		entry.IsActive = *req.IsActive
	}
	// Any explicit registration upgrades a placeholder.
	entry.AutoDiscovered = false
}

func repoItem(entry model.RegistryEntry) api.RepoItem {
	return api.RepoItem{
		RepoID:         entry.RepoID,
		DisplayName:    entry.DisplayName,
		GroupName:      entry.GroupName,
		ProjectSlug:    entry.ProjectSlug,
		GitHubURL:      entry.GitHubURL,
		ServerPath:     entry.ServerPath,
		PCPath:         entry.PCPath,
		FamilyKey:      entry.FamilyKey,
		FamilySource:   string(entry.FamilySource),
		IsActive:       entry.IsActive,
		AutoDiscovered: entry.AutoDiscovered,
		UpdatedAt:      entry.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func gitStateItem(state *model.NodeGitState) *api.GitStateItem {
	if state == nil {
		return nil
	}
	item := &api.GitStateItem{
		NodeID:            state.NodeID,
		Role:              string(state.Role),
		Path:              state.Path,
		Branch:            state.Branch,
		Head:              state.Head,
		HeadShort:         state.HeadShort,
		Dirty:             state.Dirty,
		Ahead:             state.Ahead,
		Behind:            state.Behind,
		LastCommitMessage: state.LastCommitMessage,
		OriginError:       state.OriginError,
		PathMissing:       state.PathMissing,
		LastSeen:          state.LastSeen.UTC().Format(time.RFC3339),
	}
	item.LastCommitTime = formatOptionalTime(state.LastCommitTime)
	if state.OriginErrorSince != nil {
		v := state.OriginErrorSince.UTC().Format(time.RFC3339)
		item.OriginErrorSince = &v
	}
	return item
}

func summaryItem(pair model.RepoPairSummary) api.RepoSummaryItem {
	reasons := make([]string, 0, len(pair.Sync.Reasons))
	for _, reason := range pair.Sync.Reasons {
		reasons = append(reasons, string(reason))
	}
	item := api.RepoSummaryItem{
		RepoID:       pair.RepoID,
		DisplayName:  pair.DisplayName,
		GroupName:    pair.GroupName,
		ProjectSlug:  pair.ProjectSlug,
		FamilyKey:    pair.FamilyKey,
		FamilySource: string(pair.FamilySource),
		Server:       gitStateItem(pair.Server),
		PC:           gitStateItem(pair.PC),
		Sync: api.SyncBlockItem{
			State:   string(pair.Sync.State),
			Reasons: reasons,
		},
	}
	if pair.DriftSince != nil {
		v := pair.DriftSince.UTC().Format(time.RFC3339)
		item.DriftSince = &v
	}
	return item
}

func familyItem(fam model.FamilySummary) api.FamilyItem {
	instances := make([]api.InstanceItem, 0, len(fam.Instances))
	for _, inst := range fam.Instances {
		item := api.InstanceItem{
			RepoID:      inst.RepoID,
			DisplayName: inst.DisplayName,
			Head:        inst.Head,
			HeadShort:   inst.HeadShort,
			Dirty:       inst.Dirty,
			Online:      inst.Online,
		}
		item.LastCommitTime = formatOptionalTime(inst.LastCommitTime)
		instances = append(instances, item)
	}
	return api.FamilyItem{
		FamilyKey:   fam.FamilyKey,
		Source:      string(fam.Source),
		DesiredHead: fam.DesiredHead,
		Instances:   instances,
		Sync: api.FamilyRollupItem{
			State:              string(fam.Sync.State),
			InSyncCount:        fam.Sync.InSyncCount,
			OutOfSyncInstances: fam.Sync.OutOfSyncInstances,
			DirtyInstances:     fam.Sync.DirtyInstances,
			OfflineInstances:   fam.Sync.OfflineInstances,
		},
	}
}

func syncActionResponse(action model.SyncAction, now time.Time) api.SyncActionResponse {
	results := make([]api.SyncResultItem, 0, len(action.Results))
	for _, res := range action.Results {
		results = append(results, api.SyncResultItem{
			RepoID:     res.RepoID,
			NodeID:     res.NodeID,
			Result:     string(res.Result),
			Message:    res.Message,
			DurationMS: res.DurationMS,
		})
	}
	resp := api.SyncActionResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   now,
		ActionID:      action.ActionID,
		FamilyKey:     action.FamilyKey,
		DesiredHead:   action.DesiredHead,
		RequestedAt:   action.RequestedAt.UTC().Format(time.RFC3339),
		Results:       results,
	}
	if action.CompletedAt != nil {
		v := action.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	return resp
}

func attentionEnvelope(feed reconcile.FeedResult, now time.Time) api.AttentionEnvelope {
	items := make([]api.AttentionItemResponse, 0, len(feed.Items))
	for _, item := range feed.Items {
		items = append(items, api.AttentionItemResponse{
			Type:        string(item.Type),
			EntityID:    item.EntityID,
			Level:       string(item.Level),
			AgeSeconds:  item.AgeSeconds,
			Summary:     item.Summary,
			Diagnostics: item.Diagnostics,
		})
	}
	envelope := api.AttentionEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   now,
		Overall:       feed.Overall,
		Items:         items,
	}
	sources := make([]string, 0, len(feed.SourceErrors))
	for source := range feed.SourceErrors {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	for _, source := range sources {
		envelope.SourceErrors = append(envelope.SourceErrors, api.SourceError{
			Source:  source,
			Message: feed.SourceErrors[source],
		})
	}
	return envelope
}

func parseOptionalTime(raw *string) (time.Time, error) {
	if raw == nil || *raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func formatOptionalTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	v := t.UTC().Format(time.RFC3339)
	return &v
}

// Package reconcile builds the read-side views: repo pair summaries, family
// summaries, and the attention feed. Every pass fixes one "now" and derives
// everything else from stored observer state; nothing here writes back except
// the drift_marks display cache.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Kodiack54/driftboard/internal/attention"
	"github.com/Kodiack54/driftboard/internal/classify"
	"github.com/Kodiack54/driftboard/internal/config"
	"github.com/Kodiack54/driftboard/internal/db"
	"github.com/Kodiack54/driftboard/internal/family"
	"github.com/Kodiack54/driftboard/internal/model"
)

// Filters narrow summary and family queries. Zero value matches everything.
type Filters struct {
	Group       string
	ProjectSlug string
	State       string
	Family      string
	ActiveOnly  bool
}

// Validate rejects unknown state values up front so handlers can return a
// stable error instead of silently matching nothing.
func (f Filters) Validate() error {
	if f.State == "" {
		return nil
	}
	allowed := make([]string, 0, len(model.KnownStatuses))
	for _, s := range model.KnownStatuses {
		if f.State == string(s) {
			return nil
		}
		allowed = append(allowed, string(s))
	}
	return fmt.Errorf("%s: state must be one of %s", model.ErrFilterInvalid, strings.Join(allowed, ", "))
}

type Service struct {
	store *db.Store
	cfg   config.Config
}

func NewService(store *db.Store, cfg config.Config) *Service {
	return &Service{store: store, cfg: cfg}
}

// SummaryResult carries the filtered pairs plus status counts over every pair
// that matched the non-state filters, so a red-only view still shows how many
// repos are green.
type SummaryResult struct {
	Pairs  []model.RepoPairSummary
	Counts map[model.SyncStatus]int
}

func (s *Service) Summaries(ctx context.Context, f Filters, now time.Time) (SummaryResult, error) {
	if err := f.Validate(); err != nil {
		return SummaryResult{}, err
	}
	pairs, err := s.classifiedPairs(ctx, f, now)
	if err != nil {
		return SummaryResult{}, err
	}

	result := SummaryResult{Counts: make(map[model.SyncStatus]int)}
	for _, pair := range pairs {
		result.Counts[pair.Sync.State]++
		if f.State != "" && string(pair.Sync.State) != f.State {
			continue
		}
		result.Pairs = append(result.Pairs, pair)
	}
	return result, nil
}

type FamiliesResult struct {
	Families []model.FamilySummary
	Counts   map[model.SyncStatus]int
}

func (s *Service) Families(ctx context.Context, f Filters, now time.Time) (FamiliesResult, error) {
	if err := f.Validate(); err != nil {
		return FamiliesResult{}, err
	}
	memberFilters := f
	memberFilters.State = ""
	pairs, err := s.classifiedPairs(ctx, memberFilters, now)
	if err != nil {
		return FamiliesResult{}, err
	}

	byKey := make(map[string][]model.RepoPairSummary)
	for _, pair := range pairs {
		if pair.FamilyKey == "" {
			continue
		}
		byKey[pair.FamilyKey] = append(byKey[pair.FamilyKey], pair)
	}
	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	th := classify.ThresholdsFromConfig(s.cfg)
	result := FamiliesResult{Counts: make(map[model.SyncStatus]int)}
	for _, key := range keys {
		members := byKey[key]
		source := model.FamilyInferred
		for _, m := range members {
			if m.FamilySource == model.FamilyConfigured {
				source = model.FamilyConfigured
				break
			}
		}
		summary := family.Aggregate(key, source, members, th, now)
		result.Counts[summary.Sync.State]++
		if f.State != "" && string(summary.Sync.State) != f.State {
			continue
		}
		result.Families = append(result.Families, summary)
	}
	return result, nil
}

// Family returns one aggregated family or db.ErrNotFound.
func (s *Service) Family(ctx context.Context, key string, now time.Time) (model.FamilySummary, error) {
	result, err := s.Families(ctx, Filters{Family: key}, now)
	if err != nil {
		return model.FamilySummary{}, err
	}
	for _, summary := range result.Families {
		if summary.FamilyKey == key {
			return summary, nil
		}
	}
	return model.FamilySummary{}, db.ErrNotFound
}

// FeedResult is the composed attention feed. Each source that failed is
// reported by name; its items are simply absent.
type FeedResult struct {
	Overall      string
	Items        []model.AttentionItem
	SourceErrors map[string]string
}

// AttentionFeed queries the three sources independently. One broken source
// must not blank the whole feed, so its error is recorded and the remaining
// sources still contribute.
func (s *Service) AttentionFeed(ctx context.Context, now time.Time) (FeedResult, error) {
	sourceErrors := make(map[string]string)

	var pairs []model.RepoPairSummary
	// Deactivating a repo silences it; its drift stays queryable via
	// Summaries but never raises the banner.
	summaries, err := s.Summaries(ctx, Filters{ActiveOnly: true}, now)
	if err != nil {
		sourceErrors["git"] = err.Error()
	} else {
		pairs = summaries.Pairs
	}

	dbDrift, err := s.store.ListDBDrift(ctx)
	if err != nil {
		sourceErrors["db"] = err.Error()
		dbDrift = nil
	}

	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		sourceErrors["droplet"] = err.Error()
		nodes = nil
	}

	items := attention.Build(pairs, dbDrift, nodes, now)
	return FeedResult{
		Overall:      attention.Overall(items),
		Items:        items,
		SourceErrors: sourceErrors,
	}, nil
}

// classifiedPairs loads every matching repo, pins the newest state per side,
// classifies, and refreshes the drift_marks cache.
func (s *Service) classifiedPairs(ctx context.Context, f Filters, now time.Time) ([]model.RepoPairSummary, error) {
	repos, err := s.store.ListRepos(ctx)
	if err != nil {
		return nil, err
	}
	states, err := s.store.ListGitStates(ctx)
	if err != nil {
		return nil, err
	}
	marks, err := s.store.ListDriftMarks(ctx)
	if err != nil {
		return nil, err
	}

	type sideKey struct {
		repoID string
		role   model.NodeRole
	}
	// ListGitStates orders newest-first within each (repo, role); keep the
	// first occurrence only.
	latest := make(map[sideKey]*model.NodeGitState)
	for i := range states {
		key := sideKey{states[i].RepoID, states[i].Role}
		if _, ok := latest[key]; ok {
			continue
		}
		latest[key] = &states[i]
	}

	th := classify.ThresholdsFromConfig(s.cfg)
	var pairs []model.RepoPairSummary
	for _, entry := range repos {
		if !matches(entry, f) {
			continue
		}
		server := latest[sideKey{entry.RepoID, model.RoleServer}]
		pc := latest[sideKey{entry.RepoID, model.RolePC}]
		pair := model.RepoPairSummary{
			RepoID:       entry.RepoID,
			DisplayName:  entry.DisplayName,
			GroupName:    entry.GroupName,
			ProjectSlug:  entry.ProjectSlug,
			FamilyKey:    entry.FamilyKey,
			FamilySource: entry.FamilySource,
			Server:       server,
			PC:           pc,
			Sync:         classify.Classify(server, pc, entry, th, now),
		}

		if pair.Sync.State == model.StatusGreen {
			if _, marked := marks[entry.RepoID]; marked {
				if err := s.store.ClearDrift(ctx, entry.RepoID); err != nil {
					return nil, err
				}
			}
		} else {
			firstDetected, marked := marks[entry.RepoID]
			if !marked {
				firstDetected = now
			}
			if err := s.store.MarkDrift(ctx, entry.RepoID, pair.Sync.State, firstDetected); err != nil {
				return nil, err
			}
			v := firstDetected
			pair.DriftSince = &v
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

func matches(entry model.RegistryEntry, f Filters) bool {
	if f.ActiveOnly && !entry.IsActive {
		return false
	}
	if f.Group != "" && entry.GroupName != f.Group {
		return false
	}
	if f.ProjectSlug != "" && entry.ProjectSlug != f.ProjectSlug {
		return false
	}
	if f.Family != "" && entry.FamilyKey != f.Family {
		return false
	}
	return true
}

// Package dispatch fans corrective git commands out to the out-of-sync
// members of a family. Dispatch never marks anything green itself; the next
// classification pass confirms recovery from fresh observer reports.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kodiack54/driftboard/internal/config"
	"github.com/Kodiack54/driftboard/internal/db"
	"github.com/Kodiack54/driftboard/internal/model"
	"github.com/Kodiack54/driftboard/internal/reconcile"
	"github.com/Kodiack54/driftboard/internal/target"
)

type Dispatcher struct {
	store    *db.Store
	cfg      config.Config
	svc      *reconcile.Service
	executor *target.Executor

	mu     sync.Mutex
	health map[string]target.HealthState
}

func NewDispatcher(store *db.Store, cfg config.Config) *Dispatcher {
	return NewDispatcherWithExecutor(store, cfg, target.NewExecutor(cfg))
}

func NewDispatcherWithExecutor(store *db.Store, cfg config.Config, executor *target.Executor) *Dispatcher {
	return &Dispatcher{
		store:    store,
		cfg:      cfg,
		svc:      reconcile.NewService(store, cfg),
		executor: executor,
		health:   make(map[string]target.HealthState),
	}
}

// SyncFamily resolves the family's quorum head and runs fetch + hard reset on
// every out-of-sync instance concurrently. Each instance gets its own result;
// a timed-out command is that instance's failure and never blocks the rest.
func (d *Dispatcher) SyncFamily(ctx context.Context, familyKey string, now time.Time) (model.SyncAction, error) {
	fam, err := d.svc.Family(ctx, familyKey, now)
	if errors.Is(err, db.ErrNotFound) {
		return model.SyncAction{}, fmt.Errorf("%s: family %q", model.ErrRefNotFound, familyKey)
	}
	if err != nil {
		return model.SyncAction{}, err
	}
	if fam.Sync.State == model.StatusGray || fam.DesiredHead == "" {
		return model.SyncAction{}, fmt.Errorf("%s: no online quorum for family %q", model.ErrFamilyNoQuorum, familyKey)
	}

	summaries, err := d.svc.Summaries(ctx, reconcile.Filters{Family: familyKey}, now)
	if err != nil {
		return model.SyncAction{}, err
	}
	pairByRepo := make(map[string]model.RepoPairSummary, len(summaries.Pairs))
	for _, pair := range summaries.Pairs {
		pairByRepo[pair.RepoID] = pair
	}

	action := model.SyncAction{
		ActionID:    uuid.NewString(),
		FamilyKey:   familyKey,
		DesiredHead: fam.DesiredHead,
		RequestedAt: now,
	}

	results := make([]model.SyncInstanceResult, len(fam.Sync.OutOfSyncInstances))
	var wg sync.WaitGroup
	for i, repoID := range fam.Sync.OutOfSyncInstances {
		wg.Add(1)
		go func(i int, repoID string) {
			defer wg.Done()
			results[i] = d.syncInstance(ctx, pairByRepo[repoID], repoID, fam.DesiredHead)
		}(i, repoID)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].RepoID < results[j].RepoID })
	action.Results = results
	completed := time.Now().UTC()
	action.CompletedAt = &completed

	if err := d.store.InsertSyncAction(ctx, action); err != nil {
		return model.SyncAction{}, err
	}
	return action, nil
}

func (d *Dispatcher) syncInstance(ctx context.Context, pair model.RepoPairSummary, repoID, desiredHead string) model.SyncInstanceResult {
	started := time.Now()
	result := model.SyncInstanceResult{RepoID: repoID, Result: model.SyncResultFailure}
	if pair.Server == nil {
		result.Message = "no server state for instance"
		return result
	}
	result.NodeID = pair.Server.NodeID

	node, err := d.store.GetNode(ctx, pair.Server.NodeID)
	if errors.Is(err, db.ErrNotFound) {
		// Unregistered nodes are assumed co-located with the daemon.
		node = model.NodeHealth{NodeID: pair.Server.NodeID, Kind: model.NodeKindLocal}
	} else if err != nil {
		result.Message = err.Error()
		return result
	}

	repoPath := pair.Server.Path
	if repoPath == "" {
		// Observers may omit the path; the registry is the fallback.
		entry, entryErr := d.store.GetRepo(ctx, repoID)
		if entryErr == nil {
			repoPath = entry.ServerPath
		}
	}
	if repoPath == "" {
		result.Message = "server repo path unknown"
		return result
	}

	execErr := d.run(ctx, node, target.BuildFetchCommand(repoPath))
	if execErr == nil {
		execErr = d.run(ctx, node, target.BuildResetCommand(repoPath, desiredHead))
	}
	result.DurationMS = time.Since(started).Milliseconds()
	if execErr != nil {
		if target.IsTimeout(execErr) {
			result.Message = fmt.Sprintf("timed out after %s", d.cfg.CommandTimeout)
		} else {
			result.Message = execErr.Error()
		}
		return result
	}
	result.Result = model.SyncResultSuccess
	result.Message = fmt.Sprintf("reset to %s", shortHead(desiredHead))
	return result
}

// run executes one command and feeds the outcome into the node's health
// transition so repeated dispatch failures surface as a degraded node.
func (d *Dispatcher) run(ctx context.Context, node model.NodeHealth, command []string) error {
	_, err := d.executor.Run(ctx, node, command)
	d.recordHealth(ctx, node, err == nil)
	return err
}

func (d *Dispatcher) recordHealth(ctx context.Context, node model.NodeHealth, success bool) {
	d.mu.Lock()
	state, ok := d.health[node.NodeID]
	if !ok {
		state = target.HealthState{Current: node.Health}
	}
	state = target.NextHealth(d.cfg, state, success, time.Now().UTC())
	d.health[node.NodeID] = state
	d.mu.Unlock()

	if state.Current == node.Health {
		return
	}
	node.Health = state.Current
	node.UpdatedAt = time.Now().UTC()
	// Best effort: a failed health write must not fail the sync result.
	_ = d.store.UpsertNode(ctx, node)
}

func shortHead(head string) string {
	if len(head) > 7 {
		return head[:7]
	}
	return head
}

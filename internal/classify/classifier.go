// Package classify computes the sync status of one repository pair from the
// latest server-observer and pc-observer reports. Classification is a pure
// function of its inputs: the caller fixes "now" once per pass so staleness
// checks stay internally consistent, and calling Classify twice on the same
// inputs always yields the same block.
package classify

import (
	"time"

	"github.com/Kodiack54/driftboard/internal/config"
	"github.com/Kodiack54/driftboard/internal/model"
)

// Thresholds are the fixed offline/staleness windows. Not per-repo.
type Thresholds struct {
	ServerOffline    time.Duration
	PCOffline        time.Duration
	Stale            time.Duration
	OriginEscalation time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		ServerOffline:    90 * time.Second,
		PCOffline:        90 * time.Second,
		Stale:            300 * time.Second,
		OriginEscalation: 15 * time.Minute,
	}
}

// ThresholdsFromConfig maps the daemon config onto classifier thresholds.
func ThresholdsFromConfig(cfg config.Config) Thresholds {
	return Thresholds{
		ServerOffline:    cfg.ServerOfflineAfter,
		PCOffline:        cfg.PCOfflineAfter,
		Stale:            cfg.StaleAfter,
		OriginEscalation: cfg.OriginEscalation,
	}
}

// ServerOnline reports whether a server-side state is present and fresh
// enough to count in a family quorum vote.
func ServerOnline(s *model.NodeGitState, th Thresholds, now time.Time) bool {
	return s != nil && now.Sub(s.LastSeen) <= th.ServerOffline
}

// Classify never returns an error and never panics for any input it is
// documented to accept, including both states nil. Reasons are emitted in a
// fixed order so repeated calls are byte-identical.
func Classify(server, pc *model.NodeGitState, entry model.RegistryEntry, th Thresholds, now time.Time) model.SyncBlock {
	// Discovered but not wired up yet. Setup work, not drift.
	if !entry.Configured() {
		return model.SyncBlock{State: model.StatusYellow, Reasons: []model.SyncReason{model.ReasonAwaitingConfig}}
	}
	if (server != nil && server.PathMissing) || (pc != nil && pc.PathMissing) {
		return model.SyncBlock{State: model.StatusYellow, Reasons: []model.SyncReason{model.ReasonMissingPaths}}
	}

	serverFresh := ServerOnline(server, th, now)
	pcFresh := pc != nil && now.Sub(pc.LastSeen) <= th.PCOffline

	var reasons []model.SyncReason
	switch {
	case server == nil:
		reasons = append(reasons, model.ReasonServerMissing)
	case !serverFresh:
		reasons = append(reasons, model.ReasonServerOffline)
	}
	switch {
	case pc == nil:
		reasons = append(reasons, model.ReasonPCMissing)
	case !pcFresh:
		reasons = append(reasons, model.ReasonPCOffline)
	}

	if len(reasons) > 0 {
		// One side is unjudgeable. Gray, unless the reachable side has an
		// independently known defect, which upgrades to orange.
		defect := false
		if serverFresh {
			reasons, defect = appendSideDefects(reasons, server, model.ReasonServerDirty)
		}
		if pcFresh {
			var d bool
			reasons, d = appendSideDefects(reasons, pc, model.ReasonPCDirty)
			defect = defect || d
		}
		state := model.StatusGray
		if defect {
			state = model.StatusOrange
		}
		reasons, state = applyOrigin(reasons, state, server, pc, serverFresh, pcFresh, th, now)
		return model.SyncBlock{State: state, Reasons: reasons}
	}

	// Both sides present and fresh: the numeric comparison path is total.
	if server.Dirty {
		reasons = append(reasons, model.ReasonServerDirty)
	}
	if pc.Dirty {
		reasons = append(reasons, model.ReasonPCDirty)
	}

	headsEqual := server.Head == pc.Head
	serverDiverged := server.Ahead > 0 && server.Behind > 0
	pcDiverged := pc.Ahead > 0 && pc.Behind > 0
	totalAhead := server.Ahead + pc.Ahead
	totalBehind := server.Behind + pc.Behind
	switch {
	case serverDiverged || pcDiverged:
		reasons = append(reasons, model.ReasonDiverged)
	default:
		if totalAhead > 0 {
			reasons = append(reasons, model.ReasonAhead)
		}
		if totalBehind > 0 {
			reasons = append(reasons, model.ReasonBehind)
		}
	}
	if !headsEqual && totalAhead == 0 && totalBehind == 0 {
		// Zero ahead/behind cannot explain differing heads: commonly a
		// force-push or reset, flagged apart from ordinary drift. Heuristic;
		// a shallow clone on one side can produce the same signature.
		reasons = append(reasons, model.ReasonHashMismatch)
	}
	if server.Branch != pc.Branch {
		reasons = append(reasons, model.ReasonWrongBranch)
	}

	state := model.StatusGreen
	if len(reasons) > 0 {
		state = model.StatusOrange
	}
	reasons, state = applyOrigin(reasons, state, server, pc, serverFresh, pcFresh, th, now)
	return model.SyncBlock{State: state, Reasons: reasons}
}

func appendSideDefects(reasons []model.SyncReason, s *model.NodeGitState, dirtyReason model.SyncReason) ([]model.SyncReason, bool) {
	defect := false
	if s.Dirty {
		reasons = append(reasons, dirtyReason)
		defect = true
	}
	switch {
	case s.Ahead > 0 && s.Behind > 0:
		reasons = append(reasons, model.ReasonDiverged)
		defect = true
	case s.Ahead > 0:
		reasons = append(reasons, model.ReasonAhead)
		defect = true
	case s.Behind > 0:
		reasons = append(reasons, model.ReasonBehind)
		defect = true
	}
	return reasons, defect
}

// applyOrigin appends origin_unreachable when a fresh side reports its remote
// as unreachable, and escalates to red once the condition has persisted past
// the escalation window. Red differs from orange purely by duration.
func applyOrigin(reasons []model.SyncReason, state model.SyncStatus, server, pc *model.NodeGitState, serverFresh, pcFresh bool, th Thresholds, now time.Time) ([]model.SyncReason, model.SyncStatus) {
	var since *time.Time
	hit := false
	if serverFresh && server.OriginError {
		hit = true
		since = earliest(since, server.OriginErrorSince)
	}
	if pcFresh && pc.OriginError {
		hit = true
		since = earliest(since, pc.OriginErrorSince)
	}
	if !hit {
		return reasons, state
	}
	reasons = append(reasons, model.ReasonOriginUnreachable)
	if state == model.StatusGreen || state == model.StatusGray {
		state = model.StatusOrange
	}
	if since != nil && now.Sub(*since) > th.OriginEscalation {
		state = model.StatusRed
	}
	return reasons, state
}

func earliest(a, b *time.Time) *time.Time {
	if b == nil {
		return a
	}
	if a == nil || b.Before(*a) {
		return b
	}
	return a
}

// HasReason reports membership in a reason set.
func HasReason(reasons []model.SyncReason, want model.SyncReason) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}

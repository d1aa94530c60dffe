// Package family reconciles repository instances that are expected to run
// identical code. No single member is ground truth: the desired head is
// whatever the online quorum agrees on, which can only be known after seeing
// every member, so aggregation runs in two passes (vote, then judge).
package family

import (
	"sort"
	"time"

	"github.com/Kodiack54/driftboard/internal/classify"
	"github.com/Kodiack54/driftboard/internal/model"
)

// Aggregate computes the family rollup for members sharing one family key.
// Offline members are excluded from the vote and from out-of-sync/dirty
// judgement (stale data is not evidence) but remain visible in Instances.
func Aggregate(key string, source model.FamilySource, members []model.RepoPairSummary, th classify.Thresholds, now time.Time) model.FamilySummary {
	summary := model.FamilySummary{
		FamilyKey: key,
		Source:    source,
		Instances: make([]model.InstanceState, 0, len(members)),
	}

	votes := map[string]*vote{}
	online := 0
	for _, m := range members {
		inst := model.InstanceState{
			RepoID:      m.RepoID,
			DisplayName: m.DisplayName,
			Online:      classify.ServerOnline(m.Server, th, now),
		}
		if m.Server != nil {
			inst.Head = m.Server.Head
			inst.HeadShort = m.Server.HeadShort
			inst.Dirty = m.Server.Dirty
			inst.LastCommitTime = m.Server.LastCommitTime
		}
		summary.Instances = append(summary.Instances, inst)
		if !inst.Online {
			continue
		}
		online++
		v := votes[inst.Head]
		if v == nil {
			v = &vote{lastCommitTime: inst.LastCommitTime}
			votes[inst.Head] = v
		}
		v.count++
		if inst.LastCommitTime.Before(v.lastCommitTime) {
			v.lastCommitTime = inst.LastCommitTime
		}
	}

	if online == 0 {
		summary.Sync.State = model.StatusGray
		return summary
	}
	summary.DesiredHead = electHead(votes)

	outOfSync := 0
	for _, inst := range summary.Instances {
		if !inst.Online {
			summary.Sync.OfflineInstances = append(summary.Sync.OfflineInstances, inst.RepoID)
			continue
		}
		problem := false
		if inst.Head != summary.DesiredHead {
			summary.Sync.OutOfSyncInstances = append(summary.Sync.OutOfSyncInstances, inst.RepoID)
			outOfSync++
			problem = true
		}
		if inst.Dirty {
			summary.Sync.DirtyInstances = append(summary.Sync.DirtyInstances, inst.RepoID)
			problem = true
		}
		if !problem {
			summary.Sync.InSyncCount++
		}
	}

	switch {
	case outOfSync == 0 && len(summary.Sync.DirtyInstances) == 0:
		summary.Sync.State = model.StatusGreen
	case outOfSync*2 > online:
		// Most of the active fleet disagrees with the quorum head: a
		// full-family outage outranks a single straggler.
		summary.Sync.State = model.StatusRed
	default:
		summary.Sync.State = model.StatusOrange
	}
	return summary
}

// electHead picks the head held by the largest online subset. Ties break
// toward the earliest last-commit time: the older, more conservative commit
// wins, which keeps the winner stable when two instances update at the same
// moment but report in different order.
func electHead(votes map[string]*vote) string {
	heads := make([]string, 0, len(votes))
	for h := range votes {
		heads = append(heads, h)
	}
	sort.Slice(heads, func(i, j int) bool {
		a, b := votes[heads[i]], votes[heads[j]]
		if a.count != b.count {
			return a.count > b.count
		}
		if !a.lastCommitTime.Equal(b.lastCommitTime) {
			return a.lastCommitTime.Before(b.lastCommitTime)
		}
		return heads[i] < heads[j]
	})
	if len(heads) == 0 {
		return ""
	}
	return heads[0]
}

type vote struct {
	count          int
	lastCommitTime time.Time
}

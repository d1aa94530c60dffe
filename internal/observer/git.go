// Package observer collects local git snapshots and feeds them through the
// ingest engine, so a single binary can watch its own node without a
// separate reporting agent.
package observer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Kodiack54/driftboard/internal/ingest"
	"github.com/Kodiack54/driftboard/internal/model"
	"github.com/Kodiack54/driftboard/internal/target"
)

type GitObserver struct {
	executor *target.Executor
	engine   *ingest.Engine
	node     model.NodeHealth
	role     model.NodeRole
	fetch    bool
}

// NewGitObserver builds an observer that inspects working trees on the given
// node and reports them under the given role. When fetch is set, each sweep
// refreshes origin refs first so ahead/behind counts track the remote.
func NewGitObserver(executor *target.Executor, engine *ingest.Engine, node model.NodeHealth, role model.NodeRole, fetch bool) *GitObserver {
	return &GitObserver{executor: executor, engine: engine, node: node, role: role, fetch: fetch}
}

// Sweep collects and reports every active registry entry that has a path for
// this observer's role. Per-repo failures do not stop the sweep; they are
// joined into the returned error.
func (o *GitObserver) Sweep(ctx context.Context, repos []model.RegistryEntry, at time.Time) error {
	var errs []error
	for _, entry := range repos {
		if !entry.IsActive {
			continue
		}
		path := o.pathFor(entry)
		if path == "" {
			continue
		}
		state, err := o.Collect(ctx, entry.RepoID, path, at)
		if err != nil {
			errs = append(errs, fmt.Errorf("collect %s: %w", entry.RepoID, err))
			continue
		}
		if _, err := o.engine.ReportGitState(ctx, state); err != nil {
			errs = append(errs, fmt.Errorf("report %s: %w", entry.RepoID, err))
		}
	}
	return errors.Join(errs...)
}

// Collect inspects one working tree and builds a snapshot. A path that is
// gone or not a repository yields a path-missing snapshot, not an error.
func (o *GitObserver) Collect(ctx context.Context, repoID, path string, at time.Time) (model.NodeGitState, error) {
	state := model.NodeGitState{
		NodeID:   o.node.NodeID,
		RepoID:   repoID,
		Role:     o.role,
		Path:     path,
		LastSeen: at.UTC(),
	}

	if _, err := o.run(ctx, "git", "-C", path, "rev-parse", "--is-inside-work-tree"); err != nil {
		if target.IsTimeout(err) {
			return model.NodeGitState{}, err
		}
		state.PathMissing = true
		return state, nil
	}

	if o.fetch {
		if _, err := o.executor.Run(ctx, o.node, target.BuildFetchCommand(path)); err != nil {
			// Local refs still describe the tree; the classifier decides
			// how long an unreachable origin may ride.
			state.OriginError = true
		}
	}

	branch, err := o.run(ctx, "git", "-C", path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return model.NodeGitState{}, err
	}
	state.Branch = branch

	head, err := o.run(ctx, "git", "-C", path, "rev-parse", "HEAD")
	if err != nil {
		return model.NodeGitState{}, err
	}
	state.Head = head

	status, err := o.run(ctx, "git", "-C", path, "status", "--porcelain")
	if err != nil {
		return model.NodeGitState{}, err
	}
	state.Dirty = status != ""

	// A branch without an upstream counts as neither ahead nor behind.
	if counts, err := o.run(ctx, "git", "-C", path, "rev-list", "--left-right", "--count",
		fmt.Sprintf("origin/%s...HEAD", branch)); err == nil {
		if behind, ahead, perr := ParseAheadBehind(counts); perr == nil {
			state.Behind = behind
			state.Ahead = ahead
		}
	} else if target.IsTimeout(err) {
		return model.NodeGitState{}, err
	}

	logLine, err := o.run(ctx, "git", "-C", path, "log", "-1", "--format=%ct%x09%s")
	if err != nil {
		return model.NodeGitState{}, err
	}
	commitTime, message, err := ParseLastCommit(logLine)
	if err != nil {
		return model.NodeGitState{}, err
	}
	state.LastCommitTime = commitTime
	state.LastCommitMessage = message

	return state, nil
}

func (o *GitObserver) pathFor(entry model.RegistryEntry) string {
	if o.role == model.RoleServer {
		return entry.ServerPath
	}
	return entry.PCPath
}

func (o *GitObserver) run(ctx context.Context, command ...string) (string, error) {
	res, err := o.executor.Run(ctx, o.node, command)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Output), nil
}

// ParseAheadBehind parses `git rev-list --left-right --count upstream...HEAD`
// output, which is "<behind>\t<ahead>".
func ParseAheadBehind(output string) (behind, ahead int, err error) {
	fields := strings.Fields(strings.TrimSpace(output))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("invalid rev-list count output: %q", output)
	}
	if behind, err = strconv.Atoi(fields[0]); err != nil || behind < 0 {
		return 0, 0, fmt.Errorf("invalid rev-list count output: %q", output)
	}
	if ahead, err = strconv.Atoi(fields[1]); err != nil || ahead < 0 {
		return 0, 0, fmt.Errorf("invalid rev-list count output: %q", output)
	}
	return behind, ahead, nil
}

// ParseLastCommit parses `git log -1 --format=%ct%x09%s` output into the
// commit time and subject line.
func ParseLastCommit(output string) (time.Time, string, error) {
	line := strings.TrimSpace(output)
	if line == "" {
		return time.Time{}, "", fmt.Errorf("empty git log output")
	}
	epoch, message, _ := strings.Cut(line, "\t")
	sec, err := strconv.ParseInt(strings.TrimSpace(epoch), 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}, "", fmt.Errorf("invalid git log output: %q", output)
	}
	return time.Unix(sec, 0).UTC(), strings.TrimSpace(message), nil
}

// Package db is the sqlite-backed state store. Observer-ingestion writers
// and engine readers share it without coordination: readers classify whatever
// snapshot is visible, and the only write-ordering rule is last-write-wins
// per (node_id, repo_id) keyed on last_seen.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Kodiack54/driftboard/internal/model"
)

var (
	ErrDuplicate  = errors.New("duplicate")
	ErrNotFound   = errors.New("not found")
	ErrOutOfOrder = errors.New("out of order")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) UpsertRepo(ctx context.Context, entry model.RegistryEntry) error {
	if entry.RepoID == "" {
		return fmt.Errorf("repo_id required")
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	if entry.FamilySource == "" {
		entry.FamilySource = model.FamilyConfigured
	}
	if entry.DisplayName == "" {
		entry.DisplayName = entry.RepoID
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO repos(repo_id, display_name, group_name, project_slug, github_url, server_path, pc_path, family_key, family_source, is_active, auto_discovered, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(repo_id) DO UPDATE SET
	display_name=excluded.display_name,
	group_name=excluded.group_name,
	project_slug=excluded.project_slug,
	github_url=excluded.github_url,
	server_path=excluded.server_path,
	pc_path=excluded.pc_path,
	family_key=excluded.family_key,
	family_source=excluded.family_source,
	is_active=excluded.is_active,
	auto_discovered=excluded.auto_discovered,
	updated_at=excluded.updated_at
`, entry.RepoID, entry.DisplayName, entry.GroupName, entry.ProjectSlug, entry.GitHubURL, entry.ServerPath, entry.PCPath,
		entry.FamilyKey, string(entry.FamilySource), boolToInt(entry.IsActive), boolToInt(entry.AutoDiscovered), ts(entry.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert repo: %w", err)
	}
	return nil
}

func (s *Store) GetRepo(ctx context.Context, repoID string) (model.RegistryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT repo_id, display_name, group_name, project_slug, github_url, server_path, pc_path, family_key, family_source, is_active, auto_discovered, updated_at
FROM repos WHERE repo_id = ?`, repoID)
	return scanRepo(row)
}

func (s *Store) ListRepos(ctx context.Context) ([]model.RegistryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT repo_id, display_name, group_name, project_slug, github_url, server_path, pc_path, family_key, family_source, is_active, auto_discovered, updated_at
FROM repos ORDER BY repo_id`)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var entries []model.RegistryEntry
	for rows.Next() {
		entry, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepo(row rowScanner) (model.RegistryEntry, error) {
	var entry model.RegistryEntry
	var source, updatedAt string
	var isActive, autoDiscovered int
	err := row.Scan(&entry.RepoID, &entry.DisplayName, &entry.GroupName, &entry.ProjectSlug, &entry.GitHubURL,
		&entry.ServerPath, &entry.PCPath, &entry.FamilyKey, &source, &isActive, &autoDiscovered, &updatedAt)
	if err == sql.ErrNoRows {
		return entry, ErrNotFound
	}
	if err != nil {
		return entry, fmt.Errorf("scan repo: %w", err)
	}
	entry.FamilySource = model.FamilySource(source)
	entry.IsActive = isActive != 0
	entry.AutoDiscovered = autoDiscovered != 0
	if entry.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return entry, fmt.Errorf("parse repo updated_at: %w", err)
	}
	return entry, nil
}

// UpsertGitState applies the monotonic last-seen rule: a report older than
// the stored row is discarded and ErrOutOfOrder is returned, never an
// overwrite of newer data.
func (s *Store) UpsertGitState(ctx context.Context, state model.NodeGitState) error {
	if state.NodeID == "" || state.RepoID == "" {
		return fmt.Errorf("node_id and repo_id required")
	}
	if state.LastSeen.IsZero() {
		state.LastSeen = time.Now().UTC()
	}
	var lastCommit, originSince any
	if !state.LastCommitTime.IsZero() {
		lastCommit = ts(state.LastCommitTime)
	}
	if state.OriginErrorSince != nil {
		originSince = ts(*state.OriginErrorSince)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO git_states(node_id, repo_id, role, path, branch, head, head_short, dirty, ahead, behind, last_commit_message, last_commit_time, origin_error, origin_error_since, path_missing, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(node_id, repo_id) DO UPDATE SET
	role=excluded.role,
	path=excluded.path,
	branch=excluded.branch,
	head=excluded.head,
	head_short=excluded.head_short,
	dirty=excluded.dirty,
	ahead=excluded.ahead,
	behind=excluded.behind,
	last_commit_message=excluded.last_commit_message,
	last_commit_time=excluded.last_commit_time,
	origin_error=excluded.origin_error,
	origin_error_since=excluded.origin_error_since,
	path_missing=excluded.path_missing,
	last_seen=excluded.last_seen
WHERE excluded.last_seen >= git_states.last_seen
`, state.NodeID, state.RepoID, string(state.Role), state.Path, state.Branch, state.Head, state.HeadShort,
		boolToInt(state.Dirty), state.Ahead, state.Behind, state.LastCommitMessage, lastCommit,
		boolToInt(state.OriginError), originSince, boolToInt(state.PathMissing), ts(state.LastSeen))
	if err != nil {
		return fmt.Errorf("upsert git state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert git state rows: %w", err)
	}
	if affected == 0 {
		return ErrOutOfOrder
	}
	return nil
}

func (s *Store) GetGitState(ctx context.Context, nodeID, repoID string) (model.NodeGitState, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT node_id, repo_id, role, path, branch, head, head_short, dirty, ahead, behind, last_commit_message, last_commit_time, origin_error, origin_error_since, path_missing, last_seen
FROM git_states WHERE node_id = ? AND repo_id = ?`, nodeID, repoID)
	st, err := scanGitState(row.Scan)
	if err == sql.ErrNoRows {
		return model.NodeGitState{}, ErrNotFound
	}
	return st, err
}

// ListGitStates returns every stored state ordered so the newest report per
// (repo, role) comes first, letting callers keep the first hit per pair side.
func (s *Store) ListGitStates(ctx context.Context) ([]model.NodeGitState, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT node_id, repo_id, role, path, branch, head, head_short, dirty, ahead, behind, last_commit_message, last_commit_time, origin_error, origin_error_since, path_missing, last_seen
FROM git_states ORDER BY repo_id, role, last_seen DESC, node_id`)
	if err != nil {
		return nil, fmt.Errorf("list git states: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var states []model.NodeGitState
	for rows.Next() {
		st, err := scanGitState(rows.Scan)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func scanGitState(scan func(dest ...any) error) (model.NodeGitState, error) {
	var st model.NodeGitState
	var role string
	var dirty, originError, pathMissing int
	var lastCommit, originSince sql.NullString
	var lastSeen string
	err := scan(&st.NodeID, &st.RepoID, &role, &st.Path, &st.Branch, &st.Head, &st.HeadShort,
		&dirty, &st.Ahead, &st.Behind, &st.LastCommitMessage, &lastCommit, &originError, &originSince, &pathMissing, &lastSeen)
	if err == sql.ErrNoRows {
		return st, err
	}
	if err != nil {
		return st, fmt.Errorf("scan git state: %w", err)
	}
	st.Role = model.NodeRole(role)
	st.Dirty = dirty != 0
	st.OriginError = originError != 0
	st.PathMissing = pathMissing != 0
	if lastCommit.Valid && lastCommit.String != "" {
		if st.LastCommitTime, err = parseTS(lastCommit.String); err != nil {
			return st, fmt.Errorf("parse last_commit_time: %w", err)
		}
	}
	if originSince.Valid && originSince.String != "" {
		t, err := parseTS(originSince.String)
		if err != nil {
			return st, fmt.Errorf("parse origin_error_since: %w", err)
		}
		st.OriginErrorSince = &t
	}
	if st.LastSeen, err = parseTS(lastSeen); err != nil {
		return st, fmt.Errorf("parse last_seen: %w", err)
	}
	return st, nil
}

func (s *Store) UpsertDBDrift(ctx context.Context, rec model.DBDriftRecord) error {
	if rec.DBKey == "" {
		return fmt.Errorf("db_key required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	var lastOK, detected any
	if rec.LastOKAt != nil {
		lastOK = ts(*rec.LastOKAt)
	}
	if rec.DriftDetectedAt != nil {
		detected = ts(*rec.DriftDetectedAt)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO db_drift(db_key, status, attention_level, schema_hash, last_error, last_ok_at, drift_detected_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(db_key) DO UPDATE SET
	status=excluded.status,
	attention_level=excluded.attention_level,
	schema_hash=excluded.schema_hash,
	last_error=excluded.last_error,
	last_ok_at=excluded.last_ok_at,
	drift_detected_at=excluded.drift_detected_at,
	updated_at=excluded.updated_at
`, rec.DBKey, rec.Status, string(rec.AttentionLevel), rec.SchemaHash, rec.LastError, lastOK, detected, ts(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert db drift: %w", err)
	}
	return nil
}

func (s *Store) ListDBDrift(ctx context.Context) ([]model.DBDriftRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT db_key, status, attention_level, schema_hash, last_error, last_ok_at, drift_detected_at, updated_at
FROM db_drift ORDER BY db_key`)
	if err != nil {
		return nil, fmt.Errorf("list db drift: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var recs []model.DBDriftRecord
	for rows.Next() {
		var rec model.DBDriftRecord
		var level string
		var lastOK, detected sql.NullString
		var updatedAt string
		if err := rows.Scan(&rec.DBKey, &rec.Status, &level, &rec.SchemaHash, &rec.LastError, &lastOK, &detected, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan db drift: %w", err)
		}
		rec.AttentionLevel = model.AttentionLevel(level)
		if lastOK.Valid && lastOK.String != "" {
			t, err := parseTS(lastOK.String)
			if err != nil {
				return nil, fmt.Errorf("parse last_ok_at: %w", err)
			}
			rec.LastOKAt = &t
		}
		if detected.Valid && detected.String != "" {
			t, err := parseTS(detected.String)
			if err != nil {
				return nil, fmt.Errorf("parse drift_detected_at: %w", err)
			}
			rec.DriftDetectedAt = &t
		}
		if rec.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, fmt.Errorf("parse db drift updated_at: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) UpsertNode(ctx context.Context, node model.NodeHealth) error {
	if node.NodeID == "" {
		return fmt.Errorf("node_id required")
	}
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = time.Now().UTC()
	}
	if node.LastReportAt.IsZero() {
		node.LastReportAt = node.UpdatedAt
	}
	if node.Health == "" {
		node.Health = model.NodeHealthOK
	}
	if node.Kind == "" {
		node.Kind = model.NodeKindLocal
	}
	var firstAnomaly any
	if node.FirstAnomalyAt != nil {
		firstAnomaly = ts(*node.FirstAnomalyAt)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO nodes(node_id, role, kind, connection_ref, running_count, stopped_count, errored_count, health, first_anomaly_at, last_report_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(node_id) DO UPDATE SET
	role=excluded.role,
	kind=excluded.kind,
	connection_ref=excluded.connection_ref,
	running_count=excluded.running_count,
	stopped_count=excluded.stopped_count,
	errored_count=excluded.errored_count,
	health=excluded.health,
	first_anomaly_at=excluded.first_anomaly_at,
	last_report_at=excluded.last_report_at,
	updated_at=excluded.updated_at
`, node.NodeID, string(node.Role), string(node.Kind), node.ConnectionRef, node.RunningCount, node.StoppedCount,
		node.ErroredCount, string(node.Health), firstAnomaly, ts(node.LastReportAt), ts(node.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

func (s *Store) GetNode(ctx context.Context, nodeID string) (model.NodeHealth, error) {
	nodes, err := s.listNodes(ctx, `WHERE node_id = ?`, nodeID)
	if err != nil {
		return model.NodeHealth{}, err
	}
	if len(nodes) == 0 {
		return model.NodeHealth{}, ErrNotFound
	}
	return nodes[0], nil
}

func (s *Store) ListNodes(ctx context.Context) ([]model.NodeHealth, error) {
	return s.listNodes(ctx, ``)
}

func (s *Store) listNodes(ctx context.Context, where string, args ...any) ([]model.NodeHealth, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT node_id, role, kind, connection_ref, running_count, stopped_count, errored_count, health, first_anomaly_at, last_report_at, updated_at
FROM nodes `+where+` ORDER BY node_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var nodes []model.NodeHealth
	for rows.Next() {
		var node model.NodeHealth
		var role, kind, health string
		var firstAnomaly sql.NullString
		var lastReport, updatedAt string
		if err := rows.Scan(&node.NodeID, &role, &kind, &node.ConnectionRef, &node.RunningCount, &node.StoppedCount,
			&node.ErroredCount, &health, &firstAnomaly, &lastReport, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		node.Role = model.NodeRole(role)
		node.Kind = model.NodeKind(kind)
		node.Health = model.NodeHealthState(health)
		if firstAnomaly.Valid && firstAnomaly.String != "" {
			t, err := parseTS(firstAnomaly.String)
			if err != nil {
				return nil, fmt.Errorf("parse first_anomaly_at: %w", err)
			}
			node.FirstAnomalyAt = &t
		}
		if node.LastReportAt, err = parseTS(lastReport); err != nil {
			return nil, fmt.Errorf("parse last_report_at: %w", err)
		}
		if node.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, fmt.Errorf("parse node updated_at: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func (s *Store) InsertSyncAction(ctx context.Context, action model.SyncAction) error {
	if action.ActionID == "" {
		return fmt.Errorf("action_id required")
	}
	results, err := json.Marshal(action.Results)
	if err != nil {
		return fmt.Errorf("marshal sync results: %w", err)
	}
	var completed any
	if action.CompletedAt != nil {
		completed = ts(*action.CompletedAt)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sync_actions(action_id, family_key, desired_head, requested_at, completed_at, results_json)
VALUES (?, ?, ?, ?, ?, ?)
`, action.ActionID, action.FamilyKey, action.DesiredHead, ts(action.RequestedAt), completed, string(results))
	if err != nil {
		return fmt.Errorf("insert sync action: %w", err)
	}
	return nil
}

func (s *Store) GetSyncAction(ctx context.Context, actionID string) (model.SyncAction, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT action_id, family_key, desired_head, requested_at, completed_at, results_json
FROM sync_actions WHERE action_id = ?`, actionID)
	var action model.SyncAction
	var requested string
	var completed sql.NullString
	var results string
	err := row.Scan(&action.ActionID, &action.FamilyKey, &action.DesiredHead, &requested, &completed, &results)
	if err == sql.ErrNoRows {
		return action, ErrNotFound
	}
	if err != nil {
		return action, fmt.Errorf("scan sync action: %w", err)
	}
	if action.RequestedAt, err = parseTS(requested); err != nil {
		return action, fmt.Errorf("parse requested_at: %w", err)
	}
	if completed.Valid && completed.String != "" {
		t, err := parseTS(completed.String)
		if err != nil {
			return action, fmt.Errorf("parse completed_at: %w", err)
		}
		action.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(results), &action.Results); err != nil {
		return action, fmt.Errorf("unmarshal sync results: %w", err)
	}
	return action, nil
}

func (s *Store) PurgeSyncActions(ctx context.Context, cutoff time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_actions WHERE requested_at < ?`, ts(cutoff)); err != nil {
		return fmt.Errorf("purge sync actions: %w", err)
	}
	return nil
}

// Drift marks cache the first-detected time of the current non-green run per
// repo. They feed attention-item ages only; classification never reads them.

func (s *Store) MarkDrift(ctx context.Context, repoID string, state model.SyncStatus, firstDetected time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO drift_marks(repo_id, state, first_detected_at)
VALUES (?, ?, ?)
ON CONFLICT(repo_id) DO UPDATE SET state=excluded.state
`, repoID, string(state), ts(firstDetected))
	if err != nil {
		return fmt.Errorf("mark drift: %w", err)
	}
	return nil
}

func (s *Store) ClearDrift(ctx context.Context, repoID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM drift_marks WHERE repo_id = ?`, repoID); err != nil {
		return fmt.Errorf("clear drift: %w", err)
	}
	return nil
}

func (s *Store) ListDriftMarks(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT repo_id, first_detected_at FROM drift_marks`)
	if err != nil {
		return nil, fmt.Errorf("list drift marks: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	marks := map[string]time.Time{}
	for rows.Next() {
		var repoID, first string
		if err := rows.Scan(&repoID, &first); err != nil {
			return nil, fmt.Errorf("scan drift mark: %w", err)
		}
		t, err := parseTS(first)
		if err != nil {
			return nil, fmt.Errorf("parse first_detected_at: %w", err)
		}
		marks[repoID] = t
	}
	return marks, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Timestamps are compared as strings in SQL (the last_seen guard, ORDER BY,
// retention cutoffs), so they must be stored fixed-width. RFC3339Nano drops
// trailing zeros and whole-second values sort after sub-second ones.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

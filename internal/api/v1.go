// Package api defines the JSON wire types for the v1 socket API. Every
// response carries schema_version and generated_at; generated_at is the
// single "now" the handler fixed for the whole request.
package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type GitStateItem struct {
	NodeID            string  `json:"node_id"`
	Role              string  `json:"role"`
	Path              string  `json:"path,omitempty"`
	Branch            string  `json:"branch,omitempty"`
	Head              string  `json:"head,omitempty"`
	HeadShort         string  `json:"head_short,omitempty"`
	Dirty             bool    `json:"dirty"`
	Ahead             int     `json:"ahead"`
	Behind            int     `json:"behind"`
	LastCommitMessage string  `json:"last_commit_message,omitempty"`
	LastCommitTime    *string `json:"last_commit_time,omitempty"`
	OriginError       bool    `json:"origin_error,omitempty"`
	OriginErrorSince  *string `json:"origin_error_since,omitempty"`
	PathMissing       bool    `json:"path_missing,omitempty"`
	LastSeen          string  `json:"last_seen"`
}

type SyncBlockItem struct {
	State   string   `json:"state"`
	Reasons []string `json:"reasons"`
}

type RepoSummaryItem struct {
	RepoID       string        `json:"repo_id"`
	DisplayName  string        `json:"display_name"`
	GroupName    string        `json:"group_name,omitempty"`
	ProjectSlug  string        `json:"project_slug,omitempty"`
	FamilyKey    string        `json:"family_key,omitempty"`
	FamilySource string        `json:"family_source,omitempty"`
	Server       *GitStateItem `json:"server,omitempty"`
	PC           *GitStateItem `json:"pc,omitempty"`
	Sync         SyncBlockItem `json:"sync"`
	DriftSince   *string       `json:"drift_since,omitempty"`
}

type InstanceItem struct {
	RepoID         string  `json:"repo_id"`
	DisplayName    string  `json:"display_name"`
	Head           string  `json:"head,omitempty"`
	HeadShort      string  `json:"head_short,omitempty"`
	Dirty          bool    `json:"dirty"`
	Online         bool    `json:"online"`
	LastCommitTime *string `json:"last_commit_time,omitempty"`
}

type FamilyRollupItem struct {
	State              string   `json:"state"`
	InSyncCount        int      `json:"in_sync_count"`
	OutOfSyncInstances []string `json:"out_of_sync_instances,omitempty"`
	DirtyInstances     []string `json:"dirty_instances,omitempty"`
	OfflineInstances   []string `json:"offline_instances,omitempty"`
}

type FamilyItem struct {
	FamilyKey   string           `json:"family_key"`
	Source      string           `json:"source"`
	DesiredHead string           `json:"desired_head,omitempty"`
	Instances   []InstanceItem   `json:"instances"`
	Sync        FamilyRollupItem `json:"sync"`
}

type RepoItem struct {
	RepoID         string `json:"repo_id"`
	DisplayName    string `json:"display_name"`
	GroupName      string `json:"group_name,omitempty"`
	ProjectSlug    string `json:"project_slug,omitempty"`
	GitHubURL      string `json:"github_url,omitempty"`
	ServerPath     string `json:"server_path,omitempty"`
	PCPath         string `json:"pc_path,omitempty"`
	FamilyKey      string `json:"family_key,omitempty"`
	FamilySource   string `json:"family_source,omitempty"`
	IsActive       bool   `json:"is_active"`
	AutoDiscovered bool   `json:"auto_discovered,omitempty"`
	UpdatedAt      string `json:"updated_at"`
}

type ListEnvelope[T any] struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Filters       map[string]any `json:"filters"`
	Counts        map[string]int `json:"counts,omitempty"`
	Items         []T            `json:"items"`
}

type AttentionItemResponse struct {
	Type        string         `json:"type"`
	EntityID    string         `json:"entity_id"`
	Level       string         `json:"level"`
	AgeSeconds  int64          `json:"age_seconds"`
	Summary     string         `json:"summary"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

type SourceError struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

type AttentionEnvelope struct {
	SchemaVersion string                  `json:"schema_version"`
	GeneratedAt   time.Time               `json:"generated_at"`
	Overall       string                  `json:"overall"`
	Items         []AttentionItemResponse `json:"items"`
	SourceErrors  []SourceError           `json:"source_errors,omitempty"`
}

type SyncResultItem struct {
	RepoID     string `json:"repo_id"`
	NodeID     string `json:"node_id,omitempty"`
	Result     string `json:"result"`
	Message    string `json:"message,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type SyncActionResponse struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	ActionID      string           `json:"action_id"`
	FamilyKey     string           `json:"family_key"`
	DesiredHead   string           `json:"desired_head"`
	RequestedAt   string           `json:"requested_at"`
	CompletedAt   *string          `json:"completed_at,omitempty"`
	Results       []SyncResultItem `json:"results"`
}

// GitReportRequest mirrors one observer snapshot. Absent ahead/behind counts
// decode as zero, matching the "absent means zero, never unknown" contract.
type GitReportRequest struct {
	NodeID            string  `json:"node_id"`
	RepoID            string  `json:"repo_id"`
	Role              string  `json:"role"`
	Path              string  `json:"path,omitempty"`
	Branch            string  `json:"branch,omitempty"`
	Head              string  `json:"head,omitempty"`
	Dirty             bool    `json:"dirty,omitempty"`
	Ahead             int     `json:"ahead,omitempty"`
	Behind            int     `json:"behind,omitempty"`
	LastCommitMessage string  `json:"last_commit_message,omitempty"`
	LastCommitTime    *string `json:"last_commit_time,omitempty"`
	OriginError       bool    `json:"origin_error,omitempty"`
	OriginErrorSince  *string `json:"origin_error_since,omitempty"`
	PathMissing       bool    `json:"path_missing,omitempty"`
	LastSeen          *string `json:"last_seen,omitempty"`
}

type DBReportRequest struct {
	DBKey           string  `json:"db_key"`
	Status          string  `json:"status"`
	AttentionLevel  string  `json:"attention_level,omitempty"`
	SchemaHash      string  `json:"schema_hash,omitempty"`
	LastError       string  `json:"last_error,omitempty"`
	LastOKAt        *string `json:"last_ok_at,omitempty"`
	DriftDetectedAt *string `json:"drift_detected_at,omitempty"`
}

type NodeReportRequest struct {
	NodeID        string `json:"node_id"`
	Role          string `json:"role,omitempty"`
	Kind          string `json:"kind"`
	ConnectionRef string `json:"connection_ref,omitempty"`
	RunningCount  int    `json:"running_count"`
	StoppedCount  int    `json:"stopped_count"`
	ErroredCount  int    `json:"errored_count"`
}

type ReportResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

type RepoUpsertRequest struct {
	RepoID      string `json:"repo_id"`
	DisplayName string `json:"display_name,omitempty"`
	GroupName   string `json:"group_name,omitempty"`
	ProjectSlug string `json:"project_slug,omitempty"`
	GitHubURL   string `json:"github_url,omitempty"`
	ServerPath  string `json:"server_path,omitempty"`
	PCPath      string `json:"pc_path,omitempty"`
	FamilyKey   string `json:"family_key,omitempty"`
	IsActive    *bool  `json:"is_active,omitempty"`
}

type RepoUpsertResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Repo          RepoItem  `json:"repo"`
}

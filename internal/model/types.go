package model

import "time"

// SyncStatus is the classified synchronization status of a repo pair or a
// family rollup. Exactly one status applies at any time.
type SyncStatus string

const (
	StatusRed    SyncStatus = "red"
	StatusOrange SyncStatus = "orange"
	StatusYellow SyncStatus = "yellow"
	StatusGray   SyncStatus = "gray"
	StatusGreen  SyncStatus = "green"
)

// StatusSeverity orders statuses for sorting, most severe first.
var StatusSeverity = map[SyncStatus]int{
	StatusRed:    1,
	StatusOrange: 2,
	StatusYellow: 3,
	StatusGray:   4,
	StatusGreen:  5,
}

// KnownStatuses lists the accepted status filter values in severity order.
var KnownStatuses = []SyncStatus{StatusRed, StatusOrange, StatusYellow, StatusGray, StatusGreen}

// SyncReason is a cause attached to a non-green status. Reasons are
// non-exclusive; a status can carry several at once.
type SyncReason string

const (
	ReasonHashMismatch      SyncReason = "hash_mismatch"
	ReasonServerDirty       SyncReason = "server_dirty"
	ReasonPCDirty           SyncReason = "pc_dirty"
	ReasonAhead             SyncReason = "ahead"
	ReasonBehind            SyncReason = "behind"
	ReasonDiverged          SyncReason = "diverged"
	ReasonWrongBranch       SyncReason = "wrong_branch"
	ReasonServerOffline     SyncReason = "server_offline"
	ReasonPCOffline         SyncReason = "pc_offline"
	ReasonServerMissing     SyncReason = "server_missing"
	ReasonPCMissing         SyncReason = "pc_missing"
	ReasonOriginUnreachable SyncReason = "origin_unreachable"
	ReasonAwaitingConfig    SyncReason = "awaiting_config"
	ReasonMissingPaths      SyncReason = "missing_paths"
)

// NodeRole identifies which observer produced a report.
type NodeRole string

const (
	RoleServer NodeRole = "server"
	RolePC     NodeRole = "pc"
)

// FamilySource records whether a family key was configured explicitly or
// inferred from a name pattern during migration.
type FamilySource string

const (
	FamilyConfigured FamilySource = "configured"
	FamilyInferred   FamilySource = "inferred"
)

type AttentionType string

const (
	AttentionGit     AttentionType = "git"
	AttentionDB      AttentionType = "db"
	AttentionDroplet AttentionType = "droplet"
)

type AttentionLevel string

const (
	LevelWarn   AttentionLevel = "warn"
	LevelUrgent AttentionLevel = "urgent"
)

// NodeKind selects how remote commands reach a node.
type NodeKind string

const (
	NodeKindLocal NodeKind = "local"
	NodeKindSSH   NodeKind = "ssh"
)

type NodeHealthState string

const (
	NodeHealthOK       NodeHealthState = "ok"
	NodeHealthDegraded NodeHealthState = "degraded"
	NodeHealthDown     NodeHealthState = "down"
)

// NodeGitState is a single observer's report for one repository at one point
// in time. Ahead/Behind are non-negative; an absent count is zero, never
// unknown. Unknown-ness is expressed only through offline/missing reasons.
type NodeGitState struct {
	NodeID            string
	RepoID            string
	Role              NodeRole
	Path              string
	Branch            string
	Head              string
	HeadShort         string
	Dirty             bool
	Ahead             int
	Behind            int
	LastCommitMessage string
	LastCommitTime    time.Time
	OriginError       bool
	OriginErrorSince  *time.Time
	PathMissing       bool
	LastSeen          time.Time
}

// RegistryEntry is the stored metadata for one repository identity.
type RegistryEntry struct {
	RepoID         string
	DisplayName    string
	GroupName      string
	ProjectSlug    string
	GitHubURL      string
	ServerPath     string
	PCPath         string
	FamilyKey      string
	FamilySource   FamilySource
	IsActive       bool
	AutoDiscovered bool
	UpdatedAt      time.Time
}

// Configured reports whether the entry has been wired up enough to judge
// drift: a remote URL plus both observer paths.
func (e RegistryEntry) Configured() bool {
	return e.GitHubURL != "" && e.ServerPath != "" && e.PCPath != ""
}

// SyncBlock is the computed classification for one repo pair. It is a pure
// function of the two input states and the thresholds; cached for display,
// never stored as authoritative.
type SyncBlock struct {
	State   SyncStatus
	Reasons []SyncReason
}

// RepoPairSummary is the reconciliation unit: one repository identity with at
// most one current server state and one current pc state.
type RepoPairSummary struct {
	RepoID       string
	DisplayName  string
	GroupName    string
	ProjectSlug  string
	FamilyKey    string
	FamilySource FamilySource
	Server       *NodeGitState
	PC           *NodeGitState
	Sync         SyncBlock
	// DriftSince is when the current non-green run was first observed.
	// Display cache only; classification never reads it.
	DriftSince *time.Time
}

// InstanceState is one family member's view in a FamilySummary.
type InstanceState struct {
	RepoID         string
	DisplayName    string
	Head           string
	HeadShort      string
	Dirty          bool
	Online         bool
	LastCommitTime time.Time
}

type FamilyRollup struct {
	State              SyncStatus
	InSyncCount        int
	OutOfSyncInstances []string
	DirtyInstances     []string
	OfflineInstances   []string
}

// FamilySummary aggregates repo instances sharing a family key. DesiredHead
// is the head the plurality of online instances agree on; empty when no
// instance is online.
type FamilySummary struct {
	FamilyKey   string
	Source      FamilySource
	DesiredHead string
	Instances   []InstanceState
	Sync        FamilyRollup
}

// DBDriftRecord is one database-schema drift row as reported upstream.
type DBDriftRecord struct {
	DBKey           string
	Status          string
	AttentionLevel  AttentionLevel
	SchemaHash      string
	LastError       string
	LastOKAt        *time.Time
	DriftDetectedAt *time.Time
	UpdatedAt       time.Time
}

// NodeHealth is one node's registry row: how to reach it, its latest process
// summary, and the derived health state.
type NodeHealth struct {
	NodeID         string
	Role           NodeRole
	Kind           NodeKind
	ConnectionRef  string
	RunningCount   int
	StoppedCount   int
	ErroredCount   int
	Health         NodeHealthState
	FirstAnomalyAt *time.Time
	LastReportAt   time.Time
	UpdatedAt      time.Time
}

// AttentionItem is a normalized, severity-tagged anomaly for operator triage.
// Always derived from current classified state, never persisted.
type AttentionItem struct {
	Type        AttentionType
	EntityID    string
	Level       AttentionLevel
	AgeSeconds  int64
	Summary     string
	Diagnostics map[string]any
}

type SyncResultCode string

const (
	SyncResultSuccess SyncResultCode = "success"
	SyncResultFailure SyncResultCode = "failure"
)

// SyncInstanceResult is one instance's outcome within a family sync. A
// timed-out remote exec is a failure, never indeterminate.
type SyncInstanceResult struct {
	RepoID     string
	NodeID     string
	Result     SyncResultCode
	Message    string
	DurationMS int64
}

// SyncAction is the persisted audit record of one family-sync dispatch.
type SyncAction struct {
	ActionID    string
	FamilyKey   string
	DesiredHead string
	RequestedAt time.Time
	CompletedAt *time.Time
	Results     []SyncInstanceResult
}

// Error codes defined by API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrFilterInvalid      = "E_FILTER_INVALID"
	ErrOutOfOrderReport   = "E_REPORT_OUT_OF_ORDER"
	ErrFamilyNoQuorum     = "E_FAMILY_NO_QUORUM"
	ErrNodeUnreachable    = "E_NODE_UNREACHABLE"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
)

// Package v1 defines the wire/persistence data model shared across the
// orchestrator core: tickets, agent runs, activity entries, and the
// aggregates the store and application state expose to callers.
package v1

import "time"

// WorkflowState is one of the orchestrator's named ticket states. The
// mapping from WorkflowState to a tracker-specific state id is supplied by
// configuration (see config.LinearConfig.States) and resolved once at start.
type WorkflowState string

const (
	StateTriage     WorkflowState = "triage"
	StateReady      WorkflowState = "ready"
	StateInProgress WorkflowState = "in_progress"
	StateInReview   WorkflowState = "in_review"
	StateDone       WorkflowState = "done"
	StateBlocked    WorkflowState = "blocked"
)

// Ticket is the core's view of an issue-tracker item. The core stores only
// the identifier and title; the tracker remains the source of truth for
// every other field (priority, description, labels, relations).
type Ticket struct {
	ID         string `json:"id"`         // opaque tracker id
	Identifier string `json:"identifier"` // human identifier, e.g. "ENG-12"
	Title      string `json:"title"`
	Priority   int    `json:"priority"`
}

// RunStatus is the terminal or live status of an agent run.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "completed"
	RunFailed   RunStatus = "failed"
	RunTimedOut RunStatus = "timed_out"
)

// RunType distinguishes which component launched an agent run.
type RunType string

const (
	RunTypeExecutor    RunType = "executor"
	RunTypeFixer       RunType = "fixer"
	RunTypeReview      RunType = "review"
	RunTypePlanning    RunType = "planning"
	RunTypeProjectOwner RunType = "project-owner"
)

// ActivityType classifies a single activity log entry.
type ActivityType string

const (
	ActivityToolUse ActivityType = "tool_use"
	ActivityText    ActivityType = "text"
	ActivityResult  ActivityType = "result"
	ActivityError   ActivityType = "error"
	ActivityStatus  ActivityType = "status"
)

// MaxActivitiesPerAgent is the invariant cap (I4): activity lists never grow
// past this; older entries are dropped at every call site that appends.
const MaxActivitiesPerAgent = 200

// MaxHistoryInMemory is the invariant cap (I5) on the in-memory completed
// run history; the full history lives in the store.
const MaxHistoryInMemory = 50

// Activity is one entry in an agent's bounded activity list.
type Activity struct {
	TimestampMs int64        `json:"timestamp_ms"`
	Type        ActivityType `json:"type"`
	Summary     string       `json:"summary"` // <=200 chars
	Detail      string       `json:"detail,omitempty"`
	IsSubagent  bool         `json:"is_subagent,omitempty"`
}

// AgentMeta carries the optional completion fields attached when an agent
// finishes (success or failure).
type AgentMeta struct {
	CostUsd    float64 `json:"cost_usd,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
	Error      string  `json:"error,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
	ExitReason string  `json:"exit_reason,omitempty"`
	RunType    RunType `json:"run_type,omitempty"`
}

// Agent is a live or recently-completed agent record. Agent id is
// process-local and never reused (I1, I2).
type Agent struct {
	ID             string     `json:"id"`
	TicketID       string     `json:"ticket_id"`
	TicketTitle    string     `json:"ticket_title"`
	TrackerIssueID string     `json:"tracker_issue_id,omitempty"`
	StartedAtMs    int64      `json:"started_at_ms"`
	Status         RunStatus  `json:"status"`
	Activities     []Activity `json:"activities"`
	Meta           *AgentMeta `json:"meta,omitempty"`
}

// RunResult is what gets persisted when an agent completes: the agent
// record's fields plus the finished timestamp and optional review marker.
type RunResult struct {
	ID             string     `json:"id" db:"id"`
	TicketID       string     `json:"ticket_id" db:"ticket_id"`
	TicketTitle    string     `json:"ticket_title" db:"ticket_title"`
	TrackerIssueID string     `json:"tracker_issue_id,omitempty" db:"linear_issue_id"`
	StartedAtMs    int64      `json:"started_at_ms" db:"started_at_ms"`
	FinishedAtMs   int64      `json:"finished_at_ms" db:"finished_at_ms"`
	Status         RunStatus  `json:"status" db:"status"`
	CostUsd        float64    `json:"cost_usd,omitempty" db:"cost_usd"`
	DurationMs     int64      `json:"duration_ms,omitempty" db:"duration_ms"`
	NumTurns       int        `json:"num_turns,omitempty" db:"num_turns"`
	Error          string     `json:"error,omitempty" db:"error"`
	SessionID      string     `json:"session_id,omitempty" db:"session_id"`
	ExitReason     string     `json:"exit_reason,omitempty" db:"exit_reason"`
	RunType        RunType    `json:"run_type" db:"run_type"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty" db:"reviewed_at"`
}

// QueueSnapshot is updated after every executor poll.
type QueueSnapshot struct {
	ReadyCount       int   `json:"ready_count"`
	InProgressCount  int   `json:"in_progress_count"`
	LastCheckedAtMs  int64 `json:"last_checked_at_ms"`
}

// SpendEntry is one cost observation in the bounded in-memory spend log.
type SpendEntry struct {
	TimestampMs int64   `json:"timestamp_ms"`
	CostUsd     float64 `json:"cost_usd"`
}

// MaxSpendLogAgeDays bounds the in-memory spend log (eviction on insert).
const MaxSpendLogAgeDays = 32

// MaxIssueFailureEntries caps the per-ticket failure counter map (oldest
// insertion evicted on overflow).
const MaxIssueFailureEntries = 1000

// BreakerState is a circuit breaker's current state for one remote service.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerHalfOpen BreakerState = "half_open"
	BreakerOpen     BreakerState = "open"
)

// Service identifies a remote dependency the breaker tracks independently.
type Service string

const (
	ServiceIssueTracker Service = "issue-tracker"
	ServiceCodeHost     Service = "code-host"
)

// OAuthToken is a per-service OAuth credential row, replaced in place.
type OAuthToken struct {
	Service      string `json:"service" db:"service"`
	AccessToken  string `json:"access_token" db:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty" db:"refresh_token"`
	ExpiresAtMs  int64  `json:"expires_at_ms" db:"expires_at_ms"`
	TokenType    string `json:"token_type" db:"token_type"`
	Scope        string `json:"scope,omitempty" db:"scope"`
	Actor        string `json:"actor,omitempty" db:"actor"`
	UpdatedAtMs  int64  `json:"updated_at_ms" db:"updated_at_ms"`
}

// APIHealth snapshots the breaker registry for the two tracked services.
type APIHealth struct {
	IssueTracker BreakerState `json:"issue_tracker"`
	CodeHost     BreakerState `json:"code_host"`
}

// StateSnapshot is the full toJSON() view of application state (§4.8).
type StateSnapshot struct {
	LiveAgents []Agent       `json:"live_agents"`
	History    []RunResult   `json:"history"`
	Queue      QueueSnapshot `json:"queue"`
	Paused     bool          `json:"paused"`
	DailySpend float64       `json:"daily_spend"`
	MonthlySpend float64     `json:"monthly_spend"`
	APIHealth  APIHealth     `json:"api_health"`
}

// BudgetCheck is the result of a budget-limit check.
type BudgetCheck struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

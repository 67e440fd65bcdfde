// Package tracker implements the issue-tracker collaborator (Linear): ready
// ticket discovery (leaf issues only, ordered by priority then age), state
// transitions, PR-attachment lookup for the Monitor/Fixer, and comment
// posting. It knows nothing about agent runs or code hosts.
package tracker

import (
	"context"
	"time"

	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// StateNames is the configured mapping of workflow states to tracker state
// names (config.linear.states.*), resolved once at start via ResolveStates.
type StateNames struct {
	Triage     string
	Ready      string
	InProgress string
	InReview   string
	Done       string
	Blocked    string
}

// StateIDs is the tracker's opaque ids for each workflow state, resolved
// once at start and held for the lifetime of the process.
type StateIDs struct {
	Triage     string
	Ready      string
	InProgress string
	InReview   string
	Done       string
	Blocked    string
}

// Filter scopes ticket queries to a team/initiative/label/project set
// (config.linear.{team,initiative,labels,projects}).
type Filter struct {
	TeamID       string
	InitiativeID string
	Labels       []string
	ProjectIDs   []string
}

// Attachment is a PR URL recorded on a ticket, together with when it was
// attached (used to detect "new push" vs. an already-handled review cycle).
type Attachment struct {
	URL       string
	UpdatedAt time.Time
}

// Client is the narrow surface the Executor and Monitor/Fixer depend on.
type Client interface {
	// IsAuthenticated checks that the configured API key is valid.
	IsAuthenticated(ctx context.Context) (bool, error)

	// ResolveStates maps configured state names to tracker state ids, once
	// at start (§6.2 linear.states).
	ResolveStates(ctx context.Context, filter Filter, names StateNames) (StateIDs, error)

	// ListReadyTickets returns leaf issues (no open children, no unfinished
	// hard predecessor) currently in the ready state, ordered by priority
	// then age (oldest first), newest last. limit <= 0 means no cap.
	ListReadyTickets(ctx context.Context, filter Filter, readyStateID string, limit int) ([]v1.Ticket, error)

	// ListTicketsInState returns tickets currently in the given state,
	// unordered.
	ListTicketsInState(ctx context.Context, filter Filter, stateID string) ([]v1.Ticket, error)

	// GetPRAttachments returns the code-host PR URLs attached to a ticket.
	GetPRAttachments(ctx context.Context, ticketID string) ([]Attachment, error)

	// MoveTicket transitions a ticket to the given state id.
	MoveTicket(ctx context.Context, ticketID, stateID string) error

	// PostComment appends a comment to a ticket (used to describe a
	// blocked-after-retries failure).
	PostComment(ctx context.Context, ticketID, body string) error
}

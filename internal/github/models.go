// Package github implements the code-host collaborator: a narrow client for
// pull-request status, CI check runs, and review feedback, consumed by the
// Monitor/Fixer component. It knows nothing about tickets or agent runs.
package github

import "time"

// PR represents a GitHub Pull Request.
type PR struct {
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	URL         string     `json:"url"`
	HTMLURL     string     `json:"html_url"`
	State       string     `json:"state"` // open, closed, merged
	HeadBranch  string     `json:"head_branch"`
	HeadSHA     string     `json:"head_sha"`
	BaseBranch  string     `json:"base_branch"`
	AuthorLogin string     `json:"author_login"`
	RepoOwner   string     `json:"repo_owner"`
	RepoName    string     `json:"repo_name"`
	Draft       bool       `json:"draft"`
	Mergeable   bool       `json:"mergeable"`
	Additions   int        `json:"additions"`
	Deletions   int        `json:"deletions"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	MergedAt    *time.Time `json:"merged_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`

	RequestedReviewers []RequestedReviewer `json:"requested_reviewers,omitempty"`
}

// RequestedReviewer is a user or team whose review has been requested on a PR.
type RequestedReviewer struct {
	Login string `json:"login"`
	Type  string `json:"type"` // reviewerTypeUser or reviewerTypeTeam
}

// PRReview represents a review on a PR.
type PRReview struct {
	ID           int64     `json:"id"`
	Author       string    `json:"author"`
	AuthorAvatar string    `json:"author_avatar"`
	State        string    `json:"state"` // APPROVED, CHANGES_REQUESTED, COMMENTED, PENDING, DISMISSED
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
}

// PRComment represents a review comment on specific code.
type PRComment struct {
	ID           int64     `json:"id"`
	Author       string    `json:"author"`
	AuthorAvatar string    `json:"author_avatar"`
	Body         string    `json:"body"`
	Path         string    `json:"path"`
	Line         int       `json:"line"`
	Side         string    `json:"side"` // LEFT, RIGHT
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	InReplyTo    *int64    `json:"in_reply_to,omitempty"`
}

// CheckRun represents a single CI check result.
type CheckRun struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`     // queued, in_progress, completed
	Conclusion  string     `json:"conclusion"` // success, failure, neutral, cancelled, timed_out, action_required, skipped
	HTMLURL     string     `json:"html_url"`
	Output      string     `json:"output"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PRFeedback aggregates all feedback for a PR (fetched live from GitHub).
type PRFeedback struct {
	PR        *PR         `json:"pr"`
	Reviews   []PRReview  `json:"reviews"`
	Comments  []PRComment `json:"comments"`
	Checks    []CheckRun  `json:"checks"`
	HasIssues bool        `json:"has_issues"`
}

// RepoFilter identifies a GitHub repository for review-watch filtering.
type RepoFilter struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// Review scope qualifiers for ListReviewRequestedPRs' search filter.
const (
	// ReviewScopeUser matches only PRs where the user is explicitly requested
	// (user-review-requested:@me).
	ReviewScopeUser = "user"
	// ReviewScopeUserAndTeams matches PRs requested from the user or any of
	// their teams (review-requested:@me).
	ReviewScopeUserAndTeams = "user_and_teams"
)

// GitHubOrg represents a GitHub organization the authenticated user belongs to.
type GitHubOrg struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

// GitHubRepo represents a GitHub repository (lightweight, for autocomplete).
type GitHubRepo struct {
	FullName string `json:"full_name"`
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	Private  bool   `json:"private"`
}

// GitHubStatus represents the code-host connection status.
type GitHubStatus struct {
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username"`
	AuthMethod    string `json:"auth_method"` // "gh_cli", "pat", "none"
}

// Package monitor implements the Monitor/Fixer (§4.10): polls tickets in
// review for their attached pull requests, reconciles merge/CI state with
// the tracker, and spawns a fixer agent when CI fails.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/github"
	"github.com/kandev/orchestrator/internal/orchestrator/admission"
	"github.com/kandev/orchestrator/internal/orchestrator/breaker"
	"github.com/kandev/orchestrator/internal/orchestrator/clone"
	"github.com/kandev/orchestrator/internal/orchestrator/runner"
	"github.com/kandev/orchestrator/internal/orchestrator/sanitize"
	"github.com/kandev/orchestrator/internal/orchestrator/state"
	"github.com/kandev/orchestrator/internal/tracker"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// CIStatus is the aggregated status of a PR's check runs (§4.10 step 2).
type CIStatus string

const (
	CISuccess CIStatus = "success"
	CIFailure CIStatus = "failure"
	CIPending CIStatus = "pending"
)

// Config is the subset of monitor/github configuration the Monitor needs.
type Config struct {
	Owner                string
	Repo                 string
	FixerTimeoutMinutes  float64
	MaxFixerAttempts     int
	Model                string
	AgentCommand         []string
	AutoMerge            bool
}

// Monitor implements checkOpenPRs and the fixer dispatch it triggers.
type Monitor struct {
	cfg      Config
	tracker  tracker.Client
	filter   tracker.Filter
	stateIDs tracker.StateIDs
	gh       github.Client
	state    *state.State
	cloneMgr *clone.Manager
	gate     *admission.Gate
	breakers *breaker.Registry
	logger   *logger.Logger

	mu             sync.Mutex
	liveFixers     map[string]bool // ticket id -> a fixer is currently running
	handledReviews map[string]bool // review cycle id -> already handled, must not re-trigger
	automerged     map[string]bool // PR url -> auto-merge already requested
	fixerAttempts  map[string]int  // ticket identifier -> fixers spawned so far
}

// New constructs a Monitor.
func New(cfg Config, trackerClient tracker.Client, filter tracker.Filter, stateIDs tracker.StateIDs, gh github.Client, st *state.State, cloneMgr *clone.Manager, gate *admission.Gate, breakers *breaker.Registry, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.Default()
	}
	return &Monitor{
		cfg:            cfg,
		tracker:        trackerClient,
		filter:         filter,
		stateIDs:       stateIDs,
		gh:             gh,
		state:          st,
		cloneMgr:       cloneMgr,
		gate:           gate,
		breakers:       breakers,
		logger:         log.WithFields(),
		liveFixers:     make(map[string]bool),
		handledReviews: make(map[string]bool),
		automerged:     make(map[string]bool),
		fixerAttempts:  make(map[string]int),
	}
}

type reviewPR struct {
	ticket v1.Ticket
	attachment tracker.Attachment
	pr     *github.PR
}

// CheckOpenPRs implements §4.10 checkOpenPRs.
func (m *Monitor) CheckOpenPRs(ctx context.Context) {
	var tickets []v1.Ticket
	err := m.breakers.Call(ctx, "linear.ListTicketsInState", breaker.Options{Service: v1.ServiceIssueTracker}, func(callCtx context.Context) error {
		var callErr error
		tickets, callErr = m.tracker.ListTicketsInState(callCtx, m.filter, m.stateIDs.InReview)
		return callErr
	})
	if err != nil {
		m.logger.Error("checkOpenPRs: list in-review tickets failed", zap.Error(err))
		return
	}

	for _, ticket := range tickets {
		m.checkTicketPRs(ctx, ticket)
	}
}

func (m *Monitor) checkTicketPRs(ctx context.Context, ticket v1.Ticket) {
	var attachments []tracker.Attachment
	err := m.breakers.Call(ctx, "linear.GetPRAttachments", breaker.Options{Service: v1.ServiceIssueTracker}, func(callCtx context.Context) error {
		var callErr error
		attachments, callErr = m.tracker.GetPRAttachments(callCtx, ticket.ID)
		return callErr
	})
	if err != nil {
		m.logger.Debug("checkOpenPRs: no PR attachments", zap.String("ticket_id", ticket.Identifier), zap.Error(err))
		return
	}

	for _, attachment := range attachments {
		owner, repo, number, ok := parsePRURL(attachment.URL, m.cfg.Owner, m.cfg.Repo)
		if !ok {
			continue
		}

		var pr *github.PR
		err := m.breakers.Call(ctx, "github.GetPR", breaker.Options{Service: v1.ServiceCodeHost}, func(callCtx context.Context) error {
			var callErr error
			pr, callErr = m.gh.GetPR(callCtx, owner, repo, number)
			return callErr
		})
		if err != nil {
			m.logger.Debug("checkOpenPRs: get PR failed", zap.String("ticket_id", ticket.Identifier), zap.Error(err))
			continue
		}

		m.reconcile(ctx, reviewPR{ticket: ticket, attachment: attachment, pr: pr}, owner, repo)
	}
}

func (m *Monitor) reconcile(ctx context.Context, rp reviewPR, owner, repo string) {
	if rp.pr.MergedAt != nil {
		if err := m.breakers.Call(ctx, "linear.MoveTicket", breaker.Options{Service: v1.ServiceIssueTracker}, func(callCtx context.Context) error {
			return m.tracker.MoveTicket(callCtx, rp.ticket.ID, m.stateIDs.Done)
		}); err != nil {
			m.logger.Error("checkOpenPRs: failed to move ticket to done", zap.Error(err))
		}
		return
	}

	var checks []github.CheckRun
	err := m.breakers.Call(ctx, "github.ListCheckRuns", breaker.Options{Service: v1.ServiceCodeHost}, func(callCtx context.Context) error {
		var callErr error
		checks, callErr = m.gh.ListCheckRuns(callCtx, owner, repo, rp.pr.HeadSHA)
		return callErr
	})
	if err != nil {
		m.logger.Debug("checkOpenPRs: list check runs failed", zap.Error(err))
		return
	}

	status, details := aggregateCI(checks)
	reviewID := fmt.Sprintf("%s/%s#%d@%s", owner, repo, rp.pr.Number, rp.pr.HeadSHA)

	switch status {
	case CIFailure:
		m.maybeSpawnFixer(ctx, rp, reviewID, details)
	case CIPending:
		// nothing to do
	case CISuccess:
		if m.cfg.AutoMerge {
			m.maybeAutoMerge(rp)
		}
	}
}

// aggregateCI implements §4.10 step 2's CI aggregation rule.
func aggregateCI(checks []github.CheckRun) (CIStatus, []string) {
	var failing []string
	anyPending := false
	for _, c := range checks {
		if c.Conclusion == "failure" || c.Conclusion == "timed_out" {
			failing = append(failing, c.Name)
			continue
		}
		if c.Status != "completed" {
			anyPending = true
		}
	}
	if len(failing) > 0 {
		return CIFailure, failing
	}
	if anyPending {
		return CIPending, nil
	}
	return CISuccess, nil
}

// maybeSpawnFixer spawns at most one fixer per review cycle (reviewID) and
// per ticket concurrently, and stops retrying a ticket once max_fixer_attempts
// fixers have been spawned for it, moving it to blocked instead (§6.2
// max_fixer_attempts).
func (m *Monitor) maybeSpawnFixer(ctx context.Context, rp reviewPR, reviewID string, failing []string) {
	m.mu.Lock()
	if m.handledReviews[reviewID] || m.liveFixers[rp.ticket.Identifier] {
		m.mu.Unlock()
		return
	}
	if m.cfg.MaxFixerAttempts > 0 && m.fixerAttempts[rp.ticket.Identifier] >= m.cfg.MaxFixerAttempts {
		m.handledReviews[reviewID] = true
		m.mu.Unlock()
		m.giveUp(ctx, rp)
		return
	}
	m.liveFixers[rp.ticket.Identifier] = true
	m.handledReviews[reviewID] = true
	m.fixerAttempts[rp.ticket.Identifier]++
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.liveFixers, rp.ticket.Identifier)
			m.mu.Unlock()
		}()
		m.runFixer(ctx, rp, failing)
	}()
}

// giveUp moves a ticket to blocked once it has exhausted its fixer attempts,
// mirroring the executor's own give-up path (§4.9 step 7).
func (m *Monitor) giveUp(ctx context.Context, rp reviewPR) {
	if err := m.breakers.Call(ctx, "linear.MoveTicket", breaker.Options{Service: v1.ServiceIssueTracker}, func(callCtx context.Context) error {
		return m.tracker.MoveTicket(callCtx, rp.ticket.ID, m.stateIDs.Blocked)
	}); err != nil {
		m.logger.Error("checkOpenPRs: failed to move ticket to blocked", zap.Error(err))
	}
	comment := sanitize.Sanitize(fmt.Sprintf("Autopilot gave up fixing CI on %s after %d fixer attempts.", rp.ticket.Identifier, m.cfg.MaxFixerAttempts))
	if err := m.breakers.Call(ctx, "linear.PostComment", breaker.Options{Service: v1.ServiceIssueTracker}, func(callCtx context.Context) error {
		return m.tracker.PostComment(callCtx, rp.ticket.ID, comment)
	}); err != nil {
		m.logger.Error("checkOpenPRs: failed to post give-up comment", zap.Error(err))
	}
}

func (m *Monitor) runFixer(ctx context.Context, rp reviewPR, failing []string) {
	agentID := "fixer-" + rp.ticket.Identifier + "-" + rp.pr.HeadSHA
	m.state.AddAgent(agentID, rp.ticket.Identifier, rp.ticket.Title, rp.ticket.ID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.state.RegisterAgentController(agentID, cancel)

	out := runner.Run(runCtx, m.cloneMgr, m.gate, runner.Options{
		AgentCommand: m.cfg.AgentCommand,
		Prompt:       buildFixerPrompt(rp, failing),
		CloneName:    clone.AutopilotName(rp.ticket.Identifier) + "-fix",
		FromBranch:   rp.pr.HeadBranch,
		TimeoutMs:    minutesToMs(m.cfg.FixerTimeoutMinutes),
		Model:        m.cfg.Model,
		ParentSignal: ctx,
		OnActivity: func(entry v1.Activity) {
			m.state.AddActivity(agentID, entry)
		},
		Logger: m.logger.Zap(),
	})

	status := v1.RunComplete
	if out.Error != "" {
		if out.ExitReason == runner.ExitTimeout || out.ExitReason == runner.ExitInactivity {
			status = v1.RunTimedOut
		} else {
			status = v1.RunFailed
		}
	}

	meta := &v1.AgentMeta{
		CostUsd: out.CostUsd, DurationMs: out.DurationMs, NumTurns: out.NumTurns,
		Error: out.Error, SessionID: out.SessionID, ExitReason: string(out.ExitReason),
		RunType: v1.RunTypeFixer,
	}
	m.state.CompleteAgent(ctx, agentID, status, meta, sanitize.Sanitize(out.Result))
}

func (m *Monitor) maybeAutoMerge(rp reviewPR) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.automerged[rp.attachment.URL] {
		return
	}
	m.automerged[rp.attachment.URL] = true
	// Enabling auto-merge is delegated to the code-host client's native
	// auto-merge support once wired; recorded here so it is requested once.
}

func buildFixerPrompt(rp reviewPR, failing []string) string {
	return fmt.Sprintf("Fix failing CI on %s (PR #%d, branch %s). Failing checks: %s",
		rp.ticket.Identifier, rp.pr.Number, rp.pr.HeadBranch, strings.Join(failing, ", "))
}

func minutesToMs(m float64) int64 {
	if m <= 0 {
		return 0
	}
	return int64(m * 60_000)
}

// parsePRURL extracts owner/repo/number from a code-host PR URL, falling
// back to the configured default owner/repo when the URL omits them.
func parsePRURL(url, defaultOwner, defaultRepo string) (owner, repo string, number int, ok bool) {
	parts := strings.Split(strings.TrimSuffix(url, "/"), "/")
	if len(parts) < 4 {
		return "", "", 0, false
	}
	numStr := parts[len(parts)-1]
	n := 0
	for _, c := range numStr {
		if c < '0' || c > '9' {
			return "", "", 0, false
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return "", "", 0, false
	}
	owner, repo = defaultOwner, defaultRepo
	if len(parts) >= 4 && parts[len(parts)-2] == "pull" {
		repo = parts[len(parts)-3]
		owner = parts[len(parts)-4]
	}
	return owner, repo, n, true
}

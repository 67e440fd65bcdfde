package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/github"
	"github.com/kandev/orchestrator/internal/orchestrator/admission"
	"github.com/kandev/orchestrator/internal/orchestrator/breaker"
	"github.com/kandev/orchestrator/internal/orchestrator/clone"
	"github.com/kandev/orchestrator/internal/orchestrator/runner"
	"github.com/kandev/orchestrator/internal/orchestrator/sanitize"
	"github.com/kandev/orchestrator/internal/orchestrator/state"
	"github.com/kandev/orchestrator/internal/orchestrator/store"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// ReviewPollerConfig is the subset of config.ReviewerConfig the poller needs,
// plus the agent invocation knobs it shares with the Monitor.
type ReviewPollerConfig struct {
	PollInterval   time.Duration
	Query          string
	Model          string
	AgentCommand   []string
	TimeoutMinutes float64
}

// ReviewPoller implements the supplemented review-watch poller (SPEC_FULL.md
// §2 "Supplemented features"): a secondary, slower loop watching for *new*
// PRs matching a configured reviewer query, grounded on the teacher's
// internal/github/poller.go Poller.Start/Stop/reviewQueueLoop shape. Found
// PRs get a read-only review agent that drafts feedback; the pass never
// moves ticket state or touches the code host — purely observational.
type ReviewPoller struct {
	cfg      ReviewPollerConfig
	gh       github.Client
	store    *store.Store
	cloneMgr *clone.Manager
	gate     *admission.Gate
	breakers *breaker.Registry
	state    *state.State
	logger   *logger.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewReviewPoller constructs a ReviewPoller.
func NewReviewPoller(cfg ReviewPollerConfig, gh github.Client, st *store.Store, cloneMgr *clone.Manager, gate *admission.Gate, breakers *breaker.Registry, appState *state.State, log *logger.Logger) *ReviewPoller {
	if log == nil {
		log = logger.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	return &ReviewPoller{
		cfg:      cfg,
		gh:       gh,
		store:    st,
		cloneMgr: cloneMgr,
		gate:     gate,
		breakers: breakers,
		state:    appState,
		logger:   log.WithFields(zap.String("component", "review-poller")),
	}
}

// Start begins the background poll loop. Calling Start more than once
// without Stop is a no-op.
func (p *ReviewPoller) Start(ctx context.Context) {
	if p.started {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.reviewQueueLoop(ctx)

	p.logger.Info("review poller started")
}

// Stop cancels the poll loop and waits for it to finish.
func (p *ReviewPoller) Stop() {
	if !p.started {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.started = false
	p.logger.Info("review poller stopped")
}

func (p *ReviewPoller) reviewQueueLoop(ctx context.Context) {
	defer p.wg.Done()

	p.checkReviewQueue(ctx)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkReviewQueue(ctx)
		}
	}
}

func (p *ReviewPoller) checkReviewQueue(ctx context.Context) {
	var prs []*github.PR
	err := p.breakers.Call(ctx, "github.ListReviewRequestedPRs", breaker.Options{Service: v1.ServiceCodeHost}, func(callCtx context.Context) error {
		var callErr error
		prs, callErr = p.gh.ListReviewRequestedPRs(callCtx, github.ReviewScopeUserAndTeams, "", p.cfg.Query)
		return callErr
	})
	if err != nil {
		p.logger.Error("review queue check failed", zap.Error(err))
		return
	}

	for _, pr := range prs {
		seen, err := p.store.HasSeenReviewPR(ctx, pr.RepoOwner, pr.RepoName, pr.Number)
		if err != nil {
			p.logger.Error("review watch dedupe check failed", zap.Error(err))
			continue
		}
		if seen {
			continue
		}
		if err := p.store.MarkReviewPRSeen(ctx, pr.RepoOwner, pr.RepoName, pr.Number, time.Now().UnixMilli()); err != nil {
			p.logger.Error("failed to mark review PR seen", zap.Error(err))
			continue
		}
		p.logger.Info("new PR found for review",
			zap.String("repo", pr.RepoOwner+"/"+pr.RepoName), zap.Int("pr_number", pr.Number))
		go p.draftReview(ctx, pr)
	}
}

// draftReview runs a read-only agent against the PR's branch and records the
// drafted feedback as a v1.RunTypeReview run. It never posts to the code
// host or the tracker — a human decides what to do with the draft.
func (p *ReviewPoller) draftReview(ctx context.Context, pr *github.PR) {
	agentID := fmt.Sprintf("review-%s-%s-%d", pr.RepoOwner, pr.RepoName, pr.Number)
	ticketIdentifier := fmt.Sprintf("%s/%s#%d", pr.RepoOwner, pr.RepoName, pr.Number)
	p.state.AddAgent(agentID, ticketIdentifier, pr.Title, "")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.state.RegisterAgentController(agentID, cancel)

	out := runner.Run(runCtx, p.cloneMgr, p.gate, runner.Options{
		AgentCommand: p.cfg.AgentCommand,
		Prompt:       buildReviewPrompt(pr),
		CloneName:    clone.AutopilotName(fmt.Sprintf("review-%d", pr.Number)),
		FromBranch:   pr.HeadBranch,
		TimeoutMs:    minutesToMs(p.cfg.TimeoutMinutes),
		Model:        p.cfg.Model,
		ParentSignal: ctx,
		OnActivity: func(entry v1.Activity) {
			p.state.AddActivity(agentID, entry)
		},
		Logger: p.logger.Zap(),
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
		RunType: v1.RunTypeReview,
	}
	p.state.CompleteAgent(ctx, agentID, status, meta, sanitize.Sanitize(out.Result))
}

func buildReviewPrompt(pr *github.PR) string {
	return fmt.Sprintf(
		"Review pull request #%d (%q) on %s/%s, branch %s. "+
			"Draft review feedback only — do not push commits or leave comments on GitHub.",
		pr.Number, pr.Title, pr.RepoOwner, pr.RepoName, pr.HeadBranch)
}

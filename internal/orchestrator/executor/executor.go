// Package executor implements the Executor (§4.9): fillSlots polls the
// issue tracker for ready leaf tickets and dispatches one Agent Runner per
// chosen ticket, up to the configured parallelism.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/orchestrator/admission"
	"github.com/kandev/orchestrator/internal/orchestrator/breaker"
	"github.com/kandev/orchestrator/internal/orchestrator/clone"
	"github.com/kandev/orchestrator/internal/orchestrator/state"
	"github.com/kandev/orchestrator/internal/secrets"
	"github.com/kandev/orchestrator/internal/tracker"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// Config is the subset of executor.* configuration (§6.2) the Executor needs.
type Config struct {
	Parallel                  int
	TimeoutMinutes            float64
	InactivityTimeoutMinutes  float64
	MaxRetries                int
	Model                     string
	BranchPattern             string
	CommitPattern             string
	AgentCommand              []string
	MCPServerURL              string // issue-tracker MCP server base URL, if configured
	MCPServerTokenEnvKey      string // env key the credential provider resolves for the MCP bearer token
}

// Executor dispatches agent runs for ready tickets.
type Executor struct {
	cfg        Config
	tracker    tracker.Client
	filter     tracker.Filter
	stateIDs   tracker.StateIDs
	state      *state.State
	cloneMgr   *clone.Manager
	gate       *admission.Gate
	breakers   *breaker.Registry
	credential secrets.CredentialProvider
	logger     *logger.Logger
	budget     state.BudgetConfig
	projectPath string

	activeMu sync.Mutex
	active   map[string]bool // ticket ids currently being dispatched, guards re-entrant fillSlots
}

// New constructs an Executor.
func New(cfg Config, trackerClient tracker.Client, filter tracker.Filter, stateIDs tracker.StateIDs, st *state.State, cloneMgr *clone.Manager, gate *admission.Gate, breakers *breaker.Registry, credential secrets.CredentialProvider, budget state.BudgetConfig, projectPath string, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Default()
	}
	return &Executor{
		cfg:         cfg,
		tracker:     trackerClient,
		filter:      filter,
		stateIDs:    stateIDs,
		state:       st,
		cloneMgr:    cloneMgr,
		gate:        gate,
		breakers:    breakers,
		credential:  credential,
		budget:      budget,
		projectPath: projectPath,
		logger:      log.WithFields(),
		active:      make(map[string]bool),
	}
}

// FillSlots implements §4.9 fillSlots. It dispatches executeIssue for each
// chosen ticket via golang.org/x/sync/errgroup (mirroring the pack's
// parallel-sub-agent idiom) and returns the group so the main loop can wait
// on the batch without one ticket's failure cancelling the others (a bare
// errgroup.Group, not WithContext, never cross-cancels siblings).
func (e *Executor) FillSlots(ctx context.Context) *errgroup.Group {
	g := &errgroup.Group{}

	if e.state.IsPaused() {
		return g
	}
	if check := e.state.CheckBudget(e.budget); !check.OK {
		e.logger.Warn("fillSlots skipped: budget exceeded", zap.String("reason", check.Reason))
		return g
	}

	available := e.cfg.Parallel - e.state.LiveAgentCount()
	if available <= 0 {
		return g
	}

	var tickets []v1.Ticket
	err := e.breakers.Call(ctx, "linear.ListReadyTickets", breaker.Options{Service: v1.ServiceIssueTracker}, func(callCtx context.Context) error {
		var callErr error
		tickets, callErr = e.tracker.ListReadyTickets(callCtx, e.filter, e.stateIDs.Ready, 0)
		return callErr
	})
	if err != nil {
		e.logger.Error("fillSlots: list ready tickets failed", zap.Error(err))
		return g
	}

	chosen := e.claim(tickets, available)
	e.state.UpdateQueue(len(tickets), e.state.LiveAgentCount())

	for _, ticket := range chosen {
		t := ticket
		g.Go(func() error {
			defer e.release(t.ID)
			e.executeIssue(ctx, t)
			return nil
		})
	}
	return g
}

// claim selects up to `available` tickets not already live or mid-dispatch,
// marking each as active under activeMu so a re-entrant fillSlots call
// cannot double-dispatch the same ticket (§4.9 step 3).
func (e *Executor) claim(tickets []v1.Ticket, available int) []v1.Ticket {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()

	chosen := make([]v1.Ticket, 0, available)
	for _, t := range tickets {
		if len(chosen) >= available {
			break
		}
		if e.active[t.ID] || e.state.IsAgentLiveForTicket(t.ID) {
			continue
		}
		e.active[t.ID] = true
		chosen = append(chosen, t)
	}
	return chosen
}

func (e *Executor) release(ticketID string) {
	e.activeMu.Lock()
	delete(e.active, ticketID)
	e.activeMu.Unlock()
}

func minutesToMs(m float64) int64 {
	if m <= 0 {
		return 0
	}
	return int64(m * float64(time.Minute) / float64(time.Millisecond))
}

// mcpServers builds the MCP server descriptors for the issue tracker, with
// the bearer token resolved lazily from the credential provider (§6.4) so
// no secret is held beyond the single call that needs it.
func (e *Executor) mcpServers(ctx context.Context) []acp.McpServer {
	if e.cfg.MCPServerURL == "" {
		return nil
	}
	headers := map[string]string{}
	if e.cfg.MCPServerTokenEnvKey != "" && e.credential != nil {
		if cred, err := e.credential.GetCredential(ctx, e.cfg.MCPServerTokenEnvKey); err == nil && cred != nil {
			headers["Authorization"] = "Bearer " + cred.Value
		}
	}
	return []acp.McpServer{{
		Type:    "http",
		Url:     e.cfg.MCPServerURL,
		Headers: headers,
	}}
}

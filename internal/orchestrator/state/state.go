// Package state implements the Application State (§4.8): the single
// in-process owner of all mutable orchestrator state, modeled on the
// teacher's scheduler mu/retryMu split (one lock per logically distinct
// piece of mutable state rather than one global lock).
package state

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/orchestrator/breaker"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

const (
	maxHistory       = v1.MaxHistoryInMemory
	maxActivities    = v1.MaxActivitiesPerAgent
	maxIssueFailures = v1.MaxIssueFailureEntries
	spendRetention   = v1.MaxSpendLogAgeDays
)

// Store is the persistence surface the state package depends on; it is
// satisfied by *orchestrator/store.Store (kept narrow so tests can stub it).
type Store interface {
	SaveRun(ctx context.Context, run *v1.RunResult, activities []v1.Activity) error
	SaveTranscript(ctx context.Context, runID, transcript string) error
}

// Broadcaster is notified on every mutation; the webhook/websocket layer
// wires this to push live updates to connected clients.
type Broadcaster interface {
	Broadcast(snapshot v1.StateSnapshot)
}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(v1.StateSnapshot) {}

// BudgetConfig is the subset of configuration checkBudget/getBudgetWarning need.
type BudgetConfig struct {
	DailyLimitUsd      float64
	MonthlyLimitUsd    float64
	WarningThresholdPc float64
}

// State is the single owner of all mutable orchestrator state.
type State struct {
	logger      *logger.Logger
	store       Store
	broadcaster Broadcaster
	breakers    *breaker.Registry
	maxParallel int
	now         func() time.Time

	agentsMu    sync.RWMutex
	liveAgents  map[string]*v1.Agent
	controllers map[string]context.CancelFunc
	history     []v1.RunResult

	queueMu sync.RWMutex
	queue   v1.QueueSnapshot

	pauseMu sync.RWMutex
	paused  bool

	failuresMu  sync.Mutex
	failures    map[string]int
	failureSeq  []string // insertion order, for oldest-eviction

	spendMu sync.Mutex
	spend   []v1.SpendEntry
}

// Options configures a new State.
type Options struct {
	Store       Store
	Broadcaster Broadcaster
	Breakers    *breaker.Registry
	MaxParallel int
	Logger      *logger.Logger
	Now         func() time.Time
}

// New constructs an empty State.
func New(opts Options) *State {
	if opts.Broadcaster == nil {
		opts.Broadcaster = noopBroadcaster{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &State{
		logger:      opts.Logger,
		store:       opts.Store,
		broadcaster: opts.Broadcaster,
		breakers:    opts.Breakers,
		maxParallel: opts.MaxParallel,
		now:         opts.Now,
		liveAgents:  make(map[string]*v1.Agent),
		controllers: make(map[string]context.CancelFunc),
		failures:    make(map[string]int),
	}
}

// Package mainloop implements the Main Loop (§4.11): ticks the Executor and
// Monitor on an interval, periodically sweeps stale clones, and shuts down
// gracefully on SIGINT/SIGTERM, mirroring the shape of the teacher's own
// ticker-driven github.Poller.
package mainloop

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/orchestrator/clone"
	"github.com/kandev/orchestrator/internal/orchestrator/monitor"
	"github.com/kandev/orchestrator/internal/orchestrator/state"
)

// Executor is the subset of executor.Executor the main loop drives.
type Executor interface {
	FillSlots(ctx context.Context) *errgroup.Group
}

// Config controls the loop's cadence (§6.2 top-level poll_interval_minutes
// and the clone sweep interval).
type Config struct {
	PollInterval  time.Duration
	SweepInterval time.Duration
	ShutdownGrace time.Duration
	CodeHostReady bool // whether a code-host repo is configured; gates checkOpenPRs (§4.11 step 2)
}

// Trigger lets the webhook server (§6.1) shorten the interruptible sleep.
type Trigger struct {
	ch chan struct{}
}

// NewTrigger creates a Trigger with room for one pending wakeup; additional
// fires while one is already pending are coalesced.
func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{}, 1)}
}

// Fire wakes the main loop's sleep early, if it is currently sleeping.
func (t *Trigger) Fire() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// Loop is the Main Loop (§4.11).
type Loop struct {
	cfg      Config
	executor Executor
	mon      *monitor.Monitor
	cloneMgr *clone.Manager
	state    *state.State
	trigger  *Trigger
	logger   *logger.Logger

	lastSweep time.Time
}

// New constructs a Loop. mon may be nil when no code-host repo is configured
// (§4.11 step 2: "if a code-host repo is configured").
func New(cfg Config, executor Executor, mon *monitor.Monitor, cloneMgr *clone.Manager, st *state.State, trigger *Trigger, log *logger.Logger) *Loop {
	if log == nil {
		log = logger.Default()
	}
	if trigger == nil {
		trigger = NewTrigger()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Loop{
		cfg:      cfg,
		executor: executor,
		mon:      mon,
		cloneMgr: cloneMgr,
		state:    st,
		trigger:  trigger,
		logger:   log.WithFields(),
	}
}

// Trigger returns the loop's wakeup trigger, wired into the webhook server.
func (l *Loop) Trigger() *Trigger { return l.trigger }

// Run executes the loop until ctx is cancelled, then waits up to
// ShutdownGrace for outstanding agent runs before returning (§4.11 shutdown).
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("main loop started",
		zap.Duration("poll_interval", l.cfg.PollInterval),
		zap.Duration("sweep_interval", l.cfg.SweepInterval))

	l.tick(ctx)

	for {
		if ctx.Err() != nil {
			break
		}
		l.sleep(ctx)
		if ctx.Err() != nil {
			break
		}
		l.tick(ctx)
	}

	l.shutdown()
}

// tick runs one iteration: fillSlots, checkOpenPRs, periodic sweep.
func (l *Loop) tick(ctx context.Context) {
	if l.executor != nil {
		g := l.executor.FillSlots(ctx)
		if err := g.Wait(); err != nil {
			l.logger.Error("fillSlots batch returned an error", zap.Error(err))
		}
	}

	if l.cfg.CodeHostReady && l.mon != nil {
		l.mon.CheckOpenPRs(ctx)
	}

	l.maybeSweepClones(ctx)
}

// maybeSweepClones runs sweepClones(activeNames) no more than once per
// SweepInterval (§4.11 step 3: "periodically").
func (l *Loop) maybeSweepClones(ctx context.Context) {
	if l.cloneMgr == nil {
		return
	}
	if !l.lastSweep.IsZero() && time.Since(l.lastSweep) < l.cfg.SweepInterval {
		return
	}
	l.lastSweep = time.Now()

	active := map[string]bool{}
	for _, ticketID := range l.state.LiveTicketIdentifiers() {
		active[clone.AutopilotName(ticketID)] = true
	}
	l.cloneMgr.SweepClones(ctx, active)
}

// sleep is the interruptible sleep (§4.11 step 5): it returns early on
// context cancellation or a webhook trigger fire, otherwise after
// PollInterval.
func (l *Loop) sleep(ctx context.Context) {
	timer := time.NewTimer(l.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-l.trigger.ch:
		l.logger.Debug("main loop woken by webhook trigger")
	}
}

// shutdown waits for outstanding agent runs to finish, up to ShutdownGrace,
// then returns so the caller can flush the store and exit (§4.11 shutdown).
func (l *Loop) shutdown() {
	l.logger.Info("main loop shutting down, waiting for outstanding agent runs")

	deadline := time.Now().Add(l.cfg.ShutdownGrace)
	for time.Now().Before(deadline) {
		if l.state.LiveAgentCount() == 0 {
			l.logger.Info("all agent runs finished cleanly")
			return
		}
		time.Sleep(200 * time.Millisecond)
	}

	remaining := l.state.LiveAgentCount()
	if remaining > 0 {
		l.logger.Warn("shutdown grace period elapsed with agents still running", zap.Int("remaining", remaining))
	}
}

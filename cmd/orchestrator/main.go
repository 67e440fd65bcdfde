// Command orchestrator is the autopilot binary: it wires together the
// issue-tracker and code-host collaborators, the durable store, and every
// orchestrator/* package into the main loop and webhook server, and exposes
// the §6.5 CLI surface (validate, start).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/db"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/github"
	"github.com/kandev/orchestrator/internal/orchestrator/admission"
	"github.com/kandev/orchestrator/internal/orchestrator/breaker"
	"github.com/kandev/orchestrator/internal/orchestrator/clone"
	"github.com/kandev/orchestrator/internal/orchestrator/executor"
	"github.com/kandev/orchestrator/internal/orchestrator/mainloop"
	"github.com/kandev/orchestrator/internal/orchestrator/monitor"
	"github.com/kandev/orchestrator/internal/orchestrator/planning"
	"github.com/kandev/orchestrator/internal/orchestrator/state"
	"github.com/kandev/orchestrator/internal/orchestrator/store"
	"github.com/kandev/orchestrator/internal/orchestrator/streaming"
	"github.com/kandev/orchestrator/internal/orchestrator/webhook"
	"github.com/kandev/orchestrator/internal/secrets"
	"github.com/kandev/orchestrator/internal/tracker"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	projectPath, err := filepath.Abs(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve project path: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadWithPath(projectPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "validate":
		runValidate(projectPath, cfg, log)
	case "start":
		runStart(projectPath, cfg, log)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n  orchestrator validate <project-path>\n  orchestrator start <project-path>\n")
}

// deps is every shared collaborator both validate and start need. validate
// builds it and throws it away; start keeps it running for the main loop.
type deps struct {
	trackerClient tracker.Client
	ghClient      github.Client
	ghMode        string
	cloneMgr      *clone.Manager
	store         *store.Store
	secretsSvc    *secrets.Service
	secretStore   secrets.SecretStore
	filter        tracker.Filter
	stateIDs      tracker.StateIDs
}

func (d *deps) close() {
	if d.store != nil {
		_ = d.store.Close()
	}
}

// runValidate implements the §6.5 `validate` subcommand: a read-only
// preflight that exits non-zero on any blocking failure. The agent-CLI
// availability check is a warning only, per §6.5.
func runValidate(projectPath string, cfg *config.Config, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var failures []string
	warn := func(msg string) { fmt.Printf("WARN  %s\n", msg) }
	fail := func(msg string) { failures = append(failures, msg); fmt.Printf("FAIL  %s\n", msg) }
	ok := func(msg string) { fmt.Printf("OK    %s\n", msg) }

	d, err := buildDeps(ctx, projectPath, cfg, log)
	if err != nil {
		fail(fmt.Sprintf("build dependencies: %v", err))
		os.Exit(1)
	}
	defer d.close()

	if authed, err := d.trackerClient.IsAuthenticated(ctx); err != nil || !authed {
		fail(fmt.Sprintf("issue tracker not reachable/authenticated: %v", err))
	} else {
		ok("issue tracker reachable and states resolved")
	}

	if cfg.GitHub.Repo != "" {
		if authed, err := d.ghClient.IsAuthenticated(ctx); err != nil || !authed {
			fail(fmt.Sprintf("code host not reachable/authenticated (%s): %v", d.ghMode, err))
		} else {
			ok(fmt.Sprintf("code host reachable (%s)", d.ghMode))
		}
	} else {
		warn("no github.repo configured, code-host checks skipped")
	}

	cloneBase := filepath.Join(projectPath, ".claude", "clones")
	probe := filepath.Join(cloneBase, ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		fail(fmt.Sprintf("clone base not writable (%s): %v", cloneBase, err))
	} else {
		_ = os.Remove(probe)
		ok("clone base writable")
	}

	previewExec := executor.New(executor.Config{Model: cfg.Executor.Model}, d.trackerClient, d.filter, d.stateIDs,
		state.New(state.Options{MaxParallel: cfg.Executor.Parallel}), d.cloneMgr, admission.New(), breaker.NewRegistry(),
		nil, state.BudgetConfig{}, projectPath, log)
	sampleTicket := v1.Ticket{ID: "preflight", Identifier: "PREVIEW-0", Title: "preflight check", Priority: 0}
	if prompt := previewExec.RenderPreflightPrompt(sampleTicket); strings.TrimSpace(prompt) == "" {
		fail("prompt template rendered empty output")
	} else {
		ok("prompt templates render")
	}

	if !agentCommandAvailable() {
		warn("agent CLI not found on PATH; runs will fail until it is installed")
	} else {
		ok("agent CLI available")
	}

	if len(failures) > 0 {
		fmt.Printf("\nvalidate: %d blocking failure(s)\n", len(failures))
		os.Exit(1)
	}
	fmt.Println("\nvalidate: all checks passed")
}

// runStart implements the §6.5 `start` subcommand: it wires every
// orchestrator/* package together and runs the main loop until SIGINT/SIGTERM.
func runStart(projectPath string, cfg *config.Config, log *logger.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(ctx, projectPath, cfg, log)
	if err != nil {
		log.Error("failed to build dependencies", zap.Error(err))
		os.Exit(1)
	}
	defer d.close()

	eventBus, closeEventBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("failed to build event bus", zap.Error(err))
		os.Exit(1)
	}
	defer closeEventBus()

	hub := streaming.NewHub(log)
	go hub.Run(ctx)

	breakers := breaker.NewRegistry()
	gate := admission.New()
	st := state.New(state.Options{
		Store:       d.store,
		MaxParallel: cfg.Executor.Parallel,
		Breakers:    breakers,
		Broadcaster: hub,
		Logger:      log,
	})

	credProvider := secrets.NewSecretStoreProvider(d.secretStore)

	ex := executor.New(
		executor.Config{
			Parallel:                 cfg.Executor.Parallel,
			TimeoutMinutes:           cfg.Executor.TimeoutMinutes,
			InactivityTimeoutMinutes: cfg.Executor.InactivityTimeoutMinutes,
			MaxRetries:               cfg.Executor.MaxRetries,
			Model:                    cfg.Executor.Model,
			BranchPattern:            cfg.Executor.BranchPattern,
			CommitPattern:            cfg.Executor.CommitPattern,
			AgentCommand:             defaultAgentCommand(),
		},
		d.trackerClient, d.filter, d.stateIDs, st, d.cloneMgr, gate, breakers, credProvider,
		state.BudgetConfig{
			DailyLimitUsd:      cfg.Budget.DailyLimitUsd,
			MonthlyLimitUsd:    cfg.Budget.MonthlyLimitUsd,
			WarningThresholdPc: cfg.Budget.WarnAtPercent,
		},
		projectPath, log,
	)

	mon := monitor.New(
		monitor.Config{
			Owner:               repoOwner(cfg.GitHub.Repo),
			Repo:                repoName(cfg.GitHub.Repo),
			FixerTimeoutMinutes: cfg.Executor.FixerTimeoutMinutes,
			MaxFixerAttempts:    cfg.Executor.MaxFixerAttempts,
			Model:               cfg.Executor.Model,
			AutoMerge:           cfg.GitHub.AutoMerge,
			AgentCommand:        defaultAgentCommand(),
		},
		d.trackerClient, d.filter, d.stateIDs, d.ghClient, st, d.cloneMgr, gate, breakers, log,
	)

	reviewPoller := monitor.NewReviewPoller(
		monitor.ReviewPollerConfig{
			PollInterval:   cfg.Reviewer.PollInterval(),
			Query:          cfg.Reviewer.Query,
			Model:          cfg.Reviewer.Model,
			AgentCommand:   defaultAgentCommand(),
			TimeoutMinutes: cfg.Executor.FixerTimeoutMinutes,
		},
		d.ghClient, d.store, d.cloneMgr, gate, breakers, st, log,
	)
	if cfg.Reviewer.Enabled {
		reviewPoller.Start(ctx)
		defer reviewPoller.Stop()
	}

	planner := planning.New(
		planning.Config{
			PlanningEnabled:      cfg.Planning.Enabled,
			PlanningPollInterval: cfg.Planning.PollInterval(),
			PlanningModel:        cfg.Planning.Model,
			ProjectsEnabled:      cfg.Projects.Enabled,
			ProjectsPollInterval: cfg.Projects.PollInterval(),
			ProjectsModel:        cfg.Projects.Model,
			AgentCommand:         defaultAgentCommand(),
		},
		d.trackerClient, d.filter, d.stateIDs, cfg.Linear.Projects, d.cloneMgr, gate, breakers, d.store, st, log,
	)
	if cfg.Planning.Enabled || cfg.Projects.Enabled {
		planner.Start(ctx)
		defer planner.Stop()
	}

	trigger := mainloop.NewTrigger()
	loop := mainloop.New(
		mainloop.Config{
			PollInterval:  cfg.Executor.PollInterval(),
			SweepInterval: 10 * time.Minute,
			ShutdownGrace: 30 * time.Second,
			CodeHostReady: cfg.GitHub.Repo != "",
		},
		ex, mon, d.cloneMgr, st, trigger, log,
	)

	streamHandler := streaming.NewHandler(hub, log)
	whServer := webhook.NewServer(webhook.Config{
		TrackerSecret:  cfg.Auth.TrackerWebhookSecret,
		CodeHostSecret: cfg.Auth.CodeHostWebhookSecret,
		ReadyStateName: cfg.Linear.States.Ready,
	}, trigger, eventBus.Bus, streamHandler, log)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      whServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("webhook server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("webhook server stopped", zap.Error(err))
		}
	}()

	log.Info("autopilot starting", zap.String("project_path", projectPath))
	loop.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Info("autopilot stopped")
}

// buildDeps constructs every shared collaborator, used by both validate and
// start so the two subcommands never drift apart on wiring.
func buildDeps(ctx context.Context, projectPath string, cfg *config.Config, log *logger.Logger) (*deps, error) {
	kandevDir := filepath.Join(projectPath, ".claude")
	if err := os.MkdirAll(kandevDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	dbPath := cfg.Persistence.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(projectPath, dbPath)
	}
	rawWriter, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	rawReader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	writer := sqlx.NewDb(rawWriter, "sqlite3")
	reader := sqlx.NewDb(rawReader, "sqlite3")

	st, err := store.New(writer, reader, log)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	crypto, err := secrets.NewMasterKeyProvider(kandevDir)
	if err != nil {
		return nil, fmt.Errorf("init secret crypto: %w", err)
	}
	secretStore, _, err := secrets.Provide(writer, reader, crypto)
	if err != nil {
		return nil, fmt.Errorf("init secret store: %w", err)
	}
	secretsSvc := secrets.NewService(secretStore, log)

	ghClient, ghMode, err := github.NewClient(ctx, secretProviderAdapter{secretsSvc}, log)
	if err != nil {
		return nil, fmt.Errorf("init github client: %w", err)
	}

	apiKey, err := findLinearAPIKey(ctx, secretsSvc)
	if err != nil {
		return nil, fmt.Errorf("find linear api key: %w", err)
	}

	var trackerClient tracker.Client = tracker.NewLinearClient(apiKey)
	filter := tracker.Filter{
		TeamID:       cfg.Linear.Team,
		InitiativeID: cfg.Linear.Initiative,
		Labels:       cfg.Linear.Labels,
		ProjectIDs:   cfg.Linear.Projects,
	}
	stateIDs, err := trackerClient.ResolveStates(ctx, filter, tracker.StateNames{
		Triage:     cfg.Linear.States.Triage,
		Ready:      cfg.Linear.States.Ready,
		InProgress: cfg.Linear.States.InProgress,
		InReview:   cfg.Linear.States.InReview,
		Done:       cfg.Linear.States.Done,
		Blocked:    cfg.Linear.States.Blocked,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve tracker states: %w", err)
	}

	cloneMgr, err := clone.NewManager(projectPath, log)
	if err != nil {
		return nil, fmt.Errorf("init clone manager: %w", err)
	}

	return &deps{
		trackerClient: trackerClient,
		ghClient:      ghClient,
		ghMode:        ghMode,
		cloneMgr:      cloneMgr,
		store:         st,
		secretsSvc:    secretsSvc,
		secretStore:   secretStore,
		filter:        filter,
		stateIDs:      stateIDs,
	}, nil
}

// findLinearAPIKey looks for a secret named "LINEAR_API_KEY" or
// "linear_api_key", mirroring internal/github's own findGitHubPAT.
func findLinearAPIKey(ctx context.Context, svc *secrets.Service) (string, error) {
	items, err := svc.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list secrets: %w", err)
	}
	for _, item := range items {
		if !item.HasValue {
			continue
		}
		if item.Name == "LINEAR_API_KEY" || item.Name == "linear_api_key" {
			return svc.Reveal(ctx, item.ID)
		}
	}
	return "", nil
}

// secretProviderAdapter adapts *secrets.Service to github.SecretProvider,
// converting between the two packages' distinct SecretListItem types.
type secretProviderAdapter struct {
	svc *secrets.Service
}

func (a secretProviderAdapter) List(ctx context.Context) ([]*github.SecretListItem, error) {
	items, err := a.svc.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*github.SecretListItem, 0, len(items))
	for _, item := range items {
		out = append(out, &github.SecretListItem{ID: item.ID, Name: item.Name, HasValue: item.HasValue})
	}
	return out, nil
}

func (a secretProviderAdapter) Reveal(ctx context.Context, id string) (string, error) {
	return a.svc.Reveal(ctx, id)
}

func repoOwner(repo string) string {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[0]
}

func repoName(repo string) string {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

func agentCommandAvailable() bool {
	_, err := exec.LookPath("claude")
	return err == nil
}

// defaultAgentCommand is the subprocess every Agent Runner invocation execs,
// speaking ACP over stdio (§6.4) — grounded on the teacher's own
// "claude"/"auggie --acp" TUI-agent launch convention
// (internal/agent/agents/auggie.go).
func defaultAgentCommand() []string {
	return []string{"claude", "--acp"}
}

// Package runner implements the Agent Runner (§4.6): spawns one ACP
// session per run over a subprocess, streams its messages through the
// Message Processor, and enforces the overall-timeout / inactivity-watchdog
// cancellation policy.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/orchestrator/admission"
	"github.com/kandev/orchestrator/internal/orchestrator/clone"
	"github.com/kandev/orchestrator/internal/orchestrator/messages"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// ExitReason classifies how a run ended (§4.6).
type ExitReason string

const (
	ExitSuccess    ExitReason = "success"
	ExitTimeout    ExitReason = "timeout"
	ExitInactivity ExitReason = "inactivity"
	ExitError      ExitReason = "error"
	ExitAborted    ExitReason = "aborted"
)

// Options configures one Agent Runner invocation.
type Options struct {
	AgentCommand []string
	Prompt       string
	CloneName    string // if set, a clone is created and used as cwd
	FromBranch   string // if set, the clone branches from this PR branch and is kept on teardown
	BranchName   string // overrides the new-branch name when FromBranch is empty (rendered from executor.branch_pattern)
	TimeoutMs    int64  // 0 disables the overall timer
	InactivityMs int64  // 0 disables the watchdog
	Model        string
	MCPServers   []acp.McpServer
	EnvAllowlist []string // extra env var names to inherit, beyond the fixed allowlist
	ParentSignal context.Context
	OnActivity   func(entry v1.Activity) // called in stream order as activities are produced
	Logger       *zap.Logger
}

// Output is the terminal result of one run (§4.6).
type Output struct {
	Result        string
	SessionID     string
	CostUsd       float64
	DurationMs    int64
	NumTurns      int
	Error         string
	TimedOut      bool
	ExitReason    ExitReason
	Activities    []v1.Activity
	RawTranscript []acp.SessionNotification
}

// fixedEnvAllowlist is the set of environment variables forwarded to every
// agent subprocess regardless of Options.EnvAllowlist (§4.6 step 3).
var fixedEnvAllowlist = []string{"HOME", "PATH", "SSH_AUTH_SOCK"}

// Run executes the full Agent Runner algorithm described in §4.6.
func Run(ctx context.Context, cloneMgr *clone.Manager, gate *admission.Gate, opts Options) Output {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	release, err := gate.Acquire(ctx)
	if err != nil {
		return Output{ExitReason: ExitAborted, Error: "Aborted (shutdown)"}
	}
	slotReleased := sync.Once{}
	releaseSlot := func() { slotReleased.Do(release) }
	defer releaseSlot()

	workDir := "."
	var createdClone *clone.Clone
	if opts.CloneName != "" {
		createdClone, err = cloneMgr.CreateClone(ctx, opts.CloneName, opts.FromBranch, opts.BranchName)
		if err != nil {
			return Output{ExitReason: ExitError, Error: fmt.Sprintf("create clone: %v", err)}
		}
		workDir = createdClone.Path
	}
	defer func() {
		if createdClone != nil {
			cloneMgr.RemoveClone(context.Background(), opts.CloneName)
		}
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var timedOutByTimeout, timedOutByInactivity, abortedByParent bool
	var timersMu sync.Mutex

	if opts.TimeoutMs > 0 {
		timer := time.AfterFunc(time.Duration(opts.TimeoutMs)*time.Millisecond, func() {
			timersMu.Lock()
			timedOutByTimeout = true
			timersMu.Unlock()
			cancelRun()
		})
		defer timer.Stop()
	}

	var inactivityTimer *time.Timer
	resetInactivity := func() {}
	if opts.InactivityMs > 0 {
		inactivityTimer = time.AfterFunc(time.Duration(opts.InactivityMs)*time.Millisecond, func() {
			timersMu.Lock()
			timedOutByInactivity = true
			timersMu.Unlock()
			cancelRun()
		})
		resetInactivity = func() {
			inactivityTimer.Reset(time.Duration(opts.InactivityMs) * time.Millisecond)
		}
		defer inactivityTimer.Stop()
	}

	if opts.ParentSignal != nil {
		go func() {
			select {
			case <-opts.ParentSignal.Done():
				timersMu.Lock()
				abortedByParent = true
				timersMu.Unlock()
				cancelRun()
			case <-runCtx.Done():
			}
		}()
	}

	if len(opts.AgentCommand) == 0 {
		return Output{ExitReason: ExitError, Error: "no agent command configured"}
	}

	cmd := exec.Command(opts.AgentCommand[0], opts.AgentCommand[1:]...)
	cmd.Dir = workDir
	cmd.Env = buildEnv(opts.EnvAllowlist)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Output{ExitReason: ExitError, Error: fmt.Sprintf("stdin pipe: %v", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Output{ExitReason: ExitError, Error: fmt.Sprintf("stdout pipe: %v", err)}
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return Output{ExitReason: ExitError, Error: fmt.Sprintf("start agent: %v", err)}
	}
	defer func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
	}()

	updatesCh := make(chan acp.SessionNotification, 100)
	client := newACPClient(logger, workDir, func(n acp.SessionNotification) {
		select {
		case updatesCh <- n:
		default:
			logger.Warn("runner update channel full, dropping notification")
		}
	})

	conn := acp.NewClientSideConnection(client, stdin, stdout)
	conn.SetLogger(slog.Default())

	sessResp, err := conn.NewSession(runCtx, acp.NewSessionRequest{Cwd: workDir, McpServers: opts.MCPServers})
	if err != nil {
		return classifyFailure(err, timedOutByTimeout, timedOutByInactivity, abortedByParent)
	}
	sessionID := string(sessResp.SessionId)
	releaseSlot() // admission slot covers only the expensive launch phase (§4.6 step 1)

	out := Output{SessionID: sessionID, ExitReason: ExitSuccess}

	promptDone := make(chan error, 1)
	go func() {
		_, err := conn.Prompt(runCtx, acp.PromptRequest{
			SessionId: sessResp.SessionId,
			Prompt:    []acp.ContentBlock{acp.TextBlock(buildPrompt(opts))},
		})

		promptDone <- err
	}()

	resetInactivity()
loop:
	for {
		select {
		case n := <-updatesCh:
			resetInactivity()
			out.RawTranscript = append(out.RawTranscript, n)
			raw, ok := toRawMessage(n)
			if !ok {
				continue
			}
			result := messages.Process(raw, time.Now().UnixMilli(), workDir)
			for _, activity := range result.Activities {
				out.Activities = append(out.Activities, activity)
				if opts.OnActivity != nil {
					opts.OnActivity(activity)
				}
			}
			if result.SessionID != "" {
				out.SessionID = result.SessionID
			}
			if result.SuccessResult != nil {
				out.Result = result.SuccessResult.Result
				out.CostUsd = result.SuccessResult.CostUsd
				out.DurationMs = result.SuccessResult.DurationMs
				out.NumTurns = result.SuccessResult.NumTurns
			}
			if result.ErrorMessage != "" {
				out.Error = result.ErrorMessage
			}

		case err := <-promptDone:
			if err != nil {
				classified := classifyFailure(err, timedOutByTimeout, timedOutByInactivity, abortedByParent)
				classified.SessionID = out.SessionID
				classified.Activities = out.Activities
				classified.RawTranscript = out.RawTranscript
				return classified
			}
			break loop

		case <-runCtx.Done():
			classified := classifyFailure(runCtx.Err(), timedOutByTimeout, timedOutByInactivity, abortedByParent)
			classified.SessionID = out.SessionID
			classified.Activities = out.Activities
			classified.RawTranscript = out.RawTranscript
			return classified
		}
	}

	return out
}

func classifyFailure(err error, timedOut, inactive, aborted bool) Output {
	switch {
	case timedOut:
		return Output{TimedOut: true, ExitReason: ExitTimeout, Error: "Timed out"}
	case inactive:
		return Output{ExitReason: ExitInactivity, Error: "Inactivity timeout"}
	case aborted:
		return Output{ExitReason: ExitAborted, Error: "Aborted (shutdown)"}
	default:
		msg := "unknown error"
		if err != nil {
			msg = err.Error()
		}
		return Output{ExitReason: ExitError, Error: msg}
	}
}

func buildEnv(extra []string) []string {
	env := make([]string, 0, len(fixedEnvAllowlist)+len(extra)+3)
	for _, name := range fixedEnvAllowlist {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	for _, name := range extra {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	env = append(env, "AGENT_TEAMS=1", "GIT_CONFIG_NOSYSTEM=1", "GIT_CONFIG_GLOBAL=/dev/null")
	return env
}

func buildPrompt(opts Options) string {
	if opts.Model != "" {
		return fmt.Sprintf("[model:%s] ", opts.Model) + strings.TrimSpace(opts.Prompt)
	}
	return opts.Prompt
}

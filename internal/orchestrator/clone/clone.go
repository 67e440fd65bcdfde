// Package clone implements the sandbox clone manager (§4.3): each agent run
// gets a fresh `git clone --shared` working directory under
// <projectPath>/.claude/clones, so runs never share a checkout and commits
// made by one agent can never bleed into another's tree.
package clone

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
)

// autopilotPrefix marks directories this manager owns; sweeps only ever
// touch names carrying this prefix, so a human's own clone sitting in the
// same directory is never disturbed.
const autopilotPrefix = "ap-"

// legacyBranchPrefix is the worktree-era branch name this manager still
// recognizes on migration (a ticket whose clone pre-dates the switch from
// `git worktree add` to `git clone --shared`).
const legacyBranchPrefix = "worktree-"

// Clone is the result of a successful createClone call.
type Clone struct {
	Path   string
	Branch string
}

// Manager owns the clones directory for one project checkout.
type Manager struct {
	projectPath string
	clonesDir   string
	logger      *logger.Logger
}

// NewManager creates a clone manager rooted at <projectPath>/.claude/clones.
func NewManager(projectPath string, log *logger.Logger) (*Manager, error) {
	clonesDir := filepath.Join(projectPath, ".claude", "clones")
	if err := os.MkdirAll(clonesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create clones dir: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		projectPath: projectPath,
		clonesDir:   clonesDir,
		logger:      log.WithFields(zap.String("component", "clone-manager")),
	}, nil
}

// AutopilotName derives the clone directory/branch name for a ticket id.
func AutopilotName(ticketIdentifier string) string {
	return autopilotPrefix + ticketIdentifier
}

// RenderBranchName renders executor.branch_pattern (§6.2) for a ticket,
// grounded on the teacher's {{placeholder}} strings.NewReplacer idiom
// (Service.formatReviewPrompt). An empty pattern keeps the manager's
// original "autopilot-<identifier>" naming.
func RenderBranchName(pattern, ticketIdentifier string) string {
	if pattern == "" {
		return "autopilot-" + ticketIdentifier
	}
	replacer := strings.NewReplacer(
		"{{ticket}}", ticketIdentifier,
		"{{ticket_id}}", ticketIdentifier,
	)
	return replacer.Replace(pattern)
}

// dest resolves name to a path strictly inside clonesDir, rejecting any
// name that would escape via path traversal.
func (m *Manager) dest(name string) (string, error) {
	dest := filepath.Join(m.clonesDir, name)
	rel, err := filepath.Rel(m.clonesDir, dest)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("clone name %q escapes clones directory", name)
	}
	return dest, nil
}

// CreateClone provisions a fresh clone for name. If fromBranch is non-empty
// (fixer mode), that branch is checked out instead of creating a new one.
// branchName overrides the new-branch name when fromBranch is empty; an
// empty branchName falls back to the legacy "autopilot-<name>" naming.
func (m *Manager) CreateClone(ctx context.Context, name string, fromBranch string, branchName string) (*Clone, error) {
	dest, err := m.dest(name)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(dest); err == nil {
		if err := m.removeDir(ctx, dest); err != nil {
			return nil, fmt.Errorf("clone %q already exists and could not be removed: %w", name, err)
		}
		if _, err := os.Stat(dest); err == nil {
			return nil, fmt.Errorf("clone %q already exists", name)
		}
	}

	defaultBranch, err := m.defaultBranch(ctx)
	if err != nil {
		defaultBranch = "main"
	}

	if err := m.runGit(ctx, m.projectPath, "clone", "--shared", "--no-tags", "--branch", defaultBranch, m.projectPath, dest); err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}

	remoteURL, err := m.runGitOutput(ctx, m.projectPath, "remote", "get-url", "origin")
	if err == nil && remoteURL != "" {
		if err := m.runGit(ctx, dest, "remote", "set-url", "origin", remoteURL); err != nil {
			m.logger.Warn("failed to set origin url on clone", zap.String("name", name), zap.Error(err))
		}
	}

	if name, email := m.identity(); name != "" {
		_ = m.runGit(ctx, dest, "config", "user.name", name)
		_ = m.runGit(ctx, dest, "config", "user.email", email)
	}

	if err := m.runGit(ctx, dest, "fetch", "origin"); err != nil {
		m.logger.Warn("fetch origin on new clone failed", zap.String("name", name), zap.Error(err))
	}

	if fromBranch != "" {
		if err := m.runGit(ctx, dest, "checkout", fromBranch); err != nil {
			return nil, fmt.Errorf("checkout fromBranch %q: %w", fromBranch, err)
		}
		return &Clone{Path: dest, Branch: fromBranch}, nil
	}

	legacyBranch := legacyBranchPrefix + strings.TrimPrefix(name, autopilotPrefix)
	if m.remoteBranchExists(ctx, legacyBranch) {
		if err := m.runGit(ctx, dest, "checkout", "-b", legacyBranch, "origin/"+legacyBranch); err != nil {
			return nil, fmt.Errorf("checkout legacy branch %q: %w", legacyBranch, err)
		}
		return &Clone{Path: dest, Branch: legacyBranch}, nil
	}

	branch := branchName
	if branch == "" {
		branch = "autopilot-" + strings.TrimPrefix(name, autopilotPrefix)
	}
	if err := m.runGit(ctx, dest, "checkout", "-b", branch, defaultBranch); err != nil {
		return nil, fmt.Errorf("checkout new branch %q: %w", branch, err)
	}
	return &Clone{Path: dest, Branch: branch}, nil
}

// RemoveClone best-effort removes name's directory. It never returns an
// error to the caller's control flow — callers always proceed regardless.
func (m *Manager) RemoveClone(ctx context.Context, name string) {
	dest, err := m.dest(name)
	if err != nil {
		m.logger.Warn("refusing to remove clone with unsafe name", zap.String("name", name), zap.Error(err))
		return
	}
	if err := m.removeDir(ctx, dest); err != nil {
		m.logger.Warn("failed to remove clone directory", zap.String("name", name), zap.Error(err))
	}
}

// removeDir retries rmdir-equivalent removal up to 4 attempts, sleeping
// 1/3/5 seconds between attempts, grounded on the teacher's
// forceRemoveDir/removeWorktreeDir retry idiom (now using an os.RemoveAll
// since clones are plain directories, not a `git worktree`-registered
// worktree).
func (m *Manager) removeDir(ctx context.Context, dir string) error {
	delays := []time.Duration{0, time.Second, 3 * time.Second, 5 * time.Second}
	var lastErr error
	for _, d := range delays {
		if d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return nil
		}
		if err := os.RemoveAll(dir); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// SweepClones removes every autopilot-prefixed directory not present in
// activeNames, plus any legacy `.claude/worktrees/*` leftovers from the
// on-disk layout this manager supersedes.
func (m *Manager) SweepClones(ctx context.Context, activeNames map[string]bool) {
	entries, err := os.ReadDir(m.clonesDir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("failed to read clones directory", zap.Error(err))
		}
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), autopilotPrefix) {
			continue
		}
		if activeNames[entry.Name()] {
			continue
		}
		m.RemoveClone(ctx, entry.Name())
	}

	legacyDir := filepath.Join(m.projectPath, ".claude", "worktrees")
	legacyEntries, err := os.ReadDir(legacyDir)
	if err != nil {
		return
	}
	for _, entry := range legacyEntries {
		_ = os.RemoveAll(filepath.Join(legacyDir, entry.Name()))
	}
}

func (m *Manager) defaultBranch(ctx context.Context) (string, error) {
	out, err := m.runGitOutput(ctx, m.projectPath, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		return "", err
	}
	parts := strings.Split(out, "/")
	if len(parts) == 0 {
		return "", fmt.Errorf("unexpected symbolic-ref output: %q", out)
	}
	return parts[len(parts)-1], nil
}

func (m *Manager) remoteBranchExists(ctx context.Context, branch string) bool {
	out, err := m.runGitOutput(ctx, m.projectPath, "ls-remote", "--heads", "origin", branch)
	return err == nil && strings.TrimSpace(out) != ""
}

func (m *Manager) identity() (name, email string) {
	return os.Getenv("AUTOPILOT_GIT_USER_NAME"), os.Getenv("AUTOPILOT_GIT_USER_EMAIL")
}

func (m *Manager) runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *Manager) runGitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

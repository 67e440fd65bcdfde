package clone

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutopilotName(t *testing.T) {
	assert.Equal(t, "ap-ENG-12", AutopilotName("ENG-12"))
}

func TestRenderBranchName(t *testing.T) {
	assert.Equal(t, "autopilot-ENG-12", RenderBranchName("", "ENG-12"))
	assert.Equal(t, "agent/ENG-12", RenderBranchName("agent/{{ticket}}", "ENG-12"))
}

func TestCreateCloneUsesRenderedBranchName(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	projectDir := t.TempDir()
	initGitRepo(t, projectDir)

	m, err := NewManager(projectDir, nil)
	require.NoError(t, err)

	ctx := context.Background()
	name := AutopilotName("ENG-9")
	c, err := m.CreateClone(ctx, name, "", "agent/ENG-9")
	require.NoError(t, err)
	assert.Equal(t, "agent/ENG-9", c.Branch)

	m.RemoveClone(ctx, name)
}

func TestDestRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, nil)
	require.NoError(t, err)

	_, err = m.dest("../../etc")
	assert.Error(t, err)

	ok, err := m.dest("ap-ENG-12")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".claude", "clones", "ap-ENG-12"), ok)
}

func initGitRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644))
	run("add", ".")
	run("commit", "-m", "init")
}

func TestCreateAndRemoveClone(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	projectDir := t.TempDir()
	initGitRepo(t, projectDir)

	m, err := NewManager(projectDir, nil)
	require.NoError(t, err)

	ctx := context.Background()
	name := AutopilotName("ENG-1")
	c, err := m.CreateClone(ctx, name, "", "")
	require.NoError(t, err)
	assert.Equal(t, "autopilot-ENG-1", c.Branch)
	assert.DirExists(t, c.Path)

	m.RemoveClone(ctx, name)
	assert.NoDirExists(t, c.Path)
}

func TestSweepClonesOnlyTouchesAutopilotPrefixed(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	projectDir := t.TempDir()
	initGitRepo(t, projectDir)

	m, err := NewManager(projectDir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	humanDir := filepath.Join(m.clonesDir, "my-manual-clone")
	require.NoError(t, os.MkdirAll(humanDir, 0o755))

	stale := AutopilotName("ENG-2")
	_, err = m.CreateClone(ctx, stale, "", "")
	require.NoError(t, err)

	m.SweepClones(ctx, map[string]bool{})

	assert.DirExists(t, humanDir)
	assert.NoDirExists(t, filepath.Join(m.clonesDir, stale))
}

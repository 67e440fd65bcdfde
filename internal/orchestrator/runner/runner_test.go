package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/orchestrator/admission"
)

func TestBuildEnvIncludesFixedAllowlistAndFlags(t *testing.T) {
	t.Setenv("HOME", "/home/agent")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-secret")

	env := buildEnv([]string{"ANTHROPIC_API_KEY"})

	joined := ""
	for _, kv := range env {
		joined += kv + "\n"
	}
	require.Contains(t, joined, "HOME=/home/agent")
	require.Contains(t, joined, "ANTHROPIC_API_KEY=sk-ant-secret")
	require.Contains(t, joined, "AGENT_TEAMS=1")
	require.Contains(t, joined, "GIT_CONFIG_NOSYSTEM=1")
	require.Contains(t, joined, "GIT_CONFIG_GLOBAL=/dev/null")
}

func TestBuildEnvOmitsUnsetVariables(t *testing.T) {
	os.Unsetenv("SOME_UNSET_VAR_FOR_TEST")
	env := buildEnv([]string{"SOME_UNSET_VAR_FOR_TEST"})
	for _, kv := range env {
		require.NotContains(t, kv, "SOME_UNSET_VAR_FOR_TEST=")
	}
}

func TestClassifyFailurePriority(t *testing.T) {
	out := classifyFailure(context.DeadlineExceeded, true, true, true)
	require.Equal(t, ExitTimeout, out.ExitReason)
	require.True(t, out.TimedOut)

	out = classifyFailure(context.Canceled, false, true, true)
	require.Equal(t, ExitInactivity, out.ExitReason)

	out = classifyFailure(context.Canceled, false, false, true)
	require.Equal(t, ExitAborted, out.ExitReason)

	out = classifyFailure(context.Canceled, false, false, false)
	require.Equal(t, ExitError, out.ExitReason)
	require.Equal(t, "context canceled", out.Error)
}

func TestToolKindNameMapsKnownKinds(t *testing.T) {
	cases := map[acp.ToolKind]string{
		acp.ToolKind("read"):    "Read",
		acp.ToolKind("edit"):    "Edit",
		acp.ToolKind("execute"): "Bash",
		acp.ToolKind("search"):  "Grep",
		acp.ToolKind("fetch"):   "WebFetch",
		acp.ToolKind("think"):   "Task",
		acp.ToolKind("unknown"): "Tool",
	}
	for kind, expected := range cases {
		require.Equal(t, expected, toolKindName(kind))
	}
}

func TestToRawMessageAgentMessageChunk(t *testing.T) {
	n := acp.SessionNotification{
		Update: acp.SessionUpdate{
			AgentMessageChunk: &acp.AgentMessageChunk{
				Content: acp.ContentBlock{Text: &acp.TextContent{Text: "hello"}},
			},
		},
	}
	raw, ok := toRawMessage(n)
	require.True(t, ok)
	require.Equal(t, "assistant", raw.Type)
	require.Equal(t, "hello", raw.Message.Content[0].Text)
}

func TestToRawMessageIgnoresUnknownUpdate(t *testing.T) {
	_, ok := toRawMessage(acp.SessionNotification{})
	require.False(t, ok)
}

func TestACPClientReadWriteTextFileRequireAbsolutePaths(t *testing.T) {
	c := newACPClient(zap.NewNop(), t.TempDir(), nil)

	_, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: "relative/path.txt"})
	require.Error(t, err)

	_, err = c.WriteTextFile(context.Background(), acp.WriteTextFileRequest{Path: "relative/path.txt"})
	require.Error(t, err)
}

func TestACPClientWriteThenReadTextFile(t *testing.T) {
	c := newACPClient(zap.NewNop(), t.TempDir(), nil)
	path := filepath.Join(t.TempDir(), "out.txt")

	_, err := c.WriteTextFile(context.Background(), acp.WriteTextFileRequest{Path: path, Content: "hi"})
	require.NoError(t, err)

	resp, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: path})
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Content)
}

func TestACPClientRequestPermissionAutoApprovesAllowOption(t *testing.T) {
	c := newACPClient(zap.NewNop(), "", nil)
	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		Options: []acp.PermissionOption{
			{OptionId: "deny", Kind: acp.PermissionOptionKind("reject_once")},
			{OptionId: "allow", Kind: acp.PermissionOptionKindAllowOnce},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Selected)
	require.Equal(t, acp.PermissionOptionId("allow"), resp.Outcome.Selected.OptionId)
}

func TestACPClientRequestPermissionCancelsWithNoOptions(t *testing.T) {
	c := newACPClient(zap.NewNop(), "", nil)
	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{})
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Cancelled)
}

func TestRunFailsCleanlyWithNoAgentCommand(t *testing.T) {
	out := Run(context.Background(), nil, admission.New(), Options{})
	require.Equal(t, ExitError, out.ExitReason)
}

package messages

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func TestSystemInitExtractsSessionID(t *testing.T) {
	result := Process(RawMessage{Type: "system", Subtype: "init", SessionID: "sess-123"}, 1000, "")

	require.Equal(t, "sess-123", result.SessionID)
	require.Len(t, result.Activities, 1)
	require.Equal(t, v1.ActivityStatus, result.Activities[0].Type)
}

func TestSystemNonInitIsIgnored(t *testing.T) {
	result := Process(RawMessage{Type: "system", Subtype: "heartbeat"}, 1000, "")
	require.Empty(t, result.Activities)
	require.Empty(t, result.SessionID)
}

func TestAssistantToolUseSummarizesReadWithWorkingDirStripped(t *testing.T) {
	input, _ := json.Marshal(map[string]string{"file_path": "/repo/clone/main.go"})
	raw := RawMessage{
		Type: "assistant",
		Message: &ContentMessage{Content: []ContentBlock{
			{Type: "tool_use", Name: "Read", Input: input},
		}},
	}

	result := Process(raw, 2000, "/repo/clone")
	require.Len(t, result.Activities, 1)
	require.Equal(t, v1.ActivityToolUse, result.Activities[0].Type)
	require.Equal(t, "Read: main.go", result.Activities[0].Summary)
}

func TestAssistantToolUseUnknownToolFallsBackToName(t *testing.T) {
	raw := RawMessage{
		Type: "assistant",
		Message: &ContentMessage{Content: []ContentBlock{
			{Type: "tool_use", Name: "SomeCustomTool", Input: json.RawMessage(`{}`)},
		}},
	}
	result := Process(raw, 2000, "")
	require.Equal(t, "Tool: SomeCustomTool", result.Activities[0].Summary)
}

func TestAssistantTextTruncatesSummaryButKeepsFullDetail(t *testing.T) {
	longText := strings.Repeat("a", 500)
	raw := RawMessage{
		Type: "assistant",
		Message: &ContentMessage{Content: []ContentBlock{
			{Type: "text", Text: longText},
		}},
	}
	result := Process(raw, 3000, "")
	require.Len(t, result.Activities, 1)
	require.Len(t, result.Activities[0].Summary, maxSummaryChars)
	require.Equal(t, longText, result.Activities[0].Detail)
}

func TestResultSuccessPopulatesSuccessResult(t *testing.T) {
	cost := 1.23
	duration := int64(4500)
	turns := 7
	raw := RawMessage{
		Type: "result", Subtype: "success", Result: "all done",
		TotalCostUsd: &cost, DurationMs: &duration, NumTurns: &turns,
	}
	result := Process(raw, 4000, "")
	require.NotNil(t, result.SuccessResult)
	require.Equal(t, "all done", result.SuccessResult.Result)
	require.InDelta(t, 1.23, result.SuccessResult.CostUsd, 0.001)
	require.Equal(t, int64(4500), result.SuccessResult.DurationMs)
	require.Equal(t, 7, result.SuccessResult.NumTurns)
	require.Empty(t, result.ErrorMessage)
}

func TestResultErrorJoinsErrorsAndSetsErrorMessage(t *testing.T) {
	raw := RawMessage{Type: "result", Subtype: "error_during_execution", Errors: []string{"boom", "timed out"}}
	result := Process(raw, 5000, "")
	require.Equal(t, "boom; timed out", result.ErrorMessage)
	require.Len(t, result.Activities, 1)
	require.Equal(t, v1.ActivityError, result.Activities[0].Type)
}

func TestUnknownMessageTypeIsIgnored(t *testing.T) {
	result := Process(RawMessage{Type: "ping"}, 1000, "")
	require.Empty(t, result.Activities)
}

package runner

import (
	"encoding/json"

	"github.com/coder/acp-go-sdk"

	"github.com/kandev/orchestrator/internal/orchestrator/messages"
)

// toolKindName maps ACP's coarse ToolCall.Kind taxonomy onto the
// Message Processor's per-tool summary rules (§4.5), which were modeled
// on the richer Read/Edit/Write/Bash/Glob/Grep/WebFetch/WebSearch/Task
// vocabulary. ACP does not expose that level of detail directly, so kinds
// collapse onto the nearest equivalent; ToolCall.Kind is a plain string
// (the pack's own ACP adapters treat it as one rather than matching typed
// constants), so this switches on the raw value.
//
// "think" deliberately does not map to "Task": ACP's kind taxonomy has no
// signal for sub-agent dispatch (see DESIGN.md), and Task is also how the
// Message Processor recognizes a sub-agent activity (IsSubagent) — folding
// "think" into it would mislabel ordinary reasoning steps as delegation.
func toolKindName(kind acp.ToolKind) string {
	switch string(kind) {
	case "read":
		return "Read"
	case "edit":
		return "Edit"
	case "delete", "move":
		return "Bash"
	case "search":
		return "Grep"
	case "execute":
		return "Bash"
	case "fetch":
		return "WebFetch"
	default: // includes "think" and "other"
		return "Tool"
	}
}

// toRawMessage translates one ACP session update into the Message
// Processor's discriminated-union shape so the same Process function used
// for Claude Agent SDK streams can be reused here.
func toRawMessage(n acp.SessionNotification) (messages.RawMessage, bool) {
	u := n.Update

	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text == nil {
			return messages.RawMessage{}, false
		}
		return messages.RawMessage{
			Type: "assistant",
			Message: &messages.ContentMessage{Content: []messages.ContentBlock{
				{Type: "text", Text: u.AgentMessageChunk.Content.Text.Text},
			}},
		}, true

	case u.ToolCall != nil:
		title := u.ToolCall.Title
		input, _ := json.Marshal(map[string]string{"file_path": title, "command": title, "pattern": title, "url": title, "query": title, "description": title})
		return messages.RawMessage{
			Type: "assistant",
			Message: &messages.ContentMessage{Content: []messages.ContentBlock{
				{Type: "tool_use", Name: toolKindName(u.ToolCall.Kind), Input: input},
			}},
		}, true

	default:
		return messages.RawMessage{}, false
	}
}

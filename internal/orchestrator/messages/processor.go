// Package messages implements the Agent Message Processor (§4.5): a pure
// function that turns one streamed agent SDK message into zero or more
// bounded activity entries plus whatever terminal outcome it carries.
package messages

import (
	"encoding/json"
	"fmt"
	"strings"

	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// maxSummaryChars bounds text/error summaries (§4.5, §3 Activity entry).
const maxSummaryChars = 200

// Result is what processing one streamed message yields.
type Result struct {
	Activities    []v1.Activity
	SessionID     string
	SuccessResult *SuccessResult
	ErrorMessage  string
}

// SuccessResult is the accumulator update on a successful terminal message.
type SuccessResult struct {
	Result     string
	CostUsd    float64
	DurationMs int64
	NumTurns   int
}

// RawMessage is the loosely-typed shape of one streamed agent SDK message,
// mirroring the contract in §6.4: a discriminated union keyed by "type"
// (and, for results, "subtype").
type RawMessage struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Message *ContentMessage `json:"message,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	Result        string   `json:"result,omitempty"`
	TotalCostUsd  *float64 `json:"total_cost_usd,omitempty"`
	DurationMs    *int64   `json:"duration_ms,omitempty"`
	NumTurns      *int     `json:"num_turns,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// ContentMessage is the assistant message envelope carrying content blocks.
type ContentMessage struct {
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one block of an assistant message: either a tool_use or text block.
type ContentBlock struct {
	Type  string          `json:"type"` // tool_use, text
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// timestampMs is supplied by the caller (the runner attaches wall-clock
// time as each message is observed) so this package stays a pure function
// with no clock of its own.
func Process(raw RawMessage, timestampMs int64, workingDir string) Result {
	switch raw.Type {
	case "system":
		if raw.Subtype == "init" {
			return Result{
				Activities: []v1.Activity{{
					TimestampMs: timestampMs,
					Type:        v1.ActivityStatus,
					Summary:     "Agent started",
				}},
				SessionID: raw.SessionID,
			}
		}
		return Result{}

	case "assistant":
		if raw.Message == nil {
			return Result{}
		}
		var activities []v1.Activity
		for _, block := range raw.Message.Content {
			switch block.Type {
			case "tool_use":
				activities = append(activities, v1.Activity{
					TimestampMs: timestampMs,
					Type:        v1.ActivityToolUse,
					Summary:     summarizeToolUse(block, workingDir),
					IsSubagent:  block.Name == "Task",
				})
			case "text":
				summary := block.Text
				if len(summary) > maxSummaryChars {
					summary = summary[:maxSummaryChars]
				}
				activities = append(activities, v1.Activity{
					TimestampMs: timestampMs,
					Type:        v1.ActivityText,
					Summary:     summary,
					Detail:      block.Text,
				})
			}
		}
		return Result{Activities: activities}

	case "result":
		if raw.Subtype == "success" {
			sr := &SuccessResult{Result: raw.Result}
			if raw.TotalCostUsd != nil {
				sr.CostUsd = *raw.TotalCostUsd
			}
			if raw.DurationMs != nil {
				sr.DurationMs = *raw.DurationMs
			}
			if raw.NumTurns != nil {
				sr.NumTurns = *raw.NumTurns
			}
			return Result{
				Activities:    []v1.Activity{{TimestampMs: timestampMs, Type: v1.ActivityResult, Summary: "Run completed"}},
				SuccessResult: sr,
			}
		}

		errMsg := raw.Subtype
		if len(raw.Errors) > 0 {
			errMsg = strings.Join(raw.Errors, "; ")
		}
		summary := errMsg
		if len(summary) > maxSummaryChars {
			summary = summary[:maxSummaryChars]
		}
		return Result{
			Activities:   []v1.Activity{{TimestampMs: timestampMs, Type: v1.ActivityError, Summary: summary}},
			ErrorMessage: errMsg,
		}

	default:
		return Result{}
	}
}

// toolSummaryRules maps a tool name to a function deriving its one-line
// activity summary from the tool's JSON input.
var toolSummaryRules = map[string]func(input map[string]any) (string, bool){
	"Read":  func(in map[string]any) (string, bool) { return pathField(in, "file_path") },
	"Edit":  func(in map[string]any) (string, bool) { return pathField(in, "file_path") },
	"Write": func(in map[string]any) (string, bool) { return pathField(in, "file_path") },
	"Bash":  func(in map[string]any) (string, bool) { return stringField(in, "command") },
	"Glob":  func(in map[string]any) (string, bool) { return stringField(in, "pattern") },
	"Grep":  func(in map[string]any) (string, bool) { return stringField(in, "pattern") },
	"WebFetch":  func(in map[string]any) (string, bool) { return stringField(in, "url") },
	"WebSearch": func(in map[string]any) (string, bool) { return stringField(in, "query") },
	"Task": func(in map[string]any) (string, bool) {
		if v, ok := stringField(in, "description"); ok {
			return v, true
		}
		return stringField(in, "subagent_type")
	},
}

func summarizeToolUse(block ContentBlock, workingDir string) string {
	var input map[string]any
	_ = json.Unmarshal(block.Input, &input)

	if rule, ok := toolSummaryRules[block.Name]; ok {
		if summary, found := rule(input); found {
			return fmt.Sprintf("%s: %s", toolVerb(block.Name), stripWorkingDir(summary, workingDir))
		}
	}
	return "Tool: " + block.Name
}

func toolVerb(name string) string {
	switch name {
	case "Read":
		return "Read"
	case "Edit":
		return "Edit"
	case "Write":
		return "Write"
	case "Bash":
		return "Run"
	case "Glob":
		return "Glob"
	case "Grep":
		return "Grep"
	case "WebFetch":
		return "Fetch"
	case "WebSearch":
		return "Search"
	case "Task":
		return "Subagent"
	default:
		return name
	}
}

func stringField(in map[string]any, key string) (string, bool) {
	v, ok := in[key].(string)
	return v, ok && v != ""
}

func pathField(in map[string]any, key string) (string, bool) {
	return stringField(in, key)
}

func stripWorkingDir(value, workingDir string) string {
	if workingDir != "" && strings.HasPrefix(value, workingDir) {
		trimmed := strings.TrimPrefix(value, workingDir)
		return strings.TrimPrefix(trimmed, "/")
	}
	return value
}

package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// Linear's GraphQL API is a single HTTP endpoint; no example in the
// reference corpus pulls in a GraphQL client library, so this talks to it
// directly with net/http and encoding/json rather than adopting an
// unverified dependency.
const linearAPIURL = "https://api.linear.app/graphql"

// LinearClient implements Client against the Linear GraphQL API.
type LinearClient struct {
	apiKey string
	http   *http.Client
}

// NewLinearClient builds a client authenticated with a Linear personal API
// key (sent as the raw Authorization header value, per Linear's convention).
func NewLinearClient(apiKey string) *LinearClient {
	return &LinearClient{apiKey: apiKey, http: &http.Client{Timeout: 30 * time.Second}}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

func (c *LinearClient) do(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, linearAPIURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("linear request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read linear response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("linear http %d: %s", resp.StatusCode, string(raw))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode linear response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("linear graphql error: %s", envelope.Errors[0].Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

func (c *LinearClient) IsAuthenticated(ctx context.Context) (bool, error) {
	var out struct {
		Viewer struct {
			ID string `json:"id"`
		} `json:"viewer"`
	}
	if err := c.do(ctx, `query { viewer { id } }`, nil, &out); err != nil {
		return false, err
	}
	return out.Viewer.ID != "", nil
}

func (c *LinearClient) ResolveStates(ctx context.Context, filter Filter, names StateNames) (StateIDs, error) {
	var out struct {
		WorkflowStates struct {
			Nodes []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"nodes"`
		} `json:"workflowStates"`
	}
	query := `query($teamId: String) {
		workflowStates(filter: { team: { id: { eq: $teamId } } }) {
			nodes { id name }
		}
	}`
	if err := c.do(ctx, query, map[string]any{"teamId": filter.TeamID}, &out); err != nil {
		return StateIDs{}, err
	}

	byName := make(map[string]string, len(out.WorkflowStates.Nodes))
	for _, n := range out.WorkflowStates.Nodes {
		byName[n.Name] = n.ID
	}

	resolve := func(name string) (string, error) {
		if name == "" {
			return "", nil
		}
		id, ok := byName[name]
		if !ok {
			return "", fmt.Errorf("workflow state %q not found for team", name)
		}
		return id, nil
	}

	var ids StateIDs
	var err error
	if ids.Triage, err = resolve(names.Triage); err != nil {
		return StateIDs{}, err
	}
	if ids.Ready, err = resolve(names.Ready); err != nil {
		return StateIDs{}, err
	}
	if ids.InProgress, err = resolve(names.InProgress); err != nil {
		return StateIDs{}, err
	}
	if ids.InReview, err = resolve(names.InReview); err != nil {
		return StateIDs{}, err
	}
	if ids.Done, err = resolve(names.Done); err != nil {
		return StateIDs{}, err
	}
	if ids.Blocked, err = resolve(names.Blocked); err != nil {
		return StateIDs{}, err
	}
	return ids, nil
}

type linearIssueNode struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Title    string `json:"title"`
	Priority int    `json:"priority"`
	CreatedAt string `json:"createdAt"`
	Children struct {
		Nodes []struct {
			State struct {
				Type string `json:"type"` // "completed" or "canceled" means closed
			} `json:"state"`
		} `json:"nodes"`
	} `json:"children"`
	InverseRelations struct {
		Nodes []struct {
			Type           string `json:"type"` // "blocks" (from the predecessor's perspective)
			RelatedIssue struct {
				State struct {
					Type string `json:"type"`
				} `json:"state"`
			} `json:"relatedIssue"`
		} `json:"nodes"`
	} `json:"inverseRelations"`
}

// isLeaf reports whether the issue has no open (non-completed, non-canceled)
// children and no unfinished hard "blocked by" predecessor.
func (n linearIssueNode) isLeaf() bool {
	for _, child := range n.Children.Nodes {
		if child.State.Type != "completed" && child.State.Type != "canceled" {
			return false
		}
	}
	for _, rel := range n.InverseRelations.Nodes {
		if rel.Type != "blocks" {
			continue
		}
		if rel.RelatedIssue.State.Type != "completed" && rel.RelatedIssue.State.Type != "canceled" {
			return false
		}
	}
	return true
}

func (n linearIssueNode) toTicket() v1.Ticket {
	return v1.Ticket{ID: n.ID, Identifier: n.Identifier, Title: n.Title, Priority: n.Priority}
}

const issueListQuery = `query($teamId: String, $stateId: String) {
	issues(filter: { team: { id: { eq: $teamId } }, state: { id: { eq: $stateId } } }, first: 250) {
		nodes {
			id
			identifier
			title
			priority
			createdAt
			children(first: 50) { nodes { state { type } } }
			inverseRelations(first: 50) { nodes { type relatedIssue { state { type } } } }
		}
	}
}`

func (c *LinearClient) ListReadyTickets(ctx context.Context, filter Filter, readyStateID string, limit int) ([]v1.Ticket, error) {
	var out struct {
		Issues struct {
			Nodes []linearIssueNode `json:"nodes"`
		} `json:"issues"`
	}
	vars := map[string]any{"teamId": filter.TeamID, "stateId": readyStateID}
	if err := c.do(ctx, issueListQuery, vars, &out); err != nil {
		return nil, err
	}

	leaves := out.Issues.Nodes[:0]
	for _, n := range out.Issues.Nodes {
		if n.isLeaf() {
			leaves = append(leaves, n)
		}
	}

	sort.SliceStable(leaves, func(i, j int) bool {
		if leaves[i].Priority != leaves[j].Priority {
			// Linear priority: 1 (urgent) is more urgent than 4 (low); 0 is "no priority".
			pi, pj := leaves[i].Priority, leaves[j].Priority
			if pi == 0 {
				pi = 5
			}
			if pj == 0 {
				pj = 5
			}
			return pi < pj
		}
		return leaves[i].CreatedAt < leaves[j].CreatedAt
	})

	if limit > 0 && len(leaves) > limit {
		leaves = leaves[:limit]
	}

	tickets := make([]v1.Ticket, 0, len(leaves))
	for _, n := range leaves {
		tickets = append(tickets, n.toTicket())
	}
	return tickets, nil
}

func (c *LinearClient) ListTicketsInState(ctx context.Context, filter Filter, stateID string) ([]v1.Ticket, error) {
	var out struct {
		Issues struct {
			Nodes []linearIssueNode `json:"nodes"`
		} `json:"issues"`
	}
	vars := map[string]any{"teamId": filter.TeamID, "stateId": stateID}
	if err := c.do(ctx, issueListQuery, vars, &out); err != nil {
		return nil, err
	}
	tickets := make([]v1.Ticket, 0, len(out.Issues.Nodes))
	for _, n := range out.Issues.Nodes {
		tickets = append(tickets, n.toTicket())
	}
	return tickets, nil
}

func (c *LinearClient) GetPRAttachments(ctx context.Context, ticketID string) ([]Attachment, error) {
	var out struct {
		Issue struct {
			Attachments struct {
				Nodes []struct {
					URL       string `json:"url"`
					UpdatedAt string `json:"updatedAt"`
				} `json:"nodes"`
			} `json:"attachments"`
		} `json:"issue"`
	}
	query := `query($id: String!) {
		issue(id: $id) { attachments(first: 20) { nodes { url updatedAt } } }
	}`
	if err := c.do(ctx, query, map[string]any{"id": ticketID}, &out); err != nil {
		return nil, err
	}

	attachments := make([]Attachment, 0, len(out.Issue.Attachments.Nodes))
	for _, a := range out.Issue.Attachments.Nodes {
		updated, _ := time.Parse(time.RFC3339, a.UpdatedAt)
		attachments = append(attachments, Attachment{URL: a.URL, UpdatedAt: updated})
	}
	return attachments, nil
}

func (c *LinearClient) MoveTicket(ctx context.Context, ticketID, stateID string) error {
	mutation := `mutation($id: String!, $stateId: String!) {
		issueUpdate(id: $id, input: { stateId: $stateId }) { success }
	}`
	var out struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	if err := c.do(ctx, mutation, map[string]any{"id": ticketID, "stateId": stateID}, &out); err != nil {
		return err
	}
	if !out.IssueUpdate.Success {
		return fmt.Errorf("linear rejected the state transition for %s", ticketID)
	}
	return nil
}

func (c *LinearClient) PostComment(ctx context.Context, ticketID, body string) error {
	mutation := `mutation($issueId: String!, $body: String!) {
		commentCreate(input: { issueId: $issueId, body: $body }) { success }
	}`
	var out struct {
		CommentCreate struct {
			Success bool `json:"success"`
		} `json:"commentCreate"`
	}
	if err := c.do(ctx, mutation, map[string]any{"issueId": ticketID, "body": body}, &out); err != nil {
		return err
	}
	if !out.CommentCreate.Success {
		return fmt.Errorf("linear rejected the comment on %s", ticketID)
	}
	return nil
}

var _ Client = (*LinearClient)(nil)

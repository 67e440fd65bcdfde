package tracker

import (
	"context"
	"sync"

	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// MockClient implements Client with in-memory configurable data for tests,
// mirroring the code-host collaborator's own MockClient shape.
type MockClient struct {
	mu sync.Mutex

	authenticated bool
	states        StateIDs
	ticketsByState map[string][]v1.Ticket
	attachments   map[string][]Attachment
	moves         []move
	comments      []comment
}

type move struct {
	TicketID string
	StateID  string
}

type comment struct {
	TicketID string
	Body     string
}

// NewMockClient creates a MockClient authenticated by default.
func NewMockClient() *MockClient {
	return &MockClient{
		authenticated:  true,
		ticketsByState: make(map[string][]v1.Ticket),
		attachments:    make(map[string][]Attachment),
	}
}

// SeedReadyTickets sets the tickets ListReadyTickets/ListTicketsInState
// returns for a given state id, already filtered and ordered by the caller.
func (m *MockClient) SeedTicketsInState(stateID string, tickets []v1.Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticketsByState[stateID] = tickets
}

// SeedAttachments sets the PR attachments a ticket reports.
func (m *MockClient) SeedAttachments(ticketID string, attachments []Attachment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[ticketID] = attachments
}

// Moves returns every MoveTicket call observed so far, for test assertions.
func (m *MockClient) Moves() []move {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]move(nil), m.moves...)
}

// Comments returns every PostComment call observed so far.
func (m *MockClient) Comments() []comment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]comment(nil), m.comments...)
}

func (m *MockClient) IsAuthenticated(context.Context) (bool, error) {
	return m.authenticated, nil
}

func (m *MockClient) ResolveStates(context.Context, Filter, StateNames) (StateIDs, error) {
	return m.states, nil
}

func (m *MockClient) ListReadyTickets(_ context.Context, _ Filter, readyStateID string, limit int) ([]v1.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tickets := m.ticketsByState[readyStateID]
	if limit > 0 && len(tickets) > limit {
		tickets = tickets[:limit]
	}
	return append([]v1.Ticket(nil), tickets...), nil
}

func (m *MockClient) ListTicketsInState(_ context.Context, _ Filter, stateID string) ([]v1.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]v1.Ticket(nil), m.ticketsByState[stateID]...), nil
}

func (m *MockClient) GetPRAttachments(_ context.Context, ticketID string) ([]Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Attachment(nil), m.attachments[ticketID]...), nil
}

func (m *MockClient) MoveTicket(_ context.Context, ticketID, stateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moves = append(m.moves, move{TicketID: ticketID, StateID: stateID})
	return nil
}

func (m *MockClient) PostComment(_ context.Context, ticketID, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments = append(m.comments, comment{TicketID: ticketID, Body: body})
	return nil
}

var _ Client = (*MockClient)(nil)

package voice

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is an in-memory Provider for tests and local runs without a provider key.
// Each placed call is reported as ended with the next entry of EndedReasons;
// once they run out, calls end with "customer-ended-call".
type MockClient struct {
	mu           sync.Mutex
	Placed       []CallRequest
	PlaceErr     error
	EndedReasons []string
	// Pending keeps calls in progress so GetCall never reports them ended.
	Pending bool

	calls  map[string]*Call
	nextID int
}

var _ Provider = (*MockClient)(nil)

// NewMockClient creates a MockClient whose calls end with the given reasons, in order.
func NewMockClient(endedReasons ...string) *MockClient {
	return &MockClient{EndedReasons: endedReasons, calls: make(map[string]*Call)}
}

func (m *MockClient) PlaceCall(_ context.Context, req CallRequest) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Placed = append(m.Placed, req)
	if m.PlaceErr != nil {
		return nil, m.PlaceErr
	}
	if m.calls == nil {
		m.calls = make(map[string]*Call)
	}
	m.nextID++
	reason := "customer-ended-call"
	if len(m.EndedReasons) > 0 {
		reason = m.EndedReasons[0]
		m.EndedReasons = m.EndedReasons[1:]
	}
	call := &Call{ID: fmt.Sprintf("call-%d", m.nextID), Status: StatusEnded, EndedReason: reason, CreatedAt: time.Now()}
	if m.Pending {
		call.Status = StatusInProgress
		call.EndedReason = ""
	}
	m.calls[call.ID] = call
	return &Call{ID: call.ID, Status: StatusQueued, CreatedAt: call.CreatedAt}, nil
}

func (m *MockClient) GetCall(_ context.Context, id string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[id]
	if !ok {
		return nil, fmt.Errorf("mock call %s not found", id)
	}
	cp := *call
	return &cp, nil
}

// PlacedCount returns how many calls were placed.
func (m *MockClient) PlacedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Placed)
}

package adapter

import (
	"context"
	"fmt"
	"sync"
)

// Reply is one scripted mock response. A non-nil Err is returned instead
// of the text.
type Reply struct {
	Text string
	Err  error
}

// MockAdapter returns scripted replies in order, then the default reply.
// It records every request it receives.
type MockAdapter struct {
	mu       sync.Mutex
	replies  []Reply
	fallback string
	requests []Request
	Usage    *Usage
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		fallback: `{"sub_state":"need-provider-info","task_state":"input-required","response":"Who is the referring provider?","focus":"provider"}`,
	}
}

// NewScriptedMock creates a mock that answers with texts in order.
func NewScriptedMock(texts ...string) *MockAdapter {
	m := NewMockAdapter()
	for _, t := range texts {
		m.replies = append(m.replies, Reply{Text: t})
	}
	return m
}

// Push appends scripted replies.
func (a *MockAdapter) Push(replies ...Reply) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies = append(a.replies, replies...)
}

// SetDefault changes the reply used once the script is exhausted.
func (a *MockAdapter) SetDefault(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallback = text
}

// Requests returns a copy of the requests received so far.
func (a *MockAdapter) Requests() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Request, len(a.requests))
	copy(out, a.requests)
	return out
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return "mock"
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-1"}
}

// Generate returns the next scripted reply.
func (a *MockAdapter) Generate(ctx context.Context, model string, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if model == "" {
		model = "mock-1"
	}

	a.mu.Lock()
	a.requests = append(a.requests, req)
	var next Reply
	if len(a.replies) > 0 {
		next = a.replies[0]
		a.replies = a.replies[1:]
	} else {
		next = Reply{Text: a.fallback}
	}
	usage := a.Usage
	a.mu.Unlock()

	if next.Err != nil {
		return nil, fmt.Errorf("mock: %w", next.Err)
	}
	return &Response{Text: next.Text, Adapter: a.Name(), Model: model, Usage: usage}, nil
}

package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockResult is a single scripted outcome for the mock client.
type MockResult struct {
	Content string
	Usage   TokenUsage
	Err     error
}

// MockClient implements Client for testing. Responses are consumed in order;
// once the script runs out every further call fails.
type MockClient struct {
	mu      sync.Mutex
	model   string
	script  []MockResult
	Calls   []CompletionRequest
	handler func(req CompletionRequest) (*CompletionResponse, error)
}

// NewMockClient creates a mock client that replays the given results in order.
func NewMockClient(results ...MockResult) *MockClient {
	return &MockClient{model: "mock-model", script: results}
}

// NewMockClientFunc creates a mock client backed by a handler function.
func NewMockClientFunc(handler func(req CompletionRequest) (*CompletionResponse, error)) *MockClient {
	return &MockClient{model: "mock-model", handler: handler}
}

// Enqueue appends further scripted results.
func (m *MockClient) Enqueue(results ...MockResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, results...)
}

func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, req)

	if m.handler != nil {
		return m.handler(req)
	}

	if len(m.script) == 0 {
		return nil, fmt.Errorf("mock client script exhausted after %d calls", len(m.Calls))
	}

	next := m.script[0]
	m.script = m.script[1:]

	if next.Err != nil {
		return nil, next.Err
	}

	usage := next.Usage
	if usage.TotalTokens == 0 {
		usage = TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150}
	}

	return &CompletionResponse{
		Content:    next.Content,
		StopReason: "stop",
		Usage:      usage,
	}, nil
}

func (m *MockClient) Model() string {
	return m.model
}

// CallCount returns how many completions were requested.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

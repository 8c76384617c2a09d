package llm

import (
	"context"
	"sync"
)

// Mock is a scripted Client for tests. Responses are consumed in order;
// when the script runs out the last entry repeats.
type Mock struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error
	calls     []Request
}

// NewMock creates an empty mock; use Script/ScriptError to queue replies.
func NewMock() *Mock {
	return &Mock{}
}

// Script queues a successful text reply.
func (m *Mock) Script(text string) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, &Response{Text: text, InputTokens: 10, OutputTokens: 10})
	m.errs = append(m.errs, nil)
	return m
}

// ScriptError queues a failing call.
func (m *Mock) ScriptError(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, nil)
	m.errs = append(m.errs, err)
	return m
}

// Complete implements Client.
func (m *Mock) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if len(m.responses) == 0 {
		return &Response{Text: ""}, nil
	}
	idx := len(m.calls) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	if m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	return m.responses[idx], nil
}

// Calls returns the requests seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

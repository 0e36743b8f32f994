package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a scripted Client for tests. Responses are consumed in
// order; when the script runs out the last entry repeats. An entry with a
// non-nil error is returned as that error.
type MockClient struct {
	mu        sync.Mutex
	script    []MockReply
	next      int
	requests  []Request
	model     string
	chunkSize int
}

// MockReply is one scripted turn.
type MockReply struct {
	Response Response
	Err      error
}

// NewMockClient creates a mock that replies with the given script.
func NewMockClient(script ...MockReply) *MockClient {
	return &MockClient{script: script, model: "mock-model", chunkSize: 16}
}

// MockText is a convenience for a plain-text reply.
func MockText(content string) MockReply {
	return MockReply{Response: Response{Content: content, StopReason: "end_turn"}}
}

// MockError is a convenience for a failed turn.
func MockError(err error) MockReply {
	return MockReply{Err: err}
}

// Requests returns a copy of every request the mock has seen.
func (m *MockClient) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockClient) take(in Request) MockReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, in)
	if len(m.script) == 0 {
		return MockReply{Err: fmt.Errorf("mock client has no scripted replies")}
	}
	reply := m.script[m.next]
	if m.next < len(m.script)-1 {
		m.next++
	}
	return reply
}

// Complete implements Client.
func (m *MockClient) Complete(_ context.Context, in Request) (Response, error) {
	reply := m.take(in)
	if reply.Err != nil {
		return Response{}, reply.Err
	}
	return reply.Response, nil
}

// Stream implements Client, splitting the scripted content into fixed-size
// chunks so stream consumers see more than one delivery.
func (m *MockClient) Stream(_ context.Context, in Request) (<-chan StreamChunk, error) {
	reply := m.take(in)
	if reply.Err != nil {
		return nil, reply.Err
	}

	ch := make(chan StreamChunk, 8)
	go func() {
		defer close(ch)
		content := reply.Response.Content
		for len(content) > 0 {
			n := m.chunkSize
			if n > len(content) {
				n = len(content)
			}
			ch <- StreamChunk{Content: content[:n]}
			content = content[n:]
		}
		ch <- StreamChunk{Done: true}
	}()
	return ch, nil
}

// ModelName implements Client.
func (m *MockClient) ModelName() string {
	return m.model
}

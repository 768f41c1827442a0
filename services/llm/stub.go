// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"sync"
	"time"
)

// StubReply is one scripted answer.
type StubReply struct {
	Content string
	Err     error
	// Delay blocks the call until it elapses or ctx is done.
	Delay time.Duration
}

// StubHandler computes a reply from the request. Used when replies depend
// on prompt content.
type StubHandler func(ctx context.Context, messages []Message) (string, error)

// StubClient is a deterministic ChatClient for tests and offline runs.
//
// Replies are consumed in order; once exhausted, the last one repeats.
// When a handler is set it takes precedence over scripted replies.
//
// # Thread Safety
//
// Safe for concurrent use.
type StubClient struct {
	mu       sync.Mutex
	model    string
	replies  []StubReply
	handler  StubHandler
	calls    int
	requests [][]Message
}

// NewStubClient returns a stub that plays back replies.
func NewStubClient(model string, replies ...StubReply) *StubClient {
	return &StubClient{model: model, replies: replies}
}

// NewStubHandlerClient returns a stub driven by handler.
func NewStubHandlerClient(model string, handler StubHandler) *StubClient {
	return &StubClient{model: model, handler: handler}
}

// Model implements ChatClient.
func (s *StubClient) Model() string { return s.model }

// Chat implements ChatClient.
func (s *StubClient) Chat(ctx context.Context, messages []Message, _ GenerationParams) (*Response, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.requests = append(s.requests, append([]Message(nil), messages...))
	handler := s.handler
	var reply StubReply
	if handler == nil && len(s.replies) > 0 {
		if idx >= len(s.replies) {
			idx = len(s.replies) - 1
		}
		reply = s.replies[idx]
	}
	s.mu.Unlock()

	if handler != nil {
		content, err := handler(ctx, messages)
		if err != nil {
			return nil, err
		}
		return &Response{Content: content, Model: s.model, FinishReason: "stop"}, nil
	}

	if reply.Delay > 0 {
		timer := time.NewTimer(reply.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &Response{Content: reply.Content, Model: s.model, FinishReason: "stop"}, nil
}

// Calls returns how many times Chat was invoked.
func (s *StubClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Requests returns a copy of every message list received.
func (s *StubClient) Requests() [][]Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Message, len(s.requests))
	for i, r := range s.requests {
		out[i] = append([]Message(nil), r...)
	}
	return out
}

var _ ChatClient = (*StubClient)(nil)

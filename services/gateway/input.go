// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"strings"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/llm"
)

// Input is what a caller sends to the model: either a single prompt string
// or an ordered conversation.
type Input struct {
	text     string
	messages []llm.Message
	isText   bool
}

// Text wraps a prompt as a single user message.
func Text(prompt string) Input {
	return Input{text: prompt, isText: true}
}

// Conversation sends messages in order. System messages are kept.
func Conversation(messages ...llm.Message) Input {
	return Input{messages: append([]llm.Message(nil), messages...)}
}

// Messages returns the normalized message list. A message without a role
// is sent as a user turn. Empty input is rejected.
func (in Input) Messages() ([]llm.Message, error) {
	if in.isText {
		if strings.TrimSpace(in.text) == "" {
			return nil, &GatewayError{Kind: KindInvalidInput, Message: "prompt is empty"}
		}
		return []llm.Message{{Role: llm.RoleUser, Content: in.text}}, nil
	}

	out := make([]llm.Message, 0, len(in.messages))
	hasContent := false
	for _, m := range in.messages {
		if m.Role == "" {
			m.Role = llm.RoleUser
		}
		if strings.TrimSpace(m.Content) != "" {
			hasContent = true
		}
		out = append(out, m)
	}
	if !hasContent {
		return nil, &GatewayError{Kind: KindInvalidInput, Message: "conversation has no content"}
	}
	return out, nil
}

// promptText flattens message contents for length accounting and audit.
func promptText(messages []llm.Message) string {
	parts := make([]string, len(messages))
	for i, m := range messages {
		parts[i] = m.Content
	}
	return strings.Join(parts, "\n\n")
}

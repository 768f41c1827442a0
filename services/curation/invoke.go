// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package curation

import (
	"context"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/gateway"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/llm"
)

// Sampling temperatures. Extraction and judging run at zero.
var (
	temperatureZero    float32 = 0
	temperatureWriting float32 = 0.2
)

func systemMessage(content string) llm.Message {
	return llm.Message{Role: llm.RoleSystem, Content: content}
}

func userMessage(content string) llm.Message {
	return llm.Message{Role: llm.RoleUser, Content: content}
}

// budgetTags attributes a call to the tenant and workflow of the active
// audit context.
func budgetTags(ctx context.Context, operation string) gateway.InvokeOption {
	ac := audit.Current(ctx)
	return gateway.WithBudgetTags(gateway.BudgetTags{
		Tenant:    ac.TenantID(),
		Workflow:  ac.WorkflowID(),
		Operation: operation,
	})
}

func deterministic() gateway.InvokeOption {
	return gateway.WithParams(llm.GenerationParams{Temperature: &temperatureZero})
}

func writing() gateway.InvokeOption {
	return gateway.WithParams(llm.GenerationParams{Temperature: &temperatureWriting})
}

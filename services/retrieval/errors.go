// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import "errors"

var (
	// ErrRetrievalTimeout is returned when a search exceeds its deadline.
	ErrRetrievalTimeout = errors.New("retrieval timed out")

	// ErrKnowledgeBaseUnavailable is returned when both the filtered and
	// the fallback search fail.
	ErrKnowledgeBaseUnavailable = errors.New("knowledge base unavailable")

	// ErrEmptyQuestion is returned for a blank question.
	ErrEmptyQuestion = errors.New("question is required")
)

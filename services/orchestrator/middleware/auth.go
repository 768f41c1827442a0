// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the curation server.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	Metrics ─► RateLimit ─► Auth ─► Authorize(action) ─► AuditContext ─► Handler
//
// Auth stores the caller's AuthInfo in the gin context. AuditContext opens
// one audit context per request, stamps it with the caller's tenant and any
// inbound X-Trace-ID, echoes the ids as response headers, and records an
// api_request entry when the handler returns.
//
// # Kill Switch
//
// Metrics, RateLimit and AuditContext take a KillSwitch. While it reports
// true they call c.Next() and do nothing else. Auth is never bypassed.
//
// # Open Source Behavior
//
// With NopAuthProvider every request is "local-user" with the admin role,
// so the CLI and local dashboards work without credentials.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/pkg/extensions"
)

const authInfoKey = "curator_auth_info"

// KillSwitch reports whether platform middleware must pass requests
// through untouched. A nil KillSwitch is never active.
type KillSwitch func() bool

func (k KillSwitch) active() bool {
	return k != nil && k()
}

// SetAuthInfo stores info in the gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the caller stored by AuthMiddleware, or nil.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// AuthMiddleware validates the bearer token with provider.
//
// # Outputs
//
//   - 401 {"error": "unauthorized"} when the provider rejects the token.
//   - 401 {"error": "authentication failed"} on provider failure.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			slog.Warn("Auth provider failure", "path", c.FullPath(), "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// Authorize checks that the caller may perform action on resourceType.
// The resource id is taken from the route parameter named idParam, which
// may be empty.
func Authorize(provider extensions.AuthzProvider, action, resourceType, idParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := extensions.AuthzRequest{
			User:         GetAuthInfo(c),
			Action:       action,
			ResourceType: resourceType,
		}
		if idParam != "" {
			req.ResourceID = c.Param(idParam)
		}
		if err := provider.Authorize(c.Request.Context(), req); err != nil {
			status := http.StatusForbidden
			if req.User == nil {
				status = http.StatusUnauthorized
			}
			if !errors.Is(err, extensions.ErrForbidden) {
				slog.Warn("Authz provider failure", "action", action, "error", err)
			}
			c.AbortWithStatusJSON(status, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// extractBearerToken returns the token from "Authorization: Bearer <token>"
// or "" when the header is missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

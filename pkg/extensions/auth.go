// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrUnauthorized means the caller could not be authenticated.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden means the caller is authenticated but not allowed.
var ErrForbidden = errors.New("forbidden")

// Roles understood by RoleAuthzProvider.
const (
	RoleAdmin   = "admin"
	RoleAnalyst = "analyst"
	RoleAuditor = "auditor"
)

// Actions checked by the HTTP layer.
const (
	ActionCurate    = "curate"
	ActionReadAudit = "read_audit"
)

// AuthInfo is the identity of an authenticated caller.
type AuthInfo struct {
	UserID string
	Email  string
	Roles  []string

	// TenantID is the county or organization the caller acts for. It is
	// copied onto the audit context of the request.
	TenantID string
}

// HasRole reports whether the caller holds role.
func (a *AuthInfo) HasRole(role string) bool {
	return a != nil && slices.Contains(a.Roles, role)
}

// AuthProvider validates a bearer token.
//
// # Outputs
//
//   - *AuthInfo: Identity of the caller.
//   - error: Wraps ErrUnauthorized for bad or missing tokens. Any other
//     error is a provider failure.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest is a (subject, action, resource) check.
type AuthzRequest struct {
	User         *AuthInfo
	Action       string
	ResourceType string
	ResourceID   string
}

// AuthzProvider decides whether a caller may act.
//
// # Outputs
//
//   - error: nil to allow; wraps ErrForbidden to deny.
type AuthzProvider interface {
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider admits every caller, token or not, as a local admin.
type NopAuthProvider struct{}

func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{RoleAdmin}}, nil
}

// NopAuthzProvider allows everything.
type NopAuthzProvider struct{}

func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// StaticTokenProvider authenticates against a fixed set of API keys.
//
// # Description
//
// Keys are compared in constant time. The key set is read once at
// construction and never changes.
type StaticTokenProvider struct {
	keys map[string]AuthInfo
}

// NewStaticTokenProvider builds a provider from token to identity.
func NewStaticTokenProvider(keys map[string]AuthInfo) *StaticTokenProvider {
	cp := make(map[string]AuthInfo, len(keys))
	for k, v := range keys {
		if k != "" {
			cp[k] = v
		}
	}
	return &StaticTokenProvider{keys: cp}
}

// ParseAPIKeys reads the CURATOR_API_KEYS format:
//
//	token:user:tenant:role1|role2,token2:user2:tenant2:auditor
//
// Tenant and roles may be empty; a key with no roles is an analyst.
func ParseAPIKeys(raw string) (map[string]AuthInfo, error) {
	keys := map[string]AuthInfo{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("api key entry %d: want token:user[:tenant[:roles]]", len(keys)+1)
		}
		info := AuthInfo{UserID: parts[1], Roles: []string{RoleAnalyst}}
		if len(parts) > 2 {
			info.TenantID = parts[2]
		}
		if len(parts) > 3 && parts[3] != "" {
			info.Roles = strings.Split(parts[3], "|")
		}
		keys[parts[0]] = info
	}
	return keys, nil
}

func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	for key, info := range p.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			out := info
			out.Roles = slices.Clone(info.Roles)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("unknown api key: %w", ErrUnauthorized)
}

// RoleAuthzProvider allows an action when the caller holds any role listed
// for it. Admins may do anything. Unlisted actions are denied.
type RoleAuthzProvider struct {
	rules map[string][]string
}

// NewRoleAuthzProvider builds a provider from action to allowed roles.
func NewRoleAuthzProvider(rules map[string][]string) *RoleAuthzProvider {
	return &RoleAuthzProvider{rules: rules}
}

// DefaultRoleRules lets analysts curate and auditors read audit trails.
func DefaultRoleRules() map[string][]string {
	return map[string][]string{
		ActionCurate:    {RoleAnalyst},
		ActionReadAudit: {RoleAuditor},
	}
}

func (p *RoleAuthzProvider) Authorize(_ context.Context, req AuthzRequest) error {
	if req.User == nil {
		return fmt.Errorf("no caller for %s: %w", req.Action, ErrForbidden)
	}
	if req.User.HasRole(RoleAdmin) {
		return nil
	}
	for _, role := range p.rules[req.Action] {
		if req.User.HasRole(role) {
			return nil
		}
	}
	return fmt.Errorf("user %s cannot %s: %w", req.User.UserID, req.Action, ErrForbidden)
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthProvider  = (*StaticTokenProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
	_ AuthzProvider = (*RoleAuthzProvider)(nil)
)

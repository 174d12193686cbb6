// Package authctx holds the transaction-scoped security context shared by
// the request pipeline, the claims lifecycle, and the write-policy guard.
package authctx

import (
	"errors"
	"strings"
)

// Role is the closed set of actor roles. Authorization decisions compare
// Role values, never raw strings from a request.
type Role string

const (
	RoleOperator   Role = "operator"
	RoleSupervisor Role = "supervisor"
	RoleAuditor    Role = "auditor"
	RoleAdmin      Role = "admin"
)

var errInvalidRole = errors.New("authctx: invalid role")

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleOperator, RoleSupervisor, RoleAuditor, RoleAdmin:
		return r, nil
	default:
		return "", errInvalidRole
	}
}

func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// Source records which resolver produced a SessionContext. Precedence is
// fixed: bypass > derived > claims. A lower-precedence source must never
// replace a context set by a higher one.
type Source string

const (
	SourceBypass  Source = "bypass"
	SourceDerived Source = "derived"
	SourceClaims  Source = "claims"
)

// SessionContext is valid only for the lifetime of the transaction (or,
// for the claims fallback, the single read request) that produced it.
// Nothing outside the derivation path constructs one with SourceDerived.
type SessionContext struct {
	ActorID       string
	TenantID      string
	Role          Role
	CorrelationID string
	Source        Source
}

func (c SessionContext) Complete() bool {
	return c.ActorID != "" && c.TenantID != "" && c.Role.Valid()
}

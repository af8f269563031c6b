// Package rbac evaluates role requirements against a resolved identity.
//
// Evaluation is exact allow-list membership. Role levels order roles for
// display and comparison only; holding a higher role never satisfies a
// requirement that does not list it.
package rbac

import (
	"fmt"
	"slices"
	"strings"
)

type Role string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
)

var levels = map[Role]int{
	RoleViewer: 1,
	RoleMember: 2,
	RoleOwner:  3,
	RoleAdmin:  4,
}

// Level returns the role's rank, or 0 for an unknown role.
func (r Role) Level() int {
	return levels[r]
}

func (r Role) Valid() bool {
	_, ok := levels[r]
	return ok
}

// AllRoles lists the known roles from lowest to highest.
func AllRoles() []Role {
	return []Role{RoleViewer, RoleMember, RoleOwner, RoleAdmin}
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Highest returns the highest ranked role in roles, or "" if none is known.
func Highest(roles []Role) Role {
	var best Role
	for _, r := range roles {
		if r.Level() > best.Level() {
			best = r
		}
	}
	return best
}

// SortByLevel orders roles from highest to lowest and drops duplicates.
func SortByLevel(roles []Role) []Role {
	out := slices.Clone(roles)
	slices.SortFunc(out, func(a, b Role) int { return b.Level() - a.Level() })
	return slices.Compact(out)
}

type Outcome int

const (
	Allow Outcome = iota
	DenyUnauthenticated
	DenyForbidden
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case DenyUnauthenticated:
		return "unauthenticated"
	case DenyForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

type Decision struct {
	Outcome Outcome
	Reason  string
}

func (d Decision) Allowed() bool {
	return d.Outcome == Allow
}

// Authorize is pure. An empty required set allows any authenticated caller.
func Authorize(userRoles []Role, required []Role) Decision {
	if len(userRoles) == 0 {
		return Decision{Outcome: DenyUnauthenticated, Reason: "no roles resolved for caller"}
	}
	if len(required) == 0 {
		return Decision{Outcome: Allow}
	}

	for _, r := range userRoles {
		if slices.Contains(required, r) {
			return Decision{Outcome: Allow}
		}
	}

	return Decision{
		Outcome: DenyForbidden,
		Reason:  fmt.Sprintf("requires one of %s", joinRoles(required)),
	}
}

func joinRoles(roles []Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ", ")
}

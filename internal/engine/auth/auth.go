// Package auth evaluates graph visibility against a principal supplied by
// the identity provider. The core trusts the caller's identity and group
// memberships; it only decides what that identity may see or edit.
package auth

import (
	"fmt"

	"matflow/internal/domain"
)

// ForbiddenError is returned when a principal may not act on a graph.
type ForbiddenError struct {
	GraphID string
	Action  string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s on graph %s", e.Action, e.GraphID)
}

// Principal identifies the acting user as asserted by the identity provider.
type Principal struct {
	UserID string
	Groups []string
}

func (p Principal) inGroup(group string) bool {
	for _, g := range p.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// CanView reports whether the principal may read the graph: owners always,
// anyone for public graphs, group members for group graphs.
func CanView(g domain.Graph, p Principal) bool {
	if p.UserID != "" && p.UserID == g.OwnerID {
		return true
	}
	switch g.Visibility {
	case "public":
		return true
	case "group":
		return g.GroupID != nil && p.inGroup(*g.GroupID)
	}
	return false
}

// CanEdit reports whether the principal may mutate the graph. Editing is
// single-owner; group graphs accept any member as the one active editor,
// with conflicts resolved by the version token rather than locks.
func CanEdit(g domain.Graph, p Principal) bool {
	if p.UserID != "" && p.UserID == g.OwnerID {
		return true
	}
	if g.Visibility == "group" && g.GroupID != nil {
		return p.inGroup(*g.GroupID)
	}
	return false
}

// RequireView wraps CanView in the error the HTTP layer maps to 403.
func RequireView(g domain.Graph, p Principal) error {
	if CanView(g, p) {
		return nil
	}
	return ForbiddenError{GraphID: g.ID, Action: "view"}
}

// RequireEdit wraps CanEdit likewise.
func RequireEdit(g domain.Graph, p Principal) error {
	if CanEdit(g, p) {
		return nil
	}
	return ForbiddenError{GraphID: g.ID, Action: "edit"}
}

// Package auth manages operator accounts and sessions, stamps an actor
// identity onto requests, and gates workflow actions by role. Access tokens
// are HMAC-signed JWTs carrying the account's primary role as a claim.
package auth

import "strings"

// Role is a closed set of actor roles. Each role carries a fixed set of
// capability flags; there is no dynamic permission lookup.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleViewer  Role = "viewer"
	RoleAPIKey  Role = "api_key"
)

// Capability is a bit flag for one gated action.
type Capability uint8

const (
	CapApprove Capability = 1 << iota
	CapFinalize
	CapExport
	CapWriteBack
	CapManageWebhooks
)

var roleCapabilities = map[Role]Capability{
	RoleOwner:   CapApprove | CapFinalize | CapExport | CapWriteBack | CapManageWebhooks,
	RoleAdmin:   CapApprove | CapFinalize | CapExport | CapWriteBack | CapManageWebhooks,
	RoleManager: CapApprove | CapExport,
	RoleViewer:  0,
	RoleAPIKey:  CapExport,
}

// ParseRole normalizes a role claim. Unknown values map to viewer, the
// least-privileged role.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleOwner:
		return RoleOwner
	case RoleAdmin:
		return RoleAdmin
	case RoleManager:
		return RoleManager
	case RoleAPIKey:
		return RoleAPIKey
	default:
		return RoleViewer
	}
}

// Can reports whether the role carries the capability.
func (r Role) Can(cap Capability) bool {
	return roleCapabilities[r]&cap != 0
}

package auth

import "strings"

// Role is a course role carried in the session claims.
type Role string

const (
	RoleManager        Role = "manager"
	RoleCourseCreator  Role = "coursecreator"
	RoleEditingTeacher Role = "editingteacher"
	RoleTeacher        Role = "teacher"
	RoleStudent        Role = "student"
	RoleAdmin          Role = "admin"
)

// Capability is an action guarded by course role.
type Capability string

const (
	CapabilityEditSummary        Capability = "block/summary:edit"
	CapabilityViewHiddenSections Capability = "course:viewhiddensections"
)

// Can reports whether role grants capability.
func Can(role Role, capability Capability) bool {
	switch role {
	case RoleAdmin, RoleManager:
		return true
	case RoleCourseCreator:
		return capability == CapabilityEditSummary
	case RoleEditingTeacher:
		return capability == CapabilityEditSummary || capability == CapabilityViewHiddenSections
	case RoleTeacher:
		return capability == CapabilityViewHiddenSections
	default:
		return false
	}
}

// HasCapability reports whether any of roles grants capability.
func HasCapability(roles []string, capability Capability) bool {
	for _, role := range roles {
		if Can(Role(strings.ToLower(strings.TrimSpace(role))), capability) {
			return true
		}
	}
	return false
}

func (c SessionClaims) CanEditSummary() bool {
	return HasCapability(c.UserRoles, CapabilityEditSummary)
}

func (c SessionClaims) CanViewHiddenSections() bool {
	return HasCapability(c.UserRoles, CapabilityViewHiddenSections)
}

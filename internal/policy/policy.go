// Package policy is the single authorization table of the service.
// Handlers and services never compare roles directly; they ask
// Check(action, principal, owned) once per request.
package policy

import (
	"fieldops/internal/apperr"
	"fieldops/internal/models"
)

type Action string

const (
	ProductView   Action = "product.view"
	ProductManage Action = "product.manage"

	ProjectView   Action = "project.view"
	ProjectCreate Action = "project.create"
	ProjectUpdate Action = "project.update"
	ProjectDelete Action = "project.delete"

	TaskView           Action = "task.view"
	TaskViewPrivate    Action = "task.view_private"
	TaskCreate         Action = "task.create"
	TaskUpdate         Action = "task.update"
	TaskMove           Action = "task.move"
	TaskAssign         Action = "task.assign"
	TaskDelete         Action = "task.delete"
	TaskAttach         Action = "task.attach"
	TaskEvidence       Action = "task.evidence"
	TaskComment        Action = "task.comment"
	TaskPrivateMessage Action = "task.private_message"

	AuditView Action = "audit.view"
)

// Rule: что нужно роли для действия.
type Rule int

const (
	Deny Rule = iota
	Allow
	// IfOwner: только если ресурс "свой": проект менеджера, задача техника,
	// проект клиента. Что считается "своим", решает вызывающий код.
	IfOwner
)

type table map[Action]map[models.UserRole]Rule

var rules = table{
	ProductView: {
		models.RoleAdmin:          Allow,
		models.RoleStockManager:   Allow,
		models.RoleProjectManager: Allow,
		models.RoleTechnician:     Allow,
	},
	ProductManage: {
		models.RoleAdmin:        Allow,
		models.RoleStockManager: Allow,
	},

	ProjectView: {
		models.RoleAdmin:          Allow,
		models.RoleStockManager:   Allow,
		models.RoleProjectManager: IfOwner,
		models.RoleTechnician:     IfOwner,
		models.RoleClient:         IfOwner,
	},
	ProjectCreate: {
		models.RoleAdmin:          Allow,
		models.RoleProjectManager: Allow,
	},
	ProjectUpdate: {
		models.RoleAdmin:          Allow,
		models.RoleProjectManager: IfOwner,
	},
	ProjectDelete: {
		models.RoleAdmin:          Allow,
		models.RoleProjectManager: IfOwner,
	},

	TaskView: {
		models.RoleAdmin:          Allow,
		models.RoleProjectManager: IfOwner,
		models.RoleTechnician:     IfOwner,
		models.RoleClient:         IfOwner,
	},
	TaskViewPrivate: {
		models.RoleAdmin:          Allow,
		models.RoleProjectManager: IfOwner,
		models.RoleTechnician:     IfOwner,
	},
	TaskCreate: {
		models.RoleAdmin:          Allow,
		models.RoleProjectManager: IfOwner,
	},
	TaskUpdate: {
		models.RoleAdmin:          Allow,
		models.RoleProjectManager: IfOwner,
	},
	// "position" (drag-and-drop): тот же круг, что может двигать задачу по доске
	TaskMove: {
		models.RoleAdmin:          Allow,
		models.RoleProjectManager: IfOwner,
		models.RoleTechnician:     IfOwner,
	},
	TaskAssign: {
		models.RoleAdmin:          Allow,
		models.RoleProjectManager: IfOwner,
	},
	TaskDelete: {
		models.RoleAdmin:          Allow,
		models.RoleProjectManager: IfOwner,
	},
	TaskAttach: {
		models.RoleAdmin:          Allow,
		models.RoleProjectManager: IfOwner,
	},
	TaskEvidence: {
		models.RoleAdmin:          Allow,
		models.RoleProjectManager: IfOwner,
		models.RoleTechnician:     IfOwner,
	},
	TaskComment: {
		models.RoleAdmin:          Allow,
		models.RoleProjectManager: IfOwner,
		models.RoleTechnician:     IfOwner,
		models.RoleClient:         IfOwner,
	},
	TaskPrivateMessage: {
		models.RoleAdmin:          Allow,
		models.RoleProjectManager: IfOwner,
		models.RoleTechnician:     IfOwner,
	},

	AuditView: {
		models.RoleAdmin: Allow,
	},
}

// Allowed evaluates the table. Unknown actions and roles are denied.
func Allowed(action Action, role models.UserRole, owned bool) bool {
	switch rules[action][role] {
	case Allow:
		return true
	case IfOwner:
		return owned
	default:
		return false
	}
}

// Check is Allowed returning an AuthorizationError.
func Check(action Action, p models.Principal, owned bool) error {
	if Allowed(action, p.Role, owned) {
		return nil
	}
	return apperr.Forbidden("role %q is not allowed to %s", p.Role, action)
}

// NeedsOwnership reports whether the role's access to action depends on
// ownership. Callers use it to skip ownership lookups for roles that are
// allowed or denied outright.
func NeedsOwnership(action Action, role models.UserRole) bool {
	return rules[action][role] == IfOwner
}

// BypassesEvidenceGate: админ и менеджер проекта могут ставить "In Review"
// без доказательств работы.
func BypassesEvidenceGate(role models.UserRole) bool {
	return role == models.RoleAdmin || role == models.RoleProjectManager
}

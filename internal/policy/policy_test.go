package policy

import (
	"errors"
	"testing"

	"fieldops/internal/apperr"
	"fieldops/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestAllowed(t *testing.T) {
	cases := []struct {
		name   string
		action Action
		role   models.UserRole
		owned  bool
		want   bool
	}{
		{"admin updates any task", TaskUpdate, models.RoleAdmin, false, true},
		{"manager updates own project task", TaskUpdate, models.RoleProjectManager, true, true},
		{"manager cannot update foreign task", TaskUpdate, models.RoleProjectManager, false, false},
		{"technician cannot full-update", TaskUpdate, models.RoleTechnician, true, false},
		{"technician moves assigned task", TaskMove, models.RoleTechnician, true, true},
		{"technician cannot move foreign task", TaskMove, models.RoleTechnician, false, false},
		{"client cannot move", TaskMove, models.RoleClient, true, false},
		{"technician adds evidence to assigned task", TaskEvidence, models.RoleTechnician, true, true},
		{"technician cannot attach", TaskAttach, models.RoleTechnician, true, false},
		{"client comments own project", TaskComment, models.RoleClient, true, true},
		{"client never sees private messages", TaskViewPrivate, models.RoleClient, true, false},
		{"stock manager manages products", ProductManage, models.RoleStockManager, false, true},
		{"manager cannot manage products", ProductManage, models.RoleProjectManager, false, false},
		{"client cannot list products", ProductView, models.RoleClient, false, false},
		{"unknown role", TaskView, models.UserRole("intern"), true, false},
		{"unknown action", Action("task.fly"), models.RoleAdmin, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Allowed(tc.action, tc.role, tc.owned))
		})
	}
}

func TestCheckReturnsAuthorizationError(t *testing.T) {
	err := Check(ProjectDelete, models.Principal{ID: 4, Role: models.RoleTechnician}, true)
	assert.True(t, errors.Is(err, apperr.ErrAuthorization))

	assert.NoError(t, Check(ProjectDelete, models.Principal{ID: 1, Role: models.RoleAdmin}, false))
}

func TestNeedsOwnership(t *testing.T) {
	assert.True(t, NeedsOwnership(ProjectUpdate, models.RoleProjectManager))
	assert.False(t, NeedsOwnership(ProjectUpdate, models.RoleAdmin))
	assert.False(t, NeedsOwnership(ProjectUpdate, models.RoleClient))
}

func TestBypassesEvidenceGate(t *testing.T) {
	assert.True(t, BypassesEvidenceGate(models.RoleAdmin))
	assert.True(t, BypassesEvidenceGate(models.RoleProjectManager))
	assert.False(t, BypassesEvidenceGate(models.RoleTechnician))
}

package models

import "gorm.io/gorm"

type UserRole string

const (
	RoleAdmin          UserRole = "admin"
	RoleProjectManager UserRole = "project manager"
	RoleTechnician     UserRole = "technician"
	RoleStockManager   UserRole = "stock manager"
	RoleClient         UserRole = "client"
)

func (r UserRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleProjectManager, RoleTechnician, RoleStockManager, RoleClient:
		return true
	}
	return false
}

type User struct {
	gorm.Model
	Username     string   `gorm:"uniqueIndex;size:50;not null" json:"username"`
	PasswordHash string   `gorm:"not null" json:"-"`
	Role         UserRole `gorm:"type:varchar(20);not null" json:"role"`

	// заполняется только движком задач (workflow), никаких хуков
	AssignedTasks []Task `gorm:"many2many:user_assigned_tasks;" json:"assignedTasks,omitempty"`
}

// Principal: то, что auth-мидлварь отдаёт ядру: проверенный id и роль.
type Principal struct {
	ID   uint     `json:"id"`
	Role UserRole `json:"role"`
}

package models

import (
	"gorm.io/gorm"
)

type ProjectStatus string

const (
	ProjectPending    ProjectStatus = "Pending"
	ProjectInProgress ProjectStatus = "In Progress"
	ProjectOnHold     ProjectStatus = "On Hold"
	ProjectCompleted  ProjectStatus = "Completed"
	ProjectCancelled  ProjectStatus = "Cancelled"
)

func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectPending, ProjectInProgress, ProjectOnHold, ProjectCompleted, ProjectCancelled:
		return true
	}
	return false
}

type Project struct {
	gorm.Model
	Name        string        `gorm:"size:255;not null" json:"name"`
	Description string        `gorm:"type:text" json:"description"`
	Status      ProjectStatus `gorm:"type:varchar(20);not null" json:"status"`

	ClientID       uint  `gorm:"index" json:"clientId"`
	ManagerID      uint  `gorm:"index" json:"managerId"`
	StockManagerID *uint `json:"stockManagerId,omitempty"`

	// текущая желаемая аллокация; зеркало product_allocations
	Products []ProjectProduct `gorm:"foreignKey:ProjectID" json:"products"`
	Tasks    []Task           `gorm:"foreignKey:ProjectID" json:"tasks,omitempty"`
}

type ProjectProduct struct {
	ID        uint `gorm:"primaryKey" json:"-"`
	ProjectID uint `gorm:"not null;uniqueIndex:idx_project_product,priority:1" json:"-"`
	ProductID uint `gorm:"not null;uniqueIndex:idx_project_product,priority:2" json:"productId"`
	Quantity  int  `gorm:"not null;check:quantity >= 1" json:"quantity"`
	Position  int  `gorm:"not null;default:0" json:"-"`
}

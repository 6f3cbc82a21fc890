package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Product struct {
	gorm.Model
	Name      string          `gorm:"size:255;not null" json:"name"`
	Reference string          `gorm:"size:64;uniqueIndex;not null" json:"reference"`
	Quantity  int             `gorm:"not null;default:0;check:quantity >= 0" json:"quantity"`
	Price     decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"price"`

	Allocations []Allocation `gorm:"foreignKey:ProductID" json:"allocations"`
}

// Allocation: сколько единиц товара сейчас зарезервировано под проект.
// Пишется только леджером (internal/ledger).
type Allocation struct {
	ID                uint `gorm:"primaryKey" json:"-"`
	ProductID         uint `gorm:"not null;uniqueIndex:idx_allocation_product_project,priority:1" json:"productId"`
	ProjectID         uint `gorm:"not null;uniqueIndex:idx_allocation_product_project,priority:2;index" json:"projectId"`
	AllocatedQuantity int  `gorm:"not null;check:allocated_quantity >= 0" json:"allocatedQuantity"`
}

func (Allocation) TableName() string { return "product_allocations" }

package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fieldops/internal/apperr"
	"fieldops/internal/database"
	"fieldops/internal/metrics"
	"fieldops/internal/models"
	"fieldops/internal/policy"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Каталог товаров: зона стокменеджера. Аллокации здесь не редактируются:
// они меняются только через Reserve/Release/Adjust.

type ProductInput struct {
	Name      string          `json:"name"`
	Reference string          `json:"reference"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type ProductPatch struct {
	Name      *string          `json:"name"`
	Reference *string          `json:"reference"`
	Price     *decimal.Decimal `json:"price"`
}

func (in *ProductInput) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Reference = strings.TrimSpace(in.Reference)
	if in.Name == "" {
		return apperr.Validation("product name is required")
	}
	if in.Reference == "" {
		return apperr.Validation("product reference is required")
	}
	if in.Quantity < 0 {
		return apperr.Validation("quantity must not be negative")
	}
	if in.Price.IsNegative() {
		return apperr.Validation("price must not be negative")
	}
	return nil
}

func (l *Ledger) CreateProduct(ctx context.Context, p models.Principal, in ProductInput) (*models.Product, error) {
	if err := policy.Check(policy.ProductManage, p, false); err != nil {
		return nil, err
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}

	product := models.Product{
		Name:      in.Name,
		Reference: in.Reference,
		Quantity:  in.Quantity,
		Price:     in.Price,
	}
	err := l.transaction(ctx, func(tx *gorm.DB) error {
		if err := ensureReferenceFree(tx, in.Reference, 0); err != nil {
			return err
		}
		if err := tx.Create(&product).Error; err != nil {
			return translateDuplicate(err, in.Reference)
		}
		return database.CreateAuditLog(tx, p.ID, "product", product.ID, "create",
			fmt.Sprintf("Created product %s (%s), quantity %d", product.Name, product.Reference, product.Quantity))
	})
	if err != nil {
		return nil, err
	}
	product.Allocations = []models.Allocation{}
	return &product, nil
}

func (l *Ledger) UpdateProduct(ctx context.Context, p models.Principal, id uint, patch ProductPatch) (*models.Product, error) {
	if err := policy.Check(policy.ProductManage, p, false); err != nil {
		return nil, err
	}

	var product *models.Product
	err := l.transaction(ctx, func(tx *gorm.DB) error {
		current, err := loadProduct(tx, id)
		if err != nil {
			return err
		}

		updates := map[string]any{}
		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if name == "" {
				return apperr.Validation("product name is required")
			}
			updates["name"] = name
		}
		if patch.Reference != nil {
			ref := strings.TrimSpace(*patch.Reference)
			if ref == "" {
				return apperr.Validation("product reference is required")
			}
			if ref != current.Reference {
				if err := ensureReferenceFree(tx, ref, id); err != nil {
					return err
				}
			}
			updates["reference"] = ref
		}
		if patch.Price != nil {
			if patch.Price.IsNegative() {
				return apperr.Validation("price must not be negative")
			}
			updates["price"] = *patch.Price
		}
		if len(updates) == 0 {
			product = current
			return nil
		}

		if err := tx.Model(&models.Product{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return translateDuplicate(err, current.Reference)
		}
		if err := database.CreateAuditLog(tx, p.ID, "product", id, "update", fmt.Sprintf("Updated product %s", current.Reference)); err != nil {
			return err
		}
		product, err = loadProduct(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return product, nil
}

// Restock applies a signed change to free stock. A negative delta is a
// conditional decrement and never takes quantity below zero.
func (l *Ledger) Restock(ctx context.Context, p models.Principal, id uint, delta int) (*models.Product, error) {
	if err := policy.Check(policy.ProductManage, p, false); err != nil {
		return nil, err
	}
	if delta == 0 {
		return nil, apperr.Validation("restock delta must not be zero")
	}

	var product *models.Product
	err := l.transaction(ctx, func(tx *gorm.DB) error {
		var err error
		if delta > 0 {
			err = putStock(tx, id, delta)
		} else {
			err = takeStock(tx, id, -delta)
		}
		if err != nil {
			return err
		}
		if err := database.CreateAuditLog(tx, p.ID, "product", id, "restock", fmt.Sprintf("Stock changed by %+d", delta)); err != nil {
			return err
		}
		product, err = loadProduct(tx, id)
		return err
	})
	metrics.LedgerOps.WithLabelValues("restock", metrics.Result(err)).Inc()
	if err != nil {
		return nil, err
	}
	return product, nil
}

// DeleteProduct refuses while any project still holds stock of it.
func (l *Ledger) DeleteProduct(ctx context.Context, p models.Principal, id uint) error {
	if err := policy.Check(policy.ProductManage, p, false); err != nil {
		return err
	}
	return l.transaction(ctx, func(tx *gorm.DB) error {
		// Reserve сначала обновляет строку товара, поэтому под этой блокировкой
		// новых аллокаций уже не появится
		err := database.ForUpdate(tx).Select("id").Take(&models.Product{}, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("product %d not found", id)
		}
		if err != nil {
			return fmt.Errorf("lock product: %w", err)
		}
		product, err := loadProduct(tx, id)
		if err != nil {
			return err
		}
		if len(product.Allocations) > 0 {
			return apperr.Conflict("product %s is allocated to %d project(s)", product.Reference, len(product.Allocations))
		}
		if err := tx.Unscoped().Delete(&models.Product{}, id).Error; err != nil {
			return translateDelete(err, product.Reference)
		}
		return database.CreateAuditLog(tx, p.ID, "product", id, "delete", "Deleted product "+product.Reference)
	})
}

func (l *Ledger) GetProduct(ctx context.Context, p models.Principal, id uint) (*models.Product, error) {
	if err := policy.Check(policy.ProductView, p, false); err != nil {
		return nil, err
	}
	return loadProduct(l.db.WithContext(ctx), id)
}

func (l *Ledger) ListProducts(ctx context.Context, p models.Principal) ([]models.Product, error) {
	if err := policy.Check(policy.ProductView, p, false); err != nil {
		return nil, err
	}
	var products []models.Product
	err := l.db.WithContext(ctx).
		Preload("Allocations", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Order("name asc, id asc").
		Find(&products).Error
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

func ensureReferenceFree(tx *gorm.DB, ref string, exceptID uint) error {
	var count int64
	q := tx.Model(&models.Product{}).Unscoped().Where("reference = ?", ref)
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	if err := q.Count(&count).Error; err != nil {
		return fmt.Errorf("check reference: %w", err)
	}
	if count > 0 {
		return apperr.Conflict("product reference %s already exists", ref)
	}
	return nil
}

func translateDuplicate(err error, ref string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.Conflict("product reference %s already exists", ref)
	}
	return fmt.Errorf("save product: %w", err)
}

func translateDelete(err error, ref string) error {
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return apperr.Conflict("product %s is allocated to a project", ref)
	}
	return fmt.Errorf("delete product: %w", err)
}

// Package ledger owns product stock and the per-project allocation list.
//
// Every quantity change is a single conditional UPDATE at the store level
// ("decrement by N only if the result stays >= 0"); there is no
// read-modify-write of Product.Quantity anywhere in this package. Operations
// that touch more than one row run inside one transaction, so a concurrent
// reader sees either the state before or the state after, never a half.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"fieldops/internal/apperr"
	"fieldops/internal/metrics"
	"fieldops/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// сколько раз перечитываем аллокацию, если её поменяли между чтением и CAS
const releaseRetries = 3

// Line: одна позиция резерва: товар и количество.
type Line struct {
	ProductID uint `json:"productId"`
	Quantity  int  `json:"quantity"`
}

type Ledger struct {
	db  *gorm.DB
	log *slog.Logger
}

func New(db *gorm.DB, log *slog.Logger) *Ledger {
	return &Ledger{db: db, log: log}
}

// WithTx returns a ledger bound to an outer transaction. Its operations
// become save points of that transaction.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, log: l.log}
}

func (l *Ledger) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return l.db.WithContext(ctx).Transaction(fn)
}

// Reserve takes qty units of free stock for projectID.
func (l *Ledger) Reserve(ctx context.Context, productID uint, qty int, projectID uint) (*models.Product, error) {
	var product *models.Product
	err := l.transaction(ctx, func(tx *gorm.DB) error {
		if err := reserve(tx, productID, qty, projectID); err != nil {
			return err
		}
		var err error
		product, err = loadProduct(tx, productID)
		return err
	})
	metrics.LedgerOps.WithLabelValues("reserve", metrics.Result(err)).Inc()
	if err != nil {
		return nil, err
	}
	return product, nil
}

// Release gives back up to qty units held by projectID. Releasing an
// allocation that no longer exists is a no-op.
func (l *Ledger) Release(ctx context.Context, productID uint, qty int, projectID uint) (*models.Product, error) {
	var product *models.Product
	err := l.transaction(ctx, func(tx *gorm.DB) error {
		if _, err := release(tx, productID, qty, projectID); err != nil {
			return err
		}
		var err error
		product, err = loadProduct(tx, productID)
		return err
	})
	metrics.LedgerOps.WithLabelValues("release", metrics.Result(err)).Inc()
	if err != nil {
		return nil, err
	}
	return product, nil
}

// Adjust sets projectID's allocation of productID to newQty, moving only
// the difference through free stock.
func (l *Ledger) Adjust(ctx context.Context, productID, projectID uint, newQty int) (*models.Product, error) {
	var product *models.Product
	err := l.transaction(ctx, func(tx *gorm.DB) error {
		if err := adjust(tx, productID, projectID, newQty); err != nil {
			return err
		}
		var err error
		product, err = loadProduct(tx, productID)
		return err
	})
	metrics.LedgerOps.WithLabelValues("adjust", metrics.Result(err)).Inc()
	if err != nil {
		return nil, err
	}
	return product, nil
}

// ReserveBatch reserves every line for projectID or nothing at all.
func (l *Ledger) ReserveBatch(ctx context.Context, projectID uint, lines []Line) error {
	if err := ValidateLines(lines); err != nil {
		return err
	}
	err := l.transaction(ctx, func(tx *gorm.DB) error {
		for _, line := range lines {
			if err := reserve(tx, line.ProductID, line.Quantity, projectID); err != nil {
				return err
			}
		}
		return nil
	})
	metrics.LedgerOps.WithLabelValues("reserve_batch", metrics.Result(err)).Inc()
	return err
}

// ReleaseProject releases every allocation entry held by projectID.
func (l *Ledger) ReleaseProject(ctx context.Context, projectID uint) error {
	err := l.transaction(ctx, func(tx *gorm.DB) error {
		var allocs []models.Allocation
		if err := tx.Where("project_id = ?", projectID).Order("id").Find(&allocs).Error; err != nil {
			return fmt.Errorf("load allocations: %w", err)
		}
		for _, a := range allocs {
			if _, err := release(tx, a.ProductID, a.AllocatedQuantity, projectID); err != nil {
				return err
			}
		}
		return nil
	})
	metrics.LedgerOps.WithLabelValues("release_project", metrics.Result(err)).Inc()
	return err
}

// ProjectAllocations returns productID → allocated quantity for projectID.
func (l *Ledger) ProjectAllocations(ctx context.Context, projectID uint) (map[uint]int, error) {
	var allocs []models.Allocation
	if err := l.db.WithContext(ctx).Where("project_id = ?", projectID).Find(&allocs).Error; err != nil {
		return nil, fmt.Errorf("load allocations: %w", err)
	}
	out := make(map[uint]int, len(allocs))
	for _, a := range allocs {
		out[a.ProductID] = a.AllocatedQuantity
	}
	return out, nil
}

// Verify checks that projectID's allocation entries are exactly want.
// A mismatch means the ledger and the project drifted apart; it is logged
// at error level and returned as an IntegrityError.
func (l *Ledger) Verify(ctx context.Context, projectID uint, want map[uint]int) error {
	got, err := l.ProjectAllocations(ctx, projectID)
	if err != nil {
		return err
	}
	var mismatched []uint
	for productID, qty := range want {
		if got[productID] != qty {
			mismatched = append(mismatched, productID)
		}
	}
	for productID := range got {
		if _, ok := want[productID]; !ok {
			mismatched = append(mismatched, productID)
		}
	}
	if len(mismatched) == 0 {
		return nil
	}
	sort.Slice(mismatched, func(i, j int) bool { return mismatched[i] < mismatched[j] })

	metrics.IntegrityViolations.Inc()
	l.log.Error("INTEGRITY VIOLATION: project products and allocations disagree",
		slog.Uint64("project_id", uint64(projectID)),
		slog.Any("products", mismatched),
		slog.Any("expected", want),
		slog.Any("actual", got),
	)
	return apperr.Integrity("allocations of project %d do not match its products %v", projectID, mismatched)
}

// ValidateLines rejects empty quantities and repeated products.
func ValidateLines(lines []Line) error {
	seen := make(map[uint]struct{}, len(lines))
	for _, line := range lines {
		if line.ProductID == 0 {
			return apperr.Validation("product id is required")
		}
		if line.Quantity < 1 {
			return apperr.Validation("quantity for product %d must be at least 1", line.ProductID)
		}
		if _, dup := seen[line.ProductID]; dup {
			return apperr.Validation("product %d is listed more than once", line.ProductID)
		}
		seen[line.ProductID] = struct{}{}
	}
	return nil
}

//
// операции над строками; вызываются только внутри транзакции
//

func reserve(tx *gorm.DB, productID uint, qty int, projectID uint) error {
	if qty < 1 {
		return apperr.Validation("quantity must be at least 1")
	}
	if projectID == 0 {
		return apperr.Validation("project id is required")
	}
	if err := takeStock(tx, productID, qty); err != nil {
		return err
	}

	alloc := models.Allocation{ProductID: productID, ProjectID: projectID, AllocatedQuantity: qty}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "product_id"}, {Name: "project_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"allocated_quantity": gorm.Expr("product_allocations.allocated_quantity + ?", qty),
		}),
	}).Create(&alloc).Error
	if err != nil {
		return fmt.Errorf("upsert allocation: %w", err)
	}
	return nil
}

func release(tx *gorm.DB, productID uint, qty int, projectID uint) (int, error) {
	if qty < 1 {
		return 0, apperr.Validation("quantity must be at least 1")
	}
	for attempt := 0; attempt < releaseRetries; attempt++ {
		var alloc models.Allocation
		err := tx.Where("product_id = ? AND project_id = ?", productID, projectID).Take(&alloc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("load allocation: %w", err)
		}

		n := min(qty, alloc.AllocatedQuantity)
		if n <= 0 {
			if err := dropEmptyAllocation(tx, alloc.ID); err != nil {
				return 0, err
			}
			return 0, nil
		}

		res := tx.Model(&models.Allocation{}).
			Where("id = ? AND allocated_quantity >= ?", alloc.ID, n).
			Update("allocated_quantity", gorm.Expr("allocated_quantity - ?", n))
		if res.Error != nil {
			return 0, fmt.Errorf("decrement allocation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// кто-то успел освободить раньше: перечитываем
			continue
		}
		if err := dropEmptyAllocation(tx, alloc.ID); err != nil {
			return 0, err
		}
		if err := putStock(tx, productID, n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, apperr.Conflict("allocation of product %d for project %d changed concurrently", productID, projectID)
}

func adjust(tx *gorm.DB, productID, projectID uint, newQty int) error {
	if newQty < 0 {
		return apperr.Validation("quantity must not be negative")
	}
	if projectID == 0 {
		return apperr.Validation("project id is required")
	}

	var alloc models.Allocation
	err := tx.Where("product_id = ? AND project_id = ?", productID, projectID).Take(&alloc).Error
	exists := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("load allocation: %w", err)
	}
	current := alloc.AllocatedQuantity

	delta := newQty - current
	if delta == 0 {
		if !exists {
			// аллокации нет и не нужно, но товар должен существовать
			_, err := loadProduct(tx, productID)
			return err
		}
		return nil
	}

	// сначала аллокация (CAS от прочитанного значения), потом склад;
	// обе записи в одной транзакции
	switch {
	case !exists:
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.Allocation{ProductID: productID, ProjectID: projectID, AllocatedQuantity: newQty})
		if res.Error != nil {
			return fmt.Errorf("create allocation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errAllocationRace(productID, projectID)
		}
	case newQty == 0:
		res := tx.Where("id = ? AND allocated_quantity = ?", alloc.ID, current).Delete(&models.Allocation{})
		if res.Error != nil {
			return fmt.Errorf("delete allocation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errAllocationRace(productID, projectID)
		}
	default:
		res := tx.Model(&models.Allocation{}).
			Where("id = ? AND allocated_quantity = ?", alloc.ID, current).
			Update("allocated_quantity", newQty)
		if res.Error != nil {
			return fmt.Errorf("update allocation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errAllocationRace(productID, projectID)
		}
	}

	if delta > 0 {
		return takeStock(tx, productID, delta)
	}
	return putStock(tx, productID, -delta)
}

// takeStock: условное списание: UPDATE ... WHERE quantity >= n.
func takeStock(tx *gorm.DB, productID uint, n int) error {
	res := tx.Model(&models.Product{}).
		Where("id = ? AND quantity >= ?", productID, n).
		Update("quantity", gorm.Expr("quantity - ?", n))
	if res.Error != nil {
		return fmt.Errorf("decrement stock: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var p models.Product
	err := tx.Select("id", "reference", "quantity").Take(&p, productID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("product %d not found", productID)
	}
	if err != nil {
		return fmt.Errorf("load product: %w", err)
	}
	return apperr.Conflict("Insufficient stock for %s. Available: %d", p.Reference, p.Quantity)
}

func putStock(tx *gorm.DB, productID uint, n int) error {
	res := tx.Model(&models.Product{}).
		Where("id = ?", productID).
		Update("quantity", gorm.Expr("quantity + ?", n))
	if res.Error != nil {
		return fmt.Errorf("increment stock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("product %d not found", productID)
	}
	return nil
}

func dropEmptyAllocation(tx *gorm.DB, allocID uint) error {
	if err := tx.Where("id = ? AND allocated_quantity = 0", allocID).Delete(&models.Allocation{}).Error; err != nil {
		return fmt.Errorf("drop empty allocation: %w", err)
	}
	return nil
}

func loadProduct(tx *gorm.DB, productID uint) (*models.Product, error) {
	var p models.Product
	err := tx.Preload("Allocations", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Take(&p, productID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("product %d not found", productID)
	}
	if err != nil {
		return nil, fmt.Errorf("load product: %w", err)
	}
	return &p, nil
}

func errAllocationRace(productID, projectID uint) error {
	return apperr.Conflict("allocation of product %d for project %d changed concurrently, retry", productID, projectID)
}

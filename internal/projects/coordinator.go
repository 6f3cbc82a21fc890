// Package projects keeps a project's product list and the ledger's
// allocations in step. Create, Update and Delete each run as one
// transaction that spans the project rows and every ledger operation; the
// mirror is verified before commit.
package projects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"fieldops/internal/apperr"
	"fieldops/internal/database"
	"fieldops/internal/ledger"
	"fieldops/internal/models"
	"fieldops/internal/policy"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tasks is what the coordinator needs from the workflow engine.
type Tasks interface {
	PurgeProjectTasks(tx *gorm.DB, projectID uint) ([]models.TaskFile, error)
	RemoveFiles(ctx context.Context, files []models.TaskFile)
}

type Notifier interface {
	NotifyAll(ctx context.Context, actorID uint, recipients []uint, typ models.NotificationType, data any)
}

type Coordinator struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	tasks  Tasks
	notify Notifier
	log    *slog.Logger
}

func New(db *gorm.DB, l *ledger.Ledger, tasks Tasks, notify Notifier, log *slog.Logger) *Coordinator {
	return &Coordinator{db: db, ledger: l, tasks: tasks, notify: notify, log: log}
}

type ProjectInput struct {
	Name           string               `json:"name"`
	Description    string               `json:"description"`
	Status         models.ProjectStatus `json:"status"`
	ClientID       uint                 `json:"clientId"`
	ManagerID      uint                 `json:"managerId"`
	StockManagerID *uint                `json:"stockManagerId"`
	Products       []ledger.Line        `json:"products"`
}

// ProjectPatch is a partial update. Products, when present, is the whole
// new product list.
type ProjectPatch struct {
	Name              *string               `json:"name"`
	Description       *string               `json:"description"`
	Status            *models.ProjectStatus `json:"status"`
	ClientID          *uint                 `json:"clientId"`
	ManagerID         *uint                 `json:"managerId"`
	StockManagerID    *uint                 `json:"stockManagerId"`
	// stockManagerId 0 снимает стокменеджера так же, как clearStockManager
	ClearStockManager bool                  `json:"clearStockManager"`
	Products          *[]ledger.Line        `json:"products"`
}

func (c *Coordinator) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return c.db.WithContext(ctx).Transaction(fn)
}

func (c *Coordinator) Create(ctx context.Context, p models.Principal, in ProjectInput) (*models.Project, error) {
	if err := policy.Check(policy.ProjectCreate, p, false); err != nil {
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, apperr.Validation("project name is required")
	}
	if in.Status == "" {
		in.Status = models.ProjectPending
	}
	if !in.Status.Valid() {
		return nil, apperr.Validation("invalid project status %q", in.Status)
	}
	if in.ManagerID == 0 && p.Role == models.RoleProjectManager {
		in.ManagerID = p.ID
	}
	if p.Role == models.RoleProjectManager && in.ManagerID != p.ID {
		return nil, apperr.Forbidden("a project manager can only create own projects")
	}
	if in.StockManagerID != nil && *in.StockManagerID == 0 {
		in.StockManagerID = nil
	}
	if err := ledger.ValidateLines(in.Products); err != nil {
		return nil, err
	}

	project := models.Project{
		Name:           in.Name,
		Description:    in.Description,
		Status:         in.Status,
		ClientID:       in.ClientID,
		ManagerID:      in.ManagerID,
		StockManagerID: in.StockManagerID,
	}
	err := c.transaction(ctx, func(tx *gorm.DB) error {
		if err := checkPeople(tx, project.ClientID, project.ManagerID, project.StockManagerID); err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Create(&project).Error; err != nil {
			return fmt.Errorf("create project: %w", err)
		}
		if err := writeProducts(tx, project.ID, in.Products); err != nil {
			return err
		}
		l := c.ledger.WithTx(tx)
		if err := l.ReserveBatch(ctx, project.ID, in.Products); err != nil {
			return err
		}
		if err := l.Verify(ctx, project.ID, wanted(in.Products)); err != nil {
			return err
		}
		return database.CreateAuditLog(tx, p.ID, "project", project.ID, "create",
			fmt.Sprintf("Created project %s with %d product(s)", project.Name, len(in.Products)))
	})
	if err != nil {
		return nil, err
	}

	c.notify.NotifyAll(ctx, 0, []uint{project.ClientID, project.ManagerID, deref(project.StockManagerID)},
		models.NotifyProjectAssigned, notification(&project, nil))
	return c.load(ctx, project.ID)
}

// Update applies field changes and, when Products is set, the product
// diff: kept products are adjusted, dropped ones released in full, new
// ones reserved. All of it commits or none of it does.
func (c *Coordinator) Update(ctx context.Context, p models.Principal, id uint, patch ProjectPatch) (*models.Project, error) {
	if patch.Products != nil {
		if err := ledger.ValidateLines(*patch.Products); err != nil {
			return nil, err
		}
	}

	var before, after models.Project
	productsChanged := false
	err := c.transaction(ctx, func(tx *gorm.DB) error {
		current, err := lockProject(tx, id)
		if err != nil {
			return err
		}
		if err := policy.Check(policy.ProjectUpdate, p, owns(p, current)); err != nil {
			return err
		}
		before = *current
		after = *current

		updates := map[string]any{}
		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if name == "" {
				return apperr.Validation("project name is required")
			}
			updates["name"] = name
			after.Name = name
		}
		if patch.Description != nil {
			updates["description"] = *patch.Description
			after.Description = *patch.Description
		}
		if patch.Status != nil {
			if !patch.Status.Valid() {
				return apperr.Validation("invalid project status %q", *patch.Status)
			}
			updates["status"] = *patch.Status
			after.Status = *patch.Status
		}
		if patch.ClientID != nil {
			updates["client_id"] = *patch.ClientID
			after.ClientID = *patch.ClientID
		}
		if patch.ManagerID != nil {
			if p.Role == models.RoleProjectManager && *patch.ManagerID != p.ID {
				return apperr.Forbidden("a project manager cannot hand a project over")
			}
			updates["manager_id"] = *patch.ManagerID
			after.ManagerID = *patch.ManagerID
		}
		switch {
		case patch.ClearStockManager, patch.StockManagerID != nil && *patch.StockManagerID == 0:
			updates["stock_manager_id"] = nil
			after.StockManagerID = nil
		case patch.StockManagerID != nil:
			updates["stock_manager_id"] = *patch.StockManagerID
			after.StockManagerID = patch.StockManagerID
		}
		if err := checkPeople(tx, after.ClientID, after.ManagerID, after.StockManagerID); err != nil {
			return err
		}
		if len(updates) > 0 {
			if err := tx.Model(&models.Project{}).Where("id = ?", id).Updates(updates).Error; err != nil {
				return fmt.Errorf("update project: %w", err)
			}
		}

		if patch.Products != nil {
			productsChanged, err = c.applyDiff(ctx, tx, id, current.Products, *patch.Products)
			if err != nil {
				return err
			}
		}
		return database.CreateAuditLog(tx, p.ID, "project", id, "update", "Updated project "+after.Name)
	})
	if err != nil {
		return nil, err
	}

	c.announce(ctx, p, &before, &after, productsChanged)
	return c.load(ctx, id)
}

// applyDiff moves the ledger from the old product list to the new one and
// rewrites project_products.
func (c *Coordinator) applyDiff(ctx context.Context, tx *gorm.DB, projectID uint, old []models.ProjectProduct, lines []ledger.Line) (bool, error) {
	held := make(map[uint]int, len(old))
	for _, pp := range old {
		held[pp.ProductID] = pp.Quantity
	}
	next := wanted(lines)

	changed := len(held) != len(next)
	l := c.ledger.WithTx(tx)
	for _, pp := range old {
		if _, keep := next[pp.ProductID]; keep {
			continue
		}
		changed = true
		if _, err := l.Release(ctx, pp.ProductID, pp.Quantity, projectID); err != nil {
			return false, err
		}
	}
	for _, line := range lines {
		qty, had := held[line.ProductID]
		switch {
		case !had:
			changed = true
			if _, err := l.Reserve(ctx, line.ProductID, line.Quantity, projectID); err != nil {
				return false, err
			}
		case qty != line.Quantity:
			changed = true
			if _, err := l.Adjust(ctx, line.ProductID, projectID, line.Quantity); err != nil {
				return false, err
			}
		}
	}

	if err := tx.Where("project_id = ?", projectID).Delete(&models.ProjectProduct{}).Error; err != nil {
		return false, fmt.Errorf("clear project products: %w", err)
	}
	if err := writeProducts(tx, projectID, lines); err != nil {
		return false, err
	}
	return changed, l.Verify(ctx, projectID, next)
}

// Delete releases everything the project holds, removes its tasks and
// the project itself. Task files go after commit, best-effort.
func (c *Coordinator) Delete(ctx context.Context, p models.Principal, id uint) error {
	var (
		project *models.Project
		files   []models.TaskFile
	)
	err := c.transaction(ctx, func(tx *gorm.DB) error {
		var err error
		if project, err = lockProject(tx, id); err != nil {
			return err
		}
		if err := policy.Check(policy.ProjectDelete, p, owns(p, project)); err != nil {
			return err
		}
		l := c.ledger.WithTx(tx)
		if err := l.ReleaseProject(ctx, id); err != nil {
			return err
		}
		if files, err = c.tasks.PurgeProjectTasks(tx, id); err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&models.ProjectProduct{}).Error; err != nil {
			return fmt.Errorf("delete project products: %w", err)
		}
		if err := tx.Unscoped().Delete(&models.Project{}, id).Error; err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		if err := l.Verify(ctx, id, map[uint]int{}); err != nil {
			return err
		}
		return database.CreateAuditLog(tx, p.ID, "project", id, "delete", "Deleted project "+project.Name)
	})
	if err != nil {
		return err
	}
	c.tasks.RemoveFiles(ctx, files)
	return nil
}

func (c *Coordinator) Get(ctx context.Context, p models.Principal, id uint) (*models.Project, error) {
	db := c.db.WithContext(ctx)
	project, err := loadProject(db, id)
	if err != nil {
		return nil, err
	}
	owned := false
	if policy.NeedsOwnership(policy.ProjectView, p.Role) {
		owned = owns(p, project)
		if p.Role == models.RoleTechnician {
			if owned, err = holdsTask(db, p.ID, id); err != nil {
				return nil, err
			}
		}
	}
	if err := policy.Check(policy.ProjectView, p, owned); err != nil {
		return nil, err
	}
	return project, nil
}

// List returns the projects p can see: everything for admins and stock
// managers, otherwise the ones p manages, owns as client, or holds tasks in.
func (c *Coordinator) List(ctx context.Context, p models.Principal) ([]models.Project, error) {
	q := c.db.WithContext(ctx).Preload("Products", byPosition).Order("id")
	if !policy.NeedsOwnership(policy.ProjectView, p.Role) {
		if err := policy.Check(policy.ProjectView, p, false); err != nil {
			return nil, err
		}
	} else {
		switch p.Role {
		case models.RoleProjectManager:
			q = q.Where("manager_id = ?", p.ID)
		case models.RoleClient:
			q = q.Where("client_id = ?", p.ID)
		case models.RoleTechnician:
			q = q.Where("id IN (?)", c.db.Model(&models.Task{}).Select("project_id").Where("assigned_to = ?", p.ID))
		default:
			return nil, apperr.Forbidden("role %q is not allowed to %s", p.Role, policy.ProjectView)
		}
	}
	var projects []models.Project
	if err := q.Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

func (c *Coordinator) load(ctx context.Context, id uint) (*models.Project, error) {
	return loadProject(c.db.WithContext(ctx), id)
}

// announce: project_updated to the manager (and the stock manager when the
// product list moved); newly named people get project_assigned.
func (c *Coordinator) announce(ctx context.Context, p models.Principal, before, after *models.Project, productsChanged bool) {
	data := notification(after, map[string]any{"productsChanged": productsChanged})
	updated := []uint{after.ManagerID}
	if productsChanged {
		updated = append(updated, deref(after.StockManagerID))
	}

	var assigned []uint
	if after.ManagerID != before.ManagerID {
		assigned = append(assigned, after.ManagerID)
		updated = updated[1:]
	}
	if deref(after.StockManagerID) != deref(before.StockManagerID) {
		assigned = append(assigned, deref(after.StockManagerID))
	}
	if after.ClientID != before.ClientID {
		assigned = append(assigned, after.ClientID)
	}

	c.notify.NotifyAll(ctx, p.ID, updated, models.NotifyProjectUpdated, data)
	c.notify.NotifyAll(ctx, p.ID, assigned, models.NotifyProjectAssigned, notification(after, nil))
}

// lockProject takes the project row lock: Update and Delete of one project
// run one after another, and the loser sees the winner's result.
func lockProject(tx *gorm.DB, id uint) (*models.Project, error) {
	err := database.ForUpdate(tx).Select("id").Take(&models.Project{}, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("project %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock project: %w", err)
	}
	return loadProject(tx, id)
}

func loadProject(tx *gorm.DB, id uint) (*models.Project, error) {
	var p models.Project
	err := tx.Preload("Products", byPosition).Take(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("project %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	return &p, nil
}

func byPosition(db *gorm.DB) *gorm.DB { return db.Order("position, id") }

func writeProducts(tx *gorm.DB, projectID uint, lines []ledger.Line) error {
	if len(lines) == 0 {
		return nil
	}
	rows := make([]models.ProjectProduct, 0, len(lines))
	for i, line := range lines {
		rows = append(rows, models.ProjectProduct{ProjectID: projectID, ProductID: line.ProductID, Quantity: line.Quantity, Position: i})
	}
	if err := tx.Create(&rows).Error; err != nil {
		return fmt.Errorf("save project products: %w", err)
	}
	return nil
}

func wanted(lines []ledger.Line) map[uint]int {
	out := make(map[uint]int, len(lines))
	for _, line := range lines {
		out[line.ProductID] = line.Quantity
	}
	return out
}

func owns(p models.Principal, project *models.Project) bool {
	switch p.Role {
	case models.RoleProjectManager:
		return project.ManagerID == p.ID
	case models.RoleClient:
		return project.ClientID == p.ID
	}
	return false
}

func holdsTask(db *gorm.DB, userID, projectID uint) (bool, error) {
	var n int64
	err := db.Model(&models.Task{}).Where("project_id = ? AND assigned_to = ?", projectID, userID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check task assignment: %w", err)
	}
	return n > 0, nil
}

// checkPeople validates the roles of everyone named on a project.
func checkPeople(tx *gorm.DB, clientID, managerID uint, stockManagerID *uint) error {
	if err := checkRole(tx, "client", clientID, models.RoleClient); err != nil {
		return err
	}
	if err := checkRole(tx, "manager", managerID, models.RoleProjectManager, models.RoleAdmin); err != nil {
		return err
	}
	if stockManagerID != nil {
		return checkRole(tx, "stock manager", *stockManagerID, models.RoleStockManager)
	}
	return nil
}

func checkRole(tx *gorm.DB, field string, id uint, roles ...models.UserRole) error {
	if id == 0 {
		return apperr.Validation("%s is required", field)
	}
	var u models.User
	err := tx.Select("id", "role").Take(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Validation("%s %d does not exist", field, id)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", field, err)
	}
	for _, r := range roles {
		if u.Role == r {
			return nil
		}
	}
	return apperr.Validation("user %d cannot be the %s of a project", id, field)
}

func notification(p *models.Project, extra map[string]any) map[string]any {
	data := map[string]any{"projectId": p.ID, "name": p.Name}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

func deref(v *uint) uint {
	if v == nil {
		return 0
	}
	return *v
}

package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fieldops/internal/apperr"
	"fieldops/internal/database"
	"fieldops/internal/metrics"
	"fieldops/internal/models"
	"fieldops/internal/policy"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TaskInput struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	AssignedTo  *uint               `json:"assignedTo"`
	Status      models.TaskStatus   `json:"status"`
	Priority    models.TaskPriority `json:"priority"`
	DueDate     *time.Time          `json:"dueDate"`
}

// TaskPatch is a partial update; nil fields stay as they are.
// Unassign clears the assignee, ClearDueDate the due date.
type TaskPatch struct {
	Title        *string              `json:"title"`
	Description  *string              `json:"description"`
	Status       *models.TaskStatus   `json:"status"`
	Priority     *models.TaskPriority `json:"priority"`
	DueDate      *time.Time           `json:"dueDate"`
	ClearDueDate bool                 `json:"clearDueDate"`
	AssignedTo   *uint                `json:"assignedTo"`
	Unassign     bool                 `json:"unassign"`
}

func (e *Engine) Create(ctx context.Context, p models.Principal, projectID uint, in TaskInput) (*models.Task, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, apperr.Validation("task title is required")
	}
	if in.Status == "" {
		in.Status = models.TaskToDo
	}
	if in.Priority == "" {
		in.Priority = models.PriorityMedium
	}
	if !in.Priority.Valid() {
		return nil, apperr.Validation("invalid task priority %q", in.Priority)
	}
	if in.AssignedTo != nil && *in.AssignedTo == 0 {
		in.AssignedTo = nil
	}

	var t target
	err := e.transaction(ctx, func(tx *gorm.DB) error {
		// проект не должен исчезнуть, пока под него создаётся задача
		project, err := loadProject(database.ForShare(tx), projectID)
		if err != nil {
			return err
		}
		t.project = *project
		if err := t.authorize(policy.TaskCreate, p); err != nil {
			return err
		}

		t.task = models.Task{
			ProjectID:     projectID,
			Title:         in.Title,
			Description:   in.Description,
			AssignedTo:    in.AssignedTo,
			Status:        models.TaskToDo,
			Priority:      in.Priority,
			DueDate:       in.DueDate,
			LastUpdatedBy: p.ID,
		}
		// новая задача без доказательств: гейт проверяем от "To Do"
		if err := checkTransition(tx, p, &t.task, in.Status); err != nil {
			return err
		}
		t.task.Status = in.Status
		if in.AssignedTo != nil {
			if err := checkAssignee(tx, *in.AssignedTo); err != nil {
				return err
			}
		}

		if err := tx.Omit(clause.Associations).Create(&t.task).Error; err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := reassign(tx, t.task.ID, nil, in.AssignedTo); err != nil {
			return err
		}

		changes := []models.FieldChange{
			{Field: "title", After: t.task.Title},
			{Field: "status", After: t.task.Status},
			{Field: "priority", After: t.task.Priority},
		}
		if t.task.Description != "" {
			changes = append(changes, models.FieldChange{Field: "description", After: t.task.Description})
		}
		if t.task.AssignedTo != nil {
			changes = append(changes, models.FieldChange{Field: "assignedTo", After: *t.task.AssignedTo})
		}
		if t.task.DueDate != nil {
			changes = append(changes, models.FieldChange{Field: "dueDate", After: *t.task.DueDate})
		}
		_, err = appendChange(tx, t.task.ID, p.ID, "create", changes)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.notify.NotifyAll(ctx, p.ID, recipients(t.task.AssignedTo), models.NotifyTaskAssigned, t.notification(nil))
	return e.load(ctx, p, t.task.ID)
}

// Update is the full field update: admin or the owning project manager.
// A request that changes nothing writes nothing.
func (e *Engine) Update(ctx context.Context, p models.Principal, id uint, patch TaskPatch) (*models.Task, error) {
	var (
		t       *target
		before  models.Task
		changes []models.FieldChange
	)
	err := e.transaction(ctx, func(tx *gorm.DB) error {
		var err error
		if t, err = lockTarget(tx, id); err != nil {
			return err
		}
		if err := t.authorize(policy.TaskUpdate, p); err != nil {
			return err
		}
		before = t.task

		updates := map[string]any{}
		if patch.Title != nil {
			title := strings.TrimSpace(*patch.Title)
			if title == "" {
				return apperr.Validation("task title is required")
			}
			if title != t.task.Title {
				updates["title"] = title
				changes = append(changes, models.FieldChange{Field: "title", Before: t.task.Title, After: title})
				t.task.Title = title
			}
		}
		if patch.Description != nil && *patch.Description != t.task.Description {
			updates["description"] = *patch.Description
			changes = append(changes, models.FieldChange{Field: "description", Before: t.task.Description, After: *patch.Description})
		}
		if patch.Priority != nil && *patch.Priority != t.task.Priority {
			if !patch.Priority.Valid() {
				return apperr.Validation("invalid task priority %q", *patch.Priority)
			}
			updates["priority"] = *patch.Priority
			changes = append(changes, models.FieldChange{Field: "priority", Before: t.task.Priority, After: *patch.Priority})
		}
		if patch.Status != nil && *patch.Status != t.task.Status {
			if err := checkTransition(tx, p, &t.task, *patch.Status); err != nil {
				return err
			}
			updates["status"] = *patch.Status
			changes = append(changes, models.FieldChange{Field: "status", Before: t.task.Status, After: *patch.Status})
		}
		switch {
		case patch.ClearDueDate && t.task.DueDate != nil:
			updates["due_date"] = nil
			changes = append(changes, models.FieldChange{Field: "dueDate", Before: *t.task.DueDate})
		case patch.DueDate != nil && (t.task.DueDate == nil || !t.task.DueDate.Equal(*patch.DueDate)):
			updates["due_date"] = *patch.DueDate
			changes = append(changes, models.FieldChange{Field: "dueDate", Before: timeOrNil(t.task.DueDate), After: *patch.DueDate})
		}

		next, changed, err := nextAssignee(tx, t.task.AssignedTo, patch.AssignedTo, patch.Unassign)
		if err != nil {
			return err
		}
		if changed {
			updates["assigned_to"] = next
			changes = append(changes, models.FieldChange{Field: "assignedTo", Before: uintOrNil(t.task.AssignedTo), After: uintOrNil(next)})
			if err := reassign(tx, id, t.task.AssignedTo, next); err != nil {
				return err
			}
			t.task.AssignedTo = next
		}

		if len(changes) == 0 {
			return nil
		}
		if err := tx.Model(&models.Task{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		_, err = appendChange(tx, id, p.ID, "update", changes)
		return err
	})
	if patch.Status != nil && (err != nil || before.Status != *patch.Status) {
		metrics.TaskTransitions.WithLabelValues(string(*patch.Status), metrics.Result(err)).Inc()
	}
	if err != nil {
		return nil, err
	}

	if len(changes) > 0 {
		e.announce(ctx, p, t, &before, changes)
	}
	return e.load(ctx, p, id)
}

// Move is the lightweight status change behind drag-and-drop. It is open
// to whoever may move the task on the board (task.move) and goes through
// the same evidence gate as Update.
func (e *Engine) Move(ctx context.Context, p models.Principal, id uint, status models.TaskStatus) (*models.Task, error) {
	var (
		t    *target
		from models.TaskStatus
	)
	err := e.transaction(ctx, func(tx *gorm.DB) error {
		var err error
		if t, err = lockTarget(tx, id); err != nil {
			return err
		}
		if err := t.authorize(policy.TaskMove, p); err != nil {
			return err
		}
		from = t.task.Status
		if status == from {
			return nil
		}
		if err := checkTransition(tx, p, &t.task, status); err != nil {
			return err
		}
		if err := tx.Model(&models.Task{}).Where("id = ?", id).Update("status", status).Error; err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		_, err = appendChange(tx, id, p.ID, "status", []models.FieldChange{{Field: "status", Before: from, After: status}})
		return err
	})
	if err != nil || from != status {
		metrics.TaskTransitions.WithLabelValues(string(status), metrics.Result(err)).Inc()
	}
	if err != nil {
		return nil, err
	}

	if from != status {
		t.task.Status = status
		e.notify.NotifyAll(ctx, p.ID, recipients(&t.project.ManagerID, t.task.AssignedTo), models.NotifyTaskStatusChanged,
			t.notification(map[string]any{"from": from, "to": status}))
	}
	return e.load(ctx, p, id)
}

// Assign sets or clears the technician. A→B moves the task between the
// two users' assigned lists; nil only removes it from A's.
func (e *Engine) Assign(ctx context.Context, p models.Principal, id uint, technicianID *uint) (*models.Task, error) {
	var (
		t    *target
		prev *uint
	)
	changed := false
	err := e.transaction(ctx, func(tx *gorm.DB) error {
		var err error
		if t, err = lockTarget(tx, id); err != nil {
			return err
		}
		if err := t.authorize(policy.TaskAssign, p); err != nil {
			return err
		}
		prev = t.task.AssignedTo

		var next *uint
		next, changed, err = nextAssignee(tx, prev, technicianID, technicianID == nil)
		if err != nil || !changed {
			return err
		}
		if err := tx.Model(&models.Task{}).Where("id = ?", id).Update("assigned_to", next).Error; err != nil {
			return fmt.Errorf("assign task: %w", err)
		}
		if err := reassign(tx, id, prev, next); err != nil {
			return err
		}
		t.task.AssignedTo = next
		_, err = appendChange(tx, id, p.ID, "assign", []models.FieldChange{{Field: "assignedTo", Before: uintOrNil(prev), After: uintOrNil(next)}})
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		e.notify.NotifyAll(ctx, p.ID, recipients(t.task.AssignedTo), models.NotifyTaskAssigned, t.notification(nil))
		e.notify.NotifyAll(ctx, p.ID, recipients(prev), models.NotifyTaskUpdated, t.notification(map[string]any{"unassigned": true}))
	}
	return e.load(ctx, p, id)
}

// Delete removes the task with everything hanging off it. Its files are
// removed after commit; a file that cannot be removed is logged only.
func (e *Engine) Delete(ctx context.Context, p models.Principal, id uint) error {
	var (
		t     *target
		files []models.TaskFile
	)
	err := e.transaction(ctx, func(tx *gorm.DB) error {
		var err error
		if t, err = lockTarget(tx, id); err != nil {
			return err
		}
		if err := t.authorize(policy.TaskDelete, p); err != nil {
			return err
		}
		files, err = purge(tx, []uint{id})
		return err
	})
	if err != nil {
		return err
	}

	e.RemoveFiles(ctx, files)
	e.notify.NotifyAll(ctx, p.ID, recipients(t.task.AssignedTo), models.NotifyTaskDeleted, t.notification(nil))
	return nil
}

// PurgeProjectTasks deletes every task of projectID inside tx and returns
// their files for removal after the caller commits.
func (e *Engine) PurgeProjectTasks(tx *gorm.DB, projectID uint) ([]models.TaskFile, error) {
	var ids []uint
	if err := tx.Model(&models.Task{}).Where("project_id = ?", projectID).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list project tasks: %w", err)
	}
	return purge(tx, ids)
}

func purge(tx *gorm.DB, ids []uint) ([]models.TaskFile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var files []models.TaskFile
	if err := tx.Where("task_id IN ?", ids).Order("id").Find(&files).Error; err != nil {
		return nil, fmt.Errorf("load task files: %w", err)
	}
	if err := tx.Exec("DELETE FROM user_assigned_tasks WHERE task_id IN ?", ids).Error; err != nil {
		return nil, fmt.Errorf("unlink assignees: %w", err)
	}
	for _, child := range []any{&models.TaskFile{}, &models.TaskComment{}, &models.TaskMessage{}, &models.TaskChangeLog{}} {
		if err := tx.Where("task_id IN ?", ids).Delete(child).Error; err != nil {
			return nil, fmt.Errorf("delete task children: %w", err)
		}
	}
	if err := tx.Unscoped().Where("id IN ?", ids).Delete(&models.Task{}).Error; err != nil {
		return nil, fmt.Errorf("delete tasks: %w", err)
	}
	return files, nil
}

// Get returns the task as p may see it: private messages only for roles
// allowed to read them.
func (e *Engine) Get(ctx context.Context, p models.Principal, id uint) (*models.Task, error) {
	t, err := loadTarget(e.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	if err := t.authorize(policy.TaskView, p); err != nil {
		return nil, err
	}
	return e.load(ctx, p, id)
}

// ListByProject returns the project's tasks; technicians only see the
// ones assigned to them.
func (e *Engine) ListByProject(ctx context.Context, p models.Principal, projectID uint) ([]models.Task, error) {
	db := e.db.WithContext(ctx)
	project, err := loadProject(db, projectID)
	if err != nil {
		return nil, err
	}
	q := db.Where("project_id = ?", projectID)
	if p.Role == models.RoleTechnician {
		q = q.Where("assigned_to = ?", p.ID)
	} else {
		t := target{project: *project}
		if err := t.authorize(policy.TaskView, p); err != nil {
			return nil, err
		}
	}
	var tasks []models.Task
	if err := q.Order("id").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// History returns the change log, oldest first.
func (e *Engine) History(ctx context.Context, p models.Principal, id uint) ([]models.TaskChangeLog, error) {
	db := e.db.WithContext(ctx)
	t, err := loadTarget(db, id)
	if err != nil {
		return nil, err
	}
	if err := t.authorize(policy.TaskView, p); err != nil {
		return nil, err
	}
	var entries []models.TaskChangeLog
	if err := db.Where("task_id = ?", id).Order("id").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("load change log: %w", err)
	}
	return entries, nil
}

// AssignedTaskIDs returns the ids in userID's assigned list.
func (e *Engine) AssignedTaskIDs(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := e.db.WithContext(ctx).Table("user_assigned_tasks").Where("user_id = ?", userID).Order("task_id").Pluck("task_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("load assigned tasks: %w", err)
	}
	return ids, nil
}

func (e *Engine) load(ctx context.Context, p models.Principal, id uint) (*models.Task, error) {
	byID := func(db *gorm.DB) *gorm.DB { return db.Order("id") }
	q := e.db.WithContext(ctx).
		Preload("Comments", byID).
		Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Where("kind = ?", models.FileAttachment).Order("id") }).
		Preload("WorkEvidence", func(db *gorm.DB) *gorm.DB { return db.Where("kind = ?", models.FileEvidence).Order("id") }).
		Preload("ChangeLog", byID)
	if policy.Allowed(policy.TaskViewPrivate, p.Role, true) {
		q = q.Preload("PrivateMessages", byID)
	}
	var task models.Task
	if err := q.Take(&task, id).Error; err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	return &task, nil
}

// announce sends the notifications for a full update: status changes go
// to the manager and the assignee, a new assignee gets task_assigned, any
// other change is a task_updated for the assignee.
func (e *Engine) announce(ctx context.Context, p models.Principal, t *target, before *models.Task, changes []models.FieldChange) {
	fields := make([]string, 0, len(changes))
	statusOnly := true
	for _, c := range changes {
		fields = append(fields, c.Field)
		if c.Field == "status" {
			e.notify.NotifyAll(ctx, p.ID, recipients(&t.project.ManagerID, t.task.AssignedTo), models.NotifyTaskStatusChanged,
				t.notification(map[string]any{"from": c.Before, "to": c.After}))
			continue
		}
		statusOnly = false
	}

	switch {
	case !sameAssignee(before.AssignedTo, t.task.AssignedTo):
		e.notify.NotifyAll(ctx, p.ID, recipients(t.task.AssignedTo), models.NotifyTaskAssigned, t.notification(nil))
	case !statusOnly:
		e.notify.NotifyAll(ctx, p.ID, recipients(t.task.AssignedTo), models.NotifyTaskUpdated, t.notification(map[string]any{"fields": fields}))
	}
}

// nextAssignee resolves the requested assignee against the current one.
func nextAssignee(tx *gorm.DB, current, requested *uint, unassign bool) (*uint, bool, error) {
	if unassign || (requested != nil && *requested == 0) {
		return nil, current != nil, nil
	}
	if requested == nil || sameAssignee(current, requested) {
		return current, false, nil
	}
	if err := checkAssignee(tx, *requested); err != nil {
		return nil, false, err
	}
	return ptr(*requested), true, nil
}

func sameAssignee(a, b *uint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func uintOrNil(v *uint) any {
	if v == nil {
		return nil
	}
	return *v
}

func timeOrNil(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}

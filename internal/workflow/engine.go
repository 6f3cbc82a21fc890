// Package workflow owns tasks: the status state machine with its evidence
// gate, assignment bookkeeping, attachments and evidence, discussion and
// the per-task change log.
//
// Every mutating method writes exactly one change-log entry in the same
// transaction as the mutation itself. Side effects that cannot take part in
// the transaction (notifications, file removal) run after commit and never
// fail the operation.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"fieldops/internal/apperr"
	"fieldops/internal/blob"
	"fieldops/internal/database"
	"fieldops/internal/metrics"
	"fieldops/internal/models"
	"fieldops/internal/policy"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Notifier is the part of the dispatcher the engine needs.
type Notifier interface {
	NotifyAll(ctx context.Context, actorID uint, recipients []uint, typ models.NotificationType, data any)
}

// Remover deletes a stored file by its public URL.
type Remover interface {
	Remove(ctx context.Context, fileURL string) error
}

type Engine struct {
	db     *gorm.DB
	notify Notifier
	files  Remover
	log    *slog.Logger
}

func New(db *gorm.DB, notify Notifier, files Remover, log *slog.Logger) *Engine {
	return &Engine{db: db, notify: notify, files: files, log: log}
}

func (e *Engine) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return e.db.WithContext(ctx).Transaction(fn)
}

// target: задача вместе с полями проекта, нужными для проверки прав
type target struct {
	task    models.Task
	project models.Project
}

func (t *target) owned(p models.Principal) bool {
	switch p.Role {
	case models.RoleProjectManager:
		return t.project.ManagerID == p.ID
	case models.RoleClient:
		return t.project.ClientID == p.ID
	case models.RoleTechnician:
		return t.task.AssignedTo != nil && *t.task.AssignedTo == p.ID
	}
	return false
}

func (t *target) authorize(action policy.Action, p models.Principal) error {
	return policy.Check(action, p, t.owned(p))
}

func (t *target) notification(extra map[string]any) map[string]any {
	data := map[string]any{
		"taskId":    t.task.ID,
		"projectId": t.task.ProjectID,
		"title":     t.task.Title,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// lockTarget takes the task row lock before reading, so every guard of a
// mutation sees the state it is about to change.
func lockTarget(tx *gorm.DB, id uint) (*target, error) {
	err := database.ForUpdate(tx).Select("id").Take(&models.Task{}, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("task %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock task: %w", err)
	}
	return loadTarget(tx, id)
}

func loadTarget(tx *gorm.DB, id uint) (*target, error) {
	var t target
	err := tx.Take(&t.task, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("task %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	project, err := loadProject(tx, t.task.ProjectID)
	if err != nil {
		return nil, err
	}
	t.project = *project
	return &t, nil
}

func loadProject(tx *gorm.DB, id uint) (*models.Project, error) {
	var p models.Project
	err := tx.Select("id", "name", "client_id", "manager_id", "stock_manager_id").Take(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("project %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	return &p, nil
}

// appendChange writes the change-log entry and stamps the task with the
// actor. It is the last write of every mutation.
func appendChange(tx *gorm.DB, taskID, actorID uint, action string, changes []models.FieldChange) (*models.TaskChangeLog, error) {
	if changes == nil {
		changes = []models.FieldChange{}
	}
	raw, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("encode changes: %w", err)
	}
	entry := models.TaskChangeLog{
		TaskID:  taskID,
		ActorID: actorID,
		Action:  action,
		Changes: datatypes.JSON(raw),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("append change log: %w", err)
	}
	err = tx.Model(&models.Task{}).Where("id = ?", taskID).Update("last_updated_by", actorID).Error
	if err != nil {
		return nil, fmt.Errorf("stamp task: %w", err)
	}
	return &entry, nil
}

// checkTransition is the evidence gate: a technician enters In Review only
// with at least one piece of work evidence on the task.
func checkTransition(tx *gorm.DB, p models.Principal, task *models.Task, to models.TaskStatus) error {
	if !to.Valid() {
		return apperr.Validation("invalid task status %q", to)
	}
	if to != models.TaskInReview || task.Status == models.TaskInReview || policy.BypassesEvidenceGate(p.Role) {
		return nil
	}
	n, err := countFiles(tx, task.ID, models.FileEvidence)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Validation("work evidence is required before moving a task to %s", models.TaskInReview)
	}
	return nil
}

func countFiles(tx *gorm.DB, taskID uint, kind models.FileKind) (int64, error) {
	var n int64
	err := tx.Model(&models.TaskFile{}).Where("task_id = ? AND kind = ?", taskID, kind).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count %s files: %w", kind, err)
	}
	return n, nil
}

// checkAssignee accepts only existing technicians.
func checkAssignee(tx *gorm.DB, userID uint) error {
	var u models.User
	err := tx.Select("id", "role").Take(&u, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Validation("assignee %d does not exist", userID)
	}
	if err != nil {
		return fmt.Errorf("load assignee: %w", err)
	}
	if u.Role != models.RoleTechnician {
		return apperr.Validation("assignee %d is not a technician", userID)
	}
	return nil
}

// reassign keeps user_assigned_tasks in step with tasks.assigned_to:
// the task leaves the old assignee's list and joins the new one's.
func reassign(tx *gorm.DB, taskID uint, from, to *uint) error {
	if from != nil {
		err := tx.Exec("DELETE FROM user_assigned_tasks WHERE user_id = ? AND task_id = ?", *from, taskID).Error
		if err != nil {
			return fmt.Errorf("unlink assignee: %w", err)
		}
	}
	if to != nil {
		err := tx.Exec("INSERT INTO user_assigned_tasks (user_id, task_id) VALUES (?, ?) ON CONFLICT DO NOTHING", *to, taskID).Error
		if err != nil {
			return fmt.Errorf("link assignee: %w", err)
		}
	}
	return nil
}

// RemoveFiles deletes stored files best-effort. A missing file is a
// warning; any other failure is logged and counted.
func (e *Engine) RemoveFiles(ctx context.Context, files []models.TaskFile) {
	if e.files == nil {
		return
	}
	for _, f := range files {
		err := e.files.Remove(ctx, f.URL)
		switch {
		case err == nil:
		case errors.Is(err, blob.ErrNotExist):
			e.log.Warn("task file already missing", slog.String("url", f.URL), slog.Uint64("task_id", uint64(f.TaskID)))
		default:
			metrics.FileCleanupFailures.Inc()
			e.log.Error("failed to remove task file",
				slog.String("url", f.URL),
				slog.Uint64("task_id", uint64(f.TaskID)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func recipients(ids ...*uint) []uint {
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id != nil && *id != 0 {
			out = append(out, *id)
		}
	}
	return out
}

func ptr(v uint) *uint { return &v }

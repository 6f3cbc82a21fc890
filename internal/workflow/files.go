package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fieldops/internal/apperr"
	"fieldops/internal/models"
	"fieldops/internal/policy"

	"gorm.io/gorm"
)

// Вложения и доказательства: два независимых упорядоченных списка в
// task_files, различаются полем kind.

func validateDescriptors(files []models.FileDescriptor, imagesOnly bool) error {
	if len(files) == 0 {
		return apperr.Validation("at least one file is required")
	}
	for i, f := range files {
		if strings.TrimSpace(f.URL) == "" {
			return apperr.Validation("file %d: url is required", i)
		}
		if strings.TrimSpace(f.Mimetype) == "" {
			return apperr.Validation("file %d: mimetype is required", i)
		}
		if f.Size <= 0 {
			return apperr.Validation("file %d: size must be positive", i)
		}
		if imagesOnly && !f.IsImage() {
			return apperr.Validation("file %d: work evidence must be an image, got %s", i, f.Mimetype)
		}
	}
	return nil
}

func fileURLs(tx *gorm.DB, taskID uint, kind models.FileKind) ([]string, error) {
	var urls []string
	err := tx.Model(&models.TaskFile{}).Where("task_id = ? AND kind = ?", taskID, kind).Order("id").Pluck("url", &urls).Error
	if err != nil {
		return nil, fmt.Errorf("load %s files: %w", kind, err)
	}
	if urls == nil {
		urls = []string{}
	}
	return urls, nil
}

func listField(kind models.FileKind) string {
	if kind == models.FileEvidence {
		return "workEvidence"
	}
	return "attachments"
}

// addFiles appends descriptors to one list and logs the list before/after.
func addFiles(tx *gorm.DB, p models.Principal, taskID uint, kind models.FileKind, files []models.FileDescriptor) error {
	before, err := fileURLs(tx, taskID, kind)
	if err != nil {
		return err
	}
	rows := make([]models.TaskFile, 0, len(files))
	after := append([]string{}, before...)
	for _, f := range files {
		rows = append(rows, models.TaskFile{
			TaskID:       taskID,
			Kind:         kind,
			URL:          f.URL,
			Mimetype:     f.Mimetype,
			Size:         f.Size,
			OriginalName: f.OriginalName,
			UploadedBy:   p.ID,
		})
		after = append(after, f.URL)
	}
	if err := tx.Create(&rows).Error; err != nil {
		return fmt.Errorf("save %s files: %w", kind, err)
	}
	_, err = appendChange(tx, taskID, p.ID, listField(kind)+".add",
		[]models.FieldChange{{Field: listField(kind), Before: before, After: after}})
	return err
}

// removeFile deletes one row of the list and returns it for file cleanup.
func removeFile(tx *gorm.DB, p models.Principal, taskID, fileID uint, kind models.FileKind) (*models.TaskFile, error) {
	before, err := fileURLs(tx, taskID, kind)
	if err != nil {
		return nil, err
	}
	var f models.TaskFile
	err = tx.Where("id = ? AND task_id = ? AND kind = ?", fileID, taskID, kind).Take(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("%s file %d not found on task %d", kind, fileID, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("load file: %w", err)
	}
	if err := tx.Delete(&models.TaskFile{}, f.ID).Error; err != nil {
		return nil, fmt.Errorf("delete file: %w", err)
	}
	after := make([]string, 0, len(before))
	removed := false
	for _, u := range before {
		if u == f.URL && !removed {
			removed = true
			continue
		}
		after = append(after, u)
	}
	_, err = appendChange(tx, taskID, p.ID, listField(kind)+".remove",
		[]models.FieldChange{{Field: listField(kind), Before: before, After: after}})
	return &f, err
}

// AddAttachments is for admins and the owning project manager.
func (e *Engine) AddAttachments(ctx context.Context, p models.Principal, id uint, files []models.FileDescriptor) (*models.Task, error) {
	if err := validateDescriptors(files, false); err != nil {
		return nil, err
	}
	err := e.transaction(ctx, func(tx *gorm.DB) error {
		t, err := lockTarget(tx, id)
		if err != nil {
			return err
		}
		if err := t.authorize(policy.TaskAttach, p); err != nil {
			return err
		}
		return addFiles(tx, p, id, models.FileAttachment, files)
	})
	if err != nil {
		return nil, err
	}
	return e.load(ctx, p, id)
}

func (e *Engine) RemoveAttachment(ctx context.Context, p models.Principal, id, fileID uint) (*models.Task, error) {
	var removed *models.TaskFile
	err := e.transaction(ctx, func(tx *gorm.DB) error {
		t, err := lockTarget(tx, id)
		if err != nil {
			return err
		}
		if err := t.authorize(policy.TaskAttach, p); err != nil {
			return err
		}
		removed, err = removeFile(tx, p, id, fileID, models.FileAttachment)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.RemoveFiles(ctx, []models.TaskFile{*removed})
	return e.load(ctx, p, id)
}

// AddEvidence accepts images from admins, the owning project manager and
// the assigned technician.
func (e *Engine) AddEvidence(ctx context.Context, p models.Principal, id uint, files []models.FileDescriptor) (*models.Task, error) {
	if err := validateDescriptors(files, true); err != nil {
		return nil, err
	}
	var t *target
	err := e.transaction(ctx, func(tx *gorm.DB) error {
		var err error
		if t, err = lockTarget(tx, id); err != nil {
			return err
		}
		if err := t.authorize(policy.TaskEvidence, p); err != nil {
			return err
		}
		return addFiles(tx, p, id, models.FileEvidence, files)
	})
	if err != nil {
		return nil, err
	}
	e.notify.NotifyAll(ctx, p.ID, recipients(&t.project.ManagerID), models.NotifyEvidenceAdded,
		t.notification(map[string]any{"count": len(files)}))
	return e.load(ctx, p, id)
}

// RemoveEvidence: once the task is In Review or Completed the technician
// can no longer take evidence away; admins and managers always can.
func (e *Engine) RemoveEvidence(ctx context.Context, p models.Principal, id, fileID uint) (*models.Task, error) {
	var removed *models.TaskFile
	err := e.transaction(ctx, func(tx *gorm.DB) error {
		t, err := lockTarget(tx, id)
		if err != nil {
			return err
		}
		if err := t.authorize(policy.TaskEvidence, p); err != nil {
			return err
		}
		if !policy.BypassesEvidenceGate(p.Role) && t.task.Status.Submitted() {
			return apperr.Forbidden("work evidence is locked while the task is %s", t.task.Status)
		}
		removed, err = removeFile(tx, p, id, fileID, models.FileEvidence)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.RemoveFiles(ctx, []models.TaskFile{*removed})
	return e.load(ctx, p, id)
}

package workflow

import (
	"context"
	"fmt"
	"strings"

	"fieldops/internal/apperr"
	"fieldops/internal/models"
	"fieldops/internal/policy"

	"gorm.io/gorm"
)

// AddComment posts to the task thread the client can read too.
func (e *Engine) AddComment(ctx context.Context, p models.Principal, id uint, text string) (*models.Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.Validation("comment text is required")
	}
	var t *target
	err := e.transaction(ctx, func(tx *gorm.DB) error {
		var err error
		if t, err = lockTarget(tx, id); err != nil {
			return err
		}
		if err := t.authorize(policy.TaskComment, p); err != nil {
			return err
		}
		c := models.TaskComment{TaskID: id, AuthorID: p.ID, Text: text}
		if err := tx.Create(&c).Error; err != nil {
			return fmt.Errorf("save comment: %w", err)
		}
		_, err = appendChange(tx, id, p.ID, "comment", []models.FieldChange{{Field: "comments", After: c.ID}})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.notify.NotifyAll(ctx, p.ID, recipients(&t.project.ManagerID, t.task.AssignedTo, &t.project.ClientID),
		models.NotifyCommentAdded, t.notification(map[string]any{"authorId": p.ID}))
	return e.load(ctx, p, id)
}

// AddPrivateMessage posts to the team-only thread; clients never see it.
func (e *Engine) AddPrivateMessage(ctx context.Context, p models.Principal, id uint, text string) (*models.Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.Validation("message text is required")
	}
	var t *target
	err := e.transaction(ctx, func(tx *gorm.DB) error {
		var err error
		if t, err = lockTarget(tx, id); err != nil {
			return err
		}
		if err := t.authorize(policy.TaskPrivateMessage, p); err != nil {
			return err
		}
		m := models.TaskMessage{TaskID: id, AuthorID: p.ID, Text: text}
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("save message: %w", err)
		}
		_, err = appendChange(tx, id, p.ID, "private_message", []models.FieldChange{{Field: "privateMessages", After: m.ID}})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.notify.NotifyAll(ctx, p.ID, recipients(&t.project.ManagerID, t.task.AssignedTo),
		models.NotifyPrivateMessage, t.notification(map[string]any{"authorId": p.ID}))
	return e.load(ctx, p, id)
}

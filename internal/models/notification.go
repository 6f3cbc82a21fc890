package models

import (
	"time"

	"gorm.io/datatypes"
)

type NotificationType string

const (
	NotifyProjectAssigned   NotificationType = "project_assigned"
	NotifyProjectUpdated    NotificationType = "project_updated"
	NotifyTaskAssigned      NotificationType = "task_assigned"
	NotifyTaskUpdated       NotificationType = "task_updated"
	NotifyTaskStatusChanged NotificationType = "task_status_changed"
	NotifyTaskDeleted       NotificationType = "task_deleted"
	NotifyCommentAdded      NotificationType = "comment_added"
	NotifyPrivateMessage    NotificationType = "private_message"
	NotifyEvidenceAdded     NotificationType = "evidence_added"
)

// NotificationRetention: через сколько уведомление удаляется.
const NotificationRetention = 30 * 24 * time.Hour

type Notification struct {
	ID        uint             `gorm:"primaryKey" json:"id"`
	To        uint             `gorm:"column:to_user_id;not null;index:idx_notification_user_read,priority:1" json:"to"`
	Type      NotificationType `gorm:"type:varchar(40);not null" json:"type"`
	Data      datatypes.JSON   `json:"data"`
	Read      bool             `gorm:"not null;default:false;index:idx_notification_user_read,priority:2" json:"read"`
	CreatedAt time.Time        `gorm:"index" json:"createdAt"`
	ExpiresAt time.Time        `gorm:"index;not null" json:"expiresAt"`
}

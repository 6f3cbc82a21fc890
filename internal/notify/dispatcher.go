// Package notify persists notifications and hands them to the event bus.
//
// Persistence comes first; the real-time path is fire-and-forget. A user
// who is offline when a notification is published finds it later through
// GetUserNotifications.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fieldops/internal/apperr"
	"fieldops/internal/events"
	"fieldops/internal/metrics"
	"fieldops/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DefaultLimit = 20
	MaxLimit     = 50
)

type Dispatcher struct {
	db  *gorm.DB
	bus events.Bus
	log *slog.Logger
	now func() time.Time
}

type Option func(*Dispatcher)

// WithClock overrides time.Now, used by retention tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(db *gorm.DB, bus events.Bus, log *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{db: db, bus: bus, log: log, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify stores a notification for user `to` and publishes it. A publish
// failure is logged; the stored row is the source of truth.
func (d *Dispatcher) Notify(ctx context.Context, to uint, typ models.NotificationType, data any) (*models.Notification, error) {
	if to == 0 {
		return nil, apperr.Validation("notification recipient is required")
	}
	if typ == "" {
		return nil, apperr.Validation("notification type is required")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, apperr.Validation("notification data is not serializable: %v", err)
	}

	now := d.now().UTC()
	n := models.Notification{
		To:        to,
		Type:      typ,
		Data:      datatypes.JSON(payload),
		CreatedAt: now,
		ExpiresAt: now.Add(models.NotificationRetention),
	}
	if err := d.db.WithContext(ctx).Create(&n).Error; err != nil {
		metrics.NotificationsSent.WithLabelValues(string(typ), "error").Inc()
		return nil, fmt.Errorf("save notification: %w", err)
	}
	metrics.NotificationsSent.WithLabelValues(string(typ), "ok").Inc()

	if err := d.bus.Publish(ctx, events.Message{UserID: to, Notification: n}); err != nil {
		d.log.Warn("failed to publish notification",
			slog.Uint64("notification_id", uint64(n.ID)),
			slog.Uint64("user_id", uint64(to)),
			slog.String("error", err.Error()),
		)
	}
	return &n, nil
}

// NotifyAll is the post-commit fan-out used by business operations: every
// recipient is tried, failures are logged and never returned, so a broken
// notification path cannot undo work that is already committed. Zero ids,
// duplicates and the acting user are skipped.
func (d *Dispatcher) NotifyAll(ctx context.Context, actorID uint, recipients []uint, typ models.NotificationType, data any) {
	seen := make(map[uint]struct{}, len(recipients))
	for _, to := range recipients {
		if to == 0 || to == actorID {
			continue
		}
		if _, dup := seen[to]; dup {
			continue
		}
		seen[to] = struct{}{}
		if _, err := d.Notify(ctx, to, typ, data); err != nil {
			d.log.Error("notification dropped",
				slog.Uint64("user_id", uint64(to)),
				slog.String("type", string(typ)),
				slog.String("error", err.Error()),
			)
		}
	}
}

type Query struct {
	Page  int
	Limit int
	Read  *bool
}

type Page struct {
	Items []models.Notification `json:"items"`
	Total int64                 `json:"total"`
	Page  int                   `json:"page"`
	Limit int                   `json:"limit"`
	Pages int                   `json:"pages"`
}

// GetUserNotifications returns userID's live notifications, newest first.
// Limit is capped at MaxLimit whatever the caller asks for.
func (d *Dispatcher) GetUserNotifications(ctx context.Context, userID uint, q Query) (*Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	switch {
	case q.Limit < 1:
		q.Limit = DefaultLimit
	case q.Limit > MaxLimit:
		q.Limit = MaxLimit
	}

	base := d.live(ctx, userID)
	if q.Read != nil {
		base = base.Where("read = ?", *q.Read)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Model(&models.Notification{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}

	items := []models.Notification{}
	err := base.Session(&gorm.Session{}).
		Order("created_at desc, id desc").
		Offset((q.Page - 1) * q.Limit).
		Limit(q.Limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	pages := int((total + int64(q.Limit) - 1) / int64(q.Limit))
	return &Page{Items: items, Total: total, Page: q.Page, Limit: q.Limit, Pages: pages}, nil
}

// MarkAsRead fails with NotFound when id does not exist or belongs to
// somebody else.
func (d *Dispatcher) MarkAsRead(ctx context.Context, id, userID uint) (*models.Notification, error) {
	var n models.Notification
	err := d.live(ctx, userID).Where("id = ?", id).Take(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("notification %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load notification: %w", err)
	}
	if n.Read {
		return &n, nil
	}
	if err := d.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND to_user_id = ?", id, userID).
		Update("read", true).Error; err != nil {
		return nil, fmt.Errorf("mark notification read: %w", err)
	}
	n.Read = true
	return &n, nil
}

// MarkAllAsRead flips userID's unread notifications and returns how many
// changed. Other users' rows are never touched.
func (d *Dispatcher) MarkAllAsRead(ctx context.Context, userID uint) (int64, error) {
	res := d.live(ctx, userID).Model(&models.Notification{}).
		Where("read = ?", false).
		Update("read", true)
	if res.Error != nil {
		return 0, fmt.Errorf("mark all read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (d *Dispatcher) GetUnreadCount(ctx context.Context, userID uint) (int64, error) {
	var n int64
	err := d.live(ctx, userID).Model(&models.Notification{}).Where("read = ?", false).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (d *Dispatcher) Delete(ctx context.Context, id, userID uint) error {
	res := d.db.WithContext(ctx).Where("id = ? AND to_user_id = ?", id, userID).Delete(&models.Notification{})
	if res.Error != nil {
		return fmt.Errorf("delete notification: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("notification %d not found", id)
	}
	return nil
}

// PurgeExpired removes notifications past their retention window.
func (d *Dispatcher) PurgeExpired(ctx context.Context) (int64, error) {
	res := d.db.WithContext(ctx).Where("expires_at <= ?", d.now().UTC()).Delete(&models.Notification{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge notifications: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// live scopes to userID's rows that are still inside the retention
// window; expired rows are invisible even before the sweeper removes them.
func (d *Dispatcher) live(ctx context.Context, userID uint) *gorm.DB {
	return d.db.WithContext(ctx).
		Where("to_user_id = ? AND expires_at > ?", userID, d.now().UTC())
}

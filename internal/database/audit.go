package database

import (
	"fieldops/internal/models"

	"gorm.io/gorm"
)

// CreateAuditLog пишет строку журнала аудита в той же транзакции, что и само изменение.
func CreateAuditLog(tx *gorm.DB, userID uint, entity string, entityID uint, action, details string) error {
	record := models.AuditLog{
		UserID:   userID,
		Entity:   entity,
		EntityID: entityID,
		Action:   action,
		Details:  details,
	}
	return tx.Create(&record).Error
}

// ListAuditLogs: последние записи, самые новые первыми.
func ListAuditLogs(db *gorm.DB, entity string, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	q := db.Order("created_at desc, id desc").Limit(limit)
	if entity != "" {
		q = q.Where("entity = ?", entity)
	}
	var logs []models.AuditLog
	if err := q.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

package database

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"fieldops/internal/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	connectAttempts = 10
	connectDelay    = 2 * time.Second
)

// Connect открывает postgres с повторами: в docker-compose база поднимается позже сервиса.
func Connect(dsn string, gormLevel logger.LogLevel, log *slog.Logger) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	for i := 1; i <= connectAttempts; i++ {
		log.Info("connecting to DB", slog.Int("attempt", i), slog.Int("max_attempts", connectAttempts))

		db, err = gorm.Open(postgres.Open(dsn), Config(gormLevel))
		if err == nil {
			log.Info("connected to DB")
			return db, nil
		}

		log.Warn("failed to connect to DB", slog.String("error", err.Error()))
		time.Sleep(connectDelay)
	}
	return nil, fmt.Errorf("connect to db after %d attempts: %w", connectAttempts, err)
}

// Config: общий gorm.Config для postgres и тестового sqlite.
func Config(level logger.LogLevel) *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger: logger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			logger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  level,
				IgnoreRecordNotFoundError: true,
			},
		),
	}
}

// ForUpdate блокирует строки следующего запроса до конца транзакции.
// sqlite эту часть запроса опускает: там писатели и так идут по очереди.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// ForShare не даёт удалить или изменить строку, пока транзакция жива.
func ForShare(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "SHARE"})
}

// Migrate создаёт/обновляет схему.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.User{},
		&models.Product{},
		&models.Allocation{},
		&models.Project{},
		&models.ProjectProduct{},
		&models.Task{},
		&models.TaskComment{},
		&models.TaskMessage{},
		&models.TaskFile{},
		&models.TaskChangeLog{},
		&models.Notification{},
		&models.AuditLog{},
	)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Seed создаёт дефолтного админа и демо-аккаунты для остальных ролей.
func Seed(db *gorm.DB, log *slog.Logger) {
	createDefaultAdmin(db, log)
	seedDefaultUsers(db, log)
}

// админ только из кода/конфига
func createDefaultAdmin(db *gorm.DB, log *slog.Logger) {
	username := os.Getenv("ADMIN_USERNAME")
	if username == "" {
		username = "admin@fieldops.local"
	}
	password := os.Getenv("ADMIN_PASSWORD")
	if password == "" {
		password = "Admin123!"
	}

	var count int64
	if err := db.Model(&models.User{}).
		Where("role = ?", models.RoleAdmin).
		Count(&count).Error; err != nil {
		log.Error("failed to check admin user", slog.String("error", err.Error()))
		return
	}
	if count > 0 {
		return
	}

	if err := createUser(db, username, password, models.RoleAdmin); err != nil {
		log.Error("failed to create default admin", slog.String("error", err.Error()))
		return
	}
	log.Info("created default admin user", slog.String("username", username))
}

// по одному демо-пользователю на каждую остальную роль
func seedDefaultUsers(db *gorm.DB, log *slog.Logger) {
	type seedUser struct {
		Username string
		Password string
		Role     models.UserRole
	}

	users := []seedUser{
		{Username: "pm@fieldops.local", Password: "Manager123!", Role: models.RoleProjectManager},
		{Username: "tech@fieldops.local", Password: "Tech123!", Role: models.RoleTechnician},
		{Username: "stock@fieldops.local", Password: "Stock123!", Role: models.RoleStockManager},
		{Username: "client@fieldops.local", Password: "Client123!", Role: models.RoleClient},
	}

	for _, u := range users {
		var count int64
		if err := db.Model(&models.User{}).
			Where("username = ?", u.Username).
			Count(&count).Error; err != nil {
			log.Error("failed to check seed user", slog.String("username", u.Username), slog.String("error", err.Error()))
			continue
		}
		if count > 0 {
			continue
		}

		if err := createUser(db, u.Username, u.Password, u.Role); err != nil {
			log.Error("failed to create seed user", slog.String("username", u.Username), slog.String("error", err.Error()))
			continue
		}
		log.Info("created seed user", slog.String("username", u.Username), slog.String("role", string(u.Role)))
	}
}

func createUser(db *gorm.DB, username, password string, role models.UserRole) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user := models.User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
	}
	return db.Create(&user).Error
}

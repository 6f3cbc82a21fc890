// Package testutil builds throwaway databases and fixtures for package tests.
package testutil

import (
	"io"
	"log/slog"
	"testing"

	"fieldops/internal/database"
	"fieldops/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens a private in-memory SQLite database with the full schema.
// One connection: the database lives as long as it does, and transactions
// are serialized the way row locks would serialize them.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), database.Config(logger.Silent))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// BeforeLockedRead runs fn once, inside the caller's transaction, right
// before the first query on table that takes a row lock. fn stands in for
// a concurrent transaction that committed while the caller waited for
// that lock: whatever fn writes is what the locked read must see.
func BeforeLockedRead(t testing.TB, db *gorm.DB, table string, fn func(tx *gorm.DB)) {
	t.Helper()
	name := "testutil:before_locked_read:" + table
	fired := false
	err := db.Callback().Query().Before("gorm:query").Register(name, func(d *gorm.DB) {
		if fired || d.Statement.Table != table {
			return
		}
		if _, locked := d.Statement.Clauses["FOR"]; !locked {
			return
		}
		fired = true
		fn(d.Session(&gorm.Session{NewDB: true}))
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Callback().Query().Remove(name)
		if !fired {
			t.Errorf("no locked read on %s", table)
		}
	})
}

// Logger discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// CreateUser inserts a user with the given role and returns its principal.
func CreateUser(t testing.TB, db *gorm.DB, username string, role models.UserRole) models.Principal {
	t.Helper()
	u := models.User{Username: username, PasswordHash: "x", Role: role}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return models.Principal{ID: u.ID, Role: role}
}

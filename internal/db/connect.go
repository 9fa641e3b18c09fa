// Package db provides gorm connection helpers for the diagnostics database.
package db

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sns45/better-call-claude/internal/models"
)

// DSN builds a MySQL-compatible DSN.
func DSN(host string, port int, database string) string {
	return fmt.Sprintf("root@tcp(%s:%d)/%s?parseTime=true", host, port, database)
}

// ConnectSQLite opens a gorm connection to a SQLite file. Use ":memory:"
// for an in-process database (tests, ephemeral runs).
func ConnectSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	return db, nil
}

// ConnectMySQL opens a gorm connection to a MySQL-compatible server.
func ConnectMySQL(host string, port int, database string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(DSN(host, port, database)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", host, port, database, err)
	}
	return db, nil
}

// Migrate creates or updates the diagnostics tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.WorkerLog{}, &models.CallRecord{}); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}

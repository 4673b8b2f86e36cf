package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/dissertation-eval-api/internal/models"
)

// ConnectPostgres establishes a connection to the PostgreSQL database using the provided DSN.
func ConnectPostgres(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn must not be empty")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return db, nil
}

// ConnectSQLite opens (or creates) a SQLite database file.
func ConnectSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path must not be empty")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	return db, nil
}

// Connect prefers postgres when a DSN is configured and falls back to SQLite.
func Connect(postgresDSN, sqlitePath string) (*gorm.DB, error) {
	if postgresDSN != "" {
		return ConnectPostgres(postgresDSN)
	}
	return ConnectSQLite(sqlitePath)
}

// Migrate creates or updates the outcome tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.EvaluationRecord{}, &models.CriterionScore{}); err != nil {
		return fmt.Errorf("migrate evaluation tables: %w", err)
	}
	return nil
}

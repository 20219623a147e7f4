package database

import (
	"fmt"
	"path/filepath"
	"strings"

	"geoimport-desktop/internal/config"
	"geoimport-desktop/internal/logger"
	"geoimport-desktop/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Init opens the profile database described by cfg and runs auto-migration.
// An empty database URL means a SQLite file in the user config directory.
func Init(cfg *config.Config) (*gorm.DB, error) {
	dialector, err := openDialector(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	gormLog := gormlogger.Default.LogMode(gormlogger.Warn)
	if strings.EqualFold(cfg.LogLevel, "debug") {
		gormLog = gormlogger.Default.LogMode(gormlogger.Info)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	logger.Debug("Database connection pool configured: max_open=%d, max_idle=%d, max_lifetime=%v",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}

	logger.Info("Database initialized successfully")
	return db, nil
}

func openDialector(databaseURL string) (gorm.Dialector, error) {
	switch {
	case databaseURL == "":
		appDir, err := config.AppDir()
		if err != nil {
			return nil, err
		}
		dbPath := filepath.Join(appDir, "geoimport.db")
		logger.Info("Using database at: %s", dbPath)
		return sqlite.Open(dbPath), nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(databaseURL, "sqlite://")), nil
	case strings.HasPrefix(databaseURL, "postgresql://"), strings.HasPrefix(databaseURL, "postgres://"):
		return postgres.Open(databaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported database URL format: %s", databaseURL)
	}
}

// AutoMigrate runs GORM auto-migration for all models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.ConnectionProfile{})
}

// Close closes the database connection
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

package db

import (
	"fmt"
	"log"
	"time"

	"clearnode/internal/config"
	"clearnode/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Models every table the clearnode owns
func Models() []interface{} {
	return []interface{}{
		&models.Channel{},
		&models.AppSession{},
		&models.LedgerTransaction{},
		&models.LedgerEntry{},
		&models.SessionKey{},
		&models.RPCRecord{},
	}
}

// InitDB opens the postgres database and migrates the schema
func InitDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	database, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		PrepareStmt:                              true,
		CreateBatchSize:                          1000,
		Logger:                                   logger.Default.LogMode(logger.Silent),
		TranslateError:                           true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	log.Println("✅ Database connected successfully")

	log.Println("🚀 Starting database schema migration with GORM AutoMigrate...")
	if err := database.AutoMigrate(Models()...); err != nil {
		return nil, fmt.Errorf("AutoMigrate failed: %w", err)
	}
	log.Println("✅ Database schema migrated successfully")

	DB = database
	return database, nil
}

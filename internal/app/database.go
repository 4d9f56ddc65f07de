package app

import (
	"fmt"
	"time"

	"github.com/talkincode/wasession/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// getDatabase opens the configured database. Type none returns a nil handle.
func getDatabase(cfg *config.AppConfig) (*gorm.DB, error) {
	dbcfg := cfg.Database
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if dbcfg.Debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var dialector gorm.Dialector
	switch dbcfg.Type {
	case "none":
		return nil, nil
	case "sqlite":
		dialector = sqlite.Open(cfg.GetSqlitePath() + "?_foreign_keys=on&_busy_timeout=5000")
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.GetPostgresDSN())
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbcfg.Type)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dbcfg.Type, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if dbcfg.MaxConn > 0 {
		sqlDB.SetMaxOpenConns(dbcfg.MaxConn)
	}
	if dbcfg.IdleConn > 0 {
		sqlDB.SetMaxIdleConns(dbcfg.IdleConn)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

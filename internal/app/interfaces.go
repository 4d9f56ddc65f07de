package app

import (
	"github.com/robfig/cron/v3"
	"github.com/talkincode/wasession/config"
	"github.com/talkincode/wasession/internal/whatsapp"
	"gorm.io/gorm"
)

// DBProvider provides database access, nil when the database type is none
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// CoordinatorProvider provides the whatsapp session coordinator
type CoordinatorProvider interface {
	Coordinator() *whatsapp.Coordinator
}

// AppContext combines all provider interfaces for full application context
type AppContext interface {
	DBProvider
	ConfigProvider
	SchedulerProvider
	CoordinatorProvider

	MigrateDB(track bool) error
}

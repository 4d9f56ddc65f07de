package app

import (
	"context"
	"os"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/wasession/config"
	"github.com/talkincode/wasession/internal/domain"
	"github.com/talkincode/wasession/internal/whatsapp"
	"github.com/talkincode/wasession/pkg/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

type Application struct {
	appConfig   *config.AppConfig
	gormDB      *gorm.DB
	sched       *cron.Cron
	coordinator *whatsapp.Coordinator
}

// Ensure Application implements all interfaces
var (
	_ DBProvider          = (*Application)(nil)
	_ ConfigProvider      = (*Application)(nil)
	_ SchedulerProvider   = (*Application)(nil)
	_ CoordinatorProvider = (*Application)(nil)
	_ AppContext          = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

func (a *Application) Coordinator() *whatsapp.Coordinator {
	return a.coordinator
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

// initLogger installs the global zap logger, tee'd into a rotated file when enabled.
func initLogger(cfg *config.AppConfig) {
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}
		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			panic(err)
		}
	}
	zap.ReplaceGlobals(logger)
}

func (a *Application) Init(cfg *config.AppConfig) error {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	initLogger(cfg)

	if err := metrics.InitMetrics(cfg.System.Workdir); err != nil {
		zap.S().Warn("Failed to initialize metrics, keeping them in memory:", err)
		_ = metrics.InitMemory()
	}

	if a.gormDB == nil {
		a.gormDB, err = getDatabase(cfg)
		if err != nil {
			return err
		}
	}
	if a.gormDB != nil {
		zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)
		if err := a.MigrateDB(false); err != nil {
			zap.S().Errorf("database migration failed: %v", err)
		}
	}

	driver, err := a.newDriver(cfg)
	if err != nil {
		return err
	}
	store, err := a.newStateStore(cfg)
	if err != nil {
		return err
	}
	a.coordinator, err = whatsapp.New(cfg.WhatsApp, driver, store)
	if err != nil {
		return err
	}
	zap.L().Info("whatsapp coordinator ready",
		zap.String("namespace", "whatsapp"),
		zap.String("driver", cfg.WhatsApp.Driver),
		zap.String("state_store", cfg.WhatsApp.StateStore))

	if cfg.WhatsApp.AutoResume {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n, err := a.coordinator.Resume(ctx)
		cancel()
		if err != nil {
			zap.L().Warn("whatsapp: resume sessions", zap.Error(err))
		} else if n > 0 {
			zap.L().Info("whatsapp: resumed sessions", zap.Int("count", n))
		}
	}

	a.initJob()
	return nil
}

func (a *Application) newDriver(cfg *config.AppConfig) (whatsapp.Driver, error) {
	switch cfg.WhatsApp.Driver {
	case "whatsmeow":
		if a.gormDB == nil {
			return nil, errors.New("the whatsmeow driver needs a database")
		}
		sqlDB, err := a.gormDB.DB()
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return whatsapp.NewWhatsmeowDriver(ctx, sqlDB, cfg.Database.Type)
	case "simulator", "":
		return whatsapp.NewSimulator(), nil
	default:
		return nil, errors.Errorf("unsupported whatsapp driver %q", cfg.WhatsApp.Driver)
	}
}

func (a *Application) newStateStore(cfg *config.AppConfig) (whatsapp.StateStore, error) {
	switch cfg.WhatsApp.StateStore {
	case "database", "":
		if a.gormDB == nil {
			zap.L().Warn("whatsapp: no database configured, session records are kept in memory")
			return whatsapp.NewMemoryStateStore(), nil
		}
		return whatsapp.NewGormStateStore(a.gormDB)
	case "bolt":
		return whatsapp.OpenBoltStateStore(cfg.GetBoltPath())
	case "memory":
		return whatsapp.NewMemoryStateStore(), nil
	default:
		return nil, errors.Errorf("unsupported state store %q", cfg.WhatsApp.StateStore)
	}
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	if a.gormDB == nil {
		return nil
	}
	db := a.gormDB
	if track {
		db = db.Debug()
	}
	return db.Migrator().AutoMigrate(domain.Tables...)
}

// Release drains the sessions and releases application resources
func (a *Application) Release(ctx context.Context) {
	if a.sched != nil {
		<-a.sched.Stop().Done()
	}
	if a.coordinator != nil {
		if err := a.coordinator.Shutdown(ctx); err != nil {
			zap.L().Warn("whatsapp: shutdown", zap.Error(err))
		}
	}
	if a.gormDB != nil {
		if sqlDB, err := a.gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = metrics.Close()
	_ = zap.L().Sync()
}

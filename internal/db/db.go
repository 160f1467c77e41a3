package db

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labgrid-project/labgrid-go/internal/config"
	"github.com/labgrid-project/labgrid-go/internal/logging"
	"github.com/labgrid-project/labgrid-go/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init(cfg *config.Config, logger logging.Logger) error {
	// Route GORM output through the structured logger so SQL logs are not
	// plain text.
	var gormLevel gormlogger.LogLevel
	switch logging.GetLevel() {
	case "debug":
		gormLevel = gormlogger.Info
	case "error", "fatal":
		gormLevel = gormlogger.Error
	default:
		gormLevel = gormlogger.Warn
	}
	gl := newGormLogger(logger, gormLevel)

	var dialector gorm.Dialector
	driver := strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	if driver == "postgres" || driver == "postgresql" {
		if cfg.DBDsn == "" {
			return &os.PathError{Op: "open", Path: "DATABASE_URL/DB_DSN", Err: os.ErrInvalid}
		}
		dialector = postgres.Open(cfg.DBDsn)
		logger.Info("db connect", "driver", "postgres")
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return err
		}
		dialector = sqlite.Open(cfg.DBPath)
		logger.Info("db connect", "driver", "sqlite", "path", cfg.DBPath)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: gl})
	if err != nil {
		return err
	}
	if err := gdb.AutoMigrate(
		&models.Place{}, &models.Match{},
		&models.Exporter{}, &models.Resource{},
		&models.Reservation{},
		&models.LogEntry{}, &models.EventRow{}, &models.TraceRow{},
	); err != nil {
		return err
	}
	DB = gdb

	// Persist structured logs (non-blocking, see logging.SetPersist).
	logging.SetPersist(func(e *logging.Entry) error {
		fields, _ := json.Marshal(e.Fields)
		le := models.LogEntry{Time: e.Time, Level: e.Level, Msg: e.Msg, Fields: string(fields)}
		return DB.Create(&le).Error
	})

	// A restarted coordinator cannot know which exporters are still alive;
	// mark them stale until they heartbeat again.
	if err := gdb.Model(&models.Exporter{}).Where("stale = ?", false).Update("stale", true).Error; err != nil {
		logger.Warn("failed to mark exporters stale on startup", "error", err)
	}

	return nil
}

// Event appends a row to the audit feed. Errors are logged, not returned:
// auditing must never fail the operation it records.
func Event(logger logging.Logger, kind, place, actor string, fields map[string]any) {
	b, _ := json.Marshal(fields)
	row := models.EventRow{Time: time.Now().UTC(), Kind: kind, Place: place, Actor: actor, Fields: string(b)}
	if err := DB.Create(&row).Error; err != nil {
		logger.Error("failed to persist event", "kind", kind, "error", err)
	}
}

// Package database opens the GORM connection and migrates the schema.
package database

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"meditrack-server/internal/config"
	"meditrack-server/internal/models"
)

// Open connects with the configured driver. Duplicate key errors are
// translated to gorm.ErrDuplicatedKey so repositories can map them.
func Open(cfg config.DatabaseConfig, log zerolog.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "mysql":
		dialector = mysql.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	dbLog := log.With().Str("component", "gorm").Logger()
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		Logger: gormlogger.New(&dbLog, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	return db, nil
}

type index struct {
	table, name, columns string
}

// Hot query paths not covered by the model tags.
var indexes = []index{
	{"dose_logs", "idx_dose_logs_patient_date", "patient_id, scheduled_date"},
	{"reminders", "idx_reminders_due", "status, scheduled_time"},
	{"reminders", "idx_reminders_sent", "status, sent_at"},
	{"reminder_schedules", "idx_schedules_patient_active", "patient_id, is_active"},
}

// Migrate creates or updates every table and the extra indexes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	for _, idx := range indexes {
		if db.Migrator().HasIndex(idx.table, idx.name) {
			continue
		}
		stmt := fmt.Sprintf("create index %s on %s(%s)", idx.name, idx.table, idx.columns)
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, stmt)
		}
	}
	return nil
}

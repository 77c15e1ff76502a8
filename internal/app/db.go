package app

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/conduitrun/conduit/internal/domain"
	"github.com/conduitrun/conduit/internal/platform/logger"
)

// openPostgres mirrors the teacher's db.NewPostgresService: a DSN built
// from discrete env-derived fields (never a raw connection string, so
// misconfiguration fails loud rather than silently mis-parsing), and a
// GORM logger tuned to ignore record-not-found spam, which otherwise
// floods logs from every polling Lease/Reap pass.
func openPostgres(cfg Config, appLog *logger.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.PostgresUser,
		cfg.PostgresPassword,
		cfg.PostgresHost,
		cfg.PostgresPort,
		cfg.PostgresDB,
	)

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	appLog.Info("connected to postgres", "host", cfg.PostgresHost, "db", cfg.PostgresDB)
	return db, nil
}

// autoMigrate creates/updates every table this module owns. Event and
// Queue rows are never altered outside of their Store implementations,
// but schema management itself follows the teacher's AutoMigrateAll
// convention of one call site naming every domain type.
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Execution{},
		&domain.Event{},
		&domain.QueueEntry{},
		&domain.CatalogEntry{},
		&domain.Credential{},
	)
}

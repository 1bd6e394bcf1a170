// Package store persists session bookkeeping rows in postgres.
package store

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type PostgresDB struct {
	*gorm.DB
}

// Open connects to dsn. Slow statements and errors go to the zerolog
// logger.
func Open(dsn string) (*PostgresDB, error) {
	return open(postgres.Open(dsn), &gorm.Config{})
}

func open(d gorm.Dialector, cfg *gorm.Config) (*PostgresDB, error) {
	if cfg.Logger == nil {
		zl := log.With().Str("module", "store").Logger()
		cfg.Logger = logger.New(&zl, logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}
	db, err := gorm.Open(d, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &PostgresDB{DB: db}, nil
}

func (db *PostgresDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (db *PostgresDB) AutoMigrate() error {
	return db.DB.AutoMigrate(&SessionModel{})
}

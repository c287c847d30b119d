package db

import (
	"database/sql"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rewardhub/internal/config"
)

const sqlitePrefix = "sqlite://"

type DB struct {
	Gorm *gorm.DB
	SQL  *sql.DB
}

// Open connects to postgres, or to an embedded sqlite file when the DSN starts
// with sqlite:// (single-node and local runs).
func Open(cfg config.DBConfig) (*DB, error) {
	gcfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}

	dialector := postgres.Open(cfg.DSN)
	if IsSQLite(cfg.DSN) {
		dialector = sqlite.Open(strings.TrimPrefix(cfg.DSN, sqlitePrefix))
	}

	gdb, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, err
	}

	sqldb, err := gdb.DB()
	if err != nil {
		return nil, err
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqldb.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &DB{Gorm: gdb, SQL: sqldb}, nil
}

func IsSQLite(dsn string) bool {
	return strings.HasPrefix(strings.TrimSpace(dsn), sqlitePrefix)
}

func Close(db *DB) error {
	if db == nil || db.SQL == nil {
		return nil
	}
	return db.SQL.Close()
}

func Ping(db *DB) error {
	if db == nil || db.SQL == nil {
		return nil
	}
	return db.SQL.Ping()
}

func SetTimezone(db *DB, tz string) error {
	if tz == "" || db == nil || db.Gorm == nil {
		return nil
	}
	if db.Gorm.Dialector.Name() != "postgres" {
		return nil
	}
	_, err := db.SQL.Exec("SET TIME ZONE '" + tz + "'")
	return err
}

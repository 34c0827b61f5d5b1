package app

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/talkincode/whatsdash/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// getDatabase opens the configured database. Postgres connections are
// retried with backoff while the server comes up.
func getDatabase(cfg config.DBConfig, workdir string) (*gorm.DB, error) {
	gormConfig := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if cfg.Debug {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	}

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "sqlite", "sqlite3":
		dsn := cfg.Name
		if dsn != ":memory:" && !path.IsAbs(dsn) {
			dsn = path.Join(workdir, "data", dsn)
		}
		if dsn != ":memory:" {
			if err := os.MkdirAll(path.Dir(dsn), 0o700); err != nil {
				return nil, errors.Wrap(err, "create database dir")
			}
		}
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Passwd, cfg.Name, time.Local.String())
		dialector = postgres.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported database type %q", cfg.Type)
	}

	var db *gorm.DB
	err := retry.Do(func() error {
		var err error
		db, err = gorm.Open(dialector, gormConfig)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return retry.Unrecoverable(err)
		}
		return sqlDB.Ping()
	},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			zap.S().Warnf("database connect attempt %d failed: %v", n+1, err)
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if strings.HasPrefix(strings.ToLower(cfg.Type), "sqlite") {
		// a single writer avoids SQLITE_BUSY under concurrent requests
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxConn)
		sqlDB.SetMaxIdleConns(cfg.IdleConn)
	}
	return db, nil
}

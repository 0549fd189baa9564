/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package db opens the coordinator's gorm connection. SQLite is the default
// for single-box deployments; postgres and mysql serve larger fleets.
package db

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/capfleet/capfleet/internal/config"
)

func dialector(cfg *config.Config) (gorm.Dialector, error) {
	switch cfg.DBBackend {
	case config.DatabaseSQLite:
		return sqlite.Open(cfg.DBDSN), nil
	case config.DatabasePostgres:
		return postgres.Open(cfg.DBDSN), nil
	case config.DatabaseMySQL:
		return mysql.Open(cfg.DBDSN), nil
	}
	return nil, fmt.Errorf("unknown database backend: %s", cfg.DBBackend)
}

// Connect opens the configured backend and tunes the connection pool.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	d, err := dialector(cfg)
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DBBackend, err)
	}

	pool, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	// Writes come from per-device sessions; a modest pool is plenty and keeps
	// sqlite from thrashing on its single writer.
	pool.SetMaxIdleConns(10)
	pool.SetMaxOpenConns(50)
	pool.SetConnMaxLifetime(30 * time.Minute)

	return gdb, nil
}

// Close releases the underlying connection pool.
func Close(gdb *gorm.DB) error {
	pool, err := gdb.DB()
	if err != nil {
		return err
	}
	return pool.Close()
}

package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/gorm"

	"github.com/ehr/insights/internal/catalogue"
	"github.com/ehr/insights/internal/config"
	"github.com/ehr/insights/internal/platform/db"
	"github.com/ehr/insights/internal/platform/sandbox"
	"github.com/ehr/insights/migrations"
)

// store is an open handle on the configured clinic database. Exactly one
// of pool and sqlDB is set.
type store struct {
	driver  string
	schema  string
	dialect catalogue.Dialect
	pool   *pgxpool.Pool
	sqlDB  *sql.DB
	// bridge is a database/sql view of pool, opened for gorm on demand.
	bridge *sql.DB
}

// openStore connects using DB_DRIVER. readOnly only affects pgx, where
// every session then defaults to read-only transactions.
func openStore(ctx context.Context, cfg *config.Config, readOnly bool) (*store, error) {
	s := &store{driver: cfg.DBDriver, schema: cfg.DBSchema, dialect: dialectFor(cfg)}
	switch cfg.DBDriver {
	case config.DriverPgx:
		pool, err := db.NewPool(ctx, db.PoolOptions{
			DatabaseURL: cfg.DatabaseURL,
			MaxConns:    cfg.DBMaxConns,
			MinConns:    cfg.DBMinConns,
			Schema:      cfg.DBSchema,
			ReadOnly:    readOnly,
		})
		if err != nil {
			return nil, err
		}
		s.pool = pool
	case config.DriverLibPQ, config.DriverSQLite:
		sqlDB, err := db.OpenSQL(ctx, cfg.DBDriver, cfg.DatabaseURL, int(cfg.DBMaxConns))
		if err != nil {
			return nil, err
		}
		s.sqlDB = sqlDB
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	return s, nil
}

func (s *store) Close() {
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.sqlDB != nil {
		s.sqlDB.Close()
	}
}

// dialectFor picks the placeholder dialect for the configured driver.
func dialectFor(cfg *config.Config) catalogue.Dialect {
	if cfg.IsPostgres() {
		return catalogue.Postgres
	}
	return catalogue.SQLite
}

// Source returns the catalogue data source backed by this store.
func (s *store) Source() catalogue.DataSource {
	if s.pool != nil {
		return catalogue.NewPgxSource(s.pool)
	}
	return catalogue.NewSQLSource(s.sqlDB, s.dialect)
}

func (s *store) Checker() db.Checker {
	if s.pool != nil {
		return db.PgxChecker(s.pool)
	}
	return db.SQLChecker(s.sqlDB, s.driver)
}

func (s *store) migrationFiles() fs.FS {
	if s.dialect == catalogue.SQLite {
		return migrations.SQLite()
	}
	return migrations.Postgres()
}

// migrationSchema is the Postgres schema the pgx migrator targets.
func (s *store) migrationSchema(override string) string {
	switch {
	case override != "":
		return override
	case s.schema != "":
		return s.schema
	default:
		return "public"
	}
}

// Migrate applies pending migrations. schema is only used with pgx.
func (s *store) Migrate(ctx context.Context, schema string) (int, error) {
	if s.pool != nil {
		return db.NewMigrator(s.pool, s.migrationFiles()).Up(ctx, s.migrationSchema(schema))
	}
	return db.MigrateSQL(ctx, s.sqlDB, s.migrationFiles())
}

// MigrationStatus lists applied and pending migrations.
func (s *store) MigrationStatus(ctx context.Context, schema string) ([]db.MigrationStatus, error) {
	if s.pool != nil {
		return db.NewMigrator(s.pool, s.migrationFiles()).Status(ctx, s.migrationSchema(schema))
	}
	return db.SQLStatus(ctx, s.sqlDB, s.migrationFiles())
}

// Gorm opens a gorm session sharing this store's connections.
func (s *store) Gorm() (*gorm.DB, error) {
	conn := s.sqlDB
	if s.pool != nil {
		if s.bridge == nil {
			s.bridge = stdlib.OpenDBFromPool(s.pool)
		}
		conn = s.bridge
	}
	return sandbox.OpenGorm(conn, string(s.dialect))
}

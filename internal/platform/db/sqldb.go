package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// database/sql driver names accepted by OpenSQL.
const (
	DriverLibPQ  = "postgres"
	DriverSQLite = "sqlite3"
)

const (
	sqlMaxIdleConns    = 2
	sqlConnMaxLifetime = time.Hour
	sqlConnMaxIdleTime = 10 * time.Minute
)

const createSQLMigrationsTable = `CREATE TABLE IF NOT EXISTS _migrations (
    version INTEGER PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// OpenSQL opens a database/sql handle for lib/pq or SQLite and verifies it
// with a ping. SQLite is limited to one open connection so that in-memory
// databases are shared by every caller.
func OpenSQL(ctx context.Context, driver, dsn string, maxConns int) (*sql.DB, error) {
	switch driver {
	case DriverLibPQ, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database/sql driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(min(sqlMaxIdleConns, maxConns))
	db.SetConnMaxLifetime(sqlConnMaxLifetime)
	db.SetConnMaxIdleTime(sqlConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}
	return db, nil
}

// MigrateSQL applies pending migrations from files through database/sql,
// tracking them in a _migrations table. Each migration runs in its own
// transaction. Returns the count of applied migrations.
func MigrateSQL(ctx context.Context, db *sql.DB, files fs.FS) (int, error) {
	if _, err := db.ExecContext(ctx, createSQLMigrationsTable); err != nil {
		return 0, fmt.Errorf("create _migrations table: %w", err)
	}

	migrations, err := LoadMigrations(files)
	if err != nil {
		return 0, err
	}

	applied, err := sqlAppliedVersions(ctx, db)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range pending(migrations, applied) {
		if err := applySQLMigration(ctx, db, mig); err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		count++
	}
	return count, nil
}

// SQLStatus reports applied and pending migrations for a database/sql
// handle, creating the _migrations table if needed.
func SQLStatus(ctx context.Context, db *sql.DB, files fs.FS) ([]MigrationStatus, error) {
	if _, err := db.ExecContext(ctx, createSQLMigrationsTable); err != nil {
		return nil, fmt.Errorf("create _migrations table: %w", err)
	}

	migrations, err := LoadMigrations(files)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM _migrations`)
	if err != nil {
		return nil, fmt.Errorf("query migration status: %w", err)
	}
	defer rows.Close()

	appliedMap := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan migration status: %w", err)
		}
		appliedMap[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migration status: %w", err)
	}
	return buildStatuses(migrations, appliedMap), nil
}

func sqlAppliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM _migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return applied, nil
}

func applySQLMigration(ctx context.Context, db *sql.DB, mig Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO _migrations (version, name) VALUES ($1, $2)",
		mig.Version, mig.Name,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

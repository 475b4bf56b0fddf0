// Package migrate applies the tracking schema at boot. Competing service
// instances serialise on a Postgres advisory lock keyed on the application
// name, so exactly one instance runs the migrator; the rest wait and find
// the schema already at head.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	"github.com/cellular-imaging/omero-ingest/internal/pkg/logger"
)

//go:embed sql/*.sql
var migrationFS embed.FS

// appLockName seeds the advisory lock key. Changing it orphans the lock
// namespace, so it stays fixed across releases.
const appLockName = "omero-ingest-migrations"

// Options controls migrator behavior.
type Options struct {
	// AllowAutoStamp permits stamping the version table at head when the
	// tracking tables already exist but no version rows do (a database
	// created before the version table was introduced).
	AllowAutoStamp bool
}

// Run applies all pending migrations under the cross-process advisory
// lock. It is a no-op when the schema is already at head.
func Run(ctx context.Context, db *sql.DB, opts Options) error {
	// The advisory lock is session-scoped, so it must be taken and
	// released on the same connection.
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	key := lockKey()
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key)

	if err := ensureVersionTable(ctx, conn); err != nil {
		return err
	}

	current, err := currentVersion(ctx, conn)
	if err != nil {
		return err
	}

	if current == 0 && opts.AllowAutoStamp {
		stamped, err := maybeAutoStamp(ctx, conn)
		if err != nil {
			return err
		}
		if stamped {
			return nil
		}
	}

	files, err := migrationFiles()
	if err != nil {
		return err
	}

	applied := 0
	for _, f := range files {
		if f.version <= current {
			continue
		}
		if err := applyOne(ctx, conn, f); err != nil {
			return err
		}
		applied++
	}

	if applied == 0 {
		logger.Debug("schema already at head", "version", current)
	} else {
		logger.Info("migrations applied", "count", applied)
	}
	return nil
}

type migrationFile struct {
	version int
	name    string
	body    string
}

func migrationFiles() ([]migrationFile, error) {
	entries, err := migrationFS.ReadDir("sql")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}

	var files []migrationFile
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		ver, err := strconv.Atoi(strings.SplitN(name, "_", 2)[0])
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version prefix: %w", name, err)
		}
		body, err := migrationFS.ReadFile("sql/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		files = append(files, migrationFile{version: ver, name: name, body: string(body)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

func applyOne(ctx context.Context, conn *sql.Conn, f migrationFile) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", f.name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, f.body); err != nil {
		return fmt.Errorf("apply migration %s: %w", f.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO adi_schema_version (version, name) VALUES ($1, $2)`,
		f.version, f.name); err != nil {
		return fmt.Errorf("record migration %s: %w", f.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", f.name, err)
	}
	logger.Info("applied migration", "name", f.name)
	return nil
}

func ensureVersionTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS adi_schema_version (
			version    INT         PRIMARY KEY,
			name       TEXT        NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure version table: %w", err)
	}
	return nil
}

func currentVersion(ctx context.Context, conn *sql.Conn) (int, error) {
	var v sql.NullInt64
	err := conn.QueryRowContext(ctx,
		`SELECT MAX(version) FROM adi_schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// maybeAutoStamp records the head version without running anything when
// the tracking tables predate the version table. Returns true if stamped.
func maybeAutoStamp(ctx context.Context, conn *sql.Conn) (bool, error) {
	var exists bool
	err := conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_name = 'imports'
		)
	`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check existing schema: %w", err)
	}
	if !exists {
		return false, nil
	}

	files, err := migrationFiles()
	if err != nil {
		return false, err
	}
	for _, f := range files {
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO adi_schema_version (version, name) VALUES ($1, $2)
			 ON CONFLICT (version) DO NOTHING`,
			f.version, f.name); err != nil {
			return false, fmt.Errorf("stamp migration %s: %w", f.name, err)
		}
	}
	logger.Warn("auto-stamped schema version for pre-existing tables")
	return true, nil
}

// lockKey derives the advisory lock key from the fixed application name.
func lockKey() int64 {
	h := fnv.New64a()
	h.Write([]byte(appLockName))
	return int64(h.Sum64())
}

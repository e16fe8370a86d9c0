package repos

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

//go:embed migrations
var migrationsFS embed.FS

// Open opens the task database for the given dialect. SQLite is limited to a
// single connection: it has one writer anyway, and in-memory databases are
// per-connection.
func Open(dialect, dsn string) (*sql.DB, error) {
	switch dialect {
	case DialectSQLite, DialectMySQL:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate applies the embedded schema files for dialect in lexical order.
// Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB, dialect string) error {
	dir := path.Join("migrations", dialect)
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("read migrations for %s: %w", dialect, err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, f := range files {
		if err := applySQLFile(ctx, db, path.Join(dir, f)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
	}
	return nil
}

func applySQLFile(ctx context.Context, db *sql.DB, name string) error {
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return err
	}
	// The mysql driver rejects multi-statement Exec unless the DSN opts in.
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

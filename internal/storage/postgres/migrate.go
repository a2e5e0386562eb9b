package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenStdlib 仅用于 migrations（database/sql）。
func OpenStdlib(dsn string) (*sql.DB, error) {
	if err := validatePostgresURI(dsn); err != nil {
		return nil, fmt.Errorf("invalid POSTGRES_DSN: %w", err)
	}
	return sql.Open("pgx", dsn)
}

// ApplyMigrationsFromDir 以“按文件名排序”的方式执行 SQL 迁移。
// 说明：为了减少依赖，使用最朴素的 SQL 文件执行方式；后续可切换 goose/atlas。
func ApplyMigrationsFromDir(ctx context.Context, db *sql.DB, dir string) error {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var files []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)

	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("apply %s: %w", filepath.Base(f), err)
		}
	}
	return nil
}

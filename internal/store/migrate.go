package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

//go:embed *.sql
var migrations embed.FS

// Migrate applies every embedded *.sql file, in filename order, against db.
// Each file is expected to be idempotent (CREATE ... IF NOT EXISTS), so this
// can run on every process boot the way the teacher's redis_functions.LoadAll
// re-applies every Lua function on every boot.
func Migrate(ctx context.Context, db *sql.DB) error {
	entries, err := migrations.ReadDir(".")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		sqlBytes, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		zap.L().Info("migration applied", zap.String("file", name))
	}
	return nil
}

package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
)

// Migration is one forward schema change.
type Migration struct {
	ID      string
	Name    string
	UpSQL   string
	DownSQL string
}

// All returns every migration ordered by id.
func All() []*Migration {
	list := []*Migration{
		CoreSchema,
		RollupSchema,
		AlertSchema,
		OperationsSchema,
		PartitionRetirements,
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Apply runs pending migrations in order, each in its own transaction, and
// records them in schema_migrations. It returns the ids applied.
func Apply(ctx context.Context, db *sql.DB, logger *log.Logger) ([]string, error) {
	if db == nil {
		return nil, errors.New("migrations: nil db")
	}
	if logger == nil {
		logger = log.Default()
	}
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return nil, fmt.Errorf("migrations: create schema_migrations: %w", err)
	}

	applied, err := appliedIDs(ctx, db)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, migration := range All() {
		if _, ok := applied[migration.ID]; ok {
			continue
		}
		if err := applyOne(ctx, db, migration); err != nil {
			return ran, fmt.Errorf("migrations: %s: %w", migration.ID, err)
		}
		logger.Printf("event=migration_applied id=%s", migration.ID)
		ran = append(ran, migration.ID)
	}
	return ran, nil
}

func appliedIDs(ctx context.Context, db *sql.DB) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("migrations: list applied: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func applyOne(ctx context.Context, db *sql.DB, migration *Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, migration.UpSQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (id, name) VALUES ($1, $2)`,
		migration.ID, migration.Name,
	); err != nil {
		return err
	}
	return tx.Commit()
}

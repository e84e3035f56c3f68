package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed schema.sql
var baseSchema string

//go:embed review_table.sql
var reviewTableSchema string

// EnsureSchema creates the shared tables and one review table per platform.
// Every statement is idempotent.
func EnsureSchema(ctx context.Context, db DB, tables Tables) error {
	if _, err := db.Exec(ctx, baseSchema); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}
	names := make([]string, 0, len(tables))
	for _, table := range tables {
		names = append(names, table)
	}
	sort.Strings(names)
	for _, table := range names {
		if !validTableName.MatchString(table) {
			return fmt.Errorf("invalid table name %q", table)
		}
		ddl := strings.ReplaceAll(reviewTableSchema, "{{table}}", table)
		if _, err := db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create review table %s: %w", table, err)
		}
	}
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// =============================================================================
// LEGACY SCHEMA NORMALIZATION
// =============================================================================
//
// Earlier deployments created time_entries with ad-hoc column names
// (punch_in/punch_out, flags_json) before the schema settled. Databases
// migrated from those builds are normalized once here so the rest of the
// package can assume canonical names.

type rename struct {
	table string
	from  string
	to    string
}

var legacyRenames = []rename{
	{"time_entries", "punch_in", "clock_in_at"},
	{"time_entries", "punch_out", "clock_out_at"},
	{"time_entries", "flags_json", "tags_json"},
	{"jobs", "radius_m", "tolerance_m"},
}

// normalizeLegacySchema renames known legacy columns to their canonical
// names. Safe to run on a fresh database: a missing legacy column is a
// no-op.
func (s *Store) normalizeLegacySchema(ctx context.Context) error {
	for _, r := range legacyRenames {
		has, err := s.hasColumn(ctx, r.table, r.from)
		if err != nil {
			return err
		}
		if !has {
			continue
		}
		// A half-migrated table can carry both names; in that case copy
		// values across instead of renaming.
		canonical, err := s.hasColumn(ctx, r.table, r.to)
		if err != nil {
			return err
		}
		if canonical {
			_, err = s.db.ExecContext(ctx, fmt.Sprintf(
				`UPDATE %s SET %s = %s WHERE %s IS NULL AND %s IS NOT NULL`,
				r.table, r.to, r.from, r.to, r.from))
		} else {
			_, err = s.db.ExecContext(ctx, fmt.Sprintf(
				`ALTER TABLE %s RENAME COLUMN %s TO %s`,
				r.table, r.from, r.to))
		}
		if err != nil {
			return fmt.Errorf("failed to normalize %s.%s: %w", r.table, r.from, err)
		}
	}
	return nil
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			typ        string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

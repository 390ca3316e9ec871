package store

import (
	"context"
	"database/sql"
	"sort"
	"strings"
)

type columnInfo struct {
	CID     int            `db:"cid"`
	Name    string         `db:"name"`
	Type    string         `db:"type"`
	NotNull int            `db:"notnull"`
	Default sql.NullString `db:"dflt_value"`
	PK      int            `db:"pk"`
}

// EnsureColumns adds a nullable REAL column for every field in required that
// has none yet and returns the field names it added, sorted. Existing columns
// are never altered.
func (s *Store) EnsureColumns(ctx context.Context, required map[string]struct{}) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(required))
	for name := range required {
		names = append(names, name)
	}
	sort.Strings(names)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ensureColumnsLocked(ctx, names)
}

// ensureColumnsLocked expects writeMu held and names sorted.
func (s *Store) ensureColumnsLocked(ctx context.Context, names []string) ([]string, error) {
	if err := s.loadColumns(ctx, false); err != nil {
		return nil, err
	}

	var added []string
	for _, name := range names {
		col := ColumnName(name)
		if col == "" {
			return added, newError(KindInvalidColumnName, "empty field name")
		}
		if _, ok := s.lookupColumn(col); ok {
			continue
		}

		ddl := "ALTER TABLE " + observationsTable + " ADD COLUMN " + quoteIdent(col) + " REAL DEFAULT NULL"
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			if !isDuplicateColumn(err) {
				return added, storageError("add column "+quoteIdent(col), err)
			}
			// Added behind our back; pick up the stored spelling.
			if err := s.loadColumns(ctx, true); err != nil {
				return added, err
			}
			continue
		}

		s.colMu.Lock()
		s.columns[strings.ToLower(col)] = col
		s.colMu.Unlock()
		added = append(added, name)
		s.logger.Info("observation column added", "field", name, "column", col)
	}
	return added, nil
}

func isDuplicateColumn(err error) bool {
	return strings.Contains(err.Error(), "duplicate column")
}

// loadColumns reads the observation table's column names into the cache
// unless it is already populated and force is false.
func (s *Store) loadColumns(ctx context.Context, force bool) error {
	s.colMu.RLock()
	loaded := s.columns != nil
	s.colMu.RUnlock()
	if loaded && !force {
		return nil
	}

	var infos []columnInfo
	if err := s.db.SelectContext(ctx, &infos, "PRAGMA table_info("+observationsTable+")"); err != nil {
		return storageError("read observation columns", err)
	}
	cols := make(map[string]string, len(infos))
	for _, info := range infos {
		cols[strings.ToLower(info.Name)] = info.Name
	}

	s.colMu.Lock()
	s.columns = cols
	s.colMu.Unlock()
	return nil
}

func (s *Store) lookupColumn(col string) (string, bool) {
	s.colMu.RLock()
	defer s.colMu.RUnlock()
	stored, ok := s.columns[strings.ToLower(col)]
	return stored, ok
}

// checkColumns rejects aggregates over fields that were never observed. The
// cache is refreshed once before a miss is reported.
func (s *Store) checkColumns(ctx context.Context, aggs []Aggregate) error {
	if err := s.loadColumns(ctx, false); err != nil {
		return err
	}
	refreshed := false
	for _, a := range aggs {
		if strings.EqualFold(a.Column, tsColumn) {
			return newError(KindInvalidColumnName, "cannot aggregate the timestamp column in %q", a.Spec)
		}
		if _, ok := s.lookupColumn(a.Column); ok {
			continue
		}
		if !refreshed {
			if err := s.loadColumns(ctx, true); err != nil {
				return err
			}
			refreshed = true
			if _, ok := s.lookupColumn(a.Column); ok {
				continue
			}
		}
		return newError(KindInvalidColumnName, "unknown field %q in %q", a.Column, a.Spec)
	}
	return nil
}

// Columns lists the observation field columns, excluding the timestamp,
// sorted.
func (s *Store) Columns(ctx context.Context) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if err := s.loadColumns(ctx, true); err != nil {
		return nil, err
	}
	s.colMu.RLock()
	out := make([]string, 0, len(s.columns))
	for _, col := range s.columns {
		if !strings.EqualFold(col, tsColumn) {
			out = append(out, col)
		}
	}
	s.colMu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// Package store persists weather observations in a SQLite table whose
// columns grow with the set of field names the station reports, and answers
// daily and hourly aggregate queries over it.
//
// Column identifiers are the only SQL text built from caller input. They pass
// through ColumnName (insert path) or the aggregation grammar (query path)
// before they are quoted into a statement. Values are always bound.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"ambientweather2sqlite/internal/migrate"
)

const (
	observationsTable = "observations"
	tsColumn          = "ts"

	// tsLayout matches SQLite's CURRENT_TIMESTAMP so explicit and defaulted
	// timestamps sort and group identically.
	tsLayout = "2006-01-02 15:04:05"
)

var dateRe = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}-[0-9]{2}$`)

// Store owns the database handle and every schema change made to it.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	closed atomic.Bool

	// writeMu serializes schema evolution with inserts so two writers never
	// race on adding the same column.
	writeMu sync.Mutex

	colMu sync.RWMutex
	// columns maps the lower-cased column name to its stored spelling. SQLite
	// identifiers are case-insensitive. nil until first loaded.
	columns map[string]string
}

// New takes ownership of db, limits it to a single connection and applies the
// base schema.
func New(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, newError(KindUninitialized, "store: nil database handle")
	}
	if logger == nil {
		logger = slog.Default()
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := migrate.Run(ctx, db, logger); err != nil {
		return nil, storageError("apply base schema", err)
	}
	return &Store{
		db:     sqlx.NewDb(db, "sqlite3"),
		logger: logger,
	}, nil
}

// Close releases the database handle. Every later call fails with
// KindUninitialized.
func (s *Store) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready() error {
	if s == nil {
		return newError(KindUninitialized, "store has not been opened")
	}
	if s.closed.Load() {
		return newError(KindUninitialized, "store is closed")
	}
	return nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	var ok int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&ok); err != nil {
		return storageError("ping", err)
	}
	return nil
}

// Insert stores one observation stamped with the current time.
func (s *Store) Insert(ctx context.Context, fields map[string]*float64) error {
	return s.InsertAt(ctx, time.Time{}, fields)
}

// InsertAt stores one observation. A zero ts lets the database stamp the row.
// Missing columns are created first; the row is committed before returning.
func (s *Store) InsertAt(ctx context.Context, ts time.Time, fields map[string]*float64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(fields) == 0 {
		return newError(KindEmptyObservation, "observation has no fields")
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		col := ColumnName(name)
		if col == "" {
			return newError(KindInvalidColumnName, "empty field name")
		}
		if strings.EqualFold(col, tsColumn) {
			return newError(KindInvalidColumnName, "field %q collides with the timestamp column", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.ensureColumnsLocked(ctx, names); err != nil {
		return err
	}

	// Fields that sanitize to the same column share it; the last in sorted
	// order wins.
	cols := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+1)
	pos := make(map[string]int, len(names))
	for _, name := range names {
		col := ColumnName(name)
		var v any
		if p := fields[name]; p != nil {
			v = *p
		}
		key := strings.ToLower(col)
		if i, ok := pos[key]; ok {
			args[i] = v
			continue
		}
		pos[key] = len(cols)
		cols = append(cols, quoteIdent(col))
		args = append(args, v)
	}
	if !ts.IsZero() {
		cols = append(cols, tsColumn)
		args = append(args, ts.UTC().Format(tsLayout))
	}

	query := "INSERT INTO " + observationsTable +
		" (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders(len(cols)) + ")"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return storageError("insert observation", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// LogError appends an entry to the logs table.
func (s *Store) LogError(ctx context.Context, kind, message string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO logs (error, message) VALUES (?, ?)`, kind, message); err != nil {
		return storageError("write log entry", err)
	}
	return nil
}

// QueryDaily aggregates observations per calendar day, in the timezone tz,
// from priorDays days ago through today. Days without observations are
// omitted. Rows are ordered by date.
func (s *Store) QueryDaily(ctx context.Context, specs []string, priorDays int, tz string) ([]AggregateRow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if priorDays < 0 {
		return nil, newError(KindInvalidPriorDays, "days must be >= 0, got %d", priorDays)
	}
	offset, err := ResolveTimezone(tz)
	if err != nil {
		return nil, err
	}
	aggs, err := ParseAggregates(specs)
	if err != nil {
		return nil, err
	}
	if err := s.checkColumns(ctx, aggs); err != nil {
		return nil, err
	}

	query := "SELECT DATE(" + tsColumn + ", ?1) AS date, " + strings.Join(selectParts(aggs), ", ") +
		" FROM " + observationsTable +
		" WHERE DATE(" + tsColumn + ", ?1) BETWEEN DATE('now', ?1, ?2) AND DATE('now', ?1)" +
		" GROUP BY DATE(" + tsColumn + ", ?1)" +
		" ORDER BY date"

	rows, err := s.queryAggregates(ctx, "date", aggs, query, offset.Modifier(), fmt.Sprintf("-%d days", priorDays))
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []AggregateRow{}
	}
	return rows, nil
}

// QueryHourly aggregates the observations of one calendar day (YYYY-MM-DD in
// timezone tz) per hour. Index i holds hour i; hours without observations are
// nil.
func (s *Store) QueryHourly(ctx context.Context, specs []string, date string, tz string) ([24]*AggregateRow, error) {
	var out [24]*AggregateRow
	if err := s.ready(); err != nil {
		return out, err
	}
	if !dateRe.MatchString(date) {
		return out, newError(KindInvalidDate, "invalid date %q (expected YYYY-MM-DD)", date)
	}
	offset, err := ResolveTimezone(tz)
	if err != nil {
		return out, err
	}
	aggs, err := ParseAggregates(specs)
	if err != nil {
		return out, err
	}
	if err := s.checkColumns(ctx, aggs); err != nil {
		return out, err
	}

	query := "SELECT strftime('%H', " + tsColumn + ", ?1) AS hour, " + strings.Join(selectParts(aggs), ", ") +
		" FROM " + observationsTable +
		" WHERE DATE(" + tsColumn + ", ?1) = ?2" +
		" GROUP BY strftime('%Y-%m-%d %H', " + tsColumn + ", ?1)" +
		" ORDER BY hour"

	rows, err := s.queryAggregates(ctx, "hour", aggs, query, offset.Modifier(), date)
	if err != nil {
		return out, err
	}
	for i := range rows {
		h, err := strconv.Atoi(rows[i].Key)
		if err != nil || h < 0 || h > 23 {
			return out, storageError("hourly query", fmt.Errorf("unexpected hour %q", rows[i].Key))
		}
		out[h] = &rows[i]
	}
	return out, nil
}

func (s *Store) queryAggregates(ctx context.Context, keyName string, aggs []Aggregate, query string, args ...any) ([]AggregateRow, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(keyName+" aggregate query", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Error("close aggregate rows", "error", err)
		}
	}()

	var out []AggregateRow
	for rows.Next() {
		cols, err := rows.SliceScan()
		if err != nil {
			return nil, storageError("scan aggregate row", err)
		}
		if len(cols) != len(aggs)+2 {
			return nil, storageError("scan aggregate row", fmt.Errorf("got %d columns, want %d", len(cols), len(aggs)+2))
		}
		row := AggregateRow{
			KeyName: keyName,
			Key:     asString(cols[0]),
			Values:  make([]AggregateValue, len(aggs)),
		}
		for i, a := range aggs {
			v, err := asFloat(cols[i+1])
			if err != nil {
				return nil, storageError("scan "+a.Spec, err)
			}
			row.Values[i] = AggregateValue{Spec: a.Spec, Value: v}
		}
		count, err := asFloat(cols[len(cols)-1])
		if err != nil || count == nil {
			return nil, storageError("scan count", fmt.Errorf("unexpected count %v", cols[len(cols)-1]))
		}
		row.Count = int64(*count)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(keyName+" aggregate query", err)
	}
	return out, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.DateOnly)
	default:
		return fmt.Sprint(t)
	}
}

func asFloat(v any) (*float64, error) {
	var f float64
	switch t := v.(type) {
	case nil:
		return nil, nil
	case float64:
		f = t
	case int64:
		f = float64(t)
	case []byte, string:
		parsed, err := strconv.ParseFloat(asString(t), 64)
		if err != nil {
			return nil, fmt.Errorf("non-numeric value %q", asString(t))
		}
		f = parsed
	default:
		return nil, fmt.Errorf("unexpected value type %T", v)
	}
	// SUM can overflow to ±Inf, which JSON cannot carry.
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, nil
	}
	return &f, nil
}

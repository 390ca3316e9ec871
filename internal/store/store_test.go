package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openAt(t *testing.T, path string) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	s, err := New(context.Background(), db, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return openAt(t, filepath.Join(t.TempDir(), "weather.db"))
}

func ptr(v float64) *float64 { return &v }

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.Get(&n, "SELECT COUNT(*) FROM "+table))
	return n
}

func TestInsert_CreatesColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, map[string]*float64{"outTemp": ptr(71.2), "humidity": ptr(40)}))
	require.NoError(t, s.Insert(ctx, map[string]*float64{"outTemp": ptr(72), "windspeed": ptr(3.1)}))

	cols, err := s.Columns(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"humidity", "outTemp", "windspeed"}, cols)
	require.Equal(t, 2, countRows(t, s, "observations"))
}

func TestInsert_RoundTripWithNulls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2025, 6, 27, 14, 5, 9, 0, time.UTC)
	require.NoError(t, s.InsertAt(ctx, ts, map[string]*float64{"a": ptr(1.5), "b": nil}))

	var got struct {
		TS string          `db:"ts"`
		A  sql.NullFloat64 `db:"a"`
		B  sql.NullFloat64 `db:"b"`
	}
	require.NoError(t, s.db.Get(&got, `SELECT CAST(ts AS TEXT) AS ts, a, b FROM observations`))
	require.Equal(t, "2025-06-27 14:05:09", got.TS)
	require.True(t, got.A.Valid)
	require.Equal(t, 1.5, got.A.Float64)
	require.False(t, got.B.Valid)
}

func TestInsert_SanitizesFieldNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, map[string]*float64{"wind speed": ptr(3), "temp°F": ptr(70)}))
	// Second insert with the same raw names must not try to add them again.
	require.NoError(t, s.Insert(ctx, map[string]*float64{"wind speed": ptr(4), "temp°F": ptr(71)}))

	cols, err := s.Columns(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"temp_F", "wind_speed"}, cols)

	rows, err := s.QueryDaily(ctx, []string{"max_wind_speed"}, 0, "0")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	v, ok := rows[0].Value("max_wind_speed")
	require.True(t, ok)
	require.Equal(t, 4.0, *v)
}

func TestInsert_CaseInsensitiveColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, map[string]*float64{"outTemp": ptr(1)}))
	require.NoError(t, s.Insert(ctx, map[string]*float64{"OUTTEMP": ptr(2)}))

	cols, err := s.Columns(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"outTemp"}, cols)
}

func TestInsert_Empty(t *testing.T) {
	s := newTestStore(t)

	err := s.Insert(context.Background(), map[string]*float64{})
	require.ErrorIs(t, err, ErrEmptyObservation)
	require.Equal(t, 0, countRows(t, s, "observations"))
}

func TestInsert_RejectsBadNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"", "ts", "TS"} {
		err := s.Insert(ctx, map[string]*float64{name: ptr(1)})
		require.ErrorIs(t, err, ErrInvalidColumn, "field %q", name)
	}
	require.Equal(t, 0, countRows(t, s, "observations"))
}

func TestEnsureColumns_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	required := map[string]struct{}{"b": {}, "a": {}}

	added, err := s.EnsureColumns(ctx, required)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, added)

	added, err = s.EnsureColumns(ctx, required)
	require.NoError(t, err)
	require.Empty(t, added)
}

func TestEnsureColumns_ToleratesColumnAddedElsewhere(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Columns(ctx)
	require.NoError(t, err)
	// Bypass the cache so the next ALTER hits "duplicate column".
	_, err = s.db.Exec(`ALTER TABLE observations ADD COLUMN "rain" REAL`)
	require.NoError(t, err)

	added, err := s.EnsureColumns(ctx, map[string]struct{}{"rain": {}})
	require.NoError(t, err)
	require.Empty(t, added)
	require.NoError(t, s.Insert(ctx, map[string]*float64{"rain": ptr(0.2)}))
}

func TestInsert_ConcurrentNewField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			return s.Insert(ctx, map[string]*float64{"solarradiation": ptr(float64(i)), fmt.Sprintf("f%d", i%2): ptr(1)})
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 8, countRows(t, s, "observations"))

	cols, err := s.Columns(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"f0", "f1", "solarradiation"}, cols)
}

func TestQueryDaily(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, v := range []float64{70, 72, 74} {
		require.NoError(t, s.InsertAt(ctx, now, map[string]*float64{"outTemp": ptr(v)}))
	}
	// Outside the window.
	require.NoError(t, s.InsertAt(ctx, now.AddDate(0, 0, -10), map[string]*float64{"outTemp": ptr(10)}))

	rows, err := s.QueryDaily(ctx, []string{"avg_outTemp", "max_outTemp", "min_outTemp", "sum_outTemp"}, 1, "0")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	require.Equal(t, "date", row.KeyName)
	require.Equal(t, now.Format(time.DateOnly), row.Key)
	require.EqualValues(t, 3, row.Count)
	for spec, want := range map[string]float64{"avg_outTemp": 72, "max_outTemp": 74, "min_outTemp": 70, "sum_outTemp": 216} {
		v, ok := row.Value(spec)
		require.True(t, ok, spec)
		require.NotNil(t, v, spec)
		require.InDelta(t, want, *v, 1e-9, spec)
	}
}

func TestQueryDaily_OrderedAndWindowed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for d := 0; d < 5; d++ {
		require.NoError(t, s.InsertAt(ctx, now.AddDate(0, 0, -d), map[string]*float64{"rain": ptr(float64(d))}))
	}

	rows, err := s.QueryDaily(ctx, []string{"sum_rain"}, 2, "0")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, now.AddDate(0, 0, -2).Format(time.DateOnly), rows[0].Key)
	require.Equal(t, now.Format(time.DateOnly), rows[2].Key)
}

func TestQueryDaily_AllNullColumn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertAt(ctx, time.Now().UTC(), map[string]*float64{"a": ptr(1), "b": nil}))

	rows, err := s.QueryDaily(ctx, []string{"avg_b"}, 0, "0")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	v, ok := rows[0].Value("avg_b")
	require.True(t, ok)
	require.Nil(t, v)
	require.EqualValues(t, 1, rows[0].Count)
}

func TestQueryDaily_Empty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureColumns(ctx, map[string]struct{}{"outTemp": {}})
	require.NoError(t, err)

	rows, err := s.QueryDaily(ctx, []string{"avg_outTemp"}, 7, "")
	require.NoError(t, err)
	require.NotNil(t, rows)
	require.Empty(t, rows)
}

func TestQueryDaily_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureColumns(ctx, map[string]struct{}{"outTemp": {}})
	require.NoError(t, err)

	tests := []struct {
		name  string
		specs []string
		days  int
		tz    string
		want  error
	}{
		{name: "negative days", specs: []string{"avg_outTemp"}, days: -1, tz: "0", want: ErrInvalidPriorDays},
		{name: "bad timezone", specs: []string{"avg_outTemp"}, days: 1, tz: "Mars/Olympus", want: ErrInvalidTimezone},
		{name: "no specs", specs: nil, days: 1, tz: "0", want: ErrMissingSpecs},
		{name: "bad spec", specs: []string{"avg_outTemp", "mean_outTemp"}, days: 1, tz: "0", want: ErrInvalidFormat},
		{name: "unknown field", specs: []string{"avg_nothere"}, days: 1, tz: "0", want: ErrInvalidColumn},
		{name: "timestamp column", specs: []string{"max_ts"}, days: 1, tz: "0", want: ErrInvalidColumn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := s.QueryDaily(ctx, tt.specs, tt.days, tt.tz)
			require.ErrorIs(t, err, tt.want)
			require.Nil(t, rows)
		})
	}
}

func TestQueryHourly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	day := time.Date(2025, 6, 27, 12, 15, 0, 0, time.UTC)
	require.NoError(t, s.InsertAt(ctx, day, map[string]*float64{"outTemp": ptr(80)}))
	require.NoError(t, s.InsertAt(ctx, day.Add(30*time.Minute), map[string]*float64{"outTemp": ptr(82)}))
	// Previous and next day must not leak in.
	require.NoError(t, s.InsertAt(ctx, day.Add(-13*time.Hour), map[string]*float64{"outTemp": ptr(1)}))
	require.NoError(t, s.InsertAt(ctx, day.Add(12*time.Hour), map[string]*float64{"outTemp": ptr(1)}))

	hours, err := s.QueryHourly(ctx, []string{"avg_outTemp"}, "2025-06-27", "0")
	require.NoError(t, err)
	for i, row := range hours {
		if i == 12 {
			continue
		}
		require.Nil(t, row, "hour %d", i)
	}
	require.NotNil(t, hours[12])
	require.Equal(t, "12", hours[12].Key)
	require.EqualValues(t, 2, hours[12].Count)
	v, _ := hours[12].Value("avg_outTemp")
	require.InDelta(t, 81, *v, 1e-9)
}

func TestQueryHourly_Offset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertAt(ctx, time.Date(2025, 6, 28, 3, 30, 0, 0, time.UTC), map[string]*float64{"outTemp": ptr(60)}))

	hours, err := s.QueryHourly(ctx, []string{"max_outTemp"}, "2025-06-27", "-5")
	require.NoError(t, err)
	require.NotNil(t, hours[22])

	hours, err = s.QueryHourly(ctx, []string{"max_outTemp"}, "2025-06-28", "-0500")
	require.NoError(t, err)
	for i, row := range hours {
		require.Nil(t, row, "hour %d", i)
	}
}

func TestQueryHourly_InvalidDate(t *testing.T) {
	s := newTestStore(t)
	for _, date := range []string{"", "2025-6-27", "27/06/2025", "2025-06-27T00:00:00"} {
		_, err := s.QueryHourly(context.Background(), []string{"avg_outTemp"}, date, "0")
		require.ErrorIs(t, err, ErrInvalidDate, "date %q", date)
	}
}

func TestQueryHourly_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureColumns(ctx, map[string]struct{}{"outTemp": {}})
	require.NoError(t, err)

	tests := []struct {
		name  string
		specs []string
		tz    string
		want  error
	}{
		{name: "no specs", specs: nil, tz: "0", want: ErrMissingSpecs},
		{name: "empty specs", specs: []string{}, tz: "0", want: ErrMissingSpecs},
		{name: "bad spec", specs: []string{"avg_outTemp", "median_outTemp"}, tz: "0", want: ErrInvalidFormat},
		{name: "spec without field", specs: []string{"avg"}, tz: "0", want: ErrInvalidFormat},
		{name: "bad timezone", specs: []string{"avg_outTemp"}, tz: "Not/AZone", want: ErrInvalidTimezone},
		{name: "unknown field", specs: []string{"sum_nothere"}, tz: "0", want: ErrInvalidColumn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hours, err := s.QueryHourly(ctx, tt.specs, "2025-06-27", tt.tz)
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, [24]*AggregateRow{}, hours)
		})
	}
}

func TestQuery_ValidatesBeforeStorage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, map[string]*float64{"outTemp": ptr(70)}))

	// Close the connection underneath the store: any SQL now fails.
	require.NoError(t, s.db.Close())

	tests := []struct {
		name  string
		specs []string
		tz    string
		want  error
	}{
		{name: "no specs", specs: nil, tz: "0", want: ErrMissingSpecs},
		{name: "bad spec", specs: []string{"avg_outTemp", "mean_outTemp"}, tz: "0", want: ErrInvalidFormat},
		{name: "bad timezone", specs: []string{"avg_outTemp"}, tz: "Not/AZone", want: ErrInvalidTimezone},
	}
	for _, tt := range tests {
		t.Run("daily/"+tt.name, func(t *testing.T) {
			_, err := s.QueryDaily(ctx, tt.specs, 1, tt.tz)
			require.ErrorIs(t, err, tt.want)
			require.NotEqual(t, KindStorage, KindOf(err))
		})
		t.Run("hourly/"+tt.name, func(t *testing.T) {
			_, err := s.QueryHourly(ctx, tt.specs, "2025-06-27", tt.tz)
			require.ErrorIs(t, err, tt.want)
			require.NotEqual(t, KindStorage, KindOf(err))
		})
	}

	_, err := s.QueryHourly(ctx, []string{"avg_outTemp"}, "06/27/2025", "0")
	require.ErrorIs(t, err, ErrInvalidDate)

	// A valid request does reach the closed connection.
	_, err = s.QueryDaily(ctx, []string{"avg_outTemp"}, 1, "0")
	require.ErrorIs(t, err, ErrStorage)
}

func TestQueryDaily_OverflowIsNull(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.InsertAt(ctx, now, map[string]*float64{"rain": ptr(1.7e308)}))
	require.NoError(t, s.InsertAt(ctx, now, map[string]*float64{"rain": ptr(1.7e308)}))

	rows, err := s.QueryDaily(ctx, []string{"sum_rain", "max_rain"}, 1, "0")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	sum, ok := rows[0].Value("sum_rain")
	require.True(t, ok)
	require.Nil(t, sum)
	peak, _ := rows[0].Value("max_rain")
	require.NotNil(t, peak)
	require.Equal(t, 1.7e308, *peak)

	b, err := json.Marshal(rows[0])
	require.NoError(t, err)
	require.Contains(t, string(b), `"sum_rain":null`)
}

func TestLogError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LogError(ctx, "InvalidTimezoneError", "invalid timezone \"x\""))

	var got struct {
		Error   string `db:"error"`
		Message string `db:"message"`
	}
	require.NoError(t, s.db.Get(&got, `SELECT error, message FROM logs`))
	require.Equal(t, "InvalidTimezoneError", got.Error)
	require.Equal(t, "invalid timezone \"x\"", got.Message)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weather.db")
	ctx := context.Background()

	s := openAt(t, path)
	require.NoError(t, s.InsertAt(ctx, time.Now().UTC(), map[string]*float64{"outTemp": ptr(70)}))
	require.NoError(t, s.Close())

	s = openAt(t, path)
	cols, err := s.Columns(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"outTemp"}, cols)

	rows, err := s.QueryDaily(ctx, []string{"avg_outTemp"}, 0, "0")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestStore_Closed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Insert(ctx, map[string]*float64{"a": ptr(1)}), ErrUninitialized)
	_, err := s.QueryDaily(ctx, []string{"avg_a"}, 1, "0")
	require.ErrorIs(t, err, ErrUninitialized)
	require.ErrorIs(t, s.Ping(ctx), ErrUninitialized)

	var nilStore *Store
	require.ErrorIs(t, nilStore.LogError(ctx, "x", "y"), ErrUninitialized)
}

func TestNew_NilDB(t *testing.T) {
	_, err := New(context.Background(), nil, nil)
	require.ErrorIs(t, err, ErrUninitialized)
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindStorage, KindOf(errors.New("boom")))
	require.Equal(t, KindInvalidDate, KindOf(fmt.Errorf("wrapped: %w", newError(KindInvalidDate, "bad"))))
	require.Equal(t, "InvalidDateError", KindInvalidDate.String())
	require.Equal(t, "UninitializedStoreError", KindUninitialized.String())

	err := storageError("insert", errors.New("disk full"))
	require.ErrorIs(t, err, ErrStorage)
	require.NotErrorIs(t, err, ErrInvalidDate)
	require.Equal(t, "insert: disk full", err.Error())
}

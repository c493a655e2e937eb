// Package store provides data persistence implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "portfolio-screener/internal/errors"
	"portfolio-screener/internal/freshness"
	"portfolio-screener/internal/models"
)

// classColumns maps timestamped classes to their column names.
var classColumns = map[freshness.Class]string{
	freshness.Immutable: "immutable_fetched_at",
	freshness.Longterm:  "longterm_fetched_at",
	freshness.Medium:    "medium_fetched_at",
	freshness.Short:     "short_fetched_at",
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	locks *KeyedMutex
}

// NewSQLiteStore opens (creating if needed) the cache database at dbPath.
// Any failure to open or reach the database is reported as ErrStoreUnavailable.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve path: %v", apperrors.ErrStoreUnavailable, err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("%w: create directory: %v", apperrors.ErrStoreUnavailable, err)
	}

	// Write transactions take the lock up front so concurrent upserts wait on
	// busy_timeout instead of failing on lock upgrade.
	db, err := sql.Open("sqlite3", absPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", apperrors.ErrStoreUnavailable, err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping database: %v", apperrors.ErrStoreUnavailable, err)
	}

	store := &SQLiteStore{
		db:    db,
		path:  absPath,
		locks: NewKeyedMutex(),
	}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initialize schema: %v", apperrors.ErrStoreUnavailable, err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	-- One row per identifier; attributes live in an open JSON object
	CREATE TABLE IF NOT EXISTS securities (
		identifier TEXT PRIMARY KEY,
		data_json TEXT NOT NULL,
		immutable_fetched_at DATETIME,
		longterm_fetched_at DATETIME,
		medium_fetched_at DATETIME,
		short_fetched_at DATETIME,
		last_fetched_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	);

	-- Append-only daily history
	CREATE TABLE IF NOT EXISTS price_history (
		identifier TEXT NOT NULL,
		date TEXT NOT NULL,
		open REAL,
		high REAL,
		low REAL,
		close REAL,
		volume REAL,
		change_pct REAL,
		market_cap REAL,
		PRIMARY KEY (identifier, date)
	);

	CREATE INDEX IF NOT EXISTS idx_price_history_date ON price_history(date);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Path returns the absolute database path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

// ============================================================================
// Security Record Methods
// ============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner, identifier string) (*models.SecurityRecord, error) {
	var dataJSON string
	var immutable, longterm, medium, short sql.NullTime
	var lastFetched, created time.Time
	if err := row.Scan(&dataJSON, &immutable, &longterm, &medium, &short, &lastFetched, &created); err != nil {
		return nil, err
	}

	rec := &models.SecurityRecord{
		Identifier:         identifier,
		ImmutableFetchedAt: nullTimePtr(immutable),
		LongtermFetchedAt:  nullTimePtr(longterm),
		MediumFetchedAt:    nullTimePtr(medium),
		ShortFetchedAt:     nullTimePtr(short),
		LastFetchedAt:      lastFetched.UTC(),
		CreatedAt:          created.UTC(),
	}
	if err := json.Unmarshal([]byte(dataJSON), &rec.Attributes); err != nil {
		return nil, apperrors.NewDataError("security", identifier, "corrupt attribute blob", err)
	}
	if rec.Attributes == nil {
		rec.Attributes = models.Attributes{}
	}
	return rec, nil
}

const selectRecord = `
	SELECT data_json, immutable_fetched_at, longterm_fetched_at,
	       medium_fetched_at, short_fetched_at, last_fetched_at, created_at
	FROM securities WHERE identifier = ?
`

// Get returns the stored record for identifier narrowed to attributes, or
// nil when the identifier has never been cached. A nil attributes slice
// returns every stored attribute.
func (s *SQLiteStore) Get(ctx context.Context, identifier string, attributes []string) (*models.SecurityRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord, identifier), identifier)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get security %s: %w", identifier, err)
	}
	if attributes != nil {
		rec.Attributes = rec.Attributes.Narrow(attributes)
	}
	return rec, nil
}

// Upsert merges values into the identifier's record. Only the named classes
// have their timestamps set to at. Timestamps never move backwards.
func (s *SQLiteStore) Upsert(ctx context.Context, identifier string, values models.Attributes, classes []freshness.Class, at time.Time) error {
	unlock := s.locks.Lock(identifier)
	defer unlock()

	at = at.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanRecord(tx.QueryRowContext(ctx, selectRecord, identifier), identifier)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read security %s: %w", identifier, err)
	}

	if existing == nil {
		if err := s.insertRecord(ctx, tx, identifier, values, classes, at); err != nil {
			return err
		}
	} else {
		if err := s.mergeRecord(ctx, tx, existing, values, classes, at); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) insertRecord(ctx context.Context, tx *sql.Tx, identifier string, values models.Attributes, classes []freshness.Class, at time.Time) error {
	if values == nil {
		values = models.Attributes{}
	}
	blob, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	stamps := make(map[freshness.Class]interface{}, len(classColumns))
	for c := range classColumns {
		stamps[c] = nil
	}
	for _, c := range classes {
		if _, ok := classColumns[c]; ok {
			stamps[c] = at
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO securities (identifier, data_json, immutable_fetched_at, longterm_fetched_at,
			medium_fetched_at, short_fetched_at, last_fetched_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, identifier, string(blob),
		stamps[freshness.Immutable], stamps[freshness.Longterm],
		stamps[freshness.Medium], stamps[freshness.Short],
		at, at)
	if err != nil {
		return fmt.Errorf("failed to insert security %s: %w", identifier, err)
	}
	return nil
}

func (s *SQLiteStore) mergeRecord(ctx context.Context, tx *sql.Tx, existing *models.SecurityRecord, values models.Attributes, classes []freshness.Class, at time.Time) error {
	merged := existing.Attributes.Clone()
	for k, v := range values {
		merged[k] = v
	}
	blob, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	last := at
	if existing.LastFetchedAt.After(last) {
		last = existing.LastFetchedAt
	}

	query := "UPDATE securities SET data_json = ?, last_fetched_at = ?"
	args := []interface{}{string(blob), last}
	for _, c := range classes {
		col, ok := classColumns[c]
		if !ok {
			continue
		}
		if existing.ClassFetchedAt(c).After(at) {
			continue
		}
		query += ", " + col + " = ?"
		args = append(args, at)
	}
	query += " WHERE identifier = ?"
	args = append(args, existing.Identifier)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update security %s: %w", existing.Identifier, err)
	}
	return nil
}

// ============================================================================
// Historical Methods
// ============================================================================

// CachedDates returns every date with a stored row for identifier.
func (s *SQLiteStore) CachedDates(ctx context.Context, identifier string) (map[models.Date]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date FROM price_history WHERE identifier = ?
	`, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached dates: %w", err)
	}
	defer rows.Close()

	dates := make(map[models.Date]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan date: %w", err)
		}
		d, err := models.ParseDate(raw)
		if err != nil {
			return nil, apperrors.NewDataError("history", identifier, "corrupt date "+raw, err)
		}
		dates[d] = struct{}{}
	}

	return dates, rows.Err()
}

// Historical returns the stored rows within [start, end], ascending by date.
func (s *SQLiteStore) Historical(ctx context.Context, identifier string, start, end models.Date) ([]models.HistoricalRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, open, high, low, close, volume, change_pct, market_cap
		FROM price_history
		WHERE identifier = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`, identifier, start.String(), end.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []models.HistoricalRow
	for rows.Next() {
		var raw string
		var open, high, low, closeP, volume, change, mktCap sql.NullFloat64
		if err := rows.Scan(&raw, &open, &high, &low, &closeP, &volume, &change, &mktCap); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		d, err := models.ParseDate(raw)
		if err != nil {
			return nil, apperrors.NewDataError("history", identifier, "corrupt date "+raw, err)
		}
		out = append(out, models.HistoricalRow{
			Date:      d,
			Open:      nullFloatPtr(open),
			High:      nullFloatPtr(high),
			Low:       nullFloatPtr(low),
			Close:     nullFloatPtr(closeP),
			Volume:    nullFloatPtr(volume),
			ChangePct: nullFloatPtr(change),
			MarketCap: nullFloatPtr(mktCap),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return out, nil
}

// InsertHistorical appends rows in a single transaction. Rows whose date is
// already stored are rejected and listed in the report; the stored row is
// never modified and the rest of the batch still commits.
func (s *SQLiteStore) InsertHistorical(ctx context.Context, identifier string, rows []models.HistoricalRow) (InsertReport, error) {
	var report InsertReport
	if len(rows) == 0 {
		return report, nil
	}

	unlock := s.locks.Lock(identifier)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO price_history (identifier, date, open, high, low, close, volume, change_pct, market_cap)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identifier, date) DO NOTHING
	`)
	if err != nil {
		return report, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if r.Date.IsZero() {
			return InsertReport{}, apperrors.NewDataError("history", identifier, "row without date", apperrors.ErrInvalidRequest)
		}
		res, err := stmt.ExecContext(ctx, identifier, r.Date.String(),
			floatArg(r.Open), floatArg(r.High), floatArg(r.Low), floatArg(r.Close),
			floatArg(r.Volume), floatArg(r.ChangePct), floatArg(r.MarketCap))
		if err != nil {
			return InsertReport{}, fmt.Errorf("failed to insert history row %s: %w", r.Date, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return InsertReport{}, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			report.Duplicates = append(report.Duplicates, r.Date)
			continue
		}
		report.Inserted++
	}

	if err := tx.Commit(); err != nil {
		return InsertReport{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return report, nil
}

// ============================================================================
// Maintenance Methods
// ============================================================================

// Stats summarizes the store contents.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Path: s.path}

	var last sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(last_fetched_at) FROM securities
	`).Scan(&st.Securities, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to count securities: %w", err)
	}
	if last.Valid {
		st.LastFetchedAt = parseSQLiteTime(last.String)
	}

	var oldest, newest sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(date), MAX(date) FROM price_history
	`).Scan(&st.HistoricalRows, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("failed to count history: %w", err)
	}
	if oldest.Valid {
		st.OldestDate, _ = models.ParseDate(oldest.String)
	}
	if newest.Valid {
		st.NewestDate, _ = models.ParseDate(newest.String)
	}

	for _, p := range []string{s.path, s.path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			st.SizeBytes += info.Size()
		}
	}

	return st, nil
}

// Delete removes every cached record and row of identifier.
func (s *SQLiteStore) Delete(ctx context.Context, identifier string) error {
	unlock := s.locks.Lock(identifier)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM securities WHERE identifier = ?", identifier); err != nil {
		return fmt.Errorf("failed to delete security: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM price_history WHERE identifier = ?", identifier); err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return tx.Commit()
}

// Wipe removes all cached data.
func (s *SQLiteStore) Wipe(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM securities; DELETE FROM price_history;"); err != nil {
		return fmt.Errorf("failed to wipe cache: %w", err)
	}
	return nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullFloatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func floatArg(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

// parseSQLiteTime parses the text form go-sqlite3 uses for aggregated
// DATETIME values, which come back untyped.
func parseSQLiteTime(s string) time.Time {
	layouts := []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		time.RFC3339Nano,
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Package manifest is the SQLite-backed catalog of every file the lake
// stores. It is the source of truth for resumption and deduplication: the
// writer records each partition here after the atomic rename, and the
// reader prunes partitions through it before touching the filesystem.
package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"candlelake/internal/lake"
)

// Entry is one catalog row. Path is unique; Version is only meaningful for
// feature entries, where "latest" is the lexicographic maximum.
type Entry struct {
	ID           int64
	Exchange     string
	Market       string
	Symbol       string
	Type         string
	Period       string
	Path         string
	TimeFrom     int64
	TimeTo       int64
	RowCount     int64
	FileSize     int64
	Checksum     string
	Version      string
	CreatedAt    string
	LastModified string
}

// Filter selects entries. Zero-valued fields match everything; TimeFrom /
// TimeTo, when both set, select rows whose [time_from, time_to] intersects
// the filter range.
type Filter struct {
	ID       int64
	Exchange string
	Market   string
	Symbol   string
	Type     string
	Period   string
	TimeFrom *int64
	TimeTo   *int64
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	exchange      TEXT NOT NULL,
	market        TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	type          TEXT NOT NULL,
	period        TEXT,
	path          TEXT NOT NULL UNIQUE,
	time_from     INTEGER,
	time_to       INTEGER,
	row_count     INTEGER,
	file_size     INTEGER,
	checksum      TEXT,
	version       TEXT,
	created_at    TEXT NOT NULL,
	last_modified TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_identity
	ON entries (exchange, symbol, market, type, period);
`

// Manifest wraps the catalog database. Safe for concurrent use; writes are
// serialized through SQLite immediate transactions.
type Manifest struct {
	db *sql.DB
}

// Open opens (and if needed creates) the manifest database at path.
func Open(path string) (*Manifest, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=30000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids lock churn
	// between the pool's connections under concurrent ingest jobs.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init manifest schema: %w", err)
	}
	return &Manifest{db: db}, nil
}

// Close closes the underlying database.
func (m *Manifest) Close() error { return m.db.Close() }

func nowUTC() string { return time.Now().UTC().Format(time.RFC3339) }

// Upsert inserts the entry or, when a row with the same path exists,
// replaces it in place. created_at of an existing row is preserved;
// last_modified always advances.
func (m *Manifest) Upsert(ctx context.Context, e Entry) (int64, error) {
	e.Exchange = lake.NormalizeComponent(e.Exchange)
	e.Market = lake.NormalizeComponent(e.Market)
	e.Symbol = lake.NormalizeComponent(e.Symbol)
	now := nowUTC()

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO entries
			(exchange, market, symbol, type, period, path, time_from, time_to,
			 row_count, file_size, checksum, version, created_at, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			exchange = excluded.exchange,
			market = excluded.market,
			symbol = excluded.symbol,
			type = excluded.type,
			period = excluded.period,
			time_from = excluded.time_from,
			time_to = excluded.time_to,
			row_count = excluded.row_count,
			file_size = excluded.file_size,
			checksum = excluded.checksum,
			version = excluded.version,
			last_modified = excluded.last_modified`,
		e.Exchange, e.Market, e.Symbol, e.Type, e.Period, e.Path,
		e.TimeFrom, e.TimeTo, e.RowCount, e.FileSize, e.Checksum, e.Version,
		now, now)
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", e.Path, err)
	}
	// On the DO UPDATE path SQLite does not advance last_insert_rowid, so
	// LastInsertId would report whatever the connection inserted last. The
	// path is unique, so look the id up instead.
	var id int64
	err = m.db.QueryRowContext(ctx, `SELECT id FROM entries WHERE path = ?`, e.Path).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert %s: resolve id: %w", e.Path, err)
	}
	return id, nil
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.ID != 0 {
		add("id = ?", f.ID)
	}
	if f.Exchange != "" {
		add("exchange = ?", lake.NormalizeComponent(f.Exchange))
	}
	if f.Market != "" {
		add("market = ?", lake.NormalizeComponent(f.Market))
	}
	if f.Symbol != "" {
		add("symbol = ?", lake.NormalizeComponent(f.Symbol))
	}
	if f.Type != "" {
		add("type = ?", f.Type)
	}
	if f.Period != "" {
		add("period = ?", f.Period)
	}
	if f.TimeFrom != nil {
		add("time_to >= ?", *f.TimeFrom)
	}
	if f.TimeTo != nil {
		add("time_from <= ?", *f.TimeTo)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const entryColumns = `id, exchange, market, symbol, type, COALESCE(period, ''), path,
	COALESCE(time_from, 0), COALESCE(time_to, 0), COALESCE(row_count, 0),
	COALESCE(file_size, 0), COALESCE(checksum, ''), COALESCE(version, ''),
	created_at, last_modified`

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	err := rows.Scan(&e.ID, &e.Exchange, &e.Market, &e.Symbol, &e.Type, &e.Period,
		&e.Path, &e.TimeFrom, &e.TimeTo, &e.RowCount, &e.FileSize,
		&e.Checksum, &e.Version, &e.CreatedAt, &e.LastModified)
	return e, err
}

// Find returns the entries matching the filter, ordered by time_from then
// path so partition files come back in scan order.
func (m *Manifest) Find(ctx context.Context, f Filter) ([]Entry, error) {
	where, args := f.where()
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries`+where+` ORDER BY time_from, path`, args...)
	if err != nil {
		return nil, fmt.Errorf("manifest find: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the entry with the given id.
func (m *Manifest) Get(ctx context.Context, id int64) (Entry, error) {
	entries, err := m.Find(ctx, Filter{ID: id})
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("manifest entry %d: %w", id, lake.ErrNotFound)
	}
	return entries[0], nil
}

// DeleteBy removes the matching rows and returns them, so the caller can
// remove the files they point at.
func (m *Manifest) DeleteBy(ctx context.Context, f Filter) ([]Entry, error) {
	entries, err := m.Find(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, e.ID); err != nil {
			return nil, fmt.Errorf("delete entry %d: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entries, nil
}

// MaxTimeTo returns the greatest time_to over matching rows; ok is false
// when no row matches.
func (m *Manifest) MaxTimeTo(ctx context.Context, f Filter) (int64, bool, error) {
	where, args := f.where()
	var maxTo sql.NullInt64
	err := m.db.QueryRowContext(ctx,
		`SELECT MAX(time_to) FROM entries`+where, args...).Scan(&maxTo)
	if err != nil {
		return 0, false, fmt.Errorf("manifest max time_to: %w", err)
	}
	return maxTo.Int64, maxTo.Valid, nil
}

// LatestVersion returns the entry with the lexicographically greatest
// version for the feature set and identity, ties broken by created_at desc.
func (m *Manifest) LatestVersion(ctx context.Context, featureSet string, id lake.Identity) (Entry, error) {
	id = id.Normalize()
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries
		 WHERE type = ? AND exchange = ? AND market = ? AND symbol = ?
		 ORDER BY version DESC, created_at DESC LIMIT 1`,
		featureSet, id.Exchange, id.Market, id.Symbol)
	if err != nil {
		return Entry{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		return Entry{}, fmt.Errorf("feature set %q for %s: %w", featureSet, id, lake.ErrNotFound)
	}
	return scanEntry(rows)
}

// DistinctTypes lists the distinct type values, excluding the given ones.
// Used to enumerate feature sets.
func (m *Manifest) DistinctTypes(ctx context.Context, exclude ...string) ([]string, error) {
	q := `SELECT DISTINCT type FROM entries`
	var args []any
	if len(exclude) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(exclude)), ",")
		q += ` WHERE type NOT IN (` + ph + `)`
		for _, e := range exclude {
			args = append(args, e)
		}
	}
	q += ` ORDER BY type`
	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Paths returns every path currently catalogued, for reconciliation.
func (m *Manifest) Paths(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT path FROM entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = true
	}
	return out, rows.Err()
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	applogger "TradeDash/pkg/logger"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded backend. It implements BarStore, IndicatorStore,
// InfoStore and WatchlistStore on a single database file.
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.Mutex // serializes writers; sqlite allows a single writer anyway
	retention domrepo.RetentionPolicy
	now       func() time.Time
	l         *applogger.Logger
}

// SQLiteOption configures SQLiteStore.
type SQLiteOption func(*SQLiteStore)

func WithSQLiteRetention(p domrepo.RetentionPolicy) SQLiteOption {
	return func(s *SQLiteStore) { s.retention = p }
}

func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) { s.now = now }
}

func WithSQLiteLogger(l *applogger.Logger) SQLiteOption {
	return func(s *SQLiteStore) { s.l = l }
}

// NewSQLiteStore opens (or creates) the database at path and runs migrations.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if s.l != nil {
		s.l.Info("sqlite store opened", applogger.String("path", path))
	}
	return s, nil
}

// Migrate creates the schema if missing.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			symbol    TEXT    NOT NULL,
			timeframe TEXT    NOT NULL,
			ts        INTEGER NOT NULL,
			open      REAL    NOT NULL,
			high      REAL    NOT NULL,
			low       REAL    NOT NULL,
			close     REAL    NOT NULL,
			volume    REAL    NOT NULL,
			PRIMARY KEY (symbol, timeframe, ts)
		) WITHOUT ROWID`,
		`CREATE INDEX IF NOT EXISTS idx_bars_tf_ts ON bars(timeframe, ts)`,

		`CREATE TABLE IF NOT EXISTS indicator_snapshots (
			symbol     TEXT    NOT NULL,
			timeframe  TEXT    NOT NULL,
			indicator  TEXT    NOT NULL,
			ts         INTEGER NOT NULL,
			value      REAL    NOT NULL,
			components TEXT,
			PRIMARY KEY (symbol, timeframe, indicator, ts)
		) WITHOUT ROWID`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_tf_ts ON indicator_snapshots(timeframe, ts)`,

		`CREATE TABLE IF NOT EXISTS instrument_info (
			symbol     TEXT PRIMARY KEY,
			payload    TEXT    NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS watchlist (
			symbol   TEXT PRIMARY KEY,
			added_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func (s *SQLiteStore) UpsertBars(ctx context.Context, symbol string, tf domrepo.Timeframe, bars []models.Bar) (models.UpsertResult, error) {
	var res models.UpsertResult
	if len(bars) == 0 {
		return res, nil
	}
	if err := checkRetention(s.retention, tf, s.now(), bars); err != nil {
		return res, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO bars
		(symbol, timeframe, ts, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return res, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		r, err := stmt.ExecContext(ctx, symbol, string(tf), b.Timestamp.UnixMilli(), b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			return models.UpsertResult{}, fmt.Errorf("insert bar: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return models.UpsertResult{}, fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			res.Duplicates++
		} else {
			res.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return models.UpsertResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (s *SQLiteStore) QueryRange(ctx context.Context, symbol string, tf domrepo.Timeframe, from, to time.Time) ([]models.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ts, open, high, low, close, volume FROM bars
		WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts <= ? ORDER BY ts ASC`,
		symbol, string(tf), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	return scanBars(rows)
}

func (s *SQLiteStore) QueryLatest(ctx context.Context, symbol string, tf domrepo.Timeframe, n int) ([]models.Bar, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT ts, open, high, low, close, volume FROM bars
		WHERE symbol = ? AND timeframe = ? ORDER BY ts DESC LIMIT ?`,
		symbol, string(tf), n)
	if err != nil {
		return nil, fmt.Errorf("query latest: %w", err)
	}
	bars, err := scanBars(rows)
	if err != nil {
		return nil, err
	}
	reverseBars(bars)
	return bars, nil
}

func (s *SQLiteStore) LatestTimestamp(ctx context.Context, symbol string, tf domrepo.Timeframe) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(ts) FROM bars WHERE symbol = ? AND timeframe = ?`,
		symbol, string(tf)).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest timestamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ts.Int64).UTC(), true, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, tf domrepo.Timeframe, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.db.ExecContext(ctx, `DELETE FROM bars WHERE timeframe = ? AND ts < ?`, string(tf), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune bars: %w", err)
	}
	return r.RowsAffected()
}

func (s *SQLiteStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) UpsertSnapshots(ctx context.Context, snaps []models.IndicatorSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO indicator_snapshots
		(symbol, timeframe, indicator, ts, value, components) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe, indicator, ts) DO UPDATE SET
			value = excluded.value, components = excluded.components`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snaps {
		comps, err := encodeComponents(snap.Components)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, snap.Symbol, snap.Timeframe, snap.Indicator,
			snap.Timestamp.UnixMilli(), snap.Value, comps); err != nil {
			return fmt.Errorf("upsert snapshot: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context, symbol string, tf domrepo.Timeframe, indicator string) (models.IndicatorSnapshot, bool, error) {
	snaps, err := s.QuerySnapshots(ctx, symbol, tf, indicator, 1)
	if err != nil || len(snaps) == 0 {
		return models.IndicatorSnapshot{}, false, err
	}
	return snaps[0], true, nil
}

func (s *SQLiteStore) QuerySnapshots(ctx context.Context, symbol string, tf domrepo.Timeframe, indicator string, n int) ([]models.IndicatorSnapshot, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT ts, value, components FROM indicator_snapshots
		WHERE symbol = ? AND timeframe = ? AND indicator = ? ORDER BY ts DESC LIMIT ?`,
		symbol, string(tf), indicator, n)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.IndicatorSnapshot
	for rows.Next() {
		var (
			ts    int64
			value float64
			comps sql.NullString
		)
		if err := rows.Scan(&ts, &value, &comps); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap := models.IndicatorSnapshot{
			Symbol:    symbol,
			Timeframe: string(tf),
			Indicator: indicator,
			Timestamp: time.UnixMilli(ts).UTC(),
			Value:     value,
		}
		if comps.Valid && comps.String != "" {
			if err := json.Unmarshal([]byte(comps.String), &snap.Components); err != nil {
				return nil, fmt.Errorf("decode components: %w", err)
			}
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) PruneSnapshots(ctx context.Context, tf domrepo.Timeframe, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.db.ExecContext(ctx, `DELETE FROM indicator_snapshots WHERE timeframe = ? AND ts < ?`, string(tf), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return r.RowsAffected()
}

func (s *SQLiteStore) PutInfo(ctx context.Context, info models.InstrumentInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode info: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `INSERT INTO instrument_info (symbol, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		info.Symbol, string(payload), info.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put info: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetInfo(ctx context.Context, symbol string) (models.InstrumentInfo, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM instrument_info WHERE symbol = ?`, symbol).Scan(&payload)
	if err == sql.ErrNoRows {
		return models.InstrumentInfo{}, false, nil
	}
	if err != nil {
		return models.InstrumentInfo{}, false, fmt.Errorf("get info: %w", err)
	}
	var info models.InstrumentInfo
	if err := json.Unmarshal([]byte(payload), &info); err != nil {
		return models.InstrumentInfo{}, false, fmt.Errorf("decode info: %w", err)
	}
	return info, true, nil
}

func (s *SQLiteStore) GetInfos(ctx context.Context, symbols []string) (map[string]models.InstrumentInfo, error) {
	out := make(map[string]models.InstrumentInfo, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(symbols)), ",")
	args := make([]interface{}, len(symbols))
	for i, sym := range symbols {
		args[i] = sym
	}
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM instrument_info WHERE symbol IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get infos: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan info: %w", err)
		}
		var info models.InstrumentInfo
		if err := json.Unmarshal([]byte(payload), &info); err != nil {
			return nil, fmt.Errorf("decode info: %w", err)
		}
		out[info.Symbol] = info
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddSymbol(ctx context.Context, symbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO watchlist (symbol, added_at) VALUES (?, ?)`, symbol, s.now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("add watchlist symbol: %w", err)
	}
	n, err := r.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) RemoveSymbol(ctx context.Context, symbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.db.ExecContext(ctx, `DELETE FROM watchlist WHERE symbol = ?`, symbol)
	if err != nil {
		return false, fmt.Errorf("remove watchlist symbol: %w", err)
	}
	n, err := r.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol FROM watchlist ORDER BY added_at ASC, symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("list watchlist: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("scan watchlist: %w", err)
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanBars(rows *sql.Rows) ([]models.Bar, error) {
	defer rows.Close()
	var out []models.Bar
	for rows.Next() {
		var (
			ts int64
			b  models.Bar
		)
		if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func reverseBars(bars []models.Bar) {
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
}

func encodeComponents(c map[string]float64) (string, error) {
	if len(c) == 0 {
		return "", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode components: %w", err)
	}
	return string(b), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

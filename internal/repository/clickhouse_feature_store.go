package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	pkgch "TradeDash/pkg/clickhouse"
	applogger "TradeDash/pkg/logger"
)

// ClickHouseSchema returns the DDL for the bar and indicator tables in database db.
// ReplacingMergeTree collapses rows sharing the sort key; reads use FINAL.
func ClickHouseSchema(db string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.bars (
			symbol    LowCardinality(String),
			timeframe LowCardinality(String),
			ts        DateTime64(3, 'UTC'),
			open      Float64,
			high      Float64,
			low       Float64,
			close     Float64,
			volume    Float64
		) ENGINE = ReplacingMergeTree
		PARTITION BY (timeframe, toYYYYMM(ts))
		ORDER BY (symbol, timeframe, ts)`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.indicator_snapshots (
			symbol      LowCardinality(String),
			timeframe   LowCardinality(String),
			indicator   LowCardinality(String),
			ts          DateTime64(3, 'UTC'),
			value       Float64,
			components  String,
			computed_at DateTime64(3, 'UTC')
		) ENGINE = ReplacingMergeTree(computed_at)
		PARTITION BY (timeframe, toYYYYMM(ts))
		ORDER BY (symbol, timeframe, indicator, ts)`, db),
	}
}

// CHBarStore implements BarStore and IndicatorStore backed by ClickHouse.
// Bars are immutable: existing timestamps are filtered out before insert.
// Writers of one series are serialized in process so the read-then-insert
// cannot race; the engine deduplicates rows from other processes on merge.
type CHBarStore struct {
	db        *sql.DB
	database  string
	retention domrepo.RetentionPolicy
	now       func() time.Time
	writes    *LocalLocker
	l         *applogger.Logger
}

func NewCHBarStore(ch *pkgch.Client, retention domrepo.RetentionPolicy) *CHBarStore {
	return &CHBarStore{
		db:        ch.DB(),
		database:  ch.Database(),
		retention: retention,
		now:       time.Now,
		writes:    NewLocalLocker(),
	}
}

// SetLogger injects a structured logger.
func (s *CHBarStore) SetLogger(l *applogger.Logger) { s.l = l }

func (s *CHBarStore) table(name string) string { return s.database + "." + name }

func (s *CHBarStore) logError(msg string, symbol string, tf domrepo.Timeframe, err error) {
	if s.l == nil {
		return
	}
	s.l.Error(msg,
		applogger.String("symbol", symbol),
		applogger.String("tf", string(tf)),
		applogger.Error(err),
	)
}

func (s *CHBarStore) UpsertBars(ctx context.Context, symbol string, tf domrepo.Timeframe, bars []models.Bar) (models.UpsertResult, error) {
	var res models.UpsertResult
	if len(bars) == 0 {
		return res, nil
	}
	if err := checkRetention(s.retention, tf, s.now(), bars); err != nil {
		return res, err
	}

	unlock, err := s.writes.Lock(ctx, symbol+"/"+string(tf))
	if err != nil {
		return res, err
	}
	defer unlock()

	incoming := sortedUnique(bars)
	res.Duplicates = len(bars) - len(incoming)

	existing, err := s.existingTimestamps(ctx, symbol, tf, incoming[0].Timestamp, incoming[len(incoming)-1].Timestamp)
	if err != nil {
		return models.UpsertResult{}, err
	}

	fresh := incoming[:0]
	for _, b := range incoming {
		if existing[b.Timestamp.UnixMilli()] {
			res.Duplicates++
			continue
		}
		fresh = append(fresh, b)
	}
	if len(fresh) == 0 {
		return res, nil
	}

	// Single multi-row INSERT: ClickHouse applies one block atomically.
	values := make([]string, 0, len(fresh))
	args := make([]interface{}, 0, len(fresh)*8)
	for _, b := range fresh {
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, symbol, string(tf), b.Timestamp.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume)
	}
	q := fmt.Sprintf("INSERT INTO %s (symbol, timeframe, ts, open, high, low, close, volume) VALUES %s",
		s.table("bars"), strings.Join(values, ","))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		s.logError("clickhouse upsert_bars error", symbol, tf, err)
		return models.UpsertResult{}, fmt.Errorf("insert bars: %w", err)
	}
	res.Inserted = len(fresh)
	return res, nil
}

func (s *CHBarStore) existingTimestamps(ctx context.Context, symbol string, tf domrepo.Timeframe, from, to time.Time) (map[int64]bool, error) {
	q := fmt.Sprintf(`SELECT ts FROM %s FINAL WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts <= ?`, s.table("bars"))
	rows, err := s.db.QueryContext(ctx, q, symbol, string(tf), from.UTC(), to.UTC())
	if err != nil {
		s.logError("clickhouse existing_ts query error", symbol, tf, err)
		return nil, fmt.Errorf("existing timestamps: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]bool)
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan ts: %w", err)
		}
		out[ts.UnixMilli()] = true
	}
	return out, rows.Err()
}

func (s *CHBarStore) QueryRange(ctx context.Context, symbol string, tf domrepo.Timeframe, from, to time.Time) ([]models.Bar, error) {
	start := time.Now()
	const qtpl = `
        SELECT ts, open, high, low, close, volume
        FROM %s FINAL
        WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts <= ?
        ORDER BY ts ASC
    `
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(qtpl, s.table("bars")), symbol, string(tf), from.UTC(), to.UTC())
	if err != nil {
		s.logError("clickhouse query_range error", symbol, tf, err)
		return nil, fmt.Errorf("query range: %w", err)
	}
	bars, err := scanCHBars(rows)
	if err != nil {
		s.logError("clickhouse query_range scan error", symbol, tf, err)
		return nil, err
	}
	if s.l != nil {
		s.l.Debug("clickhouse query_range ok",
			applogger.String("symbol", symbol),
			applogger.String("tf", string(tf)),
			applogger.Int("rows", len(bars)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return bars, nil
}

func (s *CHBarStore) QueryLatest(ctx context.Context, symbol string, tf domrepo.Timeframe, n int) ([]models.Bar, error) {
	if n <= 0 {
		return nil, nil
	}
	const qtpl = `
        SELECT ts, open, high, low, close, volume
        FROM %s FINAL
        WHERE symbol = ? AND timeframe = ?
        ORDER BY ts DESC
        LIMIT ?
    `
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(qtpl, s.table("bars")), symbol, string(tf), n)
	if err != nil {
		s.logError("clickhouse query_latest error", symbol, tf, err)
		return nil, fmt.Errorf("query latest: %w", err)
	}
	bars, err := scanCHBars(rows)
	if err != nil {
		return nil, err
	}
	// reverse to ASC
	reverseBars(bars)
	return bars, nil
}

func (s *CHBarStore) LatestTimestamp(ctx context.Context, symbol string, tf domrepo.Timeframe) (time.Time, bool, error) {
	var (
		n  uint64
		ts time.Time
	)
	q := fmt.Sprintf(`SELECT count(), max(ts) FROM %s WHERE symbol = ? AND timeframe = ?`, s.table("bars"))
	if err := s.db.QueryRowContext(ctx, q, symbol, string(tf)).Scan(&n, &ts); err != nil {
		s.logError("clickhouse latest_ts error", symbol, tf, err)
		return time.Time{}, false, fmt.Errorf("latest timestamp: %w", err)
	}
	if n == 0 {
		return time.Time{}, false, nil
	}
	return ts.UTC(), true, nil
}

func (s *CHBarStore) Prune(ctx context.Context, tf domrepo.Timeframe, cutoff time.Time) (int64, error) {
	return s.prune(ctx, "bars", tf, cutoff)
}

func (s *CHBarStore) prune(ctx context.Context, table string, tf domrepo.Timeframe, cutoff time.Time) (int64, error) {
	var n uint64
	cq := fmt.Sprintf(`SELECT count() FROM %s WHERE timeframe = ? AND ts < ?`, s.table(table))
	if err := s.db.QueryRowContext(ctx, cq, string(tf), cutoff.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	if n == 0 {
		return 0, nil
	}
	dq := fmt.Sprintf(`ALTER TABLE %s DELETE WHERE timeframe = ? AND ts < ?`, s.table(table))
	if _, err := s.db.ExecContext(ctx, dq, string(tf), cutoff.UTC()); err != nil {
		return 0, fmt.Errorf("prune %s: %w", table, err)
	}
	return int64(n), nil
}

func (s *CHBarStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *CHBarStore) UpsertSnapshots(ctx context.Context, snaps []models.IndicatorSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	now := s.now().UTC()
	values := make([]string, 0, len(snaps))
	args := make([]interface{}, 0, len(snaps)*7)
	for _, snap := range snaps {
		comps, err := encodeComponents(snap.Components)
		if err != nil {
			return err
		}
		values = append(values, "(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, snap.Symbol, snap.Timeframe, snap.Indicator, snap.Timestamp.UTC(), snap.Value, comps, now)
	}
	q := fmt.Sprintf("INSERT INTO %s (symbol, timeframe, indicator, ts, value, components, computed_at) VALUES %s",
		s.table("indicator_snapshots"), strings.Join(values, ","))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert snapshots: %w", err)
	}
	return nil
}

func (s *CHBarStore) LatestSnapshot(ctx context.Context, symbol string, tf domrepo.Timeframe, indicator string) (models.IndicatorSnapshot, bool, error) {
	snaps, err := s.QuerySnapshots(ctx, symbol, tf, indicator, 1)
	if err != nil || len(snaps) == 0 {
		return models.IndicatorSnapshot{}, false, err
	}
	return snaps[0], true, nil
}

func (s *CHBarStore) QuerySnapshots(ctx context.Context, symbol string, tf domrepo.Timeframe, indicator string, n int) ([]models.IndicatorSnapshot, error) {
	if n <= 0 {
		return nil, nil
	}
	q := fmt.Sprintf(`SELECT ts, value, components FROM %s FINAL
		WHERE symbol = ? AND timeframe = ? AND indicator = ?
		ORDER BY ts DESC LIMIT ?`, s.table("indicator_snapshots"))
	rows, err := s.db.QueryContext(ctx, q, symbol, string(tf), indicator, n)
	if err != nil {
		s.logError("clickhouse query_snapshots error", symbol, tf, err)
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.IndicatorSnapshot
	for rows.Next() {
		var (
			ts    time.Time
			value float64
			comps string
		)
		if err := rows.Scan(&ts, &value, &comps); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap := models.IndicatorSnapshot{
			Symbol: symbol, Timeframe: string(tf), Indicator: indicator,
			Timestamp: ts.UTC(), Value: value,
		}
		if comps != "" {
			if err := json.Unmarshal([]byte(comps), &snap.Components); err != nil {
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

func (s *CHBarStore) PruneSnapshots(ctx context.Context, tf domrepo.Timeframe, cutoff time.Time) (int64, error) {
	return s.prune(ctx, "indicator_snapshots", tf, cutoff)
}

func scanCHBars(rows *sql.Rows) ([]models.Bar, error) {
	defer rows.Close()
	out := make([]models.Bar, 0, 256)
	for rows.Next() {
		var b models.Bar
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Timestamp = b.Timestamp.UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

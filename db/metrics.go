package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertRequestMetric = `INSERT INTO request_metrics(id, remote_host, endpoint, success, latency_ms, status_code, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectRequestStats = `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN success = 1 THEN 0 ELSE 1 END), 0),
			COALESCE(AVG(latency_ms), 0),
			COALESCE(MAX(latency_ms), 0)
		FROM request_metrics WHERE created_at >= ?`
	sqlCountSuccessfulMetrics = `SELECT COUNT(*) FROM request_metrics WHERE success = 1`
	sqlPruneRequestMetrics    = `DELETE FROM request_metrics WHERE created_at < ?`
)

// RequestStats summarises the request metrics of a time window.
type RequestStats struct {
	Total      int64
	Failures   int64
	AvgLatency time.Duration
	MaxLatency time.Duration
}

func (s RequestStats) ErrorRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Total)
}

// InsertRequestMetrics writes all metrics in one transaction.
func (db *DB) InsertRequestMetrics(ctx context.Context, metrics []domain.RequestMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, sqlInsertRequestMetric)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range metrics {
			id := m.Id
			if id == uuid.Nil {
				id = uuid.New()
			}
			if _, err := stmt.ExecContext(ctx,
				id.String(),
				m.RemoteHost,
				m.Endpoint,
				m.Success,
				m.Latency.Milliseconds(),
				m.StatusCode,
				nullString(m.Error),
				toMillis(m.CreatedAt),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) RequestStats(ctx context.Context, since time.Time) (RequestStats, error) {
	var (
		stats    RequestStats
		avg      float64
		maxMilli int64
	)
	err := db.db.QueryRowContext(ctx, sqlSelectRequestStats, toMillis(since)).
		Scan(&stats.Total, &stats.Failures, &avg, &maxMilli)
	if err != nil {
		return RequestStats{}, err
	}
	stats.AvgLatency = time.Duration(avg * float64(time.Millisecond))
	stats.MaxLatency = time.Duration(maxMilli) * time.Millisecond
	return stats, nil
}

func (db *DB) CountSuccessfulRequests(ctx context.Context) (int64, error) {
	var n int64
	err := db.db.QueryRowContext(ctx, sqlCountSuccessfulMetrics).Scan(&n)
	return n, err
}

func (db *DB) PruneRequestMetrics(ctx context.Context, before time.Time) (int64, error) {
	return db.execCount(ctx, sqlPruneRequestMetrics, toMillis(before))
}

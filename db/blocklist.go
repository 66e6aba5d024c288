package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/courier/domain"
)

const (
	sqlUpsertDomain = `INSERT INTO blocked_domains(host, status, created_at) VALUES (?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET status = excluded.status`
	sqlDeleteDomain       = `DELETE FROM blocked_domains WHERE host = ?`
	sqlSelectDomains      = `SELECT host, status, created_at FROM blocked_domains ORDER BY host`
	sqlSelectDomainStatus = `SELECT host, status FROM blocked_domains WHERE host IN (%s)`
)

func (db *DB) SetDomainStatus(ctx context.Context, host string, status domain.DomainStatus) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertDomain, host, string(status), toMillis(time.Now()))
		return err
	})
}

func (db *DB) DeleteDomain(ctx context.Context, host string) error {
	return db.execOne(ctx, sqlDeleteDomain, host)
}

// ReadDomainStatuses returns the entries stored for any of hosts.
func (db *DB) ReadDomainStatuses(ctx context.Context, hosts []string) (map[string]domain.DomainStatus, error) {
	out := make(map[string]domain.DomainStatus)
	for _, chunk := range chunkStrings(hosts, maxInArgs) {
		args := make([]any, len(chunk))
		for i, h := range chunk {
			args[i] = h
		}
		rows, err := db.db.QueryContext(ctx, sprintfIn(sqlSelectDomainStatus, len(chunk)), args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var host string
			var status domain.DomainStatus
			if err := rows.Scan(&host, &status); err != nil {
				rows.Close()
				return nil, err
			}
			out[host] = status
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (db *DB) ListDomains(ctx context.Context) ([]domain.BlockedDomain, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectDomains)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []domain.BlockedDomain
	for rows.Next() {
		var d domain.BlockedDomain
		var created int64
		if err := rows.Scan(&d.Host, &d.Status, &created); err != nil {
			return nil, err
		}
		d.CreatedAt = fromMillis(created)
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

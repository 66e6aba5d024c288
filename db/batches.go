package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

const (
	sqlBatchColumns = `id, identity_id, partition_key, followers_json, activity_json, status, attempts, last_attempted_at, next_attempt_at, created_at`

	sqlInsertFollowerBatch   = `INSERT INTO follower_batches(` + sqlBatchColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectFollowerBatch   = `SELECT ` + sqlBatchColumns + ` FROM follower_batches WHERE id = ?`
	sqlSelectIdentityBatches = `SELECT ` + sqlBatchColumns + ` FROM follower_batches WHERE identity_id = ? ORDER BY created_at, id`

	sqlClaimFollowerBatches = `UPDATE follower_batches
		SET status = 'processing', attempts = attempts + 1, last_attempted_at = ?
		WHERE id IN (
			SELECT id FROM follower_batches
			WHERE status = 'pending' AND next_attempt_at <= ? AND (? = '' OR partition_key = ?)
			ORDER BY next_attempt_at
			LIMIT ?
		)
		RETURNING ` + sqlBatchColumns

	sqlMarkFollowerBatchProcessed = `UPDATE follower_batches SET status = 'processed' WHERE id = ? AND status = 'processing'`
	sqlRescheduleFollowerBatch    = `UPDATE follower_batches SET status = 'pending', next_attempt_at = ? WHERE id = ? AND status = 'processing'`
	sqlRequeueStaleFollowerBatch  = `UPDATE follower_batches SET status = 'pending' WHERE status = 'processing' AND last_attempted_at < ?`
	sqlTouchFollowerBatches       = `UPDATE follower_batches SET last_attempted_at = ? WHERE status = 'processing' AND id IN (%s)`
	sqlCountFollowerBatches       = `SELECT COUNT(*) FROM follower_batches WHERE status != 'processed'`
	sqlPurgeFollowerBatches       = `DELETE FROM follower_batches WHERE status = 'processed' AND created_at < ?`
)

func scanFollowerBatch(row rowScanner) (*domain.FollowerBatch, error) {
	var (
		batch                domain.FollowerBatch
		idStr, identityStr   string
		followersJSON        string
		lastAttempted        sql.NullInt64
		nextAttempt, created int64
	)
	err := row.Scan(
		&idStr,
		&identityStr,
		&batch.PartitionKey,
		&followersJSON,
		&batch.ActivityJSON,
		&batch.Status,
		&batch.Attempts,
		&lastAttempted,
		&nextAttempt,
		&created,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if batch.Id, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if batch.IdentityId, err = uuid.Parse(identityStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(followersJSON), &batch.Followers); err != nil {
		return nil, fmt.Errorf("batch %s has invalid followers: %w", idStr, err)
	}
	batch.LastAttemptedAt = fromNullableMillis(lastAttempted)
	batch.NextAttemptAt = fromMillis(nextAttempt)
	batch.CreatedAt = fromMillis(created)
	return &batch, nil
}

// CreateBatches persists all batches of one fan-out atomically.
func (db *DB) CreateBatches(ctx context.Context, batches []*domain.FollowerBatch) error {
	if len(batches) == 0 {
		return nil
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, sqlInsertFollowerBatch)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, batch := range batches {
			if batch.Id == uuid.Nil {
				batch.Id = uuid.New()
			}
			if batch.Status == "" {
				batch.Status = domain.DeliveryPending
			}
			followers, err := json.Marshal(batch.Followers)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				batch.Id.String(),
				batch.IdentityId.String(),
				batch.PartitionKey,
				string(followers),
				batch.ActivityJSON,
				string(batch.Status),
				batch.Attempts,
				nullableMillis(batch.LastAttemptedAt),
				toMillis(batch.NextAttemptAt),
				toMillis(batch.CreatedAt),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClaimDueBatches is the follower batch counterpart of ClaimDueItems.
func (db *DB) ClaimDueBatches(ctx context.Context, now time.Time, partition string, limit int) ([]domain.FollowerBatch, error) {
	var batches []domain.FollowerBatch
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		batches = batches[:0]
		rows, err := tx.QueryContext(ctx, sqlClaimFollowerBatches,
			toMillis(now), toMillis(now), partition, partition, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			batch, err := scanFollowerBatch(rows)
			if err != nil {
				return err
			}
			batches = append(batches, *batch)
		}
		return rows.Err()
	})
	return batches, err
}

func (db *DB) ReadBatch(ctx context.Context, id uuid.UUID) (*domain.FollowerBatch, error) {
	return scanFollowerBatch(db.db.QueryRowContext(ctx, sqlSelectFollowerBatch, id.String()))
}

// ReadBatches lists every batch of an identity, oldest first.
func (db *DB) ReadBatches(ctx context.Context, identityId uuid.UUID) ([]domain.FollowerBatch, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectIdentityBatches, identityId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []domain.FollowerBatch
	for rows.Next() {
		batch, err := scanFollowerBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *batch)
	}
	return batches, rows.Err()
}

func (db *DB) MarkBatchProcessed(ctx context.Context, id uuid.UUID) error {
	return db.execOne(ctx, sqlMarkFollowerBatchProcessed, id.String())
}

func (db *DB) RescheduleBatch(ctx context.Context, id uuid.UUID, next time.Time) error {
	return db.execOne(ctx, sqlRescheduleFollowerBatch, toMillis(next), id.String())
}

func (db *DB) RequeueStaleBatches(ctx context.Context, staleBefore time.Time) (int64, error) {
	return db.execCount(ctx, sqlRequeueStaleFollowerBatch, toMillis(staleBefore))
}

func (db *DB) TouchBatches(ctx context.Context, ids []uuid.UUID, now time.Time) (int64, error) {
	return db.touch(ctx, sqlTouchFollowerBatches, ids, now)
}

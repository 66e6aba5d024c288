package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

const (
	sqlQueueColumns = `id, partition_key, identity_id, activity_json, target_actor_url, target_inbox_url, status, attempts, last_attempted_at, next_attempt_at, created_at`

	sqlInsertQueueItem = `INSERT INTO delivery_queue(` + sqlQueueColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectQueueItem = `SELECT ` + sqlQueueColumns + ` FROM delivery_queue WHERE id = ?`

	// The claim selects and flips rows in one statement, so two passes can
	// never receive the same row.
	sqlClaimQueueItems = `UPDATE delivery_queue
		SET status = 'processing', attempts = attempts + 1, last_attempted_at = ?
		WHERE id IN (
			SELECT id FROM delivery_queue
			WHERE status = 'pending' AND next_attempt_at <= ? AND (? = '' OR partition_key = ?)
			ORDER BY next_attempt_at
			LIMIT ?
		)
		RETURNING ` + sqlQueueColumns

	sqlMarkQueueItemProcessed = `UPDATE delivery_queue SET status = 'processed' WHERE id = ? AND status = 'processing'`
	sqlRescheduleQueueItem    = `UPDATE delivery_queue SET status = 'pending', next_attempt_at = ? WHERE id = ? AND status = 'processing'`
	sqlRequeueStaleQueueItems = `UPDATE delivery_queue SET status = 'pending' WHERE status = 'processing' AND last_attempted_at < ?`
	sqlTouchQueueItems        = `UPDATE delivery_queue SET last_attempted_at = ? WHERE status = 'processing' AND id IN (%s)`
	sqlCountQueueItems        = `SELECT COUNT(*) FROM delivery_queue WHERE status != 'processed'`
	sqlPurgeQueueItems        = `DELETE FROM delivery_queue WHERE status = 'processed' AND created_at < ?`
)

func scanQueueItem(row rowScanner) (*domain.QueueItem, error) {
	var (
		item                 domain.QueueItem
		idStr, identityStr   string
		targetInbox          sql.NullString
		lastAttempted        sql.NullInt64
		nextAttempt, created int64
	)
	err := row.Scan(
		&idStr,
		&item.PartitionKey,
		&identityStr,
		&item.ActivityJSON,
		&item.TargetActorURL,
		&targetInbox,
		&item.Status,
		&item.Attempts,
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
	if item.Id, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if item.IdentityId, err = uuid.Parse(identityStr); err != nil {
		return nil, err
	}
	item.TargetInboxURL = targetInbox.String
	item.LastAttemptedAt = fromNullableMillis(lastAttempted)
	item.NextAttemptAt = fromMillis(nextAttempt)
	item.CreatedAt = fromMillis(created)
	return &item, nil
}

// EnqueueItems inserts all items in one transaction. Items without an id or
// status get one assigned.
func (db *DB) EnqueueItems(ctx context.Context, items []*domain.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, sqlInsertQueueItem)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, item := range items {
			if item.Id == uuid.Nil {
				item.Id = uuid.New()
			}
			if item.Status == "" {
				item.Status = domain.DeliveryPending
			}
			if _, err := stmt.ExecContext(ctx,
				item.Id.String(),
				item.PartitionKey,
				item.IdentityId.String(),
				item.ActivityJSON,
				item.TargetActorURL,
				nullString(item.TargetInboxURL),
				string(item.Status),
				item.Attempts,
				nullableMillis(item.LastAttemptedAt),
				toMillis(item.NextAttemptAt),
				toMillis(item.CreatedAt),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClaimDueItems moves up to limit due items to processing, increments their
// attempts and returns them. An empty partition claims from all partitions.
func (db *DB) ClaimDueItems(ctx context.Context, now time.Time, partition string, limit int) ([]domain.QueueItem, error) {
	var items []domain.QueueItem
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		items = items[:0]
		rows, err := tx.QueryContext(ctx, sqlClaimQueueItems,
			toMillis(now), toMillis(now), partition, partition, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			item, err := scanQueueItem(rows)
			if err != nil {
				return err
			}
			items = append(items, *item)
		}
		return rows.Err()
	})
	return items, err
}

func (db *DB) ReadQueueItem(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	return scanQueueItem(db.db.QueryRowContext(ctx, sqlSelectQueueItem, id.String()))
}

func (db *DB) MarkItemProcessed(ctx context.Context, id uuid.UUID) error {
	return db.execOne(ctx, sqlMarkQueueItemProcessed, id.String())
}

// RescheduleItem returns a claimed item to pending with a new due time.
func (db *DB) RescheduleItem(ctx context.Context, id uuid.UUID, next time.Time) error {
	return db.execOne(ctx, sqlRescheduleQueueItem, toMillis(next), id.String())
}

// RequeueStaleItems releases items claimed before staleBefore, which were
// left behind by a crashed pass.
func (db *DB) RequeueStaleItems(ctx context.Context, staleBefore time.Time) (int64, error) {
	return db.execCount(ctx, sqlRequeueStaleQueueItems, toMillis(staleBefore))
}

// TouchItems renews the claim of items that are still processing, so a
// long pass is not mistaken for a crashed one.
func (db *DB) TouchItems(ctx context.Context, ids []uuid.UUID, now time.Time) (int64, error) {
	return db.touch(ctx, sqlTouchQueueItems, ids, now)
}

func (db *DB) touch(ctx context.Context, query string, ids []uuid.UUID, now time.Time) (int64, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	var total int64
	for _, chunk := range chunkStrings(strs, maxInArgs) {
		args := make([]any, 0, len(chunk)+1)
		args = append(args, toMillis(now))
		for _, id := range chunk {
			args = append(args, id)
		}
		n, err := db.execCount(ctx, sprintfIn(query, len(chunk)), args...)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// execOne runs a single-row update and reports ErrNotFound when no row
// matched.
func (db *DB) execOne(ctx context.Context, query string, args ...any) error {
	n, err := db.execCount(ctx, query, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) execCount(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// QueueDepth counts unfinished queue items and follower batches.
func (db *DB) QueueDepth(ctx context.Context) (items int64, batches int64, err error) {
	if err = db.db.QueryRowContext(ctx, sqlCountQueueItems).Scan(&items); err != nil {
		return 0, 0, err
	}
	if err = db.db.QueryRowContext(ctx, sqlCountFollowerBatches).Scan(&batches); err != nil {
		return 0, 0, err
	}
	return items, batches, nil
}

// PurgeProcessed deletes finished items and batches created before cutoff.
func (db *DB) PurgeProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		total = 0
		for _, query := range []string{sqlPurgeQueueItems, sqlPurgeFollowerBatches} {
			res, err := tx.ExecContext(ctx, query, toMillis(cutoff))
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

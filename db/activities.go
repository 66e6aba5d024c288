package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

const (
	sqlActivityColumns = `id, activity_uri, activity_type, actor_uri, object_uri, identity_id, raw_json, processed, local, created_at`

	sqlInsertActivity        = `INSERT INTO activities(` + sqlActivityColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlInsertActivityIgnore  = sqlInsertActivity + ` ON CONFLICT(activity_uri, identity_id) DO NOTHING`
	sqlSelectActivityByURI   = `SELECT ` + sqlActivityColumns + ` FROM activities WHERE activity_uri = ? AND identity_id = ?`
	sqlMarkActivityProcessed = `UPDATE activities SET processed = 1 WHERE activity_uri = ? AND identity_id = ?`
	sqlCountActivitiesByType = `SELECT COUNT(*) FROM activities WHERE identity_id = ? AND (? = '' OR activity_type = ?)`

	// a local activity stays unprocessed until its deliveries are queued
	sqlSelectUnroutedActivities = `SELECT ` + sqlActivityColumns + ` FROM activities
		WHERE local = 1 AND processed = 0 AND created_at < ? ORDER BY created_at, id LIMIT ?`
)

// a local Create is listed in the outbox when it names the public collection
const sqlWherePublicCreates = ` FROM activities WHERE identity_id = ? AND local = 1 AND activity_type = 'Create'
	AND (raw_json LIKE '%activitystreams#Public%' OR raw_json LIKE '%"as:Public"%')`

const (
	sqlSelectPublicCreates = `SELECT ` + sqlActivityColumns + sqlWherePublicCreates + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	sqlCountPublicCreates  = `SELECT COUNT(*)` + sqlWherePublicCreates
)

func scanActivity(row rowScanner) (*domain.ActivityRecord, error) {
	var (
		rec                domain.ActivityRecord
		idStr, identityStr string
		objectURI          sql.NullString
		created            int64
	)
	err := row.Scan(&idStr, &rec.ActivityURI, &rec.ActivityType, &rec.ActorURI, &objectURI,
		&identityStr, &rec.RawJSON, &rec.Processed, &rec.Local, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.Id, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if rec.IdentityId, err = uuid.Parse(identityStr); err != nil {
		return nil, err
	}
	rec.ObjectURI = objectURI.String
	rec.CreatedAt = fromMillis(created)
	return &rec, nil
}

func activityArgs(rec *domain.ActivityRecord) []any {
	if rec.Id == uuid.Nil {
		rec.Id = uuid.New()
	}
	return []any{
		rec.Id.String(),
		rec.ActivityURI,
		rec.ActivityType,
		rec.ActorURI,
		nullString(rec.ObjectURI),
		rec.IdentityId.String(),
		rec.RawJSON,
		rec.Processed,
		rec.Local,
		toMillis(rec.CreatedAt),
	}
}

// CreateActivity persists the local copy of a published activity.
func (db *DB) CreateActivity(ctx context.Context, rec *domain.ActivityRecord) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertActivity, activityArgs(rec)...)
		return err
	})
}

// RecordInboundActivity logs a received activity for deduplication. It
// reports seen=true when the same activity was already fully processed for
// this identity; a stored but unprocessed record is handled again.
func (db *DB) RecordInboundActivity(ctx context.Context, rec *domain.ActivityRecord) (seen bool, err error) {
	err = db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		seen = false
		res, err := tx.ExecContext(ctx, sqlInsertActivityIgnore, activityArgs(rec)...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 1 {
			return err
		}
		existing, err := scanActivity(tx.QueryRowContext(ctx, sqlSelectActivityByURI, rec.ActivityURI, rec.IdentityId.String()))
		if err != nil {
			return err
		}
		seen = existing.Processed
		return nil
	})
	return seen, err
}

func (db *DB) MarkActivityProcessed(ctx context.Context, activityURI string, identityId uuid.UUID) error {
	return db.execOne(ctx, sqlMarkActivityProcessed, activityURI, identityId.String())
}

func (db *DB) ReadActivityByURI(ctx context.Context, activityURI string, identityId uuid.UUID) (*domain.ActivityRecord, error) {
	return scanActivity(db.db.QueryRowContext(ctx, sqlSelectActivityByURI, activityURI, identityId.String()))
}

// ReadUnroutedActivities returns local activities stored before
// createdBefore whose routing never completed, oldest first.
func (db *DB) ReadUnroutedActivities(ctx context.Context, createdBefore time.Time, limit int) ([]domain.ActivityRecord, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectUnroutedActivities, toMillis(createdBefore), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ActivityRecord
	for rows.Next() {
		rec, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// CountActivities counts the activities of an identity, of one type or of
// all types when activityType is empty.
func (db *DB) CountActivities(ctx context.Context, identityId uuid.UUID, activityType string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountActivitiesByType, identityId.String(), activityType, activityType).Scan(&n)
	return n, err
}

// ReadPublicCreates pages through the public posts of an identity, newest
// first.
func (db *DB) ReadPublicCreates(ctx context.Context, identityId uuid.UUID, limit, offset int) ([]domain.ActivityRecord, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPublicCreates, identityId.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ActivityRecord
	for rows.Next() {
		rec, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (db *DB) CountPublicCreates(ctx context.Context, identityId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountPublicCreates, identityId.String()).Scan(&n)
	return n, err
}

package db

import (
	"context"
	"database/sql"

	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

const (
	sqlInboxItemColumns = `id, identity_id, sender_actor_url, activity_uri, activity_type, object_type, object_uri, raw_json, recognized, created_at`

	sqlInsertInboxItem = `INSERT INTO inbox_items(` + sqlInboxItemColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity_id, activity_uri) DO NOTHING
		RETURNING seq`
	sqlSelectInboxItemsAfter = `SELECT seq, ` + sqlInboxItemColumns + ` FROM inbox_items
		WHERE identity_id = ? AND seq > ? ORDER BY seq LIMIT ?`
)

// CreateInboxItem stores a received item and fills in its Seq. A second
// item with the same activity for the same identity is ignored and stored
// reports false.
func (db *DB) CreateInboxItem(ctx context.Context, item *domain.InboxItem) (stored bool, err error) {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	err = db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		stored = false
		var seq int64
		err := tx.QueryRowContext(ctx, sqlInsertInboxItem,
			item.Id.String(),
			item.IdentityId.String(),
			item.SenderActorURL,
			item.ActivityURI,
			item.ActivityType,
			nullString(item.ObjectType),
			nullString(item.ObjectURI),
			item.RawJSON,
			item.Recognized,
			toMillis(item.CreatedAt),
		).Scan(&seq)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		item.Seq = seq
		stored = true
		return nil
	})
	return stored, err
}

// ReadInboxItemsAfter pages through an identity's inbox in arrival order.
func (db *DB) ReadInboxItemsAfter(ctx context.Context, identityId uuid.UUID, afterSeq int64, limit int) ([]domain.InboxItem, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectInboxItemsAfter, identityId.String(), afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.InboxItem
	for rows.Next() {
		var (
			item                  domain.InboxItem
			idStr, identityStr    string
			objectType, objectURI sql.NullString
			created               int64
		)
		if err := rows.Scan(&item.Seq, &idStr, &identityStr, &item.SenderActorURL, &item.ActivityURI,
			&item.ActivityType, &objectType, &objectURI, &item.RawJSON, &item.Recognized, &created); err != nil {
			return nil, err
		}
		if item.Id, err = uuid.Parse(idStr); err != nil {
			return nil, err
		}
		if item.IdentityId, err = uuid.Parse(identityStr); err != nil {
			return nil, err
		}
		item.ObjectType = objectType.String
		item.ObjectURI = objectURI.String
		item.CreatedAt = fromMillis(created)
		items = append(items, item)
	}
	return items, rows.Err()
}

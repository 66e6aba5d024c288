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
	sqlInsertInboundFollow = `INSERT INTO inbound_follows(id, identity_id, follower_actor_url, follow_uri, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity_id, follower_actor_url) DO NOTHING`
	sqlDeleteInboundFollow      = `DELETE FROM inbound_follows WHERE identity_id = ? AND follower_actor_url = ?`
	sqlIncrementFollowerCount   = `UPDATE identities SET follower_count = follower_count + 1 WHERE id = ?`
	sqlDecrementFollowerCount   = `UPDATE identities SET follower_count = MAX(follower_count - 1, 0) WHERE id = ?`
	sqlSelectFollowerURLs       = `SELECT follower_actor_url FROM inbound_follows WHERE identity_id = ? AND status = 'accepted' ORDER BY created_at, follower_actor_url`
	sqlCountInboundFollowsByUrl = `SELECT COUNT(*) FROM inbound_follows WHERE identity_id = ? AND follower_actor_url = ?`

	sqlOutgoingFollowColumns = `id, identity_id, remote_actor_url, follow_uri, status, created_at, updated_at`
	sqlUpsertOutgoingFollow  = `INSERT INTO outgoing_follows(` + sqlOutgoingFollowColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity_id, remote_actor_url) DO UPDATE SET
			follow_uri = excluded.follow_uri,
			status = excluded.status,
			updated_at = excluded.updated_at`
	sqlSelectOutgoingFollow        = `SELECT ` + sqlOutgoingFollowColumns + ` FROM outgoing_follows WHERE identity_id = ? AND remote_actor_url = ?`
	sqlSelectOutgoingFollows       = `SELECT ` + sqlOutgoingFollowColumns + ` FROM outgoing_follows WHERE identity_id = ? ORDER BY created_at`
	sqlDeleteOutgoingFollow        = `DELETE FROM outgoing_follows WHERE identity_id = ? AND remote_actor_url = ?`
	sqlUpdateOutgoingFollowByURI   = `UPDATE outgoing_follows SET status = ?, updated_at = ? WHERE follow_uri = ? AND identity_id = ? AND remote_actor_url = ?`
	sqlUpdateOutgoingFollowByActor = `UPDATE outgoing_follows SET status = ?, updated_at = ? WHERE identity_id = ? AND remote_actor_url = ?`
)

// AddInboundFollow records a follower and increments the identity's follower
// count. An existing pair is left untouched and created is false.
func (db *DB) AddInboundFollow(ctx context.Context, follow *domain.InboundFollow) (created bool, err error) {
	if follow.Id == uuid.Nil {
		follow.Id = uuid.New()
	}
	if follow.Status == "" {
		follow.Status = domain.FollowAccepted
	}
	err = db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		created = false
		res, err := tx.ExecContext(ctx, sqlInsertInboundFollow,
			follow.Id.String(),
			follow.IdentityId.String(),
			follow.FollowerActorURL,
			nullString(follow.FollowURI),
			string(follow.Status),
			toMillis(follow.CreatedAt),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		if _, err := tx.ExecContext(ctx, sqlIncrementFollowerCount, follow.IdentityId.String()); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// RemoveInboundFollow deletes a follower if present. The follower count is
// only decremented when a row was deleted and never drops below zero.
func (db *DB) RemoveInboundFollow(ctx context.Context, identityId uuid.UUID, followerActorURL string) (removed bool, err error) {
	err = db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		removed = false
		res, err := tx.ExecContext(ctx, sqlDeleteInboundFollow, identityId.String(), followerActorURL)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		if _, err := tx.ExecContext(ctx, sqlDecrementFollowerCount, identityId.String()); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

// ReadFollowerURLs returns the accepted followers of an identity in a stable
// order.
func (db *DB) ReadFollowerURLs(ctx context.Context, identityId uuid.UUID) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerURLs, identityId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

func (db *DB) CountInboundFollows(ctx context.Context, identityId uuid.UUID, followerActorURL string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountInboundFollowsByUrl, identityId.String(), followerActorURL).Scan(&n)
	return n, err
}

func scanOutgoingFollow(row rowScanner) (*domain.OutgoingFollow, error) {
	var (
		follow             domain.OutgoingFollow
		idStr, identityStr string
		created, updated   int64
	)
	err := row.Scan(&idStr, &identityStr, &follow.RemoteActorURL, &follow.FollowURI, &follow.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if follow.Id, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if follow.IdentityId, err = uuid.Parse(identityStr); err != nil {
		return nil, err
	}
	follow.CreatedAt = fromMillis(created)
	follow.UpdatedAt = fromMillis(updated)
	return &follow, nil
}

// UpsertOutgoingFollow records a follow attempt. A repeated attempt for the
// same pair replaces the follow URI and resets the status.
func (db *DB) UpsertOutgoingFollow(ctx context.Context, follow *domain.OutgoingFollow) error {
	if follow.Id == uuid.Nil {
		follow.Id = uuid.New()
	}
	if follow.Status == "" {
		follow.Status = domain.FollowPending
	}
	if follow.UpdatedAt.IsZero() {
		follow.UpdatedAt = follow.CreatedAt
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertOutgoingFollow,
			follow.Id.String(),
			follow.IdentityId.String(),
			follow.RemoteActorURL,
			follow.FollowURI,
			string(follow.Status),
			toMillis(follow.CreatedAt),
			toMillis(follow.UpdatedAt),
		)
		return err
	})
}

func (db *DB) ReadOutgoingFollow(ctx context.Context, identityId uuid.UUID, remoteActorURL string) (*domain.OutgoingFollow, error) {
	return scanOutgoingFollow(db.db.QueryRowContext(ctx, sqlSelectOutgoingFollow, identityId.String(), remoteActorURL))
}

func (db *DB) ReadOutgoingFollows(ctx context.Context, identityId uuid.UUID) ([]domain.OutgoingFollow, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectOutgoingFollows, identityId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var follows []domain.OutgoingFollow
	for rows.Next() {
		follow, err := scanOutgoingFollow(rows)
		if err != nil {
			return nil, err
		}
		follows = append(follows, *follow)
	}
	return follows, rows.Err()
}

// DeleteOutgoingFollow removes the pair and returns what was stored, or
// ErrNotFound.
func (db *DB) DeleteOutgoingFollow(ctx context.Context, identityId uuid.UUID, remoteActorURL string) (*domain.OutgoingFollow, error) {
	var follow *domain.OutgoingFollow
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		follow, err = scanOutgoingFollow(tx.QueryRowContext(ctx, sqlSelectOutgoingFollow, identityId.String(), remoteActorURL))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, sqlDeleteOutgoingFollow, identityId.String(), remoteActorURL)
		return err
	})
	if err != nil {
		return nil, err
	}
	return follow, nil
}

// SetOutgoingFollowStatusByURI updates the follow of identityId created by
// the activity followURI and reports whether one matched. Only the followed
// actor can answer, so remoteActorURL must be the sender of the answer.
func (db *DB) SetOutgoingFollowStatusByURI(ctx context.Context, identityId uuid.UUID, remoteActorURL, followURI string, status domain.FollowStatus) (bool, error) {
	n, err := db.execCount(ctx, sqlUpdateOutgoingFollowByURI, string(status), toMillis(time.Now()), followURI, identityId.String(), remoteActorURL)
	return n > 0, err
}

// SetOutgoingFollowStatusByActor is used when the answer does not carry the
// original follow id.
func (db *DB) SetOutgoingFollowStatusByActor(ctx context.Context, identityId uuid.UUID, remoteActorURL string, status domain.FollowStatus) (bool, error) {
	n, err := db.execCount(ctx, sqlUpdateOutgoingFollowByActor, string(status), toMillis(time.Now()), identityId.String(), remoteActorURL)
	return n > 0, err
}

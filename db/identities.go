package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

const (
	sqlIdentityColumns = `id, handle, actor_url, inbox_url, outbox_url, followers_url, private_key_pem, public_key_pem, follower_count, status, moved_to, token_hash, created_at`

	sqlInsertIdentity           = `INSERT INTO identities(` + sqlIdentityColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectIdentityById       = `SELECT ` + sqlIdentityColumns + ` FROM identities WHERE id = ?`
	sqlSelectIdentityByHandle   = `SELECT ` + sqlIdentityColumns + ` FROM identities WHERE handle = ?`
	sqlSelectIdentityByActorURL = `SELECT ` + sqlIdentityColumns + ` FROM identities WHERE actor_url = ?`
	sqlSelectIdentities         = `SELECT ` + sqlIdentityColumns + ` FROM identities ORDER BY handle`
	sqlSetIdentityKeys          = `UPDATE identities SET private_key_pem = ?, public_key_pem = ? WHERE id = ? AND (private_key_pem IS NULL OR private_key_pem = '')`
	sqlUpdateIdentityStatus     = `UPDATE identities SET status = ?, moved_to = ? WHERE id = ?`
	sqlUpdateIdentityToken      = `UPDATE identities SET token_hash = ? WHERE id = ?`
)

const sqlSelectIdentitiesFollowing = `SELECT i.id, i.handle, i.actor_url, i.inbox_url, i.outbox_url, i.followers_url,
		i.private_key_pem, i.public_key_pem, i.follower_count, i.status, i.moved_to, i.token_hash, i.created_at
	FROM identities i JOIN outgoing_follows o ON o.identity_id = i.id
	WHERE o.remote_actor_url = ? AND o.status = 'accepted'
	ORDER BY i.handle`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*domain.LocalIdentity, error) {
	var (
		identity                       domain.LocalIdentity
		idStr                          string
		privateKey, publicKey, movedTo sql.NullString
		createdAt                      int64
	)
	err := row.Scan(
		&idStr,
		&identity.Handle,
		&identity.ActorURL,
		&identity.InboxURL,
		&identity.OutboxURL,
		&identity.FollowersURL,
		&privateKey,
		&publicKey,
		&identity.FollowerCount,
		&identity.Status,
		&movedTo,
		&identity.TokenHash,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	identity.Id, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid identity id %q: %w", idStr, err)
	}
	identity.PrivateKeyPem = privateKey.String
	identity.PublicKeyPem = publicKey.String
	identity.MovedTo = movedTo.String
	identity.CreatedAt = fromMillis(createdAt)
	return &identity, nil
}

func (db *DB) CreateIdentity(ctx context.Context, identity *domain.LocalIdentity) error {
	if identity.Status == "" {
		identity.Status = domain.IdentityActive
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertIdentity,
			identity.Id.String(),
			identity.Handle,
			identity.ActorURL,
			identity.InboxURL,
			identity.OutboxURL,
			identity.FollowersURL,
			nullString(identity.PrivateKeyPem),
			nullString(identity.PublicKeyPem),
			identity.FollowerCount,
			string(identity.Status),
			nullString(identity.MovedTo),
			identity.TokenHash,
			toMillis(identity.CreatedAt),
		)
		return err
	})
}

func (db *DB) ReadIdentityById(ctx context.Context, id uuid.UUID) (*domain.LocalIdentity, error) {
	return scanIdentity(db.db.QueryRowContext(ctx, sqlSelectIdentityById, id.String()))
}

func (db *DB) ReadIdentityByHandle(ctx context.Context, handle string) (*domain.LocalIdentity, error) {
	return scanIdentity(db.db.QueryRowContext(ctx, sqlSelectIdentityByHandle, handle))
}

func (db *DB) ReadIdentityByActorURL(ctx context.Context, actorURL string) (*domain.LocalIdentity, error) {
	return scanIdentity(db.db.QueryRowContext(ctx, sqlSelectIdentityByActorURL, actorURL))
}

func (db *DB) ReadIdentities(ctx context.Context) ([]domain.LocalIdentity, error) {
	return db.readIdentities(ctx, sqlSelectIdentities)
}

// ReadIdentitiesFollowing returns the local identities with an accepted
// follow of remoteActorURL.
func (db *DB) ReadIdentitiesFollowing(ctx context.Context, remoteActorURL string) ([]domain.LocalIdentity, error) {
	return db.readIdentities(ctx, sqlSelectIdentitiesFollowing, remoteActorURL)
}

func (db *DB) readIdentities(ctx context.Context, query string, args ...any) ([]domain.LocalIdentity, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var identities []domain.LocalIdentity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return identities, err
		}
		identities = append(identities, *identity)
	}
	return identities, rows.Err()
}

// SetIdentityKeys stores a key pair only if the identity has none yet.
// It reports whether this call wrote the keys.
func (db *DB) SetIdentityKeys(ctx context.Context, id uuid.UUID, privateKeyPem, publicKeyPem string) (bool, error) {
	var written bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlSetIdentityKeys, privateKeyPem, publicKeyPem, id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		written = n == 1
		return nil
	})
	return written, err
}

func (db *DB) UpdateIdentityStatus(ctx context.Context, id uuid.UUID, status domain.IdentityStatus, movedTo string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateIdentityStatus, string(status), nullString(movedTo), id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (db *DB) UpdateIdentityToken(ctx context.Context, id uuid.UUID, tokenHash string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateIdentityToken, tokenHash, id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

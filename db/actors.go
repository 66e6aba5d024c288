package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/deemkeen/courier/domain"
)

const (
	sqlRemoteActorColumns = `actor_url, username, domain, inbox_url, shared_inbox_url, outbox_url, public_key_id, public_key_pem, display_name, raw_json, fetched_at, expires_at`

	// Entries are replaced wholesale on refresh.
	sqlUpsertRemoteActor = `INSERT INTO remote_actors(` + sqlRemoteActorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_url) DO UPDATE SET
			username = excluded.username,
			domain = excluded.domain,
			inbox_url = excluded.inbox_url,
			shared_inbox_url = excluded.shared_inbox_url,
			outbox_url = excluded.outbox_url,
			public_key_id = excluded.public_key_id,
			public_key_pem = excluded.public_key_pem,
			display_name = excluded.display_name,
			raw_json = excluded.raw_json,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at`
	sqlSelectRemoteActor    = `SELECT ` + sqlRemoteActorColumns + ` FROM remote_actors WHERE actor_url = ?`
	sqlSelectRemoteActorsIn = `SELECT ` + sqlRemoteActorColumns + ` FROM remote_actors WHERE actor_url IN (%s)`
	sqlDeleteRemoteActor    = `DELETE FROM remote_actors WHERE actor_url = ?`
)

func scanRemoteActor(row rowScanner) (*domain.RemoteActor, error) {
	var (
		actor                                    domain.RemoteActor
		username, shared, outbox, keyId, display sql.NullString
		raw                                      sql.NullString
		fetched                                  int64
		expires                                  sql.NullInt64
	)
	err := row.Scan(
		&actor.ActorURL,
		&username,
		&actor.Domain,
		&actor.InboxURL,
		&shared,
		&outbox,
		&keyId,
		&actor.PublicKeyPem,
		&display,
		&raw,
		&fetched,
		&expires,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	actor.Username = username.String
	actor.SharedInboxURL = shared.String
	actor.OutboxURL = outbox.String
	actor.PublicKeyId = keyId.String
	actor.DisplayName = display.String
	actor.RawJSON = raw.String
	actor.FetchedAt = fromMillis(fetched)
	actor.ExpiresAt = fromNullableMillis(expires)
	return &actor, nil
}

func (db *DB) UpsertRemoteActor(ctx context.Context, actor *domain.RemoteActor) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertRemoteActor,
			actor.ActorURL,
			nullString(actor.Username),
			actor.Domain,
			actor.InboxURL,
			nullString(actor.SharedInboxURL),
			nullString(actor.OutboxURL),
			nullString(actor.PublicKeyId),
			actor.PublicKeyPem,
			nullString(actor.DisplayName),
			nullString(actor.RawJSON),
			toMillis(actor.FetchedAt),
			nullableMillis(actor.ExpiresAt),
		)
		return err
	})
}

func (db *DB) ReadRemoteActor(ctx context.Context, actorURL string) (*domain.RemoteActor, error) {
	return scanRemoteActor(db.db.QueryRowContext(ctx, sqlSelectRemoteActor, actorURL))
}

// ReadRemoteActors loads every cached entry among urls, keyed by actor URL.
// Missing entries are simply absent from the result.
func (db *DB) ReadRemoteActors(ctx context.Context, urls []string) (map[string]*domain.RemoteActor, error) {
	out := make(map[string]*domain.RemoteActor, len(urls))
	for _, chunk := range chunkStrings(urls, maxInArgs) {
		args := make([]any, len(chunk))
		for i, u := range chunk {
			args[i] = u
		}
		query := sprintfIn(sqlSelectRemoteActorsIn, len(chunk))
		rows, err := db.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			actor, err := scanRemoteActor(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[actor.ActorURL] = actor
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (db *DB) DeleteRemoteActor(ctx context.Context, actorURL string) error {
	return db.execOne(ctx, sqlDeleteRemoteActor, actorURL)
}

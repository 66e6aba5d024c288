package db

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Timestamps are stored as unix milliseconds so that due-time comparisons
// are plain integer comparisons.
const (
	sqlCreateIdentitiesTable = `CREATE TABLE IF NOT EXISTS identities (
		id TEXT NOT NULL PRIMARY KEY,
		handle TEXT UNIQUE NOT NULL,
		actor_url TEXT UNIQUE NOT NULL,
		inbox_url TEXT NOT NULL,
		outbox_url TEXT NOT NULL,
		followers_url TEXT NOT NULL,
		private_key_pem TEXT,
		public_key_pem TEXT,
		follower_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		moved_to TEXT,
		token_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`

	sqlCreateRemoteActorsTable = `CREATE TABLE IF NOT EXISTS remote_actors (
		actor_url TEXT NOT NULL PRIMARY KEY,
		username TEXT,
		domain TEXT NOT NULL,
		inbox_url TEXT NOT NULL,
		shared_inbox_url TEXT,
		outbox_url TEXT,
		public_key_id TEXT,
		public_key_pem TEXT NOT NULL,
		display_name TEXT,
		raw_json TEXT,
		fetched_at INTEGER NOT NULL,
		expires_at INTEGER
	)`

	sqlCreateInboundFollowsTable = `CREATE TABLE IF NOT EXISTS inbound_follows (
		id TEXT NOT NULL PRIMARY KEY,
		identity_id TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
		follower_actor_url TEXT NOT NULL,
		follow_uri TEXT,
		status TEXT NOT NULL DEFAULT 'accepted',
		created_at INTEGER NOT NULL,
		UNIQUE(identity_id, follower_actor_url)
	)`

	sqlCreateOutgoingFollowsTable = `CREATE TABLE IF NOT EXISTS outgoing_follows (
		id TEXT NOT NULL PRIMARY KEY,
		identity_id TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
		remote_actor_url TEXT NOT NULL,
		follow_uri TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(identity_id, remote_actor_url)
	)`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		identity_id TEXT NOT NULL,
		raw_json TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		local INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE(activity_uri, identity_id)
	)`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		partition_key TEXT NOT NULL,
		identity_id TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		target_actor_url TEXT NOT NULL,
		target_inbox_url TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempted_at INTEGER,
		next_attempt_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`

	sqlCreateFollowerBatchesTable = `CREATE TABLE IF NOT EXISTS follower_batches (
		id TEXT NOT NULL PRIMARY KEY,
		identity_id TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		followers_json TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempted_at INTEGER,
		next_attempt_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`

	sqlCreateBlockedDomainsTable = `CREATE TABLE IF NOT EXISTS blocked_domains (
		host TEXT NOT NULL PRIMARY KEY,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`

	sqlCreateRequestMetricsTable = `CREATE TABLE IF NOT EXISTS request_metrics (
		id TEXT NOT NULL PRIMARY KEY,
		remote_host TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		success INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		created_at INTEGER NOT NULL
	)`

	sqlCreateInboxItemsTable = `CREATE TABLE IF NOT EXISTS inbox_items (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		identity_id TEXT NOT NULL,
		sender_actor_url TEXT NOT NULL,
		activity_uri TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		object_type TEXT,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		recognized INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		UNIQUE(identity_id, activity_uri)
	)`
)

var sqlCreateIndices = []string{
	`CREATE INDEX IF NOT EXISTS idx_inbound_follows_identity ON inbound_follows(identity_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_outgoing_follows_uri ON outgoing_follows(follow_uri)`,
	`CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type)`,
	`CREATE INDEX IF NOT EXISTS idx_activities_unrouted ON activities(local, processed, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_queue_due ON delivery_queue(status, partition_key, next_attempt_at)`,
	`CREATE INDEX IF NOT EXISTS idx_follower_batches_due ON follower_batches(status, partition_key, next_attempt_at)`,
	`CREATE INDEX IF NOT EXISTS idx_request_metrics_created_at ON request_metrics(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_inbox_items_identity ON inbox_items(identity_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_remote_actors_domain ON remote_actors(domain)`,
}

// RunMigrations executes all database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	tables := []struct {
		name string
		sql  string
	}{
		{"identities", sqlCreateIdentitiesTable},
		{"remote_actors", sqlCreateRemoteActorsTable},
		{"inbound_follows", sqlCreateInboundFollowsTable},
		{"outgoing_follows", sqlCreateOutgoingFollowsTable},
		{"activities", sqlCreateActivitiesTable},
		{"delivery_queue", sqlCreateDeliveryQueueTable},
		{"follower_batches", sqlCreateFollowerBatchesTable},
		{"blocked_domains", sqlCreateBlockedDomainsTable},
		{"request_metrics", sqlCreateRequestMetricsTable},
		{"inbox_items", sqlCreateInboxItemsTable},
	}

	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, table.sql); err != nil {
				return fmt.Errorf("creating table %s: %w", table.name, err)
			}
			db.logger.Debug("table ready", zap.String("table", table.name))
		}
		for _, stmt := range sqlCreateIndices {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("creating index: %w", err)
			}
		}
		return nil
	})
}

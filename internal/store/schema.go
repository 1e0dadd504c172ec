package store

// schemaStatements are applied in order inside one migration transaction.
// Each statement is idempotent (IF NOT EXISTS) so re-running the migrator
// against an already-migrated database is a no-op, matching the teacher's
// migration-table bookkeeping pattern (see migrator.go).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS relaybroker_migrations (
		version    integer PRIMARY KEY,
		applied_at timestamptz NOT NULL DEFAULT now()
	)`,
	`DO $$ BEGIN
		CREATE TYPE message_status AS ENUM ('waiting', 'processing', 'completed', 'failed');
	EXCEPTION WHEN duplicate_object THEN NULL;
	END $$`,
	`CREATE TABLE IF NOT EXISTS topics (
		id            uuid PRIMARY KEY,
		name          text UNIQUE NOT NULL,
		max_retention integer,
		created_at    timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id          uuid PRIMARY KEY,
		topic_id    uuid NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
		payload     jsonb NOT NULL,
		created_at  timestamptz NOT NULL DEFAULT now(),
		deliver_at  timestamptz,
		priority    integer
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_topic_id ON messages (topic_id, id)`,
	`CREATE TABLE IF NOT EXISTS scheduled_messages (
		topic_id           uuid NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
		name               text NOT NULL,
		payload            jsonb NOT NULL,
		cron               text NOT NULL,
		next_occurrence_at timestamptz NOT NULL,
		deliver_in_ms      bigint,
		deliver_at         timestamptz,
		priority           integer,
		repeats            integer,
		repeats_made       integer NOT NULL DEFAULT 0,
		PRIMARY KEY (topic_id, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_messages_due ON scheduled_messages (next_occurrence_at)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id               uuid PRIMARY KEY,
		topic_id         uuid NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
		name             text NOT NULL,
		consumption_mode text NOT NULL,
		start_position   text NOT NULL,
		max_attempts     integer NOT NULL,
		retry_strategy   text NOT NULL,
		retry_delay_ms   bigint NOT NULL,
		processing       boolean NOT NULL DEFAULT false,
		created_at       timestamptz NOT NULL DEFAULT now(),
		UNIQUE (topic_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS subscription_messages (
		subscription_id   uuid NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
		message_id        uuid NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		status            message_status NOT NULL DEFAULT 'waiting',
		attempts          integer NOT NULL DEFAULT 0,
		available_at      timestamptz,
		error_stack       text,
		last_heartbeat_at timestamptz,
		progress          jsonb,
		stale_count       integer NOT NULL DEFAULT 0,
		PRIMARY KEY (subscription_id, message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_submsg_reservation ON subscription_messages (subscription_id, status, available_at)`,
}

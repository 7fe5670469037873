package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema used when none is configured.
const DefaultSchema = "parley"

// EnsureSchema creates the tables used by PostgresStore and PostgresDirectory
// when they are missing. It is safe to run on every start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("chat: nil pool")
	}
	if schema == "" {
		schema = DefaultSchema
	}
	if !isValidPGIdent(schema) {
		return errors.New("chat: invalid schema identifier")
	}

	messages := pgIdent(schema, "messages")
	users := pgIdent(schema, "users")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schemaIdent(schema),
		`CREATE TABLE IF NOT EXISTS ` + users + ` (
		    id           text PRIMARY KEY,
		    display_name text NOT NULL DEFAULT '',
		    avatar_url   text NOT NULL DEFAULT '',
		    created_at   timestamptz NOT NULL DEFAULT now()
		 )`,
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
		    id          text PRIMARY KEY,
		    sender_id   text NOT NULL,
		    receiver_id text NOT NULL,
		    text        text NOT NULL DEFAULT '',
		    image_url   text NOT NULL DEFAULT '',
		    video_url   text NOT NULL DEFAULT '',
		    reactions   jsonb NOT NULL DEFAULT '{}'::jsonb,
		    edited      boolean NOT NULL DEFAULT false,
		    edited_at   timestamptz,
		    deleted     boolean NOT NULL DEFAULT false,
		    deleted_at  timestamptz,
		    reply_to_id text NOT NULL DEFAULT '',
		    seen_by     text[] NOT NULL DEFAULT '{}',
		    seen_at     timestamptz,
		    hidden_for  text[] NOT NULL DEFAULT '{}',
		    created_at  timestamptz NOT NULL,
		    updated_at  timestamptz NOT NULL,
		    CHECK (sender_id <> receiver_id),
		    CHECK (NOT (deleted AND edited))
		 )`,
		`CREATE INDEX IF NOT EXISTS messages_pair_created_idx
		    ON ` + messages + ` (sender_id, receiver_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS messages_receiver_idx
		    ON ` + messages + ` (receiver_id, sender_id)`,
	}

	for _, q := range stmts {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func schemaIdent(schema string) string {
	return pgx.Identifier{schema}.Sanitize()
}

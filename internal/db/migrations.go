package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema таблицы, которыми владеет чат, плюс service_requests,
// которую сервис заявок разделяет с чатом в общей базе маркетплейса
var schema = []string{
	`CREATE TABLE IF NOT EXISTS service_requests (
        id               TEXT PRIMARY KEY,
        client_user_id   TEXT NOT NULL,
        provider_user_id TEXT NOT NULL,
        status           TEXT NOT NULL DEFAULT 'PENDING',
        created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE TABLE IF NOT EXISTS messages (
        id            BIGSERIAL PRIMARY KEY,
        request_id    TEXT NOT NULL,
        sender_id     TEXT NOT NULL,
        receiver_id   TEXT NOT NULL,
        type          TEXT NOT NULL,
        content       TEXT NOT NULL DEFAULT '',
        viewed        BOOLEAN NOT NULL DEFAULT false,
        client_msg_id TEXT,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE INDEX IF NOT EXISTS idx_messages_request_created ON messages (request_id, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_request_id ON messages (request_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages (request_id, receiver_id) WHERE viewed = false`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_client_msg
        ON messages (request_id, sender_id, client_msg_id) WHERE client_msg_id IS NOT NULL`,
}

// Migrate применяет схему; повторный запуск безопасен
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, stmt := range schema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return tx.Commit(ctx)
}

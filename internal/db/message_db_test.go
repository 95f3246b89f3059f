package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/flippy-chat/internal/config"
	"github.com/rajivgeraev/flippy-chat/internal/logger"
)

// testPool подключается к TEST_DATABASE_URL; без нее тесты PostgreSQL пропускаются
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, &config.Config{
		DatabaseURL:    url,
		DatabaseConfig: config.DatabaseConfig{MaxConns: 4},
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func testRequestID(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	id := "test-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM messages WHERE request_id = $1`, id)
	})
	return id
}

func TestMessageRepository_PagingFollowsIDs(t *testing.T) {
	pool := testPool(t)
	repo := NewMessageRepository(pool)
	ctx := context.Background()
	requestID := testRequestID(t, pool)

	var ids []int64
	for _, content := range []string{"one", "two", "three"} {
		msg := newMsg(requestID, "u1", content)
		require.NoError(t, repo.SaveMessage(ctx, msg))
		ids = append(ids, msg.ID)
	}

	// created_at последнего сообщения раньше остальных
	_, err := pool.Exec(ctx, `UPDATE messages SET created_at = $1 WHERE id = $2`, time.Now().Add(-time.Hour), ids[2])
	require.NoError(t, err)

	var seen []int64
	var after int64
	for {
		page, err := repo.ListMessages(ctx, requestID, after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			seen = append(seen, m.ID)
		}
		after = page[len(page)-1].ID
	}
	assert.Equal(t, ids, seen)
}

func TestMessageRepository_LockRequest(t *testing.T) {
	pool := testPool(t)
	repo := NewMessageRepository(pool)
	other := NewMessageRepository(pool)
	ctx := context.Background()
	requestID := testRequestID(t, pool)

	lockedCtx, unlock, err := repo.LockRequest(ctx, requestID)
	require.NoError(t, err)

	// Запись идет через соединение блокировки
	require.NoError(t, repo.SaveMessage(lockedCtx, newMsg(requestID, "u1", "under lock")))

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, _, err = other.LockRequest(waitCtx, requestID)
	assert.Error(t, err, "second holder must wait for the first")

	unlock()

	_, unlock2, err := other.LockRequest(ctx, requestID)
	require.NoError(t, err)
	unlock2()

	msgs, err := other.ListMessages(ctx, requestID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

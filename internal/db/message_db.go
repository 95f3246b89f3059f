package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rajivgeraev/flippy-chat/internal/models"
)

const messageColumns = `id, request_id, sender_id, receiver_id, type, content, viewed, COALESCE(client_msg_id, ''), created_at`

// MessageRepository хранит сообщения чата в PostgreSQL
type MessageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository создает репозиторий сообщений
func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// SaveMessage сохраняет сообщение и заполняет ID и CreatedAt.
// Если сообщение с тем же client_msg_id уже есть, msg заполняется сохранённой копией
// и возвращается ErrDuplicateMessage.
func (r *MessageRepository) SaveMessage(ctx context.Context, msg *models.Message) error {
	err := conn(ctx, r.pool).QueryRow(ctx, `
        INSERT INTO messages (request_id, sender_id, receiver_id, type, content, viewed, client_msg_id)
        VALUES ($1, $2, $3, $4, $5, false, NULLIF($6, ''))
        ON CONFLICT (request_id, sender_id, client_msg_id) WHERE client_msg_id IS NOT NULL DO NOTHING
        RETURNING id, created_at
    `, msg.RequestID, msg.SenderID, msg.ReceiverID, string(msg.Type), msg.Content, msg.ClientMsgID,
	).Scan(&msg.ID, &msg.CreatedAt)

	if err == nil {
		msg.Viewed = false
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("insert message: %w", err)
	}

	// Конфликт по client_msg_id: возвращаем уже сохраненное сообщение
	row := conn(ctx, r.pool).QueryRow(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE request_id = $1 AND sender_id = $2 AND client_msg_id = $3
    `, msg.RequestID, msg.SenderID, msg.ClientMsgID)
	existing, err := scanMessage(row)
	if err != nil {
		return fmt.Errorf("load duplicate message: %w", err)
	}
	*msg = *existing
	return ErrDuplicateMessage
}

// ListMessages возвращает сообщения заявки с id > afterID в порядке сохранения
func (r *MessageRepository) ListMessages(ctx context.Context, requestID string, afterID int64, limit int) ([]models.Message, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE request_id = $1 AND id > $2
        ORDER BY id ASC
        LIMIT $3
    `, requestID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return collectMessages(rows)
}

// ListMessagesByType возвращает сообщения заявки указанных типов в порядке сохранения
func (r *MessageRepository) ListMessagesByType(ctx context.Context, requestID string, types []models.MessageType) ([]models.Message, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	rows, err := conn(ctx, r.pool).Query(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE request_id = $1 AND type = ANY($2)
        ORDER BY id ASC
    `, requestID, names)
	if err != nil {
		return nil, fmt.Errorf("query messages by type: %w", err)
	}
	return collectMessages(rows)
}

// GetMessage возвращает сообщение по ID
func (r *MessageRepository) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// MarkViewed помечает сообщение просмотренным. Возвращает true, если флаг изменился.
// Обратного перехода нет: запрос трогает только строки с viewed = false.
func (r *MessageRepository) MarkViewed(ctx context.Context, id int64) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `UPDATE messages SET viewed = true WHERE id = $1 AND viewed = false`, id)
	if err != nil {
		return false, fmt.Errorf("mark viewed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountUnread считает непрочитанные сообщения получателя в чате заявки
func (r *MessageRepository) CountUnread(ctx context.Context, requestID, receiverID string) (int, error) {
	var count int
	err := conn(ctx, r.pool).QueryRow(ctx, `
        SELECT COUNT(*) FROM messages
        WHERE request_id = $1 AND receiver_id = $2 AND viewed = false
    `, requestID, receiverID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	var msgType string
	if err := row.Scan(
		&msg.ID,
		&msg.RequestID,
		&msg.SenderID,
		&msg.ReceiverID,
		&msgType,
		&msg.Content,
		&msg.Viewed,
		&msg.ClientMsgID,
		&msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	msg.Type = models.MessageType(msgType)
	return &msg, nil
}

func collectMessages(rows pgx.Rows) ([]models.Message, error) {
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rajivgeraev/flippy-chat/internal/models"
)

// RequestRepository читает и обновляет заявки в общей базе маркетплейса
type RequestRepository struct {
	pool *pgxpool.Pool
}

// NewRequestRepository создает репозиторий заявок
func NewRequestRepository(pool *pgxpool.Pool) *RequestRepository {
	return &RequestRepository{pool: pool}
}

// GetRequest возвращает участников и статус заявки
func (r *RequestRepository) GetRequest(ctx context.Context, requestID string) (*models.Request, error) {
	var req models.Request
	var status string
	err := conn(ctx, r.pool).QueryRow(ctx, `
        SELECT id, client_user_id, provider_user_id, status
        FROM service_requests
        WHERE id = $1
    `, requestID).Scan(&req.ID, &req.ClientUserID, &req.ProviderUserID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	req.Status = models.RequestStatus(status)
	return &req, nil
}

// SetRequestStatus обновляет статус заявки
func (r *RequestRepository) SetRequestStatus(ctx context.Context, requestID string, status models.RequestStatus) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
        UPDATE service_requests
        SET status = $1, updated_at = now()
        WHERE id = $2
    `, string(status), requestID)
	if err != nil {
		return fmt.Errorf("set request status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRequest регистрирует заявку; используется командой seed и в разработке
func (r *RequestRepository) CreateRequest(ctx context.Context, req *models.Request) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
        INSERT INTO service_requests (id, client_user_id, provider_user_id, status)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO NOTHING
    `, req.ID, req.ClientUserID, req.ProviderUserID, string(req.Status))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

package db

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rajivgeraev/flippy-chat/internal/models"
)

// MemoryMessageStore хранилище сообщений в памяти для режима разработки и тестов
type MemoryMessageStore struct {
	mu        sync.Mutex
	nextID    int64
	byRequest map[string][]*models.Message
	byID      map[int64]*models.Message
	now       func() time.Time
	locks     *requestLocks
}

// NewMemoryMessageStore создает пустое хранилище
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		byRequest: make(map[string][]*models.Message),
		byID:      make(map[int64]*models.Message),
		now:       time.Now,
		locks:     newRequestLocks(),
	}
}

// LockRequest блокирует заявку для всех пользователей этого хранилища
func (s *MemoryMessageStore) LockRequest(ctx context.Context, requestID string) (context.Context, func(), error) {
	unlock, err := s.locks.lock(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	return context.WithoutCancel(ctx), unlock, nil
}

func (s *MemoryMessageStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ClientMsgID != "" {
		for _, m := range s.byRequest[msg.RequestID] {
			if m.SenderID == msg.SenderID && m.ClientMsgID == msg.ClientMsgID {
				*msg = *m
				return ErrDuplicateMessage
			}
		}
	}

	s.nextID++
	stored := *msg
	stored.ID = s.nextID
	stored.Viewed = false
	stored.CreatedAt = s.now().UTC()

	s.byRequest[msg.RequestID] = append(s.byRequest[msg.RequestID], &stored)
	s.byID[stored.ID] = &stored
	*msg = stored
	return nil
}

func (s *MemoryMessageStore) ListMessages(ctx context.Context, requestID string, afterID int64, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Message
	for _, m := range s.byRequest[requestID] {
		if m.ID <= afterID {
			continue
		}
		out = append(out, *m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryMessageStore) ListMessagesByType(ctx context.Context, requestID string, types []models.MessageType) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Message
	for _, m := range s.byRequest[requestID] {
		if slices.Contains(types, m.Type) {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *MemoryMessageStore) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryMessageStore) MarkViewed(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.Viewed {
		return false, nil
	}
	m.Viewed = true
	return true, nil
}

func (s *MemoryMessageStore) CountUnread(ctx context.Context, requestID, receiverID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, m := range s.byRequest[requestID] {
		if m.ReceiverID == receiverID && !m.Viewed {
			count++
		}
	}
	return count, nil
}

// MemoryRequestStore заявки в памяти
type MemoryRequestStore struct {
	mu       sync.Mutex
	requests map[string]models.Request
}

// NewMemoryRequestStore создает хранилище с начальным набором заявок
func NewMemoryRequestStore(requests ...models.Request) *MemoryRequestStore {
	s := &MemoryRequestStore{requests: make(map[string]models.Request)}
	for _, r := range requests {
		s.requests[r.ID] = r
	}
	return s
}

func (s *MemoryRequestStore) GetRequest(ctx context.Context, requestID string) (*models.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryRequestStore) SetRequestStatus(ctx context.Context, requestID string, status models.RequestStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	s.requests[requestID] = r
	return nil
}

func (s *MemoryRequestStore) CreateRequest(ctx context.Context, req *models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.ID]; !ok {
		s.requests[req.ID] = *req
	}
	return nil
}

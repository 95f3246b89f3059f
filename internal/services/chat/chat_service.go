package chat

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/rajivgeraev/flippy-chat/internal/apperr"
	"github.com/rajivgeraev/flippy-chat/internal/db"
	"github.com/rajivgeraev/flippy-chat/internal/logger"
	"github.com/rajivgeraev/flippy-chat/internal/metrics"
	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/websocket"
)

// MessageStore хранилище сообщений чата
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, requestID string, afterID int64, limit int) ([]models.Message, error)
	ListMessagesByType(ctx context.Context, requestID string, types []models.MessageType) ([]models.Message, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	MarkViewed(ctx context.Context, id int64) (bool, error)
	CountUnread(ctx context.Context, requestID, receiverID string) (int, error)
	// LockRequest сериализует отправку в заявку между всеми инстансами на общем хранилище.
	// Операции внутри блокировки выполняются с возвращенным контекстом.
	LockRequest(ctx context.Context, requestID string) (context.Context, func(), error)
}

// RequestService внешний сервис заявок
type RequestService interface {
	GetRequest(ctx context.Context, requestID string) (*models.Request, error)
	SetRequestStatus(ctx context.Context, requestID string, status models.RequestStatus) error
}

// Options параметры чата
type Options struct {
	PersistTimeout   time.Duration
	PreviewLength    int
	MaxMessageLength int
	MediaHosts       []string
	HistoryPageSize  int
}

func (o Options) withDefaults() Options {
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.PreviewLength <= 0 {
		o.PreviewLength = 80
	}
	if o.HistoryPageSize <= 0 {
		o.HistoryPageSize = 100
	}
	return o
}

// Caller пользователь, выполняющий операцию. Session пуст для вызовов через REST.
type Caller struct {
	UserID  string
	Session *websocket.Client
}

// ChatService реализует конвейер сообщений, трекер просмотров, протокол предложений
// и уведомления поверх websocket.Manager
type ChatService struct {
	messages   MessageStore
	requests   RequestService
	hub        *websocket.Manager
	reconciler *Reconciler
	rooms      *keyedMutex
	log        *logger.Logger
	metrics    *metrics.Metrics
	opts       Options
}

// NewChatService создает новый экземпляр ChatService и регистрирует его как обработчик событий hub
func NewChatService(messages MessageStore, requests RequestService, hub *websocket.Manager, log *logger.Logger, m *metrics.Metrics, opts Options) *ChatService {
	opts = opts.withDefaults()
	s := &ChatService{
		messages:   messages,
		requests:   requests,
		hub:        hub,
		reconciler: NewReconciler(requests, log, m, opts.PersistTimeout),
		rooms:      newKeyedMutex(),
		log:        log.With("component", "ChatService"),
		metrics:    m,
		opts:       opts,
	}
	hub.SetDispatcher(s)
	return s
}

// Reconciler очередь несостоявшихся обновлений статуса заявок
func (s *ChatService) Reconciler() *Reconciler {
	return s.reconciler
}

// call выполняет обращение к хранилищу с ограничением по времени
func call[T any](s *ChatService, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PersistTimeout)
	defer cancel()
	started := time.Now()
	v, err := fn(ctx)
	s.metrics.ObserveStore(op, started)
	return v, err
}

// storeError приводит ошибку хранилища к классу persistence
func storeError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Timeout(op + " timed out")
	}
	return apperr.Persistence(op+" failed", err)
}

func (s *ChatService) getRequest(ctx context.Context, requestID string) (*models.Request, error) {
	req, err := call(s, ctx, "get_request", func(ctx context.Context) (*models.Request, error) {
		return s.requests.GetRequest(ctx, requestID)
	})
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.Forbidden("access to request denied")
	}
	if err != nil {
		return nil, storeError("load request", err)
	}
	return req, nil
}

// authorize проверяет, что пользователь участник заявки
func (s *ChatService) authorize(ctx context.Context, requestID, userID string) (*models.Request, error) {
	if userID == "" {
		return nil, apperr.Auth("unauthenticated")
	}
	if requestID == "" {
		return nil, apperr.Validation("request_id is required")
	}
	req, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.IsParticipant(userID) {
		return nil, apperr.Forbidden("access to request denied")
	}
	return req, nil
}

// CanAccess проверяет, что пользователь участник заявки
func (s *ChatService) CanAccess(ctx context.Context, userID, requestID string) error {
	_, err := s.authorize(ctx, requestID, userID)
	return err
}

// Join добавляет сессию в комнату заявки и отправляет ей историю. Повторный join
// не дублирует членство, но историю отправляет снова.
func (s *ChatService) Join(ctx context.Context, caller Caller, requestID string) error {
	if caller.Session == nil {
		return apperr.Validation("join requires a realtime session")
	}
	req, err := s.authorize(ctx, requestID, caller.UserID)
	if err != nil {
		return err
	}

	// Сначала членство, потом история: сообщение, сохраненное между шагами,
	// придет и в истории, и как new-message; клиент склеивает по id.
	joined := s.hub.Join(caller.Session, requestID)

	history, err := s.collectHistory(ctx, requestID)
	if err != nil {
		if joined {
			s.hub.Leave(caller.Session, requestID)
		}
		return err
	}

	s.hub.SendToClient(caller.Session, websocket.NewEvent(websocket.EventLoadHistory, requestID,
		websocket.LoadHistoryPayload{RequestID: requestID, Messages: history}))

	counterpart := req.Counterpart(caller.UserID)
	s.hub.SendToClient(caller.Session, websocket.NewEvent(websocket.EventPresence, requestID, s.hub.Presence(counterpart)))
	if joined {
		s.hub.SendToRoomExcept(requestID, caller.UserID,
			websocket.NewEvent(websocket.EventPresence, requestID, s.hub.Presence(caller.UserID)))
	}

	s.log.Debug("session joined room", "user_id", caller.UserID, "request_id", requestID,
		"session_id", caller.Session.ID, "history", len(history), "new_member", joined)
	return nil
}

// Leave убирает сессию из комнаты; для сессии вне комнаты ничего не делает
func (s *ChatService) Leave(caller Caller, requestID string) {
	if caller.Session == nil {
		return
	}
	s.hub.Leave(caller.Session, requestID)
}

// ensureMember неявно добавляет сессию отправителя в комнату
func (s *ChatService) ensureMember(caller Caller, requestID string) {
	if caller.Session == nil {
		return
	}
	if s.hub.Join(caller.Session, requestID) {
		s.log.Debug("implicit join on send", "user_id", caller.UserID, "request_id", requestID)
	}
}

// LoadHistory лениво перебирает все сообщения заявки в порядке сохранения.
// Каждый перебор заново читает хранилище страницами.
func (s *ChatService) LoadHistory(ctx context.Context, requestID string) iter.Seq2[models.Message, error] {
	return func(yield func(models.Message, error) bool) {
		var after int64
		for {
			page, err := call(s, ctx, "list_messages", func(ctx context.Context) ([]models.Message, error) {
				return s.messages.ListMessages(ctx, requestID, after, s.opts.HistoryPageSize)
			})
			if err != nil {
				yield(models.Message{}, storeError("load history", err))
				return
			}
			for _, m := range page {
				if !yield(m, nil) {
					return
				}
				after = m.ID
			}
			if len(page) < s.opts.HistoryPageSize {
				return
			}
		}
	}
}

func (s *ChatService) collectHistory(ctx context.Context, requestID string) ([]models.Message, error) {
	history := []models.Message{}
	for m, err := range s.LoadHistory(ctx, requestID) {
		if err != nil {
			return nil, err
		}
		history = append(history, m)
	}
	return history, nil
}

// History страница истории для REST: сообщения с id больше after
func (s *ChatService) History(ctx context.Context, userID, requestID string, after int64, limit int) ([]models.Message, error) {
	if _, err := s.authorize(ctx, requestID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.opts.HistoryPageSize {
		limit = s.opts.HistoryPageSize
	}
	page, err := call(s, ctx, "list_messages", func(ctx context.Context) ([]models.Message, error) {
		return s.messages.ListMessages(ctx, requestID, after, limit)
	})
	if err != nil {
		return nil, storeError("load history", err)
	}
	if page == nil {
		page = []models.Message{}
	}
	return page, nil
}

// UnreadCount количество непросмотренных сообщений пользователя в заявке
func (s *ChatService) UnreadCount(ctx context.Context, userID, requestID string) (int, error) {
	if _, err := s.authorize(ctx, requestID, userID); err != nil {
		return 0, err
	}
	n, err := s.countUnread(ctx, requestID, userID)
	if err != nil {
		return 0, storeError("count unread", err)
	}
	return n, nil
}

func (s *ChatService) countUnread(ctx context.Context, requestID, userID string) (int, error) {
	return call(s, ctx, "count_unread", func(ctx context.Context) (int, error) {
		return s.messages.CountUnread(ctx, requestID, userID)
	})
}

// Presence состояние подключения пользователя
func (s *ChatService) Presence(userID string) models.Presence {
	return s.hub.Presence(userID)
}

// Typing рассылает индикатор набора второму участнику комнаты
func (s *ChatService) Typing(caller Caller, requestID string, typing bool) error {
	if caller.Session == nil || !s.hub.IsMember(caller.Session.ID, requestID) {
		return apperr.Forbidden("join the room first")
	}
	s.hub.SendToRoomExcept(requestID, caller.UserID, websocket.NewEvent(websocket.EventTyping, requestID,
		websocket.TypingPayload{RequestID: requestID, UserID: caller.UserID, Typing: typing}))
	return nil
}

// Focus отмечает, что сессия смотрит (или перестала смотреть) чат заявки
func (s *ChatService) Focus(caller Caller, requestID string, focused bool) error {
	if caller.Session == nil || !s.hub.SetFocus(caller.Session, requestID, focused) {
		return apperr.Forbidden("join the room first")
	}
	return nil
}

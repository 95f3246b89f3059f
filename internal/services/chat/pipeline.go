package chat

import (
	"context"
	"errors"
	"time"

	"github.com/rajivgeraev/flippy-chat/internal/apperr"
	"github.com/rajivgeraev/flippy-chat/internal/db"
	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/websocket"
)

const maxClientMsgIDLength = 64

// SendInput команда отправки сообщения
type SendInput struct {
	RequestID   string
	ReceiverID  string // пусто: второй участник заявки
	Type        models.MessageType
	Content     string
	ClientMsgID string
	ProposalID  int64 // для резолюций предложения; 0 означает текущее ожидающее
}

// SendResult сохраненное сообщение. Duplicate означает повтор уже сохраненного client_msg_id.
type SendResult struct {
	Message   models.Message
	Duplicate bool
}

// prepared результат проверки состояния комнаты под блокировкой
type prepared struct {
	status   models.RequestStatus // статус заявки, который нужно выставить после сохранения
	existing *models.Message      // уже сохраненная копия повторной отправки
}

type prepareFunc func(ctx context.Context, msg *models.Message) (prepared, error)

// Send проверяет, сохраняет и рассылает сообщение участникам комнаты
func (s *ChatService) Send(ctx context.Context, caller Caller, in SendInput) (*SendResult, error) {
	if _, err := models.ParseMessageType(string(in.Type)); err != nil {
		return nil, apperr.Validationf("unsupported message type %q", in.Type)
	}
	if len(in.ClientMsgID) > maxClientMsgIDLength {
		return nil, apperr.Validationf("client_msg_id exceeds %d bytes", maxClientMsgIDLength)
	}

	req, err := s.authorize(ctx, in.RequestID, caller.UserID)
	if err != nil {
		return nil, err
	}
	receiver, err := receiverFor(req, caller.UserID, in.ReceiverID)
	if err != nil {
		return nil, err
	}
	s.ensureMember(caller, in.RequestID)

	msg := models.Message{
		RequestID:   req.ID,
		SenderID:    caller.UserID,
		ReceiverID:  receiver,
		Type:        in.Type,
		ClientMsgID: in.ClientMsgID,
	}

	if in.Type.IsProposal() {
		prepare, err := s.proposalStep(req, caller.UserID, in)
		if err != nil {
			return nil, err
		}
		return s.publish(ctx, msg, prepare)
	}

	msg.Content, err = s.validateContent(in.Type, in.Content)
	if err != nil {
		return nil, err
	}
	return s.publish(ctx, msg, nil)
}

// publish сохраняет и рассылает сообщение под блокировкой комнаты, так что порядок
// доставки совпадает с порядком сохранения. Локальная блокировка держит очередь внутри
// процесса, блокировка хранилища распространяет ее на другие инстансы.
func (s *ChatService) publish(ctx context.Context, msg models.Message, prepare prepareFunc) (*SendResult, error) {
	result, err := s.locked(ctx, msg.RequestID, func(ctx context.Context) (*SendResult, error) {
		return s.persistAndFanOut(ctx, &msg, prepare)
	})
	if err != nil {
		return nil, err
	}

	if !result.Duplicate {
		s.notify(ctx, result.Message)
	}
	return result, nil
}

// locked выполняет fn под локальной блокировкой комнаты и блокировкой заявки в хранилище
func (s *ChatService) locked(ctx context.Context, requestID string, fn func(ctx context.Context) (*SendResult, error)) (*SendResult, error) {
	unlock := s.rooms.Lock(requestID)
	defer unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, s.opts.PersistTimeout)
	started := time.Now()
	lockedCtx, unlockStore, err := s.messages.LockRequest(acquireCtx, requestID)
	s.metrics.ObserveStore("lock_request", started)
	cancel()
	if err != nil {
		s.log.Error("failed to lock request", "request_id", requestID, "error", err)
		return nil, storeError("lock request", err)
	}
	defer unlockStore()

	return fn(lockedCtx)
}

func (s *ChatService) persistAndFanOut(ctx context.Context, msg *models.Message, prepare prepareFunc) (*SendResult, error) {
	var step prepared
	if prepare != nil {
		var err error
		if step, err = prepare(ctx, msg); err != nil {
			return nil, err
		}
		if step.existing != nil {
			return &SendResult{Message: *step.existing, Duplicate: true}, nil
		}
	}

	_, err := call(s, ctx, "save_message", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.messages.SaveMessage(ctx, msg)
	})
	if errors.Is(err, db.ErrDuplicateMessage) {
		s.log.Debug("duplicate client message id", "request_id", msg.RequestID,
			"sender_id", msg.SenderID, "client_msg_id", msg.ClientMsgID, "message_id", msg.ID)
		return &SendResult{Message: *msg, Duplicate: true}, nil
	}
	if err != nil {
		s.log.Error("failed to persist message", "request_id", msg.RequestID, "type", msg.Type, "error", err)
		return nil, storeError("save message", err)
	}
	if s.metrics != nil {
		s.metrics.MessagesPersisted.WithLabelValues(string(msg.Type)).Inc()
	}

	s.hub.SendToRoom(msg.RequestID, websocket.NewEvent(websocket.EventNewMessage, msg.RequestID, msg))

	// Смена статуса заявки после сохранения; при сбое сообщение остается записью намерения
	if step.status != "" {
		if err := s.reconciler.Apply(ctx, msg.RequestID, step.status); err != nil {
			s.log.Warn("request status not updated yet", "request_id", msg.RequestID,
				"status", step.status, "message_id", msg.ID, "error", err)
		}
	}

	return &SendResult{Message: *msg}, nil
}

// receiverFor возвращает получателя: им может быть только второй участник заявки
func receiverFor(req *models.Request, sender, requested string) (string, error) {
	counterpart := req.Counterpart(sender)
	if requested != "" && requested != counterpart {
		return "", apperr.Validation("receiver must be the other participant of the request")
	}
	return counterpart, nil
}

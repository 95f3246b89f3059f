package chat

import (
	"context"
	"errors"

	"github.com/rajivgeraev/flippy-chat/internal/apperr"
	"github.com/rajivgeraev/flippy-chat/internal/db"
	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/websocket"
)

// MarkViewed отмечает сообщение просмотренным и сообщает об этом отправителю.
// Чужое, уже просмотренное или несуществующее сообщение молча пропускается;
// false означает, что состояние не изменилось.
func (s *ChatService) MarkViewed(ctx context.Context, caller Caller, messageID int64) (bool, error) {
	if caller.UserID == "" {
		return false, apperr.Auth("unauthenticated")
	}
	if messageID <= 0 {
		return false, apperr.Validation("message_id is required")
	}

	msg, err := call(s, ctx, "get_message", func(ctx context.Context) (*models.Message, error) {
		return s.messages.GetMessage(ctx, messageID)
	})
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeError("load message", err)
	}

	// Сессия должна быть в комнате сообщения; REST-вызов проверяется по участникам
	if caller.Session != nil && !s.hub.IsMember(caller.Session.ID, msg.RequestID) {
		return false, nil
	}
	// Просмотренным сообщение может отметить только получатель
	if msg.ReceiverID != caller.UserID || msg.Viewed {
		return false, nil
	}

	changed, err := call(s, ctx, "mark_viewed", func(ctx context.Context) (bool, error) {
		return s.messages.MarkViewed(ctx, messageID)
	})
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeError("mark viewed", err)
	}
	if !changed {
		return false, nil
	}

	s.hub.SendToUser(msg.SenderID, websocket.NewEvent(websocket.EventMessageViewed, msg.RequestID,
		websocket.MessageViewedPayload{MessageID: msg.ID, RequestID: msg.RequestID}))

	if count, err := s.countUnread(ctx, msg.RequestID, caller.UserID); err == nil {
		s.hub.BroadcastUnreadCount(caller.UserID, msg.RequestID, count)
	} else {
		s.log.Warn("failed to count unread", "request_id", msg.RequestID, "user_id", caller.UserID, "error", err)
	}
	return true, nil
}

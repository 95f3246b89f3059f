package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/websocket"
)

// notify отправляет получателю уведомление и счетчик непрочитанных, если ни одна
// его сессия не смотрит чат заявки. Офлайн-получатель восстановит состояние из истории.
func (s *ChatService) notify(ctx context.Context, msg models.Message) {
	if msg.ReceiverID == "" || s.hub.UserFocused(msg.ReceiverID, msg.RequestID) {
		return
	}

	s.hub.SendToUser(msg.ReceiverID, websocket.NewEvent(websocket.EventNotification, msg.RequestID, websocket.NotificationPayload{
		MessageID: msg.ID,
		RequestID: msg.RequestID,
		SenderID:  msg.SenderID,
		Type:      msg.Type,
		Preview:   preview(msg, s.opts.PreviewLength),
	}))

	count, err := s.countUnread(ctx, msg.RequestID, msg.ReceiverID)
	if err != nil {
		s.log.Warn("failed to count unread", "request_id", msg.RequestID, "user_id", msg.ReceiverID, "error", err)
		return
	}
	s.hub.BroadcastUnreadCount(msg.ReceiverID, msg.RequestID, count)
}

// preview короткий текст уведомления
func preview(msg models.Message, limit int) string {
	switch msg.Type {
	case models.MessageText:
		return truncate(strings.Join(strings.Fields(msg.Content), " "), limit)
	case models.MessageImage:
		return "📷 Image"
	case models.MessageVideo:
		return "🎬 Video"
	case models.MessageProposal:
		if p, err := models.DecodeProposal(msg.Content); err == nil {
			return truncate(fmt.Sprintf("💰 Proposal: %.2f", p.Budget), limit)
		}
		return "💰 Proposal"
	case models.MessageProposalAccepted:
		return "✅ Proposal accepted"
	case models.MessageProposalRejected:
		return "❌ Proposal rejected"
	case models.MessageProposalCancelled:
		return "Proposal cancelled"
	}
	return ""
}

// truncate обрезает строку до limit символов, добавляя многоточие
func truncate(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	if limit == 1 {
		return "…"
	}
	return string(runes[:limit-1]) + "…"
}

package websocket

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/rajivgeraev/flippy-chat/internal/models"
)

// EventType определяет тип события WebSocket
type EventType string

// События клиент → сервер
const (
	EventJoinRoom    EventType = "join-room"
	EventLeaveRoom   EventType = "leave-room"
	EventSendMessage EventType = "send-message"
	EventMarkViewed  EventType = "mark-viewed"
	EventTyping      EventType = "typing"
	EventStopTyping  EventType = "stop-typing"
	EventFocusRoom   EventType = "focus-room"
	EventBlurRoom    EventType = "blur-room"
)

// События сервер → клиент
const (
	EventConnected     EventType = "connected"
	EventLoadHistory   EventType = "load-history"
	EventNewMessage    EventType = "new-message"
	EventMessageSent   EventType = "message-sent"
	EventMessageViewed EventType = "message-viewed"
	EventNotification  EventType = "notification"
	EventUnreadCount   EventType = "unread-count"
	EventPresence      EventType = "presence"
	EventError         EventType = "error"
)

// Event представляет структуру сообщения для WebSocket
type Event struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent собирает событие с сериализованным payload
func NewEvent(t EventType, requestID string, payload any) Event {
	ev := Event{Type: t, RequestID: requestID, Timestamp: time.Now().UTC()}
	if payload != nil {
		// payload всегда наши структуры, ошибка сериализации здесь невозможна
		raw, _ := json.Marshal(payload)
		ev.Payload = raw
	}
	return ev
}

// Decode разбирает payload события в v
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Payload, v)
}

// RoomPayload payload событий join-room, leave-room, typing, focus-room и т.п.
type RoomPayload struct {
	RequestID string `json:"request_id"`
}

// SendMessagePayload payload события send-message.
// Content может быть строкой или JSON-объектом (для предложений).
type SendMessagePayload struct {
	RequestID   string          `json:"request_id"`
	ToUserID    string          `json:"to_user_id,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Type        string          `json:"type"`
	ClientMsgID string          `json:"client_msg_id,omitempty"`
	ProposalID  int64           `json:"proposal_id,omitempty"`
}

// ContentString возвращает содержимое: строку как есть, объект как JSON-текст
func (p SendMessagePayload) ContentString() string {
	raw := bytes.TrimSpace(p.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// MarkViewedPayload payload события mark-viewed
type MarkViewedPayload struct {
	MessageID int64 `json:"message_id"`
}

// LoadHistoryPayload история сообщений после join
type LoadHistoryPayload struct {
	RequestID string           `json:"request_id"`
	Messages  []models.Message `json:"messages"`
}

// MessageSentPayload подтверждение сохранения для отправившей сессии
type MessageSentPayload struct {
	ClientMsgID string          `json:"client_msg_id,omitempty"`
	Duplicate   bool            `json:"duplicate,omitempty"`
	Message     *models.Message `json:"message"`
}

// MessageViewedPayload уведомление отправителя о просмотре
type MessageViewedPayload struct {
	MessageID int64  `json:"message_id"`
	RequestID string `json:"request_id"`
}

// NotificationPayload уведомление получателю, который не смотрит чат
type NotificationPayload struct {
	MessageID int64              `json:"message_id"`
	RequestID string             `json:"request_id"`
	SenderID  string             `json:"sender_id"`
	Type      models.MessageType `json:"type"`
	Preview   string             `json:"preview"`
}

// UnreadCountPayload счетчик непрочитанных в чате заявки
type UnreadCountPayload struct {
	RequestID string `json:"request_id"`
	Count     int    `json:"count"`
}

// TypingPayload индикатор набора текста
type TypingPayload struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	Typing    bool   `json:"typing"`
}

// ConnectedPayload первое событие после подключения
type ConnectedPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ErrorPayload ошибка обработки команды клиента
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Retryable   bool   `json:"retryable"`
	Command     string `json:"command,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	State       any    `json:"state,omitempty"`
}

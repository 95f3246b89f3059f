package chat

import (
	"context"

	"github.com/rajivgeraev/flippy-chat/internal/apperr"
	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/websocket"
)

// HandleEvent обрабатывает событие от websocket-сессии. Ошибки возвращаются только
// этой сессии событием error и не затрагивают состояние комнаты.
func (s *ChatService) HandleEvent(ctx context.Context, c *websocket.Client, ev websocket.Event) {
	caller := Caller{UserID: c.UserID, Session: c}

	switch ev.Type {
	case websocket.EventJoinRoom:
		requestID, err := roomOf(ev)
		if err == nil {
			err = s.Join(ctx, caller, requestID)
		}
		s.replyError(c, ev, requestID, "", err)

	case websocket.EventLeaveRoom:
		requestID, err := roomOf(ev)
		if err == nil {
			s.Leave(caller, requestID)
		}
		s.replyError(c, ev, requestID, "", err)

	case websocket.EventSendMessage:
		s.handleSend(ctx, c, caller, ev)

	case websocket.EventMarkViewed:
		var p websocket.MarkViewedPayload
		if err := ev.Decode(&p); err != nil {
			s.replyError(c, ev, ev.RequestID, "", apperr.Validation("malformed mark-viewed payload"))
			return
		}
		_, err := s.MarkViewed(ctx, caller, p.MessageID)
		s.replyError(c, ev, ev.RequestID, "", err)

	case websocket.EventTyping, websocket.EventStopTyping:
		requestID, err := roomOf(ev)
		if err == nil {
			err = s.Typing(caller, requestID, ev.Type == websocket.EventTyping)
		}
		s.replyError(c, ev, requestID, "", err)

	case websocket.EventFocusRoom, websocket.EventBlurRoom:
		requestID, err := roomOf(ev)
		if err == nil {
			err = s.Focus(caller, requestID, ev.Type == websocket.EventFocusRoom)
		}
		s.replyError(c, ev, requestID, "", err)

	default:
		s.replyError(c, ev, ev.RequestID, "", apperr.Validationf("unknown event type %q", ev.Type))
	}
}

func (s *ChatService) handleSend(ctx context.Context, c *websocket.Client, caller Caller, ev websocket.Event) {
	var p websocket.SendMessagePayload
	if err := ev.Decode(&p); err != nil {
		s.replyError(c, ev, ev.RequestID, "", apperr.Validation("malformed send-message payload"))
		return
	}
	if p.RequestID == "" {
		p.RequestID = ev.RequestID
	}
	if p.Type == "" {
		p.Type = string(models.MessageText)
	}

	res, err := s.Send(ctx, caller, SendInput{
		RequestID:   p.RequestID,
		ReceiverID:  p.ToUserID,
		Type:        models.MessageType(p.Type),
		Content:     p.ContentString(),
		ClientMsgID: p.ClientMsgID,
		ProposalID:  p.ProposalID,
	})
	if err != nil {
		s.replyError(c, ev, p.RequestID, p.ClientMsgID, err)
		return
	}

	s.hub.SendToClient(c, websocket.NewEvent(websocket.EventMessageSent, p.RequestID, websocket.MessageSentPayload{
		ClientMsgID: p.ClientMsgID,
		Duplicate:   res.Duplicate,
		Message:     &res.Message,
	}))
}

// roomOf берет request_id из payload, а если его нет, из конверта события
func roomOf(ev websocket.Event) (string, error) {
	var p websocket.RoomPayload
	if err := ev.Decode(&p); err != nil {
		return "", apperr.Validation("malformed payload")
	}
	if p.RequestID == "" {
		p.RequestID = ev.RequestID
	}
	if p.RequestID == "" {
		return "", apperr.Validation("request_id is required")
	}
	return p.RequestID, nil
}

// replyError отправляет сессии событие error; nil err ничего не делает
func (s *ChatService) replyError(c *websocket.Client, ev websocket.Event, requestID, clientMsgID string, err error) {
	if err == nil {
		return
	}

	payload := websocket.ErrorPayload{
		Code:        string(apperr.KindPersistence),
		Message:     "internal error",
		Retryable:   true,
		Command:     string(ev.Type),
		RequestID:   requestID,
		ClientMsgID: clientMsgID,
	}
	if e, ok := apperr.As(err); ok {
		payload.Code = string(e.Kind)
		payload.Message = e.Message
		payload.Retryable = e.Retryable
		payload.State = e.State
	}

	if payload.Code == string(apperr.KindPersistence) {
		s.log.Error("command failed", "type", ev.Type, "user_id", c.UserID, "request_id", requestID, "error", err)
	} else {
		s.log.Debug("command rejected", "type", ev.Type, "user_id", c.UserID, "request_id", requestID, "error", err)
	}

	s.hub.SendToClient(c, websocket.NewEvent(websocket.EventError, requestID, payload))
}

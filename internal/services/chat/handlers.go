package chat

import (
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/flippy-chat/internal/apperr"
	"github.com/rajivgeraev/flippy-chat/internal/middleware"
	"github.com/rajivgeraev/flippy-chat/internal/models"
)

func (s *ChatService) caller(c fiber.Ctx) Caller {
	return Caller{UserID: middleware.UserID(c)}
}

// GetMessages возвращает страницу истории: ?after=<id>&limit=<n>
func (s *ChatService) GetMessages(c fiber.Ctx) error {
	after, err := strconv.ParseInt(c.Query("after", "0"), 10, 64)
	if err != nil || after < 0 {
		return apperr.Validation("after must be a message id")
	}
	limit, err := strconv.Atoi(c.Query("limit", "0"))
	if err != nil {
		return apperr.Validation("limit must be a number")
	}

	messages, err := s.History(c.Context(), middleware.UserID(c), c.Params("id"), after, limit)
	if err != nil {
		return err
	}

	var next int64
	if len(messages) > 0 {
		next = messages[len(messages)-1].ID
	}
	return c.JSON(fiber.Map{
		"messages": messages,
		"next":     next,
	})
}

type postMessageRequest struct {
	ToUserID    string `json:"to_user_id"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	ClientMsgID string `json:"client_msg_id"`
	ProposalID  int64  `json:"proposal_id"`
}

// PostMessage отправляет сообщение в чат заявки
func (s *ChatService) PostMessage(c fiber.Ctx) error {
	var body postMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return apperr.Validation("invalid request body")
	}
	if body.Type == "" {
		body.Type = string(models.MessageText)
	}

	res, err := s.Send(c.Context(), s.caller(c), SendInput{
		RequestID:   c.Params("id"),
		ReceiverID:  body.ToUserID,
		Type:        models.MessageType(body.Type),
		Content:     body.Content,
		ClientMsgID: body.ClientMsgID,
		ProposalID:  body.ProposalID,
	})
	if err != nil {
		return err
	}
	return sendResult(c, res)
}

func sendResult(c fiber.Ctx, res *SendResult) error {
	status := fiber.StatusCreated
	if res.Duplicate {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"message":   res.Message,
		"duplicate": res.Duplicate,
	})
}

// GetUnread количество непросмотренных сообщений текущего пользователя
func (s *ChatService) GetUnread(c fiber.Ctx) error {
	requestID := c.Params("id")
	count, err := s.UnreadCount(c.Context(), middleware.UserID(c), requestID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"request_id": requestID, "count": count})
}

// PutViewed отмечает сообщение просмотренным
func (s *ChatService) PutViewed(c fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return apperr.Validation("invalid message id")
	}
	changed, err := s.MarkViewed(c.Context(), s.caller(c), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"message_id": id, "updated": changed})
}

// GetProposal текущее состояние предложения по заявке
func (s *ChatService) GetProposal(c fiber.Ctx) error {
	snapshot, err := s.CurrentProposal(c.Context(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(snapshot)
}

type postProposalRequest struct {
	Budget      float64 `json:"budget"`
	Observation string  `json:"observation"`
	ClientMsgID string  `json:"client_msg_id"`
}

// PostProposal исполнитель предлагает бюджет
func (s *ChatService) PostProposal(c fiber.Ctx) error {
	var body postProposalRequest
	if err := c.Bind().Body(&body); err != nil {
		return apperr.Validation("invalid request body")
	}
	res, err := s.SendProposal(c.Context(), s.caller(c), c.Params("id"), body.Budget, body.Observation, body.ClientMsgID)
	if err != nil {
		return err
	}
	return sendResult(c, res)
}

func (s *ChatService) AcceptProposal(c fiber.Ctx) error {
	return s.resolve(c, models.MessageProposalAccepted)
}

func (s *ChatService) RejectProposal(c fiber.Ctx) error {
	return s.resolve(c, models.MessageProposalRejected)
}

func (s *ChatService) CancelProposal(c fiber.Ctx) error {
	return s.resolve(c, models.MessageProposalCancelled)
}

func (s *ChatService) resolve(c fiber.Ctx, t models.MessageType) error {
	proposalID, err := strconv.ParseInt(c.Params("pid"), 10, 64)
	if err != nil || proposalID <= 0 {
		return apperr.Validation("invalid proposal id")
	}

	// Тело необязательно: {"reason": "..."}
	var body struct {
		Reason string `json:"reason"`
	}
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&body); err != nil {
			return apperr.Validation("invalid request body")
		}
	}

	res, err := s.ResolveProposal(c.Context(), s.caller(c), c.Params("id"), t, proposalID, body.Reason)
	if err != nil {
		return err
	}
	return sendResult(c, res)
}

// GetPresence состояние подключения пользователя
func (s *ChatService) GetPresence(c fiber.Ctx) error {
	return c.JSON(s.Presence(c.Params("userId")))
}

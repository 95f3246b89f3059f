package chat

import (
	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/flippy-chat/internal/middleware"
	"github.com/rajivgeraev/flippy-chat/internal/utils"
)

// SetupRoutes настраивает маршруты REST API чата
func (s *ChatService) SetupRoutes(app *fiber.App, jwtService *utils.JWTService) {
	// Все маршруты чата требуют авторизации
	auth := middleware.AuthMiddleware(jwtService)

	// История и отправка сообщений заявки
	requests := app.Group("/api/requests", auth)
	requests.Get("/:id/messages", s.GetMessages)
	requests.Post("/:id/messages", s.PostMessage)
	requests.Get("/:id/unread", s.GetUnread)

	// Протокол предложений
	requests.Get("/:id/proposal", s.GetProposal)
	requests.Post("/:id/proposals", s.PostProposal)
	requests.Post("/:id/proposals/:pid/accept", s.AcceptProposal)
	requests.Post("/:id/proposals/:pid/reject", s.RejectProposal)
	requests.Post("/:id/proposals/:pid/cancel", s.CancelProposal)

	app.Group("/api/messages", auth).Put("/:id/viewed", s.PutViewed)
	app.Group("/api/presence", auth).Get("/:userId", s.GetPresence)
}

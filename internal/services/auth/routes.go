package auth

import (
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/flippy-chat/internal/middleware"
)

// SetupRoutes регистрирует маршруты в Fiber
func (s *AuthService) SetupRoutes(app *fiber.App) {
	app.Post("/api/auth/telegram", s.TelegramAuthHandler)

	// Проверка токена перед подключением к websocket. В fiber v3 middleware маршрута
	// передаются после обработчика и выполняются раньше него.
	app.Get("/api/auth/me", s.MeHandler, middleware.AuthMiddleware(s.jwtService))
}

// MeHandler возвращает пользователя из проверенного токена
func (s *AuthService) MeHandler(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"user_id":   middleware.UserID(c),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

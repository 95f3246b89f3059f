package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/flippy-chat/internal/apperr"
	"github.com/rajivgeraev/flippy-chat/internal/utils"
)

const userIDKey = "userID"

// AuthMiddleware создаёт middleware для проверки JWT. Ответ 401 формирует ErrorHandler.
func AuthMiddleware(jwtService *utils.JWTService) fiber.Handler {
	return func(c fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return apperr.Auth("Missing authorization header")
		}

		// Проверяем Bearer токен
		tokenString, ok := BearerToken(authHeader)
		if !ok {
			return apperr.Auth("Invalid authorization header format")
		}

		userID, err := jwtService.ExtractUserID(tokenString)
		if err != nil {
			return apperr.Auth("Invalid or expired token")
		}

		// Добавляем userID в контекст
		c.Locals(userIDKey, userID)

		return c.Next()
	}
}

// UserID возвращает ID пользователя, положенный AuthMiddleware
func UserID(c fiber.Ctx) string {
	userID, _ := c.Locals(userIDKey).(string)
	return userID
}

// BearerToken извлекает токен из заголовка "Bearer <token>"
func BearerToken(header string) (string, bool) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

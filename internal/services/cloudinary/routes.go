package cloudinary

import (
	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/flippy-chat/internal/middleware"
	"github.com/rajivgeraev/flippy-chat/internal/utils"
)

// SetupRoutes настраивает маршруты загрузки вложений
func (s *CloudinaryService) SetupRoutes(app *fiber.App, jwtService *utils.JWTService) {
	// Защищенные маршруты
	upload := app.Group("/api/upload", middleware.AuthMiddleware(jwtService))

	// Маршрут для получения параметров загрузки
	upload.Get("/params", s.GenerateUploadParams)
}

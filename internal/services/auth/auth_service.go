package auth

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	initdata "github.com/telegram-mini-apps/init-data-golang"

	"github.com/rajivgeraev/flippy-chat/internal/apperr"
	"github.com/rajivgeraev/flippy-chat/internal/logger"
	"github.com/rajivgeraev/flippy-chat/internal/utils"
)

// Срок годности initData от Telegram
const initDataExpiration = 24 * time.Hour

// AuthService – структура для обработки авторизации
type AuthService struct {
	botToken   string
	jwtService *utils.JWTService
	log        *logger.Logger
}

// NewAuthService – конструктор AuthService. Пустой botToken отключает вход через Telegram.
func NewAuthService(botToken string, jwtService *utils.JWTService, log *logger.Logger) *AuthService {
	return &AuthService{
		botToken:   botToken,
		jwtService: jwtService,
		log:        log.With("component", "AuthService"),
	}
}

// TelegramAuthHandler проверяет initData, создает JWT и возвращает его
func (s *AuthService) TelegramAuthHandler(c fiber.Ctx) error {
	if s.botToken == "" {
		return fiber.NewError(fiber.StatusServiceUnavailable, "Telegram login is disabled")
	}

	var payload struct {
		InitData string `json:"init_data"`
	}

	if err := c.Bind().Body(&payload); err != nil || payload.InitData == "" {
		return apperr.Validation("Invalid request")
	}

	// Проверяем initData
	if err := initdata.Validate(payload.InitData, s.botToken, initDataExpiration); err != nil {
		s.log.Debug("telegram init data rejected", "error", err)
		return apperr.Auth("Invalid Telegram data")
	}

	// Парсим данные
	data, err := initdata.Parse(payload.InitData)
	if err != nil || data.User.ID == 0 {
		return apperr.Validation("Failed to parse initData")
	}

	// В чате ID пользователя строковый
	userID := strconv.FormatInt(data.User.ID, 10)

	// Генерируем JWT
	jwtToken, err := s.jwtService.GenerateToken(userID)
	if err != nil {
		s.log.Error("failed to generate jwt", "user_id", userID, "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to generate JWT")
	}

	s.log.Info("telegram login", "user_id", userID)
	return c.JSON(fiber.Map{
		"token": jwtToken,
		"user": fiber.Map{
			"id":         userID,
			"first_name": data.User.FirstName,
			"last_name":  data.User.LastName,
			"username":   data.User.Username,
			"photo_url":  data.User.PhotoURL,
		},
	})
}

package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/flippy-chat/internal/apperr"
)

// ErrorHandler обрабатывает ошибки Fiber: *apperr.Error отображается по классу,
// *fiber.Error по своему коду, остальное считается сбоем хранилища
func ErrorHandler(c fiber.Ctx, err error) error {
	var fe *fiber.Error
	if _, ok := apperr.As(err); !ok && errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{
			"error": fe.Message,
		})
	}

	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Persistence("internal error", err)
	}

	body := fiber.Map{
		"error":     e.Message,
		"code":      e.Kind,
		"retryable": e.Retryable,
	}
	if e.State != nil {
		body["state"] = e.State
	}
	return c.Status(apperr.HTTPStatus(e.Kind)).JSON(body)
}

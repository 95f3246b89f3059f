// Package apperr описывает таксономию ошибок чата и их отображение на HTTP и websocket.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind классифицирует ошибку
type Kind string

const (
	KindAuth        Kind = "auth"
	KindForbidden   Kind = "forbidden"
	KindValidation  Kind = "validation"
	KindPersistence Kind = "persistence"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
)

// Error ошибка с классом, текстом для клиента и признаком повторяемости.
// State заполняется для конфликтов, чтобы клиент мог синхронизировать UI.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	State     any
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is позволяет сравнивать ошибки по классу: errors.Is(err, apperr.ErrForbidden)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Эталоны для errors.Is
var (
	ErrAuth        = &Error{Kind: KindAuth}
	ErrForbidden   = &Error{Kind: KindForbidden}
	ErrValidation  = &Error{Kind: KindValidation}
	ErrPersistence = &Error{Kind: KindPersistence}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrNotFound    = &Error{Kind: KindNotFound}
)

func Auth(msg string) *Error       { return &Error{Kind: KindAuth, Message: msg} }
func Forbidden(msg string) *Error  { return &Error{Kind: KindForbidden, Message: msg} }
func Validation(msg string) *Error { return &Error{Kind: KindValidation, Message: msg} }
func NotFound(msg string) *Error   { return &Error{Kind: KindNotFound, Message: msg} }

// Validationf форматирует текст ошибки валидации
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflict возвращает ошибку конфликта состояния вместе с текущим состоянием
func Conflict(msg string, state any) *Error {
	return &Error{Kind: KindConflict, Message: msg, State: state}
}

// Persistence оборачивает ошибку хранилища. Клиент должен повторить отправку.
func Persistence(msg string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: msg, Retryable: true, Err: err}
}

// Timeout ошибка хранилища, не ответившего за отведённое время
func Timeout(msg string) *Error {
	return &Error{Kind: KindPersistence, Message: msg, Retryable: true, Err: context.DeadlineExceeded}
}

// As извлекает *Error из цепочки
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf возвращает класс ошибки; для неизвестных ошибок это persistence
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindPersistence
}

// HTTPStatus отображает класс ошибки на HTTP-статус
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

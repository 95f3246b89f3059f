package chat

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/rajivgeraev/flippy-chat/internal/apperr"
	"github.com/rajivgeraev/flippy-chat/internal/models"
)

// validateContent проверяет содержимое обычных сообщений и возвращает его в сохраняемом виде
func (s *ChatService) validateContent(t models.MessageType, content string) (string, error) {
	switch t {
	case models.MessageText:
		if strings.TrimSpace(content) == "" {
			return "", apperr.Validation("message content is empty")
		}
		if limit := s.opts.MaxMessageLength; limit > 0 && utf8.RuneCountInString(content) > limit {
			return "", apperr.Validationf("message exceeds %d characters", limit)
		}
		return content, nil
	case models.MessageImage, models.MessageVideo:
		return validateMediaURL(strings.TrimSpace(content), s.opts.MediaHosts)
	}
	return "", apperr.Validationf("unsupported message type %q", t)
}

// validateMediaURL требует абсолютный http(s) URL; при непустом hosts хост должен
// совпадать с одним из них или быть его поддоменом
func validateMediaURL(raw string, hosts []string) (string, error) {
	if raw == "" {
		return "", apperr.Validation("media reference is empty")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return "", apperr.Validation("media reference must be an absolute http(s) URL")
	}
	if len(hosts) > 0 && !hostAllowed(strings.ToLower(u.Hostname()), hosts) {
		return "", apperr.Validationf("media host %q is not allowed", u.Hostname())
	}
	return raw, nil
}

func hostAllowed(host string, hosts []string) bool {
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

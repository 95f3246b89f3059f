package websocket

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/rajivgeraev/flippy-chat/internal/logger"
)

// Authenticator разрешает учетные данные в ID пользователя
type Authenticator interface {
	ExtractUserID(token string) (string, error)
}

// Handler выполняет аутентификацию и upgrade HTTP-соединения до websocket
type Handler struct {
	manager  *Manager
	auth     Authenticator
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewHandler создает обработчик /ws. Пустой allowedOrigins разрешает любой Origin.
func NewHandler(manager *Manager, auth Authenticator, allowedOrigins []string, log *logger.Logger) *Handler {
	return &Handler{
		manager: manager,
		auth:    auth,
		log:     log.With("component", "WebSocketHandler"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.ExtractUserID(credential(r))
	if err != nil || userID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Invalid or expired token", "code": "auth"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client, err := h.manager.Connect(userID, conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	client.Start()
}

// credential берет токен из query-параметра token или заголовка Authorization
func credential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(o)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[strings.ToLower(origin)]
	}
}

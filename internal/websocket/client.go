package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Максимальное время ожидания для pong от клиента
	pongWait = 60 * time.Second

	// Отправлять ping-сообщения клиенту с этим интервалом
	pingPeriod = (pongWait * 9) / 10

	// Таймаут записи одного кадра
	writeWait = 10 * time.Second

	// Максимальный размер сообщения от клиента
	maxMessageSize = 512 * 1024 // 512KB

	// Размер буфера для отправляемых сообщений
	writeBufferSize = 256
)

// Conn минимальный интерфейс websocket-соединения; *websocket.Conn ему удовлетворяет
type Conn interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dispatcher обрабатывает события, пришедшие от клиента
type Dispatcher interface {
	HandleEvent(ctx context.Context, c *Client, ev Event)
}

// Client представляет собой отдельное WebSocket соединение (сессию пользователя)
type Client struct {
	ID     uuid.UUID
	UserID string

	conn    Conn
	send    chan Event // Буферизованный канал исходящих событий
	manager *Manager

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient создает новый экземпляр Client. conn может быть nil для сессий без сети (тесты).
func NewClient(userID string, conn Conn, manager *Manager) *Client {
	return &Client{
		ID:      uuid.New(),
		UserID:  userID,
		conn:    conn,
		send:    make(chan Event, writeBufferSize),
		manager: manager,
		done:    make(chan struct{}),
	}
}

// Start запускает клиентские горутины для чтения и записи
func (c *Client) Start() {
	go c.readPump()
	go c.writePump()
}

// Outbound канал исходящих событий сессии
func (c *Client) Outbound() <-chan Event {
	return c.send
}

// Done закрывается после отключения сессии
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// enqueue ставит событие в очередь без блокировки; false, если буфер полон или сессия закрыта
func (c *Client) enqueue(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// Close отключает сессию. Повторный вызов ничего не делает.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		if c.manager != nil {
			c.manager.RemoveClient(c.ID)
		}
	})
}

// readPump обрабатывает входящие сообщения от клиента
func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.manager.log.Warn("unexpected websocket close", "client_id", c.ID, "error", err)
			}
			return
		}
		c.handleIncomingMessage(message)
	}
}

// writePump отправляет сообщения клиенту
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			data, err := json.Marshal(ev)
			if err != nil {
				c.manager.log.Warn("marshal event failed", "client_id", c.ID, "type", ev.Type, "error", err)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.manager.log.Debug("write failed", "client_id", c.ID, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			// Отправляем ping для поддержания соединения
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// handleIncomingMessage разбирает событие и передает его диспетчеру
func (c *Client) handleIncomingMessage(message []byte) {
	var event Event
	if err := json.Unmarshal(message, &event); err != nil {
		c.manager.SendToClient(c, NewEvent(EventError, "", ErrorPayload{
			Code:    "validation",
			Message: "malformed event",
		}))
		return
	}

	// Отправитель всегда пользователь сессии, поле из клиента игнорируем
	event.UserID = c.UserID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Отключение сессии не отменяет уже принятые команды, поэтому контекст не привязан к соединению
	c.manager.dispatch(context.Background(), c, event)
}

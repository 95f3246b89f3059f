package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-chat/internal/apperr"
	"github.com/rajivgeraev/flippy-chat/internal/bus"
	"github.com/rajivgeraev/flippy-chat/internal/logger"
	"github.com/rajivgeraev/flippy-chat/internal/metrics"
	"github.com/rajivgeraev/flippy-chat/internal/models"
)

// session состояние сессии, которым владеет Manager
type session struct {
	client  *Client
	rooms   map[string]bool
	focused map[string]bool
}

// Manager представляет центральный менеджер для всех WebSocket соединений:
// сессии, комнаты заявок, присутствие пользователей.
type Manager struct {
	mu          sync.RWMutex
	clients     map[uuid.UUID]*session
	userClients map[string]map[uuid.UUID]*Client // userID -> сессии пользователя
	rooms       map[string]map[uuid.UUID]*Client // requestID -> сессии в комнате
	lastSeen    map[string]time.Time

	log        *logger.Logger
	metrics    *metrics.Metrics
	bus        bus.Bus
	dispatcher Dispatcher
	now        func() time.Time
}

// NewManager создает новый экземпляр Manager
func NewManager(log *logger.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		clients:     make(map[uuid.UUID]*session),
		userClients: make(map[string]map[uuid.UUID]*Client),
		rooms:       make(map[string]map[uuid.UUID]*Client),
		lastSeen:    make(map[string]time.Time),
		log:         log.With("component", "WebSocketManager"),
		metrics:     m,
		now:         time.Now,
	}
}

// SetDispatcher задает обработчик входящих событий
func (m *Manager) SetDispatcher(d Dispatcher) { m.dispatcher = d }

// SetBus включает доставку событий через шину между инстансами
func (m *Manager) SetBus(b bus.Bus) { m.bus = b }

func (m *Manager) dispatch(ctx context.Context, c *Client, ev Event) {
	if m.dispatcher == nil {
		m.log.Warn("no dispatcher for event", "type", ev.Type)
		return
	}
	m.dispatcher.HandleEvent(ctx, c, ev)
}

// Connect создает и регистрирует сессию для аутентифицированного пользователя
func (m *Manager) Connect(userID string, conn Conn) (*Client, error) {
	if userID == "" {
		return nil, apperr.Auth("unauthenticated session")
	}
	c := NewClient(userID, conn, m)
	m.AddClient(c)
	m.SendToClient(c, NewEvent(EventConnected, "", ConnectedPayload{SessionID: c.ID.String(), UserID: userID}))
	return c, nil
}

// AddClient регистрирует нового клиента
func (m *Manager) AddClient(client *Client) {
	m.mu.Lock()
	m.clients[client.ID] = &session{
		client:  client,
		rooms:   make(map[string]bool),
		focused: make(map[string]bool),
	}
	if _, exists := m.userClients[client.UserID]; !exists {
		m.userClients[client.UserID] = make(map[uuid.UUID]*Client)
	}
	m.userClients[client.UserID][client.ID] = client
	delete(m.lastSeen, client.UserID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Sessions.Inc()
	}
	m.log.Info("websocket client connected", "client_id", client.ID, "user_id", client.UserID)
}

// RemoveClient удаляет клиента и все его членства в комнатах. Безопасно вызывать повторно.
func (m *Manager) RemoveClient(clientID uuid.UUID) {
	m.mu.Lock()
	s, exists := m.clients[clientID]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.clients, clientID)

	userID := s.client.UserID
	var rooms []string
	for requestID := range s.rooms {
		rooms = append(rooms, requestID)
		m.removeFromRoomLocked(requestID, clientID)
	}

	wentOffline := false
	if clients, ok := m.userClients[userID]; ok {
		delete(clients, clientID)
		// Если это был последний клиент пользователя, удаляем запись пользователя
		if len(clients) == 0 {
			delete(m.userClients, userID)
			m.lastSeen[userID] = m.now().UTC()
			wentOffline = true
		}
	}
	seen := m.lastSeen[userID]
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Sessions.Dec()
	}
	m.log.Info("websocket client disconnected", "client_id", clientID, "user_id", userID)

	// Оповещение о присутствии без гарантии доставки
	if wentOffline {
		presence := models.Presence{UserID: userID, Online: false, LastSeen: &seen}
		for _, requestID := range rooms {
			m.SendToRoom(requestID, NewEvent(EventPresence, requestID, presence))
		}
	}
}

// Join добавляет сессию в комнату заявки. Возвращает false, если сессия уже в комнате
// или уже отключена.
func (m *Manager) Join(c *Client, requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.clients[c.ID]
	if !ok || s.rooms[requestID] {
		return false
	}
	s.rooms[requestID] = true
	room, exists := m.rooms[requestID]
	if !exists {
		room = make(map[uuid.UUID]*Client)
		m.rooms[requestID] = room
		if m.metrics != nil {
			m.metrics.Rooms.Inc()
		}
	}
	room[c.ID] = c
	return true
}

// Leave убирает сессию из комнаты; для сессии вне комнаты ничего не делает
func (m *Manager) Leave(c *Client, requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.clients[c.ID]
	if !ok || !s.rooms[requestID] {
		return false
	}
	delete(s.rooms, requestID)
	delete(s.focused, requestID)
	m.removeFromRoomLocked(requestID, c.ID)
	return true
}

func (m *Manager) removeFromRoomLocked(requestID string, clientID uuid.UUID) {
	room, ok := m.rooms[requestID]
	if !ok {
		return
	}
	delete(room, clientID)
	// Комната живёт, пока в ней есть хотя бы одна сессия
	if len(room) == 0 {
		delete(m.rooms, requestID)
		if m.metrics != nil {
			m.metrics.Rooms.Dec()
		}
	}
}

// IsMember сообщает, состоит ли сессия в комнате
func (m *Manager) IsMember(clientID uuid.UUID, requestID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.clients[clientID]
	return ok && s.rooms[requestID]
}

// RoomSize количество сессий в комнате
func (m *Manager) RoomSize(requestID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[requestID])
}

// SetFocus отмечает, что сессия активно просматривает (или перестала просматривать) комнату
func (m *Manager) SetFocus(c *Client, requestID string, focused bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.clients[c.ID]
	if !ok || !s.rooms[requestID] {
		return false
	}
	if focused {
		s.focused[requestID] = true
	} else {
		delete(s.focused, requestID)
	}
	return true
}

// UserFocused сообщает, смотрит ли пользователь комнату хотя бы в одной сессии
func (m *Manager) UserFocused(userID, requestID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id := range m.userClients[userID] {
		if s, ok := m.clients[id]; ok && s.focused[requestID] {
			return true
		}
	}
	return false
}

// Presence возвращает состояние подключения пользователя
func (m *Manager) Presence(userID string) models.Presence {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := models.Presence{UserID: userID, Online: len(m.userClients[userID]) > 0}
	if !p.Online {
		if seen, ok := m.lastSeen[userID]; ok {
			p.LastSeen = &seen
		}
	}
	return p
}

// SessionCount количество открытых сессий пользователя
func (m *Manager) SessionCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.userClients[userID])
}

// SendToClient доставляет событие одной сессии этого процесса
func (m *Manager) SendToClient(c *Client, ev Event) {
	m.push(c, ev)
}

// SendToUser отправляет событие всем соединениям конкретного пользователя
func (m *Manager) SendToUser(userID string, ev Event) {
	if userID == "" {
		return
	}
	m.route(bus.Envelope{Target: bus.TargetUser, Key: userID}, ev)
}

// SendToRoom отправляет событие всем сессиям комнаты, включая сессии отправителя
func (m *Manager) SendToRoom(requestID string, ev Event) {
	m.route(bus.Envelope{Target: bus.TargetRoom, Key: requestID}, ev)
}

// SendToRoomExcept отправляет событие сессиям комнаты, кроме сессий указанного пользователя
func (m *Manager) SendToRoomExcept(requestID, excludeUserID string, ev Event) {
	m.route(bus.Envelope{Target: bus.TargetRoom, Key: requestID, ExcludeUser: excludeUserID}, ev)
}

// BroadcastUnreadCount отправляет пользователю обновленное количество непрочитанных в чате заявки
func (m *Manager) BroadcastUnreadCount(userID, requestID string, count int) {
	m.SendToUser(userID, NewEvent(EventUnreadCount, requestID, UnreadCountPayload{RequestID: requestID, Count: count}))
}

// route публикует конверт в шину или доставляет его локально, если шины нет
func (m *Manager) route(env bus.Envelope, ev Event) {
	if m.bus == nil {
		m.deliver(env, ev)
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		m.log.Warn("marshal event for bus failed", "type", ev.Type, "error", err)
		return
	}
	env.Event = raw

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.bus.Publish(ctx, env); err != nil {
		// Шина недоступна: доставляем хотя бы сессиям этого процесса
		m.log.Warn("bus publish failed, delivering locally", "target", env.Target, "error", err)
		m.deliver(env, ev)
	}
}

// Deliver доставляет конверт из шины сессиям этого процесса
func (m *Manager) Deliver(env bus.Envelope) {
	var ev Event
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		m.log.Warn("bad event in envelope", "error", err)
		return
	}
	m.deliver(env, ev)
}

func (m *Manager) deliver(env bus.Envelope, ev Event) {
	for _, c := range m.snapshot(env) {
		m.push(c, ev)
	}
}

// snapshot копирует список адресатов; сессия может отключиться сразу после снимка
func (m *Manager) snapshot(env bus.Envelope) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var set map[uuid.UUID]*Client
	switch env.Target {
	case bus.TargetRoom:
		set = m.rooms[env.Key]
	case bus.TargetUser:
		set = m.userClients[env.Key]
	case bus.TargetSession:
		id, err := uuid.Parse(env.Key)
		if err != nil {
			return nil
		}
		if s, ok := m.clients[id]; ok {
			return []*Client{s.client}
		}
		return nil
	}

	out := make([]*Client, 0, len(set))
	for _, c := range set {
		if env.ExcludeUser != "" && c.UserID == env.ExcludeUser {
			continue
		}
		out = append(out, c)
	}
	return out
}

// push кладет событие в очередь сессии. Медленный клиент отключается,
// недоставленное он получит из истории при следующем join.
func (m *Manager) push(c *Client, ev Event) {
	if c.enqueue(ev) {
		return
	}
	if m.metrics != nil {
		m.metrics.DeliveriesDropped.Inc()
	}
	select {
	case <-c.done:
		return
	default:
	}
	m.log.Warn("send channel full, closing connection", "client_id", c.ID, "user_id", c.UserID)
	go c.Close()
}

// StartForwarder подписывается на шину и доставляет события локальным сессиям
func (m *Manager) StartForwarder(ctx context.Context) error {
	if m.bus == nil {
		return nil
	}
	return m.bus.StartForwarder(ctx, m.Deliver)
}

// Shutdown корректно завершает работу менеджера WebSocket
func (m *Manager) Shutdown() {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, s := range m.clients {
		clients = append(clients, s.client)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

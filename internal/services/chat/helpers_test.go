package chat

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/flippy-chat/internal/db"
	"github.com/rajivgeraev/flippy-chat/internal/logger"
	"github.com/rajivgeraev/flippy-chat/internal/metrics"
	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/websocket"
)

const (
	clientID   = "C"
	providerID = "P"
	strangerID = "X"
)

func request(id string, status models.RequestStatus) models.Request {
	return models.Request{ID: id, ClientUserID: clientID, ProviderUserID: providerID, Status: status}
}

// faultyMessages хранилище сообщений с управляемыми сбоями
type faultyMessages struct {
	*db.MemoryMessageStore
	saveErr atomic.Pointer[error]
	block   atomic.Bool
}

func (f *faultyMessages) SaveMessage(ctx context.Context, msg *models.Message) error {
	if f.block.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	if p := f.saveErr.Load(); p != nil {
		return *p
	}
	return f.MemoryMessageStore.SaveMessage(ctx, msg)
}

func (f *faultyMessages) failSave(err error) { f.saveErr.Store(&err) }

// flakyRequests сервис заявок, который может отказывать в смене статуса
type flakyRequests struct {
	*db.MemoryRequestStore
	failSet atomic.Bool
	calls   atomic.Int32
}

func (f *flakyRequests) SetRequestStatus(ctx context.Context, requestID string, status models.RequestStatus) error {
	f.calls.Add(1)
	if f.failSet.Load() {
		return context.DeadlineExceeded
	}
	return f.MemoryRequestStore.SetRequestStatus(ctx, requestID, status)
}

type harness struct {
	svc      *ChatService
	hub      *websocket.Manager
	messages *faultyMessages
	requests *flakyRequests
}

func newHarness(t *testing.T, opts Options, requests ...models.Request) *harness {
	t.Helper()
	log := logger.NewNop()
	m := metrics.New(nil)

	h := &harness{
		hub:      websocket.NewManager(log, m),
		messages: &faultyMessages{MemoryMessageStore: db.NewMemoryMessageStore()},
		requests: &flakyRequests{MemoryRequestStore: db.NewMemoryRequestStore(requests...)},
	}
	h.svc = NewChatService(h.messages, h.requests, h.hub, log, m, opts)
	h.svc.reconciler.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	t.Cleanup(h.hub.Shutdown)
	return h
}

// session подключает сессию без сети и забирает событие connected
func (h *harness) session(t *testing.T, userID string) *websocket.Client {
	t.Helper()
	c, err := h.hub.Connect(userID, nil)
	require.NoError(t, err)
	ev := <-c.Outbound()
	require.Equal(t, websocket.EventConnected, ev.Type)
	return c
}

// joined подключает сессию, входит в комнату и очищает очередь событий
func (h *harness) joined(t *testing.T, userID, requestID string) *websocket.Client {
	t.Helper()
	c := h.session(t, userID)
	require.NoError(t, h.svc.Join(context.Background(), Caller{UserID: userID, Session: c}, requestID))
	drain(c)
	return c
}

func (h *harness) status(t *testing.T, requestID string) models.RequestStatus {
	t.Helper()
	req, err := h.requests.GetRequest(context.Background(), requestID)
	require.NoError(t, err)
	return req.Status
}

func (h *harness) history(t *testing.T, requestID string) []models.Message {
	t.Helper()
	msgs, err := h.svc.collectHistory(context.Background(), requestID)
	require.NoError(t, err)
	return msgs
}

func caller(c *websocket.Client) Caller {
	return Caller{UserID: c.UserID, Session: c}
}

// drain забирает все события, уже поставленные в очередь сессии
func drain(c *websocket.Client) []websocket.Event {
	var out []websocket.Event
	for {
		select {
		case ev := <-c.Outbound():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func types(events []websocket.Event) []websocket.EventType {
	out := make([]websocket.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func find(t *testing.T, events []websocket.Event, typ websocket.EventType) websocket.Event {
	t.Helper()
	for _, ev := range events {
		if ev.Type == typ {
			return ev
		}
	}
	t.Fatalf("no %s event in %v", typ, types(events))
	return websocket.Event{}
}

func decode[T any](t *testing.T, ev websocket.Event) T {
	t.Helper()
	var v T
	require.NoError(t, ev.Decode(&v))
	return v
}

func eventOf(t *testing.T, typ websocket.EventType, requestID string, payload any) websocket.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return websocket.Event{Type: typ, RequestID: requestID, Timestamp: time.Now(), Payload: raw}
}

package chat

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/websocket"
)

func TestMarkViewed_NotifiesSenderOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, request("R-1", models.RequestPending))
	c := h.joined(t, clientID, "R-1")
	p := h.joined(t, providerID, "R-1")
	pOther := h.session(t, providerID) // вторая вкладка исполнителя вне комнаты
	res, err := h.svc.Send(ctx, caller(p), SendInput{RequestID: "R-1", Type: models.MessageText, Content: "oi"})
	require.NoError(t, err)
	drain(c)
	drain(p)

	changed, err := h.svc.MarkViewed(ctx, caller(c), res.Message.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	viewed := decode[websocket.MessageViewedPayload](t, find(t, drain(p), websocket.EventMessageViewed))
	assert.Equal(t, res.Message.ID, viewed.MessageID)
	find(t, drain(pOther), websocket.EventMessageViewed)

	cEvents := drain(c)
	assert.Equal(t, []websocket.EventType{websocket.EventUnreadCount}, types(cEvents))
	assert.Equal(t, 0, decode[websocket.UnreadCountPayload](t, cEvents[0]).Count)

	assert.True(t, h.history(t, "R-1")[0].Viewed)
}

func TestMarkViewed_IsIdempotentAndMonotonic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, request("R-1", models.RequestPending))
	c := h.joined(t, clientID, "R-1")
	p := h.joined(t, providerID, "R-1")
	res, err := h.svc.Send(ctx, caller(p), SendInput{RequestID: "R-1", Type: models.MessageText, Content: "oi"})
	require.NoError(t, err)

	_, err = h.svc.MarkViewed(ctx, caller(c), res.Message.ID)
	require.NoError(t, err)
	drain(p)

	for i := 0; i < 2; i++ {
		changed, err := h.svc.MarkViewed(ctx, caller(c), res.Message.ID)
		require.NoError(t, err)
		assert.False(t, changed)
	}
	assert.Empty(t, drain(p), "no second viewed event")

	// Ни одна операция не возвращает viewed=false
	_, err = h.svc.Send(ctx, caller(p), SendInput{RequestID: "R-1", Type: models.MessageText, Content: "de novo"})
	require.NoError(t, err)
	assert.True(t, h.history(t, "R-1")[0].Viewed)
}

func TestMarkViewed_SilentNoOps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, request("R-1", models.RequestPending))
	c := h.joined(t, clientID, "R-1")
	p := h.joined(t, providerID, "R-1")
	res, err := h.svc.Send(ctx, caller(p), SendInput{RequestID: "R-1", Type: models.MessageText, Content: "oi"})
	require.NoError(t, err)
	drain(p)

	outside := h.session(t, clientID)
	stranger := h.session(t, strangerID)
	h.hub.Join(stranger, "R-1")

	tests := []struct {
		name   string
		caller Caller
		id     int64
	}{
		{"sender marks own message", caller(p), res.Message.ID},
		{"session outside the room", caller(outside), res.Message.ID},
		{"stranger session", caller(stranger), res.Message.ID},
		{"unknown message", caller(c), 9999},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, err := h.svc.MarkViewed(ctx, tt.caller, tt.id)
			require.NoError(t, err)
			assert.False(t, changed)
		})
	}
	assert.False(t, h.history(t, "R-1")[0].Viewed)
	assert.Empty(t, drain(p))
}

func TestNotification_UnfocusedReceiver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{PreviewLength: 10}, request("R-1", models.RequestPending))
	c := h.joined(t, clientID, "R-1")
	p := h.joined(t, providerID, "R-1")
	cElsewhere := h.session(t, clientID)
	drain(c)

	_, err := h.svc.Send(ctx, caller(p), SendInput{RequestID: "R-1", Type: models.MessageText, Content: "Posso ir terça de manhã"})
	require.NoError(t, err)

	events := drain(c)
	assert.Equal(t, []websocket.EventType{
		websocket.EventNewMessage, websocket.EventNotification, websocket.EventUnreadCount,
	}, types(events))
	note := decode[websocket.NotificationPayload](t, events[1])
	assert.Equal(t, "Posso ir …", note.Preview)
	assert.Equal(t, providerID, note.SenderID)
	assert.Equal(t, 1, decode[websocket.UnreadCountPayload](t, events[2]).Count)

	// Сессия вне комнаты получает уведомление, но не сообщение
	assert.Equal(t, []websocket.EventType{websocket.EventNotification, websocket.EventUnreadCount}, types(drain(cElsewhere)))

	for _, ev := range drain(p) {
		assert.NotEqual(t, websocket.EventNotification, ev.Type, "sender is not notified")
	}
}

func TestNotification_SkippedWhileFocused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, request("R-1", models.RequestPending))
	c := h.joined(t, clientID, "R-1")
	p := h.joined(t, providerID, "R-1")
	drain(c)

	require.NoError(t, h.svc.Focus(caller(c), "R-1", true))
	_, err := h.svc.Send(ctx, caller(p), SendInput{RequestID: "R-1", Type: models.MessageText, Content: "oi"})
	require.NoError(t, err)
	assert.Equal(t, []websocket.EventType{websocket.EventNewMessage}, types(drain(c)))

	require.NoError(t, h.svc.Focus(caller(c), "R-1", false))
	_, err = h.svc.Send(ctx, caller(p), SendInput{RequestID: "R-1", Type: models.MessageText, Content: "oi?"})
	require.NoError(t, err)
	find(t, drain(c), websocket.EventNotification)
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name string
		msg  models.Message
		want string
	}{
		{"short text", models.Message{Type: models.MessageText, Content: "oi"}, "oi"},
		{"collapses whitespace", models.Message{Type: models.MessageText, Content: "a\n\n  b"}, "a b"},
		{"truncates by runes", models.Message{Type: models.MessageText, Content: strings.Repeat("ç", 20)}, strings.Repeat("ç", 7) + "…"},
		{"image", models.Message{Type: models.MessageImage, Content: "https://x/1.png"}, "📷 Image"},
		{"proposal", models.Message{Type: models.MessageProposal, Content: `{"budget":150}`}, "💰 Propo…"},
		{"accepted", models.Message{Type: models.MessageProposalAccepted}, "✅ Proposal accepted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, preview(tt.msg, 8))
		})
	}
}

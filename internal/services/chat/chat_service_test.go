package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/flippy-chat/internal/apperr"
	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/websocket"
)

func TestScenario_TextDeliveredAndKeptInHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, request("R-1", models.RequestPending))
	c := h.joined(t, clientID, "R-1")
	p := h.joined(t, providerID, "R-1")
	drain(c)

	res, err := h.svc.Send(ctx, caller(p), SendInput{RequestID: "R-1", Type: models.MessageText, Content: "Posso ir terça"})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	got := decode[models.Message](t, find(t, drain(c), websocket.EventNewMessage))
	assert.Equal(t, "Posso ir terça", got.Content)
	assert.False(t, got.Viewed)
	assert.Equal(t, providerID, got.SenderID)
	assert.Equal(t, clientID, got.ReceiverID)

	// Отправитель тоже получает сообщение
	find(t, drain(p), websocket.EventNewMessage)

	third := h.session(t, clientID)
	require.NoError(t, h.svc.Join(ctx, caller(third), "R-1"))
	history := decode[websocket.LoadHistoryPayload](t, find(t, drain(third), websocket.EventLoadHistory))
	require.Len(t, history.Messages, 1)
	assert.Equal(t, res.Message.ID, history.Messages[0].ID)
}

func TestScenario_OfflineMessageDeliveredThroughHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, request("R-1", models.RequestPending))
	c := h.joined(t, clientID, "R-1")
	p := h.joined(t, providerID, "R-1")

	c.Close()
	assert.False(t, h.svc.Presence(clientID).Online)

	_, err := h.svc.Send(ctx, caller(p), SendInput{RequestID: "R-1", Type: models.MessageText, Content: "still there?"})
	require.NoError(t, err)

	back := h.session(t, clientID)
	require.NoError(t, h.svc.Join(ctx, caller(back), "R-1"))
	history := decode[websocket.LoadHistoryPayload](t, find(t, drain(back), websocket.EventLoadHistory))
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "still there?", history.Messages[0].Content)
	assert.False(t, history.Messages[0].Viewed)
}

func TestJoin_Authorization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, request("R-1", models.RequestPending))

	x := h.session(t, strangerID)
	err := h.svc.Join(ctx, caller(x), "R-1")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Equal(t, 0, h.hub.RoomSize("R-1"))

	err = h.svc.Join(ctx, caller(x), "R-404")
	assert.ErrorIs(t, err, apperr.ErrForbidden, "missing request is not distinguishable")

	err = h.svc.Join(ctx, Caller{UserID: clientID}, "R-1")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestJoin_IdempotentResendsHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, request("R-1", models.RequestPending))
	c := h.joined(t, clientID, "R-1")
	p := h.joined(t, providerID, "R-1")
	_, err := h.svc.Send(ctx, caller(p), SendInput{RequestID: "R-1", Type: models.MessageText, Content: "hi"})
	require.NoError(t, err)
	drain(c)
	drain(p)

	for i := 0; i < 2; i++ {
		require.NoError(t, h.svc.Join(ctx, caller(c), "R-1"))
		events := drain(c)
		history := decode[websocket.LoadHistoryPayload](t, find(t, events, websocket.EventLoadHistory))
		assert.Len(t, history.Messages, 1)
		presence := decode[models.Presence](t, find(t, events, websocket.EventPresence))
		assert.Equal(t, providerID, presence.UserID)
		assert.True(t, presence.Online)
	}
	assert.Equal(t, 2, h.hub.RoomSize("R-1"))
	assert.Len(t, h.history(t, "R-1"), 1)
	assert.Empty(t, drain(p), "re-join is not announced")
}

func TestJoin_AnnouncesPresenceToRoom(t *testing.T) {
	h := newHarness(t, Options{}, request("R-1", models.RequestPending))
	c := h.joined(t, clientID, "R-1")
	h.joined(t, providerID, "R-1")

	presence := decode[models.Presence](t, find(t, drain(c), websocket.EventPresence))
	assert.Equal(t, providerID, presence.UserID)
	assert.True(t, presence.Online)
}

func TestSend_RoomIsolation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{},
		request("R-1", models.RequestPending),
		models.Request{ID: "R-2", ClientUserID: strangerID, ProviderUserID: providerID, Status: models.RequestPending},
	)
	c := h.joined(t, clientID, "R-1")
	x := h.joined(t, strangerID, "R-2")
	p := h.joined(t, providerID, "R-2")
	drain(x)

	_, err := h.svc.Send(ctx, caller(p), SendInput{RequestID: "R-1", Type: models.MessageText, Content: "for C only"})
	require.NoError(t, err)

	find(t, drain(c), websocket.EventNewMessage)
	for _, ev := range drain(x) {
		assert.NotEqual(t, "R-1", ev.RequestID, "event %s leaked into another room", ev.Type)
	}
	assert.True(t, h.hub.IsMember(p.ID, "R-1"), "sender joined implicitly")
}

func TestSend_OrderMatchesPersistence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, request("R-1", models.RequestPending))
	c := h.joined(t, clientID, "R-1")
	p := h.joined(t, providerID, "R-1")
	watcher := h.joined(t, clientID, "R-1")
	drain(c)
	drain(p)

	const perSender = 25
	var wg sync.WaitGroup
	for _, sender := range []*websocket.Client{c, p} {
		wg.Add(1)
		go func(s *websocket.Client) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := h.svc.Send(ctx, caller(s), SendInput{
					RequestID: "R-1",
					Type:      models.MessageText,
					Content:   fmt.Sprintf("%s-%d", s.UserID, i),
				})
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	for _, member := range []*websocket.Client{c, p, watcher} {
		var ids []int64
		for _, ev := range drain(member) {
			if ev.Type == websocket.EventNewMessage {
				ids = append(ids, decode[models.Message](t, ev).ID)
			}
		}
		require.Len(t, ids, 2*perSender)
		for i := 1; i < len(ids); i++ {
			assert.Less(t, ids[i-1], ids[i], "member %s saw messages out of order", member.ID)
		}
	}
}

func TestSend_Validation(t *testing.T) {
	h := newHarness(t, Options{MaxMessageLength: 5, MediaHosts: []string{"res.cloudinary.com"}},
		request("R-1", models.RequestPending))
	p := h.joined(t, providerID, "R-1")

	tests := []struct {
		name string
		in   SendInput
	}{
		{"empty text", SendInput{Type: models.MessageText, Content: "   "}},
		{"text too long", SendInput{Type: models.MessageText, Content: "привет!"}},
		{"relative image", SendInput{Type: models.MessageImage, Content: "/img/1.png"}},
		{"ftp video", SendInput{Type: models.MessageVideo, Content: "ftp://res.cloudinary.com/v.mp4"}},
		{"foreign host", SendInput{Type: models.MessageImage, Content: "https://evil.example/1.png"}},
		{"unknown type", SendInput{Type: "AUDIO", Content: "x"}},
		{"wrong receiver", SendInput{Type: models.MessageText, Content: "hi", ReceiverID: strangerID}},
		{"long client id", SendInput{Type: models.MessageText, Content: "hi", ClientMsgID: string(make([]byte, 65))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.RequestID = "R-1"
			_, err := h.svc.Send(context.Background(), caller(p), tt.in)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}

	assert.Empty(t, h.history(t, "R-1"))
	assert.Empty(t, drain(p))
}

func TestSend_AcceptsMedia(t *testing.T) {
	h := newHarness(t, Options{MediaHosts: []string{"cloudinary.com"}}, request("R-1", models.RequestPending))
	p := h.joined(t, providerID, "R-1")

	res, err := h.svc.Send(context.Background(), caller(p), SendInput{
		RequestID: "R-1",
		Type:      models.MessageImage,
		Content:   " https://res.cloudinary.com/demo/chat/1.jpg ",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://res.cloudinary.com/demo/chat/1.jpg", res.Message.Content)
}

func TestSend_NonParticipantForbidden(t *testing.T) {
	h := newHarness(t, Options{}, request("R-1", models.RequestPending))
	x := h.session(t, strangerID)

	_, err := h.svc.Send(context.Background(), caller(x), SendInput{RequestID: "R-1", Type: models.MessageText, Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.False(t, h.hub.IsMember(x.ID, "R-1"))
}

func TestSend_DuplicateClientMsgID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, request("R-1", models.RequestPending))
	c := h.joined(t, clientID, "R-1")
	p := h.joined(t, providerID, "R-1")
	drain(c)

	in := SendInput{RequestID: "R-1", Type: models.MessageText, Content: "once", ClientMsgID: "m-1"}
	first, err := h.svc.Send(ctx, caller(p), in)
	require.NoError(t, err)
	drain(c)

	second, err := h.svc.Send(ctx, caller(p), in)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Empty(t, drain(c), "resend is not fanned out again")
	assert.Len(t, h.history(t, "R-1"), 1)
}

func TestSend_PersistenceFailure(t *testing.T) {
	h := newHarness(t, Options{}, request("R-1", models.RequestPending))
	c := h.joined(t, clientID, "R-1")
	p := h.joined(t, providerID, "R-1")
	drain(c)
	h.messages.failSave(errors.New("connection reset"))

	_, err := h.svc.Send(context.Background(), caller(p), SendInput{RequestID: "R-1", Type: models.MessageText, Content: "hi"})
	require.ErrorIs(t, err, apperr.ErrPersistence)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.True(t, e.Retryable)

	assert.Empty(t, drain(c))
	assert.Equal(t, 2, h.hub.RoomSize("R-1"), "membership intact")
}

func TestSend_PersistTimeoutFailsFast(t *testing.T) {
	h := newHarness(t, Options{PersistTimeout: 20 * time.Millisecond}, request("R-1", models.RequestPending))
	p := h.joined(t, providerID, "R-1")
	h.messages.block.Store(true)

	started := time.Now()
	_, err := h.svc.Send(context.Background(), caller(p), SendInput{RequestID: "R-1", Type: models.MessageText, Content: "hi"})
	require.ErrorIs(t, err, apperr.ErrPersistence)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), time.Second)
}

func TestLoadHistory_PagesLazily(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{HistoryPageSize: 2}, request("R-1", models.RequestPending))
	p := h.joined(t, providerID, "R-1")
	for i := 0; i < 5; i++ {
		_, err := h.svc.Send(ctx, caller(p), SendInput{RequestID: "R-1", Type: models.MessageText, Content: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	var contents []string
	for m, err := range h.svc.LoadHistory(ctx, "R-1") {
		require.NoError(t, err)
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, contents)

	// Повторный перебор читает заново; ранний выход останавливает чтение
	n := 0
	for range h.svc.LoadHistory(ctx, "R-1") {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestHistory_AfterCursor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, request("R-1", models.RequestPending))
	p := h.joined(t, providerID, "R-1")
	var ids []int64
	for i := 0; i < 3; i++ {
		res, err := h.svc.Send(ctx, caller(p), SendInput{RequestID: "R-1", Type: models.MessageText, Content: "m"})
		require.NoError(t, err)
		ids = append(ids, res.Message.ID)
	}

	page, err := h.svc.History(ctx, clientID, "R-1", ids[0], 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ID)

	_, err = h.svc.History(ctx, strangerID, "R-1", 0, 0)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestTyping(t *testing.T) {
	h := newHarness(t, Options{}, request("R-1", models.RequestPending))
	c := h.joined(t, clientID, "R-1")
	p := h.joined(t, providerID, "R-1")
	drain(c)

	require.NoError(t, h.svc.Typing(caller(p), "R-1", true))
	typing := decode[websocket.TypingPayload](t, find(t, drain(c), websocket.EventTyping))
	assert.Equal(t, providerID, typing.UserID)
	assert.True(t, typing.Typing)
	assert.Empty(t, drain(p))

	x := h.session(t, strangerID)
	assert.ErrorIs(t, h.svc.Typing(caller(x), "R-1", true), apperr.ErrForbidden)
}

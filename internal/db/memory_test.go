package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/flippy-chat/internal/models"
)

func newMsg(requestID, sender, content string) *models.Message {
	return &models.Message{RequestID: requestID, SenderID: sender, ReceiverID: "other", Type: models.MessageText, Content: content}
}

func TestMemoryMessageStore_SaveAssignsMonotonicIDsPerRequest(t *testing.T) {
	s := NewMemoryMessageStore()
	ctx := context.Background()

	a1 := newMsg("A", "u1", "a1")
	b1 := newMsg("B", "u2", "b1")
	a2 := newMsg("A", "u1", "a2")
	for _, m := range []*models.Message{a1, b1, a2} {
		require.NoError(t, s.SaveMessage(ctx, m))
	}

	assert.Less(t, a1.ID, a2.ID)
	assert.False(t, a1.CreatedAt.IsZero())

	list, err := s.ListMessages(ctx, "A", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a1", list[0].Content)
	assert.Equal(t, "a2", list[1].Content)
}

func TestMemoryMessageStore_ListAfterAndLimit(t *testing.T) {
	s := NewMemoryMessageStore()
	ctx := context.Background()

	var ids []int64
	for _, c := range []string{"1", "2", "3", "4"} {
		m := newMsg("R", "u1", c)
		require.NoError(t, s.SaveMessage(ctx, m))
		ids = append(ids, m.ID)
	}

	page, err := s.ListMessages(ctx, "R", ids[0], 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "2", page[0].Content)
	assert.Equal(t, "3", page[1].Content)
}

func TestMemoryMessageStore_DuplicateClientMsgID(t *testing.T) {
	s := NewMemoryMessageStore()
	ctx := context.Background()

	first := newMsg("R", "u1", "once")
	first.ClientMsgID = "c-1"
	require.NoError(t, s.SaveMessage(ctx, first))

	second := newMsg("R", "u1", "twice")
	second.ClientMsgID = "c-1"
	err := s.SaveMessage(ctx, second)
	require.ErrorIs(t, err, ErrDuplicateMessage)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "once", second.Content)

	list, err := s.ListMessages(ctx, "R", 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryMessageStore_MarkViewedIsOneWay(t *testing.T) {
	s := NewMemoryMessageStore()
	ctx := context.Background()

	m := newMsg("R", "u1", "hi")
	require.NoError(t, s.SaveMessage(ctx, m))

	changed, err := s.MarkViewed(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MarkViewed(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Viewed)

	_, err = s.MarkViewed(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryMessageStore_CountUnread(t *testing.T) {
	s := NewMemoryMessageStore()
	ctx := context.Background()

	m1 := newMsg("R", "u1", "1")
	m2 := newMsg("R", "u1", "2")
	require.NoError(t, s.SaveMessage(ctx, m1))
	require.NoError(t, s.SaveMessage(ctx, m2))
	_, err := s.MarkViewed(ctx, m1.ID)
	require.NoError(t, err)

	n, err := s.CountUnread(ctx, "R", "other")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryMessageStore_CanceledContext(t *testing.T) {
	s := NewMemoryMessageStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.SaveMessage(ctx, newMsg("R", "u1", "x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryRequestStore(t *testing.T) {
	s := NewMemoryRequestStore(models.Request{ID: "R-1", ClientUserID: "C", ProviderUserID: "P", Status: models.RequestPending})
	ctx := context.Background()

	req, err := s.GetRequest(ctx, "R-1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, req.Status)

	require.NoError(t, s.SetRequestStatus(ctx, "R-1", models.RequestOnBudget))
	req, err = s.GetRequest(ctx, "R-1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestOnBudget, req.Status)

	_, err = s.GetRequest(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetRequestStatus(ctx, "missing", models.RequestAccepted), ErrNotFound)
}

package services_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lucasalmeidadh/lemeai-sync/internal/models"
	"github.com/lucasalmeidadh/lemeai-sync/internal/services"
)

type MockChatAPI struct {
	mock.Mock
}

func (m *MockChatAPI) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Conversation), args.Error(1)
}

func (m *MockChatAPI) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}

func (m *MockChatAPI) SendText(ctx context.Context, conversationID int64, text string) error {
	args := m.Called(ctx, conversationID, text)
	return args.Error(0)
}

func (m *MockChatAPI) SendMedia(ctx context.Context, conversationID int64, kind models.ContentType, fileName, mimeType string, content io.Reader) error {
	args := m.Called(ctx, conversationID, kind, fileName, mimeType, content)
	return args.Error(0)
}

// viewRecorder collects every emitted message view for later inspection.
type viewRecorder struct {
	mu    sync.Mutex
	views []services.MessagesView
}

func (r *viewRecorder) record(v services.MessagesView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

func (r *viewRecorder) all() []services.MessagesView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]services.MessagesView(nil), r.views...)
}

var fixedNow = time.Date(2026, 8, 31, 15, 30, 0, 0, time.Local)

func newService(t *testing.T, api services.ChatAPI, rec *viewRecorder) *services.MessageSyncService {
	t.Helper()
	opts := []services.StoreOption{services.WithClock(func() time.Time { return fixedNow })}
	if rec != nil {
		opts = append(opts, services.WithMessagesListener(rec.record))
	}
	svc, err := services.NewMessageSyncService(api, opts...)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func flatten(v services.MessagesView) []models.Message {
	var out []models.Message
	for _, b := range v.Buckets {
		out = append(out, b.Messages...)
	}
	return out
}

func TestSendTextReconciliation(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		api := new(MockChatAPI)
		rec := &viewRecorder{}
		svc := newService(t, api, rec)

		api.On("ListMessages", mock.Anything, int64(1)).Return([]models.Message{}, nil).Once()
		require.NoError(t, svc.LoadConversation(ctx, 1))

		serverMsg := models.Message{
			ID: 500, ConversationID: 1, Sender: models.SenderAgent,
			Text: "hello", SentAt: fixedNow, Status: models.StatusSent, Type: models.ContentText,
		}
		api.On("SendText", mock.Anything, int64(1), "hello").Return(nil).Once()
		api.On("ListMessages", mock.Anything, int64(1)).Return([]models.Message{serverMsg}, nil).Once()

		require.NoError(t, svc.SendText(ctx, 1, "hello"))

		// The provisional entry was visible while the send was in flight.
		sawSending := false
		for _, v := range rec.all() {
			for _, m := range flatten(v) {
				if m.Provisional && m.Status == models.StatusSending && m.Text == "hello" {
					sawSending = true
				}
			}
		}
		assert.True(t, sawSending, "provisional sending entry should have been emitted")

		// Final state: exactly the server message, no leftover provisional.
		final := flatten(svc.Snapshot())
		require.Len(t, final, 1)
		assert.Equal(t, int64(500), final[0].ID)
		assert.Equal(t, models.StatusSent, final[0].Status)
		assert.False(t, final[0].Provisional)
		api.AssertExpectations(t)
	})

	t.Run("Failure", func(t *testing.T) {
		api := new(MockChatAPI)
		svc := newService(t, api, nil)

		api.On("ListMessages", mock.Anything, int64(1)).Return([]models.Message{}, nil).Once()
		require.NoError(t, svc.LoadConversation(ctx, 1))

		api.On("SendText", mock.Anything, int64(1), "hello").Return(errors.New("network down")).Once()
		require.Error(t, svc.SendText(ctx, 1, "hello"))

		final := flatten(svc.Snapshot())
		require.Len(t, final, 1)
		assert.Equal(t, fixedNow.UnixMilli(), final[0].ID)
		assert.Equal(t, models.StatusFailed, final[0].Status)
		assert.Equal(t, "hello", final[0].Text)
		assert.True(t, final[0].Provisional)
		api.AssertExpectations(t)
	})

	t.Run("RejectsBlankText", func(t *testing.T) {
		api := new(MockChatAPI)
		svc := newService(t, api, nil)
		assert.ErrorIs(t, svc.SendText(ctx, 1, "   "), models.ErrEmptyMessage)
		assert.ErrorIs(t, svc.SendText(ctx, 0, "hi"), models.ErrNoConversation)
		api.AssertNotCalled(t, "SendText")
	})
}

func TestStaleLoadGuard(t *testing.T) {
	ctx := context.Background()
	api := new(MockChatAPI)
	svc := newService(t, api, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	staleMsg := models.Message{ID: 11, ConversationID: 1, Text: "old", SentAt: fixedNow, Status: models.StatusSent, Type: models.ContentText}
	freshMsg := models.Message{ID: 22, ConversationID: 2, Text: "new", SentAt: fixedNow, Status: models.StatusSent, Type: models.ContentText}

	api.On("ListMessages", mock.Anything, int64(1)).
		Run(func(mock.Arguments) { close(started); <-release }).
		Return([]models.Message{staleMsg}, nil).Once()
	api.On("ListMessages", mock.Anything, int64(2)).Return([]models.Message{freshMsg}, nil).Once()

	done := make(chan error, 1)
	go func() { done <- svc.LoadConversation(ctx, 1) }()
	<-started

	// The user moves on to conversation 2 before load(1) resolves.
	require.NoError(t, svc.LoadConversation(ctx, 2))
	close(release)
	require.NoError(t, <-done)

	snapshot := svc.Snapshot()
	assert.Equal(t, int64(2), snapshot.ConversationID)
	msgs := flatten(snapshot)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(22), msgs[0].ID, "late response for conversation 1 must not overwrite the view")
}

func TestLoadConversation(t *testing.T) {
	ctx := context.Background()

	t.Run("ServesCacheBeforeNetwork", func(t *testing.T) {
		api := new(MockChatAPI)
		rec := &viewRecorder{}
		svc := newService(t, api, rec)

		cachedMsg := models.Message{ID: 1, ConversationID: 1, Text: "cached", SentAt: fixedNow, Status: models.StatusSent, Type: models.ContentText}
		api.On("ListMessages", mock.Anything, int64(1)).Return([]models.Message{cachedMsg}, nil).Once()
		require.NoError(t, svc.LoadConversation(ctx, 1))

		otherMsg := models.Message{ID: 2, ConversationID: 2, Text: "other", SentAt: fixedNow, Status: models.StatusSent, Type: models.ContentText}
		api.On("ListMessages", mock.Anything, int64(2)).Return([]models.Message{otherMsg}, nil).Once()
		require.NoError(t, svc.LoadConversation(ctx, 2))

		refreshed := models.Message{ID: 3, ConversationID: 1, Text: "fresh", SentAt: fixedNow, Status: models.StatusSent, Type: models.ContentText}
		api.On("ListMessages", mock.Anything, int64(1)).Return([]models.Message{refreshed}, nil).Once()

		before := len(rec.all())
		require.NoError(t, svc.LoadConversation(ctx, 1))

		views := rec.all()[before:]
		require.NotEmpty(t, views)
		first := flatten(views[0])
		require.Len(t, first, 1)
		assert.Equal(t, "cached", first[0].Text, "cache entry should render before the fetch resolves")

		final := flatten(svc.Snapshot())
		require.Len(t, final, 1)
		assert.Equal(t, "fresh", final[0].Text)
	})

	t.Run("FailureYieldsEmptyErrorView", func(t *testing.T) {
		api := new(MockChatAPI)
		svc := newService(t, api, nil)

		api.On("ListMessages", mock.Anything, int64(7)).Return(nil, errors.New("boom")).Once()
		require.Error(t, svc.LoadConversation(ctx, 7))

		snapshot := svc.Snapshot()
		assert.Empty(t, snapshot.Buckets)
		assert.Error(t, snapshot.Err)
	})
}

func TestOnPushMessage(t *testing.T) {
	ctx := context.Background()
	api := new(MockChatAPI)
	svc := newService(t, api, nil)

	api.On("ListMessages", mock.Anything, int64(1)).Return([]models.Message{}, nil).Once()
	require.NoError(t, svc.LoadConversation(ctx, 1))

	// Pushes always schedule a conversation-list refresh, whichever
	// conversation they belong to.
	refreshed := make(chan struct{}, 2)
	api.On("ListConversations", mock.Anything).
		Run(func(mock.Arguments) { refreshed <- struct{}{} }).
		Return([]models.Conversation{}, nil)

	t.Run("OpenConversationGetsAppended", func(t *testing.T) {
		svc.OnPushMessage(models.Message{ID: 42, ConversationID: 1, Text: "ping", SentAt: fixedNow, Type: models.ContentText})
		msgs := flatten(svc.Snapshot())
		require.Len(t, msgs, 1)
		assert.Equal(t, int64(42), msgs[0].ID)
		assert.Equal(t, models.StatusSent, msgs[0].Status)
	})

	t.Run("OtherConversationLeavesViewAlone", func(t *testing.T) {
		svc.OnPushMessage(models.Message{ID: 43, ConversationID: 9, Text: "other", SentAt: fixedNow, Type: models.ContentText})
		msgs := flatten(svc.Snapshot())
		require.Len(t, msgs, 1)
		assert.Equal(t, int64(42), msgs[0].ID)
	})

	select {
	case <-refreshed:
	case <-time.After(3 * time.Second):
		t.Fatal("expected a conversation-list refresh after push")
	}
}

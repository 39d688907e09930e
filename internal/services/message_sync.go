package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/lucasalmeidadh/lemeai-sync/internal/media"
	"github.com/lucasalmeidadh/lemeai-sync/internal/models"
)

// ChatAPI is the REST surface the sync services depend on.
type ChatAPI interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error)
	SendText(ctx context.Context, conversationID int64, text string) error
	SendMedia(ctx context.Context, conversationID int64, kind models.ContentType, fileName, mimeType string, content io.Reader) error
}

// MessagesView is a snapshot of the currently open conversation: its ordered
// date buckets plus the load error, if any. A failed load yields an empty
// view, never a partial one.
type MessagesView struct {
	ConversationID int64
	Buckets        []models.DayBucket
	Err            error
}

// SendMediaInput describes an outgoing media send.
type SendMediaInput struct {
	Kind     models.ContentType
	FileName string
	MimeType string
	// LocalRef is a locally resolvable reference (file path or data URL)
	// shown as the preview until the server URL is known.
	LocalRef string
	Data     []byte
}

const thumbnailMaxPx = 72

// MessageSyncService reconciles the three message sources for the open
// conversation: the REST fetch (authoritative), optimistic local sends
// (provisional), and push-delivered messages (authoritative but incremental).
// A per-conversation cache makes switching back to a conversation render
// instantly while the fresh fetch is in flight.
type MessageSyncService struct {
	api       ChatAPI
	cache     *gocache.Cache
	refresher *Refresher
	now       func() time.Time

	mu            sync.Mutex
	selected      int64
	buckets       []models.DayBucket
	loadErr       error
	conversations []models.Conversation

	onMessages      func(MessagesView)
	onConversations func([]models.Conversation)
}

// StoreOption configures the service.
type StoreOption func(*MessageSyncService)

// WithClock overrides the time source (used by tests for deterministic
// provisional ids).
func WithClock(now func() time.Time) StoreOption {
	return func(s *MessageSyncService) { s.now = now }
}

// WithMessagesListener registers the callback fired whenever the open
// conversation's view changes.
func WithMessagesListener(fn func(MessagesView)) StoreOption {
	return func(s *MessageSyncService) { s.onMessages = fn }
}

// WithConversationsListener registers the callback fired whenever the
// conversation summary list is replaced.
func WithConversationsListener(fn func([]models.Conversation)) StoreOption {
	return func(s *MessageSyncService) { s.onConversations = fn }
}

// WithRefreshDebounce overrides the conversation-list refresh debounce window.
func WithRefreshDebounce(d time.Duration) StoreOption {
	return func(s *MessageSyncService) { s.refresher = NewRefresher(d, s.refreshConversationsAsync) }
}

// NewMessageSyncService creates the sync service.
func NewMessageSyncService(api ChatAPI, opts ...StoreOption) (*MessageSyncService, error) {
	if api == nil {
		return nil, fmt.Errorf("chat API client cannot be nil for MessageSyncService")
	}
	s := &MessageSyncService{
		api:   api,
		cache: gocache.New(30*time.Minute, 10*time.Minute),
		now:   time.Now,
	}
	s.refresher = NewRefresher(500*time.Millisecond, s.refreshConversationsAsync)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close stops the background refresher.
func (s *MessageSyncService) Close() {
	s.refresher.Stop()
}

// Selected returns the id of the currently open conversation (0 when none).
func (s *MessageSyncService) Selected() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Snapshot returns a copy of the current message view.
func (s *MessageSyncService) Snapshot() MessagesView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Conversations returns the latest conversation summary list.
func (s *MessageSyncService) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Conversation(nil), s.conversations...)
}

func (s *MessageSyncService) viewLocked() MessagesView {
	return MessagesView{
		ConversationID: s.selected,
		Buckets:        models.CloneBuckets(s.buckets),
		Err:            s.loadErr,
	}
}

func (s *MessageSyncService) emitMessages(v MessagesView) {
	if s.onMessages != nil {
		s.onMessages(v)
	}
}

func cacheKey(conversationID int64) string {
	return fmt.Sprintf("conv:%d", conversationID)
}

// LoadConversation opens a conversation: the cached buckets (when present)
// are served immediately, then the authoritative history is fetched and
// replaces the view wholesale. A response arriving after the user has moved
// to another conversation is discarded.
func (s *MessageSyncService) LoadConversation(ctx context.Context, conversationID int64) error {
	if conversationID == 0 {
		return models.ErrNoConversation
	}

	s.mu.Lock()
	s.selected = conversationID
	s.loadErr = nil
	if cached, ok := s.cache.Get(cacheKey(conversationID)); ok {
		s.buckets = models.CloneBuckets(cached.([]models.DayBucket))
	} else {
		s.buckets = nil
	}
	view := s.viewLocked()
	s.mu.Unlock()
	s.emitMessages(view)

	return s.reload(ctx, conversationID)
}

// reload fetches the authoritative history and applies it, guarding against
// stale responses for conversations the user has navigated away from.
func (s *MessageSyncService) reload(ctx context.Context, conversationID int64) error {
	msgs, err := s.api.ListMessages(ctx, conversationID)

	s.mu.Lock()
	if s.selected != conversationID {
		s.mu.Unlock()
		log.Debug().Int64("conversationID", conversationID).Msg("Discarding stale message load, selection changed")
		return nil
	}
	if err != nil {
		s.buckets = nil
		s.loadErr = err
		view := s.viewLocked()
		s.mu.Unlock()
		s.emitMessages(view)
		return err
	}
	buckets := models.BuildBuckets(msgs)
	s.buckets = buckets
	s.loadErr = nil
	// Cache only authoritative state, never optimistic or failed entries.
	s.cache.Set(cacheKey(conversationID), models.CloneBuckets(buckets), gocache.DefaultExpiration)
	view := s.viewLocked()
	s.mu.Unlock()
	s.emitMessages(view)
	return nil
}

// SendText sends a text message with optimistic UI: a provisional entry
// (temporary id = current time in milliseconds, status sending) appears in
// today's bucket at once; on REST success the history is reloaded, which
// replaces the provisional entry with the server one; on failure the entry
// is flipped to failed in place so the user can see and resend it.
func (s *MessageSyncService) SendText(ctx context.Context, conversationID int64, text string) error {
	if conversationID == 0 {
		return models.ErrNoConversation
	}
	if strings.TrimSpace(text) == "" {
		return models.ErrEmptyMessage
	}

	now := s.now()
	provisional := models.Message{
		ID:             now.UnixMilli(),
		ConversationID: conversationID,
		Sender:         models.SenderAgent,
		Text:           text,
		SentAt:         now,
		Status:         models.StatusSending,
		Type:           models.ContentText,
		Provisional:    true,
	}
	s.appendProvisional(provisional)

	if err := s.api.SendText(ctx, conversationID, text); err != nil {
		s.markFailed(conversationID, provisional.ID)
		return err
	}
	// Reload strictly after the send resolved, so reconciliation never sees
	// a pre-send snapshot.
	return s.reload(ctx, conversationID)
}

// SendMedia sends a media file with the same optimistic-then-reconcile shape
// as SendText. The provisional entry carries the local reference (and a
// thumbnail for images) for immediate preview.
func (s *MessageSyncService) SendMedia(ctx context.Context, conversationID int64, in SendMediaInput) error {
	if conversationID == 0 {
		return models.ErrNoConversation
	}
	if len(in.Data) == 0 {
		return models.ErrEmptyMessage
	}
	if in.Kind == "" {
		in.Kind = media.KindForMime(in.MimeType)
	}

	now := s.now()
	provisional := models.Message{
		ID:             now.UnixMilli(),
		ConversationID: conversationID,
		Sender:         models.SenderAgent,
		Text:           in.FileName,
		SentAt:         now,
		Status:         models.StatusSending,
		Type:           in.Kind,
		Provisional:    true,
		LocalMedia:     in.LocalRef,
	}
	if in.Kind == models.ContentImage {
		if preview, err := media.Thumbnail(in.Data, thumbnailMaxPx); err == nil {
			provisional.Preview = preview
		} else {
			log.Debug().Err(err).Str("fileName", in.FileName).Msg("Could not build preview thumbnail")
		}
	}
	s.appendProvisional(provisional)

	if err := s.api.SendMedia(ctx, conversationID, in.Kind, in.FileName, in.MimeType, bytes.NewReader(in.Data)); err != nil {
		s.markFailed(conversationID, provisional.ID)
		return err
	}
	return s.reload(ctx, conversationID)
}

func (s *MessageSyncService) appendProvisional(m models.Message) {
	s.mu.Lock()
	if s.selected != m.ConversationID {
		s.mu.Unlock()
		return
	}
	s.buckets = models.InsertMessage(s.buckets, m)
	view := s.viewLocked()
	s.mu.Unlock()
	s.emitMessages(view)
}

// markFailed flips the provisional entry with the given temporary id to
// failed, leaving every other message untouched.
func (s *MessageSyncService) markFailed(conversationID, tempID int64) {
	s.mu.Lock()
	if s.selected != conversationID {
		s.mu.Unlock()
		return
	}
	today := models.DayLabel(s.now())
	for bi := range s.buckets {
		if s.buckets[bi].Label != today {
			continue
		}
		for mi := range s.buckets[bi].Messages {
			m := &s.buckets[bi].Messages[mi]
			if m.Provisional && m.ID == tempID {
				m.Status = models.StatusFailed
			}
		}
	}
	view := s.viewLocked()
	s.mu.Unlock()
	s.emitMessages(view)
}

// OnPushMessage merges a push-delivered message: it lands in the matching
// date bucket when its conversation is open, and it always schedules a
// conversation-list refresh because the push may target a closed
// conversation.
func (s *MessageSyncService) OnPushMessage(m models.Message) {
	if m.Status == "" {
		m.Status = models.StatusSent
	}

	s.mu.Lock()
	matched := m.ConversationID == s.selected
	var view MessagesView
	if matched {
		s.buckets = models.InsertMessage(s.buckets, m)
		view = s.viewLocked()
	}
	s.mu.Unlock()
	if matched {
		s.emitMessages(view)
	}

	s.refresher.Trigger()
}

// TriggerConversationRefresh schedules a debounced conversation-list refresh.
func (s *MessageSyncService) TriggerConversationRefresh() {
	s.refresher.Trigger()
}

// RefreshConversations re-fetches the conversation summaries and replaces the
// local list wholesale (never a merge, so stale triggers self-correct on the
// next refresh).
func (s *MessageSyncService) RefreshConversations(ctx context.Context) error {
	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conversations = convs
	s.mu.Unlock()
	if s.onConversations != nil {
		s.onConversations(append([]models.Conversation(nil), convs...))
	}
	return nil
}

func (s *MessageSyncService) refreshConversationsAsync() {
	if err := s.RefreshConversations(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Conversation list refresh failed")
	}
}

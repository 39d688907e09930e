package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lucasalmeidadh/lemeai-sync/internal/models"
	"github.com/lucasalmeidadh/lemeai-sync/internal/notify"
)

// ConversationLister is the slice of the REST client the poller needs.
type ConversationLister interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
}

// UnreadPoller is the redundant detection path for inbound messages: it
// re-fetches conversation summaries on a fixed interval and compares the
// unread total against the last observed baseline, so badges stay correct
// even when a push event is missed. It is strictly a backstop: while the chat
// view is open it trusts the push channel and forces the badge to zero.
type UnreadPoller struct {
	api      ConversationLister
	sink     notify.Sink
	interval time.Duration

	mu       sync.Mutex
	baseline int
	view     models.ViewContext
}

func NewUnreadPoller(api ConversationLister, sink notify.Sink, interval time.Duration) *UnreadPoller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &UnreadPoller{api: api, sink: sink, interval: interval}
}

// SetView tells the poller whether the chat screen is currently open.
func (p *UnreadPoller) SetView(v models.ViewContext) {
	p.mu.Lock()
	p.view = v
	p.mu.Unlock()
	log.Debug().Str("view", v.String()).Msg("Chat view context changed")
}

// Run polls until ctx is cancelled. Transient fetch failures only skip the
// tick; the loop never surfaces them.
func (p *UnreadPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	log.Info().Dur("interval", p.interval).Msg("Unread poller started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Unread poller stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one poll cycle.
func (p *UnreadPoller) Tick(ctx context.Context) {
	convs, err := p.api.ListConversations(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Unread poll skipped")
		return
	}

	total := 0
	for _, c := range convs {
		total += c.Unread
	}

	p.mu.Lock()
	view := p.view
	previous := p.baseline
	p.baseline = total
	p.mu.Unlock()

	if view == models.ChatOpen {
		// The open view has "seen" everything; the baseline above still
		// advanced so future comparisons stay correct.
		p.sink.SetBadge(0)
		return
	}
	if total > previous {
		p.sink.SetBadge(total)
		p.sink.NewActivity(total)
	}
}

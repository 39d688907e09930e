package services

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Hub method names for conversation group membership.
const (
	joinGroupMethod  = "JoinConversationGroup"
	leaveGroupMethod = "LeaveConversationGroup"
)

// GroupHub is the slice of the hub client the binder needs.
type GroupHub interface {
	Invoke(ctx context.Context, method string, args ...any) error
	Connected() bool
}

// GroupBinder keeps the server-side group membership aligned with the single
// conversation currently open in the UI. Only one group is joined at a time;
// the leave is always issued for the exact id that was joined, even if the
// selection has already moved on.
type GroupBinder struct {
	hub GroupHub

	mu     sync.Mutex
	want   int64
	joined int64
}

func NewGroupBinder(hub GroupHub) *GroupBinder {
	return &GroupBinder{hub: hub}
}

// Bind records the newly selected conversation and synchronizes group
// membership. When the hub is not yet connected, the join is deferred until
// HandleConnected fires.
func (b *GroupBinder) Bind(ctx context.Context, conversationID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.want = conversationID
	b.evaluateLocked(ctx)
}

// Unbind releases the current group when the UI navigates away.
func (b *GroupBinder) Unbind(ctx context.Context) {
	b.Bind(ctx, 0)
}

// HandleConnected re-evaluates the binding after the hub transitions to
// connected (the binding condition is "connected AND selected").
func (b *GroupBinder) HandleConnected(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evaluateLocked(ctx)
}

// Joined reports the currently joined group id (0 when none).
func (b *GroupBinder) Joined() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joined
}

func (b *GroupBinder) evaluateLocked(ctx context.Context) {
	if b.joined != 0 && b.joined != b.want {
		left := b.joined
		// Clear first: membership died with the group either way, and a
		// failed leave must not be retried against a newer id.
		b.joined = 0
		if err := b.hub.Invoke(ctx, leaveGroupMethod, left); err != nil {
			log.Warn().Err(err).Int64("conversationID", left).Msg("Failed to leave conversation group")
		} else {
			log.Debug().Int64("conversationID", left).Msg("Left conversation group")
		}
	}

	if b.want != 0 && b.joined == 0 && b.hub.Connected() {
		if err := b.hub.Invoke(ctx, joinGroupMethod, b.want); err != nil {
			log.Warn().Err(err).Int64("conversationID", b.want).Msg("Failed to join conversation group")
			return
		}
		b.joined = b.want
		log.Debug().Int64("conversationID", b.joined).Msg("Joined conversation group")
	}
}

package notify

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Sink receives the unread-badge and new-activity side effects produced by
// the sync core. The embedding UI decides how to render them.
type Sink interface {
	// SetBadge updates the visible unread total.
	SetBadge(total int)
	// NewActivity fires once per detected batch of new inbound messages
	// (the "notification sound" hook).
	NewActivity(total int)
}

// Notifier is the default Sink: it tracks the badge value for the status
// endpoint, logs the sound event, and fans the activity out through the
// delivery manager when one is configured.
type Notifier struct {
	badge    atomic.Int64
	delivery *DeliveryManager
}

func NewNotifier(delivery *DeliveryManager) *Notifier {
	return &Notifier{delivery: delivery}
}

func (n *Notifier) SetBadge(total int) {
	n.badge.Store(int64(total))
	log.Debug().Int("total", total).Msg("Unread badge updated")
}

func (n *Notifier) NewActivity(total int) {
	log.Info().Int("total", total).Msg("New inbound activity detected")
	if n.delivery != nil {
		n.delivery.Deliver(NewActivityEvent(total))
	}
}

// Badge returns the last value pushed to the badge.
func (n *Notifier) Badge() int {
	return int(n.badge.Load())
}

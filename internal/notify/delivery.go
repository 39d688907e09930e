package notify

import (
	"context"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DeliveryStatus represents the status of a delivery
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Event is one detected piece of inbound activity that should reach every
// configured notification channel.
type Event struct {
	ID             string         `json:"id"`
	EventType      string         `json:"event_type"`
	UnreadTotal    int            `json:"unread_total,omitempty"`
	ConversationID int64          `json:"conversation_id,omitempty"`
	Payload        any            `json:"payload,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	AttemptCount   int            `json:"attempt_count"`
	Status         DeliveryStatus `json:"status"`
	LastError      string         `json:"last_error,omitempty"`

	// inFlight marks an event whose delivery is currently executing, so the
	// retry sweep never dispatches it a second time in parallel.
	inFlight bool
}

// NewActivityEvent builds the event fired when the unread total grows.
func NewActivityEvent(total int) *Event {
	return &Event{EventType: "NewActivity", UnreadTotal: total}
}

// NewMessageEvent builds the event fired for a pushed message belonging to a
// conversation that is not currently open.
func NewMessageEvent(conversationID int64, payload any) *Event {
	return &Event{EventType: "NewMessage", ConversationID: conversationID, Payload: payload}
}

// DeliveryResult represents the result of a delivery attempt
type DeliveryResult struct {
	Channel   string    `json:"channel"` // "webhook", "rabbitmq"
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"duration_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// DeliveryManager fans events out to the configured channels in parallel and
// retries partial failures. Channels left unconfigured are skipped.
type DeliveryManager struct {
	mu            sync.RWMutex
	pendingEvents map[string]*Event
	httpClient    *resty.Client
	webhookURL    string
	rabbit        *RabbitPublisher
	maxRetries    int
	retryBackoff  time.Duration
	timeout       time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewDeliveryManager creates a delivery manager. webhookURL may be empty and
// rabbit may be nil; with no channel configured Deliver becomes a no-op.
func NewDeliveryManager(webhookURL string, rabbit *RabbitPublisher) *DeliveryManager {
	dm := &DeliveryManager{
		pendingEvents: make(map[string]*Event),
		httpClient:    resty.New().SetTimeout(5 * time.Second),
		webhookURL:    webhookURL,
		rabbit:        rabbit,
		maxRetries:    3,
		retryBackoff:  2 * time.Second,
		timeout:       10 * time.Second,
		stop:          make(chan struct{}),
	}

	go dm.processRetries()

	log.Info().
		Bool("webhook", webhookURL != "").
		Bool("rabbitmq", rabbit != nil).
		Int("maxRetries", dm.maxRetries).
		Msg("Delivery manager initialized")
	return dm
}

// Close stops the retry loop.
func (dm *DeliveryManager) Close() {
	dm.stopOnce.Do(func() { close(dm.stop) })
}

// Deliver queues an event for delivery to all configured channels.
func (dm *DeliveryManager) Deliver(event *Event) {
	if dm.webhookURL == "" && dm.rabbit == nil {
		return
	}

	event.CreatedAt = time.Now()
	event.Status = DeliveryStatusPending
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	dm.mu.Lock()
	event.inFlight = true
	dm.pendingEvents[event.ID] = event
	dm.mu.Unlock()

	log.Debug().
		Str("eventID", event.ID).
		Str("eventType", event.EventType).
		Msg("Starting parallel delivery")

	go dm.processDelivery(event)
}

func (dm *DeliveryManager) processDelivery(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), dm.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan DeliveryResult, 2)

	if dm.webhookURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- dm.deliverToWebhook(ctx, event)
		}()
	}
	if dm.rabbit != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- dm.deliverToRabbitMQ(ctx, event)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	allSuccess := true
	delivered := 0
	for result := range results {
		delivered++
		if !result.Success {
			allSuccess = false
		}
		log.Debug().
			Str("eventID", event.ID).
			Str("channel", result.Channel).
			Bool("success", result.Success).
			Int64("durationMs", result.Duration).
			Str("error", result.Error).
			Msg("Channel delivery result")
	}

	dm.mu.Lock()
	event.inFlight = false
	if allSuccess {
		event.Status = DeliveryStatusDelivered
		delete(dm.pendingEvents, event.ID)
	} else {
		event.AttemptCount++
		if event.AttemptCount >= dm.maxRetries {
			event.Status = DeliveryStatusFailed
			event.LastError = "Max retries exceeded"
			delete(dm.pendingEvents, event.ID)
			log.Error().
				Str("eventID", event.ID).
				Int("attemptCount", event.AttemptCount).
				Msg("Event delivery failed permanently")
		} else {
			log.Warn().
				Str("eventID", event.ID).
				Int("attemptCount", event.AttemptCount).
				Int("maxRetries", dm.maxRetries).
				Msg("Event delivery partially failed, will retry")
		}
	}
	dm.mu.Unlock()
}

func (dm *DeliveryManager) deliverToWebhook(ctx context.Context, event *Event) DeliveryResult {
	start := time.Now()
	result := DeliveryResult{Channel: "webhook", Timestamp: start}

	_, err := dm.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(event).
		Post(dm.webhookURL)
	result.Duration = time.Since(start).Milliseconds()

	if err != nil {
		result.Success = false
		result.Error = err.Error()
		log.Error().
			Err(err).
			Str("eventID", event.ID).
			Str("webhookURL", dm.webhookURL).
			Msg("Webhook delivery failed")
	} else {
		result.Success = true
	}
	return result
}

func (dm *DeliveryManager) deliverToRabbitMQ(ctx context.Context, event *Event) DeliveryResult {
	start := time.Now()
	result := DeliveryResult{Channel: "rabbitmq", Timestamp: start}

	select {
	case <-ctx.Done():
		result.Success = false
		result.Error = "context timeout"
		result.Duration = time.Since(start).Milliseconds()
		return result
	default:
	}

	err := dm.rabbit.PublishEvent(event)
	result.Duration = time.Since(start).Milliseconds()

	if err != nil {
		result.Success = false
		result.Error = err.Error()
		log.Error().
			Err(err).
			Str("eventID", event.ID).
			Str("eventType", event.EventType).
			Msg("RabbitMQ delivery failed")
	} else {
		result.Success = true
	}
	return result
}

func (dm *DeliveryManager) processRetries() {
	ticker := time.NewTicker(dm.retryBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-dm.stop:
			return
		case <-ticker.C:
			dm.retryFailedEvents()
		}
	}
}

func (dm *DeliveryManager) retryFailedEvents() {
	dm.mu.Lock()
	eventsToRetry := make([]*Event, 0)
	for _, event := range dm.pendingEvents {
		if event.Status == DeliveryStatusPending &&
			!event.inFlight &&
			event.AttemptCount > 0 &&
			event.AttemptCount < dm.maxRetries &&
			time.Since(event.CreatedAt) > dm.retryBackoff {
			event.inFlight = true
			eventsToRetry = append(eventsToRetry, event)
		}
	}
	dm.mu.Unlock()

	for _, event := range eventsToRetry {
		log.Info().
			Str("eventID", event.ID).
			Int("attemptCount", event.AttemptCount).
			Msg("Retrying failed event delivery")
		go dm.processDelivery(event)
	}
}

// PendingCount returns the number of events still awaiting delivery.
func (dm *DeliveryManager) PendingCount() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return len(dm.pendingEvents)
}

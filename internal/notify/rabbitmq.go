package notify

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// RabbitPublisher publishes notification events to a durable RabbitMQ queue.
type RabbitPublisher struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
}

// NewRabbitPublisher connects to RabbitMQ. Queue defaults to "leme_events".
func NewRabbitPublisher(url, queue string) (*RabbitPublisher, error) {
	if queue == "" {
		queue = "leme_events"
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	log.Info().Str("queue", queue).Msg("RabbitMQ connection established")
	return &RabbitPublisher{conn: conn, channel: channel, queue: queue}, nil
}

// PublishEvent marshals the event and publishes it to the configured queue.
func (p *RabbitPublisher) PublishEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("could not encode event %s: %w", event.ID, err)
	}
	return p.Publish(data)
}

// Publish sends raw JSON to the queue. The declare is idempotent.
func (p *RabbitPublisher) Publish(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.channel.QueueDeclare(
		p.queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("could not declare RabbitMQ queue %s: %w", p.queue, err)
	}

	err = p.channel.Publish(
		"",      // exchange (default)
		p.queue, // routing key = queue
		false,   // mandatory
		false,   // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        data,
		},
	)
	if err != nil {
		return fmt.Errorf("could not publish to RabbitMQ queue %s: %w", p.queue, err)
	}
	log.Debug().Str("queue", p.queue).Msg("Published message to RabbitMQ")
	return nil
}

// Close tears down the channel and connection.
func (p *RabbitPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

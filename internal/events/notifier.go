// Package events publishes pairing lifecycle events to the rest of the
// platform: an optional webhook and an optional RabbitMQ queue. Delivery is
// fire-and-forget from the caller's perspective, with bounded retry inside.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Pairing lifecycle event types.
const (
	EventConnected    = "Connected"
	EventDisconnected = "Disconnected"
)

// Event is one pairing lifecycle notification.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Slug      string    `json:"slug"`
	Phone     string    `json:"phone,omitempty"`
	Name      string    `json:"name,omitempty"`
	Token     string    `json:"token,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config configures the notifier. Empty WebhookURL or RabbitURL disables the
// corresponding channel.
type Config struct {
	WebhookURL  string
	RabbitURL   string
	RabbitQueue string
}

// Notifier delivers events to the configured channels.
type Notifier struct {
	webhookURL string
	client     *resty.Client

	rabbitQueue   string
	rabbitConn    *amqp091.Connection
	rabbitChannel *amqp091.Channel
	rabbitEnabled bool

	maxRetries   int
	retryBackoff time.Duration

	wg sync.WaitGroup
}

// NewNotifier creates a notifier. A RabbitMQ connection failure disables that
// channel without failing startup.
func NewNotifier(cfg Config) *Notifier {
	n := &Notifier{
		webhookURL:   cfg.WebhookURL,
		client:       resty.New().SetTimeout(10 * time.Second),
		rabbitQueue:  cfg.RabbitQueue,
		maxRetries:   3,
		retryBackoff: 2 * time.Second,
	}
	if n.rabbitQueue == "" {
		n.rabbitQueue = "whatsapp_pairing_events"
	}

	if cfg.RabbitURL == "" {
		log.Info().Msg("RabbitMQ URL not set, queue publishing disabled")
	} else {
		conn, err := amqp091.Dial(cfg.RabbitURL)
		if err != nil {
			log.Error().Err(err).Msg("Could not connect to RabbitMQ, queue publishing disabled")
		} else if ch, err := conn.Channel(); err != nil {
			log.Error().Err(err).Msg("Could not open RabbitMQ channel, queue publishing disabled")
			conn.Close()
		} else {
			n.rabbitConn = conn
			n.rabbitChannel = ch
			n.rabbitEnabled = true
			log.Info().Str("queue", n.rabbitQueue).Msg("RabbitMQ connection established")
		}
	}

	if n.webhookURL == "" {
		log.Info().Msg("Pairing webhook URL not set, webhook publishing disabled")
	}

	return n
}

// PairingConnected publishes a Connected event.
func (n *Notifier) PairingConnected(slug, phone, name, token string) {
	n.publish(Event{Type: EventConnected, Slug: slug, Phone: phone, Name: name, Token: token})
}

// PairingDisconnected publishes a Disconnected event.
func (n *Notifier) PairingDisconnected(slug string) {
	n.publish(Event{Type: EventDisconnected, Slug: slug})
}

// publish delivers the event to every enabled channel in the background,
// retrying each failed channel up to maxRetries with a fixed backoff.
func (n *Notifier) publish(evt Event) {
	evt.Timestamp = time.Now()
	evt.ID = fmt.Sprintf("%s_%d", evt.Slug, evt.Timestamp.UnixNano())

	payload, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("eventType", evt.Type).Msg("Failed to marshal pairing event")
		return
	}

	log.Info().
		Str("eventID", evt.ID).
		Str("eventType", evt.Type).
		Str("slug", evt.Slug).
		Msg("Publishing pairing event")

	if n.webhookURL != "" {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.deliver(evt, "webhook", func() error { return n.deliverToWebhook(evt, payload) })
		}()
	}
	if n.rabbitEnabled {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.deliver(evt, "rabbitmq", func() error { return n.deliverToRabbit(payload) })
		}()
	}
}

func (n *Notifier) deliver(evt Event, channel string, send func() error) {
	var err error
	for attempt := 1; attempt <= n.maxRetries; attempt++ {
		start := time.Now()
		err = send()
		if err == nil {
			log.Debug().
				Str("eventID", evt.ID).
				Str("channel", channel).
				Int64("durationMs", time.Since(start).Milliseconds()).
				Msg("Pairing event delivered")
			return
		}
		log.Warn().
			Err(err).
			Str("eventID", evt.ID).
			Str("channel", channel).
			Int("attempt", attempt).
			Int("maxRetries", n.maxRetries).
			Msg("Pairing event delivery failed, will retry")
		if attempt < n.maxRetries {
			time.Sleep(n.retryBackoff)
		}
	}
	log.Error().
		Err(err).
		Str("eventID", evt.ID).
		Str("channel", channel).
		Msg("Pairing event delivery failed permanently")
}

func (n *Notifier) deliverToWebhook(evt Event, payload []byte) error {
	resp, err := n.client.R().
		SetFormData(map[string]string{
			"jsonData": string(payload),
			"token":    evt.Token,
			"slug":     evt.Slug,
		}).
		Post(n.webhookURL)
	if err != nil {
		return fmt.Errorf("failed to send POST request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

func (n *Notifier) deliverToRabbit(payload []byte) error {
	// Declare queue (idempotent)
	if _, err := n.rabbitChannel.QueueDeclare(n.rabbitQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("could not declare queue %s: %w", n.rabbitQueue, err)
	}
	return n.rabbitChannel.Publish(
		"",            // exchange (default)
		n.rabbitQueue, // routing key = queue
		false,         // mandatory
		false,         // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        payload,
		},
	)
}

// Close waits for in-flight deliveries and releases the RabbitMQ connection.
func (n *Notifier) Close() {
	n.wg.Wait()
	if n.rabbitChannel != nil {
		n.rabbitChannel.Close()
	}
	if n.rabbitConn != nil {
		n.rabbitConn.Close()
	}
}

// Package notify publishes terminal task outcomes to an AMQP queue for the
// notification fan-out service (mail, push) to consume.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vidreview/worker/internal/models"
)

const notificationQueue = "video_notifications"

// Notification is the message body placed on the queue.
type Notification struct {
	VideoID   string          `json:"video_id"`
	Kind      models.TaskKind `json:"kind"`
	Succeeded bool            `json:"succeeded"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher implements pipeline.Notifier over AMQP.
type Publisher struct {
	conn *amqp.Connection
}

// NewPublisher dials the broker.
func NewPublisher(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	return &Publisher{conn: conn}, nil
}

// Notify publishes one outcome. Best-effort: notification loss is logged,
// never propagated into the pipeline.
func (p *Publisher) Notify(ctx context.Context, videoID string, kind models.TaskKind, succeeded bool, message string) {
	body, err := json.Marshal(Notification{
		VideoID:   videoID,
		Kind:      kind,
		Succeeded: succeeded,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("notify: failed to marshal notification for video %s: %v", videoID, err)
		return
	}

	ch, err := p.conn.Channel()
	if err != nil {
		log.Printf("notify: failed to open channel: %v", err)
		return
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(notificationQueue, true, false, false, false, nil)
	if err != nil {
		log.Printf("notify: failed to declare queue: %v", err)
		return
	}

	err = ch.PublishWithContext(ctx, "", q.Name, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		log.Printf("notify: failed to publish notification for video %s: %v", videoID, err)
	}
}

// Close closes the broker connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}

// Package progress publishes pipeline status events to Redis for real-time
// consumers (the websocket/UI layer subscribes per video).
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/vidreview/worker/internal/models"
)

// Publisher emits status events on per-video Redis channels.
type Publisher struct {
	client *redis.Client
}

// NewPublisher creates a Redis-backed event publisher.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish sends one event on video:events:<id>. Delivery is best-effort:
// a missing subscriber or a Redis hiccup never affects the pipeline.
func (p *Publisher) Publish(ctx context.Context, ev models.StatusEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("progress: failed to marshal event for video %s: %v", ev.VideoID, err)
		return
	}

	channel := fmt.Sprintf("video:events:%s", ev.VideoID)
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		log.Printf("progress: failed to publish event for video %s: %v", ev.VideoID, err)
	}
}

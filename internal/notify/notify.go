// Package notify publishes scan progress events over redis pub/sub.
// Delivery is best effort; the orchestration path never blocks or fails
// on a notification.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventType enumerates the progress events clients subscribe to.
type EventType string

const (
	EventScanStarted    EventType = "scan_started"
	EventBatchLaunched  EventType = "batch_launched"
	EventBatchCompleted EventType = "batch_completed"
	EventBatchFailed    EventType = "batch_failed"
	EventScanCompleted  EventType = "scan_completed"
)

// Event is the JSON payload published per progress transition.
type Event struct {
	Type       EventType `json:"type"`
	ScanJobID  string    `json:"scan_job_id"`
	BatchID    string    `json:"batch_id,omitempty"`
	Module     string    `json:"module,omitempty"`
	Status     string    `json:"status,omitempty"`
	Completed  int       `json:"completed_domains,omitempty"`
	Failed     int       `json:"failed_domains,omitempty"`
	Total      int       `json:"total_domains,omitempty"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Client is the single redis command the publisher issues.
// *redis.Client satisfies it.
type Client interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Publisher fans progress events out to per-user channels. A nil
// Publisher is a no-op, so callers never guard their notify calls.
type Publisher struct {
	client Client
	logger *slog.Logger
	now    func() time.Time
}

func NewPublisher(client Client, logger *slog.Logger) *Publisher {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, logger: logger, now: time.Now}
}

// Channel is the per-user pub/sub channel name.
func Channel(userID string) string {
	return fmt.Sprintf("scan_progress:%s", userID)
}

// Publish sends one event. Errors are logged and swallowed.
func (p *Publisher) Publish(ctx context.Context, userID string, event Event) {
	if p == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Debug("drop unencodable progress event",
			slog.String("type", string(event.Type)),
			slog.String("error", err.Error()))
		return
	}
	if err := p.client.Publish(ctx, Channel(userID), payload).Err(); err != nil {
		p.logger.Debug("progress publish failed",
			slog.String("channel", Channel(userID)),
			slog.String("type", string(event.Type)),
			slog.String("error", err.Error()))
	}
}

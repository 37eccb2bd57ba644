package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/logging"
	"github.com/JakeFAU/jobcrawl/internal/progress"
)

// Publisher delivers a payload to a named topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notification is the message body published for notable task events.
type Notification struct {
	Type     string            `json:"type"`
	TS       time.Time         `json:"ts"`
	TaskID   string            `json:"task_id,omitempty"`
	Platform string            `json:"platform,omitempty"`
	Error    string            `json:"error,omitempty"`
	Overall  *progress.Overall `json:"overall,omitempty"`
}

// Attributes exposes routing keys as Pub/Sub message attributes.
func (n Notification) Attributes() map[string]string {
	attrs := map[string]string{"type": n.Type}
	if n.Platform != "" {
		attrs["platform"] = n.Platform
	}
	return attrs
}

// PublisherSink forwards task failures and batch completions to a Publisher
// so downstream alerting does not have to poll.
type PublisherSink struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink constructs a PublisherSink. An empty topic defers to the
// publisher's default.
func NewPublisherSink(pub Publisher, topic string, logger *zap.Logger) *PublisherSink {
	return &PublisherSink{pub: pub, topic: topic, logger: logging.OrNop(logger)}
}

// Consume publishes failed, cancelled and batch-complete events.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		switch evt.Type {
		case progress.EventTaskFailed, progress.EventTaskCancelled, progress.EventBatchComplete:
		default:
			continue
		}
		msg := Notification{
			Type:     string(evt.Type),
			TS:       evt.TS,
			TaskID:   evt.TaskID,
			Platform: evt.Platform,
			Error:    evt.Err,
			Overall:  evt.Overall,
		}
		id, err := s.pub.Publish(ctx, s.topic, msg)
		if err != nil {
			return fmt.Errorf("publish %s: %w", evt.Type, err)
		}
		s.logger.Debug("published progress notification", zap.String("type", msg.Type), zap.String("message_id", id))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}

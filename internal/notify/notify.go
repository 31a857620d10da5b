// Package notify publishes run summaries to Google Cloud Pub/Sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

// Config names the destination topic. Notification is disabled when either
// field is empty.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether both the project and topic are set.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.ProjectID) != "" && strings.TrimSpace(c.Topic) != ""
}

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// New connects to Pub/Sub. Application Default Credentials are used unless
// opts say otherwise. The topic must already exist.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Publisher, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("notify project_id and topic are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{client: client, topic: client.Topic(cfg.Topic), logger: logger}, nil
}

// PublishSummary sends the summary as JSON. The session id and status ride
// along as attributes so subscribers can filter without decoding.
func (p *Publisher) PublishSummary(ctx context.Context, s crawler.Summary) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"session_id": s.SessionID,
			"status":     string(s.Status),
			"errors":     strconv.Itoa(s.TotalErrors()),
		},
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish summary: %w", err)
	}
	p.logger.Info("summary published",
		zap.String("topic", p.topic.ID()),
		zap.String("message_id", id),
		zap.String("session_id", s.SessionID),
	)
	return id, nil
}

// Close flushes pending messages and closes the client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

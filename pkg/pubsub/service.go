package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parrotdial/parrot-voice-dashboard/pkg/logger"
)

type PubSubConfig struct {
	ProjectID string
	TopicName string
}

// PubSubService exports per-call metrics to the campaign analytics pipeline.
type PubSubService struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	config *PubSubConfig
}

// CallMetricsEvent is published once per call, when it reaches a terminal
// state.
type CallMetricsEvent struct {
	CallID        string     `json:"call_id"`
	VoiceAgentID  string     `json:"voice_agent_id"`
	ContactNumber string     `json:"contact_number"`
	Status        string     `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	StartAt       *time.Time `json:"start_at,omitempty"`
	EndAt         *time.Time `json:"end_at,omitempty"`
	DurationSecs  int        `json:"duration_secs"`
	CreatedAt     time.Time  `json:"created_at"`
}

func NewPubSubService(ctx context.Context, cfg *PubSubConfig) (*PubSubService, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PubSub project ID is required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create PubSub client: %w", err)
	}

	topic := client.Topic(cfg.TopicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check if topic exists: %w", err)
	}

	if !exists {
		logger.Base().Info("Topic does not exist, creating", zap.String("topic", cfg.TopicName))
		topic, err = client.CreateTopic(ctx, cfg.TopicName)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create topic %s: %w", cfg.TopicName, err)
		}
	}

	return &PubSubService{
		client: client,
		topic:  topic,
		config: cfg,
	}, nil
}

// PublishCallMetricsEvent publishes one terminal-call metrics message.
func (p *PubSubService) PublishCallMetricsEvent(ctx context.Context, metrics CallMetricsEvent) error {
	if metrics.CreatedAt.IsZero() {
		metrics.CreatedAt = time.Now()
	}

	data, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal call metrics event: %w", err)
	}

	taskID := uuid.New().String()
	message := &pubsub.Message{
		Attributes: map[string]string{
			"name": fmt.Sprintf("call:metrics:%s", taskID),
		},
		Data: data,
	}

	result := p.topic.Publish(ctx, message)
	if _, err := result.Get(ctx); err != nil {
		logger.Base().Error("Failed to publish call metrics",
			zap.String("call_id", metrics.CallID),
			zap.String("agent_id", metrics.VoiceAgentID),
			zap.Error(err))
		return fmt.Errorf("failed to publish call metrics message: %w", err)
	}

	logger.Base().Info("Published call metrics",
		zap.String("call_id", metrics.CallID),
		zap.String("agent_id", metrics.VoiceAgentID),
		zap.String("status", metrics.Status),
		zap.Int("duration_secs", metrics.DurationSecs),
		zap.String("task_id", taskID))

	return nil
}

func (p *PubSubService) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

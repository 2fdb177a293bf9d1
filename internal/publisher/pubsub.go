package publisher

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mcncl/slowhello/internal/errors"
)

// Publisher defines the interface for publishing messages
type Publisher interface {
	Publish(ctx context.Context, data interface{}, attributes map[string]string) (string, error)
	Close() error
}

// Config identifies the topic outcome events are sent to
type Config struct {
	ProjectID       string
	TopicID         string
	CredentialsFile string
	// Settings overrides DefaultPublishSettings when set
	Settings *pubsub.PublishSettings
}

// DefaultPublishSettings favours latency over batching; outcome events are
// small and arrive one per request.
func DefaultPublishSettings() pubsub.PublishSettings {
	settings := pubsub.DefaultPublishSettings
	settings.CountThreshold = 10
	settings.DelayThreshold = 50 * time.Millisecond
	settings.Timeout = 10 * time.Second
	return settings
}

// PubSubPublisher implements the Publisher interface for Google Cloud Pub/Sub
type PubSubPublisher struct {
	client    *pubsub.Client
	topic     *pubsub.Topic
	projectID string
	topicID   string
}

// NewPubSubPublisher creates a new Google Cloud Pub/Sub publisher. The topic
// must already exist. Extra client options are passed to pubsub.NewClient.
func NewPubSubPublisher(ctx context.Context, cfg Config, opts ...option.ClientOption) (*PubSubPublisher, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, errors.NewValidationError("project ID and topic ID are required")
	}

	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, classify("failed to create pubsub client", err)
	}

	topic := client.Topic(cfg.TopicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, classify("failed to check topic existence", err)
	}
	if !exists {
		client.Close()
		return nil, errors.WithDetails(
			errors.NewValidationError(fmt.Sprintf("topic %s does not exist", cfg.TopicID)),
			map[string]interface{}{"project_id": cfg.ProjectID, "topic_id": cfg.TopicID},
		)
	}

	settings := DefaultPublishSettings()
	if cfg.Settings != nil {
		settings = *cfg.Settings
	}
	topic.PublishSettings = settings

	return &PubSubPublisher{
		client:    client,
		topic:     topic,
		projectID: cfg.ProjectID,
		topicID:   cfg.TopicID,
	}, nil
}

// TopicID returns the topic messages are published to
func (p *PubSubPublisher) TopicID() string {
	return p.topicID
}

// Publish publishes a message to Pub/Sub and waits for the server ID
func (p *PubSubPublisher) Publish(ctx context.Context, data interface{}, attributes map[string]string) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal data")
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       jsonData,
		Attributes: attributes,
	})

	msgID, err := result.Get(ctx)
	if err != nil {
		return "", classify("failed to publish message", err)
	}

	return msgID, nil
}

// Close flushes pending messages and closes the client
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

// classify maps gRPC and context failures to connection errors so the circuit
// breaker and callers can tell a dead backend from a rejected message.
func classify(msg string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.NewConnectionError(fmt.Sprintf("%s: %v", msg, err))
	}

	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled,
			codes.Unauthenticated, codes.PermissionDenied, codes.ResourceExhausted:
			return errors.NewConnectionError(fmt.Sprintf("%s: %s", msg, s.Message()))
		}
	}

	return errors.NewPublishError(msg, err)
}

package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

const eventType = "deployment_update"

// Publisher sends updates to Google Cloud Pub/Sub
type Publisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	topicPath string
	source    string
}

// ParseTopicPath parses a full Pub/Sub topic path and returns projectID and topicID.
// Expected format: projects/<project>/topics/<topic>
func ParseTopicPath(topicPath string) (projectID, topicID string, err error) {
	parts := strings.Split(topicPath, "/")
	if len(parts) != 4 || parts[0] != "projects" || parts[2] != "topics" || parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("invalid topic path %q: expected format projects/<project>/topics/<topic>", topicPath)
	}
	return parts[1], parts[3], nil
}

// NewPublisher creates a Pub/Sub publisher for topicPath. Credentials come
// from Application Default Credentials. source names the repository the
// updates describe and prefixes every ordering key.
func NewPublisher(ctx context.Context, topicPath, source string) (*Publisher, error) {
	projectID, topicID, err := ParseTopicPath(topicPath)
	if err != nil {
		return nil, err
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	// Updates of one type from one source are delivered in publish order.
	// The subscription must also have message ordering enabled.
	publisher := client.Publisher(topicID)
	publisher.EnableMessageOrdering = true

	return &Publisher{
		client:    client,
		publisher: publisher,
		topicPath: topicPath,
		source:    source,
	}, nil
}

// Event is the JSON body of a Pub/Sub message
type Event struct {
	ID        string       `json:"id"`
	Timestamp string       `json:"timestamp"`
	Source    string       `json:"source"`
	EventType string       `json:"eventType"`
	Update    model.Update `json:"update"`
}

// newMessage builds the message for update. The event id is derived from the
// batch id so redelivered publishes can be deduplicated downstream.
func newMessage(update model.Update, source string, now time.Time) (*pubsub.Message, error) {
	event := Event{
		ID:        uuid.NewSHA1(uuid.NameSpaceURL, []byte(source+"/"+update.ID)).String(),
		Timestamp: now.UTC().Format(time.RFC3339),
		Source:    source,
		EventType: eventType,
		Update:    update,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"source":     source,
			"event_type": eventType,
			"type":       string(update.Type),
			"priority":   update.Priority.String(),
		},
		OrderingKey: fmt.Sprintf("%s/%s", source, update.Type),
	}, nil
}

// Publish sends an update to the topic and waits for the server ack
func (p *Publisher) Publish(ctx context.Context, update model.Update) error {
	logger := log.FromContext(ctx)

	msg, err := newMessage(update, p.source, time.Now())
	if err != nil {
		logger.Error(err, "Failed to build message", "batchID", update.ID)
		return err
	}

	logger.Info("Publishing update to Google Pub/Sub",
		"topic", p.topicPath,
		"batchID", update.ID,
		"orderingKey", msg.OrderingKey,
	)

	msgID, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		// A failed publish pauses its ordering key until resumed.
		p.publisher.ResumePublish(msg.OrderingKey)
		return fmt.Errorf("failed to publish update to pubsub: %w", err)
	}

	logger.Info("Update published to Google Pub/Sub",
		"topic", p.topicPath,
		"batchID", update.ID,
		"messageID", msgID,
	)

	return nil
}

// Stop flushes pending messages and closes the client
func (p *Publisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		_ = p.client.Close()
	}
}

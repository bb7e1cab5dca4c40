package config

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

// PostingTrigger is the Pub/Sub message that asks the pipeline to attempt a
// posting. Initial submission, webhook resend and manual resend all publish
// the same shape; the claim ledger makes duplicate deliveries harmless.
type PostingTrigger struct {
	CompanyId     string `json:"company_id" validate:"required"`
	JobId         int    `json:"job_id" validate:"required,gt=0"`
	Trigger       string `json:"trigger" validate:"required,oneof=submit resend retry"`
	CorrelationId string `json:"correlation_id"`
}

const (
	TriggerSubmit = "submit"
	TriggerResend = "resend"
	TriggerRetry  = "retry"
)

func init() {
	// Load env from .env
	godotenv.Load()
}

func getPubSubProjectID() string {
	// Prefer explicit override.
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	// Cloud Run/Cloud Functions often set this.
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return ""
}

// NewPubSubClient builds a Pub/Sub client with retries. Uses Application
// Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func NewPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var attempt int
	for {
		attempt++

		var (
			c   *pubsub.Client
			err error
		)
		if credJSON != "" {
			c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			// Uses Application Default Credentials (Cloud Run service account
			// or GOOGLE_APPLICATION_CREDENTIALS).
			c, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			return c, nil
		}
		if attempt >= 5 {
			return nil, err
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 4))
		log.Printf("failed to create pubsub client (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		time.Sleep(sleep)
	}
}

func CreateTopicIfNotExists(ctx context.Context, client *pubsub.Client, topicName string) (*pubsub.Topic, error) {
	topic := client.Topic(topicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		return topic, nil
	}
	return client.CreateTopic(ctx, topicName)
}

func CreateSubscriptionIfNotExists(ctx context.Context, client *pubsub.Client, subName string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	sub := client.Subscription(subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		return sub, nil
	}
	return client.CreateSubscription(ctx, subName, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 60 * time.Second,
	})
}

// PublishPostingTrigger publishes a trigger and returns the server message id.
func PublishPostingTrigger(ctx context.Context, topic *pubsub.Topic, trigger PostingTrigger) (string, error) {
	data, err := json.Marshal(trigger)
	if err != nil {
		return "", err
	}
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	return res.Get(ctx)
}

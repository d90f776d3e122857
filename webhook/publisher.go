package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vorpalengineering/x402-adserver/apierror"
	"github.com/vorpalengineering/x402-adserver/logger"
	"github.com/vorpalengineering/x402-adserver/model"
	"github.com/vorpalengineering/x402-adserver/store"
)

// Event types emitted by the ad server.
const (
	EventAdCompleted    = "ad.completed"
	EventPaymentSettled = "payment.settled"
	EventSessionCreated = "session.created"
)

// Event is the JSON body POSTed to publishers.
type Event struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	PublisherID string `json:"publisherId"`
	CreatedAt   string `json:"createdAt"`
	Data        any    `json:"data"`
}

// Dispatcher hands a stored delivery to something that will attempt it
// without making the caller wait.
type Dispatcher interface {
	Dispatch(ctx context.Context, deliveryID string) error
}

type Publisher struct {
	store      store.Store
	dispatcher Dispatcher
	log        *logger.Logger
}

func NewPublisher(s store.Store, dispatcher Dispatcher, log *logger.Logger) *Publisher {
	return &Publisher{
		store:      s,
		dispatcher: dispatcher,
		log:        log.With("component", "webhook_publisher"),
	}
}

// Emit records a PENDING delivery of eventType for the publisher and
// dispatches it. It returns nil, nil when the publisher has no webhook URL.
// Delivery outcomes are recorded, never returned to the caller.
func (p *Publisher) Emit(ctx context.Context, publisherID, eventType string, data any) (*model.WebhookDelivery, error) {
	publisher, err := p.store.GetPublisher(ctx, publisherID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("publisher")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load publisher: %w", err)
	}
	if publisher.WebhookURL == "" {
		p.log.Debug("publisher has no webhook, skipping event", "publisher_id", publisherID, "event_type", eventType)
		return nil, nil
	}

	body, err := json.Marshal(Event{
		ID:          "evt_" + uuid.NewString(),
		Type:        eventType,
		PublisherID: publisherID,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		Data:        data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	delivery := &model.WebhookDelivery{
		ID:          uuid.NewString(),
		PublisherID: publisherID,
		EventType:   eventType,
		URL:         publisher.WebhookURL,
		Payload:     body,
		Status:      model.DeliveryPending,
	}
	if err := p.store.CreateWebhookDelivery(ctx, delivery); err != nil {
		return nil, fmt.Errorf("failed to create delivery: %w", err)
	}

	if err := p.dispatcher.Dispatch(ctx, delivery.ID); err != nil {
		// The record stays PENDING and can be replayed.
		p.log.Error("failed to dispatch webhook delivery",
			"delivery_id", delivery.ID,
			"event_type", eventType,
			"error", err,
		)
	}
	return delivery, nil
}

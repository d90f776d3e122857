// Package store persists publishers, webhook deliveries, ad sessions,
// completions and payment records.
package store

import (
	"context"
	"errors"

	"github.com/vorpalengineering/x402-adserver/model"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the persistence interface used by the services. Handles are
// passed explicitly; there is no package-level instance.
type Store interface {
	// Publishers
	UpsertPublisher(ctx context.Context, p *model.Publisher) error
	GetPublisher(ctx context.Context, id string) (*model.Publisher, error)

	// Webhook deliveries
	CreateWebhookDelivery(ctx context.Context, d *model.WebhookDelivery) error
	GetWebhookDelivery(ctx context.Context, id string) (*model.WebhookDelivery, error)
	UpdateWebhookDelivery(ctx context.Context, d *model.WebhookDelivery) error
	ListWebhookDeliveries(ctx context.Context, publisherID string, status model.DeliveryStatus, limit int) ([]model.WebhookDelivery, error)

	// Sessions
	CreateSession(ctx context.Context, s *model.AdSession) error
	GetSession(ctx context.Context, id string) (*model.AdSession, error)

	// CreateAdCompletion stores c and marks its session completed. It
	// returns ErrAlreadyExists when the session already has a completion.
	CreateAdCompletion(ctx context.Context, c *model.AdCompletion) error
	GetAdCompletionBySession(ctx context.Context, sessionID string) (*model.AdCompletion, error)

	// ReservePaymentNonce inserts a pending record and returns
	// ErrAlreadyExists when the nonce was seen before.
	ReservePaymentNonce(ctx context.Context, rec *model.PaymentRecord) error
	UpdatePaymentRecord(ctx context.Context, rec *model.PaymentRecord) error
	GetPaymentRecord(ctx context.Context, nonce string) (*model.PaymentRecord, error)

	// Stats
	PublisherStats(ctx context.Context, publisherID string) (*model.PublisherStats, error)
}

const defaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}

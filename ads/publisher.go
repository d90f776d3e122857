package ads

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vorpalengineering/x402-adserver/apierror"
	"github.com/vorpalengineering/x402-adserver/model"
	"github.com/vorpalengineering/x402-adserver/store"
	"github.com/vorpalengineering/x402-adserver/webhook"
)

// Replayer re-attempts a stored webhook delivery synchronously.
type Replayer interface {
	Replay(ctx context.Context, deliveryID string) (*webhook.Result, error)
}

// ProfileUpdate is the writable part of a publisher profile. Nil fields
// are left unchanged.
type ProfileUpdate struct {
	Name          *string `json:"name"`
	WebhookURL    *string `json:"webhookUrl" binding:"omitempty,url"`
	WebhookSecret *string `json:"webhookSecret" binding:"omitempty,min=16"`
	WalletAddress *string `json:"walletAddress"`
}

// Publishers serves the publisher dashboard: profile, webhook deliveries
// and revenue.
type Publishers struct {
	store    store.Store
	events   Emitter
	replayer Replayer
}

func NewPublishers(s store.Store, events Emitter, replayer Replayer) *Publishers {
	return &Publishers{store: s, events: events, replayer: replayer}
}

// Scope resolves which publisher a request acts on. Publishers act on
// themselves; admins name the publisher explicitly.
func Scope(principal model.Principal, requested string) (string, error) {
	switch principal.Role {
	case model.RolePublisher:
		if requested != "" && requested != principal.ID {
			return "", apierror.Forbidden("cannot act on another publisher")
		}
		return principal.ID, nil
	case model.RoleAdmin:
		if requested == "" {
			return "", apierror.Validation(apierror.FieldError{Field: "publisherId", Message: "is required"})
		}
		return requested, nil
	default:
		return "", apierror.Forbidden("publisher access required")
	}
}

func (p *Publishers) Profile(ctx context.Context, publisherID string) (*model.Publisher, error) {
	pub, err := p.store.GetPublisher(ctx, publisherID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("publisher")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load publisher: %w", err)
	}
	return pub, nil
}

// UpdateProfile applies update, creating the profile on first write.
func (p *Publishers) UpdateProfile(ctx context.Context, publisherID string, update ProfileUpdate) (*model.Publisher, error) {
	pub, err := p.store.GetPublisher(ctx, publisherID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pub = &model.Publisher{ID: publisherID}
	case err != nil:
		return nil, fmt.Errorf("failed to load publisher: %w", err)
	}

	if update.Name != nil {
		pub.Name = *update.Name
	}
	if update.WebhookURL != nil {
		pub.WebhookURL = *update.WebhookURL
	}
	if update.WebhookSecret != nil {
		pub.WebhookSecret = *update.WebhookSecret
	}
	if update.WalletAddress != nil {
		if *update.WalletAddress != "" && !common.IsHexAddress(*update.WalletAddress) {
			return nil, apierror.Validation(apierror.FieldError{Field: "walletAddress", Message: "must be a hex address"})
		}
		pub.WalletAddress = *update.WalletAddress
	}

	if err := p.store.UpsertPublisher(ctx, pub); err != nil {
		return nil, fmt.Errorf("failed to save publisher: %w", err)
	}
	return pub, nil
}

// IngestEvent records a webhook for the publisher and dispatches it
// without waiting for delivery. A nil delivery means the publisher has no
// webhook URL.
func (p *Publishers) IngestEvent(ctx context.Context, publisherID, eventType string, data any) (*model.WebhookDelivery, error) {
	if eventType == "" {
		return nil, apierror.Validation(apierror.FieldError{Field: "type", Message: "is required"})
	}
	return p.events.Emit(ctx, publisherID, eventType, data)
}

func (p *Publishers) ListDeliveries(ctx context.Context, publisherID string, status model.DeliveryStatus, limit int) ([]model.WebhookDelivery, error) {
	switch status {
	case "", model.DeliveryPending, model.DeliverySuccess, model.DeliveryFailed:
	default:
		return nil, apierror.Validation(apierror.FieldError{Field: "status", Message: "must be one of: PENDING, SUCCESS, FAILED"})
	}
	deliveries, err := p.store.ListWebhookDeliveries(ctx, publisherID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return deliveries, nil
}

// Delivery returns a delivery owned by publisherID. Deliveries of other
// publishers are reported as not found.
func (p *Publishers) Delivery(ctx context.Context, publisherID, deliveryID string) (*model.WebhookDelivery, error) {
	d, err := p.store.GetWebhookDelivery(ctx, deliveryID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && d.PublisherID != publisherID) {
		return nil, apierror.NotFound("webhook delivery")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery: %w", err)
	}
	return d, nil
}

// ReplayDelivery re-attempts a delivery and waits for the outcome.
func (p *Publishers) ReplayDelivery(ctx context.Context, publisherID, deliveryID string) (*webhook.Result, error) {
	if _, err := p.Delivery(ctx, publisherID, deliveryID); err != nil {
		return nil, err
	}
	return p.replayer.Replay(ctx, deliveryID)
}

func (p *Publishers) Summary(ctx context.Context, publisherID string) (*model.PublisherStats, error) {
	stats, err := p.store.PublisherStats(ctx, publisherID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute publisher stats: %w", err)
	}
	return stats, nil
}

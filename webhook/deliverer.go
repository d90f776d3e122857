// Package webhook delivers signed event notifications to publisher
// endpoints and records every attempt.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vorpalengineering/x402-adserver/apierror"
	"github.com/vorpalengineering/x402-adserver/lock"
	"github.com/vorpalengineering/x402-adserver/logger"
	"github.com/vorpalengineering/x402-adserver/metrics"
	"github.com/vorpalengineering/x402-adserver/model"
	"github.com/vorpalengineering/x402-adserver/store"
	"github.com/vorpalengineering/x402-adserver/tracing"
)

const (
	// RetryDelay is how far NextAttemptAt is pushed after a transport error.
	RetryDelay = 5 * time.Minute

	DefaultTimeout = 10 * time.Second

	DefaultLockTTL = 30 * time.Second

	// cap on the response body read before closing
	maxResponseBody = 64 << 10
)

// Result describes the outcome of one delivery attempt.
type Result struct {
	DeliveryID     string               `json:"deliveryId"`
	Status         model.DeliveryStatus `json:"status"`
	Attempt        int                  `json:"attempt"`
	ResponseStatus *int                 `json:"responseStatus,omitempty"`
	Error          string               `json:"error,omitempty"`
	NextAttemptAt  *time.Time           `json:"nextAttemptAt,omitempty"`
}

// Option configures a Deliverer.
type Option func(*Deliverer)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Deliverer) { d.http = c }
}

// WithLocker serializes attempts on the same delivery. Without a locker
// concurrent attempts race and the last write wins.
func WithLocker(l lock.Locker) Option {
	return func(d *Deliverer) { d.locker = l }
}

// WithLockTTL bounds how long a crashed attempt can hold a delivery lock.
func WithLockTTL(ttl time.Duration) Option {
	return func(d *Deliverer) { d.lockTTL = ttl }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Deliverer) { d.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(d *Deliverer) { d.now = now }
}

type Deliverer struct {
	store   store.Store
	http    *http.Client
	locker  lock.Locker
	lockTTL time.Duration
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

func NewDeliverer(s store.Store, log *logger.Logger, opts ...Option) *Deliverer {
	d := &Deliverer{
		store:   s,
		http:    &http.Client{Timeout: DefaultTimeout},
		lockTTL: DefaultLockTTL,
		log:     log.With("component", "webhook_deliverer"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver signs and POSTs the stored payload of a delivery to its target.
//
// A missing publisher webhook URL or secret fails with a configuration
// error before anything is signed or sent and leaves the record untouched.
// Every attempt that reaches the network is recorded: 2xx marks SUCCESS,
// anything else marks FAILED. Only transport errors push NextAttemptAt
// RetryDelay into the future; non-2xx answers leave it as it was.
// Recorded failures are reported through the Result, not the error.
func (d *Deliverer) Deliver(ctx context.Context, deliveryID string) (result *Result, err error) {
	ctx, span := tracing.Start(ctx, "webhook.deliver", attribute.String("webhook.delivery_id", deliveryID))
	defer func() { tracing.End(span, err) }()

	if d.locker != nil {
		release, err := d.locker.Acquire(ctx, "webhook-delivery:"+deliveryID, d.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to lock delivery %s: %w", deliveryID, err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				d.log.Warn("failed to release delivery lock", "delivery_id", deliveryID, "error", err)
			}
		}()
	}

	delivery, err := d.store.GetWebhookDelivery(ctx, deliveryID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("webhook delivery")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery: %w", err)
	}

	publisher, err := d.store.GetPublisher(ctx, delivery.PublisherID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load publisher: %w", err)
	}
	if publisher == nil || !publisher.WebhookConfigured() {
		return nil, apierror.Configuration("publisher webhook url and secret must be configured")
	}

	target := delivery.URL
	if target == "" {
		target = publisher.WebhookURL
	}

	now := d.now()
	timestamp := strconv.FormatInt(now.UnixMilli(), 10)
	nonce := uuid.NewString()
	signature := SignPayload(publisher.WebhookSecret, timestamp, nonce, delivery.Payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(delivery.Payload))
	if err != nil {
		return nil, apierror.Configuration("invalid webhook url").WithError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, signature)

	start := time.Now()
	resp, sendErr := d.http.Do(req)
	elapsed := time.Since(start)

	delivery.Attempt++
	delivery.Signature = signature
	if sendErr != nil {
		next := now.Add(RetryDelay)
		delivery.Status = model.DeliveryFailed
		delivery.LastResponseStatus = nil
		delivery.LastError = sendErr.Error()
		delivery.NextAttemptAt = &next
	} else {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		_ = resp.Body.Close()

		code := resp.StatusCode
		delivery.LastResponseStatus = &code
		if code >= 200 && code < 300 {
			delivery.Status = model.DeliverySuccess
			delivery.LastError = ""
		} else {
			delivery.Status = model.DeliveryFailed
			delivery.LastError = fmt.Sprintf("unexpected status %d", code)
		}
	}

	// Record against a context that outlives a caller timeout so the
	// attempt is not lost once the request has been sent.
	if err := d.store.UpdateWebhookDelivery(context.WithoutCancel(ctx), delivery); err != nil {
		return nil, fmt.Errorf("failed to record delivery attempt: %w", err)
	}

	d.metrics.ObserveWebhookDelivery(delivery.EventType, string(delivery.Status), elapsed)
	span.SetAttributes(
		attribute.String("webhook.status", string(delivery.Status)),
		attribute.Int("webhook.attempt", delivery.Attempt),
	)

	log := d.log.With(
		"delivery_id", delivery.ID,
		"event_type", delivery.EventType,
		"attempt", delivery.Attempt,
		"latency_ms", elapsed.Milliseconds(),
	)
	if delivery.Status == model.DeliverySuccess {
		log.Info("webhook delivered", "response_status", *delivery.LastResponseStatus)
	} else {
		log.Warn("webhook delivery failed", "error", delivery.LastError)
	}

	return &Result{
		DeliveryID:     delivery.ID,
		Status:         delivery.Status,
		Attempt:        delivery.Attempt,
		ResponseStatus: delivery.LastResponseStatus,
		Error:          delivery.LastError,
		NextAttemptAt:  delivery.NextAttemptAt,
	}, nil
}

// Replay re-runs a delivery synchronously. A missing delivery is reported
// as not found without attempting anything.
func (d *Deliverer) Replay(ctx context.Context, deliveryID string) (*Result, error) {
	if _, err := d.store.GetWebhookDelivery(ctx, deliveryID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierror.NotFound("webhook delivery")
		}
		return nil, fmt.Errorf("failed to load delivery: %w", err)
	}
	d.log.Info("replaying webhook delivery", "delivery_id", deliveryID)
	return d.Deliver(ctx, deliveryID)
}

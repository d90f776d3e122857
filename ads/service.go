// Package ads runs ad sessions: a premium resource is unlocked either by a
// completed ad view or by an x402 payment settled through a facilitator.
package ads

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vorpalengineering/x402-adserver/apierror"
	"github.com/vorpalengineering/x402-adserver/facilitator/client"
	"github.com/vorpalengineering/x402-adserver/logger"
	"github.com/vorpalengineering/x402-adserver/metrics"
	"github.com/vorpalengineering/x402-adserver/model"
	"github.com/vorpalengineering/x402-adserver/store"
	"github.com/vorpalengineering/x402-adserver/tracing"
	"github.com/vorpalengineering/x402-adserver/types"
	"github.com/vorpalengineering/x402-adserver/utils"
	"github.com/vorpalengineering/x402-adserver/webhook"
)

const DefaultSessionTTL = 30 * time.Minute

// ReasonInvalidPayment is reported when the facilitator rejects a payment
// without naming a reason.
const ReasonInvalidPayment = "invalid_payment"

// Facilitator verifies and settles payment headers.
type Facilitator interface {
	Verify(ctx context.Context, paymentHeader string, requirements *types.PaymentRequirements) (*types.VerifyResponse, error)
	Settle(ctx context.Context, paymentHeader string, requirements *types.PaymentRequirements) (*types.SettleResponse, error)
}

// Emitter records and dispatches publisher webhooks.
type Emitter interface {
	Emit(ctx context.Context, publisherID, eventType string, data any) (*model.WebhookDelivery, error)
}

// PaymentConfig describes how premium resources are paid for.
type PaymentConfig struct {
	Network           string `yaml:"network"`
	Asset             string `yaml:"asset"`
	PayTo             string `yaml:"pay_to"`
	MaxTimeoutSeconds int    `yaml:"max_timeout_seconds"`
	TokenName         string `yaml:"token_name"`
	TokenVersion      string `yaml:"token_version"`
}

// Receipt is the result of a paid session.
type Receipt struct {
	SessionID  string              `json:"sessionId"`
	ResourceID string              `json:"resourceId"`
	Payer      string              `json:"payer,omitempty"`
	TxHash     string              `json:"txHash"`
	Network    string              `json:"network,omitempty"`
	Completion *model.AdCompletion `json:"completion"`
	// Settlement is nil when the session had already been paid
	Settlement *types.SettleResponse `json:"-"`
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) { s.sessionTTL = ttl }
}

// WithEmitter enables publisher webhooks for session events.
func WithEmitter(e Emitter) Option {
	return func(s *Service) { s.events = e }
}

type Service struct {
	store       store.Store
	catalog     *Catalog
	payment     PaymentConfig
	facilitator Facilitator
	events      Emitter
	metrics     *metrics.Metrics
	log         *logger.Logger
	now         func() time.Time
	sessionTTL  time.Duration
}

func NewService(s store.Store, catalog *Catalog, payment PaymentConfig, facilitator Facilitator, log *logger.Logger, opts ...Option) *Service {
	svc := &Service{
		store:       s,
		catalog:     catalog,
		payment:     payment,
		facilitator: facilitator,
		log:         log.With("component", "ads"),
		now:         time.Now,
		sessionTTL:  DefaultSessionTTL,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *Service) Catalog() *Catalog {
	return s.catalog
}

func (s *Service) resource(id string) (Resource, error) {
	r, ok := s.catalog.Get(id)
	if !ok {
		return Resource{}, apierror.NotFound("resource")
	}
	return r, nil
}

// CreateSession opens a session for resourceID owned by principal.
func (s *Service) CreateSession(ctx context.Context, principal model.Principal, resourceID string, mode model.SessionMode) (*model.AdSession, error) {
	if mode != model.SessionModeAd && mode != model.SessionModePayment {
		return nil, apierror.Validation(apierror.FieldError{Field: "mode", Message: "must be one of: ad, payment"})
	}
	res, err := s.resource(resourceID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	session := &model.AdSession{
		ID:          "ses_" + uuid.NewString(),
		ResourceID:  res.ID,
		PublisherID: res.PublisherID,
		UserID:      principal.ID,
		Mode:        mode,
		Status:      model.SessionOpen,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.sessionTTL),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.emit(ctx, session.PublisherID, webhook.EventSessionCreated, map[string]any{
		"sessionId":  session.ID,
		"resourceId": session.ResourceID,
		"mode":       session.Mode,
	})
	return session, nil
}

// GetSession returns the session if principal owns it or is an admin.
func (s *Service) GetSession(ctx context.Context, principal model.Principal, id string) (*model.AdSession, error) {
	session, err := s.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("session")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !principal.CanAccess(session.UserID) {
		return nil, apierror.Forbidden("session belongs to another user")
	}
	return session, nil
}

func (s *Service) existingCompletion(ctx context.Context, sessionID string) (*model.AdCompletion, error) {
	completion, err := s.store.GetAdCompletionBySession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load completion: %w", err)
	}
	return completion, nil
}

// CompleteAdView records the ad view of an ad-mode session. Completing an
// already completed session returns the original completion.
func (s *Service) CompleteAdView(ctx context.Context, principal model.Principal, sessionID string) (*model.AdCompletion, error) {
	session, err := s.GetSession(ctx, principal, sessionID)
	if err != nil {
		return nil, err
	}

	if existing, err := s.existingCompletion(ctx, session.ID); err != nil || existing != nil {
		return existing, err
	}
	if session.Mode != model.SessionModeAd {
		return nil, apierror.Conflict("session must be paid for")
	}
	if session.Expired(s.now()) {
		return nil, apierror.Conflict("session expired")
	}

	res, err := s.resource(session.ResourceID)
	if err != nil {
		return nil, err
	}

	completion, created, err := s.complete(ctx, &model.AdCompletion{
		SessionID:        session.ID,
		PaymentProcessed: false,
		BillingAmount:    res.AdRate,
	})
	if err != nil || !created {
		return completion, err
	}

	s.emit(ctx, session.PublisherID, webhook.EventAdCompleted, map[string]any{
		"sessionId":     session.ID,
		"resourceId":    session.ResourceID,
		"completionId":  completion.ID,
		"billingAmount": completion.BillingAmount,
	})
	return completion, nil
}

// complete stores c. When a concurrent call completed the session first,
// the stored completion is returned with created false.
func (s *Service) complete(ctx context.Context, c *model.AdCompletion) (completion *model.AdCompletion, created bool, err error) {
	c.ID = "cmp_" + uuid.NewString()
	c.CompletedAt = s.now().UTC()

	err = s.store.CreateAdCompletion(ctx, c)
	if errors.Is(err, store.ErrAlreadyExists) {
		existing, getErr := s.store.GetAdCompletionBySession(ctx, c.SessionID)
		if getErr != nil {
			return nil, false, fmt.Errorf("failed to load completion: %w", getErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to record completion: %w", err)
	}
	return c, true, nil
}

// Requirements builds the payment requirements of a resource. The payee is
// the publisher's wallet, falling back to the configured pay_to address.
func (s *Service) Requirements(ctx context.Context, resourceID, resourceURL string) (*types.PaymentRequirements, error) {
	res, err := s.resource(resourceID)
	if err != nil {
		return nil, err
	}

	payTo := s.payment.PayTo
	if res.PublisherID != "" {
		pub, err := s.store.GetPublisher(ctx, res.PublisherID)
		switch {
		case err == nil && pub.WalletAddress != "":
			payTo = pub.WalletAddress
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("failed to load publisher: %w", err)
		}
	}
	if payTo == "" {
		return nil, apierror.Configuration("payee wallet is not configured")
	}
	if s.payment.Asset == "" || s.payment.Network == "" {
		return nil, apierror.Configuration("payment asset and network are not configured")
	}

	extra := map[string]any{}
	if s.payment.TokenName != "" {
		extra["name"] = s.payment.TokenName
	}
	if s.payment.TokenVersion != "" {
		extra["version"] = s.payment.TokenVersion
	}

	return &types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           s.payment.Network,
		MaxAmountRequired: res.Price,
		Resource:          resourceURL,
		Description:       res.Title,
		MimeType:          res.MimeType,
		PayTo:             payTo,
		MaxTimeoutSeconds: s.payment.MaxTimeoutSeconds,
		Asset:             s.payment.Asset,
		Extra:             extra,
	}, nil
}

// PayForSession verifies and settles paymentHeader for the session's
// resource and records a paid completion. A rejected payment is returned
// as a PAYMENT_REQUIRED error carrying the facilitator's reason; settle is
// never called for a payment that failed verification.
func (s *Service) PayForSession(ctx context.Context, principal model.Principal, sessionID, paymentHeader, resourceURL string) (receipt *Receipt, err error) {
	ctx, span := tracing.Start(ctx, "ads.pay_for_session", attribute.String("session.id", sessionID))
	defer func() { tracing.End(span, err) }()

	session, err := s.GetSession(ctx, principal, sessionID)
	if err != nil {
		return nil, err
	}

	if existing, err := s.existingCompletion(ctx, session.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return &Receipt{SessionID: session.ID, ResourceID: session.ResourceID, TxHash: existing.TransactionID, Completion: existing}, nil
	}
	if session.Expired(s.now()) {
		return nil, apierror.Conflict("session expired")
	}

	payload, err := utils.DecodePaymentHeader(paymentHeader)
	if err != nil {
		return nil, apierror.BadRequest("invalid payment header: " + err.Error())
	}

	requirements, err := s.Requirements(ctx, session.ResourceID, resourceURL)
	if err != nil {
		return nil, err
	}

	if err := s.verify(ctx, paymentHeader, requirements); err != nil {
		return nil, err
	}
	return s.settle(ctx, session, payload, paymentHeader, requirements)
}

// verify asks the facilitator whether paymentHeader satisfies requirements.
// A rejection carries the facilitator's reason, or ReasonInvalidPayment
// when it gave none.
func (s *Service) verify(ctx context.Context, paymentHeader string, requirements *types.PaymentRequirements) error {
	verifyResp, err := s.facilitator.Verify(ctx, paymentHeader, requirements)
	if err != nil {
		s.metrics.ObservePayment("error")
		return upstreamError(http.StatusInternalServerError, err)
	}
	if !verifyResp.IsValid {
		reason := verifyResp.InvalidReason
		if reason == "" {
			reason = ReasonInvalidPayment
		}
		s.metrics.ObservePayment("rejected")
		s.log.Info("payment rejected", "resource", requirements.Resource, "reason", reason)
		return apierror.PaymentRequired(reason)
	}
	return nil
}

// settle reserves the authorization nonce, settles a verified payment and
// records the paid completion of session.
func (s *Service) settle(ctx context.Context, session *model.AdSession, payload *types.PaymentPayload, paymentHeader string, requirements *types.PaymentRequirements) (*Receipt, error) {
	// The nonce is reserved before settling so one authorization is
	// settled at most once through this server
	record := &model.PaymentRecord{
		Nonce:     payload.Payload.Nonce,
		SessionID: session.ID,
		Payer:     payload.Payload.From,
		Amount:    payload.Payload.Value,
		Status:    model.PaymentPending,
	}
	if err := s.store.ReservePaymentNonce(ctx, record); errors.Is(err, store.ErrAlreadyExists) {
		s.metrics.ObservePayment("rejected")
		return nil, apierror.Conflict("payment nonce already used")
	} else if err != nil {
		return nil, fmt.Errorf("failed to reserve payment nonce: %w", err)
	}

	// Phase 2: settle
	settleResp, err := s.facilitator.Settle(ctx, paymentHeader, requirements)
	if err != nil {
		s.metrics.ObservePayment("error")
		s.failRecord(ctx, record, err.Error())
		return nil, upstreamError(http.StatusPaymentRequired, err)
	}
	if !settleResp.Settled() {
		s.metrics.ObservePayment("failed")
		reason := settleResp.Error
		if reason == "" {
			reason = settleResp.Event
		}
		s.failRecord(ctx, record, reason)
		s.log.Warn("settlement failed", "session_id", session.ID, "event", settleResp.Event, "reason", reason)
		return nil, apierror.PaymentRequired(reason)
	}

	record.Status = model.PaymentSettled
	record.TxHash = settleResp.TxHash
	if err := s.store.UpdatePaymentRecord(context.WithoutCancel(ctx), record); err != nil {
		s.log.Error("failed to record settlement", "session_id", session.ID, "tx_hash", settleResp.TxHash, "error", err)
	}

	completion, created, err := s.complete(context.WithoutCancel(ctx), &model.AdCompletion{
		SessionID:        session.ID,
		PaymentProcessed: true,
		BillingAmount:    requirements.MaxAmountRequired,
		TransactionID:    settleResp.TxHash,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObservePayment("settled")

	payer := settleResp.From
	if payer == "" {
		payer = payload.Payload.From
	}
	s.log.Info("payment settled", "session_id", session.ID, "tx_hash", settleResp.TxHash, "payer", payer)
	if !created {
		s.log.Warn("session was completed concurrently", "session_id", session.ID, "tx_hash", settleResp.TxHash)
	}

	s.emit(ctx, session.PublisherID, webhook.EventPaymentSettled, map[string]any{
		"sessionId":     session.ID,
		"resourceId":    session.ResourceID,
		"completionId":  completion.ID,
		"billingAmount": completion.BillingAmount,
		"txHash":        settleResp.TxHash,
		"payer":         payer,
		"network":       requirements.Network,
	})

	return &Receipt{
		SessionID:  session.ID,
		ResourceID: session.ResourceID,
		Payer:      payer,
		TxHash:     settleResp.TxHash,
		Network:    requirements.Network,
		Completion: completion,
		Settlement: settleResp,
	}, nil
}

// UnlockResource runs the anonymous x402 flow. The payment is verified
// first; only then is a payment session opened for the payer and settled.
// A rejected payment leaves no session behind and emits nothing.
func (s *Service) UnlockResource(ctx context.Context, resourceID, paymentHeader, resourceURL string) (receipt *Receipt, err error) {
	ctx, span := tracing.Start(ctx, "ads.unlock_resource", attribute.String("resource.id", resourceID))
	defer func() { tracing.End(span, err) }()

	payload, err := utils.DecodePaymentHeader(paymentHeader)
	if err != nil {
		return nil, apierror.BadRequest("invalid payment header: " + err.Error())
	}
	if payload.Payload.From == "" {
		return nil, apierror.BadRequest("payment header has no payer")
	}

	requirements, err := s.Requirements(ctx, resourceID, resourceURL)
	if err != nil {
		return nil, err
	}
	if err := s.verify(ctx, paymentHeader, requirements); err != nil {
		return nil, err
	}

	payer := model.Principal{ID: payload.Payload.From, Role: model.RoleUser}
	session, err := s.CreateSession(ctx, payer, resourceID, model.SessionModePayment)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, session, payload, paymentHeader, requirements)
}

func (s *Service) failRecord(ctx context.Context, record *model.PaymentRecord, reason string) {
	record.Status = model.PaymentFailed
	record.Error = reason
	if err := s.store.UpdatePaymentRecord(context.WithoutCancel(ctx), record); err != nil {
		s.log.Error("failed to record payment failure", "nonce", record.Nonce, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, publisherID, eventType string, data any) {
	if s.events == nil || publisherID == "" {
		return
	}
	if _, err := s.events.Emit(ctx, publisherID, eventType, data); err != nil {
		s.log.Warn("failed to emit webhook", "publisher_id", publisherID, "event_type", eventType, "error", err)
	}
}

// upstreamError maps a facilitator failure to the status used for its
// phase, keeping the facilitator's own detail when it sent one.
func upstreamError(status int, err error) error {
	if pe, ok := client.IsPaymentError(err); ok {
		return apierror.Upstream(status, pe.Detail, err)
	}
	return apierror.Upstream(status, "", err)
}

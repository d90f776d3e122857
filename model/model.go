// Package model defines the persisted entities of the ad server.
package model

import (
	"encoding/json"
	"time"
)

// DeliveryStatus is the lifecycle state of a webhook delivery. It reflects
// only the most recent attempt.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "PENDING"
	DeliverySuccess DeliveryStatus = "SUCCESS"
	DeliveryFailed  DeliveryStatus = "FAILED"
)

// Publisher owns premium resources and receives webhook notifications.
type Publisher struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	WebhookURL    string    `json:"webhookUrl,omitempty"`
	WebhookSecret string    `json:"-"`
	WalletAddress string    `json:"walletAddress,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// WebhookConfigured reports whether both the URL and the secret are set.
func (p *Publisher) WebhookConfigured() bool {
	return p.WebhookURL != "" && p.WebhookSecret != ""
}

// WebhookDelivery is the audit record of one outbound event notification.
// Records are never deleted.
type WebhookDelivery struct {
	ID                 string          `json:"id"`
	PublisherID        string          `json:"publisherId"`
	EventType          string          `json:"eventType"`
	URL                string          `json:"url"`
	Payload            json.RawMessage `json:"payload"`
	Signature          string          `json:"signature,omitempty"`
	Status             DeliveryStatus  `json:"status"`
	Attempt            int             `json:"attempt"`
	NextAttemptAt      *time.Time      `json:"nextAttemptAt,omitempty"`
	LastResponseStatus *int            `json:"lastResponseStatus,omitempty"`
	LastError          string          `json:"lastError,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

type SessionMode string

const (
	SessionModeAd      SessionMode = "ad"
	SessionModePayment SessionMode = "payment"
)

type SessionStatus string

const (
	SessionOpen      SessionStatus = "open"
	SessionCompleted SessionStatus = "completed"
)

// AdSession gates access to a resource behind an ad view or a payment.
type AdSession struct {
	ID          string        `json:"id"`
	ResourceID  string        `json:"resourceId"`
	PublisherID string        `json:"publisherId"`
	UserID      string        `json:"userId"`
	Mode        SessionMode   `json:"mode"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	ExpiresAt   time.Time     `json:"expiresAt"`
}

// Expired reports whether the session can no longer be completed at now.
func (s *AdSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// AdCompletion is the terminal record of a session. At most one exists per
// session.
type AdCompletion struct {
	ID               string `json:"id"`
	SessionID        string `json:"sessionId"`
	PaymentProcessed bool   `json:"paymentProcessed"`
	// BillingAmount is an integer amount in the asset's smallest unit.
	BillingAmount string    `json:"billingAmount"`
	TransactionID string    `json:"transactionId,omitempty"`
	CompletedAt   time.Time `json:"completedAt"`
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSettled PaymentStatus = "settled"
	PaymentFailed  PaymentStatus = "failed"
)

// PaymentRecord is keyed by the authorization nonce and is written before
// settlement so a nonce is settled at most once through this server.
type PaymentRecord struct {
	Nonce     string        `json:"nonce"`
	SessionID string        `json:"sessionId"`
	Payer     string        `json:"payer"`
	Amount    string        `json:"amount"`
	Status    PaymentStatus `json:"status"`
	TxHash    string        `json:"txHash,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

type Role string

const (
	RoleUser       Role = "user"
	RolePublisher  Role = "publisher"
	RoleAdvertiser Role = "advertiser"
	RoleAdmin      Role = "admin"
)

// Principal is the authenticated caller.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// CanAccess reports whether p owns ownerID or is an admin.
func (p Principal) CanAccess(ownerID string) bool {
	return p.IsAdmin() || (p.ID != "" && p.ID == ownerID)
}

// PublisherStats aggregates a publisher's deliveries and completions.
type PublisherStats struct {
	PublisherID     string                 `json:"publisherId"`
	Deliveries      map[DeliveryStatus]int `json:"deliveries"`
	Completions     int                    `json:"completions"`
	PaidCompletions int                    `json:"paidCompletions"`
	// Revenue is the sum of billing amounts in the asset's smallest unit.
	Revenue string `json:"revenue"`
}

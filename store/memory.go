package store

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/vorpalengineering/x402-adserver/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu          sync.Mutex
	publishers  map[string]model.Publisher
	deliveries  map[string]model.WebhookDelivery
	sessions    map[string]model.AdSession
	completions map[string]model.AdCompletion // session id -> completion
	payments    map[string]model.PaymentRecord
}

func NewMemory() *Memory {
	return &Memory{
		publishers:  map[string]model.Publisher{},
		deliveries:  map[string]model.WebhookDelivery{},
		sessions:    map[string]model.AdSession{},
		completions: map[string]model.AdCompletion{},
		payments:    map[string]model.PaymentRecord{},
	}
}

func (m *Memory) UpsertPublisher(ctx context.Context, p *model.Publisher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.publishers[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.publishers[p.ID] = *p
	return nil
}

func (m *Memory) GetPublisher(ctx context.Context, id string) (*model.Publisher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.publishers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) CreateWebhookDelivery(ctx context.Context, d *model.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	m.deliveries[d.ID] = cloneDelivery(*d)
	return nil
}

func (m *Memory) GetWebhookDelivery(ctx context.Context, id string) (*model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	d = cloneDelivery(d)
	return &d, nil
}

func (m *Memory) UpdateWebhookDelivery(ctx context.Context, d *model.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.deliveries[d.ID]
	if !ok {
		return ErrNotFound
	}
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = time.Now().UTC()
	m.deliveries[d.ID] = cloneDelivery(*d)
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, publisherID string, status model.DeliveryStatus, limit int) ([]model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.WebhookDelivery{}
	for _, d := range m.deliveries {
		if d.PublisherID != publisherID {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, cloneDelivery(d))
	}
	// newest first
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateSession(ctx context.Context, s *model.AdSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrAlreadyExists
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (*model.AdSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) CreateAdCompletion(ctx context.Context, c *model.AdCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[c.SessionID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := m.completions[c.SessionID]; ok {
		return ErrAlreadyExists
	}
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now().UTC()
	}
	m.completions[c.SessionID] = *c
	s.Status = model.SessionCompleted
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) GetAdCompletionBySession(ctx context.Context, sessionID string) (*model.AdCompletion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.completions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *Memory) ReservePaymentNonce(ctx context.Context, rec *model.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[rec.Nonce]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	rec.Status = model.PaymentPending
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.payments[rec.Nonce] = *rec
	return nil
}

func (m *Memory) UpdatePaymentRecord(ctx context.Context, rec *model.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.payments[rec.Nonce]
	if !ok {
		return ErrNotFound
	}
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	m.payments[rec.Nonce] = *rec
	return nil
}

func (m *Memory) GetPaymentRecord(ctx context.Context, nonce string) (*model.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.payments[nonce]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *Memory) PublisherStats(ctx context.Context, publisherID string) (*model.PublisherStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &model.PublisherStats{
		PublisherID: publisherID,
		Deliveries:  map[model.DeliveryStatus]int{},
	}
	for _, d := range m.deliveries {
		if d.PublisherID == publisherID {
			stats.Deliveries[d.Status]++
		}
	}

	revenue := new(big.Int)
	for sessionID, c := range m.completions {
		if m.sessions[sessionID].PublisherID != publisherID {
			continue
		}
		stats.Completions++
		if c.PaymentProcessed {
			stats.PaidCompletions++
		}
		amount, ok := new(big.Int).SetString(c.BillingAmount, 10)
		if !ok {
			return nil, fmt.Errorf("invalid billing amount %q on completion %s", c.BillingAmount, c.ID)
		}
		revenue.Add(revenue, amount)
	}
	stats.Revenue = revenue.String()
	return stats, nil
}

func cloneDelivery(d model.WebhookDelivery) model.WebhookDelivery {
	d.Payload = append([]byte(nil), d.Payload...)
	if d.NextAttemptAt != nil {
		t := *d.NextAttemptAt
		d.NextAttemptAt = &t
	}
	if d.LastResponseStatus != nil {
		s := *d.LastResponseStatus
		d.LastResponseStatus = &s
	}
	return d
}

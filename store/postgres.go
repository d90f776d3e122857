package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vorpalengineering/x402-adserver/model"
)

const uniqueViolation = "23505"

type Postgres struct {
	Pool *pgxpool.Pool
}

// NewPostgres opens a pool on dsn and checks connectivity.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Postgres{Pool: pool}, nil
}

func (p *Postgres) Close() {
	p.Pool.Close()
}

// EnsureSchema creates the tables when they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS publishers (
			id             TEXT        PRIMARY KEY,
			name           TEXT        NOT NULL DEFAULT '',
			webhook_url    TEXT        NOT NULL DEFAULT '',
			webhook_secret TEXT        NOT NULL DEFAULT '',
			wallet_address TEXT        NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id                   TEXT        PRIMARY KEY,
			publisher_id         TEXT        NOT NULL,
			event_type           TEXT        NOT NULL,
			url                  TEXT        NOT NULL,
			payload              JSONB       NOT NULL,
			signature            TEXT        NOT NULL DEFAULT '',
			status               TEXT        NOT NULL DEFAULT 'PENDING',
			attempt              INTEGER     NOT NULL DEFAULT 0,
			next_attempt_at      TIMESTAMPTZ,
			last_response_status INTEGER,
			last_error           TEXT        NOT NULL DEFAULT '',
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS webhook_deliveries_publisher_idx
			ON webhook_deliveries (publisher_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS ad_sessions (
			id           TEXT        PRIMARY KEY,
			resource_id  TEXT        NOT NULL,
			publisher_id TEXT        NOT NULL,
			user_id      TEXT        NOT NULL,
			mode         TEXT        NOT NULL,
			status       TEXT        NOT NULL DEFAULT 'open',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at   TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ad_completions (
			id                TEXT          PRIMARY KEY,
			session_id        TEXT          NOT NULL UNIQUE REFERENCES ad_sessions (id),
			payment_processed BOOLEAN       NOT NULL DEFAULT FALSE,
			billing_amount    NUMERIC(78,0) NOT NULL DEFAULT 0,
			transaction_id    TEXT          NOT NULL DEFAULT '',
			completed_at      TIMESTAMPTZ   NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS payment_records (
			nonce      TEXT        PRIMARY KEY,
			session_id TEXT        NOT NULL,
			payer      TEXT        NOT NULL,
			amount     TEXT        NOT NULL,
			status     TEXT        NOT NULL,
			tx_hash    TEXT        NOT NULL DEFAULT '',
			error      TEXT        NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertPublisher(ctx context.Context, pub *model.Publisher) error {
	err := p.Pool.QueryRow(ctx, `
		INSERT INTO publishers (id, name, webhook_url, webhook_secret, wallet_address)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			webhook_url = EXCLUDED.webhook_url,
			webhook_secret = EXCLUDED.webhook_secret,
			wallet_address = EXCLUDED.wallet_address,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`, pub.ID, pub.Name, pub.WebhookURL, pub.WebhookSecret, pub.WalletAddress).Scan(&pub.CreatedAt, &pub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert publisher: %w", err)
	}
	return nil
}

func (p *Postgres) GetPublisher(ctx context.Context, id string) (*model.Publisher, error) {
	var pub model.Publisher
	err := p.Pool.QueryRow(ctx, `
		SELECT id, name, webhook_url, webhook_secret, wallet_address, created_at, updated_at
		FROM publishers WHERE id = $1
	`, id).Scan(&pub.ID, &pub.Name, &pub.WebhookURL, &pub.WebhookSecret, &pub.WalletAddress, &pub.CreatedAt, &pub.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "publisher")
	}
	return &pub, nil
}

const deliveryColumns = `id, publisher_id, event_type, url, payload, signature, status, attempt,
	next_attempt_at, last_response_status, last_error, created_at, updated_at`

func scanDelivery(row pgx.Row) (*model.WebhookDelivery, error) {
	var d model.WebhookDelivery
	var payload []byte
	if err := row.Scan(&d.ID, &d.PublisherID, &d.EventType, &d.URL, &payload, &d.Signature, &d.Status, &d.Attempt,
		&d.NextAttemptAt, &d.LastResponseStatus, &d.LastError, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Payload = payload
	return &d, nil
}

func (p *Postgres) CreateWebhookDelivery(ctx context.Context, d *model.WebhookDelivery) error {
	err := p.Pool.QueryRow(ctx, `
		INSERT INTO webhook_deliveries (id, publisher_id, event_type, url, payload, status, attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, d.ID, d.PublisherID, d.EventType, d.URL, []byte(d.Payload), d.Status, d.Attempt).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert webhook delivery: %w", err)
	}
	return nil
}

func (p *Postgres) GetWebhookDelivery(ctx context.Context, id string) (*model.WebhookDelivery, error) {
	d, err := scanDelivery(p.Pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "webhook delivery")
	}
	return d, nil
}

func (p *Postgres) UpdateWebhookDelivery(ctx context.Context, d *model.WebhookDelivery) error {
	tag, err := p.Pool.Exec(ctx, `
		UPDATE webhook_deliveries SET
			signature = $2,
			status = $3,
			attempt = $4,
			next_attempt_at = $5,
			last_response_status = $6,
			last_error = $7,
			updated_at = NOW()
		WHERE id = $1
	`, d.ID, d.Signature, d.Status, d.Attempt, d.NextAttemptAt, d.LastResponseStatus, d.LastError)
	if err != nil {
		return fmt.Errorf("failed to update webhook delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, publisherID string, status model.DeliveryStatus, limit int) ([]model.WebhookDelivery, error) {
	rows, err := p.Pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE publisher_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, publisherID, string(status), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook deliveries: %w", err)
	}
	defer rows.Close()

	out := []model.WebhookDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook delivery: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateSession(ctx context.Context, s *model.AdSession) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := p.Pool.Exec(ctx, `
		INSERT INTO ad_sessions (id, resource_id, publisher_id, user_id, mode, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.ID, s.ResourceID, s.PublisherID, s.UserID, s.Mode, s.Status, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*model.AdSession, error) {
	var s model.AdSession
	err := p.Pool.QueryRow(ctx, `
		SELECT id, resource_id, publisher_id, user_id, mode, status, created_at, expires_at
		FROM ad_sessions WHERE id = $1
	`, id).Scan(&s.ID, &s.ResourceID, &s.PublisherID, &s.UserID, &s.Mode, &s.Status, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return nil, notFound(err, "session")
	}
	return &s, nil
}

func (p *Postgres) CreateAdCompletion(ctx context.Context, c *model.AdCompletion) error {
	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now().UTC()
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO ad_completions (id, session_id, payment_processed, billing_amount, transaction_id, completed_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
		ON CONFLICT (session_id) DO NOTHING
	`, c.ID, c.SessionID, c.PaymentProcessed, c.BillingAmount, c.TransactionID, c.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ad completion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}

	tag, err = tx.Exec(ctx, `UPDATE ad_sessions SET status = $2 WHERE id = $1`, c.SessionID, model.SessionCompleted)
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit ad completion: %w", err)
	}
	return nil
}

func (p *Postgres) GetAdCompletionBySession(ctx context.Context, sessionID string) (*model.AdCompletion, error) {
	var c model.AdCompletion
	err := p.Pool.QueryRow(ctx, `
		SELECT id, session_id, payment_processed, billing_amount::text, transaction_id, completed_at
		FROM ad_completions WHERE session_id = $1
	`, sessionID).Scan(&c.ID, &c.SessionID, &c.PaymentProcessed, &c.BillingAmount, &c.TransactionID, &c.CompletedAt)
	if err != nil {
		return nil, notFound(err, "ad completion")
	}
	return &c, nil
}

func (p *Postgres) ReservePaymentNonce(ctx context.Context, rec *model.PaymentRecord) error {
	rec.Status = model.PaymentPending
	err := p.Pool.QueryRow(ctx, `
		INSERT INTO payment_records (nonce, session_id, payer, amount, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (nonce) DO NOTHING
		RETURNING created_at, updated_at
	`, rec.Nonce, rec.SessionID, rec.Payer, rec.Amount, rec.Status).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to reserve payment nonce: %w", err)
	}
	return nil
}

func (p *Postgres) UpdatePaymentRecord(ctx context.Context, rec *model.PaymentRecord) error {
	tag, err := p.Pool.Exec(ctx, `
		UPDATE payment_records SET status = $2, tx_hash = $3, error = $4, updated_at = NOW()
		WHERE nonce = $1
	`, rec.Nonce, rec.Status, rec.TxHash, rec.Error)
	if err != nil {
		return fmt.Errorf("failed to update payment record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetPaymentRecord(ctx context.Context, nonce string) (*model.PaymentRecord, error) {
	var rec model.PaymentRecord
	err := p.Pool.QueryRow(ctx, `
		SELECT nonce, session_id, payer, amount, status, tx_hash, error, created_at, updated_at
		FROM payment_records WHERE nonce = $1
	`, nonce).Scan(&rec.Nonce, &rec.SessionID, &rec.Payer, &rec.Amount, &rec.Status, &rec.TxHash, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "payment record")
	}
	return &rec, nil
}

func (p *Postgres) PublisherStats(ctx context.Context, publisherID string) (*model.PublisherStats, error) {
	stats := &model.PublisherStats{
		PublisherID: publisherID,
		Deliveries:  map[model.DeliveryStatus]int{},
	}

	rows, err := p.Pool.Query(ctx, `
		SELECT status, COUNT(*) FROM webhook_deliveries
		WHERE publisher_id = $1
		GROUP BY status
	`, publisherID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate deliveries: %w", err)
	}
	for rows.Next() {
		var status model.DeliveryStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan delivery stats: %w", err)
		}
		stats.Deliveries[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to aggregate deliveries: %w", err)
	}

	err = p.Pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE c.payment_processed),
		       COALESCE(SUM(c.billing_amount), 0)::text
		FROM ad_completions c
		JOIN ad_sessions s ON s.id = c.session_id
		WHERE s.publisher_id = $1
	`, publisherID).Scan(&stats.Completions, &stats.PaidCompletions, &stats.Revenue)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate completions: %w", err)
	}
	return stats, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("failed to query %s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"paygate/internal/common/database"
	"paygate/internal/common/money"
)

// Store persists payments, capture events and refunds using PostgreSQL.
// Methods take a Querier so they compose into the caller's transaction.
type Store struct{}

// NewStore creates a new payment store.
func NewStore() *Store {
	return &Store{}
}

const paymentColumns = `
	id, order_ref, source_id, status,
	amount_minor, captured_minor, currency,
	created_at, updated_at`

// Create inserts a new payment.
func (s *Store) Create(ctx context.Context, q database.Querier, p *Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := q.Exec(ctx, query,
		p.ID, p.OrderRef, nullStr(p.SourceID), p.Status,
		p.Amount.AmountMinor, p.CapturedAmount.AmountMinor, p.Amount.Currency,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// Get retrieves a payment by ID.
func (s *Store) Get(ctx context.Context, q database.Querier, id string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return s.scanPayment(q.QueryRow(ctx, query, id))
}

// GetForUpdate retrieves a payment by ID with a row lock, so the
// surrounding transaction serialises against concurrent mutations.
func (s *Store) GetForUpdate(ctx context.Context, q database.Querier, id string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`
	return s.scanPayment(q.QueryRow(ctx, query, id))
}

// GetByOrderRef retrieves the payment correlated to an order reference.
func (s *Store) GetByOrderRef(ctx context.Context, q database.Querier, orderRef string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_ref = $1`
	return s.scanPayment(q.QueryRow(ctx, query, orderRef))
}

// Update persists the payment's mutable fields.
func (s *Store) Update(ctx context.Context, q database.Querier, p *Payment) error {
	query := `
		UPDATE payments
		SET status = $2, amount_minor = $3, captured_minor = $4, source_id = $5, updated_at = $6
		WHERE id = $1
	`

	p.UpdatedAt = time.Now().UTC()

	result, err := q.Exec(ctx, query,
		p.ID, p.Status, p.Amount.AmountMinor, p.CapturedAmount.AmountMinor, nullStr(p.SourceID), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("payment %s: %w", p.ID, database.ErrNotFound)
	}
	return nil
}

// AddCaptureEvent inserts a capture event.
func (s *Store) AddCaptureEvent(ctx context.Context, q database.Querier, ev *CaptureEvent) error {
	query := `
		INSERT INTO payment_capture_events (id, payment_id, amount_minor, currency, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := q.Exec(ctx, query,
		ev.ID, ev.PaymentID, ev.Amount.AmountMinor, ev.Amount.Currency, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert capture event: %w", err)
	}
	return nil
}

// CreateRefund inserts a refund record.
func (s *Store) CreateRefund(ctx context.Context, q database.Querier, r *Refund) error {
	query := `
		INSERT INTO refunds (id, payment_id, amount_minor, currency, transaction_id, reason_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := q.Exec(ctx, query,
		r.ID, r.PaymentID, r.Amount.AmountMinor, r.Amount.Currency,
		r.TransactionID, r.ReasonID, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

// ListRefunds lists refunds for a payment, oldest first.
func (s *Store) ListRefunds(ctx context.Context, q database.Querier, paymentID string) ([]*Refund, error) {
	query := `
		SELECT id, payment_id, amount_minor, currency, transaction_id, reason_id, created_at
		FROM refunds
		WHERE payment_id = $1
		ORDER BY created_at ASC
	`

	rows, err := q.Query(ctx, query, paymentID)
	if err != nil {
		return nil, fmt.Errorf("query refunds: %w", err)
	}
	defer rows.Close()

	var refunds []*Refund
	for rows.Next() {
		var r Refund
		var currency money.Currency
		if err := rows.Scan(
			&r.ID, &r.PaymentID, &r.Amount.AmountMinor, &currency,
			&r.TransactionID, &r.ReasonID, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		r.Amount.Currency = currency
		refunds = append(refunds, &r)
	}
	return refunds, rows.Err()
}

func (s *Store) scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var sourceID *string
	var currency money.Currency

	err := row.Scan(
		&p.ID, &p.OrderRef, &sourceID, &p.Status,
		&p.Amount.AmountMinor, &p.CapturedAmount.AmountMinor, &currency,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment: %w", database.ErrNotFound)
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	if sourceID != nil {
		p.SourceID = *sourceID
	}
	p.Amount.Currency = currency
	p.CapturedAmount.Currency = currency

	return &p, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

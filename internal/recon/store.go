package recon

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"paygate/internal/common/database"
)

// Store persists notifications and HPP sources using PostgreSQL.
// Methods take a Querier so they compose into the caller's transaction.
type Store struct{}

// NewStore creates a new notification store.
func NewStore() *Store {
	return &Store{}
}

const notificationColumns = `
	id, merchant_reference, psp_reference, original_reference,
	event_code, success, value_minor, currency, operations,
	auto_capture, reason, processed, dispatched_at, created_at`

// Create inserts a notification. Redeliveries of the same business
// event (same psp reference, event code and success flag) are
// suppressed by the unique index and reported as ErrAlreadyExists.
func (s *Store) Create(ctx context.Context, q database.Querier, n *Notification) error {
	query := `
		INSERT INTO notifications (` + notificationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (psp_reference, event_code, success) DO NOTHING
	`

	result, err := q.Exec(ctx, query,
		n.ID, n.MerchantReference, n.PspReference, nullStr(n.OriginalReference),
		n.EventCode, n.Success, n.Value, n.Currency, n.Operations,
		n.AutoCapture, nullStr(n.Reason), n.Processed, n.DispatchedAt, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s/%s: %w", n.PspReference, n.EventCode, database.ErrAlreadyExists)
	}
	return nil
}

// GetByDeliveryKey retrieves the stored copy of a business event by its
// duplicate-delivery key.
func (s *Store) GetByDeliveryKey(ctx context.Context, q database.Querier, pspRef, eventCode string, success bool) (*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE psp_reference = $1 AND event_code = $2 AND success = $3
	`

	rows, err := q.Query(ctx, query, pspRef, eventCode, success)
	if err != nil {
		return nil, fmt.Errorf("query notification by delivery key: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("notification %s/%s: %w", pspRef, eventCode, database.ErrNotFound)
	}
	return scanNotification(rows)
}

// ListUnprocessed lists a merchant reference's unprocessed
// notifications in dispatch order, oldest first. Ordering is load
// bearing: a capture must be evaluated after its authorisation, and a
// refund after its capture.
func (s *Store) ListUnprocessed(ctx context.Context, q database.Querier, merchantRef string) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE merchant_reference = $1 AND processed = false
		ORDER BY dispatched_at ASC, created_at ASC
	`

	rows, err := q.Query(ctx, query, merchantRef)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// MarkProcessed flips the processed flag. The flag only ever moves
// false -> true.
func (s *Store) MarkProcessed(ctx context.Context, q database.Querier, id string) error {
	query := `UPDATE notifications SET processed = true WHERE id = $1`

	result, err := q.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark notification processed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, database.ErrNotFound)
	}
	return nil
}

// LastProcessedAuthorisation returns the most recent processed
// successful authorisation notification for a merchant reference.
func (s *Store) LastProcessedAuthorisation(ctx context.Context, q database.Querier, merchantRef string) (*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE merchant_reference = $1
		  AND processed = true
		  AND success = true
		  AND event_code = $2
		ORDER BY dispatched_at DESC, created_at DESC
		LIMIT 1
	`

	rows, err := q.Query(ctx, query, merchantRef, EventCodeAuthorisation)
	if err != nil {
		return nil, fmt.Errorf("query last authorisation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("authorisation notification: %w", database.ErrNotFound)
	}
	return scanNotification(rows)
}

func scanNotification(rows pgx.Rows) (*Notification, error) {
	var n Notification
	var originalRef, reason *string

	err := rows.Scan(
		&n.ID, &n.MerchantReference, &n.PspReference, &originalRef,
		&n.EventCode, &n.Success, &n.Value, &n.Currency, &n.Operations,
		&n.AutoCapture, &reason, &n.Processed, &n.DispatchedAt, &n.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan notification: %w", err)
	}

	if originalRef != nil {
		n.OriginalReference = *originalRef
	}
	if reason != nil {
		n.Reason = *reason
	}

	return &n, nil
}

// SourceStore persists HPP sources.
type SourceStore struct{}

// NewSourceStore creates a new source store.
func NewSourceStore() *SourceStore {
	return &SourceStore{}
}

// CreateSource inserts an HPP source.
func (s *SourceStore) CreateSource(ctx context.Context, q database.Querier, src *HppSource) error {
	query := `
		INSERT INTO hpp_sources (
			id, merchant_reference, auth_result, psp_reference,
			skin_code, payment_method, shopper_locale, merchant_return_data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := q.Exec(ctx, query,
		src.ID, src.MerchantReference, nullStr(src.AuthResult), nullStr(src.PspReference),
		nullStr(src.SkinCode), nullStr(src.PaymentMethod), nullStr(src.ShopperLocale),
		nullStr(src.MerchantReturnData), src.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert hpp source: %w", err)
	}
	return nil
}

// GetSourceByMerchantReference retrieves the HPP source correlated to a
// merchant reference.
func (s *SourceStore) GetSourceByMerchantReference(ctx context.Context, q database.Querier, merchantRef string) (*HppSource, error) {
	query := `
		SELECT id, merchant_reference, auth_result, psp_reference,
		       skin_code, payment_method, shopper_locale, merchant_return_data, created_at
		FROM hpp_sources
		WHERE merchant_reference = $1
	`

	var src HppSource
	var authResult, pspRef, skinCode, paymentMethod, shopperLocale, returnData *string

	err := q.QueryRow(ctx, query, merchantRef).Scan(
		&src.ID, &src.MerchantReference, &authResult, &pspRef,
		&skinCode, &paymentMethod, &shopperLocale, &returnData, &src.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("hpp source: %w", database.ErrNotFound)
		}
		return nil, fmt.Errorf("scan hpp source: %w", err)
	}

	if authResult != nil {
		src.AuthResult = *authResult
	}
	if pspRef != nil {
		src.PspReference = *pspRef
	}
	if skinCode != nil {
		src.SkinCode = *skinCode
	}
	if paymentMethod != nil {
		src.PaymentMethod = *paymentMethod
	}
	if shopperLocale != nil {
		src.ShopperLocale = *shopperLocale
	}
	if returnData != nil {
		src.MerchantReturnData = *returnData
	}

	return &src, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

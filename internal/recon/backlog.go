package recon

import (
	"context"
	"fmt"

	"paygate/internal/common/database"
	"paygate/internal/payment"
)

// ProcessOutstanding drains a payment's notification backlog in dispatch
// order, oldest first. Each notification runs in its own transaction, so
// a failure mid-backlog keeps the progress made so far and leaves the
// failing notification unprocessed for a later sweep.
//
// A session advisory lock keyed on the payment ID serialises concurrent
// sweeps of the same payment.
func (p *Processor) ProcessOutstanding(ctx context.Context, pay *payment.Payment) ([]*Notification, error) {
	release, err := p.db.AcquireAdvisoryLock(ctx, database.LockKey("recon:payment:"+pay.ID))
	if err != nil {
		return nil, fmt.Errorf("lock payment %s: %w", pay.ID, err)
	}
	defer release()

	backlog, err := p.notifications.ListUnprocessed(ctx, p.db, pay.OrderRef)
	if err != nil {
		return nil, fmt.Errorf("list backlog for %s: %w", pay.OrderRef, err)
	}

	processed := make([]*Notification, 0, len(backlog))
	for _, n := range backlog {
		pending, err := p.processOne(ctx, n, pay)
		if err != nil {
			return processed, fmt.Errorf("reconcile notification %s: %w", n.ID, err)
		}
		p.flush(ctx, pending)
		processed = append(processed, n)
	}

	if len(processed) > 0 {
		p.logger.Info("reconciled notification backlog",
			"payment_id", pay.ID,
			"merchant_reference", pay.OrderRef,
			"count", len(processed),
		)
	}
	return processed, nil
}

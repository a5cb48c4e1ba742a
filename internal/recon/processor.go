package recon

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"paygate/internal/common/database"
	"paygate/internal/payment"
)

// Config holds reconciliation configuration.
type Config struct {
	// RefundReasonID is attached to refund records created from
	// gateway refund notifications. Required: there is no implicit
	// fallback reason.
	RefundReasonID string `envconfig:"RECON_REFUND_REASON_ID" required:"true"`
}

// DB is the database surface the processor needs.
type DB interface {
	database.Querier
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	AcquireAdvisoryLock(ctx context.Context, key int64) (release func(), err error)
}

// PaymentStore applies payment mutations within the processor's
// transaction scope.
type PaymentStore interface {
	GetForUpdate(ctx context.Context, q database.Querier, id string) (*payment.Payment, error)
	Update(ctx context.Context, q database.Querier, p *payment.Payment) error
	AddCaptureEvent(ctx context.Context, q database.Querier, ev *payment.CaptureEvent) error
	CreateRefund(ctx context.Context, q database.Querier, r *payment.Refund) error
}

// NotificationStore reads and flags notifications.
type NotificationStore interface {
	ListUnprocessed(ctx context.Context, q database.Querier, merchantRef string) ([]*Notification, error)
	MarkProcessed(ctx context.Context, q database.Querier, id string) error
	LastProcessedAuthorisation(ctx context.Context, q database.Querier, merchantRef string) (*Notification, error)
}

// Publisher publishes reconciliation events.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Processor reconciles gateway notifications against payments. Each
// notification is applied in a single transaction: the payment
// mutations and the processed flag commit together or not at all.
type Processor struct {
	db            DB
	payments      PaymentStore
	notifications NotificationStore
	publisher     Publisher
	refundReason  string
	logger        *slog.Logger
}

// NewProcessor creates a new notification processor. publisher may be
// nil, in which case no events are emitted.
func NewProcessor(db DB, payments PaymentStore, notifications NotificationStore, publisher Publisher, cfg Config, logger *slog.Logger) *Processor {
	return &Processor{
		db:            db,
		payments:      payments,
		notifications: notifications,
		publisher:     publisher,
		refundReason:  cfg.RefundReasonID,
		logger:        logger,
	}
}

// Process reconciles a single notification against its payment.
//
// pay may be nil: notifications without a matching local payment (test
// pings, reports for other systems) are logged and left untouched.
// That is an audit path, not an error. Callers must not hand in
// notifications that are already processed; duplicate-delivery
// filtering happens upstream on the processed flag.
func (p *Processor) Process(ctx context.Context, n *Notification, pay *payment.Payment) (*Notification, error) {
	if pay == nil {
		p.logger.Info("no payment matches notification, leaving unprocessed",
			"merchant_reference", n.MerchantReference,
			"psp_reference", n.PspReference,
			"event_code", n.EventCode,
		)
		p.publish(ctx, SubjectNotificationUnmatched, n.PspReference, NotificationUnmatched{
			MerchantReference: n.MerchantReference,
			PspReference:      n.PspReference,
			EventCode:         n.EventCode,
		})
		return n, nil
	}

	pending, err := p.processOne(ctx, n, pay)
	if err != nil {
		return n, err
	}

	p.flush(ctx, pending)
	return n, nil
}

// pendingEvent is an event collected during apply and published only
// after the transaction commits.
type pendingEvent struct {
	subject string
	pspRef  string
	data    any
}

// processOne applies one notification inside its own transaction. The
// payment is re-read under a row lock so two concurrent deliveries for
// the same payment cannot both act on the same stale snapshot; the
// second blocks until the first commits and then sees its transitions.
// On success the caller's payment is refreshed with the committed state.
func (p *Processor) processOne(ctx context.Context, n *Notification, pay *payment.Payment) ([]pendingEvent, error) {
	var pending []pendingEvent
	err := p.db.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := p.payments.GetForUpdate(ctx, tx, pay.ID)
		if err != nil {
			return err
		}
		pending, err = p.apply(ctx, tx, n, current)
		if err != nil {
			return err
		}
		*pay = *current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// apply classifies the notification and performs exactly the
// corresponding payment transitions. Evaluated in strict order; the
// first matching clause wins.
func (p *Processor) apply(ctx context.Context, q database.Querier, n *Notification, pay *payment.Payment) ([]pendingEvent, error) {
	var pending []pendingEvent

	switch {
	case !n.Success:
		// Stale failures for an already-completed payment are
		// duplicates of history and absorbed.
		if !pay.IsCompleted() {
			if err := pay.Fail(); err != nil {
				return nil, err
			}
			if err := p.payments.Update(ctx, q, pay); err != nil {
				return nil, err
			}
			pending = append(pending, p.stateChanged(SubjectPaymentFailed, n, pay))
		}

	case n.IsModification():
		switch n.Kind() {
		case KindCapture:
			events, err := p.completePayment(ctx, q, n, pay)
			if err != nil {
				return nil, err
			}
			pending = append(pending, events...)

		case KindCancelOrRefund:
			if err := pay.Void(); err != nil {
				return nil, err
			}
			if err := p.payments.Update(ctx, q, pay); err != nil {
				return nil, err
			}
			pending = append(pending, p.stateChanged(SubjectPaymentVoided, n, pay))

		case KindRefund:
			refund := &payment.Refund{
				ID:            ulid.Make().String(),
				PaymentID:     pay.ID,
				Amount:        n.Amount(),
				TransactionID: n.PspReference,
				ReasonID:      p.refundReason,
				CreatedAt:     time.Now().UTC(),
			}
			if err := p.payments.CreateRefund(ctx, q, refund); err != nil {
				return nil, err
			}
			// The payment is usually parked in processing while the
			// refund settles; move it back to completed.
			if !pay.IsCompleted() {
				if err := pay.Complete(); err != nil {
					return nil, err
				}
			}
			if err := p.payments.Update(ctx, q, pay); err != nil {
				return nil, err
			}
			pending = append(pending, pendingEvent{
				subject: SubjectRefundRecorded,
				pspRef:  n.PspReference,
				data: RefundRecorded{
					RefundID:      refund.ID,
					PaymentID:     pay.ID,
					Amount:        refund.Amount,
					TransactionID: refund.TransactionID,
				},
			})
		}

	case n.IsNormal():
		if n.IsAutoCaptured() {
			events, err := p.completePayment(ctx, q, n, pay)
			if err != nil {
				return nil, err
			}
			pending = append(pending, events...)
		} else {
			if err := pay.AwaitCapture(); err != nil {
				return nil, err
			}
			if err := p.payments.Update(ctx, q, pay); err != nil {
				return nil, err
			}
			pending = append(pending, p.stateChanged(SubjectPaymentAuthorised, n, pay))
		}

	default:
		// Unhandled event kind (dispute, report, new gateway code).
		// Leave the notification in the backlog so it can be picked up
		// once the engine learns the kind.
		p.logger.Info("unhandled notification kind, leaving unprocessed",
			"psp_reference", n.PspReference,
			"event_code", n.EventCode,
		)
		return nil, nil
	}

	n.Processed = true
	if err := p.notifications.MarkProcessed(ctx, q, n.ID); err != nil {
		return nil, err
	}

	return pending, nil
}

// completePayment records a capture of the notification's amount,
// aligns the payment total with the captured total and completes the
// payment. Mirrors a gateway-driven capture confirmation.
func (p *Processor) completePayment(ctx context.Context, q database.Querier, n *Notification, pay *payment.Payment) ([]pendingEvent, error) {
	amount := n.Amount()

	ev := &payment.CaptureEvent{
		ID:        ulid.Make().String(),
		PaymentID: pay.ID,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.payments.AddCaptureEvent(ctx, q, ev); err != nil {
		return nil, err
	}

	if err := pay.RecordCapture(amount); err != nil {
		return nil, err
	}
	pay.SetAmount(pay.CapturedAmount)

	if err := pay.Complete(); err != nil {
		return nil, err
	}
	if err := p.payments.Update(ctx, q, pay); err != nil {
		return nil, err
	}

	return []pendingEvent{p.stateChanged(SubjectPaymentCompleted, n, pay)}, nil
}

func (p *Processor) stateChanged(subject string, n *Notification, pay *payment.Payment) pendingEvent {
	return pendingEvent{
		subject: subject,
		pspRef:  n.PspReference,
		data: PaymentStateChanged{
			PaymentID:      pay.ID,
			OrderRef:       pay.OrderRef,
			Status:         pay.Status,
			Amount:         pay.Amount,
			CapturedAmount: pay.CapturedAmount,
		},
	}
}

func (p *Processor) flush(ctx context.Context, pending []pendingEvent) {
	for _, ev := range pending {
		p.publish(ctx, ev.subject, ev.pspRef, ev.data)
	}
}

func (p *Processor) publish(ctx context.Context, subject, pspRef string, data any) {
	if p.publisher == nil {
		return
	}
	env, err := NewEnvelope(subject, pspRef, data)
	if err != nil {
		p.logger.Error("failed to create event envelope", "subject", subject, "error", err)
		return
	}
	if err := p.publisher.Publish(ctx, subject, env); err != nil {
		p.logger.Error("failed to publish event", "subject", subject, "error", err)
	}
}

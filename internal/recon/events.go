package recon

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"paygate/internal/common/money"
	"paygate/internal/payment"
)

// NATS subjects for reconciliation events
const (
	SubjectPaymentCompleted      = "recon.payment.completed"
	SubjectPaymentFailed         = "recon.payment.failed"
	SubjectPaymentVoided         = "recon.payment.voided"
	SubjectPaymentAuthorised     = "recon.payment.authorised"
	SubjectRefundRecorded        = "recon.refund.recorded"
	SubjectNotificationUnmatched = "recon.notification.unmatched"
)

// Envelope wraps all reconciliation events with common metadata.
type Envelope struct {
	ID           string          `json:"id"`
	Subject      string          `json:"subject"`
	PspReference string          `json:"psp_reference,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data"`
}

// NewEnvelope creates a new event envelope.
func NewEnvelope(subject, pspReference string, data any) (*Envelope, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:           ulid.Make().String(),
		Subject:      subject,
		PspReference: pspReference,
		Timestamp:    time.Now().UTC(),
		Data:         jsonData,
	}, nil
}

// PaymentStateChanged is published when reconciliation moves a payment
// into a new lifecycle state.
type PaymentStateChanged struct {
	PaymentID      string         `json:"payment_id"`
	OrderRef       string         `json:"order_ref"`
	Status         payment.Status `json:"status"`
	Amount         money.Money    `json:"amount"`
	CapturedAmount money.Money    `json:"captured_amount"`
}

// RefundRecorded is published when a gateway-reported refund is
// recorded against a payment.
type RefundRecorded struct {
	RefundID      string      `json:"refund_id"`
	PaymentID     string      `json:"payment_id"`
	Amount        money.Money `json:"amount"`
	TransactionID string      `json:"transaction_id"`
}

// NotificationUnmatched is published when no local payment matches a
// notification's merchant reference (test pings, reports, etc).
type NotificationUnmatched struct {
	MerchantReference string `json:"merchant_reference"`
	PspReference      string `json:"psp_reference"`
	EventCode         string `json:"event_code"`
}

// Package recon reconciles local payment state with the asynchronous,
// out-of-order, at-least-once notifications delivered by the hosted
// payment page gateway.
package recon

import (
	"time"

	"paygate/internal/common/money"
)

// Gateway event codes as delivered on the notification channel.
const (
	EventCodeAuthorisation  = "AUTHORISATION"
	EventCodeCapture        = "CAPTURE"
	EventCodeCancelOrRefund = "CANCEL_OR_REFUND"
	EventCodeRefund         = "REFUND"
)

// Kind classifies a notification for reconciliation.
type Kind string

const (
	// KindUnknown covers any event the engine does not handle
	// (disputes, reports, new gateway event codes). Left in the
	// backlog.
	KindUnknown Kind = "unknown"

	// KindAuthorisation is the initial authorisation report ("normal"
	// event in gateway terms).
	KindAuthorisation Kind = "authorisation"

	// Modification events reference a prior transaction.
	KindCapture        Kind = "capture"
	KindCancelOrRefund Kind = "cancel_or_refund"
	KindRefund         Kind = "refund"
)

// Notification is one gateway-reported event, persisted by the intake
// layer with Processed=false and mutated only by the Processor.
type Notification struct {
	ID                string    `json:"id"`
	MerchantReference string    `json:"merchant_reference"`
	PspReference      string    `json:"psp_reference"`
	OriginalReference string    `json:"original_reference,omitempty"`
	EventCode         string    `json:"event_code"`
	Success           bool      `json:"success"`
	Value             int64     `json:"value"`
	Currency          string    `json:"currency"`
	Operations        []string  `json:"operations,omitempty"`
	AutoCapture       bool      `json:"auto_capture"`
	Reason            string    `json:"reason,omitempty"`
	Processed         bool      `json:"processed"`
	DispatchedAt      time.Time `json:"dispatched_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// Kind returns the reconciliation classification of the notification.
func (n *Notification) Kind() Kind {
	switch n.EventCode {
	case EventCodeAuthorisation:
		return KindAuthorisation
	case EventCodeCapture:
		return KindCapture
	case EventCodeCancelOrRefund:
		return KindCancelOrRefund
	case EventCodeRefund:
		return KindRefund
	default:
		return KindUnknown
	}
}

// IsModification reports whether this is a post-authorisation action on
// an existing payment.
func (n *Notification) IsModification() bool {
	switch n.Kind() {
	case KindCapture, KindCancelOrRefund, KindRefund:
		return true
	}
	return false
}

// IsNormal reports whether this is the initial authorisation report.
func (n *Notification) IsNormal() bool {
	return n.Kind() == KindAuthorisation
}

// IsAutoCaptured reports whether the gateway captured funds at
// authorisation time, with no separate capture notification to follow.
func (n *Notification) IsAutoCaptured() bool {
	return n.AutoCapture
}

// Amount returns the notification's value as exact minor-unit money.
func (n *Notification) Amount() money.Money {
	return money.New(n.Value, money.Currency(n.Currency))
}

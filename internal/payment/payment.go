// Package payment owns the payment lifecycle state machine and its
// persistence. Payments are mutated only through the transition
// operations here; the reconciliation engine orchestrates the calls but
// never touches state directly.
package payment

import (
	"errors"
	"fmt"
	"time"

	"paygate/internal/common/money"
)

// Status represents the lifecycle state of a payment.
type Status string

const (
	// StatusPending is a payment created after redirect, outcome
	// unknown.
	StatusPending Status = "pending"

	// StatusProcessing is authorised and awaiting capture, or a refund
	// is settling.
	StatusProcessing Status = "processing"

	// StatusCompleted means funds were captured in full.
	StatusCompleted Status = "completed"

	// StatusFailed means the gateway reported a failed outcome.
	StatusFailed Status = "failed"

	// StatusVoid means the authorisation was cancelled.
	StatusVoid Status = "void"
)

// ErrInvalidTransition is returned when a transition operation is not
// valid from the payment's current state.
var ErrInvalidTransition = errors.New("invalid payment state transition")

// allowedTransitions defines the valid state transitions.
// completed -> processing covers the outbound refund flow, which parks
// the payment until the gateway confirms settlement.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed, StatusVoid},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusVoid},
	StatusCompleted:  {StatusProcessing, StatusVoid},
}

// Payment is a local payment correlated to a gateway transaction via
// the order reference.
type Payment struct {
	ID             string      `json:"id"`
	OrderRef       string      `json:"order_ref"`
	SourceID       string      `json:"source_id,omitempty"`
	Status         Status      `json:"status"`
	Amount         money.Money `json:"amount"`
	CapturedAmount money.Money `json:"captured_amount"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// New creates a pending payment for an order reference.
func New(id, orderRef string, amount money.Money) (*Payment, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if orderRef == "" {
		return nil, errors.New("order_ref is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}

	now := time.Now().UTC()
	return &Payment{
		ID:             id,
		OrderRef:       orderRef,
		Status:         StatusPending,
		Amount:         amount,
		CapturedAmount: money.Zero(amount.Currency),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// CanTransitionTo reports whether a transition to status is valid.
func (p *Payment) CanTransitionTo(status Status) bool {
	for _, s := range allowedTransitions[p.Status] {
		if s == status {
			return true
		}
	}
	return false
}

func (p *Payment) transitionTo(status Status) error {
	if !p.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, status)
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail marks the payment as failed.
func (p *Payment) Fail() error {
	return p.transitionTo(StatusFailed)
}

// Void cancels the payment's authorisation.
func (p *Payment) Void() error {
	return p.transitionTo(StatusVoid)
}

// Complete marks the payment as captured in full.
func (p *Payment) Complete() error {
	return p.transitionTo(StatusCompleted)
}

// AwaitCapture marks the payment as authorised and awaiting a manual
// capture through the gateway.
func (p *Payment) AwaitCapture() error {
	return p.transitionTo(StatusProcessing)
}

// RecordCapture adds a captured amount to the running captured total.
func (p *Payment) RecordCapture(amount money.Money) error {
	captured, err := p.CapturedAmount.Add(amount)
	if err != nil {
		return fmt.Errorf("recording capture: %w", err)
	}
	p.CapturedAmount = captured
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// SetAmount updates the payment's total amount.
func (p *Payment) SetAmount(amount money.Money) {
	p.Amount = amount
	p.UpdatedAt = time.Now().UTC()
}

// IsCompleted reports whether the payment is in the completed state.
func (p *Payment) IsCompleted() bool {
	return p.Status == StatusCompleted
}

// UncapturedAmount returns amount - captured amount. Exact minor-unit
// arithmetic; callers compare against zero with IsZero.
func (p *Payment) UncapturedAmount() money.Money {
	return p.Amount.MustSub(p.CapturedAmount)
}

// CaptureEvent records a single capture confirmed by the gateway.
type CaptureEvent struct {
	ID        string      `json:"id"`
	PaymentID string      `json:"payment_id"`
	Amount    money.Money `json:"amount"`
	CreatedAt time.Time   `json:"created_at"`
}

// Refund records a gateway-reported refund against a payment.
type Refund struct {
	ID            string      `json:"id"`
	PaymentID     string      `json:"payment_id"`
	Amount        money.Money `json:"amount"`
	TransactionID string      `json:"transaction_id"`
	ReasonID      string      `json:"reason_id"`
	CreatedAt     time.Time   `json:"created_at"`
}

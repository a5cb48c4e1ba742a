// Package api exposes the reconciliation engine over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	commonapi "paygate/internal/common/api"
	"paygate/internal/common/database"
	"paygate/internal/common/money"
	"paygate/internal/payment"
	"paygate/internal/recon"
)

// PaymentStore reads and creates payments.
type PaymentStore interface {
	Get(ctx context.Context, q database.Querier, id string) (*payment.Payment, error)
	Create(ctx context.Context, q database.Querier, p *payment.Payment) error
	ListRefunds(ctx context.Context, q database.Querier, paymentID string) ([]*payment.Refund, error)
}

// SourceStore reads HPP sources.
type SourceStore interface {
	GetSourceByMerchantReference(ctx context.Context, q database.Querier, merchantRef string) (*recon.HppSource, error)
}

// Replayer drains a payment's notification backlog.
type Replayer interface {
	ProcessOutstanding(ctx context.Context, pay *payment.Payment) ([]*recon.Notification, error)
}

// Handler handles reconciliation API requests.
type Handler struct {
	db            database.Querier
	payments      PaymentStore
	sources       SourceStore
	notifications recon.NotificationStore
	replayer      Replayer
	logger        *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(db database.Querier, payments PaymentStore, sources SourceStore, notifications recon.NotificationStore, replayer Replayer, logger *slog.Logger) *Handler {
	return &Handler{
		db:            db,
		payments:      payments,
		sources:       sources,
		notifications: notifications,
		replayer:      replayer,
		logger:        logger,
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/payments", h.handleCreatePayment)
	r.Route("/payments/{id}", func(r chi.Router) {
		r.Get("/", h.handleGetPayment)
		r.Post("/reconcile", h.handleReconcile)
		r.Get("/actions", h.handleGetActions)
		r.Get("/refunds", h.handleListRefunds)
	})
}

// createPaymentRequest registers a pending payment ahead of the
// shopper's redirect to the hosted payment page.
type createPaymentRequest struct {
	OrderRef    string `json:"order_ref" validate:"required"`
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
}

func (h *Handler) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := commonapi.DecodeAndValidate(r, &req); err != nil {
		commonapi.ValidationError(w, err)
		return
	}

	pay, err := payment.New(ulid.Make().String(), req.OrderRef, money.New(req.AmountMinor, money.Currency(req.Currency)))
	if err != nil {
		commonapi.BadRequest(w, err.Error())
		return
	}

	if err := h.payments.Create(r.Context(), h.db, pay); err != nil {
		if database.IsUniqueViolation(err) {
			commonapi.Conflict(w, "a payment already exists for this order reference")
			return
		}
		h.logger.Error("failed to create payment", "order_ref", req.OrderRef, "error", err)
		commonapi.InternalError(w, "failed to create payment")
		return
	}

	commonapi.WriteData(w, http.StatusCreated, pay)
}

func (h *Handler) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	pay, ok := h.loadPayment(w, r)
	if !ok {
		return
	}
	commonapi.WriteData(w, http.StatusOK, pay)
}

// reconcileResponse reports a backlog sweep's outcome.
type reconcileResponse struct {
	Payment       *payment.Payment      `json:"payment"`
	Notifications []*recon.Notification `json:"notifications"`
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	pay, ok := h.loadPayment(w, r)
	if !ok {
		return
	}

	processed, err := h.replayer.ProcessOutstanding(r.Context(), pay)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidTransition) {
			// Progress up to the failing notification is committed;
			// report the conflict so the caller can inspect the
			// backlog.
			commonapi.Conflict(w, err.Error())
			return
		}
		h.logger.Error("backlog reconciliation failed", "payment_id", pay.ID, "error", err)
		commonapi.InternalError(w, "reconciliation failed")
		return
	}

	if processed == nil {
		processed = []*recon.Notification{}
	}
	commonapi.WriteData(w, http.StatusOK, reconcileResponse{
		Payment:       pay,
		Notifications: processed,
	})
}

// actionsResponse lists the operations currently available on a
// payment's funding source.
type actionsResponse struct {
	Actions    []string `json:"actions"`
	CanCapture bool     `json:"can_capture"`
}

func (h *Handler) handleGetActions(w http.ResponseWriter, r *http.Request) {
	pay, ok := h.loadPayment(w, r)
	if !ok {
		return
	}

	src, err := h.sources.GetSourceByMerchantReference(r.Context(), h.db, pay.OrderRef)
	if err != nil {
		if database.IsNotFound(err) {
			commonapi.NotFound(w, "payment source not found")
			return
		}
		h.logger.Error("failed to load payment source", "payment_id", pay.ID, "error", err)
		commonapi.InternalError(w, "failed to load payment source")
		return
	}
	src.Bind(h.notifications, h.db)

	actions, err := src.Actions(r.Context())
	if err != nil {
		h.logger.Error("failed to resolve source actions", "payment_id", pay.ID, "error", err)
		commonapi.InternalError(w, "failed to resolve actions")
		return
	}

	commonapi.WriteData(w, http.StatusOK, actionsResponse{
		Actions:    actions,
		CanCapture: src.CanCapture(pay),
	})
}

// refundsResponse lists a payment's refunds with the running total.
type refundsResponse struct {
	Refunds       []*payment.Refund `json:"refunds"`
	TotalRefunded money.Money       `json:"total_refunded"`
	FullyRefunded bool              `json:"fully_refunded"`
}

func (h *Handler) handleListRefunds(w http.ResponseWriter, r *http.Request) {
	pay, ok := h.loadPayment(w, r)
	if !ok {
		return
	}

	refunds, err := h.payments.ListRefunds(r.Context(), h.db, pay.ID)
	if err != nil {
		h.logger.Error("failed to list refunds", "payment_id", pay.ID, "error", err)
		commonapi.InternalError(w, "failed to list refunds")
		return
	}
	if refunds == nil {
		refunds = []*payment.Refund{}
	}

	total := money.Zero(pay.Amount.Currency)
	for _, refund := range refunds {
		sum, err := total.Add(refund.Amount)
		if err != nil {
			h.logger.Error("refund currency mismatch", "payment_id", pay.ID, "refund_id", refund.ID, "error", err)
			commonapi.InternalError(w, "inconsistent refund currencies")
			return
		}
		total = sum
	}

	cmp, err := total.Compare(pay.CapturedAmount)
	if err != nil {
		h.logger.Error("refund currency mismatch", "payment_id", pay.ID, "error", err)
		commonapi.InternalError(w, "inconsistent refund currencies")
		return
	}

	commonapi.WriteData(w, http.StatusOK, refundsResponse{
		Refunds:       refunds,
		TotalRefunded: total,
		FullyRefunded: !pay.CapturedAmount.IsZero() && cmp >= 0,
	})
}

func (h *Handler) loadPayment(w http.ResponseWriter, r *http.Request) (*payment.Payment, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		commonapi.BadRequest(w, "payment id is required")
		return nil, false
	}

	pay, err := h.payments.Get(r.Context(), h.db, id)
	if err != nil {
		if database.IsNotFound(err) {
			commonapi.NotFound(w, "payment not found")
			return nil, false
		}
		h.logger.Error("failed to load payment", "payment_id", id, "error", err)
		commonapi.InternalError(w, "failed to load payment")
		return nil, false
	}
	return pay, true
}

// Package gateway handles the hosted-payment-page gateway's inbound
// webhook. The gateway's wire vocabulary (capitalised field names,
// stringly-typed booleans) stays inside this package; everything past
// the decoder speaks canonical notifications.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"paygate/internal/common/api"
	"paygate/internal/common/database"
	"paygate/internal/payment"
	"paygate/internal/recon"
)

// Config holds webhook intake configuration. The gateway posts with
// basic auth; both values are required.
type Config struct {
	Username string `envconfig:"WEBHOOK_USERNAME" required:"true"`
	Password string `envconfig:"WEBHOOK_PASSWORD" required:"true"`
}

// accepted is the literal acknowledgement body the gateway expects.
// Anything else causes redelivery.
const accepted = "[accepted]"

// NotificationStore persists inbound notifications.
type NotificationStore interface {
	Create(ctx context.Context, q database.Querier, n *recon.Notification) error
	GetByDeliveryKey(ctx context.Context, q database.Querier, pspRef, eventCode string, success bool) (*recon.Notification, error)
}

// PaymentStore correlates notifications and sources to payments.
type PaymentStore interface {
	GetByOrderRef(ctx context.Context, q database.Querier, orderRef string) (*payment.Payment, error)
	Update(ctx context.Context, q database.Querier, p *payment.Payment) error
}

// SourceStore persists the funding sources recorded on redirect return.
type SourceStore interface {
	CreateSource(ctx context.Context, q database.Querier, src *recon.HppSource) error
}

// Reconciler applies a single notification to a payment.
type Reconciler interface {
	Process(ctx context.Context, n *recon.Notification, pay *payment.Payment) (*recon.Notification, error)
}

// Handler is the gateway-facing intake endpoint: the notification
// webhook and the shopper's redirect return.
type Handler struct {
	db            database.Querier
	notifications NotificationStore
	payments      PaymentStore
	sources       SourceStore
	reconciler    Reconciler
	logger        *slog.Logger
}

// NewHandler creates a new gateway handler.
func NewHandler(db database.Querier, notifications NotificationStore, payments PaymentStore, sources SourceStore, reconciler Reconciler, logger *slog.Logger) *Handler {
	return &Handler{
		db:            db,
		notifications: notifications,
		payments:      payments,
		sources:       sources,
		reconciler:    reconciler,
		logger:        logger,
	}
}

// RegisterRoutes registers the webhook routes. Mount behind basic auth.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/notifications", h.handleNotifications)
}

// RegisterReturnRoutes registers the shopper redirect-return route.
// This is hit by the shopper's browser, so it is not basic-auth
// protected.
func (h *Handler) RegisterReturnRoutes(r chi.Router) {
	r.Get("/returns", h.handleReturn)
}

// notificationRequest is the gateway's webhook payload: a batch of
// wrapped notification items.
type notificationRequest struct {
	Live              string             `json:"live"`
	NotificationItems []notificationItem `json:"notificationItems" validate:"required,min=1,dive"`
}

type notificationItem struct {
	NotificationRequestItem notificationRequestItem `json:"NotificationRequestItem"`
}

// notificationRequestItem mirrors the gateway's field names exactly.
// This struct is the only place the aliasing lives.
type notificationRequestItem struct {
	Amount            wireAmount `json:"amount"`
	EventCode         string     `json:"eventCode" validate:"required"`
	EventDate         time.Time  `json:"eventDate" validate:"required"`
	MerchantReference string     `json:"merchantReference" validate:"required"`
	OriginalReference string     `json:"originalReference"`
	Operations        []string   `json:"operations"`
	PaymentMethod     string     `json:"paymentMethod"`
	PspReference      string     `json:"pspReference" validate:"required"`
	Reason            string     `json:"reason"`
	Success           string     `json:"success" validate:"required,oneof=true false"`
}

type wireAmount struct {
	Currency string `json:"currency" validate:"required,len=3"`
	Value    int64  `json:"value"`
}

// toNotification converts a wire item into a canonical notification.
func (item notificationRequestItem) toNotification() *recon.Notification {
	return &recon.Notification{
		ID:                ulid.Make().String(),
		MerchantReference: item.MerchantReference,
		PspReference:      item.PspReference,
		OriginalReference: item.OriginalReference,
		EventCode:         item.EventCode,
		Success:           item.Success == "true",
		Value:             item.Amount.Value,
		Currency:          item.Amount.Currency,
		Operations:        item.Operations,
		AutoCapture:       isAutoCaptured(item.PaymentMethod),
		Reason:            item.Reason,
		Processed:         false,
		DispatchedAt:      item.EventDate.UTC(),
		CreatedAt:         time.Now().UTC(),
	}
}

// Payment methods the gateway settles at authorisation time. For these
// no separate capture notification follows, so the authorisation itself
// completes the payment.
var autoCapturedMethods = map[string]bool{
	"ideal":          true,
	"c_cash":         true,
	"directEbanking": true,
}

func isAutoCaptured(paymentMethod string) bool {
	if autoCapturedMethods[paymentMethod] {
		return true
	}
	return strings.HasPrefix(paymentMethod, "bankTransfer")
}

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		h.logger.Warn("rejecting malformed webhook payload", "error", err)
		api.BadRequest(w, "invalid notification payload")
		return
	}

	for _, item := range req.NotificationItems {
		if err := h.processItem(r.Context(), item.NotificationRequestItem); err != nil {
			// Not acknowledged: the gateway redelivers the batch and
			// the duplicate-delivery key absorbs what already landed.
			h.logger.Error("notification processing failed",
				"psp_reference", item.NotificationRequestItem.PspReference,
				"event_code", item.NotificationRequestItem.EventCode,
				"error", err,
			)
			api.InternalError(w, "notification processing failed")
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(accepted))
}

func (h *Handler) processItem(ctx context.Context, item notificationRequestItem) error {
	n := item.toNotification()

	if err := h.notifications.Create(ctx, h.db, n); err != nil {
		if !errors.Is(err, database.ErrAlreadyExists) {
			return err
		}

		// Redelivery of a business event we already hold. The earlier
		// copy is authoritative: if it was processed, acknowledge and
		// move on; if its first attempt never completed (we returned
		// a failure and the gateway retried), run the stored copy
		// through the processor now.
		stored, err := h.notifications.GetByDeliveryKey(ctx, h.db, n.PspReference, n.EventCode, n.Success)
		if err != nil {
			return err
		}
		if stored.Processed {
			h.logger.Info("duplicate notification absorbed",
				"psp_reference", n.PspReference,
				"event_code", n.EventCode,
			)
			return nil
		}
		h.logger.Info("retrying unprocessed notification on redelivery",
			"psp_reference", stored.PspReference,
			"event_code", stored.EventCode,
		)
		n = stored
	}

	pay, err := h.payments.GetByOrderRef(ctx, h.db, n.MerchantReference)
	if err != nil {
		if !database.IsNotFound(err) {
			return err
		}
		pay = nil
	}

	_, err = h.reconciler.Process(ctx, n, pay)
	return err
}

// handleReturn records the HPP funding source from the query parameters
// the gateway appends to the shopper's redirect back to us, and links
// it to the local payment when one exists.
func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	merchantRef := q.Get("merchantReference")
	if merchantRef == "" {
		api.BadRequest(w, "merchantReference is required")
		return
	}

	src := &recon.HppSource{
		ID:                 ulid.Make().String(),
		MerchantReference:  merchantRef,
		AuthResult:         q.Get("authResult"),
		PspReference:       q.Get("pspReference"),
		SkinCode:           q.Get("skinCode"),
		PaymentMethod:      q.Get("paymentMethod"),
		ShopperLocale:      q.Get("shopperLocale"),
		MerchantReturnData: q.Get("merchantReturnData"),
		CreatedAt:          time.Now().UTC(),
	}

	if err := h.sources.CreateSource(r.Context(), h.db, src); err != nil {
		h.logger.Error("failed to record hpp source", "merchant_reference", merchantRef, "error", err)
		api.InternalError(w, "failed to record payment source")
		return
	}

	pay, err := h.payments.GetByOrderRef(r.Context(), h.db, merchantRef)
	switch {
	case err == nil:
		if pay.SourceID == "" {
			pay.SourceID = src.ID
			if err := h.payments.Update(r.Context(), h.db, pay); err != nil {
				h.logger.Error("failed to link source to payment", "payment_id", pay.ID, "error", err)
				api.InternalError(w, "failed to link payment source")
				return
			}
		}
	case database.IsNotFound(err):
		// The return can race the payment creation flow; the source
		// stays correlated by merchant reference either way.
	default:
		h.logger.Error("failed to load payment for source", "merchant_reference", merchantRef, "error", err)
		api.InternalError(w, "failed to load payment")
		return
	}

	api.WriteData(w, http.StatusCreated, src)
}

package recon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"paygate/internal/common/database"
	"paygate/internal/payment"
)

// ActionPrefix namespaces gateway operations so callers can tell them
// apart from locally defined payment actions.
const ActionPrefix = "hpp_"

// PaymentSource is the capability surface a payment funding source
// exposes to the rest of the system.
type PaymentSource interface {
	// Actions lists the follow-up operations the gateway currently
	// allows on the source, namespaced with ActionPrefix.
	Actions(ctx context.Context) ([]string, error)

	// CanCapture reports whether a manual capture is still meaningful
	// for the payment.
	CanCapture(p *payment.Payment) bool
}

// HppSource is a hosted-payment-page funding source, recorded from the
// shopper's redirect back to us and correlated to notifications by
// merchant reference.
type HppSource struct {
	ID                 string    `json:"id"`
	MerchantReference  string    `json:"merchant_reference"`
	AuthResult         string    `json:"auth_result,omitempty"`
	PspReference       string    `json:"psp_reference,omitempty"`
	SkinCode           string    `json:"skin_code,omitempty"`
	PaymentMethod      string    `json:"payment_method,omitempty"`
	ShopperLocale      string    `json:"shopper_locale,omitempty"`
	MerchantReturnData string    `json:"merchant_return_data,omitempty"`
	CreatedAt          time.Time `json:"created_at"`

	notifications NotificationStore
	db            database.Querier
}

var _ PaymentSource = (*HppSource)(nil)

// Bind attaches the dependencies Actions needs. Stores return unbound
// sources; callers bind before use.
func (s *HppSource) Bind(notifications NotificationStore, db database.Querier) *HppSource {
	s.notifications = notifications
	s.db = db
	return s
}

// Actions derives the allowed operations from the last processed
// successful authorisation for this source's merchant reference. The
// gateway reports what it will accept on each authorisation; anything
// earlier is stale. A source with no processed authorisation yet has no
// actions, which is not an error.
func (s *HppSource) Actions(ctx context.Context) ([]string, error) {
	auth, err := s.notifications.LastProcessedAuthorisation(ctx, s.db, s.MerchantReference)
	if err != nil {
		if database.IsNotFound(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("resolve source actions: %w", err)
	}

	actions := make([]string, 0, len(auth.Operations))
	for _, op := range auth.Operations {
		actions = append(actions, ActionPrefix+strings.ToLower(op))
	}
	return actions, nil
}

// CanCapture reports whether any of the payment's amount remains
// uncaptured. Exact comparison on minor units; a single remaining cent
// still counts.
func (s *HppSource) CanCapture(p *payment.Payment) bool {
	return !p.UncapturedAmount().IsZero()
}

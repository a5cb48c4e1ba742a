package recon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/common/database"
	"paygate/internal/common/money"
	"paygate/internal/payment"
)

// fakeDB satisfies DB without a real connection. WithTx runs the
// function with a nil transaction; the fake stores ignore the Querier.
type fakeDB struct {
	txCount int
	txErr   error
	locks   int
	unlocks int
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return nil, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return nil
}

func (f *fakeDB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if f.txErr != nil {
		return f.txErr
	}
	f.txCount++
	return fn(nil)
}

func (f *fakeDB) AcquireAdvisoryLock(ctx context.Context, key int64) (func(), error) {
	f.locks++
	return func() { f.unlocks++ }, nil
}

type fakePaymentStore struct {
	pay       *payment.Payment
	updates   []payment.Status
	captures  []*payment.CaptureEvent
	refunds   []*payment.Refund
	updateErr error
}

func (f *fakePaymentStore) GetForUpdate(ctx context.Context, q database.Querier, id string) (*payment.Payment, error) {
	if f.pay == nil || f.pay.ID != id {
		return nil, fmt.Errorf("payment: %w", database.ErrNotFound)
	}
	return f.pay, nil
}

func (f *fakePaymentStore) Update(ctx context.Context, q database.Querier, p *payment.Payment) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, p.Status)
	return nil
}

func (f *fakePaymentStore) AddCaptureEvent(ctx context.Context, q database.Querier, ev *payment.CaptureEvent) error {
	f.captures = append(f.captures, ev)
	return nil
}

func (f *fakePaymentStore) CreateRefund(ctx context.Context, q database.Querier, r *payment.Refund) error {
	f.refunds = append(f.refunds, r)
	return nil
}

type fakeNotificationStore struct {
	backlog   []*Notification
	processed []string
	lastAuth  *Notification
	listErr   error
}

func (f *fakeNotificationStore) ListUnprocessed(ctx context.Context, q database.Querier, merchantRef string) ([]*Notification, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.backlog, nil
}

func (f *fakeNotificationStore) MarkProcessed(ctx context.Context, q database.Querier, id string) error {
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeNotificationStore) LastProcessedAuthorisation(ctx context.Context, q database.Querier, merchantRef string) (*Notification, error) {
	if f.lastAuth == nil {
		return nil, fmt.Errorf("authorisation notification: %w", database.ErrNotFound)
	}
	return f.lastAuth, nil
}

type fakePublisher struct {
	subjects []string
	payloads []any
}

func (f *fakePublisher) Publish(ctx context.Context, subject string, v any) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, v)
	return nil
}

type processorFixture struct {
	db            *fakeDB
	payments      *fakePaymentStore
	notifications *fakeNotificationStore
	publisher     *fakePublisher
	processor     *Processor
}

func newFixture() *processorFixture {
	f := &processorFixture{
		db:            &fakeDB{},
		payments:      &fakePaymentStore{},
		notifications: &fakeNotificationStore{},
		publisher:     &fakePublisher{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.processor = NewProcessor(f.db, f.payments, f.notifications, f.publisher, Config{RefundReasonID: "reason_gateway"}, logger)
	return f
}

func testPayment(t *testing.T, status payment.Status) *payment.Payment {
	t.Helper()
	p, err := payment.New("pay_1", "R123456789", money.New(5000, money.EUR))
	require.NoError(t, err)
	p.Status = status
	return p
}

// storedPayment creates a payment and registers it as the row the fake
// store hands back under lock.
func (f *processorFixture) storedPayment(t *testing.T, status payment.Status) *payment.Payment {
	t.Helper()
	pay := testPayment(t, status)
	f.payments.pay = pay
	return pay
}

func testNotification(eventCode string, success bool) *Notification {
	return &Notification{
		ID:                "01HV3TEST0000000000000000A",
		MerchantReference: "R123456789",
		PspReference:      "8513823667306210",
		EventCode:         eventCode,
		Success:           success,
		Value:             5000,
		Currency:          "EUR",
		DispatchedAt:      time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		CreatedAt:         time.Date(2024, 3, 10, 12, 0, 1, 0, time.UTC),
	}
}

func TestProcessFailureMarksPaymentFailed(t *testing.T) {
	f := newFixture()
	pay := f.storedPayment(t, payment.StatusPending)
	n := testNotification(EventCodeAuthorisation, false)

	got, err := f.processor.Process(context.Background(), n, pay)
	require.NoError(t, err)

	assert.Equal(t, payment.StatusFailed, pay.Status)
	assert.True(t, got.Processed)
	assert.Equal(t, []string{n.ID}, f.notifications.processed)
	assert.Equal(t, []string{SubjectPaymentFailed}, f.publisher.subjects)
}

func TestProcessFailureAfterCompletionIsAbsorbed(t *testing.T) {
	f := newFixture()
	pay := f.storedPayment(t, payment.StatusCompleted)
	n := testNotification(EventCodeCapture, false)

	got, err := f.processor.Process(context.Background(), n, pay)
	require.NoError(t, err)

	// A late failure report must not claw back a completed payment.
	assert.Equal(t, payment.StatusCompleted, pay.Status)
	assert.Empty(t, f.payments.updates)
	assert.True(t, got.Processed)
	assert.Equal(t, []string{n.ID}, f.notifications.processed)
	assert.Empty(t, f.publisher.subjects)
}

func TestProcessCaptureCompletesPayment(t *testing.T) {
	f := newFixture()
	pay := f.storedPayment(t, payment.StatusProcessing)
	n := testNotification(EventCodeCapture, true)

	_, err := f.processor.Process(context.Background(), n, pay)
	require.NoError(t, err)

	assert.Equal(t, payment.StatusCompleted, pay.Status)
	require.Len(t, f.payments.captures, 1)
	assert.True(t, f.payments.captures[0].Amount.Equal(money.New(5000, money.EUR)))
	assert.True(t, pay.CapturedAmount.Equal(money.New(5000, money.EUR)))
	assert.True(t, pay.Amount.Equal(pay.CapturedAmount))
	assert.Equal(t, []string{SubjectPaymentCompleted}, f.publisher.subjects)
}

func TestProcessPartialCaptureAlignsAmount(t *testing.T) {
	f := newFixture()
	pay := f.storedPayment(t, payment.StatusProcessing)
	n := testNotification(EventCodeCapture, true)
	n.Value = 3000

	_, err := f.processor.Process(context.Background(), n, pay)
	require.NoError(t, err)

	// The payment total follows what the gateway actually captured.
	assert.Equal(t, int64(3000), pay.Amount.AmountMinor)
	assert.Equal(t, int64(3000), pay.CapturedAmount.AmountMinor)
	assert.True(t, pay.UncapturedAmount().IsZero())
}

func TestProcessCancelOrRefundVoidsPayment(t *testing.T) {
	f := newFixture()
	pay := f.storedPayment(t, payment.StatusProcessing)
	n := testNotification(EventCodeCancelOrRefund, true)

	_, err := f.processor.Process(context.Background(), n, pay)
	require.NoError(t, err)

	assert.Equal(t, payment.StatusVoid, pay.Status)
	assert.Equal(t, []string{SubjectPaymentVoided}, f.publisher.subjects)
}

func TestProcessRefundRecordsRefund(t *testing.T) {
	f := newFixture()
	pay := f.storedPayment(t, payment.StatusProcessing)
	n := testNotification(EventCodeRefund, true)
	n.Value = 1500

	_, err := f.processor.Process(context.Background(), n, pay)
	require.NoError(t, err)

	require.Len(t, f.payments.refunds, 1)
	refund := f.payments.refunds[0]
	assert.Equal(t, pay.ID, refund.PaymentID)
	assert.True(t, refund.Amount.Equal(money.New(1500, money.EUR)))
	assert.Equal(t, n.PspReference, refund.TransactionID)
	assert.Equal(t, "reason_gateway", refund.ReasonID)

	assert.Equal(t, payment.StatusCompleted, pay.Status)
	assert.Equal(t, []string{SubjectRefundRecorded}, f.publisher.subjects)
}

func TestProcessAutoCapturedAuthorisation(t *testing.T) {
	f := newFixture()
	pay := f.storedPayment(t, payment.StatusPending)
	n := testNotification(EventCodeAuthorisation, true)
	n.AutoCapture = true

	_, err := f.processor.Process(context.Background(), n, pay)
	require.NoError(t, err)

	assert.Equal(t, payment.StatusCompleted, pay.Status)
	require.Len(t, f.payments.captures, 1)
	assert.Equal(t, []string{SubjectPaymentCompleted}, f.publisher.subjects)
}

func TestProcessManualAuthorisationAwaitsCapture(t *testing.T) {
	f := newFixture()
	pay := f.storedPayment(t, payment.StatusPending)
	n := testNotification(EventCodeAuthorisation, true)

	_, err := f.processor.Process(context.Background(), n, pay)
	require.NoError(t, err)

	assert.Equal(t, payment.StatusProcessing, pay.Status)
	assert.Empty(t, f.payments.captures)
	assert.Equal(t, []string{SubjectPaymentAuthorised}, f.publisher.subjects)
}

func TestProcessUnknownKindLeftUnprocessed(t *testing.T) {
	f := newFixture()
	pay := f.storedPayment(t, payment.StatusPending)
	n := testNotification("REPORT_AVAILABLE", true)

	got, err := f.processor.Process(context.Background(), n, pay)
	require.NoError(t, err)

	assert.False(t, got.Processed)
	assert.Empty(t, f.notifications.processed)
	assert.Equal(t, payment.StatusPending, pay.Status)
	assert.Empty(t, f.publisher.subjects)
}

func TestProcessWithoutPaymentIsAbsorbed(t *testing.T) {
	f := newFixture()
	n := testNotification(EventCodeAuthorisation, true)

	got, err := f.processor.Process(context.Background(), n, nil)
	require.NoError(t, err)

	assert.False(t, got.Processed)
	assert.Zero(t, f.db.txCount)
	assert.Equal(t, []string{SubjectNotificationUnmatched}, f.publisher.subjects)
}

func TestProcessInvalidTransitionRollsBack(t *testing.T) {
	f := newFixture()
	pay := f.storedPayment(t, payment.StatusFailed)
	n := testNotification(EventCodeCapture, true)

	_, err := f.processor.Process(context.Background(), n, pay)
	require.ErrorIs(t, err, payment.ErrInvalidTransition)

	assert.False(t, n.Processed)
	assert.Empty(t, f.notifications.processed)
	assert.Empty(t, f.publisher.subjects)
}

func TestProcessPublishesNothingWhenUpdateFails(t *testing.T) {
	f := newFixture()
	f.payments.updateErr = errors.New("connection reset")
	pay := f.storedPayment(t, payment.StatusPending)
	n := testNotification(EventCodeAuthorisation, false)

	_, err := f.processor.Process(context.Background(), n, pay)
	require.Error(t, err)
	assert.Empty(t, f.publisher.subjects)
}

func TestProcessWithoutPublisher(t *testing.T) {
	f := newFixture()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.processor = NewProcessor(f.db, f.payments, f.notifications, nil, Config{RefundReasonID: "reason_gateway"}, logger)

	pay := f.storedPayment(t, payment.StatusPending)
	n := testNotification(EventCodeAuthorisation, true)

	_, err := f.processor.Process(context.Background(), n, pay)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusProcessing, pay.Status)
}

func TestProcessAppliesToCurrentRowState(t *testing.T) {
	f := newFixture()
	canonical := f.storedPayment(t, payment.StatusProcessing)

	// Two deliveries arrive holding their own pre-transaction snapshots
	// of the same payment. The second must see the first's committed
	// transition, not its own stale copy.
	snapshotA := *canonical
	snapshotB := *canonical

	cancel := testNotification(EventCodeCancelOrRefund, true)
	cancel.ID = "n1"
	_, err := f.processor.Process(context.Background(), cancel, &snapshotA)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusVoid, canonical.Status)
	assert.Equal(t, payment.StatusVoid, snapshotA.Status)

	capture := testNotification(EventCodeCapture, true)
	capture.ID = "n2"
	_, err = f.processor.Process(context.Background(), capture, &snapshotB)
	require.ErrorIs(t, err, payment.ErrInvalidTransition)

	assert.Equal(t, []payment.Status{payment.StatusVoid}, f.payments.updates)
	assert.Equal(t, []string{"n1"}, f.notifications.processed)
	assert.Equal(t, []string{SubjectPaymentVoided}, f.publisher.subjects)
}

func TestProcessOutstandingDrainsBacklogInOrder(t *testing.T) {
	f := newFixture()
	pay := f.storedPayment(t, payment.StatusPending)

	auth := testNotification(EventCodeAuthorisation, true)
	auth.ID = "n1"
	capture := testNotification(EventCodeCapture, true)
	capture.ID = "n2"
	capture.DispatchedAt = auth.DispatchedAt.Add(time.Minute)
	f.notifications.backlog = []*Notification{auth, capture}

	processed, err := f.processor.ProcessOutstanding(context.Background(), pay)
	require.NoError(t, err)

	require.Len(t, processed, 2)
	assert.Equal(t, "n1", processed[0].ID)
	assert.Equal(t, "n2", processed[1].ID)
	assert.Equal(t, payment.StatusCompleted, pay.Status)

	// One transaction per notification, lock held for the sweep.
	assert.Equal(t, 2, f.db.txCount)
	assert.Equal(t, 1, f.db.locks)
	assert.Equal(t, 1, f.db.unlocks)
	assert.Equal(t, []string{SubjectPaymentAuthorised, SubjectPaymentCompleted}, f.publisher.subjects)
}

func TestProcessOutstandingAuthoriseCaptureRefund(t *testing.T) {
	f := newFixture()
	pay := f.storedPayment(t, payment.StatusPending)

	auth := testNotification(EventCodeAuthorisation, true)
	auth.ID = "n1"
	capture := testNotification(EventCodeCapture, true)
	capture.ID = "n2"
	capture.DispatchedAt = auth.DispatchedAt.Add(time.Minute)
	refund := testNotification(EventCodeRefund, true)
	refund.ID = "n3"
	refund.Value = 2000
	refund.DispatchedAt = auth.DispatchedAt.Add(2 * time.Minute)
	f.notifications.backlog = []*Notification{auth, capture, refund}

	processed, err := f.processor.ProcessOutstanding(context.Background(), pay)
	require.NoError(t, err)

	require.Len(t, processed, 3)
	assert.Equal(t, payment.StatusCompleted, pay.Status)
	require.Len(t, f.payments.refunds, 1)
	assert.Equal(t, int64(2000), f.payments.refunds[0].Amount.AmountMinor)
	assert.Equal(t, []string{"n1", "n2", "n3"}, f.notifications.processed)
}

func TestProcessOutstandingKeepsPartialProgress(t *testing.T) {
	f := newFixture()
	pay := f.storedPayment(t, payment.StatusPending)

	failure := testNotification(EventCodeAuthorisation, false)
	failure.ID = "n1"
	capture := testNotification(EventCodeCapture, true)
	capture.ID = "n2"
	capture.DispatchedAt = failure.DispatchedAt.Add(time.Minute)
	f.notifications.backlog = []*Notification{failure, capture}

	processed, err := f.processor.ProcessOutstanding(context.Background(), pay)
	require.ErrorIs(t, err, payment.ErrInvalidTransition)

	// The failure landed and stays; the capture that cannot apply to a
	// failed payment is left for a later sweep.
	require.Len(t, processed, 1)
	assert.Equal(t, "n1", processed[0].ID)
	assert.True(t, failure.Processed)
	assert.Equal(t, payment.StatusFailed, pay.Status)
	assert.Equal(t, []string{SubjectPaymentFailed}, f.publisher.subjects)

	assert.Equal(t, 1, f.db.unlocks)
}

func TestProcessOutstandingEmptyBacklog(t *testing.T) {
	f := newFixture()
	pay := f.storedPayment(t, payment.StatusCompleted)

	processed, err := f.processor.ProcessOutstanding(context.Background(), pay)
	require.NoError(t, err)
	assert.Empty(t, processed)
	assert.Zero(t, f.db.txCount)
	assert.Equal(t, 1, f.db.unlocks)
}

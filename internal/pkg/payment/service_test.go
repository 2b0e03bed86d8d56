package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/wisdomapp/wisdompay/app/models"
	"github.com/wisdomapp/wisdompay/internal/pkg/entitlement"
	"github.com/wisdomapp/wisdompay/internal/pkg/gateway"
)

// memRepo is an in-memory Repository with the same conditional-update
// semantics as the GORM implementation.
type memRepo struct {
	mu       sync.Mutex
	payments map[string]*models.PaymentRecord
	books    map[string]*models.BookOrder
}

func newMemRepo() *memRepo {
	return &memRepo{
		payments: map[string]*models.PaymentRecord{},
		books:    map[string]*models.BookOrder{},
	}
}

func (r *memRepo) GetPayment(_ context.Context, inv string) (*models.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.payments[inv]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *memRepo) CreatePayment(_ context.Context, rec *models.PaymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.payments[rec.OrderInvoiceNumber] = &cp
	return nil
}

func (r *memRepo) MarkPaymentCompleted(_ context.Context, inv, txnID, payload string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.payments[inv]
	if !ok || rec.Status != models.PaymentStatusPending {
		return false, nil
	}
	now := time.Now()
	rec.Status = models.PaymentStatusCompleted
	rec.GatewayTransactionID = txnID
	rec.NotificationPayload = payload
	rec.CompletedAt = &now
	return true, nil
}

func (r *memRepo) MarkPaymentTerminal(_ context.Context, inv, status, payload string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.payments[inv]
	if !ok || rec.Status != models.PaymentStatusPending {
		return false, nil
	}
	rec.Status = status
	rec.NotificationPayload = payload
	return true, nil
}

func (r *memRepo) ArchivePaymentNotification(_ context.Context, inv, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.payments[inv]; ok {
		rec.NotificationPayload = payload
	}
	return nil
}

func (r *memRepo) MarkPaymentActivated(_ context.Context, inv, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.payments[inv]
	if !ok || rec.Status != models.PaymentStatusCompleted || rec.ActivationState == models.ActivationActivated {
		return false, nil
	}
	rec.ActivationState = models.ActivationActivated
	rec.ActivationRef = ref
	rec.LastActivationError = ""
	return true, nil
}

func (r *memRepo) MarkPaymentActivationError(_ context.Context, inv, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.payments[inv]; ok && rec.ActivationState != models.ActivationActivated {
		rec.ActivationState = models.ActivationError
		rec.LastActivationError = msg
	}
	return nil
}

func (r *memRepo) ListPaymentsAwaitingActivation(_ context.Context, limit int) ([]models.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PaymentRecord
	for _, rec := range r.payments {
		if rec.Status == models.PaymentStatusCompleted && rec.ActivationState != models.ActivationActivated {
			out = append(out, *rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) GetBookOrder(_ context.Context, inv string) (*models.BookOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.books[inv]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *order
	return &cp, nil
}

func (r *memRepo) CreateBookOrder(_ context.Context, order *models.BookOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *order
	r.books[order.OrderInvoiceNumber] = &cp
	return nil
}

func (r *memRepo) MarkBookOrderCompleted(_ context.Context, inv, txnID, payload string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.books[inv]
	if !ok || order.Status != models.PaymentStatusPending {
		return false, nil
	}
	now := time.Now()
	order.Status = models.PaymentStatusCompleted
	order.GatewayTransactionID = txnID
	order.NotificationPayload = payload
	order.CompletedAt = &now
	return true, nil
}

func (r *memRepo) MarkBookOrderTerminal(_ context.Context, inv, status, payload string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.books[inv]
	if !ok || order.Status != models.PaymentStatusPending {
		return false, nil
	}
	order.Status = status
	order.NotificationPayload = payload
	return true, nil
}

func (r *memRepo) ArchiveBookOrderNotification(_ context.Context, inv, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if order, ok := r.books[inv]; ok {
		order.NotificationPayload = payload
	}
	return nil
}

func (r *memRepo) MarkBookAccessGranted(_ context.Context, inv string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.books[inv]
	if !ok || order.Status != models.PaymentStatusCompleted || order.AccessGranted {
		return false, nil
	}
	order.AccessGranted = true
	order.GrantError = ""
	return true, nil
}

func (r *memRepo) MarkBookGrantError(_ context.Context, inv, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if order, ok := r.books[inv]; ok && !order.AccessGranted {
		order.GrantError = msg
	}
	return nil
}

func (r *memRepo) ListBookOrdersAwaitingGrant(_ context.Context, limit int) ([]models.BookOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BookOrder
	for _, order := range r.books {
		if order.Status == models.PaymentStatusCompleted && !order.AccessGranted {
			out = append(out, *order)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// stubEntitlement counts downstream calls and can be forced to fail.
type stubEntitlement struct {
	mu               sync.Mutex
	err              error
	subscriptions    int
	points           int
	bookGrants       int
	lastSubscription entitlement.SubscriptionGrant
	lastPoints       entitlement.PointsCredit
}

func (s *stubEntitlement) GrantSubscription(_ context.Context, grant entitlement.SubscriptionGrant) (*entitlement.Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions++
	s.lastSubscription = grant
	if s.err != nil {
		return nil, s.err
	}
	return &entitlement.Confirmation{ConfirmationID: "sub_1"}, nil
}

func (s *stubEntitlement) CreditPoints(_ context.Context, credit entitlement.PointsCredit) (*entitlement.Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points++
	s.lastPoints = credit
	if s.err != nil {
		return nil, s.err
	}
	return &entitlement.Confirmation{ConfirmationID: "pts_1"}, nil
}

func (s *stubEntitlement) GrantBookAccess(_ context.Context, _ entitlement.BookAccessGrant) (*entitlement.Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookGrants++
	if s.err != nil {
		return nil, s.err
	}
	return &entitlement.Confirmation{ConfirmationID: "book_1"}, nil
}

func (s *stubEntitlement) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubEntitlement) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions + s.points + s.bookGrants
}

const (
	testInvoice     = "WA-1700000000-abc12345"
	testBookInvoice = "BOOK-1700000000-abc12345"
)

func pendingSubscription() *models.PaymentRecord {
	return &models.PaymentRecord{
		OrderInvoiceNumber: testInvoice,
		CallerID:           "abc12345-ffff-4e1b",
		PaymentType:        models.PaymentTypeSubscription,
		Amount:             99000,
		PlanCode:           "WA",
		DurationDays:       30,
		Status:             models.PaymentStatusPending,
		ActivationState:    models.ActivationNotAttempted,
	}
}

func pendingBookOrder() *models.BookOrder {
	return &models.BookOrder{
		OrderInvoiceNumber: testBookInvoice,
		CallerID:           "abc12345-ffff-4e1b",
		BookID:             "book-42",
		PurchaseType:       models.BookPurchaseLifetime,
		Amount:             45000,
		Status:             models.PaymentStatusPending,
	}
}

func paidNotification(invoice string) *gateway.Notification {
	return &gateway.Notification{
		Type:               gateway.TypeOrderPaid,
		RawType:            "ORDER_PAID",
		OrderInvoiceNumber: invoice,
		TransactionID:      "txn_789",
		Raw:                []byte(`{"notification_type":"ORDER_PAID"}`),
	}
}

func TestProcessNotification_FreshPaidActivatesOnce(t *testing.T) {
	repo := newMemRepo()
	ent := &stubEntitlement{}
	svc := NewService(repo, ent, nil)
	_ = repo.CreatePayment(context.Background(), pendingSubscription())

	out := svc.ProcessNotification(context.Background(), paidNotification(testInvoice))
	if out.Code != CodeProcessed {
		t.Fatalf("outcome = %q, want %q", out.Code, CodeProcessed)
	}

	rec, _ := repo.GetPayment(context.Background(), testInvoice)
	if rec.Status != models.PaymentStatusCompleted {
		t.Fatalf("status = %q, want completed", rec.Status)
	}
	if rec.ActivationState != models.ActivationActivated {
		t.Fatalf("activation state = %q, want activated", rec.ActivationState)
	}
	if rec.ActivationRef != "sub_1" {
		t.Fatalf("activation ref = %q, want sub_1", rec.ActivationRef)
	}
	if rec.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	if ent.subscriptions != 1 {
		t.Fatalf("subscription grants = %d, want 1", ent.subscriptions)
	}
	if ent.lastSubscription.PlanCode != "WA" || ent.lastSubscription.DurationDays != 30 ||
		ent.lastSubscription.OrderInvoiceNumber != testInvoice ||
		ent.lastSubscription.UserID != "abc12345-ffff-4e1b" {
		t.Fatalf("unexpected subscription grant payload: %+v", ent.lastSubscription)
	}
	if ent.lastSubscription.RequestID == "" {
		t.Fatalf("expected a per-attempt request id")
	}
}

func TestProcessNotification_DuplicateDeliveryIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	ent := &stubEntitlement{}
	svc := NewService(repo, ent, nil)
	_ = repo.CreatePayment(context.Background(), pendingSubscription())

	first := svc.ProcessNotification(context.Background(), paidNotification(testInvoice))
	if first.Code != CodeProcessed {
		t.Fatalf("first outcome = %q, want processed", first.Code)
	}
	before, _ := repo.GetPayment(context.Background(), testInvoice)

	for i := 0; i < 3; i++ {
		out := svc.ProcessNotification(context.Background(), paidNotification(testInvoice))
		if out.Code != CodeAlreadyProcessed {
			t.Fatalf("redelivery %d outcome = %q, want already_processed", i, out.Code)
		}
		if !out.OK() {
			t.Fatalf("already processed must still acknowledge success")
		}
	}

	after, _ := repo.GetPayment(context.Background(), testInvoice)
	if after.Status != before.Status || after.ActivationState != before.ActivationState || after.ActivationRef != before.ActivationRef {
		t.Fatalf("record changed on redelivery: before=%+v after=%+v", before, after)
	}
	if ent.calls() != 1 {
		t.Fatalf("downstream calls = %d, want exactly 1", ent.calls())
	}
}

func TestProcessNotification_UnknownOrder(t *testing.T) {
	repo := newMemRepo()
	ent := &stubEntitlement{}
	svc := NewService(repo, ent, nil)

	out := svc.ProcessNotification(context.Background(), paidNotification("WA-9999999999-zzz99999"))
	if out.Code != CodeUnknownOrder {
		t.Fatalf("outcome = %q, want unknown_order", out.Code)
	}
	if ent.calls() != 0 {
		t.Fatalf("downstream calls = %d, want 0", ent.calls())
	}
	if len(repo.payments) != 0 {
		t.Fatalf("no record may be created for an unknown order")
	}
}

func TestProcessNotification_PointsDispatchShape(t *testing.T) {
	repo := newMemRepo()
	ent := &stubEntitlement{}
	svc := NewService(repo, ent, nil)
	_ = repo.CreatePayment(context.Background(), &models.PaymentRecord{
		OrderInvoiceNumber: "PT-1700000000-abc12345",
		CallerID:           "abc12345",
		PaymentType:        models.PaymentTypePointsPurchase,
		Amount:             50000,
		Points:             500,
		Status:             models.PaymentStatusPending,
		ActivationState:    models.ActivationNotAttempted,
	})

	out := svc.ProcessNotification(context.Background(), paidNotification("PT-1700000000-abc12345"))
	if out.Code != CodeProcessed {
		t.Fatalf("outcome = %q, want processed", out.Code)
	}
	if ent.points != 1 {
		t.Fatalf("points credits = %d, want 1", ent.points)
	}
	if ent.lastPoints.Points != 500 || ent.lastPoints.UserID != "abc12345" {
		t.Fatalf("unexpected points credit payload: %+v", ent.lastPoints)
	}
	if ent.lastPoints.Reason == "" {
		t.Fatalf("points credit must carry a human-readable reason")
	}
}

func TestProcessNotification_BookGrantFailureIsDeferredButAcked(t *testing.T) {
	repo := newMemRepo()
	ent := &stubEntitlement{}
	ent.setErr(errors.New("timeout"))
	svc := NewService(repo, ent, nil)
	_ = repo.CreateBookOrder(context.Background(), pendingBookOrder())

	out := svc.ProcessNotification(context.Background(), paidNotification(testBookInvoice))
	if out.Code != CodeActivationDeferred {
		t.Fatalf("outcome = %q, want activation_deferred", out.Code)
	}
	if !out.OK() {
		t.Fatalf("downstream failure must still acknowledge success to the gateway")
	}

	order, _ := repo.GetBookOrder(context.Background(), testBookInvoice)
	if order.Status != models.PaymentStatusCompleted {
		t.Fatalf("status = %q, want completed", order.Status)
	}
	if order.AccessGranted {
		t.Fatalf("access must not be granted after a failed downstream call")
	}
	if order.GrantError != "timeout" {
		t.Fatalf("grant error = %q, want timeout", order.GrantError)
	}
}

func TestProcessNotification_CancelledOrderIsNotResurrected(t *testing.T) {
	repo := newMemRepo()
	ent := &stubEntitlement{}
	svc := NewService(repo, ent, nil)

	rec := pendingSubscription()
	rec.Status = models.PaymentStatusCancelled
	_ = repo.CreatePayment(context.Background(), rec)

	out := svc.ProcessNotification(context.Background(), paidNotification(testInvoice))
	if out.Code != CodeAnomalousState {
		t.Fatalf("outcome = %q, want anomalous_state", out.Code)
	}
	if out.OK() {
		t.Fatalf("anomalous state must be flagged in the ack body")
	}

	after, _ := repo.GetPayment(context.Background(), testInvoice)
	if after.Status != models.PaymentStatusCancelled {
		t.Fatalf("status = %q; cancelled orders must stay cancelled", after.Status)
	}
	if ent.calls() != 0 {
		t.Fatalf("downstream calls = %d, want 0", ent.calls())
	}
}

func TestProcessNotification_CancelledNotificationTerminalTransition(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &stubEntitlement{}, nil)
	_ = repo.CreatePayment(context.Background(), pendingSubscription())

	n := paidNotification(testInvoice)
	n.Type = gateway.TypeOrderCancelled
	n.RawType = "ORDER_CANCELLED"

	out := svc.ProcessNotification(context.Background(), n)
	if out.Code != CodeArchived {
		t.Fatalf("outcome = %q, want archived", out.Code)
	}

	rec, _ := repo.GetPayment(context.Background(), testInvoice)
	if rec.Status != models.PaymentStatusCancelled {
		t.Fatalf("status = %q, want cancelled", rec.Status)
	}

	// A cancellation for an already-completed order only archives the payload.
	repo2 := newMemRepo()
	svc2 := NewService(repo2, &stubEntitlement{}, nil)
	completed := pendingSubscription()
	completed.Status = models.PaymentStatusCompleted
	completed.ActivationState = models.ActivationActivated
	_ = repo2.CreatePayment(context.Background(), completed)

	out = svc2.ProcessNotification(context.Background(), n)
	if out.Code != CodeArchived {
		t.Fatalf("outcome = %q, want archived", out.Code)
	}
	rec2, _ := repo2.GetPayment(context.Background(), testInvoice)
	if rec2.Status != models.PaymentStatusCompleted {
		t.Fatalf("completed order must not move to cancelled, got %q", rec2.Status)
	}
}

func TestProcessNotification_UnknownTypeArchived(t *testing.T) {
	repo := newMemRepo()
	ent := &stubEntitlement{}
	svc := NewService(repo, ent, nil)
	_ = repo.CreatePayment(context.Background(), pendingSubscription())

	n := paidNotification(testInvoice)
	n.Type = gateway.TypeUnknown
	n.RawType = "ORDER_REFUND_REQUESTED"

	out := svc.ProcessNotification(context.Background(), n)
	if out.Code != CodeArchived {
		t.Fatalf("outcome = %q, want archived", out.Code)
	}
	rec, _ := repo.GetPayment(context.Background(), testInvoice)
	if rec.Status != models.PaymentStatusPending {
		t.Fatalf("status = %q; unknown types must not transition state", rec.Status)
	}
	if ent.calls() != 0 {
		t.Fatalf("downstream calls = %d, want 0", ent.calls())
	}
}

func TestRetryActivation_Converges(t *testing.T) {
	repo := newMemRepo()
	ent := &stubEntitlement{}
	ent.setErr(errors.New("downstream unavailable"))
	svc := NewService(repo, ent, nil)
	_ = repo.CreatePayment(context.Background(), pendingSubscription())

	out := svc.ProcessNotification(context.Background(), paidNotification(testInvoice))
	if out.Code != CodeActivationDeferred {
		t.Fatalf("outcome = %q, want activation_deferred", out.Code)
	}
	rec, _ := repo.GetPayment(context.Background(), testInvoice)
	if rec.ActivationState != models.ActivationError {
		t.Fatalf("activation state = %q, want activation_error", rec.ActivationState)
	}

	// Downstream recovers; retry converges.
	ent.setErr(nil)
	ref, err := svc.RetryActivation(context.Background(), testInvoice)
	if err != nil {
		t.Fatalf("unexpected retry error: %v", err)
	}
	if ref != "sub_1" {
		t.Fatalf("confirmation ref = %q, want sub_1", ref)
	}
	rec, _ = repo.GetPayment(context.Background(), testInvoice)
	if rec.ActivationState != models.ActivationActivated {
		t.Fatalf("activation state = %q, want activated", rec.ActivationState)
	}
	if rec.LastActivationError != "" {
		t.Fatalf("activation error must be cleared, got %q", rec.LastActivationError)
	}

	// A second retry after success is rejected, not re-applied.
	if _, err := svc.RetryActivation(context.Background(), testInvoice); !errors.Is(err, ErrAlreadyActivated) {
		t.Fatalf("expected ErrAlreadyActivated, got %v", err)
	}
	if ent.subscriptions != 2 {
		t.Fatalf("subscription attempts = %d, want 2 (failed + retried)", ent.subscriptions)
	}
}

func TestRetryActivation_Rejections(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &stubEntitlement{}, nil)

	if _, err := svc.RetryActivation(context.Background(), testInvoice); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	_ = repo.CreatePayment(context.Background(), pendingSubscription())
	if _, err := svc.RetryActivation(context.Background(), testInvoice); !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("expected ErrNotCompleted for a pending order, got %v", err)
	}

	_ = repo.CreateBookOrder(context.Background(), pendingBookOrder())
	if _, err := svc.RetryActivation(context.Background(), testBookInvoice); !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("expected ErrNotCompleted for a pending book order, got %v", err)
	}
}

func TestRetryActivation_BookGrant(t *testing.T) {
	repo := newMemRepo()
	ent := &stubEntitlement{}
	svc := NewService(repo, ent, nil)

	order := pendingBookOrder()
	order.Status = models.PaymentStatusCompleted
	order.GrantError = "timeout"
	_ = repo.CreateBookOrder(context.Background(), order)

	ref, err := svc.RetryActivation(context.Background(), testBookInvoice)
	if err != nil {
		t.Fatalf("unexpected retry error: %v", err)
	}
	if ref != "book_1" {
		t.Fatalf("confirmation ref = %q, want book_1", ref)
	}

	stored, _ := repo.GetBookOrder(context.Background(), testBookInvoice)
	if !stored.AccessGranted {
		t.Fatalf("access must be granted after retry")
	}
	if stored.GrantError != "" {
		t.Fatalf("grant error must be cleared, got %q", stored.GrantError)
	}

	if _, err := svc.RetryActivation(context.Background(), testBookInvoice); !errors.Is(err, ErrAlreadyActivated) {
		t.Fatalf("expected ErrAlreadyActivated, got %v", err)
	}
	if ent.bookGrants != 1 {
		t.Fatalf("book grants = %d, want 1", ent.bookGrants)
	}
}

func TestProcessNotification_ConcurrentDuplicates(t *testing.T) {
	repo := newMemRepo()
	ent := &stubEntitlement{}
	svc := NewService(repo, ent, nil)
	_ = repo.CreatePayment(context.Background(), pendingSubscription())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.ProcessNotification(context.Background(), paidNotification(testInvoice))
		}()
	}
	wg.Wait()

	rec, _ := repo.GetPayment(context.Background(), testInvoice)
	if rec.Status != models.PaymentStatusCompleted || rec.ActivationState != models.ActivationActivated {
		t.Fatalf("final state = %s/%s, want completed/activated", rec.Status, rec.ActivationState)
	}
	if ent.subscriptions == 0 {
		t.Fatalf("expected at least one activation attempt")
	}
}

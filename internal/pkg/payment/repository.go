package payment

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/wisdomapp/wisdompay/app/models"
)

// Repository provides the record-store operations used by the pipeline.
// All state transitions are conditional updates keyed on the current status
// (and activation state), so concurrent duplicate deliveries of the same
// notification serialize on the database: at most one of them observes
// pending and wins the completion transition.
type Repository interface {
	GetPayment(ctx context.Context, invoiceNumber string) (*models.PaymentRecord, error)
	CreatePayment(ctx context.Context, rec *models.PaymentRecord) error
	// MarkPaymentCompleted moves pending -> completed. Returns false when the
	// record was no longer pending (a concurrent delivery won the race).
	MarkPaymentCompleted(ctx context.Context, invoiceNumber, transactionID, payload string) (bool, error)
	// MarkPaymentTerminal moves pending -> failed/cancelled. Returns false
	// when the record was no longer pending.
	MarkPaymentTerminal(ctx context.Context, invoiceNumber, status, payload string) (bool, error)
	// ArchivePaymentNotification overwrites the last-seen raw payload only.
	ArchivePaymentNotification(ctx context.Context, invoiceNumber, payload string) error
	// MarkPaymentActivated records a successful entitlement grant. Returns
	// false when the record was already activated.
	MarkPaymentActivated(ctx context.Context, invoiceNumber, activationRef string) (bool, error)
	MarkPaymentActivationError(ctx context.Context, invoiceNumber, errMsg string) error
	// ListPaymentsAwaitingActivation returns completed records whose grant is
	// still outstanding, oldest first.
	ListPaymentsAwaitingActivation(ctx context.Context, limit int) ([]models.PaymentRecord, error)

	GetBookOrder(ctx context.Context, invoiceNumber string) (*models.BookOrder, error)
	CreateBookOrder(ctx context.Context, order *models.BookOrder) error
	MarkBookOrderCompleted(ctx context.Context, invoiceNumber, transactionID, payload string) (bool, error)
	MarkBookOrderTerminal(ctx context.Context, invoiceNumber, status, payload string) (bool, error)
	ArchiveBookOrderNotification(ctx context.Context, invoiceNumber, payload string) error
	MarkBookAccessGranted(ctx context.Context, invoiceNumber string) (bool, error)
	MarkBookGrantError(ctx context.Context, invoiceNumber, errMsg string) error
	ListBookOrdersAwaitingGrant(ctx context.Context, limit int) ([]models.BookOrder, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a payment repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetPayment(ctx context.Context, invoiceNumber string) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("order_invoice_number = ?", invoiceNumber).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) CreatePayment(ctx context.Context, rec *models.PaymentRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *gormRepository) MarkPaymentCompleted(ctx context.Context, invoiceNumber, transactionID, payload string) (bool, error) {
	now := time.Now()
	tx := r.db.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("order_invoice_number = ? AND status = ?", invoiceNumber, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":                 models.PaymentStatusCompleted,
			"gateway_transaction_id": transactionID,
			"notification_payload":   payload,
			"completed_at":           &now,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) MarkPaymentTerminal(ctx context.Context, invoiceNumber, status, payload string) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("order_invoice_number = ? AND status = ?", invoiceNumber, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":               status,
			"notification_payload": payload,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) ArchivePaymentNotification(ctx context.Context, invoiceNumber, payload string) error {
	return r.db.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("order_invoice_number = ?", invoiceNumber).
		Update("notification_payload", payload).Error
}

func (r *gormRepository) MarkPaymentActivated(ctx context.Context, invoiceNumber, activationRef string) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("order_invoice_number = ? AND status = ? AND activation_state <> ?",
			invoiceNumber, models.PaymentStatusCompleted, models.ActivationActivated).
		Updates(map[string]interface{}{
			"activation_state":      models.ActivationActivated,
			"activation_ref":        activationRef,
			"last_activation_error": "",
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) MarkPaymentActivationError(ctx context.Context, invoiceNumber, errMsg string) error {
	return r.db.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("order_invoice_number = ? AND activation_state <> ?", invoiceNumber, models.ActivationActivated).
		Updates(map[string]interface{}{
			"activation_state":      models.ActivationError,
			"last_activation_error": errMsg,
		}).Error
}

func (r *gormRepository) ListPaymentsAwaitingActivation(ctx context.Context, limit int) ([]models.PaymentRecord, error) {
	var recs []models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND activation_state <> ?", models.PaymentStatusCompleted, models.ActivationActivated).
		Order("updated_at ASC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

func (r *gormRepository) GetBookOrder(ctx context.Context, invoiceNumber string) (*models.BookOrder, error) {
	var order models.BookOrder
	err := r.db.WithContext(ctx).
		Where("order_invoice_number = ?", invoiceNumber).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *gormRepository) CreateBookOrder(ctx context.Context, order *models.BookOrder) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *gormRepository) MarkBookOrderCompleted(ctx context.Context, invoiceNumber, transactionID, payload string) (bool, error) {
	now := time.Now()
	tx := r.db.WithContext(ctx).Model(&models.BookOrder{}).
		Where("order_invoice_number = ? AND status = ?", invoiceNumber, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":                 models.PaymentStatusCompleted,
			"gateway_transaction_id": transactionID,
			"notification_payload":   payload,
			"completed_at":           &now,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) MarkBookOrderTerminal(ctx context.Context, invoiceNumber, status, payload string) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.BookOrder{}).
		Where("order_invoice_number = ? AND status = ?", invoiceNumber, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":               status,
			"notification_payload": payload,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) ArchiveBookOrderNotification(ctx context.Context, invoiceNumber, payload string) error {
	return r.db.WithContext(ctx).Model(&models.BookOrder{}).
		Where("order_invoice_number = ?", invoiceNumber).
		Update("notification_payload", payload).Error
}

func (r *gormRepository) MarkBookAccessGranted(ctx context.Context, invoiceNumber string) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.BookOrder{}).
		Where("order_invoice_number = ? AND status = ? AND access_granted = ?",
			invoiceNumber, models.PaymentStatusCompleted, false).
		Updates(map[string]interface{}{
			"access_granted": true,
			"grant_error":    "",
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) MarkBookGrantError(ctx context.Context, invoiceNumber, errMsg string) error {
	return r.db.WithContext(ctx).Model(&models.BookOrder{}).
		Where("order_invoice_number = ? AND access_granted = ?", invoiceNumber, false).
		Update("grant_error", errMsg).Error
}

func (r *gormRepository) ListBookOrdersAwaitingGrant(ctx context.Context, limit int) ([]models.BookOrder, error) {
	var orders []models.BookOrder
	err := r.db.WithContext(ctx).
		Where("status = ? AND access_granted = ?", models.PaymentStatusCompleted, false).
		Order("updated_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

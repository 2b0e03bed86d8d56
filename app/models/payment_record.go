package models

import "time"

// Payment type discriminators stored on generic payment records.
const (
	PaymentTypeSubscription   = "subscription"
	PaymentTypePointsPurchase = "points_purchase"
	PaymentTypeBookPurchase   = "book_purchase"
)

// Payment lifecycle statuses. Transitions are monotonic: pending may move to
// completed, failed or cancelled; a terminal status never changes again.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusCancelled = "cancelled"
)

// Activation lifecycle, tracked independently from payment status. A payment
// can be completed while the entitlement grant is still outstanding or failed.
const (
	ActivationNotAttempted = "not_attempted"
	ActivationActivated    = "activated"
	ActivationError        = "activation_error"
)

// PaymentRecord is the durable state of one checkout attempt, keyed by the
// globally unique order invoice number. Records are never deleted; they are
// the permanent audit trail for every gateway notification received.
type PaymentRecord struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	OrderInvoiceNumber   string     `gorm:"type:varchar(64);not null;uniqueIndex:ux_payment_records_invoice" json:"order_invoice_number"`
	CallerID             string     `gorm:"type:varchar(64);not null;index" json:"caller_id"`
	PaymentType          string     `gorm:"type:varchar(32);not null;index" json:"payment_type"`
	Amount               int64      `gorm:"not null" json:"amount"`
	PlanCode             string     `gorm:"type:varchar(32);default:''" json:"plan_code"`
	DurationDays         int        `gorm:"default:0" json:"duration_days"`
	Points               int64      `gorm:"default:0" json:"points"`
	Status               string     `gorm:"type:varchar(16);not null;default:'pending';index:idx_payment_records_status_activation,priority:1" json:"status"`
	ActivationState      string     `gorm:"type:varchar(24);not null;default:'not_attempted';index:idx_payment_records_status_activation,priority:2" json:"activation_state"`
	ActivationRef        string     `gorm:"type:varchar(191);default:''" json:"activation_ref"`
	LastActivationError  string     `gorm:"type:text" json:"last_activation_error,omitempty"`
	GatewayTransactionID string     `gorm:"type:varchar(191);default:''" json:"gateway_transaction_id"`
	NotificationPayload  string     `gorm:"type:longtext" json:"notification_payload,omitempty"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	CompletedAt          *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

package models

import "time"

// Purchase types for one-time book orders.
const (
	BookPurchaseLifetime = "lifetime"
	BookPurchaseRental   = "rental"
)

// BookOrder is a one-time book purchase. Book orders live in their own
// collection because their lifecycle differs from subscription/points orders:
// a single access grant, no recurring entitlement, optional expiry. They are
// identified by the reserved BOOK- invoice number prefix.
type BookOrder struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	OrderInvoiceNumber   string     `gorm:"type:varchar(64);not null;uniqueIndex:ux_book_orders_invoice" json:"order_invoice_number"`
	CallerID             string     `gorm:"type:varchar(64);not null;index" json:"caller_id"`
	BookID               string     `gorm:"type:varchar(64);not null;index" json:"book_id"`
	PurchaseType         string     `gorm:"type:varchar(16);not null;default:'lifetime'" json:"purchase_type"`
	ExpiresAt            *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	Amount               int64      `gorm:"not null" json:"amount"`
	Status               string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	AccessGranted        bool       `gorm:"default:false;index" json:"access_granted"`
	GrantError           string     `gorm:"type:text" json:"grant_error,omitempty"`
	GatewayTransactionID string     `gorm:"type:varchar(191);default:''" json:"gateway_transaction_id"`
	NotificationPayload  string     `gorm:"type:longtext" json:"notification_payload,omitempty"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	CompletedAt          *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

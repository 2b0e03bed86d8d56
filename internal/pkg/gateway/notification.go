package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// NotificationType tags the commercial meaning of an inbound IPN. Types the
// pipeline does not handle map to TypeUnknown and are archived, never dropped
// into an implicit else-branch.
type NotificationType string

const (
	TypeOrderPaid      NotificationType = "ORDER_PAID"
	TypeOrderCancelled NotificationType = "ORDER_CANCELLED"
	TypeOrderExpired   NotificationType = "ORDER_EXPIRED"
	TypeUnknown        NotificationType = "UNKNOWN"
)

// ErrMalformedPayload marks payload-shape failures. These are acknowledged
// and never retried; a broken payload stays broken on redelivery.
var ErrMalformedPayload = errors.New("notification payload is malformed")

var validate = validator.New()

type notificationEnvelope struct {
	NotificationType string `json:"notification_type" validate:"required"`
	Order            *struct {
		OrderInvoiceNumber string `json:"order_invoice_number" validate:"required"`
	} `json:"order" validate:"required"`
	Transaction *struct {
		TransactionID string `json:"transaction_id"`
	} `json:"transaction"`
	Customer  map[string]interface{} `json:"customer"`
	Timestamp string                 `json:"timestamp"`
}

// Notification is the validated, normalized form of one gateway IPN.
type Notification struct {
	Type               NotificationType
	RawType            string
	OrderInvoiceNumber string
	TransactionID      string
	Timestamp          string
	Raw                []byte
}

// Known reports whether the pipeline has an explicit branch for this type.
func (t NotificationType) Known() bool {
	switch t {
	case TypeOrderPaid, TypeOrderCancelled, TypeOrderExpired:
		return true
	default:
		return false
	}
}

// ParseNotification validates the raw IPN body at the boundary, before any
// branch logic runs. A missing or empty order reference is ErrMalformedPayload.
func ParseNotification(raw []byte) (*Notification, error) {
	var env notificationEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	n := &Notification{
		RawType:            strings.TrimSpace(env.NotificationType),
		OrderInvoiceNumber: strings.TrimSpace(env.Order.OrderInvoiceNumber),
		Timestamp:          env.Timestamp,
		Raw:                raw,
	}
	if n.OrderInvoiceNumber == "" {
		return nil, fmt.Errorf("%w: empty order invoice number", ErrMalformedPayload)
	}
	if env.Transaction != nil {
		n.TransactionID = strings.TrimSpace(env.Transaction.TransactionID)
	}

	switch NotificationType(strings.ToUpper(n.RawType)) {
	case TypeOrderPaid:
		n.Type = TypeOrderPaid
	case TypeOrderCancelled:
		n.Type = TypeOrderCancelled
	case TypeOrderExpired:
		n.Type = TypeOrderExpired
	default:
		n.Type = TypeUnknown
	}
	return n, nil
}

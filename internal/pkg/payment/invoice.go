package payment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BookInvoicePrefix is the reserved prefix marking one-time book purchase
// orders. Everything else resolves through the payment_type field on the
// generic payment record.
const BookInvoicePrefix = "BOOK"

// invoiceCallerLen is how many leading characters of the caller id are
// embedded in the invoice number.
const invoiceCallerLen = 8

// ErrInvalidInvoiceNumber marks invoice numbers that do not follow the
// {PREFIX}-{unix_ts}-{caller} contract.
var ErrInvalidInvoiceNumber = errors.New("invalid order invoice number")

// InvoiceParts is the decoded form of an order invoice number.
type InvoiceParts struct {
	Prefix      string
	IssuedAt    time.Time
	CallerShort string
}

// BuildInvoiceNumber renders the {PREFIX}-{unix_ts}-{caller_id_short} format.
// This format is the sole de-duplication key across the gateway, the record
// store and the entitlement service and must stay byte-for-byte stable.
func BuildInvoiceNumber(prefix, callerID string, at time.Time) string {
	short := callerID
	if len(short) > invoiceCallerLen {
		short = short[:invoiceCallerLen]
	}
	return fmt.Sprintf("%s-%d-%s", prefix, at.Unix(), short)
}

// IsBookOrderInvoice reports whether the invoice number routes to the
// book-order collection.
func IsBookOrderInvoice(invoiceNumber string) bool {
	return strings.HasPrefix(invoiceNumber, BookInvoicePrefix+"-")
}

// ParseInvoiceNumber decodes an invoice number into its parts.
func ParseInvoiceNumber(invoiceNumber string) (*InvoiceParts, error) {
	parts := strings.Split(invoiceNumber, "-")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInvoiceNumber, invoiceNumber)
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || ts <= 0 {
		return nil, fmt.Errorf("%w: bad timestamp in %q", ErrInvalidInvoiceNumber, invoiceNumber)
	}
	return &InvoiceParts{
		Prefix:      parts[0],
		IssuedAt:    time.Unix(ts, 0),
		CallerShort: parts[2],
	}, nil
}

package payment

// Code classifies the pipeline's result for one notification.
type Code string

const (
	// CodeProcessed: payment completed and entitlement activated.
	CodeProcessed Code = "processed"
	// CodeAlreadyProcessed: idempotency short-circuit, nothing re-applied.
	CodeAlreadyProcessed Code = "already_processed"
	// CodeActivationDeferred: payment recorded, entitlement grant failed
	// downstream and awaits retry. Still an acknowledgeable success.
	CodeActivationDeferred Code = "activation_deferred"
	// CodeArchived: non-paid or unhandled notification recorded for audit.
	CodeArchived Code = "archived"
	// CodeDeferred: transient internal failure; event acknowledged, state
	// untouched, redelivery will try again.
	CodeDeferred Code = "deferred"
	// CodeUnknownOrder: no record exists for the invoice number.
	CodeUnknownOrder Code = "unknown_order"
	// CodeAnomalousState: paid notification for a terminal order.
	CodeAnomalousState Code = "anomalous_state"
)

// Outcome is the result threaded through every pipeline stage. Only the HTTP
// layer turns an Outcome into a transport response, so the acknowledgement
// decision lives in exactly one place.
type Outcome struct {
	Code    Code
	Message string
}

// OK reports whether the ack body should carry success=true. Every outcome is
// still acknowledged with HTTP 200; the diagnostics codes below flag the
// event for monitoring without inviting gateway retries.
func (o Outcome) OK() bool {
	switch o.Code {
	case CodeUnknownOrder, CodeAnomalousState:
		return false
	default:
		return true
	}
}

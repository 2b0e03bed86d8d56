package payment

import "github.com/wisdomapp/wisdompay/app/models"

// Decision is the idempotency guard's verdict for a paid notification.
type Decision int

const (
	// DecisionProcess: record is pending; apply the completion transition
	// and dispatch activation.
	DecisionProcess Decision = iota
	// DecisionActivateOnly: payment already completed but the entitlement
	// grant is still outstanding; re-attempt activation only. The completed
	// transition and audit writes are not re-applied beyond overwriting the
	// last-seen payload.
	DecisionActivateOnly
	// DecisionAlreadyProcessed: completed and activated; acknowledge with no
	// further action. This is the exactly-once guarantee.
	DecisionAlreadyProcessed
	// DecisionAnomalous: record is failed/cancelled. A terminal order cannot
	// be resurrected by a later paid notification; flag, do not apply.
	DecisionAnomalous
)

// GuardGeneric decides how to treat a paid notification for a generic
// subscription/points record given its persisted state.
func GuardGeneric(status, activationState string) Decision {
	switch status {
	case models.PaymentStatusPending:
		return DecisionProcess
	case models.PaymentStatusCompleted:
		if activationState == models.ActivationActivated {
			return DecisionAlreadyProcessed
		}
		return DecisionActivateOnly
	default:
		return DecisionAnomalous
	}
}

// GuardBookOrder is the book-order variant; access_granted plays the role of
// the activation state.
func GuardBookOrder(status string, accessGranted bool) Decision {
	switch status {
	case models.PaymentStatusPending:
		return DecisionProcess
	case models.PaymentStatusCompleted:
		if accessGranted {
			return DecisionAlreadyProcessed
		}
		return DecisionActivateOnly
	default:
		return DecisionAnomalous
	}
}

package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wisdomapp/wisdompay/app/models"
	"github.com/wisdomapp/wisdompay/internal/pkg/cache"
	"github.com/wisdomapp/wisdompay/internal/pkg/entitlement"
	"github.com/wisdomapp/wisdompay/internal/pkg/gateway"
)

// dispatchTimeout bounds one downstream activation call. On timeout the
// outcome is identical to any other downstream failure: the payment stays
// completed, activation is deferred, the gateway still gets its ack.
const dispatchTimeout = 10 * time.Second

// Typed rejections for the manual retry path. These are caller errors, not
// transient conditions.
var (
	ErrOrderNotFound    = errors.New("no order exists for this invoice number")
	ErrNotCompleted     = errors.New("payment is not completed; nothing to activate")
	ErrAlreadyActivated = errors.New("entitlement is already activated")
)

// Service orchestrates the ingestion pipeline: guard, completion transition,
// activation dispatch and outcome persistence. It never panics an error back
// to the receiver; every path reports through an Outcome.
type Service struct {
	repo  Repository
	ent   entitlement.Client
	dedup *cache.Cache
}

// NewService wires the pipeline from injected collaborators. dedup may be
// nil; the duplicate fast path is then disabled.
func NewService(repo Repository, ent entitlement.Client, dedup *cache.Cache) *Service {
	return &Service{repo: repo, ent: ent, dedup: dedup}
}

// ProcessNotification runs one validated gateway notification through the
// pipeline and returns the Outcome the receiver should acknowledge with.
func (s *Service) ProcessNotification(ctx context.Context, n *gateway.Notification) Outcome {
	if s.dedup.AlreadyProcessed(ctx, n.OrderInvoiceNumber) {
		return Outcome{Code: CodeAlreadyProcessed, Message: "order already processed"}
	}

	if IsBookOrderInvoice(n.OrderInvoiceNumber) {
		return s.processBookOrder(ctx, n)
	}
	return s.processGenericOrder(ctx, n)
}

func (s *Service) processGenericOrder(ctx context.Context, n *gateway.Notification) Outcome {
	rec, err := s.repo.GetPayment(ctx, n.OrderInvoiceNumber)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("ipn: no payment record for invoice %s; acknowledging without side effects", n.OrderInvoiceNumber)
			return Outcome{Code: CodeUnknownOrder, Message: "unknown order invoice number"}
		}
		log.Printf("ipn: payment lookup for %s failed: %v", n.OrderInvoiceNumber, err)
		return Outcome{Code: CodeDeferred, Message: "received, processing deferred"}
	}

	switch n.Type {
	case gateway.TypeOrderPaid:
		return s.processGenericPaid(ctx, n, rec)
	case gateway.TypeOrderCancelled:
		return s.applyGenericTerminal(ctx, n, models.PaymentStatusCancelled)
	case gateway.TypeOrderExpired:
		return s.applyGenericTerminal(ctx, n, models.PaymentStatusFailed)
	default:
		if err := s.repo.ArchivePaymentNotification(ctx, n.OrderInvoiceNumber, string(n.Raw)); err != nil {
			log.Printf("ipn: failed to archive %s notification for %s: %v", n.RawType, n.OrderInvoiceNumber, err)
			return Outcome{Code: CodeDeferred, Message: "received, processing deferred"}
		}
		return Outcome{Code: CodeArchived, Message: fmt.Sprintf("unhandled notification type %s archived", n.RawType)}
	}
}

func (s *Service) processGenericPaid(ctx context.Context, n *gateway.Notification, rec *models.PaymentRecord) Outcome {
	switch GuardGeneric(rec.Status, rec.ActivationState) {
	case DecisionAlreadyProcessed:
		s.dedup.MarkProcessed(ctx, rec.OrderInvoiceNumber)
		return Outcome{Code: CodeAlreadyProcessed, Message: "order already processed"}

	case DecisionAnomalous:
		log.Printf("ipn: ANOMALY: paid notification for terminal order %s (status=%s); record left untouched",
			rec.OrderInvoiceNumber, rec.Status)
		return Outcome{Code: CodeAnomalousState, Message: "order is in a terminal state; notification not applied"}

	case DecisionProcess:
		completed, err := s.repo.MarkPaymentCompleted(ctx, rec.OrderInvoiceNumber, n.TransactionID, string(n.Raw))
		if err != nil {
			log.Printf("ipn: completion transition for %s failed: %v", rec.OrderInvoiceNumber, err)
			return Outcome{Code: CodeDeferred, Message: "received, processing deferred"}
		}
		if !completed {
			// A concurrent delivery won the completion race; re-read and
			// re-evaluate against the fresh state.
			fresh, err := s.repo.GetPayment(ctx, rec.OrderInvoiceNumber)
			if err != nil {
				log.Printf("ipn: reload after lost completion race for %s failed: %v", rec.OrderInvoiceNumber, err)
				return Outcome{Code: CodeDeferred, Message: "received, processing deferred"}
			}
			return s.processGenericPaid(ctx, n, fresh)
		}

	case DecisionActivateOnly:
		// Re-delivery for a completed-but-unactivated payment: only the
		// last-seen payload is overwritten before re-attempting the grant.
		if err := s.repo.ArchivePaymentNotification(ctx, rec.OrderInvoiceNumber, string(n.Raw)); err != nil {
			log.Printf("ipn: failed to archive redelivered payload for %s: %v", rec.OrderInvoiceNumber, err)
		}
	}

	return s.activateGeneric(ctx, rec)
}

func (s *Service) applyGenericTerminal(ctx context.Context, n *gateway.Notification, status string) Outcome {
	moved, err := s.repo.MarkPaymentTerminal(ctx, n.OrderInvoiceNumber, status, string(n.Raw))
	if err != nil {
		log.Printf("ipn: terminal transition for %s failed: %v", n.OrderInvoiceNumber, err)
		return Outcome{Code: CodeDeferred, Message: "received, processing deferred"}
	}
	if !moved {
		// Already out of pending; keep the payload for audit only.
		if err := s.repo.ArchivePaymentNotification(ctx, n.OrderInvoiceNumber, string(n.Raw)); err != nil {
			log.Printf("ipn: failed to archive %s payload for %s: %v", n.RawType, n.OrderInvoiceNumber, err)
		}
	}
	return Outcome{Code: CodeArchived, Message: fmt.Sprintf("%s notification recorded", n.RawType)}
}

// activateGeneric dispatches exactly one downstream action for the record's
// payment type and persists the result. Downstream failures never escape to
// the acknowledgement path.
func (s *Service) activateGeneric(ctx context.Context, rec *models.PaymentRecord) Outcome {
	conf, err := s.dispatchGeneric(ctx, rec)
	if err != nil {
		log.Printf("activation: %s dispatch for %s failed: %v", rec.PaymentType, rec.OrderInvoiceNumber, err)
		if mErr := s.repo.MarkPaymentActivationError(ctx, rec.OrderInvoiceNumber, err.Error()); mErr != nil {
			log.Printf("activation: failed to persist activation error for %s: %v", rec.OrderInvoiceNumber, mErr)
		}
		return Outcome{Code: CodeActivationDeferred, Message: "payment recorded; activation pending retry"}
	}

	activated, err := s.repo.MarkPaymentActivated(ctx, rec.OrderInvoiceNumber, conf.ConfirmationID)
	if err != nil {
		log.Printf("activation: failed to persist activation for %s: %v", rec.OrderInvoiceNumber, err)
		return Outcome{Code: CodeDeferred, Message: "received, processing deferred"}
	}
	if !activated {
		// A concurrent attempt activated first; the downstream service
		// de-duplicates on the invoice reference, so nothing was doubled.
		s.dedup.MarkProcessed(ctx, rec.OrderInvoiceNumber)
		return Outcome{Code: CodeAlreadyProcessed, Message: "order already processed"}
	}

	s.dedup.MarkProcessed(ctx, rec.OrderInvoiceNumber)
	return Outcome{Code: CodeProcessed, Message: "payment completed and entitlement activated"}
}

func (s *Service) dispatchGeneric(ctx context.Context, rec *models.PaymentRecord) (*entitlement.Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	requestID := uuid.NewString()
	switch rec.PaymentType {
	case models.PaymentTypeSubscription:
		return s.ent.GrantSubscription(ctx, entitlement.SubscriptionGrant{
			UserID:             rec.CallerID,
			PlanCode:           rec.PlanCode,
			DurationDays:       rec.DurationDays,
			OrderInvoiceNumber: rec.OrderInvoiceNumber,
			RequestID:          requestID,
		})
	case models.PaymentTypePointsPurchase:
		return s.ent.CreditPoints(ctx, entitlement.PointsCredit{
			UserID:             rec.CallerID,
			Points:             rec.Points,
			OrderInvoiceNumber: rec.OrderInvoiceNumber,
			Reason:             fmt.Sprintf("Points purchase %s", rec.OrderInvoiceNumber),
			RequestID:          requestID,
		})
	default:
		// Book purchases live in the book-order collection; a generic record
		// carrying this type is a data defect that retry cannot fix alone.
		return nil, fmt.Errorf("payment type %q cannot be dispatched from a generic record", rec.PaymentType)
	}
}

func (s *Service) processBookOrder(ctx context.Context, n *gateway.Notification) Outcome {
	order, err := s.repo.GetBookOrder(ctx, n.OrderInvoiceNumber)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("ipn: no book order for invoice %s; acknowledging without side effects", n.OrderInvoiceNumber)
			return Outcome{Code: CodeUnknownOrder, Message: "unknown order invoice number"}
		}
		log.Printf("ipn: book order lookup for %s failed: %v", n.OrderInvoiceNumber, err)
		return Outcome{Code: CodeDeferred, Message: "received, processing deferred"}
	}

	switch n.Type {
	case gateway.TypeOrderPaid:
		return s.processBookPaid(ctx, n, order)
	case gateway.TypeOrderCancelled:
		return s.applyBookTerminal(ctx, n, models.PaymentStatusCancelled)
	case gateway.TypeOrderExpired:
		return s.applyBookTerminal(ctx, n, models.PaymentStatusFailed)
	default:
		if err := s.repo.ArchiveBookOrderNotification(ctx, n.OrderInvoiceNumber, string(n.Raw)); err != nil {
			log.Printf("ipn: failed to archive %s notification for %s: %v", n.RawType, n.OrderInvoiceNumber, err)
			return Outcome{Code: CodeDeferred, Message: "received, processing deferred"}
		}
		return Outcome{Code: CodeArchived, Message: fmt.Sprintf("unhandled notification type %s archived", n.RawType)}
	}
}

func (s *Service) processBookPaid(ctx context.Context, n *gateway.Notification, order *models.BookOrder) Outcome {
	switch GuardBookOrder(order.Status, order.AccessGranted) {
	case DecisionAlreadyProcessed:
		s.dedup.MarkProcessed(ctx, order.OrderInvoiceNumber)
		return Outcome{Code: CodeAlreadyProcessed, Message: "order already processed"}

	case DecisionAnomalous:
		log.Printf("ipn: ANOMALY: paid notification for terminal book order %s (status=%s); record left untouched",
			order.OrderInvoiceNumber, order.Status)
		return Outcome{Code: CodeAnomalousState, Message: "order is in a terminal state; notification not applied"}

	case DecisionProcess:
		completed, err := s.repo.MarkBookOrderCompleted(ctx, order.OrderInvoiceNumber, n.TransactionID, string(n.Raw))
		if err != nil {
			log.Printf("ipn: completion transition for book order %s failed: %v", order.OrderInvoiceNumber, err)
			return Outcome{Code: CodeDeferred, Message: "received, processing deferred"}
		}
		if !completed {
			fresh, err := s.repo.GetBookOrder(ctx, order.OrderInvoiceNumber)
			if err != nil {
				log.Printf("ipn: reload after lost completion race for %s failed: %v", order.OrderInvoiceNumber, err)
				return Outcome{Code: CodeDeferred, Message: "received, processing deferred"}
			}
			return s.processBookPaid(ctx, n, fresh)
		}

	case DecisionActivateOnly:
		if err := s.repo.ArchiveBookOrderNotification(ctx, order.OrderInvoiceNumber, string(n.Raw)); err != nil {
			log.Printf("ipn: failed to archive redelivered payload for %s: %v", order.OrderInvoiceNumber, err)
		}
	}

	return s.grantBookAccess(ctx, order.OrderInvoiceNumber)
}

func (s *Service) applyBookTerminal(ctx context.Context, n *gateway.Notification, status string) Outcome {
	moved, err := s.repo.MarkBookOrderTerminal(ctx, n.OrderInvoiceNumber, status, string(n.Raw))
	if err != nil {
		log.Printf("ipn: terminal transition for book order %s failed: %v", n.OrderInvoiceNumber, err)
		return Outcome{Code: CodeDeferred, Message: "received, processing deferred"}
	}
	if !moved {
		if err := s.repo.ArchiveBookOrderNotification(ctx, n.OrderInvoiceNumber, string(n.Raw)); err != nil {
			log.Printf("ipn: failed to archive %s payload for %s: %v", n.RawType, n.OrderInvoiceNumber, err)
		}
	}
	return Outcome{Code: CodeArchived, Message: fmt.Sprintf("%s notification recorded", n.RawType)}
}

func (s *Service) grantBookAccess(ctx context.Context, invoiceNumber string) Outcome {
	_, err := s.dispatchBook(ctx, invoiceNumber)
	if err != nil {
		log.Printf("activation: book access grant for %s failed: %v", invoiceNumber, err)
		if mErr := s.repo.MarkBookGrantError(ctx, invoiceNumber, err.Error()); mErr != nil {
			log.Printf("activation: failed to persist grant error for %s: %v", invoiceNumber, mErr)
		}
		return Outcome{Code: CodeActivationDeferred, Message: "payment recorded; book access grant pending retry"}
	}

	granted, err := s.repo.MarkBookAccessGranted(ctx, invoiceNumber)
	if err != nil {
		log.Printf("activation: failed to persist book access grant for %s: %v", invoiceNumber, err)
		return Outcome{Code: CodeDeferred, Message: "received, processing deferred"}
	}
	if !granted {
		s.dedup.MarkProcessed(ctx, invoiceNumber)
		return Outcome{Code: CodeAlreadyProcessed, Message: "order already processed"}
	}

	s.dedup.MarkProcessed(ctx, invoiceNumber)
	return Outcome{Code: CodeProcessed, Message: "payment completed and book access granted"}
}

func (s *Service) dispatchBook(ctx context.Context, invoiceNumber string) (*entitlement.Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	return s.ent.GrantBookAccess(ctx, entitlement.BookAccessGrant{
		OrderInvoiceNumber: invoiceNumber,
		RequestID:          uuid.NewString(),
	})
}

// RetryActivation re-invokes the activation dispatch for a stuck order. It
// validates status==completed and a still-outstanding grant, then updates the
// same fields the original path would. Safe to invoke any number of times;
// after a success the next call is rejected with ErrAlreadyActivated.
func (s *Service) RetryActivation(ctx context.Context, invoiceNumber string) (string, error) {
	if IsBookOrderInvoice(invoiceNumber) {
		return s.retryBookGrant(ctx, invoiceNumber)
	}

	rec, err := s.repo.GetPayment(ctx, invoiceNumber)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrOrderNotFound
		}
		return "", err
	}
	if rec.Status != models.PaymentStatusCompleted {
		return "", fmt.Errorf("%w (status=%s)", ErrNotCompleted, rec.Status)
	}
	if rec.ActivationState == models.ActivationActivated {
		return "", ErrAlreadyActivated
	}

	conf, err := s.dispatchGeneric(ctx, rec)
	if err != nil {
		if mErr := s.repo.MarkPaymentActivationError(ctx, invoiceNumber, err.Error()); mErr != nil {
			log.Printf("retry: failed to persist activation error for %s: %v", invoiceNumber, mErr)
		}
		return "", err
	}

	activated, err := s.repo.MarkPaymentActivated(ctx, invoiceNumber, conf.ConfirmationID)
	if err != nil {
		return "", err
	}
	if !activated {
		return "", ErrAlreadyActivated
	}

	s.dedup.MarkProcessed(ctx, invoiceNumber)
	return conf.ConfirmationID, nil
}

func (s *Service) retryBookGrant(ctx context.Context, invoiceNumber string) (string, error) {
	order, err := s.repo.GetBookOrder(ctx, invoiceNumber)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrOrderNotFound
		}
		return "", err
	}
	if order.Status != models.PaymentStatusCompleted {
		return "", fmt.Errorf("%w (status=%s)", ErrNotCompleted, order.Status)
	}
	if order.AccessGranted {
		return "", ErrAlreadyActivated
	}

	conf, err := s.dispatchBook(ctx, invoiceNumber)
	if err != nil {
		if mErr := s.repo.MarkBookGrantError(ctx, invoiceNumber, err.Error()); mErr != nil {
			log.Printf("retry: failed to persist grant error for %s: %v", invoiceNumber, mErr)
		}
		return "", err
	}

	granted, err := s.repo.MarkBookAccessGranted(ctx, invoiceNumber)
	if err != nil {
		return "", err
	}
	if !granted {
		return "", ErrAlreadyActivated
	}

	s.dedup.MarkProcessed(ctx, invoiceNumber)
	return conf.ConfirmationID, nil
}

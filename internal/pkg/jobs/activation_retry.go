package jobs

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/wisdomapp/wisdompay/internal/pkg/payment"
)

const sweepBatchSize = 50
const sweepTimeout = 2 * time.Minute

// ActivationRetrySweep periodically re-dispatches orders whose payment
// completed but whose entitlement grant is still outstanding. It reuses the
// manual retry path, so the activation-state gate makes each pass safe to
// run any number of times.
type ActivationRetrySweep struct {
	svc  *payment.Service
	repo payment.Repository
}

func NewActivationRetrySweep(svc *payment.Service, repo payment.Repository) *ActivationRetrySweep {
	return &ActivationRetrySweep{svc: svc, repo: repo}
}

func (j *ActivationRetrySweep) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	recs, err := j.repo.ListPaymentsAwaitingActivation(ctx, sweepBatchSize)
	if err != nil {
		log.Printf("retry sweep: listing stuck payments failed: %v", err)
	}
	for _, rec := range recs {
		j.retry(ctx, rec.OrderInvoiceNumber)
	}

	orders, err := j.repo.ListBookOrdersAwaitingGrant(ctx, sweepBatchSize)
	if err != nil {
		log.Printf("retry sweep: listing stuck book orders failed: %v", err)
	}
	for _, order := range orders {
		j.retry(ctx, order.OrderInvoiceNumber)
	}
}

func (j *ActivationRetrySweep) retry(ctx context.Context, invoiceNumber string) {
	if _, err := j.svc.RetryActivation(ctx, invoiceNumber); err != nil {
		// A concurrent webhook redelivery may have activated it first.
		if errors.Is(err, payment.ErrAlreadyActivated) {
			return
		}
		log.Printf("retry sweep: activation for %s still failing: %v", invoiceNumber, err)
		return
	}
	log.Printf("retry sweep: activation for %s recovered", invoiceNumber)
}

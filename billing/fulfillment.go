package billing

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/teai-io/teai-backend/metrics"
	"github.com/teai-io/teai-backend/models"
)

// PurchaseRecorder applies a purchase exactly once per Stripe session.
type PurchaseRecorder interface {
	ApplyPurchase(ctx context.Context, purchase *models.CreditPurchaseHistory) (bool, error)
}

// Fulfiller turns completed Checkout Sessions into credits.
type Fulfiller struct {
	store   PurchaseRecorder
	log     *logrus.Logger
	metrics *metrics.Metrics
}

func NewFulfiller(store PurchaseRecorder, log *logrus.Logger, m *metrics.Metrics) *Fulfiller {
	return &Fulfiller{store: store, log: log, metrics: m}
}

// Fulfill credits the user named in the session metadata. It reports false
// when the session had already been applied.
func (f *Fulfiller) Fulfill(ctx context.Context, session *stripe.CheckoutSession) (bool, error) {
	userID := session.Metadata["userId"]
	creditsStr := session.Metadata["credits"]
	if userID == "" || creditsStr == "" {
		return false, ErrMissingMetadata
	}
	credits, err := strconv.ParseInt(creditsStr, 10, 64)
	if err != nil || credits <= 0 {
		return false, fmt.Errorf("%w: %q", ErrInvalidCredits, creditsStr)
	}

	planID := session.Metadata["planId"]
	purchase := &models.CreditPurchaseHistory{
		UserID:          userID,
		AmountYen:       amountYen(session, planID, credits),
		Credits:         credits,
		Status:          models.PurchaseStatusCompleted,
		StripeSessionID: session.ID,
		PlanID:          planID,
	}

	log := f.log.WithFields(logrus.Fields{
		"user_id":    userID,
		"session_id": session.ID,
		"credits":    credits,
	})
	applied, err := f.store.ApplyPurchase(ctx, purchase)
	if err != nil {
		log.WithError(err).Error("failed to apply purchase")
		return false, err
	}
	if applied {
		f.metrics.AddCredits(credits)
		log.Info("credits added")
	}
	return applied, nil
}

// amountYen prefers what Stripe charged, then the plan price.
func amountYen(session *stripe.CheckoutSession, planID string, credits int64) int64 {
	if session.AmountTotal > 0 {
		return session.AmountTotal
	}
	if plan, ok := FindPlan(planID); ok {
		return plan.AmountYen
	}
	return credits / creditsPerYen
}

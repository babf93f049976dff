package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
)

// CheckoutSessionCreator is the part of the Stripe client used here.
type CheckoutSessionCreator interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// CheckoutService creates Stripe Checkout Sessions for credit plans.
type CheckoutService struct {
	sessions       CheckoutSessionCreator
	baseURL        string
	allowedOrigins []string
	log            *logrus.Logger
}

// NewCheckoutService redirects buyers back to allowedOrigins when the request
// came from one of them, and to baseURL otherwise.
func NewCheckoutService(sessions CheckoutSessionCreator, baseURL string, allowedOrigins []string, log *logrus.Logger) *CheckoutService {
	return &CheckoutService{
		sessions: sessions,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		allowedOrigins: lo.Map(allowedOrigins, func(o string, _ int) string {
			return strings.TrimSuffix(o, "/")
		}),
		log: log,
	}
}

// CreateSession starts a one-off JPY payment for planID. origin is the
// caller's Origin header and picks the redirect host when it is allowed.
func (s *CheckoutService) CreateSession(ctx context.Context, userID, planID, origin string) (string, error) {
	plan, ok := FindPlan(planID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}

	base := s.baseURL
	if o := strings.TrimSuffix(origin, "/"); o != "" {
		if lo.Contains(s.allowedOrigins, o) {
			base = o
		} else {
			s.log.WithFields(logrus.Fields{"user_id": userID, "origin": origin}).Warn("ignoring unknown origin for checkout redirect")
		}
	}

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(string(stripe.CurrencyJPY)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(fmt.Sprintf("%s クレジット", formatNumber(plan.Credits))),
					Description: stripe.String(fmt.Sprintf("%s円で%sクレジットを購入", formatNumber(plan.AmountYen), formatNumber(plan.Credits))),
				},
				UnitAmount: stripe.Int64(plan.AmountYen),
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(base + "/dashboard/billing?success=true&session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(base + "/dashboard/billing?canceled=true"),
	}
	params.Context = ctx
	params.AddMetadata("userId", userID)
	params.AddMetadata("credits", strconv.FormatInt(plan.Credits, 10))
	params.AddMetadata("planId", plan.ID)

	session, err := s.sessions.New(params)
	if err != nil {
		return "", err
	}
	if session.URL == "" {
		return "", ErrCheckoutURLMissing
	}

	s.log.WithFields(logrus.Fields{
		"user_id":    userID,
		"plan_id":    plan.ID,
		"session_id": session.ID,
	}).Info("checkout session created")
	return session.URL, nil
}

// stripeErrorStatus maps a Stripe failure to the status and code returned
// to the client.
func stripeErrorStatus(err error) (int, string) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return http.StatusInternalServerError, "unknown_error"
	}
	switch stripeErr.HTTPStatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusTooManyRequests:
		return stripeErr.HTTPStatusCode, string(stripeErr.Type)
	default:
		return http.StatusInternalServerError, string(stripeErr.Type)
	}
}

// formatNumber renders n with thousands separators.
func formatNumber(n int64) string {
	s := strconv.FormatInt(n, 10)
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}

package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/teai-io/teai-backend/auth"
	"github.com/teai-io/teai-backend/metrics"
	"github.com/teai-io/teai-backend/models"
	"github.com/teai-io/teai-backend/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// Stripe events are far smaller. Bodies are read before the signature
	// is checked, so anything larger is refused unread.
	maxWebhookBodyBytes = 64 << 10
)

// CheckoutRequest represents the request body for creating a checkout session
type CheckoutRequest struct {
	PlanID string `json:"planId"`
}

type CheckoutErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CreditReader reads balances and purchase history.
type CreditReader interface {
	Balance(ctx context.Context, userID string) (int64, error)
	History(ctx context.Context, userID string, limit int) ([]models.CreditPurchaseHistory, error)
}

type Handler struct {
	checkout  *CheckoutService
	verifier  *SignatureVerifier
	fulfiller *Fulfiller
	credits   CreditReader
	log       *logrus.Logger
	metrics   *metrics.Metrics
	tolerance time.Duration
	dev       bool
	now       func() time.Time
}

func NewHandler(
	checkout *CheckoutService,
	verifier *SignatureVerifier,
	fulfiller *Fulfiller,
	credits CreditReader,
	tolerance time.Duration,
	log *logrus.Logger,
	m *metrics.Metrics,
	dev bool,
) *Handler {
	return &Handler{
		checkout:  checkout,
		verifier:  verifier,
		fulfiller: fulfiller,
		credits:   credits,
		log:       log,
		metrics:   m,
		tolerance: tolerance,
		dev:       dev,
		now:       time.Now,
	}
}

// CreateCheckoutSession godoc
//
//	@Summary		Create a Stripe Checkout Session
//	@Description	Starts a JPY payment for one credit plan and returns the hosted checkout URL
//	@Tags			Billing
//	@Accept			json
//	@Produce		json
//	@Param			request	body		CheckoutRequest	true	"Plan to purchase"
//	@Success		200		{object}	map[string]string
//	@Failure		400		{object}	CheckoutErrorResponse	"Unknown plan"
//	@Failure		401		{object}	types.ErrorResponse
//	@Failure		500		{object}	CheckoutErrorResponse
//	@Router			/functions/v1/create-checkout-session [post]
func (h *Handler) CreateCheckoutSession(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, CheckoutErrorResponse{Error: "Invalid request", Code: "invalid_request"})
		return
	}

	user := auth.CurrentUser(c)
	url, err := h.checkout.CreateSession(c.Request.Context(), user.ID, req.PlanID, c.GetHeader("Origin"))
	if err != nil {
		log := h.log.WithError(err).WithFields(logrus.Fields{"user_id": user.ID, "plan_id": req.PlanID})
		if errors.Is(err, ErrUnknownPlan) {
			log.Warn("checkout requested for unknown plan")
			c.JSON(http.StatusBadRequest, CheckoutErrorResponse{Error: "Invalid plan", Code: "invalid_plan"})
			return
		}
		status, code := stripeErrorStatus(err)
		log.WithField("code", code).Error("failed to create checkout session")
		c.JSON(status, CheckoutErrorResponse{Error: "Failed to create checkout session", Code: code})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

// Webhook godoc
//
//	@Summary		Stripe webhook
//	@Description	Verifies the Stripe signature and credits users for completed checkout sessions
//	@Tags			Billing
//	@Accept			json
//	@Produce		json
//	@Success		200	{object}	map[string]interface{}
//	@Failure		400	{object}	types.ErrorResponse	"Signature verification failed"
//	@Failure		500	{object}	types.ErrorResponse	"Stripe should retry"
//	@Router			/functions/v1/stripe-webhook [post]
func (h *Handler) Webhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes)
	body, err := c.GetRawData()
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.metrics.ObserveWebhook("unknown", "too_large")
		c.JSON(http.StatusRequestEntityTooLarge, types.ErrorResponse{Error: "Payload too large"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "Invalid payload"})
		return
	}

	signedAt, err := h.verifier.Verify(body, c.GetHeader(signatureHeader), c.GetHeader(timestampHeader))
	if err != nil {
		h.log.WithError(err).Warn("stripe signature verification failed")
		h.metrics.ObserveWebhook("unknown", "invalid_signature")
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "Signature verification failed"})
		return
	}
	if skew := h.now().Sub(signedAt).Abs(); skew > h.tolerance {
		h.log.WithFields(logrus.Fields{
			"signed_at": signedAt.Unix(),
			"skew":      skew.String(),
		}).Warn("stripe webhook timestamp differs significantly from server time")
	}

	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		h.metrics.ObserveWebhook("unknown", "invalid_payload")
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "Invalid payload"})
		return
	}

	eventType := string(event.Type)
	log := h.log.WithFields(logrus.Fields{"event_id": event.ID, "event_type": eventType})

	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		log.Info("received unhandled Stripe event type")
		h.metrics.ObserveWebhook(eventType, "ignored")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	var session stripe.CheckoutSession
	if event.Data == nil || json.Unmarshal(event.Data.Raw, &session) != nil {
		h.metrics.ObserveWebhook(eventType, "invalid_payload")
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "Invalid payload"})
		return
	}

	applied, err := h.fulfiller.Fulfill(c.Request.Context(), &session)
	switch {
	case errors.Is(err, ErrMissingMetadata):
		log.WithField("session_id", session.ID).Error("missing metadata in Stripe session")
		h.metrics.ObserveWebhook(eventType, "missing_metadata")
		c.JSON(http.StatusOK, gin.H{"received": true, "error": "Missing metadata"})
	case errors.Is(err, ErrInvalidCredits):
		log.WithError(err).WithField("session_id", session.ID).Error("invalid credits value in metadata")
		h.metrics.ObserveWebhook(eventType, "invalid_metadata")
		c.JSON(http.StatusOK, gin.H{"received": true, "error": "Invalid credits metadata"})
	case err != nil:
		h.metrics.ObserveWebhook(eventType, "failed")
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "Webhook handler failed"})
	case !applied:
		h.metrics.ObserveWebhook(eventType, "duplicate")
		c.JSON(http.StatusOK, gin.H{"received": true})
	default:
		h.metrics.ObserveWebhook(eventType, "applied")
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

// Balance godoc
//
//	@Summary	Credit balance
//	@Tags		Billing
//	@Produce	json
//	@Success	200	{object}	map[string]int64
//	@Router		/api/credits [get]
func (h *Handler) Balance(c *gin.Context) {
	user := auth.CurrentUser(c)
	balance, err := h.credits.Balance(c.Request.Context(), user.ID)
	if err != nil {
		h.log.WithError(err).WithField("user_id", user.ID).Error("failed to read credit balance")
		types.RespondError(c, types.NewAPIError(http.StatusInternalServerError, "Failed to read credit balance", err), h.dev)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// History godoc
//
//	@Summary	Credit purchase history, newest first
//	@Tags		Billing
//	@Produce	json
//	@Param		limit	query		int	false	"Maximum entries (default 50)"
//	@Success	200		{object}	map[string]interface{}
//	@Router		/api/credits/history [get]
func (h *Handler) History(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			types.RespondError(c, types.NewAPIError(http.StatusBadRequest, "Invalid limit", err), h.dev)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	user := auth.CurrentUser(c)
	history, err := h.credits.History(c.Request.Context(), user.ID, limit)
	if err != nil {
		h.log.WithError(err).WithField("user_id", user.ID).Error("failed to read purchase history")
		types.RespondError(c, types.NewAPIError(http.StatusInternalServerError, "Failed to read purchase history", err), h.dev)
		return
	}
	if history == nil {
		history = []models.CreditPurchaseHistory{}
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// Plans godoc
//
//	@Summary	Credit plans
//	@Tags		Billing
//	@Produce	json
//	@Success	200	{object}	map[string][]Plan
//	@Router		/api/credits/plans [get]
func (h *Handler) Plans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": Plans()})
}

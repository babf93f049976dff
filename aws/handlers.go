package aws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/auth"
	"github.com/teai-io/teai-backend/metrics"
	"github.com/teai-io/teai-backend/models"
	"github.com/teai-io/teai-backend/repository"
	"github.com/teai-io/teai-backend/types"
)

// Instance actions.
const (
	ActionCreate       = "create"
	ActionStart        = "start"
	ActionStop         = "stop"
	ActionTerminate    = "terminate"
	ActionList         = "list"
	ActionUpdate       = "update"
	ActionAddSSHKey    = "add_ssh_key"
	ActionListSSHKeys  = "list_ssh_keys"
	ActionRemoveSSHKey = "remove_ssh_key"

	ActionCreateOrganization = "create_organization"
	ActionListOrganizations  = "list_organizations"
)

type actionRequest struct {
	Action string `json:"action" binding:"required"`
}

// InstanceRequest represents the request body for start, stop, terminate
// and list_ssh_keys.
type InstanceRequest struct {
	InstanceID string `json:"instanceId" binding:"required"`
}

type UpdateInstanceRequest struct {
	InstanceID   string `json:"instanceId" binding:"required"`
	InstanceType string `json:"instanceType"`
	Domain       string `json:"domain"`
	PublicKey    string `json:"publicKey"`
}

type AddSSHKeyRequest struct {
	InstanceID string `json:"instanceId" binding:"required"`
	Name       string `json:"name" binding:"max=255"`
	PublicKey  string `json:"publicKey" binding:"required"`
}

type RemoveSSHKeyRequest struct {
	InstanceID string `json:"instanceId" binding:"required"`
	KeyID      string `json:"keyId" binding:"required"`
}

type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// Handler serves the instance, organization and cost endpoints.
type Handler struct {
	controller *Controller
	org        *OrganizationBootstrapper
	costs      *CostReporter
	creds      CredentialFinder
	sts        STSAPI
	admins     AdminChecker
	log        *logrus.Logger
	metrics    *metrics.Metrics
	dev        bool
}

func NewHandler(
	controller *Controller,
	org *OrganizationBootstrapper,
	costs *CostReporter,
	creds CredentialFinder,
	stsClient STSAPI,
	admins AdminChecker,
	log *logrus.Logger,
	m *metrics.Metrics,
	dev bool,
) *Handler {
	return &Handler{
		controller: controller,
		org:        org,
		costs:      costs,
		creds:      creds,
		sts:        stsClient,
		admins:     admins,
		log:        log,
		metrics:    m,
		dev:        dev,
	}
}

// Instance godoc
//
//	@Summary		Manage OpenHands instances
//	@Description	Dispatches one instance action (create, start, stop, terminate, list, update, add_ssh_key, list_ssh_keys, remove_ssh_key)
//	@Tags			Instances
//	@Accept			json
//	@Produce		json
//	@Success		200	{object}	map[string]interface{}
//	@Failure		400	{object}	types.ErrorResponse	"Invalid action or request"
//	@Failure		401	{object}	types.ErrorResponse	"Unauthorized"
//	@Failure		403	{object}	types.ErrorResponse	"Instance not owned by user"
//	@Failure		500	{object}	types.ErrorResponse	"AWS request failed"
//	@Router			/functions/v1/aws-instance [post]
func (h *Handler) Instance(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		h.fail(c, "", bindError(err))
		return
	}

	user := auth.CurrentUser(c)
	ctx := c.Request.Context()
	log := h.log.WithFields(logrus.Fields{"user_id": user.ID, "action": req.Action})
	log.Debug("instance action requested")

	var (
		resp gin.H
		err  error
	)
	switch req.Action {
	case ActionCreate:
		var created *CreateResult
		if created, err = h.controller.Create(ctx, user.ID); err == nil {
			resp = gin.H{"success": true, "instanceId": created.InstanceID, "domain": created.Domain}
		}

	case ActionStart, ActionStop, ActionTerminate:
		var body InstanceRequest
		if err = c.ShouldBindBodyWith(&body, binding.JSON); err != nil {
			err = bindError(err)
			break
		}
		switch req.Action {
		case ActionStart:
			err = h.controller.Start(ctx, user.ID, body.InstanceID)
		case ActionStop:
			err = h.controller.Stop(ctx, user.ID, body.InstanceID)
		default:
			err = h.controller.Terminate(ctx, user.ID, body.InstanceID)
		}
		resp = gin.H{"success": true}

	case ActionList:
		var instances []InstanceSummary
		if instances, err = h.controller.List(ctx, user.ID); err == nil {
			resp = gin.H{"success": true, "instances": instances}
		}

	case ActionUpdate:
		var body UpdateInstanceRequest
		if err = c.ShouldBindBodyWith(&body, binding.JSON); err != nil {
			err = bindError(err)
			break
		}
		var result *UpdateResult
		result, err = h.controller.Update(ctx, user.ID, body.InstanceID, UpdateRequest{
			InstanceType: body.InstanceType,
			Domain:       body.Domain,
			PublicKey:    body.PublicKey,
		})
		if err == nil {
			resp = gin.H{"success": true, "requiresRestart": result.RequiresRestart, "message": result.Message}
		}

	case ActionAddSSHKey:
		var body AddSSHKeyRequest
		if err = c.ShouldBindBodyWith(&body, binding.JSON); err != nil {
			err = bindError(err)
			break
		}
		var key *models.InstanceSSHKey
		if key, err = h.controller.AddSSHKey(ctx, user.ID, body.InstanceID, body.Name, body.PublicKey); err == nil {
			resp = gin.H{
				"success":         true,
				"requiresRestart": true,
				"message":         "SSH key added. Restart required.",
				"sshKey":          key,
			}
		}

	case ActionListSSHKeys:
		var body InstanceRequest
		if err = c.ShouldBindBodyWith(&body, binding.JSON); err != nil {
			err = bindError(err)
			break
		}
		var keys []models.InstanceSSHKey
		if keys, err = h.controller.ListSSHKeys(ctx, user.ID, body.InstanceID); err == nil {
			resp = gin.H{"success": true, "sshKeys": keys}
		}

	case ActionRemoveSSHKey:
		var body RemoveSSHKeyRequest
		if err = c.ShouldBindBodyWith(&body, binding.JSON); err != nil {
			err = bindError(err)
			break
		}
		if err = h.controller.RemoveSSHKey(ctx, user.ID, body.InstanceID, body.KeyID); err == nil {
			resp = gin.H{"success": true, "requiresRestart": true, "message": "SSH key removed. Restart required."}
		}

	default:
		err = ErrInvalidAction
	}

	if err != nil {
		h.fail(c, req.Action, err)
		return
	}
	h.metrics.ObserveInstanceAction(req.Action, nil)
	c.JSON(http.StatusOK, resp)
}

// Organization godoc
//
//	@Summary		Manage AWS organization accounts
//	@Description	create_organization provisions a member account for the caller, list_organizations lists all accounts (admin only)
//	@Tags			Instances
//	@Accept			json
//	@Produce		json
//	@Success		200	{object}	map[string]interface{}
//	@Failure		400	{object}	types.ErrorResponse
//	@Failure		403	{object}	types.ErrorResponse
//	@Failure		500	{object}	types.ErrorResponse
//	@Router			/functions/v1/aws-organization [post]
func (h *Handler) Organization(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		types.RespondError(c, toAPIError(bindError(err)), h.dev)
		return
	}

	user := auth.CurrentUser(c)
	ctx := c.Request.Context()

	switch req.Action {
	case ActionCreateOrganization:
		creds, err := h.org.CreateForUser(ctx, user.ID, user.Email)
		if err != nil {
			h.log.WithError(err).WithField("user_id", user.ID).Error("organization bootstrap failed")
			types.RespondError(c, toAPIError(err), h.dev)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"message":   "Organization and IAM user created successfully",
			"accountId": creds.AccountID,
		})

	case ActionListOrganizations:
		isAdmin, err := h.admins.IsAdmin(ctx, user.ID)
		if err != nil {
			types.RespondError(c, types.NewAPIError(http.StatusInternalServerError, "Failed to check admin status", err), h.dev)
			return
		}
		if !isAdmin {
			types.RespondError(c, types.NewAPIError(http.StatusForbidden, "Admin access required", nil), h.dev)
			return
		}
		accounts, err := h.org.ListAccounts(ctx)
		if err != nil {
			h.log.WithError(err).Error("failed to list organization accounts")
			types.RespondError(c, toAPIError(err), h.dev)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "accounts": accounts})

	default:
		types.RespondError(c, toAPIError(ErrInvalidAction), h.dev)
	}
}

// Cost godoc
//
//	@Summary		Current month AWS cost
//	@Description	Month-to-date cost of the caller's IAM user, bucketed into EC2, Lambda and other
//	@Tags			Billing
//	@Produce		json
//	@Success		200	{object}	map[string]CostSummary
//	@Failure		403	{object}	types.ErrorResponse	"Cost Explorer access denied"
//	@Failure		404	{object}	types.ErrorResponse	"No AWS credentials"
//	@Failure		500	{object}	types.ErrorResponse
//	@Router			/api/aws-cost [post]
func (h *Handler) Cost(c *gin.Context) {
	user := auth.CurrentUser(c)
	costs, err := h.costs.MonthToDate(c.Request.Context(), user.ID)
	if err != nil {
		h.log.WithError(err).WithField("user_id", user.ID).Warn("failed to fetch AWS costs")
		types.RespondError(c, toAPIError(err), h.dev)
		return
	}
	c.JSON(http.StatusOK, gin.H{"costs": costs})
}

// CredentialsView is what a user may see of their own IAM principal. The
// secret key never leaves the server.
type CredentialsView struct {
	IAMUsername    string    `json:"iam_username"`
	AccessKeyID    string    `json:"access_key_id"`
	OrganizationID *string   `json:"organization_id"`
	AccountID      *string   `json:"account_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Credentials godoc
//
//	@Summary		Caller's AWS credentials
//	@Description	Returns the IAM user, masked access key and organization placement of the caller
//	@Tags			Instances
//	@Produce		json
//	@Success		200	{object}	CredentialsView
//	@Failure		404	{object}	types.ErrorResponse	"No AWS credentials"
//	@Router			/api/aws-credentials [get]
func (h *Handler) Credentials(c *gin.Context) {
	user := auth.CurrentUser(c)
	creds, err := h.creds.FindByUserID(c.Request.Context(), user.ID)
	if errors.Is(err, repository.ErrNotFound) {
		err = ErrNoCredentials
	} else if err != nil {
		err = fmt.Errorf("%w: %w", ErrCredentialLookup, err)
	}
	if err != nil {
		h.log.WithError(err).WithField("user_id", user.ID).Warn("failed to read AWS credentials")
		types.RespondError(c, toAPIError(err), h.dev)
		return
	}

	c.JSON(http.StatusOK, CredentialsView{
		IAMUsername:    creds.IAMUsername,
		AccessKeyID:    maskKey(creds.AccessKeyID),
		OrganizationID: creds.OrganizationID,
		AccountID:      creds.AccountID,
		CreatedAt:      creds.CreatedAt,
	})
}

// Health godoc
//
//	@Summary		AWS connectivity check
//	@Description	Calls STS GetCallerIdentity with the master credentials
//	@Tags			Health
//	@Produce		json
//	@Success		200	{object}	map[string]interface{}
//	@Failure		503	{object}	map[string]interface{}
//	@Router			/health/aws [get]
func (h *Handler) Health(c *gin.Context) {
	identity, err := CallerIdentity(c.Request.Context(), h.sts)
	if err != nil {
		h.log.WithError(err).Error("AWS health check failed")
		body := gin.H{"status": "error"}
		if h.dev {
			body["error"] = err.Error()
		}
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "account": identity.Account, "arn": identity.Arn})
}

func (h *Handler) fail(c *gin.Context, action string, err error) {
	apiErr := toAPIError(err)
	entry := h.log.WithError(err).WithField("action", action)
	if user := auth.CurrentUser(c); user != nil {
		entry = entry.WithField("user_id", user.ID)
	}
	var typed *types.APIError
	if errors.As(apiErr, &typed) && typed.Status >= http.StatusInternalServerError {
		entry.Error("instance action failed")
	} else {
		entry.Warn("instance action rejected")
	}
	if action != "" {
		h.metrics.ObserveInstanceAction(action, err)
	}
	types.RespondError(c, apiErr, h.dev)
}

// bindError turns request validation failures into package errors.
func bindError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.StructField() == "InstanceID" && fe.Tag() == "required" {
				return ErrInstanceIDRequired
			}
			if fe.StructField() == "Action" {
				return ErrInvalidAction
			}
		}
	}
	return types.NewAPIError(http.StatusBadRequest, "Invalid request", err)
}

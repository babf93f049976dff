package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/auth"
	"github.com/teai-io/teai-backend/models"
	"github.com/teai-io/teai-backend/repository"
	"github.com/teai-io/teai-backend/types"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500

	defaultUsersPerPage = 50
	maxUsersPerPage     = 1000
)

// Store manages the administrator list.
type Store interface {
	List(ctx context.Context) ([]models.AdminUser, error)
	Add(ctx context.Context, userID, createdBy string) (*models.AdminUser, error)
}

type BalanceLister interface {
	ListBalances(ctx context.Context, limit, offset int) ([]models.UserCredits, error)
}

type UserLister interface {
	ListUsers(ctx context.Context, page, perPage int) ([]auth.DirectoryUser, error)
}

// AddAdminRequest represents the request body for granting admin rights
type AddAdminRequest struct {
	UserID string `json:"userId" binding:"required,max=64"`
}

type Handler struct {
	admins  Store
	credits BalanceLister
	users   UserLister
	log     *logrus.Logger
	dev     bool
}

func NewHandler(admins Store, credits BalanceLister, users UserLister, log *logrus.Logger, dev bool) *Handler {
	return &Handler{admins: admins, credits: credits, users: users, log: log, dev: dev}
}

// ListAdmins godoc
//
//	@Summary	List administrators
//	@Tags		Admin
//	@Produce	json
//	@Success	200	{object}	map[string][]models.AdminUser
//	@Failure	403	{object}	types.ErrorResponse
//	@Router		/api/admin/admins [get]
func (h *Handler) ListAdmins(c *gin.Context) {
	admins, err := h.admins.List(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("failed to list admins")
		types.RespondError(c, types.NewAPIError(http.StatusInternalServerError, "Failed to list admins", err), h.dev)
		return
	}
	if admins == nil {
		admins = []models.AdminUser{}
	}
	c.JSON(http.StatusOK, gin.H{"admins": admins})
}

// AddAdmin godoc
//
//	@Summary	Grant admin rights
//	@Tags		Admin
//	@Accept		json
//	@Produce	json
//	@Param		request	body		AddAdminRequest	true	"User to promote"
//	@Success	201		{object}	models.AdminUser
//	@Failure	400		{object}	types.ErrorResponse
//	@Failure	403		{object}	types.ErrorResponse
//	@Failure	409		{object}	types.ErrorResponse	"Already an admin"
//	@Router		/api/admin/admins [post]
func (h *Handler) AddAdmin(c *gin.Context) {
	var req AddAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		types.RespondError(c, types.NewAPIError(http.StatusBadRequest, "Invalid request", err), h.dev)
		return
	}

	caller := auth.CurrentUser(c)
	admin, err := h.admins.Add(c.Request.Context(), req.UserID, caller.ID)
	if errors.Is(err, repository.ErrDuplicate) {
		types.RespondError(c, types.NewAPIError(http.StatusConflict, "User is already an admin", err), h.dev)
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("user_id", req.UserID).Error("failed to add admin")
		types.RespondError(c, types.NewAPIError(http.StatusInternalServerError, "Failed to add admin", err), h.dev)
		return
	}

	h.log.WithFields(logrus.Fields{"user_id": req.UserID, "created_by": caller.ID}).Info("admin added")
	c.JSON(http.StatusCreated, admin)
}

// Credits godoc
//
//	@Summary	All credit balances
//	@Tags		Admin
//	@Produce	json
//	@Param		limit	query		int	false	"Page size (default 100)"
//	@Param		offset	query		int	false	"Offset"
//	@Success	200		{object}	map[string][]models.UserCredits
//	@Router		/api/admin/credits [get]
func (h *Handler) Credits(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil || limit <= 0 {
		types.RespondError(c, types.NewAPIError(http.StatusBadRequest, "Invalid limit", err), h.dev)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		types.RespondError(c, types.NewAPIError(http.StatusBadRequest, "Invalid offset", err), h.dev)
		return
	}

	balances, err := h.credits.ListBalances(c.Request.Context(), min(limit, maxPageSize), offset)
	if err != nil {
		h.log.WithError(err).Error("failed to list credit balances")
		types.RespondError(c, types.NewAPIError(http.StatusInternalServerError, "Failed to list credit balances", err), h.dev)
		return
	}
	if balances == nil {
		balances = []models.UserCredits{}
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

// Users godoc
//
//	@Summary		List dashboard users
//	@Description	Reads Supabase Auth accounts with the service role key
//	@Tags			Admin
//	@Produce		json
//	@Param			page	query		int	false	"Page, starting at 1"
//	@Param			perPage	query		int	false	"Page size (default 50)"
//	@Success		200		{object}	map[string][]auth.DirectoryUser
//	@Failure		503		{object}	types.ErrorResponse	"Service role key not configured"
//	@Router			/api/admin/users [get]
func (h *Handler) Users(c *gin.Context) {
	page, err := queryInt(c, "page", 1)
	if err != nil || page <= 0 {
		types.RespondError(c, types.NewAPIError(http.StatusBadRequest, "Invalid page", err), h.dev)
		return
	}
	perPage, err := queryInt(c, "perPage", defaultUsersPerPage)
	if err != nil || perPage <= 0 {
		types.RespondError(c, types.NewAPIError(http.StatusBadRequest, "Invalid perPage", err), h.dev)
		return
	}

	users, err := h.users.ListUsers(c.Request.Context(), page, min(perPage, maxUsersPerPage))
	if errors.Is(err, auth.ErrDirectoryUnavailable) {
		types.RespondError(c, types.NewAPIError(http.StatusServiceUnavailable, "User listing is not configured", err), h.dev)
		return
	}
	if err != nil {
		h.log.WithError(err).Error("failed to list users")
		types.RespondError(c, types.NewAPIError(http.StatusInternalServerError, "Failed to list users", err), h.dev)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

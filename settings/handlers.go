package settings

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/auth"
	"github.com/teai-io/teai-backend/aws"
	"github.com/teai-io/teai-backend/models"
	"github.com/teai-io/teai-backend/types"
	"gorm.io/datatypes"
)

type Store interface {
	Get(ctx context.Context, userID string) (*models.UserSettings, error)
	Save(ctx context.Context, settings *models.UserSettings) error
}

// UpdateRequest carries the fields to change. Absent fields keep their
// stored value.
type UpdateRequest struct {
	Language             *string           `json:"language" binding:"omitempty,oneof=ja en"`
	EnvironmentVariables map[string]string `json:"environmentVariables" binding:"omitempty,max=200,dive,keys,min=1,max=128,endkeys,max=4096"`
	SSHPublicKey         *string           `json:"sshPublicKey"`
}

type Handler struct {
	store Store
	log   *logrus.Logger
	dev   bool
}

func NewHandler(store Store, log *logrus.Logger, dev bool) *Handler {
	return &Handler{store: store, log: log, dev: dev}
}

// Get godoc
//
//	@Summary	User settings
//	@Tags		Settings
//	@Produce	json
//	@Success	200	{object}	models.UserSettings
//	@Router		/api/settings [get]
func (h *Handler) Get(c *gin.Context) {
	user := auth.CurrentUser(c)
	settings, err := h.store.Get(c.Request.Context(), user.ID)
	if err != nil {
		h.log.WithError(err).WithField("user_id", user.ID).Error("failed to load settings")
		types.RespondError(c, types.NewAPIError(http.StatusInternalServerError, "Failed to load settings", err), h.dev)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// Update godoc
//
//	@Summary	Update user settings
//	@Tags		Settings
//	@Accept		json
//	@Produce	json
//	@Param		request	body		UpdateRequest	true	"Fields to change"
//	@Success	200		{object}	models.UserSettings
//	@Failure	400		{object}	types.ErrorResponse
//	@Router		/api/settings [put]
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		types.RespondError(c, types.NewAPIError(http.StatusBadRequest, "Invalid request", err), h.dev)
		return
	}

	if req.SSHPublicKey != nil {
		trimmed := strings.TrimSpace(*req.SSHPublicKey)
		if trimmed != "" {
			if _, err := aws.ParsePublicKey(trimmed); err != nil {
				types.RespondError(c, types.NewAPIError(http.StatusBadRequest, "Invalid SSH public key", err), h.dev)
				return
			}
		}
		req.SSHPublicKey = &trimmed
	}

	user := auth.CurrentUser(c)
	ctx := c.Request.Context()
	settings, err := h.store.Get(ctx, user.ID)
	if err != nil {
		h.log.WithError(err).WithField("user_id", user.ID).Error("failed to load settings")
		types.RespondError(c, types.NewAPIError(http.StatusInternalServerError, "Failed to load settings", err), h.dev)
		return
	}

	if req.Language != nil {
		settings.Language = *req.Language
	}
	if req.EnvironmentVariables != nil {
		env := datatypes.JSONMap{}
		for k, v := range req.EnvironmentVariables {
			env[k] = v
		}
		settings.EnvironmentVariables = env
	}
	if req.SSHPublicKey != nil {
		settings.SSHPublicKey = *req.SSHPublicKey
	}

	if err := h.store.Save(ctx, settings); err != nil {
		h.log.WithError(err).WithField("user_id", user.ID).Error("failed to save settings")
		types.RespondError(c, types.NewAPIError(http.StatusInternalServerError, "Failed to save settings", err), h.dev)
		return
	}

	h.log.WithField("user_id", user.ID).Info("settings updated")
	c.JSON(http.StatusOK, settings)
}

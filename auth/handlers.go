package auth

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/types"
)

// AdminChecker reports whether a user is an administrator.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

type Handler struct {
	admins AdminChecker
	log    *logrus.Logger
	dev    bool
}

func NewHandler(admins AdminChecker, log *logrus.Logger, dev bool) *Handler {
	return &Handler{admins: admins, log: log, dev: dev}
}

// Me godoc
//
//	@Summary		Current user
//	@Description	Returns the authenticated user and whether they are an administrator
//	@Tags			Auth
//	@Produce		json
//	@Success		200	{object}	map[string]interface{}
//	@Failure		401	{object}	types.ErrorResponse
//	@Router			/api/auth/me [get]
func (h *Handler) Me(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		types.RespondError(c, types.NewAPIError(http.StatusUnauthorized, "Unauthorized", nil), h.dev)
		return
	}

	isAdmin, err := h.admins.IsAdmin(c.Request.Context(), user.ID)
	if err != nil {
		h.log.WithError(err).WithField("user_id", user.ID).Error("failed to check admin status")
		types.RespondError(c, types.NewAPIError(http.StatusInternalServerError, "Failed to check admin status", err), h.dev)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"id":            user.ID,
		"email":         user.Email,
		"isAdmin":       isAdmin,
	})
}

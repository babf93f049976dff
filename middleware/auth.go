package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/auth"
	"github.com/teai-io/teai-backend/types"
)

// AuthMiddleware checks if user is authenticated
func AuthMiddleware(verifier auth.Verifier, log *logrus.Logger, dev bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			log.WithField("path", c.Request.URL.Path).Debug("missing or invalid authorization header")
			types.RespondError(c, types.NewAPIError(http.StatusUnauthorized, "Unauthorized", nil), dev)
			return
		}

		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		user, err := verifier.Verify(c.Request.Context(), tokenString)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				log.WithError(err).Debug("token validation failed")
				types.RespondError(c, types.NewAPIError(http.StatusUnauthorized, "Unauthorized", err), dev)
				return
			}
			log.WithError(err).Error("token verification unavailable")
			types.RespondError(c, types.NewAPIError(http.StatusInternalServerError, "Failed to verify token", err), dev)
			return
		}

		auth.SetUser(c, user)
		c.Next()
	}
}

// AdminMiddleware checks if user has admin role. It must run after
// AuthMiddleware.
func AdminMiddleware(admins auth.AdminChecker, log *logrus.Logger, dev bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := auth.CurrentUser(c)
		if user == nil {
			types.RespondError(c, types.NewAPIError(http.StatusUnauthorized, "Unauthorized", nil), dev)
			return
		}

		isAdmin, err := admins.IsAdmin(c.Request.Context(), user.ID)
		if err != nil {
			log.WithError(err).WithField("user_id", user.ID).Error("failed to check admin status")
			types.RespondError(c, types.NewAPIError(http.StatusInternalServerError, "Failed to check admin status", err), dev)
			return
		}
		if !isAdmin {
			log.WithField("user_id", user.ID).Warn("admin access denied")
			types.RespondError(c, types.NewAPIError(http.StatusForbidden, "Admin access required", nil), dev)
			return
		}

		auth.SetAdmin(c, true)
		c.Next()
	}
}

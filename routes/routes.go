package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/admin"
	"github.com/teai-io/teai-backend/auth"
	"github.com/teai-io/teai-backend/aws"
	"github.com/teai-io/teai-backend/billing"
	"github.com/teai-io/teai-backend/metrics"
	"github.com/teai-io/teai-backend/middleware"
	"github.com/teai-io/teai-backend/settings"
)

// Dependencies holds everything the routes are wired to.
type Dependencies struct {
	Auth     *auth.Handler
	AWS      *aws.Handler
	Billing  *billing.Handler
	Admin    *admin.Handler
	Settings *settings.Handler

	Verifier auth.Verifier
	Admins   auth.AdminChecker
	Metrics  *metrics.Metrics
	Log      *logrus.Logger

	AllowedOrigins []string
	Development    bool
}

// SetupRoutes configures all the application routes
func SetupRoutes(router *gin.Engine, d Dependencies) {
	router.Use(
		middleware.RequestLogger(d.Log),
		d.Metrics.Middleware(),
		cors.New(corsConfig(d.AllowedOrigins, d.Development)),
	)

	// Public routes
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/health/aws", d.AWS.Health)
	router.GET("/metrics", d.Metrics.Handler())

	requireAuth := middleware.AuthMiddleware(d.Verifier, d.Log, d.Development)
	requireAdmin := middleware.AdminMiddleware(d.Admins, d.Log, d.Development)

	// Function-style endpoints used by the dashboard
	functions := router.Group("/functions/v1")
	{
		// Stripe authenticates itself with the webhook signature.
		functions.POST("/stripe-webhook", d.Billing.Webhook)

		protected := functions.Group("", requireAuth)
		protected.POST("/aws-instance", d.AWS.Instance)
		protected.POST("/aws-organization", d.AWS.Organization)
		protected.POST("/create-checkout-session", d.Billing.CreateCheckoutSession)
	}

	api := router.Group("/api", requireAuth)
	{
		api.GET("/auth/me", d.Auth.Me)
		api.POST("/create-checkout-session", d.Billing.CreateCheckoutSession)
		api.POST("/aws-cost", d.AWS.Cost)
		api.GET("/aws-credentials", d.AWS.Credentials)

		api.GET("/credits", d.Billing.Balance)
		api.GET("/credits/history", d.Billing.History)
		api.GET("/credits/plans", d.Billing.Plans)

		api.GET("/settings", d.Settings.Get)
		api.PUT("/settings", d.Settings.Update)

		adminGroup := api.Group("/admin", requireAdmin)
		adminGroup.GET("/admins", d.Admin.ListAdmins)
		adminGroup.POST("/admins", d.Admin.AddAdmin)
		adminGroup.GET("/credits", d.Admin.Credits)
		adminGroup.GET("/users", d.Admin.Users)
	}
}

func corsConfig(origins []string, dev bool) cors.Config {
	cfg := cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With", "apikey", "x-client-info"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}
	if dev {
		cfg.AllowOriginFunc = func(origin string) bool {
			return strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "http://127.0.0.1:")
		}
	}
	return cfg
}

package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/teai-io/teai-backend/admin"
	"github.com/teai-io/teai-backend/auth"
	"github.com/teai-io/teai-backend/aws"
	"github.com/teai-io/teai-backend/billing"
	"github.com/teai-io/teai-backend/metrics"
	"github.com/teai-io/teai-backend/repository"
	"github.com/teai-io/teai-backend/routes"
	"github.com/teai-io/teai-backend/settings"
)

const shutdownGrace = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := setup()
		if err != nil {
			return err
		}
		router, err := newRouter(ctx, rt)
		if err != nil {
			return err
		}
		return serve(ctx, rt, router)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newRouter(ctx context.Context, rt *app) (*gin.Engine, error) {
	cfg, log, db := rt.cfg, rt.log, rt.db
	dev := cfg.IsDevelopment()
	m := metrics.New()

	factory, err := aws.NewClientFactory(ctx, cfg.AWS, log)
	if err != nil {
		return nil, err
	}

	admins := repository.NewAdminRepository(db, log)
	creds := repository.NewCredentialRepository(db, log)
	credits := repository.NewCreditRepository(db, log)
	userSettings := repository.NewSettingsRepository(db, log)
	sshKeys := repository.NewSSHKeyRepository(db, log)

	bootstrapper := aws.NewBootstrapper(creds, factory.IAM(), log, m)
	controller := aws.NewController(bootstrapper, factory.EC2, sshKeys, cfg.Instance, log, m)
	org := aws.NewOrganizationBootstrapper(factory.Organizations(), factory.IAMInAccount, creds, log)
	costs := aws.NewCostReporter(creds, factory.CostExplorer, log)

	stripeAPI := client.New(cfg.Stripe.SecretKey, nil)
	checkout := billing.NewCheckoutService(stripeAPI.CheckoutSessions, cfg.AppBaseURL, cfg.AllowedOrigins, log)
	fulfiller := billing.NewFulfiller(credits, log, m)

	if !dev {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	routes.SetupRoutes(router, routes.Dependencies{
		Auth:     auth.NewHandler(admins, log, dev),
		AWS:      aws.NewHandler(controller, org, costs, creds, factory.STS(), admins, log, m, dev),
		Billing:  billing.NewHandler(checkout, billing.NewSignatureVerifier(cfg.Stripe.WebhookSecret), fulfiller, credits, cfg.Stripe.SignatureTolerance, log, m, dev),
		Admin:    admin.NewHandler(admins, credits, auth.NewUserDirectory(cfg.Supabase.URL, cfg.Supabase.ServiceRoleKey, nil), log, dev),
		Settings: settings.NewHandler(userSettings, log, dev),

		Verifier: auth.NewVerifier(cfg.Supabase),
		Admins:   admins,
		Metrics:  m,
		Log:      log,

		AllowedOrigins: cfg.AllowedOrigins,
		Development:    dev,
	})
	return router, nil
}

func serve(ctx context.Context, rt *app, handler http.Handler) error {
	server := &http.Server{
		Addr:              rt.cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.log.WithField("addr", server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	rt.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/teai-io/teai-backend/config"
	"github.com/teai-io/teai-backend/database"
	"github.com/teai-io/teai-backend/logger"
	"gorm.io/gorm"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "teai",
	Short: "TEAI dashboard backend",
	Long: `Backend for the TEAI OpenHands dashboard: per-user EC2 instances,
AWS organization bootstrap, Stripe credit purchases and admin tooling.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
}

// app is what every subcommand needs before doing real work.
type app struct {
	cfg *config.Config
	log *logrus.Logger
	db  *gorm.DB
}

func setup() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.LogLevel)

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, db: db}, nil
}

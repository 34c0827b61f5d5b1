package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/talkincode/whatsdash/config"
	"github.com/talkincode/whatsdash/internal/adminapi"
	"github.com/talkincode/whatsdash/internal/app"
	"github.com/talkincode/whatsdash/internal/webserver"
	"github.com/talkincode/whatsdash/internal/whatsapp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "none"

	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "whatsdash",
	Short: "WhatsApp session dashboard backend",
	Long: `whatsdash manages WhatsApp gateway sessions per operator: creation,
QR pairing, status reconciliation and webhook settings, behind an admin API.`,
	SilenceUsage: true,
}

// setup loads the configuration and initializes the application.
func setup() (*app.Application, error) {
	cfg := config.LoadConfig(configFile)
	a := app.NewApplication(cfg)
	if err := a.Init(); err != nil {
		return nil, err
	}
	return a, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API and background reconciliation",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.Release()

		svc, err := whatsapp.Init(a)
		if err != nil {
			return err
		}
		defer svc.Release()

		webserver.Init(a)
		adminapi.Init()
		a.StartBackgroundJobs()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return webserver.Listen(gctx)
		})
		g.Go(func() error {
			// first pass right away instead of waiting for the schedule
			svc.ReconcileAll()
			return nil
		})
		err = g.Wait()
		zap.L().Info("whatsdash: shutting down", zap.Error(err))
		return err
	},
}

var (
	migrateDrop bool
	migrateSeed bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.Release()
		if migrateDrop {
			a.DropAll()
		}
		if migrateSeed {
			a.InitDb()
			return nil
		}
		return a.MigrateDB(true)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one status reconciliation pass for every operator",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.Release()
		svc, err := whatsapp.New(a.DB(), a.Config().Gateway)
		if err != nil {
			return err
		}
		defer svc.Release()
		svc.ReconcileAll()
		return nil
	},
}

var (
	tokenOwner string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin API token for an operator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig(configFile)
		owner := tokenOwner
		if owner == "" {
			owner = cfg.Gateway.DefaultOwner
		}
		token, err := webserver.IssueToken(cfg.Web.Secret, owner, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "whatsdash %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/whatsdash.yml", "config file")

	migrateCmd.Flags().BoolVar(&migrateDrop, "drop", false, "drop all tables first")
	migrateCmd.Flags().BoolVar(&migrateSeed, "init", false, "recreate tables and seed defaults")

	tokenCmd.Flags().StringVar(&tokenOwner, "owner", "", "operator id (defaults to gateway.default_owner)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, migrateCmd, reconcileCmd, tokenCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

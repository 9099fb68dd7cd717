// Command calsync runs CRM-to-calendar synchronization: one-shot passes with
// "run", a cron-scheduled daemon with "serve", schema setup with "migrate".
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/nimblecrm/calendar-sync/internal/auth"
	"github.com/nimblecrm/calendar-sync/internal/calendar"
	"github.com/nimblecrm/calendar-sync/internal/config"
	"github.com/nimblecrm/calendar-sync/internal/entity"
	"github.com/nimblecrm/calendar-sync/internal/store"
	"github.com/nimblecrm/calendar-sync/internal/sync"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "calsync",
		Short:         "Bidirectional CRM / calendar synchronization",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newMigrateCmd(&configPath))
	return root
}

// app is everything a command needs after bootstrap.
type app struct {
	cfg      *config.Config
	logger   kitlog.Logger
	store    *store.MySQL
	registry *entity.Registry
	orch     *sync.Orchestrator
}

func bootstrap(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.LogLevel)

	registry := entity.NewRegistry()
	for _, k := range cfg.EntityKinds {
		registry.Register(&entity.Kind{Name: k.Name, Table: k.Table, NameMaxLen: k.NameMaxLen})
	}

	st, err := store.OpenMySQL(cfg.MySQL.DSN, registry)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	st.SetConnLimits(cfg.MySQL.MaxOpenConns, cfg.MySQL.ConnMaxLifetime)

	remotes, err := remoteFactory(cfg, logger)
	if err != nil {
		return nil, err
	}

	orch := sync.NewOrchestrator(st, registry, entity.AllowAll{}, remotes, logger,
		sync.WithApplyCeiling(cfg.Sync.ApplyCeiling),
		sync.WithBatchSize(cfg.Sync.BatchSize),
	)
	return &app{cfg: cfg, logger: logger, store: st, registry: registry, orch: orch}, nil
}

func newLogger(logLevel string) kitlog.Logger {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	switch strings.ToLower(logLevel) {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.DefaultCaller)
}

// remoteFactory builds provider clients per subscription. Google accounts
// resolve tokens by account handle; CalDAV uses the configured server
// credentials.
func remoteFactory(cfg *config.Config, logger kitlog.Logger) (sync.RemoteFactory, error) {
	var resolver *auth.Resolver
	if cfg.Google.CredentialsPath != "" {
		clientID, clientSecret, err := config.LoadGoogleCredentials(cfg.Google.CredentialsPath)
		if err != nil {
			return nil, err
		}
		resolver = auth.NewResolver(cfg.Google.TokenDir, auth.GoogleOAuthConfig(clientID, clientSecret))
	}

	return func(ctx context.Context, sub *store.Subscription) (calendar.RemoteCalendar, error) {
		switch sub.Provider {
		case "caldav":
			if cfg.CalDAV.ServerURL == "" {
				return nil, fmt.Errorf("caldav provider is not configured")
			}
			return calendar.NewCalDAVClient(cfg.CalDAV.ServerURL, cfg.CalDAV.Username, cfg.CalDAV.Password, logger), nil
		case "", "google":
			if resolver == nil {
				return nil, fmt.Errorf("google provider is not configured")
			}
			ts, err := resolver.TokenSource(sub.AccountHandle)
			if err != nil {
				return nil, err
			}
			return calendar.NewGoogleClient(ctx, ts, logger)
		default:
			return nil, fmt.Errorf("unknown provider %q", sub.Provider)
		}
	}, nil
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one sync pass over all active subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			return a.orch.RunAll(cmd.Context())
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run sync passes on a cron schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Passes are serialized: a slow pass delays the next rather
			// than overlapping with it.
			c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
			_, err = c.AddFunc(a.cfg.Sync.Schedule, func() {
				if err := a.orch.RunAll(ctx); err != nil {
					level.Error(a.logger).Log("msg", "sync pass failed", "err", err)
				}
			})
			if err != nil {
				return fmt.Errorf("invalid schedule %q: %w", a.cfg.Sync.Schedule, err)
			}

			level.Info(a.logger).Log("msg", "starting scheduler", "schedule", a.cfg.Sync.Schedule)
			c.Start()
			<-ctx.Done()
			level.Info(a.logger).Log("msg", "shutting down")
			<-c.Stop().Done()
			return nil
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the sync schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			if err := a.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			level.Info(a.logger).Log("msg", "schema up to date")
			return nil
		},
	}
}

package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"proactive-outreach-engine/pkg/channel"
	"proactive-outreach-engine/pkg/config"
	"proactive-outreach-engine/pkg/metrics"
	"proactive-outreach-engine/pkg/orchestrator"
	"proactive-outreach-engine/pkg/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "outreach",
	Short: "Engagement-driven proactive outreach engine",
	Long: `Tracks per-user engagement and, when a user is warm enough, starts a
short guided conversation about one of their open topics.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, idle timers and the background sweep",
	RunE:  runServe,
}

var sweepMaxIdle int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire idle funnels once and exit",
	RunE:  runSweep,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (env vars override it)")
	sweepCmd.Flags().IntVar(&sweepMaxIdle, "max-idle", 0, "Idle minutes before a funnel expires (default: configured idle timeout)")

	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})
	return cfg, logger, nil
}

func openStore(cfg *config.Config, m *metrics.Metrics) (*sql.DB, *store.Store, error) {
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(db); err != nil {
		db.Close()
		return nil, nil, err
	}
	st, err := store.New(db, m)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, st, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	db, _, err := openStore(cfg, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	logger.WithField("database_path", cfg.DatabasePath).Info("Schema is up to date")
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	m := metrics.NewMetrics(prometheus.NewRegistry())
	db, st, err := openStore(cfg, m)
	if err != nil {
		return err
	}
	defer db.Close()

	events := orchestrator.NewEventEmitter(st, cfg.EventBufferSize, logger, m)
	defer events.Close()

	orch := orchestrator.New(orchestrator.Deps{
		Store:    st,
		Resolver: orchestrator.NewDefinitionResolver(st),
		Sender:   channel.NewLogSender(logger),
		Events:   events,
		Logger:   logger,
		Metrics:  m,
	}, cfg.IdleTimeout())
	defer orch.Close()

	maxIdle := cfg.IdleTimeout()
	if sweepMaxIdle > 0 {
		maxIdle = time.Duration(sweepMaxIdle) * time.Minute
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	count, err := orch.SweepExpired(ctx, maxIdle)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "expired %d funnel(s) idle longer than %s\n", count, maxIdle)
	return nil
}

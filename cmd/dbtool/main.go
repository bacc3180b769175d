package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/gymhub/backend/internal/database"
	"github.com/PortNumber53/gymhub/backend/internal/logging"
	"github.com/PortNumber53/gymhub/backend/internal/migrations"
	"github.com/PortNumber53/gymhub/backend/internal/models"
	"github.com/PortNumber53/gymhub/backend/internal/store"
)

// toolConfig is the subset of server configuration the maintenance tool needs.
type toolConfig struct {
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

var (
	logger zerolog.Logger
	db     *sql.DB
)

var rootCmd = &cobra.Command{
	Use:           "dbtool",
	Short:         "Database maintenance for the gymhub backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load environment variables
		_ = godotenv.Load(
			"../.env",
			".env",
		)

		cfg, err := env.ParseAs[toolConfig]()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		logger = logging.New(cfg.LogLevel, "console")

		db, err = database.Open(cmd.Context(), cfg.DatabaseURL, logger)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if db != nil {
			_ = db.Close()
		}
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations, repairing a dirty state first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return database.Migrate(db, logger)
	},
}

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Roll a dirty migration version back to the last clean one",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := migrations.FixDirtyDatabase(db, logger); err != nil {
			return fmt.Errorf("fix dirty database: %w", err)
		}
		logger.Info().Msg("database fixed")
		return nil
	},
}

var forceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Force the recorded migration version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[0])
		}
		if err := migrations.ForceVersion(db, uint(v)); err != nil {
			return fmt.Errorf("force version: %w", err)
		}
		logger.Info().Uint64("version", v).Msg("database version forced")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current migration version",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, dirty, err := migrations.Version(db)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the webhook event ledger",
}

var failedEventsLimit int

var failedEventsCmd = &cobra.Command{
	Use:   "failed",
	Short: "List webhook events that failed and have not been processed since",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.New(db)
		if err != nil {
			return err
		}
		events, err := st.ListWebhookEvents(cmd.Context(), models.WebhookEventFilter{FailedOnly: true, Limit: failedEventsLimit})
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "EVENT ID\tTYPE\tATTEMPTS\tUPDATED\tERROR")
		for _, ev := range events {
			msg := ""
			if ev.Error != nil {
				msg = *ev.Error
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", ev.EventID, ev.EventType, ev.Attempts, ev.UpdatedAt.Format(time.RFC3339), msg)
		}
		return tw.Flush()
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Maintain the notification job queue",
}

var cleanupOlderThan time.Duration

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete completed and cancelled jobs older than --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		js, err := store.NewJobStore(db)
		if err != nil {
			return err
		}
		n, err := js.CleanupOldJobs(cmd.Context(), cleanupOlderThan)
		if err != nil {
			return err
		}
		logger.Info().Int64("deleted", n).Dur("older_than", cleanupOlderThan).Msg("jobs cleaned up")
		return nil
	},
}

func init() {
	failedEventsCmd.Flags().IntVar(&failedEventsLimit, "limit", 50, "maximum number of events to list")
	eventsCmd.AddCommand(failedEventsCmd)

	jobsCleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 7*24*time.Hour, "minimum age of jobs to delete")
	jobsCmd.AddCommand(jobsCleanupCmd)

	rootCmd.AddCommand(upCmd, fixCmd, forceCmd, versionCmd, eventsCmd, jobsCmd)
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

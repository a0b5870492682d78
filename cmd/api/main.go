package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"storymapper/api/internal/config"
	"storymapper/api/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "storymapper-api",
	Short: "Storymapper session coordinator API",
	Long: `Storymapper keeps a feature document in sync between the conversational
agent that writes it and the viewers that observe it, and records every
revision with its quality estimation.

Without a subcommand the API server is started.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var (
	latestUser    string
	migrateStatus bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE:  runMigrate,
}

var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the latest revision recorded for a user",
	RunE:  runLatest,
}

func init() {
	latestCmd.Flags().StringVar(&latestUser, "user", "", "user id or display name")
	_ = latestCmd.MarkFlagRequired("user")
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "list pending migrations without applying them")

	rootCmd.AddCommand(serveCmd, migrateCmd, latestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if migrateStatus {
		pending, err := store.PendingMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(pending) == 0 {
			fmt.Fprintln(out, "Schema is up to date")
			return nil
		}
		for _, migration := range pending {
			fmt.Fprintf(out, "pending  %s  %s\n", migration.Number, migration.Name)
		}
		return nil
	}

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	log.Printf("applied %d migration(s) from %s", applied, cfg.MigrationsDir)
	return nil
}

func runLatest(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	dataStore := store.NewPostgresStore(db)

	userID, err := resolveUser(ctx, dataStore, latestUser)
	if err != nil {
		return err
	}
	latest, err := dataStore.LoadLatestRevision(ctx, userID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if latest == nil {
		fmt.Fprintf(out, "No revisions recorded for %s\n", latestUser)
		return nil
	}

	fmt.Fprintf(out, "Revision %d\n", latest.ID)
	fmt.Fprintf(out, "  Session:  %s\n", latest.SessionID)
	fmt.Fprintf(out, "  Created:  %s\n", latest.CreatedAt.Format("2006-01-02 15:04:05"))
	if latest.UserMessage != "" {
		fmt.Fprintf(out, "  Message:  %s\n", latest.UserMessage)
	}
	if overall, ok := latest.Estimation.Overall(); ok {
		fmt.Fprintf(out, "  Overall:  %g\n", overall)
	} else {
		fmt.Fprintf(out, "  Overall:  (not scored)\n")
	}
	fmt.Fprintf(out, "\n%s\n", strings.TrimRight(latest.FeatureAfter, "\n"))
	return nil
}

// resolveUser accepts either a user id or a display name.
func resolveUser(ctx context.Context, dataStore *store.PostgresStore, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("--user is required")
	}
	if user, err := dataStore.GetUserByID(ctx, value); err == nil {
		return user.ID, nil
	}
	user, err := dataStore.GetUserByName(ctx, value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("unknown user %s", value)
	}
	if err != nil {
		return "", fmt.Errorf("resolve user %s: %w", value, err)
	}
	return user.ID, nil
}

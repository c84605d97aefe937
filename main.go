package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/choraleia/concierge/pkg/service"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

type globalFlags struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:          "concierge",
		Short:        "Concierge - conversational assistant for customer messaging",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to config file (default ~/.concierge/config.yaml)")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "path to a .env file with secrets")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newMigrateCmd(flags))
	cmd.AddCommand(newIndexCmd(flags))
	cmd.AddCommand(newCompactCmd(flags))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "concierge %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event push and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}
}

func runServe(cmd *cobra.Command, flags *globalFlags) error {
	cfg, err := loadConfig(flags.configPath, flags.envFile)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.Logger

	if app.Relay != nil {
		if err := app.Relay.Start(ctx); err != nil {
			return err
		}
	}
	if err := app.Scheduler.Start(); err != nil {
		return err
	}
	go func() {
		if _, err := app.Indexer.SyncVectors(ctx); err != nil {
			logger.Warn("Vector index not restored, similarity search is partial until the next reindex", "error", err)
		}
	}()

	server := NewServer(app)
	if err := server.Start(ctx); err != nil {
		app.Scheduler.Stop()
		return fmt.Errorf("start server: %w", err)
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Assistant.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Running turns cancelled at shutdown", "error", err)
	}
	app.Scheduler.Stop()
	if app.Relay != nil {
		app.Relay.Wait()
	}
	return nil
}

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath, flags.envFile)
			if err != nil {
				return err
			}
			gdb, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			if sqlDB, err := gdb.DB(); err == nil {
				defer sqlDB.Close()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s database\n", cfg.DatabaseDriver())
			return nil
		},
	}
}

func newIndexCmd(flags *globalFlags) *cobra.Command {
	var tenants []string

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index knowledge sources now",
		Long:  "Pulls every configured knowledge source and, with --tenant, the built-in quotes and forms of that tenant.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath, flags.envFile)
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			out := cmd.OutOrStdout()
			n, err := app.Scheduler.Reindex(cmd.Context())
			fmt.Fprintf(out, "Indexed %d documents from configured sources\n", n)
			if err != nil {
				fmt.Fprintf(out, "Some sources failed: %v\n", err)
			}
			for _, tenant := range tenants {
				n, err := app.Indexer.IndexSource(cmd.Context(), service.NewDomainKnowledgeSource(app.DB, tenant))
				if err != nil {
					return fmt.Errorf("index tenant %s: %w", tenant, err)
				}
				fmt.Fprintf(out, "Indexed %d domain records for tenant %s\n", n, tenant)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&tenants, "tenant", nil, "also index quotes and forms of these tenants")
	return cmd
}

func newCompactCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "compact [conversation-id]",
		Short: "Fold conversation history into the rolling summary",
		Long:  "With a conversation id, compacts that conversation regardless of thresholds. Without one, sweeps idle conversations.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath, flags.envFile)
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				n, err := app.Scheduler.SweepCompaction(cmd.Context())
				fmt.Fprintf(out, "Compacted %d idle conversations\n", n)
				return err
			}
			res, err := app.Compactor.CompactNow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if res == nil {
				fmt.Fprintln(out, "Nothing to compact")
				return nil
			}
			data, _ := json.MarshalIndent(res, "", "  ")
			fmt.Fprintln(out, string(data))
			return nil
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}

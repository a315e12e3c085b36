// Package cli wires the birdsync commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"birdphotos/birdsync/internal/app"
	"birdphotos/birdsync/internal/audit"
	"birdphotos/birdsync/internal/config"
	"birdphotos/birdsync/internal/logging"
	"birdphotos/birdsync/internal/security"
)

type rootOptions struct {
	envFile   string
	logLevel  string
	logFormat string

	logger *zap.Logger
}

// NewRootCmd builds the birdsync command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "birdsync",
		Short: "Keep a bird photo catalog in step with its image folder or bucket",
		Long: `birdsync reconciles a SQLite catalog of bird photos against a folder, a Firebase/GCS
bucket or an S3 bucket. New images get their capture time, GPS position, place name and
optional species suggestions recorded; rows for images that disappeared are removed.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFile(opts.envFile); err != nil {
				return err
			}
			logger, err := logging.New(opts.logLevel, opts.logFormat)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Optional .env file with BIRDSYNC_* settings")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "console", "Log format: console or json")

	rootCmd.AddCommand(newSyncCmd(opts))
	rootCmd.AddCommand(newWatchCmd(opts))
	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newSpeciesCmd(opts))
	rootCmd.AddCommand(newSourceCmd(opts))
	rootCmd.AddCommand(newPlacesCmd(opts))
	rootCmd.AddCommand(newAuditCmd(opts))
	rootCmd.AddCommand(newBackupCmd(opts))
	rootCmd.AddCommand(newTokenCmd())

	return rootCmd
}

// withApp builds the app from the environment, runs fn and closes the app.
func (o *rootOptions) withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg := config.FromEnv()
	application, err := app.New(ctx, cfg, o.logger)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			o.logger.Warn("close failed", zap.Error(err))
		}
	}()
	return fn(application)
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Sync(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync now and again whenever the image folder changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				return a.Watch(cmd.Context())
			})
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the catalog API and sync once at startup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				return a.Serve(cmd.Context())
			})
		},
	}
}

func newSpeciesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "species",
		Short: "Species maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "enrich",
		Short: "Fill scientific name, family, order and status from the eBird taxonomy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.EnrichSpecies(cmd.Context(), audit.ActorCLI)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	})
	return cmd
}

func newSourceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Image source diagnostics",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "List the source and compare it with the catalog without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.CheckSource(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	})
	return cmd
}

func newPlacesCmd(opts *rootOptions) *cobra.Command {
	var (
		apply bool
		limit int
	)
	backfill := &cobra.Command{
		Use:   "backfill",
		Short: "Retry reverse geocoding for photos whose place is Unknown or Timeout",
		Long: `Looks up photos that have GPS coordinates but no resolved place name. By default it
only reports what would change; pass --apply to write the new place names.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.BackfillPlaces(cmd.Context(), apply, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	backfill.Flags().BoolVar(&apply, "apply", false, "Write changes (default is a dry run)")
	backfill.Flags().IntVar(&limit, "limit", 0, "Maximum photos to check (0 = all)")

	cmd := &cobra.Command{
		Use:   "places",
		Short: "Place name maintenance",
	}
	cmd.AddCommand(backfill)
	return cmd
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check the audit hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				bad, err := a.VerifyAudit(cmd.Context())
				if err != nil {
					return err
				}
				if bad != 0 {
					return fmt.Errorf("audit chain broken at row %d", bad)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "audit chain intact")
				return err
			})
		},
	})
	return cmd
}

func newBackupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <path|s3://bucket/key|https://url>",
		Short: "Write a tar.gz snapshot of the catalog and taxonomy cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Backup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a random value for BIRDSYNC_API_TOKEN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := security.NewToken()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

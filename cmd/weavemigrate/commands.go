package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/talkbase/weavemigrate/pkg/migrate"
	"github.com/talkbase/weavemigrate/pkg/models"
)

// printJSON writes v as indented JSON to stdout, the machine-readable half
// of every command's output.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func migrateDataCmd() *cobra.Command {
	var rollbackOnFailure bool
	cmd := &cobra.Command{
		Use:   "migrate-data",
		Short: "Backfill all records from SQLite into Weaviate",
		Long: "Backfill conversations, messages and documents from SQLite into " +
			"Weaviate in batches. Interrupted runs resume from the last checkpoint; " +
			"completed runs can be repeated and overwrite in place.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("rollback-on-failure") {
				cfg.RollbackOnFailure = rollbackOnFailure
			}

			rt, err := openRuntime(cfg, newLogger())
			if err != nil {
				return err
			}
			defer rt.close()

			rt.orch.SetProgress(newProgress())
			res, err := rt.orch.MigrateData(cmd.Context())
			if res != nil {
				if perr := printJSON(res.Summary()); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&rollbackOnFailure, "rollback-on-failure", false, "Pin routing back to SQLite when the run ends with a fatal error")
	return cmd
}

// newProgress renders one progress bar per entity on stderr, keeping stdout
// clean for the JSON summary.
func newProgress() migrate.ProgressFunc {
	var bar *progressbar.ProgressBar
	var current models.EntityType
	return func(entity models.EntityType, processed, total int64) {
		if bar == nil || entity != current {
			if bar != nil {
				bar.Finish()
			}
			current = entity
			bar = progressbar.NewOptions64(total,
				progressbar.OptionSetDescription(string(entity)),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
				progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
			)
		}
		bar.Set64(processed)
	}
}

func enableDualWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable-dual-write",
		Short: "Catch up writes since the backfill and enable write mirroring",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rt, err := openRuntime(cfg, newLogger())
			if err != nil {
				return err
			}
			defer rt.close()

			res, err := rt.orch.EnableDualWrite(cmd.Context())
			if res != nil {
				if perr := printJSON(res.Summary()); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check count, sample and latency parity between the stores",
		Long: "Run the integrity check gating the read cutover: per-entity count " +
			"parity, field-level comparison of a random sample, and a query latency " +
			"battery. The report is written to the state directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rt, err := openRuntime(cfg, newLogger())
			if err != nil {
				return err
			}
			defer rt.close()

			report, err := rt.orch.Validate(cmd.Context())
			if report != nil {
				if perr := printJSON(report); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	return cmd
}

func switchReadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "switch-reads",
		Short: "Cut reads over to Weaviate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !force && !confirm("Switch all reads to Weaviate?") {
				return fmt.Errorf("aborted")
			}
			rt, err := openRuntime(cfg, newLogger())
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.orch.SwitchReads(cmd.Context()); err != nil {
				return err
			}
			return printJSON(rt.orch.Status())
		},
	}
	return cmd
}

func completeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete",
		Short: "Mark the migration complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rt, err := openRuntime(cfg, newLogger())
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.orch.Finalize(cmd.Context()); err != nil {
				return err
			}
			return printJSON(rt.orch.Status())
		},
	}
}

func rollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Revert to SQLite and remove migrated data from Weaviate",
		Long: "Pin reads and writes back to SQLite, sync Weaviate-era changes back " +
			"into SQLite, delete migrated objects from Weaviate and reset the " +
			"migration state. Bounded by the configured rollback timeout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !force && !confirm("Roll back the migration and delete migrated Weaviate objects?") {
				return fmt.Errorf("aborted")
			}
			rt, err := openRuntime(cfg, newLogger())
			if err != nil {
				return err
			}
			defer rt.close()

			result, err := rt.orch.Rollback(cmd.Context())
			if result != nil {
				if perr := printJSON(result); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	return cmd
}

func syncCmd() *cobra.Command {
	var (
		reverse bool
		since   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a one-off catch-up sync between the stores",
		Long: "Copy records modified within the window from SQLite to Weaviate, " +
			"or with --reverse from Weaviate back to SQLite. Idempotent; safe to " +
			"repeat.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger()
			rt, err := openRuntime(cfg, log)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.source.Ping(cmd.Context()); err != nil {
				return err
			}
			if err := rt.target.Ping(cmd.Context()); err != nil {
				return err
			}

			res := migrate.NewResult()
			syncer := migrate.NewSyncer(rt.source, rt.target, log)
			start := time.Now().UTC().Add(-since)
			if reverse {
				err = syncer.Reverse(cmd.Context(), start, res)
			} else {
				err = syncer.Forward(cmd.Context(), start, time.Now().UTC(), res)
			}
			res.Finish()
			if perr := printJSON(res.Summary()); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&reverse, "reverse", false, "Sync from Weaviate back into SQLite")
	cmd.Flags().DurationVar(&since, "since", time.Hour, "How far back the modification window reaches")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration phase, checkpoints and routing toggles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rt, err := openRuntime(cfg, newLogger())
			if err != nil {
				return err
			}
			defer rt.close()

			return printJSON(rt.orch.Status())
		},
	}
}

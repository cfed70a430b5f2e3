// Command weavemigrate drives a zero-downtime migration of talkbase data
// from SQLite to Weaviate: backfill, dual writes, validation, read cutover
// and rollback, each as a separate subcommand over a shared persisted state.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/talkbase/weavemigrate/pkg/migrate"
	"github.com/talkbase/weavemigrate/pkg/store"
	"github.com/talkbase/weavemigrate/pkg/store/sqlite"
	"github.com/talkbase/weavemigrate/pkg/store/weaviate"
)

const version = "0.1.0"

var (
	configPath     string
	stateDir       string
	sqlitePath     string
	weaviateHost   string
	weaviateScheme string
	weaviateAPIKey string
	verbose        bool

	batchSize        int
	workerCount      int
	maxRetries       int
	dryRun           bool
	validationSample int
	force            bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "weavemigrate",
		Short:         "Zero-downtime SQLite to Weaviate migration for talkbase",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "Directory for migration state and reports")
	rootCmd.PersistentFlags().StringVar(&sqlitePath, "sqlite", "", "Path to the SQLite database (or set SQLITE_PATH)")
	rootCmd.PersistentFlags().StringVar(&weaviateHost, "weaviate-host", "", "Weaviate host:port (or set WEAVIATE_HOST)")
	rootCmd.PersistentFlags().StringVar(&weaviateScheme, "weaviate-scheme", "", "Weaviate scheme, http or https")
	rootCmd.PersistentFlags().StringVar(&weaviateAPIKey, "weaviate-api-key", "", "Weaviate API key (or set WEAVIATE_API_KEY)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	// Run parameters are shared by every subcommand; commands that do not
	// batch or sample simply ignore them.
	rootCmd.PersistentFlags().IntVar(&batchSize, "batch-size", 100, "Records per batch")
	rootCmd.PersistentFlags().IntVar(&workerCount, "worker-count", 1, "Concurrent batch workers")
	rootCmd.PersistentFlags().IntVar(&maxRetries, "max-retries", 3, "Retries per failed batch load")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Report what would change without writing")
	rootCmd.PersistentFlags().IntVar(&validationSample, "validation-sample", 100, "Records to sample for field comparison")
	rootCmd.PersistentFlags().BoolVar(&force, "force", false, "Skip confirmation prompts")

	rootCmd.AddCommand(migrateDataCmd())
	rootCmd.AddCommand(enableDualWriteCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(switchReadsCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("weavemigrate version %s\n", version)
		},
	}
}

// newLogger builds the console logger all commands share. Log output goes to
// stderr so stdout stays clean for JSON results.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

// loadConfig assembles the run configuration: defaults, then the optional
// YAML file, then the environment, then flags. Flags win.
func loadConfig(cmd *cobra.Command) (migrate.Config, error) {
	// A .env file is a convenience for local runs; absence is not an error.
	_ = godotenv.Load()

	cfg := migrate.DefaultConfig()
	if configPath != "" {
		if err := cfg.LoadFile(configPath); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()

	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if sqlitePath != "" {
		cfg.SQLitePath = sqlitePath
	}
	if weaviateHost != "" {
		cfg.WeaviateHost = weaviateHost
	}
	if weaviateScheme != "" {
		cfg.WeaviateScheme = weaviateScheme
	}
	if weaviateAPIKey != "" {
		cfg.WeaviateAPIKey = weaviateAPIKey
	}

	flags := cmd.Flags()
	if flags.Changed("batch-size") {
		cfg.BatchSize = batchSize
	}
	if flags.Changed("worker-count") {
		cfg.WorkerCount = workerCount
	}
	if flags.Changed("max-retries") {
		cfg.MaxRetries = maxRetries
	}
	if flags.Changed("validation-sample") {
		cfg.SampleSize = validationSample
	}
	cfg.DryRun = dryRun
	return cfg, nil
}

// runtime bundles everything a subcommand needs to act on the migration.
type runtime struct {
	cfg     migrate.Config
	source  store.SourceStore
	target  store.TargetStore
	routing *store.Routing
	state   *migrate.StateFile
	orch    *migrate.Orchestrator
	log     zerolog.Logger
}

func (r *runtime) close() {
	if r.source != nil {
		r.source.Close()
	}
	if r.target != nil {
		r.target.Close()
	}
}

// openRuntime validates the config and opens stores, routing and state.
func openRuntime(cfg migrate.Config, log zerolog.Logger) (*runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	source, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	target, err := weaviate.Open(weaviate.Config{
		Host:   cfg.WeaviateHost,
		Scheme: cfg.WeaviateScheme,
		APIKey: cfg.WeaviateAPIKey,
	})
	if err != nil {
		source.Close()
		return nil, err
	}

	routing, err := store.OpenRouting(cfg.RoutingPath())
	if err != nil {
		source.Close()
		return nil, err
	}
	state, err := migrate.OpenState(cfg.StatePath())
	if err != nil {
		source.Close()
		return nil, err
	}

	return &runtime{
		cfg:     cfg,
		source:  source,
		target:  target,
		routing: routing,
		state:   state,
		orch:    migrate.NewOrchestrator(cfg, source, target, routing, state, log),
		log:     log,
	}, nil
}

// confirm prompts on stderr and reads a yes/no answer from stdin.
func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
